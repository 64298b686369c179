//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"fmt"
	"time"
)

// InterruptError suspends graph execution at the current node. The
// executor persists state and returns control to the caller; a later
// ResumeCommand re-enters at the same node with the supplied value.
type InterruptError struct {
	// Value is the prompt that was passed to Interrupt.
	Value any
	// Key identifies the interrupt point inside the node.
	Key string
	// Kind classifies the interrupt for resume payload validation.
	Kind string
	// NodeID is the node where the interrupt occurred (set by the executor).
	NodeID string
	// Step is the loop step when the interrupt occurred (set by the executor).
	Step int
	// Timestamp is when the interrupt occurred.
	Timestamp time.Time
}

// Error returns the error message for the interrupt.
func (e *InterruptError) Error() string {
	return fmt.Sprintf("graph interrupted at node %s (step %d): %v", e.NodeID, e.Step, e.Value)
}

// NewInterruptError creates an InterruptError with the given key and prompt.
func NewInterruptError(key, kind string, prompt any) *InterruptError {
	return &InterruptError{
		Value:     prompt,
		Key:       key,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// AsInterruptError extracts an InterruptError from an error.
func AsInterruptError(err error) (*InterruptError, bool) {
	interrupt, ok := err.(*InterruptError)
	return interrupt, ok
}

// ResumeCommand carries externally supplied values into a paused run.
type ResumeCommand struct {
	// Resume is the value for the pending interrupt.
	Resume any
	// ResumeMap maps interrupt keys to resume values when a node has more
	// than one interrupt point.
	ResumeMap map[string]any
}

// Interrupt suspends execution at the current node and surfaces the prompt
// value to the caller. On resume, it returns the externally supplied resume
// value instead. The kind tags the pending interrupt so the caller can
// validate the resume payload shape before re-entering.
//
// A resume value is consumed exactly once. A node revisited later in the
// same run pauses again instead of replaying a stale answer.
func Interrupt(ctx context.Context, key, kind string, prompt any) (any, error) {
	execCtx, ok := executionContextFrom(ctx)
	if !ok {
		return nil, NewInterruptError(key, kind, prompt)
	}
	if value, found := execCtx.takeResumeValue(key); found {
		return value, nil
	}
	return nil, NewInterruptError(key, kind, prompt)
}

// ResumeValue extracts a typed resume value for the given key, consuming it.
func ResumeValue[T any](ctx context.Context, key string) (T, bool) {
	var zero T
	execCtx, ok := executionContextFrom(ctx)
	if !ok {
		return zero, false
	}
	value, found := execCtx.takeResumeValue(key)
	if !found {
		return zero, false
	}
	typed, ok := value.(T)
	return typed, ok
}

// HasResumeValue checks whether a resume value is available for the key.
func HasResumeValue(ctx context.Context, key string) bool {
	execCtx, ok := executionContextFrom(ctx)
	if !ok {
		return false
	}
	return execCtx.hasResumeValue(key)
}
