//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

// Package event provides the trace event stream emitted during graph
// execution. Each event wraps a model response chunk together with the
// origin node and a monotonically increasing sequence number.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/datapilot-ai/datapilot/model"
)

// Event represents one entry of the execution trace.
type Event struct {
	// Response is the chunk payload. Streaming chunks and full messages
	// share this shape.
	*model.Response

	// InvocationID identifies the run that produced the event.
	InvocationID string `json:"invocationId"`

	// Author is the ID of the node that emitted the event.
	Author string `json:"author"`

	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// Sequence is the emission order within the run. Consumers must order
	// by sequence, never by arrival time.
	Sequence int64 `json:"sequence"`

	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// StateDelta carries serialized state changes applied at this step.
	StateDelta map[string][]byte `json:"stateDelta,omitempty"`

	// Interrupt carries the interrupt prompt when the run paused.
	Interrupt any `json:"interrupt,omitempty"`
}

// Clone creates a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Response = e.Response.Clone()
	if e.StateDelta != nil {
		clone.StateDelta = make(map[string][]byte, len(e.StateDelta))
		for k, v := range e.StateDelta {
			b := make([]byte, len(v))
			copy(b, v)
			clone.StateDelta[k] = b
		}
	}
	return &clone
}

// Option configures an Event.
type Option func(*Event)

// WithResponse sets the response payload for the event.
func WithResponse(response *model.Response) Option {
	return func(e *Event) { e.Response = response }
}

// WithObject sets the response object type for the event.
func WithObject(object string) Option {
	return func(e *Event) { e.Object = object }
}

// WithStateDelta sets the state delta for the event.
func WithStateDelta(stateDelta map[string][]byte) Option {
	return func(e *Event) { e.StateDelta = stateDelta }
}

// WithInterrupt attaches an interrupt prompt to the event.
func WithInterrupt(prompt any) Option {
	return func(e *Event) { e.Interrupt = prompt }
}

// New creates a new Event with a generated ID and timestamp.
func New(invocationID, author string, opts ...Option) *Event {
	e := &Event{
		Response:     &model.Response{},
		ID:           uuid.New().String(),
		Timestamp:    time.Now(),
		InvocationID: invocationID,
		Author:       author,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewError creates an error Event with the specified error details.
func NewError(invocationID, author, errorType, errorMessage string) *Event {
	return &Event{
		Response: &model.Response{
			Object: model.ObjectTypeError,
			Done:   true,
			Error: &model.ResponseError{
				Type:    errorType,
				Message: errorMessage,
			},
		},
		ID:           uuid.New().String(),
		Timestamp:    time.Now(),
		InvocationID: invocationID,
		Author:       author,
	}
}

// NewResponse creates an Event from a model response.
func NewResponse(invocationID, author string, response *model.Response) *Event {
	return &Event{
		Response:     response,
		ID:           uuid.New().String(),
		Timestamp:    time.Now(),
		InvocationID: invocationID,
		Author:       author,
	}
}
