//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	// CheckpointVersion is the current version of the checkpoint format.
	CheckpointVersion = 1

	// CheckpointSourceInput indicates the checkpoint was created from input.
	CheckpointSourceInput = "input"
	// CheckpointSourceLoop indicates the checkpoint was created from inside the loop.
	CheckpointSourceLoop = "loop"
	// CheckpointSourceInterrupt indicates the checkpoint was created from an interrupt.
	CheckpointSourceInterrupt = "interrupt"
	// CheckpointSourceUpdate indicates the checkpoint was created by a manual update.
	CheckpointSourceUpdate = "update"

	// DefaultMaxCheckpointsPerLineage caps retained history per lineage.
	DefaultMaxCheckpointsPerLineage = 100
)

// Checkpoint represents a snapshot of graph state at a node boundary.
// Checkpoints are immutable once written; superseded checkpoints are
// retained for history and replay until the lineage is deleted.
type Checkpoint struct {
	// Version is the version of the checkpoint format.
	Version int `json:"v"`
	// ID is the unique identifier of this checkpoint.
	ID string `json:"id"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"ts"`
	// StateJSON is the serialized state at checkpoint time.
	StateJSON json.RawMessage `json:"state"`
	// NextNodes contains the node(s) to execute next. Empty for terminal
	// checkpoints.
	NextNodes []string `json:"next_nodes,omitempty"`
	// ParentCheckpointID is the ID of the preceding checkpoint.
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty"`
	// InterruptState is set when execution paused at an interrupt.
	InterruptState *InterruptState `json:"interrupt_state,omitempty"`
}

// IsInterrupted reports whether this checkpoint is paused at an interrupt.
func (c *Checkpoint) IsInterrupted() bool {
	return c != nil && c.InterruptState != nil
}

// InterruptState records where and why an execution paused.
type InterruptState struct {
	// NodeID is the node where execution was interrupted.
	NodeID string `json:"node_id"`
	// Key identifies the interrupt point inside the node.
	Key string `json:"key"`
	// Kind classifies the interrupt so resume payloads can be validated
	// against it (e.g. "plan_approval", "tool_approval").
	Kind string `json:"kind,omitempty"`
	// Prompt is the value that was passed to Interrupt.
	Prompt any `json:"prompt,omitempty"`
	// Step is the loop step at which the interrupt occurred.
	Step int `json:"step"`
}

// CheckpointMetadata contains metadata about a checkpoint.
type CheckpointMetadata struct {
	// Source indicates how the checkpoint was created.
	Source string `json:"source"`
	// Step is the step number (-1 for input, 0+ for loop steps).
	Step int `json:"step"`
	// Extra carries additional metadata fields.
	Extra map[string]any `json:"extra,omitempty"`
}

// CheckpointTuple wraps a checkpoint with its lineage and metadata.
type CheckpointTuple struct {
	// LineageID identifies the thread the checkpoint belongs to.
	LineageID string `json:"lineage_id"`
	// Checkpoint is the actual checkpoint data.
	Checkpoint *Checkpoint `json:"checkpoint"`
	// Metadata contains additional checkpoint information.
	Metadata *CheckpointMetadata `json:"metadata"`
}

// CheckpointFilter defines filtering criteria for listing checkpoints.
type CheckpointFilter struct {
	// Limit is the maximum number of checkpoints to return (0 = all).
	Limit int `json:"limit,omitempty"`
	// Before limits results to checkpoints created before this time.
	Before time.Time `json:"before,omitempty"`
}

// PutRequest contains all data needed to store a checkpoint.
type PutRequest struct {
	LineageID  string
	Checkpoint *Checkpoint
	Metadata   *CheckpointMetadata
}

// CheckpointSaver defines the interface for checkpoint storage
// implementations. Writes for a given lineage must be strictly ordered;
// implementations serialize them per lineage.
type CheckpointSaver interface {
	// Latest retrieves the most recent checkpoint for a lineage. It
	// returns ErrCheckpointNotFound when the lineage has none.
	Latest(ctx context.Context, lineageID string) (*CheckpointTuple, error)
	// Get retrieves a checkpoint by ID for point-in-time replay.
	Get(ctx context.Context, lineageID, checkpointID string) (*CheckpointTuple, error)
	// List retrieves checkpoints for a lineage, newest first.
	List(ctx context.Context, lineageID string, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// Put stores a checkpoint.
	Put(ctx context.Context, req PutRequest) error
	// DeleteLineage removes all checkpoints for a lineage. Deleting a
	// lineage that does not exist is not an error.
	DeleteLineage(ctx context.Context, lineageID string) error
	// Close releases resources held by the saver.
	Close() error
}

// NewCheckpoint creates a checkpoint from a state snapshot.
func NewCheckpoint(state State, nextNodes []string) (*Checkpoint, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		Version:   CheckpointVersion,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		StateJSON: raw,
		NextNodes: nextNodes,
	}, nil
}

// CheckpointManager provides high-level checkpoint management on top of a
// saver.
type CheckpointManager struct {
	saver CheckpointSaver
}

// NewCheckpointManager creates a new checkpoint manager.
func NewCheckpointManager(saver CheckpointSaver) *CheckpointManager {
	return &CheckpointManager{saver: saver}
}

// Latest returns the most recent checkpoint for a lineage, or nil when the
// lineage has no checkpoints yet.
func (cm *CheckpointManager) Latest(ctx context.Context, lineageID string) (*CheckpointTuple, error) {
	if lineageID == "" {
		return nil, ErrLineageIDRequired
	}
	tuple, err := cm.saver.Latest(ctx, lineageID)
	if errors.Is(err, ErrCheckpointNotFound) {
		return nil, nil
	}
	return tuple, err
}

// Get returns a checkpoint by ID.
func (cm *CheckpointManager) Get(ctx context.Context, lineageID, checkpointID string) (*CheckpointTuple, error) {
	if lineageID == "" {
		return nil, ErrLineageIDRequired
	}
	return cm.saver.Get(ctx, lineageID, checkpointID)
}

// List returns checkpoints for a lineage, newest first.
func (cm *CheckpointManager) List(ctx context.Context, lineageID string, filter *CheckpointFilter) ([]*CheckpointTuple, error) {
	if lineageID == "" {
		return nil, ErrLineageIDRequired
	}
	return cm.saver.List(ctx, lineageID, filter)
}

// Put stores a checkpoint with the given metadata.
func (cm *CheckpointManager) Put(ctx context.Context, lineageID string, checkpoint *Checkpoint, metadata *CheckpointMetadata) error {
	if lineageID == "" {
		return ErrLineageIDRequired
	}
	return cm.saver.Put(ctx, PutRequest{
		LineageID:  lineageID,
		Checkpoint: checkpoint,
		Metadata:   metadata,
	})
}

// DeleteLineage removes all checkpoints for a lineage. It is idempotent.
func (cm *CheckpointManager) DeleteLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return ErrLineageIDRequired
	}
	return cm.saver.DeleteLineage(ctx, lineageID)
}

// DecodeState decodes a checkpoint's state into the concrete state value
// produced by factory.
func DecodeState(checkpoint *Checkpoint, factory func() State) (State, error) {
	if factory == nil {
		return nil, ErrStateFactoryRequired
	}
	state := factory()
	if len(checkpoint.StateJSON) > 0 {
		if err := json.Unmarshal(checkpoint.StateJSON, state); err != nil {
			return nil, err
		}
	}
	return state, nil
}
