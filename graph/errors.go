//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package graph

import "errors"

// Errors.
var (
	// ErrLineageIDRequired is returned when an operation needs a lineage ID.
	ErrLineageIDRequired = errors.New("lineage_id is required")
	// ErrCheckpointNotFound is returned when a checkpoint lookup misses.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrNoPendingInterrupt is returned when resuming a lineage whose latest
	// checkpoint is not paused at an interrupt.
	ErrNoPendingInterrupt = errors.New("no pending interrupt to resume")
	// ErrStateFactoryRequired is returned when resuming without a state
	// factory to decode persisted state.
	ErrStateFactoryRequired = errors.New("state factory is required to resume from a checkpoint")
	// ErrCheckpointSaverRequired is returned when an operation needs a
	// configured checkpoint saver.
	ErrCheckpointSaverRequired = errors.New("checkpoint saver is required")
)
