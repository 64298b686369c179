//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

// Package inmemory provides in-memory checkpoint storage for graph
// execution state persistence and recovery. It is suitable for tests and
// single-process deployments.
package inmemory

import (
	"context"
	"sync"

	"github.com/datapilot-ai/datapilot/graph"
)

// Saver provides an in-memory implementation of graph.CheckpointSaver.
// Checkpoints per lineage are held in an append-only slice under a lock,
// which makes writes strictly ordered per lineage.
type Saver struct {
	mu       sync.RWMutex
	lineages map[string][]*graph.CheckpointTuple

	// maxCheckpointsPerLineage limits retained history per lineage.
	maxCheckpointsPerLineage int
}

// NewSaver creates a new in-memory checkpoint saver.
func NewSaver() *Saver {
	return &Saver{
		lineages:                 make(map[string][]*graph.CheckpointTuple),
		maxCheckpointsPerLineage: graph.DefaultMaxCheckpointsPerLineage,
	}
}

// WithMaxCheckpointsPerLineage sets the maximum number of checkpoints
// retained per lineage.
func (s *Saver) WithMaxCheckpointsPerLineage(max int) *Saver {
	s.maxCheckpointsPerLineage = max
	return s
}

// Latest retrieves the most recent checkpoint for a lineage.
func (s *Saver) Latest(ctx context.Context, lineageID string) (*graph.CheckpointTuple, error) {
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tuples := s.lineages[lineageID]
	if len(tuples) == 0 {
		return nil, graph.ErrCheckpointNotFound
	}
	return tuples[len(tuples)-1], nil
}

// Get retrieves a checkpoint by ID.
func (s *Saver) Get(ctx context.Context, lineageID, checkpointID string) (*graph.CheckpointTuple, error) {
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tuple := range s.lineages[lineageID] {
		if tuple.Checkpoint.ID == checkpointID {
			return tuple, nil
		}
	}
	return nil, graph.ErrCheckpointNotFound
}

// List retrieves checkpoints for a lineage, newest first.
func (s *Saver) List(ctx context.Context, lineageID string, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tuples := s.lineages[lineageID]
	result := make([]*graph.CheckpointTuple, 0, len(tuples))
	for i := len(tuples) - 1; i >= 0; i-- {
		tuple := tuples[i]
		if filter != nil && !filter.Before.IsZero() &&
			!tuple.Checkpoint.Timestamp.Before(filter.Before) {
			continue
		}
		result = append(result, tuple)
		if filter != nil && filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// Put stores a checkpoint.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) error {
	if req.LineageID == "" {
		return graph.ErrLineageIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tuples := append(s.lineages[req.LineageID], &graph.CheckpointTuple{
		LineageID:  req.LineageID,
		Checkpoint: req.Checkpoint,
		Metadata:   req.Metadata,
	})
	if s.maxCheckpointsPerLineage > 0 && len(tuples) > s.maxCheckpointsPerLineage {
		tuples = tuples[len(tuples)-s.maxCheckpointsPerLineage:]
	}
	s.lineages[req.LineageID] = tuples
	return nil
}

// DeleteLineage removes all checkpoints for a lineage. It is idempotent.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return graph.ErrLineageIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lineages, lineageID)
	return nil
}

// Close releases resources held by the saver.
func (s *Saver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lineages = make(map[string][]*graph.CheckpointTuple)
	return nil
}
