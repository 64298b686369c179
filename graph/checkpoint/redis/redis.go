//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

// Package redis provides Redis-backed checkpoint storage for graph
// execution state persistence and recovery. Checkpoints for a lineage are
// kept in an append-only list, which preserves strict per-lineage write
// order.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/datapilot-ai/datapilot/graph"
)

const keyPrefix = "datapilot:checkpoints:"

// Saver provides a Redis implementation of graph.CheckpointSaver.
type Saver struct {
	client                   redis.UniversalClient
	maxCheckpointsPerLineage int
}

// Option configures the Saver.
type Option func(*Saver)

// WithMaxCheckpointsPerLineage sets the maximum number of checkpoints
// retained per lineage.
func WithMaxCheckpointsPerLineage(max int) Option {
	return func(s *Saver) { s.maxCheckpointsPerLineage = max }
}

// NewSaver creates a Redis-backed checkpoint saver on an existing client.
func NewSaver(client redis.UniversalClient, opts ...Option) *Saver {
	s := &Saver{
		client:                   client,
		maxCheckpointsPerLineage: graph.DefaultMaxCheckpointsPerLineage,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func lineageKey(lineageID string) string {
	return keyPrefix + lineageID
}

// Latest retrieves the most recent checkpoint for a lineage.
func (s *Saver) Latest(ctx context.Context, lineageID string) (*graph.CheckpointTuple, error) {
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	raw, err := s.client.LIndex(ctx, lineageKey(lineageID), -1).Result()
	if err == redis.Nil {
		return nil, graph.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis lindex: %w", err)
	}
	return decodeTuple([]byte(raw))
}

// Get retrieves a checkpoint by ID.
func (s *Saver) Get(ctx context.Context, lineageID, checkpointID string) (*graph.CheckpointTuple, error) {
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	raws, err := s.client.LRange(ctx, lineageKey(lineageID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	for _, raw := range raws {
		tuple, err := decodeTuple([]byte(raw))
		if err != nil {
			return nil, err
		}
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
	raws, err := s.client.LRange(ctx, lineageKey(lineageID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	result := make([]*graph.CheckpointTuple, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		tuple, err := decodeTuple([]byte(raws[i]))
		if err != nil {
			return nil, err
		}
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

// Put stores a checkpoint at the tail of the lineage list.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) error {
	if req.LineageID == "" {
		return graph.ErrLineageIDRequired
	}
	raw, err := json.Marshal(&graph.CheckpointTuple{
		LineageID:  req.LineageID,
		Checkpoint: req.Checkpoint,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	key := lineageKey(req.LineageID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, raw)
	if s.maxCheckpointsPerLineage > 0 {
		pipe.LTrim(ctx, key, int64(-s.maxCheckpointsPerLineage), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

// DeleteLineage removes all checkpoints for a lineage. It is idempotent.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return graph.ErrLineageIDRequired
	}
	if err := s.client.Del(ctx, lineageKey(lineageID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Saver) Close() error {
	return s.client.Close()
}

func decodeTuple(raw []byte) (*graph.CheckpointTuple, error) {
	var tuple graph.CheckpointTuple
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &tuple, nil
}
