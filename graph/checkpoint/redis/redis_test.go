//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapilot-ai/datapilot/graph"
)

func newTestSaver(t *testing.T, opts ...Option) *Saver {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSaver(client, opts...)
}

func putCheckpoint(t *testing.T, s *Saver, lineageID, id string, step int, at time.Time) {
	t.Helper()
	err := s.Put(context.Background(), graph.PutRequest{
		LineageID: lineageID,
		Checkpoint: &graph.Checkpoint{
			Version:   graph.CheckpointVersion,
			ID:        id,
			Timestamp: at,
			StateJSON: []byte(`{"query":"q"}`),
		},
		Metadata: &graph.CheckpointMetadata{Source: graph.CheckpointSourceLoop, Step: step},
	})
	require.NoError(t, err)
}

func TestSaverRoundTrip(t *testing.T) {
	s := newTestSaver(t)
	base := time.Now().UTC().Truncate(time.Millisecond)

	_, err := s.Latest(context.Background(), "lineage-1")
	assert.ErrorIs(t, err, graph.ErrCheckpointNotFound)

	putCheckpoint(t, s, "lineage-1", "ckpt-1", 0, base)
	putCheckpoint(t, s, "lineage-1", "ckpt-2", 1, base.Add(time.Second))

	latest, err := s.Latest(context.Background(), "lineage-1")
	require.NoError(t, err)
	assert.Equal(t, "ckpt-2", latest.Checkpoint.ID)
	assert.Equal(t, "lineage-1", latest.LineageID)
	assert.Equal(t, 1, latest.Metadata.Step)

	got, err := s.Get(context.Background(), "lineage-1", "ckpt-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"query":"q"}`), []byte(got.Checkpoint.StateJSON))

	_, err = s.Get(context.Background(), "lineage-1", "missing")
	assert.ErrorIs(t, err, graph.ErrCheckpointNotFound)
}

func TestSaverListNewestFirst(t *testing.T) {
	s := newTestSaver(t)
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 4; i++ {
		putCheckpoint(t, s, "lineage-1", fmt.Sprintf("ckpt-%d", i), i, base.Add(time.Duration(i)*time.Second))
	}

	tuples, err := s.List(context.Background(), "lineage-1", nil)
	require.NoError(t, err)
	require.Len(t, tuples, 4)
	assert.Equal(t, "ckpt-3", tuples[0].Checkpoint.ID)
	assert.Equal(t, "ckpt-0", tuples[3].Checkpoint.ID)

	limited, err := s.List(context.Background(), "lineage-1", &graph.CheckpointFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "ckpt-3", limited[0].Checkpoint.ID)
}

func TestSaverTrimsHistory(t *testing.T) {
	s := newTestSaver(t, WithMaxCheckpointsPerLineage(2))
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		putCheckpoint(t, s, "lineage-1", fmt.Sprintf("ckpt-%d", i), i, base.Add(time.Duration(i)*time.Second))
	}

	tuples, err := s.List(context.Background(), "lineage-1", nil)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, "ckpt-4", tuples[0].Checkpoint.ID)
	assert.Equal(t, "ckpt-3", tuples[1].Checkpoint.ID)
}

func TestSaverDeleteLineage(t *testing.T) {
	s := newTestSaver(t)
	putCheckpoint(t, s, "lineage-1", "ckpt-1", 0, time.Now().UTC())

	require.NoError(t, s.DeleteLineage(context.Background(), "lineage-1"))
	_, err := s.Latest(context.Background(), "lineage-1")
	assert.ErrorIs(t, err, graph.ErrCheckpointNotFound)

	require.NoError(t, s.DeleteLineage(context.Background(), "lineage-1"))
}

func TestSaverPreservesInterruptState(t *testing.T) {
	s := newTestSaver(t)
	err := s.Put(context.Background(), graph.PutRequest{
		LineageID: "lineage-1",
		Checkpoint: &graph.Checkpoint{
			Version:   graph.CheckpointVersion,
			ID:        "ckpt-1",
			Timestamp: time.Now().UTC(),
			StateJSON: []byte(`{}`),
			NextNodes: []string{"tool_approval"},
			InterruptState: &graph.InterruptState{
				NodeID: "tool_approval",
				Key:    "tool_approval",
				Kind:   "tool_approval",
				Step:   3,
			},
		},
		Metadata: &graph.CheckpointMetadata{Source: graph.CheckpointSourceInterrupt, Step: 4},
	})
	require.NoError(t, err)

	latest, err := s.Latest(context.Background(), "lineage-1")
	require.NoError(t, err)
	require.True(t, latest.Checkpoint.IsInterrupted())
	assert.Equal(t, "tool_approval", latest.Checkpoint.InterruptState.Kind)
	assert.Equal(t, 3, latest.Checkpoint.InterruptState.Step)
}
