//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package blockstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapilot-ai/datapilot/projector"
)

func sampleBlocks() []*projector.ContentBlock {
	return []*projector.ContentBlock{
		{
			ID:   "blk-000001",
			Type: projector.BlockPlan,
			Data: map[string]any{"text": `{"steps": []}`},
		},
		{
			ID:   "blk-000002",
			Type: projector.BlockToolCalls,
			Data: map[string]any{
				"tool_call_id": "call-1",
				"tool_name":    "sql_query",
				"result":       "rows: 42",
			},
		},
		{
			ID:            "blk-000003",
			Type:          projector.BlockToolCalls,
			NeedsApproval: true,
			Status:        projector.BlockStatusPending,
			Data: map[string]any{
				"tool_call_id": "call-2",
				"tool_name":    "sql_query",
				"args":         `{"query":"drop table"}`,
			},
		},
	}
}

// stores under test share one behavior suite.
func runStoreSuite(t *testing.T, store projector.BlockStore, deleteThread func(context.Context, string) error) {
	ctx := context.Background()

	t.Run("load split", func(t *testing.T) {
		require.NoError(t, store.SaveBlocks(ctx, "thread-1", "msg-1", sampleBlocks(), "ckpt-1", true))

		completed, pending, other, err := store.LoadBlocks(ctx, "thread-1", "msg-1")
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, "blk-000002", completed[0].ID)
		require.Len(t, pending, 1)
		assert.Equal(t, "blk-000003", pending[0].ID)
		assert.True(t, pending[0].NeedsApproval)
		require.Len(t, other, 1)
		assert.Equal(t, "blk-000001", other[0].ID)
	})

	t.Run("latest message tracks saves", func(t *testing.T) {
		latest, err := store.LatestMessageID(ctx, "thread-1")
		require.NoError(t, err)
		assert.Equal(t, "msg-1", latest)

		require.NoError(t, store.SaveBlocks(ctx, "thread-1", "msg-2", nil, "ckpt-2", false))
		latest, err = store.LatestMessageID(ctx, "thread-1")
		require.NoError(t, err)
		assert.Equal(t, "msg-2", latest)
	})

	t.Run("save replaces the whole list", func(t *testing.T) {
		cleared := sampleBlocks()
		cleared[2].NeedsApproval = false
		cleared[2].Status = projector.BlockStatusApproved
		cleared[2].Data["result"] = "dropped"
		require.NoError(t, store.SaveBlocks(ctx, "thread-1", "msg-1", cleared, "ckpt-3", false))

		completed, pending, _, err := store.LoadBlocks(ctx, "thread-1", "msg-1")
		require.NoError(t, err)
		assert.Len(t, completed, 2)
		assert.Empty(t, pending)
	})

	t.Run("unknown message is empty", func(t *testing.T) {
		completed, pending, other, err := store.LoadBlocks(ctx, "thread-1", "msg-missing")
		require.NoError(t, err)
		assert.Empty(t, completed)
		assert.Empty(t, pending)
		assert.Empty(t, other)
	})

	t.Run("delete thread", func(t *testing.T) {
		require.NoError(t, deleteThread(ctx, "thread-1"))

		completed, pending, other, err := store.LoadBlocks(ctx, "thread-1", "msg-1")
		require.NoError(t, err)
		assert.Empty(t, completed)
		assert.Empty(t, pending)
		assert.Empty(t, other)

		latest, err := store.LatestMessageID(ctx, "thread-1")
		require.NoError(t, err)
		assert.Empty(t, latest)

		require.NoError(t, deleteThread(ctx, "thread-1"))
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemory()
	runStoreSuite(t, store, store.DeleteThread)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedis(client)
	runStoreSuite(t, store, store.DeleteThread)
}
