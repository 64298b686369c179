//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package blockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/datapilot-ai/datapilot/projector"
)

const (
	blockKeyPrefix   = "datapilot:blocks:"
	threadKeyPrefix  = "datapilot:block-threads:"
	currentKeyPrefix = "datapilot:block-current:"
)

// Redis is a Redis-backed block store. Each message's block list is one
// JSON value; a per-thread set tracks message keys so thread deletion can
// remove them all.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis creates a Redis-backed block store on an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func messageKey(threadID, messageID string) string {
	return blockKeyPrefix + threadID + ":" + messageID
}

func threadKey(threadID string) string {
	return threadKeyPrefix + threadID
}

// SaveBlocks replaces the block list stored for a message.
func (r *Redis) SaveBlocks(ctx context.Context, threadID, messageID string, blocks []*projector.ContentBlock, checkpointID string, needsApproval bool) error {
	raw, err := json.Marshal(&record{
		Blocks:        blocks,
		CheckpointID:  checkpointID,
		NeedsApproval: needsApproval,
		SavedAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal blocks: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, messageKey(threadID, messageID), raw, 0)
	pipe.SAdd(ctx, threadKey(threadID), messageID)
	pipe.Set(ctx, currentKeyPrefix+threadID, messageID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save blocks: %w", err)
	}
	return nil
}

// LatestMessageID returns the message most recently saved for a thread.
func (r *Redis) LatestMessageID(ctx context.Context, threadID string) (string, error) {
	messageID, err := r.client.Get(ctx, currentKeyPrefix+threadID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis latest message: %w", err)
	}
	return messageID, nil
}

// LoadBlocks returns the persisted blocks for a message split into
// completed, pending-approval, and other groups.
func (r *Redis) LoadBlocks(ctx context.Context, threadID, messageID string) (completed, pending, other []*projector.ContentBlock, err error) {
	raw, err := r.client.Get(ctx, messageKey(threadID, messageID)).Result()
	if err == redis.Nil {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("redis load blocks: %w", err)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, nil, nil, fmt.Errorf("decode blocks: %w", err)
	}
	completed, pending, other = split(rec.Blocks)
	return completed, pending, other, nil
}

// DeleteThread removes all saved blocks for a thread. It is idempotent.
func (r *Redis) DeleteThread(ctx context.Context, threadID string) error {
	messageIDs, err := r.client.SMembers(ctx, threadKey(threadID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis list thread blocks: %w", err)
	}
	keys := make([]string, 0, len(messageIDs)+1)
	for _, messageID := range messageIDs {
		keys = append(keys, messageKey(threadID, messageID))
	}
	keys = append(keys, threadKey(threadID), currentKeyPrefix+threadID)
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete thread blocks: %w", err)
	}
	return nil
}
