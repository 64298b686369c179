//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

// Package blockstore persists content blocks per assistant message,
// enabling the projector to resume a paused turn. It ships an in-memory
// store for tests and single-process deployments and a Redis store for
// shared deployments.
package blockstore

import (
	"context"
	"sync"
	"time"

	"github.com/datapilot-ai/datapilot/projector"
)

// record is one saved block list with its save-point metadata.
type record struct {
	Blocks        []*projector.ContentBlock `json:"blocks"`
	CheckpointID  string                    `json:"checkpoint_id"`
	NeedsApproval bool                      `json:"needs_approval"`
	SavedAt       time.Time                 `json:"saved_at"`
}

// split partitions saved blocks into completed tool calls, blocks awaiting
// an approval decision, and everything else, preserving saved order.
func split(blocks []*projector.ContentBlock) (completed, pending, other []*projector.ContentBlock) {
	for _, block := range blocks {
		switch {
		case block.Type == projector.BlockToolCalls && hasResult(block):
			completed = append(completed, block)
		case block.Type == projector.BlockToolCalls:
			pending = append(pending, block)
		case block.NeedsApproval:
			pending = append(pending, block)
		default:
			other = append(other, block)
		}
	}
	return completed, pending, other
}

func hasResult(block *projector.ContentBlock) bool {
	_, ok := block.Data["result"]
	return ok
}

// Memory is an in-memory block store.
type Memory struct {
	mu      sync.RWMutex
	threads map[string]map[string]*record
	latest  map[string]string
}

// NewMemory creates an in-memory block store.
func NewMemory() *Memory {
	return &Memory{
		threads: make(map[string]map[string]*record),
		latest:  make(map[string]string),
	}
}

// SaveBlocks replaces the block list stored for a message.
func (m *Memory) SaveBlocks(ctx context.Context, threadID, messageID string, blocks []*projector.ContentBlock, checkpointID string, needsApproval bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	messages, ok := m.threads[threadID]
	if !ok {
		messages = make(map[string]*record)
		m.threads[threadID] = messages
	}
	messages[messageID] = &record{
		Blocks:        append([]*projector.ContentBlock(nil), blocks...),
		CheckpointID:  checkpointID,
		NeedsApproval: needsApproval,
		SavedAt:       time.Now().UTC(),
	}
	m.latest[threadID] = messageID
	return nil
}

// LatestMessageID returns the message most recently saved for a thread.
func (m *Memory) LatestMessageID(ctx context.Context, threadID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest[threadID], nil
}

// LoadBlocks returns the persisted blocks for a message split into
// completed, pending-approval, and other groups.
func (m *Memory) LoadBlocks(ctx context.Context, threadID, messageID string) (completed, pending, other []*projector.ContentBlock, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.threads[threadID][messageID]
	if !ok {
		return nil, nil, nil, nil
	}
	completed, pending, other = split(rec.Blocks)
	return completed, pending, other, nil
}

// DeleteThread removes all saved blocks for a thread. It is idempotent.
func (m *Memory) DeleteThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	delete(m.latest, threadID)
	return nil
}
