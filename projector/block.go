//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

// Package projector turns the graph execution trace into an ordered,
// persistable sequence of client-visible content blocks, plus a live wire
// event per chunk. Blocks are the unit of resumable accumulation: a paused
// run persists its partial blocks and a resumed run continues streaming
// into them as if uninterrupted.
package projector

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// BlockType classifies a content block.
type BlockType string

// Block types.
const (
	BlockText           BlockType = "text"
	BlockToolCalls      BlockType = "tool_calls"
	BlockPlan           BlockType = "plan"
	BlockExplanation    BlockType = "explanation"
	BlockReasoningChain BlockType = "reasoning_chain"
	BlockExplorer       BlockType = "explorer"
	BlockVisualizations BlockType = "visualizations"
	BlockError          BlockType = "error"
)

// BlockStatus is the approval status of a block.
type BlockStatus string

// Block statuses.
const (
	BlockStatusPending  BlockStatus = "pending"
	BlockStatusApproved BlockStatus = "approved"
	BlockStatusRejected BlockStatus = "rejected"
	BlockStatusError    BlockStatus = "error"
)

// ContentBlock is one persisted, typed unit of assistant output. Blocks
// belong to exactly one assistant message and are appended in strict
// stream order; IDs are monotonically ordered within a message.
type ContentBlock struct {
	ID            string         `json:"id"`
	Type          BlockType      `json:"type"`
	NeedsApproval bool           `json:"needsApproval"`
	Status        BlockStatus    `json:"status,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Data keys used by block handlers.
const (
	dataText       = "text"
	dataContent    = "content"
	dataToolCallID = "tool_call_id"
	dataToolName   = "tool_name"
	dataArgs       = "args"
	dataResult     = "result"
	dataIsError    = "is_error"
	dataMessage    = "message"
	dataErrorType  = "error_type"
)

// blockID formats a monotonically ordered block ID. Zero padding keeps
// lexicographic and numeric order aligned for persisted blocks.
func blockID(seq int) string {
	return fmt.Sprintf("blk-%06d", seq)
}

// blockSeq parses the sequence out of a block ID, returning 0 when the ID
// has a foreign format.
func blockSeq(id string) int {
	raw, ok := strings.CutPrefix(id, "blk-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// BlockStore persists content blocks for one assistant message. Saving
// replaces the message's whole block list, so flags cleared in memory are
// cleared in storage on the next save.
type BlockStore interface {
	// SaveBlocks persists the ordered block list for a message.
	SaveBlocks(ctx context.Context, threadID, messageID string, blocks []*ContentBlock, checkpointID string, needsApproval bool) error
	// LoadBlocks returns the persisted blocks split into completed blocks,
	// blocks pending approval, and everything else, each group in saved
	// order.
	LoadBlocks(ctx context.Context, threadID, messageID string) (completed, pending, other []*ContentBlock, err error)
	// LatestMessageID returns the message most recently saved for a
	// thread, or "" when the thread has no saved blocks.
	LatestMessageID(ctx context.Context, threadID string) (string, error)
}
