//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package projector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapilot-ai/datapilot/event"
	"github.com/datapilot-ai/datapilot/graph"
	"github.com/datapilot-ai/datapilot/model"
)

type fakeStore struct {
	completed []*ContentBlock
	pending   []*ContentBlock
	other     []*ContentBlock

	savedBlocks        []*ContentBlock
	savedCheckpointID  string
	savedNeedsApproval bool
}

func (f *fakeStore) SaveBlocks(ctx context.Context, threadID, messageID string, blocks []*ContentBlock, checkpointID string, needsApproval bool) error {
	f.savedBlocks = append([]*ContentBlock(nil), blocks...)
	f.savedCheckpointID = checkpointID
	f.savedNeedsApproval = needsApproval
	return nil
}

func (f *fakeStore) LoadBlocks(ctx context.Context, threadID, messageID string) (completed, pending, other []*ContentBlock, err error) {
	return f.completed, f.pending, f.other, nil
}

func (f *fakeStore) LatestMessageID(ctx context.Context, threadID string) (string, error) {
	return "", nil
}

func textChunk(seq int64, author, content string) *event.Event {
	e := event.NewResponse("inv-1", author, &model.Response{
		Object:    model.ObjectTypeChatCompletionChunk,
		IsPartial: true,
		Choices: []model.Choice{{
			Delta: model.Message{Role: model.RoleAssistant, Content: content},
		}},
	})
	e.Sequence = seq
	return e
}

func toolCallStart(seq int64, author, id, name, args string) *event.Event {
	e := event.NewResponse("inv-1", author, &model.Response{
		Object:    model.ObjectTypeChatCompletionChunk,
		IsPartial: true,
		Choices: []model.Choice{{
			Delta: model.Message{
				Role: model.RoleAssistant,
				ToolCalls: []model.ToolCall{{
					Type: "function",
					ID:   id,
					Function: model.FunctionDefinitionParam{
						Name:      name,
						Arguments: []byte(args),
					},
				}},
			},
		}},
	})
	e.Sequence = seq
	return e
}

func toolArgsFragment(seq int64, author, fragment string) *event.Event {
	e := event.NewResponse("inv-1", author, &model.Response{
		Object:    model.ObjectTypeChatCompletionChunk,
		IsPartial: true,
		Choices: []model.Choice{{
			Delta: model.Message{
				Role: model.RoleAssistant,
				ToolCalls: []model.ToolCall{{
					Type:     "function",
					Function: model.FunctionDefinitionParam{Arguments: []byte(fragment)},
				}},
			},
		}},
	})
	e.Sequence = seq
	return e
}

func toolResult(seq int64, id, name, content string, isError bool) *event.Event {
	msg := model.NewToolMessage(id, name, content)
	msg.IsError = isError
	e := event.NewResponse("inv-1", "tool_invocation", &model.Response{
		Object:  model.ObjectTypeToolResponse,
		Done:    true,
		Choices: []model.Choice{{Message: msg}},
	})
	e.Sequence = seq
	return e
}

func interrupted(seq int64, kind string) *event.Event {
	e := event.New("inv-1", "graph-executor",
		event.WithObject(graph.ObjectTypeGraphInterrupted),
		event.WithInterrupt(&graph.InterruptState{NodeID: kind, Key: kind, Kind: kind}))
	e.Sequence = seq
	return e
}

func completed(seq int64) *event.Event {
	e := event.New("inv-1", "graph-executor", event.WithObject(graph.ObjectTypeGraphCompleted))
	e.Sequence = seq
	return e
}

func process(t *testing.T, p *Projector, events ...*event.Event) []*WireEvent {
	t.Helper()
	var out []*WireEvent
	for _, e := range events {
		out = append(out, p.Process(context.Background(), e)...)
	}
	return out
}

func actions(events []*WireEvent) []Action {
	var out []Action
	for _, e := range events {
		if payload, ok := e.Data.(ContentBlockPayload); ok {
			out = append(out, payload.Action)
		}
	}
	return out
}

func TestTextChunksAccumulatePerAuthor(t *testing.T) {
	p := New("thread-1", "msg-1", nil)
	out := process(t, p,
		textChunk(1, "finalize", "Hello"),
		textChunk(2, "finalize", " world"),
	)

	assert.Equal(t, []Action{ActionAddBlock, ActionAppendText, ActionAppendText}, actions(out))
	blocks := p.Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, "blk-000001", blocks[0].ID)
	assert.Equal(t, BlockText, blocks[0].Type)
	assert.Equal(t, "Hello world", blocks[0].Data["text"])
}

func TestAuthorChangeOpensNewBlock(t *testing.T) {
	p := New("thread-1", "msg-1", nil, WithPlanAuthors("planner"))
	process(t, p,
		textChunk(1, "planner", `{"steps": []}`),
		textChunk(2, "finalize", "All done."),
	)

	blocks := p.Blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, BlockPlan, blocks[0].Type)
	assert.Equal(t, BlockText, blocks[1].Type)
	assert.Equal(t, "blk-000001", blocks[0].ID)
	assert.Equal(t, "blk-000002", blocks[1].ID)
}

func TestToolCallPhases(t *testing.T) {
	p := New("thread-1", "msg-1", nil)
	out := process(t, p,
		toolCallStart(1, "step_executor", "call-1", "sql_query", `{"query":`),
		toolArgsFragment(2, "step_executor", `"select 1"`),
		toolArgsFragment(3, "step_executor", `}`),
		toolResult(4, "call-1", "sql_query", "rows: 42", false),
	)

	assert.Equal(t, []Action{
		ActionStartToolCall, ActionStreamArgs, ActionStreamArgs, ActionUpdateToolResult,
	}, actions(out))

	blocks := p.Blocks()
	require.Len(t, blocks, 1)
	block := blocks[0]
	assert.Equal(t, BlockToolCalls, block.Type)
	assert.Equal(t, "call-1", block.Data["tool_call_id"])
	assert.Equal(t, `{"query":"select 1"}`, block.Data["args"])
	assert.Equal(t, "rows: 42", block.Data["result"])
	assert.Equal(t, false, block.Data["is_error"])
}

func TestToolErrorResult(t *testing.T) {
	p := New("thread-1", "msg-1", nil)
	out := process(t, p,
		toolCallStart(1, "step_executor", "call-1", "sql_query", `{}`),
		toolResult(2, "call-1", "sql_query", "table users not found", true),
	)

	assert.Equal(t, []Action{ActionStartToolCall, ActionUpdateToolError}, actions(out))
	block := p.Blocks()[0]
	assert.Equal(t, BlockStatusError, block.Status)
	assert.Equal(t, true, block.Data["is_error"])
}

func TestUnknownToolResultIsDropped(t *testing.T) {
	p := New("thread-1", "msg-1", nil)
	out := process(t, p, toolResult(1, "call-unknown", "sql_query", "late result", false))
	assert.Empty(t, out)
	assert.Empty(t, p.Blocks())
}

func TestOutOfOrderEventsAreReSerialized(t *testing.T) {
	p := New("thread-1", "msg-1", nil)

	// Sequence 2 arrives first and must not surface before sequence 1.
	out := p.Process(context.Background(), textChunk(2, "finalize", " world"))
	assert.Empty(t, out)

	out = p.Process(context.Background(), textChunk(1, "finalize", "Hello"))
	assert.Equal(t, []Action{ActionAddBlock, ActionAppendText, ActionAppendText}, actions(out))
	assert.Equal(t, "Hello world", p.Blocks()[0].Data["text"])

	// A stale duplicate is ignored.
	out = p.Process(context.Background(), textChunk(1, "finalize", "Hello"))
	assert.Empty(t, out)
}

func TestInterruptMarksExactlyOneBlock(t *testing.T) {
	store := &fakeStore{}
	p := New("thread-1", "msg-1", store, WithPlanAuthors("planner"))
	process(t, p,
		textChunk(1, "planner", `{"steps": [{"goal": "count"}]}`),
		interrupted(2, KindPlanApproval),
	)

	blocks := p.Blocks()
	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].NeedsApproval)
	assert.Equal(t, BlockStatusPending, blocks[0].Status)

	require.NoError(t, p.Persist(context.Background(), "ckpt-1"))
	assert.True(t, store.savedNeedsApproval)
	assert.Equal(t, "ckpt-1", store.savedCheckpointID)

	// A later tool approval moves the flag; the plan block's flag is stale
	// and must be cleared.
	process(t, p,
		toolCallStart(3, "step_executor", "call-1", "sql_query", `{}`),
		interrupted(4, KindToolApproval),
	)
	blocks = p.Blocks()
	require.Len(t, blocks, 2)
	assert.False(t, blocks[0].NeedsApproval)
	assert.True(t, blocks[1].NeedsApproval)
	assert.Equal(t, BlockStatusPending, blocks[1].Status)
}

func TestCompletedClearsApprovalState(t *testing.T) {
	p := New("thread-1", "msg-1", nil, WithPlanAuthors("planner"))
	process(t, p,
		textChunk(1, "planner", `{"steps": []}`),
		interrupted(2, KindPlanApproval),
		completed(3),
	)

	block := p.Blocks()[0]
	assert.False(t, block.NeedsApproval)
	assert.Equal(t, BlockStatusApproved, block.Status)
	assert.False(t, p.pendingApproval)
}

func TestMalformedExplanationIsDropped(t *testing.T) {
	p := New("thread-1", "msg-1", nil, WithExplanationAuthors("explainer"))
	process(t, p,
		textChunk(1, "explainer", "this is not json"),
		completed(2),
	)
	assert.Empty(t, p.Blocks())
}

func TestWellFormedExplanationIsKept(t *testing.T) {
	p := New("thread-1", "msg-1", nil, WithExplanationAuthors("explainer"))
	process(t, p,
		textChunk(1, "explainer", `{"justification": "counted with SQL"}`),
		completed(2),
	)
	blocks := p.Blocks()
	require.Len(t, blocks, 1)
	content, ok := blocks[0].Data["content"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "counted with SQL", content["justification"])
}

func TestResumeReseedsPendingToolBlocks(t *testing.T) {
	store := &fakeStore{
		completed: []*ContentBlock{{
			ID:   "blk-000001",
			Type: BlockPlan,
			Data: map[string]any{"text": `{"steps": []}`},
		}},
		pending: []*ContentBlock{{
			ID:            "blk-000002",
			Type:          BlockToolCalls,
			NeedsApproval: true,
			Status:        BlockStatusPending,
			Data: map[string]any{
				"tool_call_id": "call-1",
				"tool_name":    "sql_query",
				"args":         `{"query":"select 1"}`,
			},
		}},
	}
	p, err := Resume(context.Background(), "thread-1", "msg-1", store)
	require.NoError(t, err)

	blocks := p.Blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, "blk-000001", blocks[0].ID)
	assert.Equal(t, "blk-000002", blocks[1].ID)
	assert.True(t, p.pendingApproval)

	// The approved call's result streams into the restored block.
	out := process(t, p, toolResult(1, "call-1", "sql_query", "rows: 42", false))
	assert.Equal(t, []Action{ActionUpdateToolResult}, actions(out))
	assert.Equal(t, "rows: 42", blocks[1].Data["result"])
	assert.False(t, blocks[1].NeedsApproval)
	assert.Equal(t, BlockStatusApproved, blocks[1].Status)

	// New blocks continue the ID sequence.
	process(t, p, textChunk(2, "finalize", "done"))
	assert.Equal(t, "blk-000003", p.Blocks()[2].ID)
}
