//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapilot-ai/datapilot/dataagent"
	"github.com/datapilot-ai/datapilot/graph"
	"github.com/datapilot-ai/datapilot/model"
	"github.com/datapilot-ai/datapilot/projector"
	"github.com/datapilot-ai/datapilot/tool"
	"github.com/datapilot-ai/datapilot/tool/function"
)

type modelTurn struct {
	text  string
	calls []model.ToolCall
}

type scriptedModel struct {
	mu    sync.Mutex
	turns []modelTurn
}

func (m *scriptedModel) Info() model.Info { return model.Info{Name: "scripted"} }

func (m *scriptedModel) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	m.mu.Lock()
	if len(m.turns) == 0 {
		m.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	turn := m.turns[0]
	m.turns = m.turns[1:]
	m.mu.Unlock()

	ch := make(chan *model.Response, 4)
	go func() {
		defer close(ch)
		if turn.text != "" {
			ch <- &model.Response{
				Object:    model.ObjectTypeChatCompletionChunk,
				IsPartial: true,
				Choices: []model.Choice{{
					Delta: model.Message{Role: model.RoleAssistant, Content: turn.text},
				}},
			}
		}
		ch <- &model.Response{
			Object: model.ObjectTypeChatCompletion,
			Done:   true,
			Choices: []model.Choice{{
				Message: model.Message{
					Role:      model.RoleAssistant,
					Content:   turn.text,
					ToolCalls: turn.calls,
				},
			}},
		}
	}()
	return ch, nil
}

// gatedModel blocks every call until the gate closes, then delegates.
type gatedModel struct {
	gate  chan struct{}
	inner *scriptedModel
}

func (m *gatedModel) Info() model.Info { return m.inner.Info() }

func (m *gatedModel) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	select {
	case <-m.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.inner.GenerateContent(ctx, req)
}

type queryArgs struct {
	Query string `json:"query,omitempty"`
}

func sqlTool() tool.CallableTool {
	return function.New(func(ctx context.Context, in queryArgs) (string, error) {
		return "rows: 42", nil
	}, function.WithName("sql_query"), function.WithDescription("Runs a SQL query."))
}

func newRunner(t *testing.T, m model.Model) *Runner {
	t.Helper()
	r, err := New(&dataagent.Config{
		Model: m,
		Tools: map[string]tool.CallableTool{"sql_query": sqlTool()},
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func collectWire(t *testing.T, ch <-chan *projector.WireEvent) []*projector.WireEvent {
	t.Helper()
	var out []*projector.WireEvent
	for e := range ch {
		out = append(out, e)
	}
	require.NotEmpty(t, out)
	return out
}

const oneStepPlan = `{"steps": [` +
	`{"goal": "count the rows", "tool_options": [{"name": "sql_query", "priority": 1}]}]}`

func toolCallTurn(id, args string) modelTurn {
	return modelTurn{calls: []model.ToolCall{{
		Type: "function",
		ID:   id,
		Function: model.FunctionDefinitionParam{
			Name:      "sql_query",
			Arguments: []byte(args),
		},
	}}}
}

func TestRunPausesAndResumesThroughApproval(t *testing.T) {
	m := &scriptedModel{turns: []modelTurn{
		{text: oneStepPlan},
		toolCallTurn("call-1", `{"query":"select count(*)"}`),
		{text: `{"decision": "finish", "final_answer": "There are 42 rows."}`},
	}}
	r := newRunner(t, m)
	ctx := context.Background()

	events, err := r.Run(ctx, "thread-1", "how many rows?", dataagent.WithPlanning(true))
	require.NoError(t, err)
	got := collectWire(t, events)

	last := got[len(got)-1]
	require.Equal(t, projector.WireStatus, last.Name)
	status := last.Data.(projector.StatusPayload)
	assert.Equal(t, projector.StatusUserFeedback, status.Status)
	require.NotNil(t, status.Interrupt)
	interrupt := status.Interrupt.(*graph.InterruptState)
	assert.Equal(t, dataagent.InterruptKindPlanApproval, interrupt.Kind)

	// The plan block is persisted pending approval.
	messageID, err := r.store.LatestMessageID(ctx, "thread-1")
	require.NoError(t, err)
	require.NotEmpty(t, messageID)
	_, pending, _, err := r.store.LoadBlocks(ctx, "thread-1", messageID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, projector.BlockPlan, pending[0].Type)
	assert.True(t, pending[0].NeedsApproval)

	resumed, err := r.Resume(ctx, "thread-1", []byte(`{"review_action": "accept"}`))
	require.NoError(t, err)
	got = collectWire(t, resumed)

	final := got[len(got)-1]
	require.Equal(t, projector.WireCompleted, final.Name)
	payload := final.Data.(projector.CompletedPayload)
	assert.True(t, payload.Success)
	assert.Equal(t, projector.StatusFinished, payload.Data.RunStatus)
	assert.Equal(t, "thread-1", payload.Data.ThreadID)
	assert.NotEmpty(t, payload.Data.CheckpointID)

	// The same message's blocks now hold the finished turn.
	finalMessageID, err := r.store.LatestMessageID(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, messageID, finalMessageID)
	completed, pending, other, err := r.store.LoadBlocks(ctx, "thread-1", messageID)
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.Len(t, completed, 1)
	assert.Equal(t, "rows: 42", completed[0].Data["result"])
	require.NotEmpty(t, other)
	assert.False(t, other[0].NeedsApproval)

	state, _, err := r.GetState(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "There are 42 rows.", state.FinalAnswer)
}

func TestRunRejectsConcurrentRunsPerThread(t *testing.T) {
	gate := make(chan struct{})
	m := &gatedModel{gate: gate, inner: &scriptedModel{turns: []modelTurn{{text: oneStepPlan}}}}
	r := newRunner(t, m)
	ctx := context.Background()

	events, err := r.Run(ctx, "thread-1", "first", dataagent.WithPlanning(true))
	require.NoError(t, err)

	_, err = r.Run(ctx, "thread-1", "second", dataagent.WithPlanning(true))
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(gate)
	collectWire(t, events)

	// The thread is free again once the run pauses.
	_, err = r.Resume(ctx, "thread-1", []byte(`{"review_action": "cancel"}`))
	require.NoError(t, err)
}

func TestResumeValidatesPayloadAgainstPendingInterrupt(t *testing.T) {
	m := &scriptedModel{turns: []modelTurn{{text: oneStepPlan}}}
	r := newRunner(t, m)
	ctx := context.Background()

	events, err := r.Run(ctx, "thread-1", "count rows", dataagent.WithPlanning(true))
	require.NoError(t, err)
	collectWire(t, events)

	before, beforeID, err := r.GetState(ctx, "thread-1")
	require.NoError(t, err)

	// A tool review against a pending plan approval is rejected.
	_, err = r.Resume(ctx, "thread-1", []byte(`{"type": "accept"}`))
	assert.ErrorIs(t, err, ErrInterruptMismatch)

	// So is a plan review with an unknown action.
	_, err = r.Resume(ctx, "thread-1", []byte(`{"review_action": "maybe"}`))
	assert.ErrorIs(t, err, ErrInterruptMismatch)

	// Nothing was mutated by the rejected attempts.
	after, afterID, err := r.GetState(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, beforeID, afterID)
	beforeJSON, err := json.Marshal(before)
	require.NoError(t, err)
	afterJSON, err := json.Marshal(after)
	require.NoError(t, err)
	assert.JSONEq(t, string(beforeJSON), string(afterJSON))
}

func TestResumeWithoutPendingInterrupt(t *testing.T) {
	m := &scriptedModel{turns: []modelTurn{{text: "Direct answer."}}}
	r := newRunner(t, m)
	ctx := context.Background()

	events, err := r.Run(ctx, "thread-1", "hello")
	require.NoError(t, err)
	collectWire(t, events)

	_, err = r.Resume(ctx, "thread-1", []byte(`{"review_action": "accept"}`))
	assert.ErrorIs(t, err, graph.ErrNoPendingInterrupt)
}

func TestSecondTurnCarriesConversationHistory(t *testing.T) {
	m := &scriptedModel{turns: []modelTurn{
		{text: "First answer."},
		{text: "Second answer."},
	}}
	r := newRunner(t, m)
	ctx := context.Background()

	events, err := r.Run(ctx, "thread-1", "first question")
	require.NoError(t, err)
	collectWire(t, events)

	events, err = r.Run(ctx, "thread-1", "second question")
	require.NoError(t, err)
	collectWire(t, events)

	state, _, err := r.GetState(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 4)
	assert.Equal(t, "first question", state.Messages[0].Content)
	assert.Equal(t, "First answer.", state.Messages[1].Content)
	assert.Equal(t, "second question", state.Messages[2].Content)
	assert.Equal(t, "Second answer.", state.Messages[3].Content)
}

func TestCancelMarksThreadCancelled(t *testing.T) {
	m := &scriptedModel{turns: []modelTurn{{text: oneStepPlan}}}
	r := newRunner(t, m)
	ctx := context.Background()

	events, err := r.Run(ctx, "thread-1", "count rows", dataagent.WithPlanning(true))
	require.NoError(t, err)
	collectWire(t, events)

	require.NoError(t, r.Cancel(ctx, "thread-1"))

	state, _, err := r.GetState(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, dataagent.StatusCancelled, state.Status)

	// The cancellation checkpoint supersedes the interrupt.
	_, err = r.Resume(ctx, "thread-1", []byte(`{"review_action": "accept"}`))
	assert.ErrorIs(t, err, graph.ErrNoPendingInterrupt)
}

func TestDeleteThreadRemovesCheckpointsAndBlocks(t *testing.T) {
	m := &scriptedModel{turns: []modelTurn{{text: "Answer."}}}
	r := newRunner(t, m)
	ctx := context.Background()

	events, err := r.Run(ctx, "thread-1", "question")
	require.NoError(t, err)
	collectWire(t, events)

	require.NoError(t, r.DeleteThread(ctx, "thread-1"))

	_, _, err = r.GetState(ctx, "thread-1")
	assert.ErrorIs(t, err, graph.ErrCheckpointNotFound)

	messageID, err := r.store.LatestMessageID(ctx, "thread-1")
	require.NoError(t, err)
	assert.Empty(t, messageID)

	// Deleting again is not an error.
	require.NoError(t, r.DeleteThread(ctx, "thread-1"))
}
