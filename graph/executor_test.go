//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package graph_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapilot-ai/datapilot/event"
	"github.com/datapilot-ai/datapilot/graph"
	"github.com/datapilot-ai/datapilot/graph/checkpoint/inmemory"
)

type testState struct {
	Values []string `json:"values"`
	Note   string   `json:"note"`
}

func (s *testState) Clone() graph.State {
	clone := *s
	clone.Values = append([]string(nil), s.Values...)
	return &clone
}

func (s *testState) Apply(delta graph.Delta) graph.State {
	next := s.Clone().(*testState)
	d, ok := delta.(*testDelta)
	if !ok || d == nil {
		return next
	}
	next.Values = append(next.Values, d.Add...)
	if d.Note != nil {
		next.Note = *d.Note
	}
	return next
}

type testDelta struct {
	Add  []string `json:"add,omitempty"`
	Note *string  `json:"note,omitempty"`
}

func addNode(name string) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (any, error) {
		return &testDelta{Add: []string{name}}, nil
	}
}

func testStateFactory() graph.State { return &testState{} }

func collect(t *testing.T, events <-chan *event.Event) []*event.Event {
	t.Helper()
	var out []*event.Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func latestState(t *testing.T, saver graph.CheckpointSaver, lineageID string) *testState {
	t.Helper()
	tuple, err := saver.Latest(context.Background(), lineageID)
	require.NoError(t, err)
	state, err := graph.DecodeState(tuple.Checkpoint, testStateFactory)
	require.NoError(t, err)
	return state.(*testState)
}

func TestExecutorRunsToCompletion(t *testing.T) {
	g := graph.NewStateGraph().
		AddNode("a", addNode("a")).
		AddNode("b", addNode("b")).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		MustCompile()
	saver := inmemory.NewSaver()
	executor, err := graph.NewExecutor(g,
		graph.WithCheckpointSaver(saver),
		graph.WithStateFactory(testStateFactory))
	require.NoError(t, err)

	events, err := executor.Execute(context.Background(), &testState{},
		&graph.Invocation{InvocationID: "inv-1", LineageID: "thread-1"})
	require.NoError(t, err)
	got := collect(t, events)
	require.NotEmpty(t, got)

	final := got[len(got)-1]
	assert.Equal(t, graph.ObjectTypeGraphCompleted, final.Object)
	assert.True(t, final.Done)

	var last int64
	for _, e := range got {
		assert.Greater(t, e.Sequence, last, "sequence must be monotonic")
		last = e.Sequence
	}

	assert.Equal(t, []string{"a", "b"}, latestState(t, saver, "thread-1").Values)

	tuples, err := saver.List(context.Background(), "thread-1", nil)
	require.NoError(t, err)
	// One input checkpoint, one per node boundary, one terminal.
	require.Len(t, tuples, 4)
	assert.Equal(t, graph.CheckpointSourceInput, tuples[len(tuples)-1].Metadata.Source)
	assert.Empty(t, tuples[0].Checkpoint.NextNodes)
}

func TestExecutorWritesCheckpointBeforeNextNode(t *testing.T) {
	saver := inmemory.NewSaver()
	var seenBeforeB []string
	g := graph.NewStateGraph().
		AddNode("a", addNode("a")).
		AddNode("b", func(ctx context.Context, state graph.State) (any, error) {
			tuple, err := saver.Latest(ctx, "thread-wa")
			if err != nil {
				return nil, err
			}
			seenBeforeB = tuple.Checkpoint.NextNodes
			return &testDelta{Add: []string{"b"}}, nil
		}).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		MustCompile()
	executor, err := graph.NewExecutor(g,
		graph.WithCheckpointSaver(saver),
		graph.WithStateFactory(testStateFactory))
	require.NoError(t, err)

	events, err := executor.Execute(context.Background(), &testState{},
		&graph.Invocation{InvocationID: "inv-1", LineageID: "thread-wa"})
	require.NoError(t, err)
	collect(t, events)

	// The checkpoint naming b must exist before b runs.
	assert.Equal(t, []string{"b"}, seenBeforeB)
}

func TestExecutorInterruptAndResume(t *testing.T) {
	gate := func(ctx context.Context, state graph.State) (any, error) {
		value, err := graph.Interrupt(ctx, "gate", "approval", "proceed?")
		if err != nil {
			return nil, err
		}
		note := value.(string)
		return &testDelta{Add: []string{"gate"}, Note: &note}, nil
	}
	g := graph.NewStateGraph().
		AddNode("a", addNode("a")).
		AddNode("gate", gate).
		AddNode("b", addNode("b")).
		AddEdge("a", "gate").
		AddEdge("gate", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		MustCompile()
	saver := inmemory.NewSaver()
	executor, err := graph.NewExecutor(g,
		graph.WithCheckpointSaver(saver),
		graph.WithStateFactory(testStateFactory))
	require.NoError(t, err)

	events, err := executor.Execute(context.Background(), &testState{},
		&graph.Invocation{InvocationID: "inv-1", LineageID: "thread-2"})
	require.NoError(t, err)
	got := collect(t, events)
	final := got[len(got)-1]
	assert.Equal(t, graph.ObjectTypeGraphInterrupted, final.Object)

	tuple, err := saver.Latest(context.Background(), "thread-2")
	require.NoError(t, err)
	require.True(t, tuple.Checkpoint.IsInterrupted())
	assert.Equal(t, "gate", tuple.Checkpoint.InterruptState.NodeID)
	assert.Equal(t, "approval", tuple.Checkpoint.InterruptState.Kind)
	assert.Equal(t, []string{"gate"}, tuple.Checkpoint.NextNodes)

	// State persisted at the interrupt excludes the interrupted node.
	assert.Equal(t, []string{"a"}, latestState(t, saver, "thread-2").Values)

	resumed, err := executor.Resume(context.Background(),
		&graph.Invocation{InvocationID: "inv-2", LineageID: "thread-2"},
		&graph.ResumeCommand{Resume: "yes"})
	require.NoError(t, err)
	got = collect(t, resumed)
	assert.Equal(t, graph.ObjectTypeGraphCompleted, got[len(got)-1].Object)

	state := latestState(t, saver, "thread-2")
	assert.Equal(t, []string{"a", "gate", "b"}, state.Values, "resume re-enters at the interrupted node only")
	assert.Equal(t, "yes", state.Note)
}

func TestExecutorResumeWithoutPendingInterrupt(t *testing.T) {
	g := graph.NewStateGraph().
		AddNode("a", addNode("a")).
		SetEntryPoint("a").
		SetFinishPoint("a").
		MustCompile()
	saver := inmemory.NewSaver()
	executor, err := graph.NewExecutor(g,
		graph.WithCheckpointSaver(saver),
		graph.WithStateFactory(testStateFactory))
	require.NoError(t, err)

	events, err := executor.Execute(context.Background(), &testState{},
		&graph.Invocation{InvocationID: "inv-1", LineageID: "thread-3"})
	require.NoError(t, err)
	collect(t, events)

	_, err = executor.Resume(context.Background(),
		&graph.Invocation{InvocationID: "inv-2", LineageID: "thread-3"}, nil)
	assert.ErrorIs(t, err, graph.ErrNoPendingInterrupt)
}

func TestExecutorNodeFailureMergesNothing(t *testing.T) {
	g := graph.NewStateGraph().
		AddNode("a", addNode("a")).
		AddNode("boom", func(ctx context.Context, state graph.State) (any, error) {
			return nil, errors.New("exploded")
		}).
		AddEdge("a", "boom").
		SetEntryPoint("a").
		SetFinishPoint("boom").
		MustCompile()
	saver := inmemory.NewSaver()
	executor, err := graph.NewExecutor(g,
		graph.WithCheckpointSaver(saver),
		graph.WithStateFactory(testStateFactory))
	require.NoError(t, err)

	events, err := executor.Execute(context.Background(), &testState{},
		&graph.Invocation{InvocationID: "inv-1", LineageID: "thread-4"})
	require.NoError(t, err)
	got := collect(t, events)
	final := got[len(got)-1]
	require.NotNil(t, final.Error)
	assert.Equal(t, graph.ErrorTypeGraphExecution, final.Error.Type)
	assert.Contains(t, final.Error.Message, "exploded")

	// The failing node's delta is not merged; the last checkpoint is the
	// one written before it ran.
	assert.Equal(t, []string{"a"}, latestState(t, saver, "thread-4").Values)
}

func TestExecutorCommandRouting(t *testing.T) {
	note := "routed"
	g := graph.NewStateGraph().
		AddNode("a", func(ctx context.Context, state graph.State) (any, error) {
			return &graph.Command{Update: &testDelta{Note: &note}, GoTo: "c"}, nil
		}).
		AddNode("b", addNode("b")).
		AddNode("c", addNode("c")).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		SetFinishPoint("c").
		MustCompile()
	saver := inmemory.NewSaver()
	executor, err := graph.NewExecutor(g,
		graph.WithCheckpointSaver(saver),
		graph.WithStateFactory(testStateFactory))
	require.NoError(t, err)

	events, err := executor.Execute(context.Background(), &testState{},
		&graph.Invocation{InvocationID: "inv-1", LineageID: "thread-5"})
	require.NoError(t, err)
	collect(t, events)

	state := latestState(t, saver, "thread-5")
	assert.Equal(t, "routed", state.Note)
	assert.Equal(t, []string{"c"}, state.Values, "command target overrides the static edge")
}

func TestExecutorMaxStepsGuard(t *testing.T) {
	g := graph.NewStateGraph().
		AddNode("loop", addNode("loop")).
		AddConditionalEdges("loop", func(ctx context.Context, state graph.State) (string, error) {
			return "loop", nil
		}, map[string]string{"loop": "loop"}).
		SetEntryPoint("loop").
		MustCompile()
	executor, err := graph.NewExecutor(g, graph.WithMaxSteps(3))
	require.NoError(t, err)

	events, err := executor.Execute(context.Background(), &testState{},
		&graph.Invocation{InvocationID: "inv-1", LineageID: "thread-6"})
	require.NoError(t, err)
	got := collect(t, events)
	final := got[len(got)-1]
	require.NotNil(t, final.Error)
	assert.Contains(t, final.Error.Message, "maximum execution steps")
}
