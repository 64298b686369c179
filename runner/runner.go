//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

// Package runner drives complete agent turns: it starts and resumes graph
// executions, projects their trace into wire events, and enforces the
// per-thread concurrency contract (one in-flight run per thread, any
// number of threads in parallel).
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/datapilot-ai/datapilot/blockstore"
	"github.com/datapilot-ai/datapilot/dataagent"
	"github.com/datapilot-ai/datapilot/event"
	"github.com/datapilot-ai/datapilot/graph"
	"github.com/datapilot-ai/datapilot/graph/checkpoint/inmemory"
	"github.com/datapilot-ai/datapilot/log"
	"github.com/datapilot-ai/datapilot/model"
	"github.com/datapilot-ai/datapilot/projector"
)

// Sentinel errors returned by the runner.
var (
	// ErrRunInProgress is returned when a thread already has an in-flight
	// run. Concurrent requests for the same thread are rejected, never
	// merged.
	ErrRunInProgress = errors.New("runner: run already in progress for this thread")
	// ErrInterruptMismatch is returned when a resume payload does not
	// match the pending interrupt's shape. No state is mutated.
	ErrInterruptMismatch = errors.New("runner: resume payload does not match pending interrupt")
)

// Runner executes agent turns over a thread-keyed checkpoint store.
type Runner struct {
	executor *graph.Executor
	store    projector.BlockStore
	pool     *ants.Pool
	projOpts []projector.Option

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Option configures a Runner.
type Option func(*options)

type options struct {
	saver    graph.CheckpointSaver
	store    projector.BlockStore
	poolSize int
	execOpts []graph.ExecutorOption
}

// WithCheckpointSaver sets the checkpoint storage backend.
func WithCheckpointSaver(saver graph.CheckpointSaver) Option {
	return func(o *options) { o.saver = saver }
}

// WithBlockStore sets the content block persistence backend.
func WithBlockStore(store projector.BlockStore) Option {
	return func(o *options) { o.store = store }
}

// WithPoolSize sets the worker pool size for concurrent threads.
func WithPoolSize(size int) Option {
	return func(o *options) { o.poolSize = size }
}

// WithExecutorOptions passes extra options to the graph executor.
func WithExecutorOptions(opts ...graph.ExecutorOption) Option {
	return func(o *options) { o.execOpts = append(o.execOpts, opts...) }
}

// New creates a Runner over the agent config.
func New(cfg *dataagent.Config, opts ...Option) (*Runner, error) {
	o := options{poolSize: 64}
	for _, opt := range opts {
		opt(&o)
	}
	if o.saver == nil {
		o.saver = inmemory.NewSaver()
	}
	if o.store == nil {
		o.store = blockstore.NewMemory()
	}
	execOpts := append(o.execOpts, graph.WithCheckpointSaver(o.saver))
	executor, err := dataagent.NewExecutor(cfg, execOpts...)
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(o.poolSize)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Runner{
		executor: executor,
		store:    o.store,
		pool:     pool,
		projOpts: []projector.Option{
			projector.WithPlanAuthors(dataagent.NodePlanner),
			projector.WithExplanationAuthors(dataagent.NodeExplainer, dataagent.NodeErrorExplainer),
			projector.WithReasoningAuthors(dataagent.NodeJoiner),
		},
		active: make(map[string]context.CancelFunc),
	}, nil
}

// Close releases the worker pool.
func (r *Runner) Close() {
	r.pool.Release()
}

// Run starts a fresh turn on a thread and returns its wire event stream.
func (r *Runner) Run(ctx context.Context, threadID, query string, stateOpts ...dataagent.StateOption) (<-chan *projector.WireEvent, error) {
	if threadID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	runCtx, cancel, err := r.acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}
	state := r.initialState(ctx, threadID, query, stateOpts...)
	invocation := &graph.Invocation{
		InvocationID: uuid.New().String(),
		LineageID:    threadID,
	}
	events, err := r.executor.Execute(runCtx, state, invocation)
	if err != nil {
		r.release(threadID)
		cancel()
		return nil, err
	}
	messageID := uuid.New().String()
	proj := projector.New(threadID, messageID, r.store, r.projOpts...)
	return r.startWorker(runCtx, cancel, threadID, proj, events)
}

// Resume re-enters a paused thread with a human decision. The payload is
// validated against the pending interrupt kind before any state changes:
// a plan approval expects {review_action, human_comment?}, a tool approval
// expects {type, args?}.
func (r *Runner) Resume(ctx context.Context, threadID string, payload []byte) (<-chan *projector.WireEvent, error) {
	if threadID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	interruptState, err := r.executor.PendingInterrupt(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if interruptState == nil {
		return nil, graph.ErrNoPendingInterrupt
	}
	resume, err := validateResumePayload(interruptState.Kind, payload)
	if err != nil {
		return nil, err
	}

	runCtx, cancel, err := r.acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}
	invocation := &graph.Invocation{
		InvocationID: uuid.New().String(),
		LineageID:    threadID,
	}
	events, err := r.executor.Resume(runCtx, invocation, &graph.ResumeCommand{Resume: resume})
	if err != nil {
		r.release(threadID)
		cancel()
		return nil, err
	}
	messageID, err := r.store.LatestMessageID(ctx, threadID)
	if err != nil {
		log.Warnf("latest message lookup failed for thread %s: %v", threadID, err)
	}
	var proj *projector.Projector
	if messageID != "" {
		proj, err = projector.Resume(ctx, threadID, messageID, r.store, r.projOpts...)
		if err != nil {
			log.Warnf("projector resume failed for thread %s: %v", threadID, err)
			proj = nil
		}
	}
	if proj == nil {
		proj = projector.New(threadID, uuid.New().String(), r.store, r.projOpts...)
	}
	return r.startWorker(runCtx, cancel, threadID, proj, events)
}

// Cancel marks the thread cancelled in its latest checkpoint and cancels
// the in-flight run if one exists. Late results from cancelled external
// calls are discarded, never merged.
func (r *Runner) Cancel(ctx context.Context, threadID string) error {
	r.mu.Lock()
	if cancel, ok := r.active[threadID]; ok {
		cancel()
	}
	r.mu.Unlock()

	manager := r.executor.CheckpointManager()
	tuple, err := manager.Latest(ctx, threadID)
	if err != nil || tuple == nil {
		return err
	}
	state, err := graph.DecodeState(tuple.Checkpoint, newState)
	if err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	s := state.(*dataagent.State)
	s.Status = dataagent.StatusCancelled
	checkpoint, err := graph.NewCheckpoint(s, tuple.Checkpoint.NextNodes)
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}
	checkpoint.ParentCheckpointID = tuple.Checkpoint.ID
	metadata := &graph.CheckpointMetadata{Source: graph.CheckpointSourceUpdate, Step: tuple.Metadata.Step}
	return manager.Put(ctx, threadID, checkpoint, metadata)
}

// GetState returns the thread's latest state and the checkpoint it came
// from. Reading state never mutates anything; two reads with no run in
// between return identical state.
func (r *Runner) GetState(ctx context.Context, threadID string) (*dataagent.State, string, error) {
	tuple, err := r.executor.CheckpointManager().Latest(ctx, threadID)
	if err != nil {
		return nil, "", err
	}
	if tuple == nil {
		return nil, "", graph.ErrCheckpointNotFound
	}
	return decodeTupleState(tuple)
}

// GetStateAt returns the thread's state at a specific checkpoint, for
// history and explorer views.
func (r *Runner) GetStateAt(ctx context.Context, threadID, checkpointID string) (*dataagent.State, string, error) {
	tuple, err := r.executor.CheckpointManager().Get(ctx, threadID, checkpointID)
	if err != nil {
		return nil, "", err
	}
	return decodeTupleState(tuple)
}

// DeleteThread removes all checkpoints and persisted blocks for a thread.
// Deleting an unknown thread is not an error.
func (r *Runner) DeleteThread(ctx context.Context, threadID string) error {
	if err := r.executor.CheckpointManager().DeleteLineage(ctx, threadID); err != nil {
		return err
	}
	if deleter, ok := r.store.(interface {
		DeleteThread(ctx context.Context, threadID string) error
	}); ok {
		return deleter.DeleteThread(ctx, threadID)
	}
	return nil
}

// initialState builds the state for a fresh turn: conversation history
// carries forward from the thread's latest checkpoint when one exists.
func (r *Runner) initialState(ctx context.Context, threadID, query string, stateOpts ...dataagent.StateOption) *dataagent.State {
	tuple, err := r.executor.CheckpointManager().Latest(ctx, threadID)
	if err != nil || tuple == nil {
		return dataagent.NewState(query, stateOpts...)
	}
	prior, _, err := decodeTupleState(tuple)
	if err != nil {
		log.Warnf("prior state decode failed for thread %s, starting fresh: %v", threadID, err)
		return dataagent.NewState(query, stateOpts...)
	}
	return dataagent.NextTurn(prior, query, stateOpts...)
}

func (r *Runner) acquire(ctx context.Context, threadID string) (context.Context, context.CancelFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[threadID]; ok {
		return nil, nil, ErrRunInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.active[threadID] = cancel
	return runCtx, cancel, nil
}

func (r *Runner) release(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, threadID)
}

func (r *Runner) startWorker(
	ctx context.Context,
	cancel context.CancelFunc,
	threadID string,
	proj *projector.Projector,
	events <-chan *event.Event,
) (<-chan *projector.WireEvent, error) {
	out := make(chan *projector.WireEvent, 64)
	err := r.pool.Submit(func() {
		defer close(out)
		defer r.release(threadID)
		defer cancel()
		r.consume(ctx, threadID, proj, events, out)
	})
	if err != nil {
		r.release(threadID)
		cancel()
		return nil, fmt.Errorf("submit run: %w", err)
	}
	return out, nil
}

// consume pumps the trace through the projector and emits run-level
// status events at the interrupt and terminal boundaries, where blocks
// are also persisted.
func (r *Runner) consume(
	ctx context.Context,
	threadID string,
	proj *projector.Projector,
	events <-chan *event.Event,
	out chan<- *projector.WireEvent,
) {
	for e := range events {
		for _, wireEvent := range proj.Process(ctx, e) {
			r.send(ctx, out, wireEvent)
		}
		switch e.Object {
		case graph.ObjectTypeGraphInterrupted:
			checkpointID := r.latestCheckpointID(ctx, threadID)
			if err := proj.Persist(ctx, checkpointID); err != nil {
				log.Errorf("persist blocks for thread %s: %v", threadID, err)
				r.send(ctx, out, projector.NewStatusEvent(projector.StatusError, nil))
				continue
			}
			r.send(ctx, out, projector.NewStatusEvent(projector.StatusUserFeedback, e.Interrupt))
		case graph.ObjectTypeGraphCompleted:
			r.finishRun(ctx, threadID, proj, out)
		case model.ObjectTypeError:
			message := ""
			if e.Error != nil {
				message = e.Error.Message
			}
			log.Errorf("run failed for thread %s: %s", threadID, message)
			r.send(ctx, out, projector.NewStatusEvent(projector.StatusError, nil))
		}
	}
	if ctx.Err() != nil {
		// Cancelled mid-run; best effort notification.
		select {
		case out <- projector.NewStatusEvent(projector.StatusCancelled, nil):
		default:
		}
	}
}

func (r *Runner) finishRun(ctx context.Context, threadID string, proj *projector.Projector, out chan<- *projector.WireEvent) {
	checkpointID := r.latestCheckpointID(ctx, threadID)
	if err := proj.Persist(ctx, checkpointID); err != nil {
		log.Errorf("persist blocks for thread %s: %v", threadID, err)
		r.send(ctx, out, projector.NewStatusEvent(projector.StatusError, nil))
		return
	}
	status := projector.StatusFinished
	var steps any
	if state, _, err := r.GetState(ctx, threadID); err == nil {
		if state.Status == dataagent.StatusCancelled {
			status = projector.StatusCancelled
		}
		steps = state.Steps
	}
	r.send(ctx, out, projector.NewStatusEvent(status, nil))
	r.send(ctx, out, projector.NewCompletedEvent(status == projector.StatusFinished, projector.CompletedData{
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		RunStatus:    status,
		Steps:        steps,
	}))
}

func (r *Runner) latestCheckpointID(ctx context.Context, threadID string) string {
	tuple, err := r.executor.CheckpointManager().Latest(ctx, threadID)
	if err != nil || tuple == nil {
		return ""
	}
	return tuple.Checkpoint.ID
}

func (r *Runner) send(ctx context.Context, out chan<- *projector.WireEvent, e *projector.WireEvent) {
	select {
	case out <- e:
	case <-ctx.Done():
	}
}

func decodeTupleState(tuple *graph.CheckpointTuple) (*dataagent.State, string, error) {
	state, err := graph.DecodeState(tuple.Checkpoint, newState)
	if err != nil {
		return nil, "", fmt.Errorf("decode state: %w", err)
	}
	return state.(*dataagent.State), tuple.Checkpoint.ID, nil
}

func newState() graph.State { return &dataagent.State{} }
