//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/datapilot-ai/datapilot/event"
	"github.com/datapilot-ai/datapilot/log"
	"github.com/datapilot-ai/datapilot/telemetry/trace"
)

// Invocation identifies a single run of a graph.
type Invocation struct {
	// InvocationID identifies this run in the trace stream.
	InvocationID string
	// LineageID identifies the conversation thread the run belongs to.
	// Checkpoints are keyed by lineage.
	LineageID string
}

// Executor executes a graph with the given initial state, writing one
// checkpoint per node boundary (write-ahead: the checkpoint naming the next
// node is persisted before that node runs).
type Executor struct {
	graph             *Graph
	manager           *CheckpointManager
	stateFactory      func() State
	channelBufferSize int
	maxSteps          int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// ExecutorOptions contains configuration options for creating an Executor.
type ExecutorOptions struct {
	// ChannelBufferSize is the buffer size for event channels (default: 256).
	ChannelBufferSize int
	// MaxSteps is the maximum number of node transitions per run.
	MaxSteps int
	// Saver persists checkpoints. Without one, runs are not resumable.
	Saver CheckpointSaver
	// StateFactory produces an empty concrete state for checkpoint decoding.
	StateFactory func() State
}

// WithChannelBufferSize sets the buffer size for event channels.
func WithChannelBufferSize(size int) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.ChannelBufferSize = size }
}

// WithMaxSteps sets the maximum number of node transitions per run.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.MaxSteps = maxSteps }
}

// WithCheckpointSaver sets the checkpoint storage backend.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.Saver = saver }
}

// WithStateFactory sets the factory used to decode persisted state. The
// factory must return a pointer type so JSON decoding can populate it.
func WithStateFactory(factory func() State) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.StateFactory = factory }
}

// NewExecutor creates a new graph executor.
func NewExecutor(g *Graph, opts ...ExecutorOption) (*Executor, error) {
	if err := g.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	options := ExecutorOptions{
		ChannelBufferSize: 256,
		MaxSteps:          100,
	}
	for _, opt := range opts {
		opt(&options)
	}
	e := &Executor{
		graph:             g,
		stateFactory:      options.StateFactory,
		channelBufferSize: options.ChannelBufferSize,
		maxSteps:          options.MaxSteps,
	}
	if options.Saver != nil {
		e.manager = NewCheckpointManager(options.Saver)
	}
	return e, nil
}

// CheckpointManager returns the manager over the configured saver, or nil
// when the executor runs without persistence.
func (e *Executor) CheckpointManager() *CheckpointManager {
	return e.manager
}

// Execute starts a fresh run of the graph with the given initial state.
// The returned channel carries the trace stream; it is closed when the run
// terminates or pauses at an interrupt.
func (e *Executor) Execute(
	ctx context.Context,
	initialState State,
	invocation *Invocation,
) (<-chan *event.Event, error) {
	if invocation == nil {
		return nil, errors.New("invocation is nil")
	}
	if initialState == nil {
		return nil, errors.New("initial state is nil")
	}
	eventChan := make(chan *event.Event, e.channelBufferSize)
	execCtx := newExecutionContext(invocation, eventChan)
	go func() {
		defer close(eventChan)
		ctx, span := trace.Tracer.Start(ctx, "execute_graph")
		defer span.End()
		if err := e.start(ctx, execCtx, initialState); err != nil {
			e.sendErrorEvent(ctx, execCtx, err)
		}
	}()
	return eventChan, nil
}

// Resume re-enters a paused run at the pending interrupt with the supplied
// resume values. It fails without mutating state when the lineage has no
// pending interrupt.
func (e *Executor) Resume(
	ctx context.Context,
	invocation *Invocation,
	cmd *ResumeCommand,
) (<-chan *event.Event, error) {
	if invocation == nil {
		return nil, errors.New("invocation is nil")
	}
	if e.manager == nil {
		return nil, ErrCheckpointSaverRequired
	}
	tuple, err := e.manager.Latest(ctx, invocation.LineageID)
	if err != nil {
		return nil, err
	}
	if tuple == nil {
		return nil, ErrCheckpointNotFound
	}
	if !tuple.Checkpoint.IsInterrupted() {
		return nil, ErrNoPendingInterrupt
	}
	state, err := DecodeState(tuple.Checkpoint, e.stateFactory)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	eventChan := make(chan *event.Event, e.channelBufferSize)
	execCtx := newExecutionContext(invocation, eventChan)
	if cmd != nil {
		execCtx.setResume(cmd)
	}
	interruptState := tuple.Checkpoint.InterruptState
	parentID := tuple.Checkpoint.ID
	go func() {
		defer close(eventChan)
		ctx, span := trace.Tracer.Start(ctx, "resume_graph")
		defer span.End()
		err := e.runLoop(ctx, execCtx, state, interruptState.NodeID, interruptState.Step, parentID)
		if err != nil {
			e.sendErrorEvent(ctx, execCtx, err)
		}
	}()
	return eventChan, nil
}

// PendingInterrupt returns the interrupt state the lineage is paused at,
// or nil when the latest checkpoint is not an interrupt.
func (e *Executor) PendingInterrupt(ctx context.Context, lineageID string) (*InterruptState, error) {
	if e.manager == nil {
		return nil, ErrCheckpointSaverRequired
	}
	tuple, err := e.manager.Latest(ctx, lineageID)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint.InterruptState, nil
}

func (e *Executor) start(ctx context.Context, execCtx *ExecutionContext, state State) error {
	entry := e.graph.EntryPoint()
	if entry == "" {
		return errors.New("no entry point found")
	}
	parentID, err := e.persist(ctx, execCtx, state, []string{entry}, nil, CheckpointSourceInput, -1, "")
	if err != nil {
		return err
	}
	return e.runLoop(ctx, execCtx, state, entry, 0, parentID)
}

// runLoop drives node -> router -> node until End or an interrupt.
func (e *Executor) runLoop(
	ctx context.Context,
	execCtx *ExecutionContext,
	state State,
	current string,
	step int,
	parentID string,
) error {
	ctx = withExecutionContext(ctx, execCtx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		step++
		if step > e.maxSteps {
			return fmt.Errorf("maximum execution steps (%d) exceeded", e.maxSteps)
		}
		if current == End {
			if _, err := e.persist(ctx, execCtx, state, nil, nil, CheckpointSourceLoop, step, parentID); err != nil {
				return err
			}
			completed := event.New(execCtx.invocationID, AuthorGraphExecutor,
				event.WithObject(ObjectTypeGraphCompleted))
			completed.Done = true
			execCtx.send(ctx, completed)
			return nil
		}
		node, exists := e.graph.Node(current)
		if !exists {
			return fmt.Errorf("node %s not found", current)
		}
		next, newState, err := e.executeNode(ctx, execCtx, node, state, step, parentID)
		if err != nil {
			return err
		}
		if next == "" {
			// Paused at an interrupt; checkpoint already written.
			return nil
		}
		state = newState
		parentID, err = e.persist(ctx, execCtx, state, []string{next}, nil, CheckpointSourceLoop, step, parentID)
		if err != nil {
			return err
		}
		current = next
	}
}

// executeNode runs a single node. It returns the next node ID, or "" when
// the run paused at an interrupt.
func (e *Executor) executeNode(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	state State,
	step int,
	parentID string,
) (string, State, error) {
	ctx, span := trace.Tracer.Start(ctx, fmt.Sprintf("execute_node %s", node.ID))
	defer span.End()
	span.SetAttributes(
		attribute.String("datapilot.node_id", node.ID),
		attribute.String("datapilot.invocation_id", execCtx.invocationID),
	)

	startEvent := event.New(execCtx.invocationID, node.ID, event.WithObject(ObjectTypeNodeStart))
	execCtx.send(ctx, startEvent)

	result, err := node.Function(ctx, state)
	if err != nil {
		if interrupt, ok := AsInterruptError(err); ok {
			return "", state, e.pause(ctx, execCtx, node, state, interrupt, step, parentID)
		}
		span.SetAttributes(attribute.String("datapilot.error", err.Error()))
		return "", state, fmt.Errorf("node %s execution failed: %w", node.ID, err)
	}

	// Merge the node delta. A failing node merges nothing; this is the only
	// place state advances.
	var next string
	var delta Delta
	switch r := result.(type) {
	case nil:
	case *Command:
		if r.Update != nil {
			delta = r.Update
			state = state.Apply(r.Update)
		}
		next = r.GoTo
	default:
		delta = r
		state = state.Apply(r)
	}

	completeEvent := event.New(execCtx.invocationID, node.ID, event.WithObject(ObjectTypeNodeComplete))
	if delta != nil {
		if raw, err := json.Marshal(delta); err == nil {
			completeEvent.StateDelta = map[string][]byte{node.ID: raw}
		}
	}
	execCtx.send(ctx, completeEvent)

	if next == "" {
		next, err = e.selectNextNode(ctx, node.ID, state)
		if err != nil {
			return "", state, err
		}
	}
	span.SetAttributes(attribute.String("datapilot.next_node", next))
	return next, state, nil
}

// pause persists the interrupt checkpoint and emits the interrupt event.
// State is persisted exactly as it was before the interrupted node ran.
func (e *Executor) pause(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	state State,
	interrupt *InterruptError,
	step int,
	parentID string,
) error {
	interrupt.NodeID = node.ID
	interrupt.Step = step
	interruptState := &InterruptState{
		NodeID: node.ID,
		Key:    interrupt.Key,
		Kind:   interrupt.Kind,
		Prompt: interrupt.Value,
		Step:   step - 1, // Resume re-enters at this node, re-counting the step.
	}
	if e.manager == nil {
		return fmt.Errorf("interrupt at node %s without a checkpoint saver", node.ID)
	}
	if _, err := e.persist(ctx, execCtx, state, []string{node.ID}, interruptState,
		CheckpointSourceInterrupt, step, parentID); err != nil {
		return err
	}
	interrupted := event.New(execCtx.invocationID, node.ID,
		event.WithObject(ObjectTypeGraphInterrupted),
		event.WithInterrupt(interruptState))
	execCtx.send(ctx, interrupted)
	log.Debugf("graph interrupted: lineage=%s node=%s key=%s",
		execCtx.lineageID, node.ID, interrupt.Key)
	return nil
}

// persist writes one checkpoint. Persistence failures are fatal to the run.
func (e *Executor) persist(
	ctx context.Context,
	execCtx *ExecutionContext,
	state State,
	nextNodes []string,
	interruptState *InterruptState,
	source string,
	step int,
	parentID string,
) (string, error) {
	if e.manager == nil {
		return parentID, nil
	}
	checkpoint, err := NewCheckpoint(state, nextNodes)
	if err != nil {
		return "", &persistenceError{err: fmt.Errorf("serialize state: %w", err)}
	}
	checkpoint.ParentCheckpointID = parentID
	checkpoint.InterruptState = interruptState
	metadata := &CheckpointMetadata{Source: source, Step: step}
	if err := e.manager.Put(ctx, execCtx.lineageID, checkpoint, metadata); err != nil {
		return "", &persistenceError{err: fmt.Errorf("store checkpoint: %w", err)}
	}
	execCtx.setLastCheckpointID(checkpoint.ID)
	return checkpoint.ID, nil
}

// selectNextNode selects the next node based on edges and conditional logic.
func (e *Executor) selectNextNode(ctx context.Context, currentNodeID string, state State) (string, error) {
	if condEdge, exists := e.graph.ConditionalEdge(currentNodeID); exists {
		result, err := condEdge.Condition(ctx, state)
		if err != nil {
			return "", fmt.Errorf("conditional edge evaluation failed: %w", err)
		}
		if next, exists := condEdge.PathMap[result]; exists {
			return next, nil
		}
		return "", fmt.Errorf("condition result %s not found in path map", result)
	}
	edges := e.graph.Edges(currentNodeID)
	if len(edges) == 0 {
		return End, nil
	}
	return edges[0].To, nil
}

func (e *Executor) sendErrorEvent(ctx context.Context, execCtx *ExecutionContext, err error) {
	errorType := ErrorTypeGraphExecution
	var pe *persistenceError
	if errors.As(err, &pe) {
		errorType = ErrorTypePersistence
	}
	errorEvent := event.NewError(execCtx.invocationID, AuthorGraphExecutor, errorType, err.Error())
	execCtx.send(ctx, errorEvent)
}

// persistenceError marks checkpoint store failures, which abort the run.
type persistenceError struct {
	err error
}

func (p *persistenceError) Error() string { return p.err.Error() }
func (p *persistenceError) Unwrap() error { return p.err }

// ExecutionContext carries per-run data: the trace channel, the sequence
// counter, and pending resume values. It is stored on the context passed to
// node functions.
type ExecutionContext struct {
	invocationID string
	lineageID    string
	eventChan    chan<- *event.Event
	seq          atomic.Int64

	mu               sync.Mutex
	resume           any
	hasResume        bool
	resumeMap        map[string]any
	lastCheckpointID string
}

func newExecutionContext(invocation *Invocation, eventChan chan<- *event.Event) *ExecutionContext {
	return &ExecutionContext{
		invocationID: invocation.InvocationID,
		lineageID:    invocation.LineageID,
		eventChan:    eventChan,
	}
}

// send stamps the event with the next sequence number and delivers it.
func (ec *ExecutionContext) send(ctx context.Context, e *event.Event) bool {
	e.Sequence = ec.seq.Add(1)
	if e.InvocationID == "" {
		e.InvocationID = ec.invocationID
	}
	select {
	case ec.eventChan <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (ec *ExecutionContext) setResume(cmd *ResumeCommand) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if cmd.Resume != nil {
		ec.resume = cmd.Resume
		ec.hasResume = true
	}
	if cmd.ResumeMap != nil {
		ec.resumeMap = cmd.ResumeMap
	}
}

// takeResumeValue consumes the resume value for a key: the single resume
// value first, then the keyed map. Each value is handed out exactly once.
func (ec *ExecutionContext) takeResumeValue(key string) (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.hasResume {
		value := ec.resume
		ec.resume = nil
		ec.hasResume = false
		return value, true
	}
	if value, ok := ec.resumeMap[key]; ok {
		delete(ec.resumeMap, key)
		return value, true
	}
	return nil, false
}

func (ec *ExecutionContext) hasResumeValue(key string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.hasResume {
		return true
	}
	_, ok := ec.resumeMap[key]
	return ok
}

func (ec *ExecutionContext) setLastCheckpointID(id string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.lastCheckpointID = id
}

// LastCheckpointID returns the most recently written checkpoint ID.
func (ec *ExecutionContext) LastCheckpointID() string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.lastCheckpointID
}

type executionContextKey struct{}

func withExecutionContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	return context.WithValue(ctx, executionContextKey{}, execCtx)
}

func executionContextFrom(ctx context.Context) (*ExecutionContext, bool) {
	execCtx, ok := ctx.Value(executionContextKey{}).(*ExecutionContext)
	return execCtx, ok
}
