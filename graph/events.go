//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"

	"github.com/datapilot-ai/datapilot/event"
)

// AuthorGraphExecutor is the author of events emitted by the executor
// itself rather than by a node.
const AuthorGraphExecutor = "graph-executor"

// Object types for events emitted during graph execution. Node-emitted
// chunks keep their model object types; these mark executor lifecycle
// points.
const (
	// ObjectTypeNodeStart marks the start of a node execution.
	ObjectTypeNodeStart = "graph.node.start"
	// ObjectTypeNodeComplete marks the completion of a node execution.
	ObjectTypeNodeComplete = "graph.node.complete"
	// ObjectTypeGraphCompleted marks a run reaching the terminal node.
	ObjectTypeGraphCompleted = "graph.execution.completed"
	// ObjectTypeGraphInterrupted marks a run pausing at an interrupt.
	ObjectTypeGraphInterrupted = "graph.execution.interrupted"
)

// Emit sends an event to the trace stream of the current execution,
// stamping it with the next sequence number. It returns false when there is
// no execution context or the context is done.
//
// Nodes use Emit to surface streaming model chunks and tool results; the
// projector downstream relies on the stamped sequence for ordering.
func Emit(ctx context.Context, e *event.Event) bool {
	execCtx, ok := executionContextFrom(ctx)
	if !ok {
		return false
	}
	return execCtx.send(ctx, e)
}

// InvocationIDFrom returns the invocation ID of the current execution.
func InvocationIDFrom(ctx context.Context) string {
	execCtx, ok := executionContextFrom(ctx)
	if !ok {
		return ""
	}
	return execCtx.invocationID
}
