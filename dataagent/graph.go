//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package dataagent

import (
	"github.com/datapilot-ai/datapilot/graph"
)

// BuildGraph assembles the agent graph from the config.
func BuildGraph(cfg *Config) (*graph.Graph, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return graph.NewStateGraph().
		AddNode(NodeAssistant, cfg.assistantNode,
			graph.WithDescription("Routes a fresh turn to the planning flow or answers directly.")).
		AddNode(NodePlanner, cfg.plannerNode,
			graph.WithDescription("Produces or revises the multi-step plan.")).
		AddNode(NodePlanApproval, cfg.planApprovalNode,
			graph.WithDescription("Human approval gate for the plan.")).
		AddNode(NodeScheduler, cfg.schedulerNode,
			graph.WithDescription("Enters the execution loop at the first plan step.")).
		AddNode(NodeStepExecutor, cfg.stepExecutorNode,
			graph.WithDescription("Executes one plan step with its top-priority tool bound.")).
		AddNode(NodeToolApproval, cfg.toolApprovalNode,
			graph.WithDescription("Human approval gate for a risky tool invocation.")).
		AddNode(NodeToolInvocation, cfg.toolInvocationNode,
			graph.WithDescription("Invokes the pending tool call.")).
		AddNode(NodeExplainer, cfg.explainerNode,
			graph.WithDescription("Enriches the latest step record with justification.")).
		AddNode(NodeJoiner, cfg.joinerNode,
			graph.WithDescription("Decides whether the plan is complete.")).
		AddNode(NodeFinalize, cfg.finalizeNode,
			graph.WithDescription("Emits the final answer.")).
		AddNode(NodeErrorExplainer, cfg.errorExplainerNode,
			graph.WithDescription("Explains a tool failure to the user.")).
		SetEntryPoint(NodeAssistant).
		AddConditionalEdges(NodeAssistant, cfg.routeAssistant, map[string]string{
			NodePlanner: NodePlanner,
			graph.End:   graph.End,
		}).
		AddConditionalEdges(NodePlanner, cfg.routePlanner, map[string]string{
			NodePlanApproval: NodePlanApproval,
			graph.End:        graph.End,
		}).
		AddConditionalEdges(NodePlanApproval, cfg.routePlanApproval, map[string]string{
			NodeScheduler: NodeScheduler,
			NodePlanner:   NodePlanner,
			graph.End:     graph.End,
		}).
		AddEdge(NodeScheduler, NodeStepExecutor).
		AddConditionalEdges(NodeStepExecutor, cfg.routeStepExecutor, map[string]string{
			NodeToolApproval:   NodeToolApproval,
			NodeToolInvocation: NodeToolInvocation,
			NodeStepExecutor:   NodeStepExecutor,
			NodeJoiner:         NodeJoiner,
			graph.End:          graph.End,
		}).
		AddConditionalEdges(NodeToolApproval, cfg.routeToolApproval, map[string]string{
			NodeToolInvocation: NodeToolInvocation,
			NodeStepExecutor:   NodeStepExecutor,
			graph.End:          graph.End,
		}).
		AddConditionalEdges(NodeToolInvocation, cfg.routeToolInvocation, map[string]string{
			NodeErrorExplainer: NodeErrorExplainer,
			NodeExplainer:      NodeExplainer,
			NodeStepExecutor:   NodeStepExecutor,
			graph.End:          graph.End,
		}).
		AddConditionalEdges(NodeExplainer, cfg.routeExplainer, map[string]string{
			NodeStepExecutor: NodeStepExecutor,
			graph.End:        graph.End,
		}).
		AddConditionalEdges(NodeJoiner, cfg.routeJoiner, map[string]string{
			NodePlanner:        NodePlanner,
			NodeErrorExplainer: NodeErrorExplainer,
			NodeFinalize:       NodeFinalize,
			graph.End:          graph.End,
		}).
		SetFinishPoint(NodeFinalize).
		SetFinishPoint(NodeErrorExplainer).
		Compile()
}

// NewExecutor builds the agent graph and wraps it in a graph executor with
// the concrete state factory wired in.
func NewExecutor(cfg *Config, opts ...graph.ExecutorOption) (*graph.Executor, error) {
	g, err := BuildGraph(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, graph.WithStateFactory(func() graph.State { return &State{} }))
	return graph.NewExecutor(g, opts...)
}
