//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package dataagent

import (
	"context"

	"github.com/datapilot-ai/datapilot/graph"
)

// Routers select the next node from state. Every router checks for
// cancellation first so a cancel lands on the terminal node at the next
// evaluation no matter where the run is.

func (c *Config) routeAssistant(ctx context.Context, state graph.State) (string, error) {
	s, err := stateFrom(state)
	if err != nil {
		return "", err
	}
	if s.Status == StatusCancelled {
		return graph.End, nil
	}
	if s.UsePlanning {
		return NodePlanner, nil
	}
	return graph.End, nil
}

func (c *Config) routePlanner(ctx context.Context, state graph.State) (string, error) {
	s, err := stateFrom(state)
	if err != nil {
		return "", err
	}
	if s.Status == StatusCancelled {
		return graph.End, nil
	}
	return NodePlanApproval, nil
}

func (c *Config) routePlanApproval(ctx context.Context, state graph.State) (string, error) {
	s, err := stateFrom(state)
	if err != nil {
		return "", err
	}
	switch s.Status {
	case StatusCancelled:
		return graph.End, nil
	case StatusApproved:
		return NodeScheduler, nil
	default:
		// Feedback or a pre-approval answer loops through the planner.
		return NodePlanner, nil
	}
}

func (c *Config) routeStepExecutor(ctx context.Context, state graph.State) (string, error) {
	s, err := stateFrom(state)
	if err != nil {
		return "", err
	}
	if s.Status == StatusCancelled {
		return graph.End, nil
	}
	if s.PendingToolCall != nil {
		if s.RequireToolApproval && c.isRisky(s.PendingToolCall.Function.Name) {
			return NodeToolApproval, nil
		}
		return NodeToolInvocation, nil
	}
	if s.DynamicPlan == nil || s.CurrentStepIndex >= len(s.DynamicPlan.Steps) {
		return NodeJoiner, nil
	}
	return NodeStepExecutor, nil
}

func (c *Config) routeToolApproval(ctx context.Context, state graph.State) (string, error) {
	s, err := stateFrom(state)
	if err != nil {
		return "", err
	}
	if s.Status == StatusCancelled {
		return graph.End, nil
	}
	if s.Status == StatusRejected {
		return NodeStepExecutor, nil
	}
	return NodeToolInvocation, nil
}

func (c *Config) routeToolInvocation(ctx context.Context, state graph.State) (string, error) {
	s, err := stateFrom(state)
	if err != nil {
		return "", err
	}
	if s.Status == StatusCancelled {
		return graph.End, nil
	}
	if s.ErrorInfo != nil {
		return NodeErrorExplainer, nil
	}
	if s.UseExplainer {
		return NodeExplainer, nil
	}
	return NodeStepExecutor, nil
}

func (c *Config) routeExplainer(ctx context.Context, state graph.State) (string, error) {
	s, err := stateFrom(state)
	if err != nil {
		return "", err
	}
	if s.Status == StatusCancelled {
		return graph.End, nil
	}
	return NodeStepExecutor, nil
}

func (c *Config) routeJoiner(ctx context.Context, state graph.State) (string, error) {
	s, err := stateFrom(state)
	if err != nil {
		return "", err
	}
	if s.Status == StatusCancelled {
		return graph.End, nil
	}
	switch s.JoinerDecision {
	case JoinerContinue, JoinerReplan:
		return NodePlanner, nil
	}
	if s.ErrorInfo != nil || IsErrorToolMessage(LastToolMessage(s.Messages)) {
		return NodeErrorExplainer, nil
	}
	return NodeFinalize, nil
}
