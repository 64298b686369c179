//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

// Package dataagent implements the multi-step data agent graph: planner,
// plan approval, scheduler, step executor, tool invocation, tool approval,
// explainer, joiner and error explainer nodes wired over the graph engine.
package dataagent

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Node IDs in the agent graph. The projector keys handler dispatch off the
// event author, so these are part of the trace contract.
const (
	NodeAssistant      = "assistant"
	NodePlanner        = "planner"
	NodePlanApproval   = "plan_approval"
	NodeScheduler      = "scheduler"
	NodeStepExecutor   = "step_executor"
	NodeToolApproval   = "tool_approval"
	NodeToolInvocation = "tool_invocation"
	NodeExplainer      = "explainer"
	NodeJoiner         = "joiner"
	NodeFinalize       = "finalize"
	NodeErrorExplainer = "error_explainer"
)

// Status is the run-level approval status.
type Status string

// Status values.
const (
	StatusApproved  Status = "approved"
	StatusFeedback  Status = "feedback"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// JoinerDecision is the joiner's verdict on a plan revision.
type JoinerDecision string

// Joiner decisions.
const (
	JoinerFinish   JoinerDecision = "finish"
	JoinerContinue JoinerDecision = "continue"
	JoinerReplan   JoinerDecision = "replan"
)

// Step decisions recorded on a StepRecord.
const (
	DecisionInvoke   = "invoke"
	DecisionSkip     = "skip"
	DecisionRejected = "rejected"
	DecisionError    = "error"
)

// Interrupt kinds. The runner validates resume payload shapes against the
// kind stored on the pending interrupt checkpoint.
const (
	InterruptKindPlanApproval = "plan_approval"
	InterruptKindToolApproval = "tool_approval"
)

// Plan is a structured multi-step plan produced by the planner.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// PlanStep is one step of a plan. Tool options are ordered by priority,
// lowest value first; the step executor binds only the top option.
type PlanStep struct {
	Goal                string       `json:"goal"`
	ToolOptions         []ToolOption `json:"tool_options"`
	ContextRequirements []string     `json:"context_requirements,omitempty"`
}

// ToolOption is a candidate tool for a plan step.
type ToolOption struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// TopOption returns the step's first-choice tool, the option with the
// lowest priority value.
func (p *PlanStep) TopOption() (ToolOption, error) {
	if len(p.ToolOptions) == 0 {
		return ToolOption{}, fmt.Errorf("step %q has no tool options", p.Goal)
	}
	top := p.ToolOptions[0]
	for _, opt := range p.ToolOptions[1:] {
		if opt.Priority < top.Priority {
			top = opt
		}
	}
	return top, nil
}

// Validate checks plan invariants: at least one step, and unique priorities
// within each step.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	for i, step := range p.Steps {
		if len(step.ToolOptions) == 0 {
			return fmt.Errorf("step %d has no tool options", i)
		}
		seen := make(map[int]bool, len(step.ToolOptions))
		for _, opt := range step.ToolOptions {
			if seen[opt.Priority] {
				return fmt.Errorf("step %d has duplicate priority %d", i, opt.Priority)
			}
			seen[opt.Priority] = true
		}
	}
	return nil
}

// sortOptions orders every step's tool options by priority ascending.
func (p *Plan) sortOptions() {
	for i := range p.Steps {
		opts := p.Steps[i].ToolOptions
		sort.Slice(opts, func(a, b int) bool { return opts[a].Priority < opts[b].Priority })
	}
}

// StepRecord is one execution step's outcome. Records are append-only
// within a plan revision; only the supplementary explanation fields are
// filled in later by the explainer.
type StepRecord struct {
	ID         int     `json:"id"`
	ToolName   string  `json:"tool_name"`
	Input      string  `json:"input,omitempty"`
	Output     string  `json:"output,omitempty"`
	Decision   string  `json:"decision"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Evidence   string  `json:"evidence,omitempty"`
}

// ErrorInfo captures a tool failure for the error explainer. Raised errors
// and error-sentinel outputs produce the same shape.
type ErrorInfo struct {
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type"`
	ToolName     string `json:"tool_name"`
	ToolInput    string `json:"tool_input,omitempty"`
}

// Plan review actions for the plan-level approval gate.
const (
	ReviewAccept   = "accept"
	ReviewFeedback = "feedback"
	ReviewCancel   = "cancel"
)

// PlanReview is the resume payload for a plan approval interrupt.
type PlanReview struct {
	ReviewAction string `json:"review_action"`
	HumanComment string `json:"human_comment,omitempty"`
}

// Tool review types for the tool-level approval gate.
const (
	ToolReviewAccept = "accept"
	ToolReviewEdit   = "edit"
	ToolReviewIgnore = "ignore"
)

// ToolReview is the resume payload for a tool approval interrupt. Edit
// replaces the pending call's arguments with Args before execution.
type ToolReview struct {
	Type string          `json:"type"`
	Args json.RawMessage `json:"args,omitempty"`
}

// PlanReviewFrom coerces a resume value into a PlanReview. Resume values
// arrive typed from in-process callers and as decoded JSON from the API.
func PlanReviewFrom(value any) (PlanReview, error) {
	switch v := value.(type) {
	case PlanReview:
		return v, nil
	case *PlanReview:
		return *v, nil
	}
	var review PlanReview
	raw, err := json.Marshal(value)
	if err != nil {
		return review, fmt.Errorf("invalid plan review payload: %w", err)
	}
	if err := json.Unmarshal(raw, &review); err != nil {
		return review, fmt.Errorf("invalid plan review payload: %w", err)
	}
	if review.ReviewAction == "" {
		return review, fmt.Errorf("plan review payload missing review_action")
	}
	return review, nil
}

// ToolReviewFrom coerces a resume value into a ToolReview.
func ToolReviewFrom(value any) (ToolReview, error) {
	switch v := value.(type) {
	case ToolReview:
		return v, nil
	case *ToolReview:
		return *v, nil
	}
	var review ToolReview
	raw, err := json.Marshal(value)
	if err != nil {
		return review, fmt.Errorf("invalid tool review payload: %w", err)
	}
	if err := json.Unmarshal(raw, &review); err != nil {
		return review, fmt.Errorf("invalid tool review payload: %w", err)
	}
	if review.Type == "" {
		return review, fmt.Errorf("tool review payload missing type")
	}
	return review, nil
}
