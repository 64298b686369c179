//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package dataagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/datapilot-ai/datapilot/graph"
	"github.com/datapilot-ai/datapilot/log"
	"github.com/datapilot-ai/datapilot/model"
)

const plannerPromptTemplate = `You are a data analysis planner. Produce a step-by-step plan
to answer the user's question using the available tools.

Available tools:
%s
Respond with a JSON object only:
{"steps": [{"goal": "...", "tool_options": [{"name": "tool_name", "priority": 1}], "context_requirements": []}]}

Priorities must be unique within a step; the lowest value is the first choice.`

const feedbackClassifyPrompt = `The user reviewed the proposed plan and replied with a comment.
Classify the comment into exactly one action:
- "answer": the comment is a question or remark to answer before approval.
- "replan": the comment asks for changes to the plan.
- "cancel": the comment asks to stop.

Respond with a JSON object only: {"action": "answer|replan|cancel"}

Comment: %s`

// plannerNode produces or revises the plan. Mode selection: a pending human
// comment means feedback mode, a joiner verdict means an internal revision,
// anything else is a fresh plan.
func (c *Config) plannerNode(ctx context.Context, state graph.State) (any, error) {
	s, err := stateFrom(state)
	if err != nil {
		return nil, err
	}
	switch {
	case s.Status == StatusFeedback && s.FeedbackComment != "" && s.JoinerDecision == "":
		return c.planWithFeedback(ctx, s)
	case s.JoinerDecision == JoinerReplan || s.JoinerDecision == JoinerContinue:
		return c.reviseFromJoiner(ctx, s)
	default:
		return c.planFresh(ctx, s)
	}
}

func (c *Config) planFresh(ctx context.Context, s *State) (any, error) {
	plan, text, err := c.producePlan(ctx, s, "")
	if err != nil {
		return nil, err
	}
	empty := []StepRecord{}
	return &Delta{
		Plan:             &text,
		DynamicPlan:      plan,
		Steps:            &empty,
		StepCounter:      intPtr(0),
		CurrentStepIndex: intPtr(0),
	}, nil
}

// planWithFeedback classifies the user's comment and either answers it,
// revises the plan, or cancels the run. Replan resets the step records and
// keeps the run in feedback status so the new plan is approved again.
func (c *Config) planWithFeedback(ctx context.Context, s *State) (any, error) {
	action := c.classifyFeedback(ctx, s.FeedbackComment)
	switch action {
	case "cancel":
		return &Delta{Status: statusPtr(StatusCancelled)}, nil
	case "replan":
		plan, text, err := c.producePlan(ctx, s, s.FeedbackComment)
		if err != nil {
			return nil, err
		}
		empty := []StepRecord{}
		return &Delta{
			Plan:             &text,
			DynamicPlan:      plan,
			Steps:            &empty,
			StepCounter:      intPtr(0),
			CurrentStepIndex: intPtr(0),
			Status:           statusPtr(StatusFeedback),
			FeedbackComment:  strPtr(""),
		}, nil
	default: // answer
		req := &model.Request{Messages: c.withSystem(s.Messages)}
		rsp, err := c.generate(ctx, NodePlanner, req)
		if err != nil {
			return nil, err
		}
		return &Delta{
			Messages:        []model.Message{model.NewAssistantMessage(responseText(rsp))},
			FeedbackComment: strPtr(""),
		}, nil
	}
}

// reviseFromJoiner revises the plan from the joiner's feedback. A replan
// discards the step records; continue keeps them and extends the plan.
func (c *Config) reviseFromJoiner(ctx context.Context, s *State) (any, error) {
	plan, text, err := c.producePlan(ctx, s, s.FeedbackComment)
	if err != nil {
		return nil, err
	}
	delta := &Delta{
		Plan:                &text,
		DynamicPlan:         plan,
		CurrentStepIndex:    intPtr(0),
		Status:              statusPtr(StatusFeedback),
		FeedbackComment:     strPtr(""),
		ClearJoinerDecision: true,
	}
	if s.JoinerDecision == JoinerReplan {
		empty := []StepRecord{}
		delta.Steps = &empty
		delta.StepCounter = intPtr(0)
	}
	return delta, nil
}

// producePlan runs the planner model call and parses the structured plan.
// A parse failure degrades to a minimal single-step fallback plan rather
// than aborting the run.
func (c *Config) producePlan(ctx context.Context, s *State, feedback string) (*Plan, string, error) {
	messages := []model.Message{
		model.NewSystemMessage(fmt.Sprintf(plannerPromptTemplate, c.toolInventory())),
	}
	messages = append(messages, s.Messages...)
	if feedback != "" {
		messages = append(messages, model.NewUserMessage("Revise the plan. Feedback: "+feedback))
	}
	rsp, err := c.generate(ctx, NodePlanner, &model.Request{Messages: messages})
	if err != nil {
		return nil, "", err
	}
	text := responseText(rsp)
	plan, err := ParsePlan(text)
	if err != nil {
		log.Warnf("plan parse failed, using fallback plan: %v", err)
		plan = c.fallbackPlan(s.Query)
	}
	if c.MaxPlanSteps > 0 && len(plan.Steps) > c.MaxPlanSteps {
		plan.Steps = plan.Steps[:c.MaxPlanSteps]
	}
	return plan, text, nil
}

// ParsePlan parses a structured plan out of model output and validates it.
func ParsePlan(content string) (*Plan, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in plan output")
	}
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	plan.sortOptions()
	return &plan, nil
}

// fallbackPlan is the minimal plan used when planning output is unusable:
// one step against the first registered tool.
func (c *Config) fallbackPlan(query string) *Plan {
	names := make([]string, 0, len(c.Tools))
	for name := range c.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Plan{Steps: []PlanStep{{
		Goal:        query,
		ToolOptions: []ToolOption{{Name: names[0], Priority: 1}},
	}}}
}

// classifyFeedback maps a review comment to answer, replan, or cancel.
// Classification failures fall back to answer, the least destructive path.
func (c *Config) classifyFeedback(ctx context.Context, comment string) string {
	req := &model.Request{Messages: []model.Message{
		model.NewUserMessage(fmt.Sprintf(feedbackClassifyPrompt, comment)),
	}}
	rsp, err := c.complete(ctx, req)
	if err != nil {
		log.Warnf("feedback classification failed: %v", err)
		return "answer"
	}
	text := responseText(rsp)
	var verdict struct {
		Action string `json:"action"`
	}
	if raw := extractJSON(text); raw != "" {
		if err := json.Unmarshal([]byte(raw), &verdict); err == nil {
			switch verdict.Action {
			case "answer", "replan", "cancel":
				return verdict.Action
			}
		}
	}
	lowered := strings.ToLower(text)
	switch {
	case strings.Contains(lowered, "replan"):
		return "replan"
	case strings.Contains(lowered, "cancel"):
		return "cancel"
	default:
		return "answer"
	}
}

// planApprovalNode pauses the run until the human reviews the plan. Accept
// enters the execution loop, feedback returns to the planner with the
// comment, cancel ends the run.
func (c *Config) planApprovalNode(ctx context.Context, state graph.State) (any, error) {
	s, err := stateFrom(state)
	if err != nil {
		return nil, err
	}
	prompt := map[string]any{
		"plan":         s.Plan,
		"dynamic_plan": s.DynamicPlan,
	}
	value, err := graph.Interrupt(ctx, NodePlanApproval, InterruptKindPlanApproval, prompt)
	if err != nil {
		return nil, err
	}
	review, err := PlanReviewFrom(value)
	if err != nil {
		return nil, err
	}
	switch review.ReviewAction {
	case ReviewAccept:
		return &Delta{Status: statusPtr(StatusApproved), FeedbackComment: strPtr("")}, nil
	case ReviewFeedback:
		delta := &Delta{
			Status:          statusPtr(StatusFeedback),
			FeedbackComment: &review.HumanComment,
		}
		if review.HumanComment != "" {
			delta.Messages = []model.Message{model.NewUserMessage(review.HumanComment)}
		}
		return delta, nil
	case ReviewCancel:
		return &Delta{Status: statusPtr(StatusCancelled)}, nil
	default:
		return nil, fmt.Errorf("unknown review action %q", review.ReviewAction)
	}
}

// schedulerNode enters the execution loop at the first plan step.
func (c *Config) schedulerNode(ctx context.Context, state graph.State) (any, error) {
	s, err := stateFrom(state)
	if err != nil {
		return nil, err
	}
	if s.DynamicPlan == nil {
		return nil, fmt.Errorf("scheduler requires a plan")
	}
	return &Delta{CurrentStepIndex: intPtr(0)}, nil
}
