//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package dataagent

import (
	"github.com/datapilot-ai/datapilot/graph"
	"github.com/datapilot-ai/datapilot/model"
)

// State is the record threaded through the agent graph. It implements
// graph.State; nodes never mutate it and return a *Delta instead.
//
// Merge rules per field (applied by Apply):
//   - Messages: append-only, deltas add to the tail.
//   - Steps: replace. A node carries prior records forward in its delta.
//   - everything else: overwrite when the delta field is set.
type State struct {
	Messages            []model.Message `json:"messages"`
	Query               string          `json:"query"`
	Plan                string          `json:"plan,omitempty"`
	DynamicPlan         *Plan           `json:"dynamic_plan,omitempty"`
	Steps               []StepRecord    `json:"steps"`
	StepCounter         int             `json:"step_counter"`
	CurrentStepIndex    int             `json:"current_step_index"`
	Status              Status          `json:"status,omitempty"`
	UsePlanning         bool            `json:"use_planning"`
	UseExplainer        bool            `json:"use_explainer"`
	JoinerDecision      JoinerDecision  `json:"joiner_decision,omitempty"`
	ErrorInfo           *ErrorInfo      `json:"error_info,omitempty"`
	RequireToolApproval bool            `json:"require_tool_approval"`
	DataContext         string          `json:"data_context,omitempty"`

	// PendingToolCall is the call emitted by the step executor and consumed
	// by the tool invocation node. Kept out of Messages so an approval edit
	// never rewrites conversation history.
	PendingToolCall *model.ToolCall `json:"pending_tool_call,omitempty"`
	// FeedbackComment carries a human comment or joiner feedback into the
	// planner's next revision.
	FeedbackComment string `json:"feedback_comment,omitempty"`
	// FinalAnswer is the joiner's synthesized answer, emitted by finalize.
	FinalAnswer string `json:"final_answer,omitempty"`
}

// StateOption configures a new State.
type StateOption func(*State)

// WithHistory seeds the state with prior conversation messages.
func WithHistory(messages []model.Message) StateOption {
	return func(s *State) { s.Messages = append(s.Messages, messages...) }
}

// WithPlanning enables the planning flow.
func WithPlanning(enabled bool) StateOption {
	return func(s *State) { s.UsePlanning = enabled }
}

// WithExplainer enables post-hoc step explanation.
func WithExplainer(enabled bool) StateOption {
	return func(s *State) { s.UseExplainer = enabled }
}

// WithToolApproval requires approval before risky tool invocations.
func WithToolApproval(enabled bool) StateOption {
	return func(s *State) { s.RequireToolApproval = enabled }
}

// WithDataContext attaches a data context reference (dataset, dataframe key).
func WithDataContext(ref string) StateOption {
	return func(s *State) { s.DataContext = ref }
}

// NewState creates the state for a fresh turn from the user query.
func NewState(query string, opts ...StateOption) *State {
	s := &State{Query: query}
	for _, opt := range opts {
		opt(s)
	}
	s.Messages = append(s.Messages, model.NewUserMessage(query))
	return s
}

// NextTurn creates the state for a new turn on an existing thread. The
// conversation history and thread-level settings carry forward; per-turn
// fields (plan, steps, status, errors) start clean.
func NextTurn(prior *State, query string, opts ...StateOption) *State {
	s := &State{
		Query:               query,
		Messages:            append([]model.Message(nil), prior.Messages...),
		UsePlanning:         prior.UsePlanning,
		UseExplainer:        prior.UseExplainer,
		RequireToolApproval: prior.RequireToolApproval,
		DataContext:         prior.DataContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Messages = append(s.Messages, model.NewUserMessage(query))
	return s
}

// Clone returns a deep copy of the state.
func (s *State) Clone() graph.State {
	clone := *s
	clone.Messages = make([]model.Message, len(s.Messages))
	copy(clone.Messages, s.Messages)
	clone.Steps = make([]StepRecord, len(s.Steps))
	copy(clone.Steps, s.Steps)
	if s.DynamicPlan != nil {
		plan := Plan{Steps: make([]PlanStep, len(s.DynamicPlan.Steps))}
		copy(plan.Steps, s.DynamicPlan.Steps)
		clone.DynamicPlan = &plan
	}
	if s.ErrorInfo != nil {
		info := *s.ErrorInfo
		clone.ErrorInfo = &info
	}
	if s.PendingToolCall != nil {
		call := *s.PendingToolCall
		clone.PendingToolCall = &call
	}
	return &clone
}

// Apply merges a node delta and returns the resulting state.
func (s *State) Apply(delta graph.Delta) graph.State {
	next := s.Clone().(*State)
	var d *Delta
	switch v := delta.(type) {
	case *Delta:
		d = v
	case Delta:
		d = &v
	default:
		return next
	}
	if d == nil {
		return next
	}
	next.Messages = append(next.Messages, d.Messages...)
	if d.Query != nil {
		next.Query = *d.Query
	}
	if d.Plan != nil {
		next.Plan = *d.Plan
	}
	if d.DynamicPlan != nil {
		next.DynamicPlan = d.DynamicPlan
	}
	if d.Steps != nil {
		next.Steps = append([]StepRecord(nil), (*d.Steps)...)
	}
	if d.StepCounter != nil {
		next.StepCounter = *d.StepCounter
	}
	if d.CurrentStepIndex != nil {
		next.CurrentStepIndex = *d.CurrentStepIndex
	}
	if d.Status != nil {
		next.Status = *d.Status
	}
	if d.UsePlanning != nil {
		next.UsePlanning = *d.UsePlanning
	}
	if d.UseExplainer != nil {
		next.UseExplainer = *d.UseExplainer
	}
	if d.JoinerDecision != nil {
		next.JoinerDecision = *d.JoinerDecision
	}
	if d.ClearJoinerDecision {
		next.JoinerDecision = ""
	}
	if d.ErrorInfo != nil {
		next.ErrorInfo = d.ErrorInfo
	}
	if d.ClearErrorInfo {
		next.ErrorInfo = nil
	}
	if d.RequireToolApproval != nil {
		next.RequireToolApproval = *d.RequireToolApproval
	}
	if d.DataContext != nil {
		next.DataContext = *d.DataContext
	}
	if d.PendingToolCall != nil {
		next.PendingToolCall = d.PendingToolCall
	}
	if d.ClearPendingToolCall {
		next.PendingToolCall = nil
	}
	if d.FeedbackComment != nil {
		next.FeedbackComment = *d.FeedbackComment
	}
	if d.FinalAnswer != nil {
		next.FinalAnswer = *d.FinalAnswer
	}
	return next
}

// Delta is a node-produced state update. Nil fields leave the state
// untouched; Steps is a pointer to a slice so a node can reset the record
// list to empty (a nil Steps means "unchanged", an empty one means
// "cleared").
type Delta struct {
	Messages             []model.Message `json:"messages,omitempty"`
	Query                *string         `json:"query,omitempty"`
	Plan                 *string         `json:"plan,omitempty"`
	DynamicPlan          *Plan           `json:"dynamic_plan,omitempty"`
	Steps                *[]StepRecord   `json:"steps,omitempty"`
	StepCounter          *int            `json:"step_counter,omitempty"`
	CurrentStepIndex     *int            `json:"current_step_index,omitempty"`
	Status               *Status         `json:"status,omitempty"`
	UsePlanning          *bool           `json:"use_planning,omitempty"`
	UseExplainer         *bool           `json:"use_explainer,omitempty"`
	JoinerDecision       *JoinerDecision `json:"joiner_decision,omitempty"`
	ClearJoinerDecision  bool            `json:"clear_joiner_decision,omitempty"`
	ErrorInfo            *ErrorInfo      `json:"error_info,omitempty"`
	ClearErrorInfo       bool            `json:"clear_error_info,omitempty"`
	RequireToolApproval  *bool           `json:"require_tool_approval,omitempty"`
	DataContext          *string         `json:"data_context,omitempty"`
	PendingToolCall      *model.ToolCall `json:"pending_tool_call,omitempty"`
	ClearPendingToolCall bool            `json:"clear_pending_tool_call,omitempty"`
	FeedbackComment      *string         `json:"feedback_comment,omitempty"`
	FinalAnswer          *string         `json:"final_answer,omitempty"`
}

func statusPtr(s Status) *Status { return &s }

func intPtr(i int) *int { return &i }

func strPtr(s string) *string { return &s }

func decisionPtr(d JoinerDecision) *JoinerDecision { return &d }
