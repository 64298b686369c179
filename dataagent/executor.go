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

	"github.com/datapilot-ai/datapilot/event"
	"github.com/datapilot-ai/datapilot/graph"
	"github.com/datapilot-ai/datapilot/log"
	"github.com/datapilot-ai/datapilot/model"
	"github.com/datapilot-ai/datapilot/tool"
)

const stepPromptTemplate = `Current plan step: %s

Use the %s tool to accomplish this step. If the step needs no tool call,
answer directly instead.`

// stepExecutorNode executes one plan step: it binds exactly one tool, the
// step's top-priority option, and asks the model to use it. A tool call
// goes to the invocation node (through approval when required); no tool
// call means the step was skipped.
func (c *Config) stepExecutorNode(ctx context.Context, state graph.State) (any, error) {
	s, err := stateFrom(state)
	if err != nil {
		return nil, err
	}
	if s.DynamicPlan == nil || s.CurrentStepIndex >= len(s.DynamicPlan.Steps) {
		return nil, nil
	}
	step := s.DynamicPlan.Steps[s.CurrentStepIndex]
	option, err := step.TopOption()
	if err != nil {
		return nil, err
	}
	bound, ok := c.Tools[option.Name]
	if !ok {
		return nil, fmt.Errorf("tool %q is not registered", option.Name)
	}

	messages := c.withSystem(s.Messages)
	messages = append(messages, model.NewUserMessage(
		fmt.Sprintf(stepPromptTemplate, step.Goal, option.Name)))
	req := &model.Request{
		Messages: messages,
		Tools:    map[string]tool.Tool{option.Name: bound},
	}
	rsp, err := c.generate(ctx, NodeStepExecutor, req)
	if err != nil {
		return nil, err
	}
	msg := rsp.Choices[0].Message

	counter := s.StepCounter + 1
	nextIndex := s.CurrentStepIndex + 1
	if len(msg.ToolCalls) == 0 {
		steps := append(copySteps(s.Steps), StepRecord{
			ID:        counter,
			ToolName:  option.Name,
			Decision:  DecisionSkip,
			Reasoning: msg.Content,
		})
		return &Delta{
			Messages:         []model.Message{msg},
			Steps:            &steps,
			StepCounter:      &counter,
			CurrentStepIndex: &nextIndex,
		}, nil
	}

	call := msg.ToolCalls[0]
	steps := append(copySteps(s.Steps), StepRecord{
		ID:        counter,
		ToolName:  call.Function.Name,
		Input:     string(call.Function.Arguments),
		Decision:  DecisionInvoke,
		Reasoning: msg.Content,
	})
	return &Delta{
		Messages:         []model.Message{msg},
		Steps:            &steps,
		StepCounter:      &counter,
		CurrentStepIndex: &nextIndex,
		PendingToolCall:  &call,
	}, nil
}

// toolApprovalNode pauses before a risky tool invocation. Accept executes
// the call as emitted, edit replaces its arguments first, ignore rejects
// the call and returns to the executor loop.
func (c *Config) toolApprovalNode(ctx context.Context, state graph.State) (any, error) {
	s, err := stateFrom(state)
	if err != nil {
		return nil, err
	}
	call := s.PendingToolCall
	if call == nil {
		return nil, fmt.Errorf("tool approval without a pending call")
	}
	prompt := map[string]any{
		"tool_name": call.Function.Name,
		"tool_args": json.RawMessage(call.Function.Arguments),
	}
	value, err := graph.Interrupt(ctx, NodeToolApproval, InterruptKindToolApproval, prompt)
	if err != nil {
		return nil, err
	}
	review, err := ToolReviewFrom(value)
	if err != nil {
		return nil, err
	}
	switch review.Type {
	case ToolReviewAccept:
		return &Delta{Status: statusPtr(StatusApproved)}, nil
	case ToolReviewEdit:
		edited := *call
		edited.Function.Arguments = []byte(review.Args)
		return &Delta{Status: statusPtr(StatusApproved), PendingToolCall: &edited}, nil
	case ToolReviewIgnore:
		steps := markLastStep(s.Steps, DecisionRejected, "")
		return &Delta{
			Status:               statusPtr(StatusRejected),
			Steps:                &steps,
			ClearPendingToolCall: true,
		}, nil
	default:
		return nil, fmt.Errorf("unknown tool review type %q", review.Type)
	}
}

// toolInvocationNode executes the pending tool call. Raised errors and
// error-sentinel outputs produce the same ErrorInfo shape and route to the
// error explainer; the run itself never crashes on a tool failure.
func (c *Config) toolInvocationNode(ctx context.Context, state graph.State) (any, error) {
	s, err := stateFrom(state)
	if err != nil {
		return nil, err
	}
	call := s.PendingToolCall
	if call == nil {
		return nil, fmt.Errorf("tool invocation without a pending call")
	}
	name := call.Function.Name
	bound, ok := c.Tools[name]
	if !ok {
		info := errorInfoFromOutput(call, fmt.Sprintf("tool %q is not registered", name))
		return c.toolFailureDelta(ctx, s, call, info), nil
	}

	output, err := bound.Call(ctx, call.Function.Arguments)
	if err != nil {
		log.Warnf("tool %s failed: %v", name, err)
		return c.toolFailureDelta(ctx, s, call, errorInfoFromCall(call, err)), nil
	}
	rendered := renderOutput(output)
	if IsErrorOutput(rendered) {
		return c.toolFailureDelta(ctx, s, call, errorInfoFromOutput(call, rendered)), nil
	}

	msg := model.NewToolMessage(call.ID, name, rendered)
	c.emitToolResult(ctx, msg)
	steps := setLastStepOutput(s.Steps, rendered)
	return &Delta{
		Messages:             []model.Message{msg},
		Steps:                &steps,
		ClearPendingToolCall: true,
	}, nil
}

// toolFailureDelta appends an error tool message, marks the step record,
// and stores the ErrorInfo the error explainer consumes.
func (c *Config) toolFailureDelta(ctx context.Context, s *State, call *model.ToolCall, info *ErrorInfo) *Delta {
	msg := model.NewToolErrorMessage(call.ID, call.Function.Name, info.ErrorMessage)
	c.emitToolResult(ctx, msg)
	steps := markLastStep(s.Steps, DecisionError, info.ErrorMessage)
	return &Delta{
		Messages:             []model.Message{msg},
		Steps:                &steps,
		ErrorInfo:            info,
		ClearPendingToolCall: true,
	}
}

// emitToolResult surfaces a tool response on the trace so the projector can
// finalize the matching tool-call block.
func (c *Config) emitToolResult(ctx context.Context, msg model.Message) {
	rsp := &model.Response{
		Object:  model.ObjectTypeToolResponse,
		Done:    true,
		Choices: []model.Choice{{Message: msg}},
	}
	graph.Emit(ctx, event.NewResponse(graph.InvocationIDFrom(ctx), NodeToolInvocation, rsp))
}

const explainerPromptTemplate = `Explain the step that was just executed for the user.

Step goal: %s
Tool: %s
Input: %s
Output: %s

Respond with a JSON object only:
{"justification": "...", "confidence": 0.0, "evidence": "..."}`

// explainerNode enriches the most recent step record with justification
// and evidence. It never re-executes tools and is a no-op when the state
// disables explanation. Malformed explanation output is logged and dropped.
func (c *Config) explainerNode(ctx context.Context, state graph.State) (any, error) {
	s, err := stateFrom(state)
	if err != nil {
		return nil, err
	}
	if !s.UseExplainer || len(s.Steps) == 0 {
		return nil, nil
	}
	last := s.Steps[len(s.Steps)-1]
	goal := ""
	if s.DynamicPlan != nil && s.CurrentStepIndex-1 >= 0 && s.CurrentStepIndex-1 < len(s.DynamicPlan.Steps) {
		goal = s.DynamicPlan.Steps[s.CurrentStepIndex-1].Goal
	}
	req := &model.Request{Messages: []model.Message{model.NewUserMessage(
		fmt.Sprintf(explainerPromptTemplate, goal, last.ToolName, last.Input, last.Output))}}
	rsp, err := c.generate(ctx, NodeExplainer, req)
	if err != nil {
		return nil, err
	}
	var explanation struct {
		Justification string  `json:"justification"`
		Confidence    float64 `json:"confidence"`
		Evidence      string  `json:"evidence"`
	}
	raw := extractJSON(responseText(rsp))
	if raw == "" {
		log.Warnf("explainer produced no JSON, dropping explanation")
		return nil, nil
	}
	if err := json.Unmarshal([]byte(raw), &explanation); err != nil {
		log.Warnf("explainer output malformed, dropping explanation: %v", err)
		return nil, nil
	}
	steps := copySteps(s.Steps)
	record := &steps[len(steps)-1]
	if explanation.Justification != "" {
		record.Reasoning = explanation.Justification
	}
	record.Confidence = explanation.Confidence
	record.Evidence = explanation.Evidence
	return &Delta{Steps: &steps}, nil
}

func copySteps(steps []StepRecord) []StepRecord {
	return append([]StepRecord(nil), steps...)
}

func markLastStep(steps []StepRecord, decision, output string) []StepRecord {
	out := copySteps(steps)
	if len(out) == 0 {
		return out
	}
	last := &out[len(out)-1]
	last.Decision = decision
	if output != "" {
		last.Output = output
	}
	return out
}

func setLastStepOutput(steps []StepRecord, output string) []StepRecord {
	out := copySteps(steps)
	if len(out) > 0 {
		out[len(out)-1].Output = output
	}
	return out
}

func renderOutput(output any) string {
	switch v := output.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
