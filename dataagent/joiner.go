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
	"strings"

	"github.com/datapilot-ai/datapilot/event"
	"github.com/datapilot-ai/datapilot/graph"
	"github.com/datapilot-ai/datapilot/log"
	"github.com/datapilot-ai/datapilot/model"
)

const joinerPromptTemplate = `All plan steps have been executed. Review the step outcomes
and decide how to proceed.

User question: %s

Step outcomes:
%s
Respond with a JSON object only:
{"decision": "finish|continue|replan", "reasoning": "...", "feedback": "...", "final_answer": "..."}

Use "finish" with a final_answer when the question is answered, "continue"
with feedback when more steps are needed on top of the current results, and
"replan" with feedback when the approach itself was wrong.`

// joinerNode synthesizes a reasoning chain over the executed steps and
// decides whether the plan is complete. Unparseable output degrades to
// finish with the raw synthesis as the answer.
func (c *Config) joinerNode(ctx context.Context, state graph.State) (any, error) {
	s, err := stateFrom(state)
	if err != nil {
		return nil, err
	}
	req := &model.Request{Messages: []model.Message{model.NewUserMessage(
		fmt.Sprintf(joinerPromptTemplate, s.Query, renderSteps(s.Steps)))}}
	rsp, err := c.generate(ctx, NodeJoiner, req)
	if err != nil {
		return nil, err
	}
	text := responseText(rsp)

	var verdict struct {
		Decision    string `json:"decision"`
		Reasoning   string `json:"reasoning"`
		Feedback    string `json:"feedback"`
		FinalAnswer string `json:"final_answer"`
	}
	raw := extractJSON(text)
	if raw == "" || json.Unmarshal([]byte(raw), &verdict) != nil {
		log.Warnf("joiner output unparseable, finishing with raw synthesis")
		return &Delta{
			JoinerDecision: decisionPtr(JoinerFinish),
			FinalAnswer:    &text,
		}, nil
	}

	switch JoinerDecision(verdict.Decision) {
	case JoinerContinue, JoinerReplan:
		decision := JoinerDecision(verdict.Decision)
		feedback := verdict.Feedback
		if feedback == "" {
			feedback = verdict.Reasoning
		}
		return &Delta{
			JoinerDecision:  &decision,
			FeedbackComment: &feedback,
		}, nil
	default:
		answer := verdict.FinalAnswer
		if answer == "" {
			answer = verdict.Reasoning
		}
		if answer == "" {
			answer = text
		}
		return &Delta{
			JoinerDecision: decisionPtr(JoinerFinish),
			FinalAnswer:    &answer,
		}, nil
	}
}

// finalizeNode emits the final answer as the turn's closing text and
// appends it to the conversation.
func (c *Config) finalizeNode(ctx context.Context, state graph.State) (any, error) {
	s, err := stateFrom(state)
	if err != nil {
		return nil, err
	}
	answer := s.FinalAnswer
	if answer == "" {
		answer = "The requested steps were completed."
	}
	emitText(ctx, NodeFinalize, answer)
	return &Delta{
		Messages:            []model.Message{model.NewAssistantMessage(answer)},
		ClearJoinerDecision: true,
	}, nil
}

const errorExplainerPromptTemplate = `A tool failed while answering the user's question. Produce a
short explanation for the user.

Tool: %s
Error type: %s
Error message: %s
Tool input: %s

Respond with a JSON object only:
{"what_happened": "...", "why": "...", "suggested_alternatives": "...", "user_action": "..."}`

// errorExplainerNode turns a tool failure into a structured, user-facing
// explanation and ends the run. The user never sees a raw error or stack
// trace; if the explanation call itself fails, a canned explanation built
// from the ErrorInfo is used instead.
func (c *Config) errorExplainerNode(ctx context.Context, state graph.State) (any, error) {
	s, err := stateFrom(state)
	if err != nil {
		return nil, err
	}
	info := s.ErrorInfo
	if info == nil {
		info = ExtractErrorInfo(LastToolMessage(s.Messages))
	}
	if info == nil {
		info = &ErrorInfo{ErrorMessage: "unknown failure", ErrorType: "ToolExecutionError"}
	}

	explanation := c.explainError(ctx, info)
	return &Delta{
		Messages:       []model.Message{model.NewAssistantMessage(explanation)},
		ClearErrorInfo: true,
	}, nil
}

func (c *Config) explainError(ctx context.Context, info *ErrorInfo) string {
	req := &model.Request{Messages: []model.Message{model.NewUserMessage(fmt.Sprintf(
		errorExplainerPromptTemplate,
		info.ToolName, info.ErrorType, info.ErrorMessage, info.ToolInput))}}
	rsp, err := c.generate(ctx, NodeErrorExplainer, req)
	if err != nil {
		log.Warnf("error explanation call failed, using fallback: %v", err)
		return fallbackExplanation(info)
	}
	text := responseText(rsp)
	if strings.TrimSpace(text) == "" {
		return fallbackExplanation(info)
	}
	return text
}

func fallbackExplanation(info *ErrorInfo) string {
	raw, err := json.Marshal(map[string]string{
		"what_happened":          fmt.Sprintf("The %s tool failed.", info.ToolName),
		"why":                    info.ErrorMessage,
		"suggested_alternatives": "Rephrase the question or adjust the plan.",
		"user_action":            "Review the error and try again.",
	})
	if err != nil {
		return info.ErrorMessage
	}
	return string(raw)
}

func renderSteps(steps []StepRecord) string {
	if len(steps) == 0 {
		return "(no steps executed)\n"
	}
	var b strings.Builder
	for _, step := range steps {
		fmt.Fprintf(&b, "- step %d [%s] tool=%s input=%s output=%s\n",
			step.ID, step.Decision, step.ToolName, step.Input, truncate(step.Output, 500))
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// emitText surfaces a text chunk on the trace with the node as author.
func emitText(ctx context.Context, author, text string) {
	rsp := &model.Response{
		Object:    model.ObjectTypeChatCompletionChunk,
		IsPartial: true,
		Choices: []model.Choice{{
			Delta: model.Message{Role: model.RoleAssistant, Content: text},
		}},
	}
	graph.Emit(ctx, event.NewResponse(graph.InvocationIDFrom(ctx), author, rsp))
}
