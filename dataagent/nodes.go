//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package dataagent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/datapilot-ai/datapilot/event"
	"github.com/datapilot-ai/datapilot/graph"
	"github.com/datapilot-ai/datapilot/model"
	"github.com/datapilot-ai/datapilot/tool"
)

// Config wires the agent graph to its model and tools.
type Config struct {
	// Model handles all LLM calls.
	Model model.Model
	// Tools is the tool registry, keyed by name.
	Tools map[string]tool.CallableTool
	// RiskyTools lists tool names that require approval before invocation
	// when the state asks for tool approval.
	RiskyTools []string
	// SystemPrompt is prepended to every model call when set.
	SystemPrompt string
	// MaxPlanSteps caps the parsed plan length. Zero means no cap.
	MaxPlanSteps int
}

func (c *Config) validate() error {
	if c.Model == nil {
		return errors.New("dataagent: model is required")
	}
	if len(c.Tools) == 0 {
		return errors.New("dataagent: at least one tool is required")
	}
	return nil
}

func (c *Config) isRisky(name string) bool {
	for _, risky := range c.RiskyTools {
		if risky == name {
			return true
		}
	}
	return false
}

// assistantNode handles a fresh turn: planning flows go to the planner,
// everything else is answered directly without tool use.
func (c *Config) assistantNode(ctx context.Context, state graph.State) (any, error) {
	s, err := stateFrom(state)
	if err != nil {
		return nil, err
	}
	if s.UsePlanning {
		return nil, nil
	}
	req := &model.Request{Messages: c.withSystem(s.Messages)}
	rsp, err := c.generate(ctx, NodeAssistant, req)
	if err != nil {
		return nil, err
	}
	answer := responseText(rsp)
	return &Delta{Messages: []model.Message{model.NewAssistantMessage(answer)}}, nil
}

// generate runs one streaming model call, forwarding every chunk to the
// trace with the node as author, and returns the final aggregated response.
func (c *Config) generate(ctx context.Context, author string, req *model.Request) (*model.Response, error) {
	req.Stream = true
	return c.drain(ctx, author, req)
}

// complete runs one non-streaming model call without emitting trace chunks.
// Used for internal classification calls that never reach the client.
func (c *Config) complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	req.Stream = false
	return c.drain(ctx, "", req)
}

func (c *Config) drain(ctx context.Context, author string, req *model.Request) (*model.Response, error) {
	ch, err := c.Model.GenerateContent(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	var final *model.Response
	for rsp := range ch {
		if rsp.Error != nil {
			return nil, fmt.Errorf("model call: %s: %s", rsp.Error.Type, rsp.Error.Message)
		}
		if author != "" {
			graph.Emit(ctx, event.NewResponse(graph.InvocationIDFrom(ctx), author, rsp))
		}
		if !rsp.IsPartial {
			final = rsp
		}
	}
	if final == nil {
		return nil, errors.New("model stream ended without a final response")
	}
	return final, nil
}

func (c *Config) withSystem(messages []model.Message) []model.Message {
	if c.SystemPrompt == "" {
		return messages
	}
	result := make([]model.Message, 0, len(messages)+1)
	result = append(result, model.NewSystemMessage(c.SystemPrompt))
	return append(result, messages...)
}

// toolInventory renders the registered tools for planner prompts.
func (c *Config) toolInventory() string {
	var b strings.Builder
	for name, t := range c.Tools {
		description := ""
		if decl := t.Declaration(); decl != nil {
			description = decl.Description
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, description)
	}
	return b.String()
}

func stateFrom(state graph.State) (*State, error) {
	s, ok := state.(*State)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", state)
	}
	return s, nil
}

func responseText(rsp *model.Response) string {
	if rsp == nil || len(rsp.Choices) == 0 {
		return ""
	}
	return rsp.Choices[0].Message.Content
}

// extractJSON pulls a JSON object out of model output, tolerating markdown
// fences and surrounding prose.
func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[idx+3:]
		trimmed = strings.TrimPrefix(trimmed, "json")
		if end := strings.Index(trimmed, "```"); end >= 0 {
			trimmed = trimmed[:end]
		}
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return ""
	}
	return trimmed[start : end+1]
}
