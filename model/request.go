//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package model

import "github.com/datapilot-ai/datapilot/tool"

// Role represents the role of a message author.
type Role string

// Role constants for message authors.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Message represents a single message in a conversation.
// Conversation history is append-only; messages are never reordered or
// deleted within a thread.
type Message struct {
	Role      Role       `json:"role"`                  // The role of the message author.
	Content   string     `json:"content"`               // The message content.
	ToolID    string     `json:"tool_id,omitempty"`     // Set on tool responses; matches the originating call ID.
	ToolName  string     `json:"tool_name,omitempty"`   // Set on tool responses.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`  // Tool calls emitted by the assistant.
	IsError   bool       `json:"is_error,omitempty"`    // Explicit error flag on tool responses.
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolMessage creates a new tool response message bound to a call ID.
func NewToolMessage(toolID, toolName, content string) Message {
	return Message{Role: RoleTool, ToolID: toolID, ToolName: toolName, Content: content}
}

// NewToolErrorMessage creates a tool response message flagged as an error.
func NewToolErrorMessage(toolID, toolName, content string) Message {
	return Message{Role: RoleTool, ToolID: toolID, ToolName: toolName, Content: content, IsError: true}
}

// GenerationConfig contains configuration for text generation.
type GenerationConfig struct {
	// MaxTokens is the maximum number of tokens to generate.
	MaxTokens *int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 to 2.0).
	Temperature *float64 `json:"temperature,omitempty"`

	// TopP controls nucleus sampling (0.0 to 1.0).
	TopP *float64 `json:"top_p,omitempty"`

	// Stream indicates whether to stream the response.
	Stream bool `json:"stream"`

	// Stop sequences where the API will stop generating further tokens.
	Stop []string `json:"stop,omitempty"`
}

// Request is the request to the model.
type Request struct {
	// Messages is the conversation history.
	Messages []Message `json:"messages"`

	// GenerationConfig contains the generation parameters.
	GenerationConfig `json:",inline"`

	// Tools are not serialized; they are translated per backend.
	Tools map[string]tool.Tool `json:"-"`
}

// ToolCall represents a call to a tool in the model response.
type ToolCall struct {
	// Type of the tool. Currently only "function" is supported.
	Type string `json:"type"`
	// Function holds the call target and arguments.
	Function FunctionDefinitionParam `json:"function,omitempty"`
	// ID is the tool call identifier returned by the model.
	ID string `json:"id,omitempty"`
	// Index is the index of the tool call in streaming responses.
	Index *int `json:"index,omitempty"`
}

// FunctionDefinitionParam identifies the function being called and carries
// its JSON-encoded arguments.
type FunctionDefinitionParam struct {
	// Name of the function to be called.
	Name string `json:"name"`
	// Description of what the function does.
	Description string `json:"description,omitempty"`
	// Arguments to pass to the function, JSON-encoded. During streaming the
	// field accumulates argument fragments.
	Arguments []byte `json:"arguments,omitempty"`
}
