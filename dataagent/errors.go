//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package dataagent

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/datapilot-ai/datapilot/model"
	"github.com/datapilot-ai/datapilot/tool"
)

// IsErrorOutput reports whether a tool output signals an error: the payload
// parses as a JSON object with an "error" key, starts with "Error:",
// contains "ERROR:", or contains the substring "error" case-insensitively.
// The substring check is deliberately permissive and can false-positive on
// legitimate data containing the word.
func IsErrorOutput(output string) bool {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return false
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
		if _, ok := payload["error"]; ok {
			return true
		}
	}
	if strings.HasPrefix(trimmed, "Error:") {
		return true
	}
	if strings.Contains(trimmed, "ERROR:") {
		return true
	}
	return strings.Contains(strings.ToLower(trimmed), "error")
}

// IsErrorToolMessage reports whether a tool message carries an error,
// checking the explicit error flag before the content heuristics.
func IsErrorToolMessage(msg *model.Message) bool {
	if msg == nil || msg.Role != model.RoleTool {
		return false
	}
	if msg.IsError {
		return true
	}
	return IsErrorOutput(msg.Content)
}

// LastToolMessage returns the most recent tool message, or nil.
func LastToolMessage(messages []model.Message) *model.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleTool {
			return &messages[i]
		}
	}
	return nil
}

// ExtractErrorInfo builds an ErrorInfo from an error-carrying tool message.
func ExtractErrorInfo(msg *model.Message) *ErrorInfo {
	if msg == nil {
		return nil
	}
	return &ErrorInfo{
		ErrorMessage: msg.Content,
		ErrorType:    "ToolExecutionError",
		ToolName:     msg.ToolName,
	}
}

// errorInfoFromCall builds an ErrorInfo for a failed tool call. Typed tool
// errors keep their type; anything else is classified ToolExecutionError.
func errorInfoFromCall(call *model.ToolCall, err error) *ErrorInfo {
	info := &ErrorInfo{
		ErrorMessage: err.Error(),
		ErrorType:    "ToolExecutionError",
		ToolName:     call.Function.Name,
		ToolInput:    string(call.Function.Arguments),
	}
	var toolErr *tool.Error
	if errors.As(err, &toolErr) {
		info.ErrorType = toolErr.Type
		info.ErrorMessage = toolErr.Message
	}
	return info
}

// errorInfoFromOutput builds an ErrorInfo for an error-sentinel output,
// the same shape as a raised error produces.
func errorInfoFromOutput(call *model.ToolCall, output string) *ErrorInfo {
	return &ErrorInfo{
		ErrorMessage: output,
		ErrorType:    "ToolExecutionError",
		ToolName:     call.Function.Name,
		ToolInput:    string(call.Function.Arguments),
	}
}
