//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package projector

// Wire event names. Each projector output maps to one SSE event.
const (
	WireContentBlock = "content_block"
	WireStatus       = "status"
	WireCompleted    = "completed"
)

// Action is the incremental operation a content_block event applies.
type Action string

// Content block actions.
const (
	ActionAddBlock         Action = "add_block"
	ActionAppendText       Action = "append_text"
	ActionStartToolCall    Action = "start_tool_call"
	ActionStreamArgs       Action = "stream_args"
	ActionUpdateToolResult Action = "update_tool_result"
	ActionUpdateToolError  Action = "update_tool_error"
)

// Run statuses reported on status events.
const (
	StatusUserFeedback = "user_feedback"
	StatusFinished     = "finished"
	StatusError        = "error"
	StatusCancelled    = "cancelled"
)

// WireEvent is one SSE-shaped event: the event name plus a JSON payload.
type WireEvent struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// ContentBlockPayload is the payload of a content_block event.
type ContentBlockPayload struct {
	BlockType     BlockType `json:"block_type"`
	BlockID       string    `json:"block_id"`
	Action        Action    `json:"action"`
	Text          string    `json:"text,omitempty"`
	ToolCallID    string    `json:"tool_call_id,omitempty"`
	ToolName      string    `json:"tool_name,omitempty"`
	Args          string    `json:"args,omitempty"`
	Result        string    `json:"result,omitempty"`
	IsError       bool      `json:"is_error,omitempty"`
	NeedsApproval bool      `json:"needs_approval,omitempty"`
}

// StatusPayload is the payload of a status event. Interrupt carries the
// pending interrupt details when the run paused for human input.
type StatusPayload struct {
	Status    string `json:"status"`
	Interrupt any    `json:"__interrupt__,omitempty"`
}

// CompletedPayload is the payload of the final completed event.
type CompletedPayload struct {
	Success bool          `json:"success"`
	Data    CompletedData `json:"data"`
}

// CompletedData summarizes the finished run.
type CompletedData struct {
	ThreadID     string `json:"thread_id"`
	CheckpointID string `json:"checkpoint_id"`
	RunStatus    string `json:"run_status"`
	Steps        any    `json:"steps,omitempty"`
}

func contentBlockEvent(payload ContentBlockPayload) *WireEvent {
	return &WireEvent{Name: WireContentBlock, Data: payload}
}

// NewStatusEvent builds a status wire event.
func NewStatusEvent(status string, interrupt any) *WireEvent {
	return &WireEvent{Name: WireStatus, Data: StatusPayload{Status: status, Interrupt: interrupt}}
}

// NewCompletedEvent builds the final completed wire event.
func NewCompletedEvent(success bool, data CompletedData) *WireEvent {
	return &WireEvent{Name: WireCompleted, Data: CompletedPayload{Success: success, Data: data}}
}
