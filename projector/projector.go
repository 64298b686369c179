//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package projector

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/datapilot-ai/datapilot/event"
	"github.com/datapilot-ai/datapilot/graph"
	"github.com/datapilot-ai/datapilot/log"
	"github.com/datapilot-ai/datapilot/model"
)

// Interrupt kinds the projector computes approval flags from. They match
// the kinds the agent graph stores on its interrupt checkpoints.
const (
	KindPlanApproval = "plan_approval"
	KindToolApproval = "tool_approval"
)

// Projector consumes the execution trace of one run and maintains the
// ordered content block list for the assistant message being produced.
//
// Events are re-serialized by sequence number before handling, so a
// transport that reorders chunks cannot reorder blocks. Handler dispatch
// follows a fixed priority: tool calls, then explanation chunks, then
// reasoning chunks, then plan chunks, then plain text.
type Projector struct {
	threadID  string
	messageID string
	store     BlockStore

	planAuthors        map[string]bool
	explanationAuthors map[string]bool
	reasoningAuthors   map[string]bool

	blocks    []*ContentBlock
	seq       int
	open      *openText
	openTool  *toolState
	toolsByID map[string]*toolState

	pendingApproval bool

	nextEventSeq int64
	buffered     map[int64]*event.Event
}

type openText struct {
	block  *ContentBlock
	author string
	text   strings.Builder
}

type toolState struct {
	block *ContentBlock
	args  strings.Builder
}

func (ts *toolState) sync() {
	ts.block.Data[dataArgs] = ts.args.String()
}

// Option configures a Projector.
type Option func(*Projector)

// WithPlanAuthors marks authors whose chunks project into plan blocks.
func WithPlanAuthors(authors ...string) Option {
	return func(p *Projector) {
		for _, a := range authors {
			p.planAuthors[a] = true
		}
	}
}

// WithExplanationAuthors marks authors whose chunks project into
// explanation blocks.
func WithExplanationAuthors(authors ...string) Option {
	return func(p *Projector) {
		for _, a := range authors {
			p.explanationAuthors[a] = true
		}
	}
}

// WithReasoningAuthors marks authors whose chunks project into reasoning
// chain blocks.
func WithReasoningAuthors(authors ...string) Option {
	return func(p *Projector) {
		for _, a := range authors {
			p.reasoningAuthors[a] = true
		}
	}
}

// New creates a projector for one assistant message.
func New(threadID, messageID string, store BlockStore, opts ...Option) *Projector {
	p := &Projector{
		threadID:           threadID,
		messageID:          messageID,
		store:              store,
		planAuthors:        make(map[string]bool),
		explanationAuthors: make(map[string]bool),
		reasoningAuthors:   make(map[string]bool),
		toolsByID:          make(map[string]*toolState),
		nextEventSeq:       1,
		buffered:           make(map[int64]*event.Event),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resume rebuilds a projector from the blocks persisted at the last pause.
// Completed and non-tool blocks are restored verbatim; pending tool blocks
// are re-seeded into the open tool state so streaming continues as if the
// run was never interrupted.
func Resume(ctx context.Context, threadID, messageID string, store BlockStore, opts ...Option) (*Projector, error) {
	p := New(threadID, messageID, store, opts...)
	completed, pending, other, err := store.LoadBlocks(ctx, threadID, messageID)
	if err != nil {
		return nil, err
	}
	all := make([]*ContentBlock, 0, len(completed)+len(pending)+len(other))
	all = append(all, completed...)
	all = append(all, other...)
	all = append(all, pending...)
	sort.SliceStable(all, func(i, j int) bool {
		return blockSeq(all[i].ID) < blockSeq(all[j].ID)
	})
	p.blocks = all
	for _, block := range all {
		if n := blockSeq(block.ID); n > p.seq {
			p.seq = n
		}
	}
	for _, block := range pending {
		if block.Type != BlockToolCalls {
			continue
		}
		ts := &toolState{block: block}
		if args, ok := block.Data[dataArgs].(string); ok {
			ts.args.WriteString(args)
		}
		if id, ok := block.Data[dataToolCallID].(string); ok && id != "" {
			p.toolsByID[id] = ts
		}
	}
	if len(pending) > 0 {
		p.pendingApproval = true
	}
	return p, nil
}

// Blocks returns the current block list in stream order.
func (p *Projector) Blocks() []*ContentBlock {
	p.syncOpen()
	return append([]*ContentBlock(nil), p.blocks...)
}

// Persist saves the current block list. Called at exactly two points of a
// run: when it pauses at an interrupt and when it completes.
func (p *Projector) Persist(ctx context.Context, checkpointID string) error {
	if p.store == nil {
		return nil
	}
	p.syncOpen()
	return p.store.SaveBlocks(ctx, p.threadID, p.messageID, p.blocks, checkpointID, p.pendingApproval)
}

// Process consumes one trace event and returns the wire events it projects
// to. Out-of-order events are buffered until the sequence gap closes.
func (p *Projector) Process(ctx context.Context, e *event.Event) []*WireEvent {
	if e == nil {
		return nil
	}
	if e.Sequence != p.nextEventSeq {
		if e.Sequence > p.nextEventSeq {
			p.buffered[e.Sequence] = e
		}
		return nil
	}
	var out []*WireEvent
	out = append(out, p.handle(e)...)
	p.nextEventSeq++
	for {
		next, ok := p.buffered[p.nextEventSeq]
		if !ok {
			break
		}
		delete(p.buffered, p.nextEventSeq)
		out = append(out, p.handle(next)...)
		p.nextEventSeq++
	}
	return out
}

func (p *Projector) handle(e *event.Event) []*WireEvent {
	if e.Response == nil {
		return nil
	}
	switch {
	case e.Object == graph.ObjectTypeGraphInterrupted:
		return p.handleInterrupt(e)
	case e.Object == graph.ObjectTypeGraphCompleted:
		return p.handleCompleted()
	case e.Object == model.ObjectTypeError:
		return p.handleErrorEvent(e)
	case e.Object == model.ObjectTypeToolResponse || e.IsToolResultResponse():
		return p.handleToolResult(e)
	case e.IsToolCallResponse():
		return p.handleToolCall(e)
	default:
		return p.handleText(e)
	}
}

// handleToolCall covers the start and stream_args phases: a delta carrying
// a fresh id and name opens a block, bare argument fragments extend it.
// The final aggregated response pins the assembled arguments without
// emitting further wire events.
func (p *Projector) handleToolCall(e *event.Event) []*WireEvent {
	if len(e.Choices) == 0 {
		return nil
	}
	var out []*WireEvent
	choice := e.Choices[0]
	if e.IsPartial {
		for _, tc := range choice.Delta.ToolCalls {
			fragment := string(tc.Function.Arguments)
			if tc.ID != "" && tc.Function.Name != "" {
				out = append(out, p.startToolCall(tc.ID, tc.Function.Name, fragment)...)
				continue
			}
			if p.openTool == nil {
				continue
			}
			p.openTool.args.WriteString(fragment)
			p.openTool.sync()
			out = append(out, contentBlockEvent(ContentBlockPayload{
				BlockType: BlockToolCalls,
				BlockID:   p.openTool.block.ID,
				Action:    ActionStreamArgs,
				Args:      fragment,
			}))
		}
		return out
	}
	for _, tc := range choice.Message.ToolCalls {
		if ts, ok := p.toolsByID[tc.ID]; ok {
			ts.args.Reset()
			ts.args.Write(tc.Function.Arguments)
			ts.sync()
			continue
		}
		out = append(out, p.startToolCall(tc.ID, tc.Function.Name, string(tc.Function.Arguments))...)
	}
	return out
}

func (p *Projector) startToolCall(id, name, args string) []*WireEvent {
	out := p.closeOpenText()
	block := p.appendBlock(BlockToolCalls)
	block.Data[dataToolCallID] = id
	block.Data[dataToolName] = name
	ts := &toolState{block: block}
	ts.args.WriteString(args)
	ts.sync()
	p.openTool = ts
	p.toolsByID[id] = ts
	return append(out, contentBlockEvent(ContentBlockPayload{
		BlockType:  BlockToolCalls,
		BlockID:    block.ID,
		Action:     ActionStartToolCall,
		ToolCallID: id,
		ToolName:   name,
		Args:       args,
	}))
}

// handleToolResult finalizes the block matching the result's call ID and
// clears its approval flag. Results for unknown calls are dropped; a late
// result from a superseded run has nothing to attach to.
func (p *Projector) handleToolResult(e *event.Event) []*WireEvent {
	if len(e.Choices) == 0 {
		return nil
	}
	msg := e.Choices[0].Message
	ts, ok := p.toolsByID[msg.ToolID]
	if !ok {
		log.Debugf("tool result for unknown call %s dropped", msg.ToolID)
		return nil
	}
	block := ts.block
	block.Data[dataResult] = msg.Content
	block.Data[dataIsError] = msg.IsError
	block.NeedsApproval = false
	action := ActionUpdateToolResult
	if msg.IsError {
		block.Status = BlockStatusError
		action = ActionUpdateToolError
	} else if block.Status == BlockStatusPending {
		block.Status = BlockStatusApproved
	}
	if p.openTool == ts {
		p.openTool = nil
	}
	return []*WireEvent{contentBlockEvent(ContentBlockPayload{
		BlockType:  BlockToolCalls,
		BlockID:    block.ID,
		Action:     action,
		ToolCallID: msg.ToolID,
		ToolName:   msg.ToolName,
		Result:     msg.Content,
		IsError:    msg.IsError,
	})}
}

// handleText projects streamed content into the block type implied by the
// chunk's author: explanation, reasoning chain, plan, or plain text.
func (p *Projector) handleText(e *event.Event) []*WireEvent {
	if len(e.Choices) == 0 || !e.IsPartial {
		return nil
	}
	content := e.Choices[0].Delta.Content
	if content == "" {
		return nil
	}
	var out []*WireEvent
	if p.open != nil && p.open.author != e.Author {
		out = append(out, p.closeOpenText()...)
	}
	if p.open == nil {
		blockType := p.blockTypeFor(e.Author)
		block := p.appendBlock(blockType)
		p.open = &openText{block: block, author: e.Author}
		out = append(out, contentBlockEvent(ContentBlockPayload{
			BlockType: blockType,
			BlockID:   block.ID,
			Action:    ActionAddBlock,
		}))
	}
	p.open.text.WriteString(content)
	p.open.block.Data[dataText] = p.open.text.String()
	return append(out, contentBlockEvent(ContentBlockPayload{
		BlockType: p.open.block.Type,
		BlockID:   p.open.block.ID,
		Action:    ActionAppendText,
		Text:      content,
	}))
}

func (p *Projector) handleErrorEvent(e *event.Event) []*WireEvent {
	out := p.closeOpenText()
	block := p.appendBlock(BlockError)
	block.Status = BlockStatusError
	var message string
	if e.Error != nil {
		message = e.Error.Message
		block.Data[dataMessage] = e.Error.Message
		block.Data[dataErrorType] = e.Error.Type
	}
	return append(out, contentBlockEvent(ContentBlockPayload{
		BlockType: BlockError,
		BlockID:   block.ID,
		Action:    ActionAddBlock,
		Text:      message,
	}))
}

// handleInterrupt closes open text, computes approval flags from the
// interrupt kind, and clears stale flags on every other block so a turn
// never shows more than one approval prompt.
func (p *Projector) handleInterrupt(e *event.Event) []*WireEvent {
	out := p.closeOpenText()
	p.syncOpen()
	kind := interruptKind(e.Interrupt)
	for _, block := range p.blocks {
		block.NeedsApproval = false
	}
	switch kind {
	case KindToolApproval:
		if block := p.lastBlockWithoutResult(BlockToolCalls); block != nil {
			block.NeedsApproval = true
			block.Status = BlockStatusPending
		}
	case KindPlanApproval:
		if block := p.lastBlockOfType(BlockPlan); block != nil {
			block.NeedsApproval = true
			block.Status = BlockStatusPending
		}
	}
	p.pendingApproval = true
	return out
}

func (p *Projector) handleCompleted() []*WireEvent {
	out := p.closeOpenText()
	p.syncOpen()
	for _, block := range p.blocks {
		block.NeedsApproval = false
		if block.Status == BlockStatusPending {
			block.Status = BlockStatusApproved
		}
	}
	p.pendingApproval = false
	return out
}

// closeOpenText finalizes the open text-like block. Explanation and
// reasoning blocks must parse as JSON; malformed ones are logged and
// dropped rather than surfaced.
func (p *Projector) closeOpenText() []*WireEvent {
	if p.open == nil {
		return nil
	}
	open := p.open
	p.open = nil
	text := open.text.String()
	block := open.block
	block.Data[dataText] = text
	switch block.Type {
	case BlockExplanation, BlockReasoningChain:
		var parsed map[string]any
		raw := extractJSONObject(text)
		if raw == "" || json.Unmarshal([]byte(raw), &parsed) != nil {
			log.Warnf("malformed %s content dropped", block.Type)
			p.removeBlock(block)
			return nil
		}
		block.Data[dataContent] = parsed
	case BlockPlan:
		var parsed map[string]any
		if raw := extractJSONObject(text); raw != "" {
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
				block.Data[dataContent] = parsed
			}
		}
	}
	return nil
}

func (p *Projector) syncOpen() {
	if p.open != nil {
		p.open.block.Data[dataText] = p.open.text.String()
	}
	if p.openTool != nil {
		p.openTool.sync()
	}
}

func (p *Projector) appendBlock(blockType BlockType) *ContentBlock {
	p.seq++
	block := &ContentBlock{
		ID:   blockID(p.seq),
		Type: blockType,
		Data: make(map[string]any),
	}
	p.blocks = append(p.blocks, block)
	return block
}

func (p *Projector) removeBlock(target *ContentBlock) {
	for i, block := range p.blocks {
		if block == target {
			p.blocks = append(p.blocks[:i], p.blocks[i+1:]...)
			return
		}
	}
}

func (p *Projector) lastBlockOfType(blockType BlockType) *ContentBlock {
	for i := len(p.blocks) - 1; i >= 0; i-- {
		if p.blocks[i].Type == blockType {
			return p.blocks[i]
		}
	}
	return nil
}

func (p *Projector) lastBlockWithoutResult(blockType BlockType) *ContentBlock {
	for i := len(p.blocks) - 1; i >= 0; i-- {
		block := p.blocks[i]
		if block.Type != blockType {
			continue
		}
		if _, ok := block.Data[dataResult]; !ok {
			return block
		}
		return nil
	}
	return nil
}

func (p *Projector) blockTypeFor(author string) BlockType {
	switch {
	case p.explanationAuthors[author]:
		return BlockExplanation
	case p.reasoningAuthors[author]:
		return BlockReasoningChain
	case p.planAuthors[author]:
		return BlockPlan
	default:
		return BlockText
	}
}

func interruptKind(value any) string {
	switch v := value.(type) {
	case *graph.InterruptState:
		return v.Kind
	case graph.InterruptState:
		return v.Kind
	case map[string]any:
		kind, _ := v["kind"].(string)
		return kind
	default:
		return ""
	}
}

// extractJSONObject pulls a JSON object out of streamed content, tolerating
// markdown fences and surrounding prose.
func extractJSONObject(content string) string {
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
