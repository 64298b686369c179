//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

// Package openai provides an OpenAI-compatible implementation of the model
// interface. It works with any endpoint speaking the chat completion
// protocol.
package openai

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/datapilot-ai/datapilot/log"
	"github.com/datapilot-ai/datapilot/model"
	"github.com/datapilot-ai/datapilot/tool"
)

// Model implements model.Model backed by the OpenAI chat completion API.
type Model struct {
	name   string
	client openai.Client
}

// Option configures the Model.
type Option func(*options)

type options struct {
	apiKey  string
	baseURL string
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBaseURL sets a custom API endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// New creates an OpenAI-backed model with the given model name.
func New(name string, opts ...Option) *Model {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var clientOpts []openaiopt.RequestOption
	if o.apiKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(o.apiKey))
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(o.baseURL))
	}
	return &Model{
		name:   name,
		client: openai.NewClient(clientOpts...),
	}
}

// Info returns basic information about the model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.name}
}

// GenerateContent generates content from the given request.
func (m *Model) GenerateContent(
	ctx context.Context,
	request *model.Request,
) (<-chan *model.Response, error) {
	chatRequest := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.name),
		Messages: convertMessages(request.Messages),
	}
	if len(request.Tools) > 0 {
		chatRequest.Tools = convertTools(request.Tools)
	}
	if request.MaxTokens != nil {
		chatRequest.MaxCompletionTokens = openai.Int(int64(*request.MaxTokens))
	}
	if request.Temperature != nil {
		chatRequest.Temperature = openai.Float(*request.Temperature)
	}
	if request.TopP != nil {
		chatRequest.TopP = openai.Float(*request.TopP)
	}
	if len(request.Stop) > 0 {
		chatRequest.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfString: openai.String(request.Stop[0]),
		}
	}

	responseChan := make(chan *model.Response, 64)
	if request.Stream {
		go m.handleStreamingResponse(ctx, chatRequest, responseChan)
	} else {
		go m.handleResponse(ctx, chatRequest, responseChan)
	}
	return responseChan, nil
}

func (m *Model) handleResponse(
	ctx context.Context,
	chatRequest openai.ChatCompletionNewParams,
	responseChan chan<- *model.Response,
) {
	defer close(responseChan)
	completion, err := m.client.Chat.Completions.New(ctx, chatRequest)
	if err != nil {
		sendResponse(ctx, responseChan, errorResponse(model.ErrorTypeAPIError, err))
		return
	}
	response := &model.Response{
		ID:        completion.ID,
		Object:    model.ObjectTypeChatCompletion,
		Created:   completion.Created,
		Model:     completion.Model,
		Timestamp: time.Now(),
		Done:      true,
	}
	for i, choice := range completion.Choices {
		finishReason := string(choice.FinishReason)
		response.Choices = append(response.Choices, model.Choice{
			Index: i,
			Message: model.Message{
				Role:      model.RoleAssistant,
				Content:   choice.Message.Content,
				ToolCalls: convertCompletionToolCalls(choice.Message.ToolCalls),
			},
			FinishReason: &finishReason,
		})
	}
	sendResponse(ctx, responseChan, response)
}

// handleStreamingResponse forwards streaming chunks as partial responses.
// Tool call deltas are forwarded as they arrive so downstream consumers can
// surface argument streaming; the final aggregated response carries the
// assembled calls.
func (m *Model) handleStreamingResponse(
	ctx context.Context,
	chatRequest openai.ChatCompletionNewParams,
	responseChan chan<- *model.Response,
) {
	defer close(responseChan)
	stream := m.client.Chat.Completions.NewStreaming(ctx, chatRequest)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		response := partialResponse(chunk)
		if response == nil {
			continue
		}
		if !sendResponse(ctx, responseChan, response) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		sendResponse(ctx, responseChan, errorResponse(model.ErrorTypeStreamError, err))
		return
	}
	sendResponse(ctx, responseChan, finalResponse(acc))
}

func partialResponse(chunk openai.ChatCompletionChunk) *model.Response {
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	delta := model.Message{Role: model.RoleAssistant, Content: choice.Delta.Content}
	for _, tc := range choice.Delta.ToolCalls {
		index := int(tc.Index)
		delta.ToolCalls = append(delta.ToolCalls, model.ToolCall{
			Type:  "function",
			ID:    tc.ID,
			Index: &index,
			Function: model.FunctionDefinitionParam{
				Name:      tc.Function.Name,
				Arguments: []byte(tc.Function.Arguments),
			},
		})
	}
	if delta.Content == "" && len(delta.ToolCalls) == 0 && choice.FinishReason == "" {
		return nil
	}
	response := &model.Response{
		ID:        chunk.ID,
		Object:    model.ObjectTypeChatCompletionChunk,
		Created:   chunk.Created,
		Model:     chunk.Model,
		Timestamp: time.Now(),
		IsPartial: true,
		Choices:   []model.Choice{{Delta: delta}},
	}
	if choice.FinishReason != "" {
		finishReason := choice.FinishReason
		response.Choices[0].FinishReason = &finishReason
	}
	return response
}

func finalResponse(acc openai.ChatCompletionAccumulator) *model.Response {
	response := &model.Response{
		ID:        acc.ID,
		Object:    model.ObjectTypeChatCompletion,
		Created:   acc.Created,
		Model:     acc.Model,
		Timestamp: time.Now(),
		Done:      true,
	}
	for i, choice := range acc.Choices {
		finishReason := string(choice.FinishReason)
		response.Choices = append(response.Choices, model.Choice{
			Index: i,
			Message: model.Message{
				Role:      model.RoleAssistant,
				Content:   choice.Message.Content,
				ToolCalls: convertCompletionToolCalls(choice.Message.ToolCalls),
			},
			FinishReason: &finishReason,
		})
	}
	return response
}

func convertCompletionToolCalls(calls []openai.ChatCompletionMessageToolCall) []model.ToolCall {
	var result []model.ToolCall
	for _, tc := range calls {
		// The accumulator may leave an empty slot per streamed index.
		if tc.ID == "" && tc.Function.Name == "" {
			continue
		}
		result = append(result, model.ToolCall{
			Type: "function",
			ID:   tc.ID,
			Function: model.FunctionDefinitionParam{
				Name:      tc.Function.Name,
				Arguments: []byte(tc.Function.Arguments),
			},
		})
	}
	return result
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		case model.RoleAssistant:
			assistant := &openai.ChatCompletionAssistantMessageParam{
				Content: openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				},
			}
			for _, tc := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: string(tc.Function.Arguments),
					},
				})
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case model.RoleTool:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					ToolCallID: msg.ToolID,
					Content: openai.ChatCompletionToolMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		default:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		}
	}
	return result
}

func convertTools(tools map[string]tool.Tool) []openai.ChatCompletionToolParam {
	var result []openai.ChatCompletionToolParam
	for _, t := range tools {
		declaration := t.Declaration()
		schemaBytes, err := json.Marshal(declaration.InputSchema)
		if err != nil {
			log.Errorf("marshal tool schema for %s: %v", declaration.Name, err)
			continue
		}
		var parameters shared.FunctionParameters
		if err := json.Unmarshal(schemaBytes, &parameters); err != nil {
			log.Errorf("unmarshal tool schema for %s: %v", declaration.Name, err)
			continue
		}
		result = append(result, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        declaration.Name,
				Description: openai.String(declaration.Description),
				Parameters:  parameters,
			},
		})
	}
	return result
}

func errorResponse(errType string, err error) *model.Response {
	return &model.Response{
		Object:    model.ObjectTypeError,
		Timestamp: time.Now(),
		Done:      true,
		Error: &model.ResponseError{
			Type:    errType,
			Message: err.Error(),
		},
	}
}

func sendResponse(ctx context.Context, ch chan<- *model.Response, rsp *model.Response) bool {
	select {
	case ch <- rsp:
		return true
	case <-ctx.Done():
		return false
	}
}
