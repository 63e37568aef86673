// ABOUTME: OpenAI Chat Completions client implementing muxllm.Client with custom base URL support.
// ABOUTME: Lets OpenAI-compatible gateways (OpenRouter, Cerebras, proxies) serve as a provider.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	muxllm "github.com/2389-research/mux/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// defaultCompatMaxTokens is the output budget when a request does not set one.
const defaultCompatMaxTokens = 4096

// CompatClient implements muxllm.Client over the OpenAI Chat Completions
// API. Unlike mux's built-in OpenAI client it accepts a custom base URL, so
// any provider speaking /v1/chat/completions can serve steps.
type CompatClient struct {
	client openai.Client
	model  string
}

// NewCompatClient creates a Chat Completions client. An empty baseURL targets
// the OpenAI API itself; an empty model falls back to gpt-4o.
func NewCompatClient(apiKey, model, baseURL string) *CompatClient {
	if model == "" {
		model = "gpt-4o"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &CompatClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// CreateMessage sends a request and returns the complete response.
func (c *CompatClient) CreateMessage(ctx context.Context, req *muxllm.Request) (*muxllm.Response, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(req))
	if err != nil {
		return nil, err
	}
	return muxResponse(resp), nil
}

// CreateMessageStream sends a request and returns a channel of streaming
// events. Text arrives as content deltas; finished tool calls arrive as
// content-stop events carrying the complete block; the final message-stop
// event carries the accumulated response.
func (c *CompatClient) CreateMessageStream(ctx context.Context, req *muxllm.Request) (<-chan muxllm.StreamEvent, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(req))

	events := make(chan muxllm.StreamEvent, 64)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("component=executor.compat action=stream_panic err=%v", r)
				events <- muxllm.StreamEvent{
					Type:  muxllm.EventError,
					Error: fmt.Errorf("panic in stream processing: %v", r),
				}
			}
			close(events)
		}()

		var acc openai.ChatCompletionAccumulator

		events <- muxllm.StreamEvent{Type: muxllm.EventMessageStart}

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				events <- muxllm.StreamEvent{
					Type: muxllm.EventContentDelta,
					Text: chunk.Choices[0].Delta.Content,
				}
			}

			if toolCall, ok := acc.JustFinishedToolCall(); ok {
				events <- muxllm.StreamEvent{
					Type: muxllm.EventContentStop,
					Block: &muxllm.ContentBlock{
						Type:  muxllm.ContentTypeToolUse,
						ID:    toolCall.ID,
						Name:  toolCall.Name,
						Input: parseToolArgs(toolCall.Name, toolCall.Arguments),
					},
				}
			}
		}

		if err := stream.Err(); err != nil {
			events <- muxllm.StreamEvent{Type: muxllm.EventError, Error: err}
			return
		}

		events <- muxllm.StreamEvent{
			Type:     muxllm.EventMessageStop,
			Response: muxResponse(&acc.ChatCompletion),
		}
	}()

	return events, nil
}

// params converts a mux request into Chat Completions params, applying the
// client's model and token defaults without mutating the caller's request.
func (c *CompatClient) params(req *muxllm.Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultCompatMaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:               model,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case muxllm.RoleAssistant:
			messages = append(messages, assistantParam(msg))
		default:
			messages = appendUserParams(messages, msg)
		}
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  openai.FunctionParameters(t.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	return params
}

// appendUserParams converts a user-role mux message. Tool results become tool
// messages, one per result block, which is the shape Chat Completions
// expects; otherwise the text content becomes a user message.
func appendUserParams(messages []openai.ChatCompletionMessageParamUnion, msg muxllm.Message) []openai.ChatCompletionMessageParamUnion {
	appended := false
	for _, block := range msg.Blocks {
		if block.Type == muxllm.ContentTypeToolResult {
			messages = append(messages, openai.ToolMessage(block.Text, block.ToolUseID))
			appended = true
		}
	}
	if appended {
		return messages
	}

	if msg.Content != "" {
		return append(messages, openai.UserMessage(msg.Content))
	}
	for _, block := range msg.Blocks {
		if block.Type == muxllm.ContentTypeText {
			return append(messages, openai.UserMessage(block.Text))
		}
	}
	return append(messages, openai.UserMessage(""))
}

// assistantParam converts an assistant-role mux message, carrying both text
// and tool-use blocks when present.
func assistantParam(msg muxllm.Message) openai.ChatCompletionMessageParamUnion {
	textContent := msg.Content
	var toolCalls []openai.ChatCompletionMessageToolCallParam

	for _, block := range msg.Blocks {
		switch block.Type {
		case muxllm.ContentTypeText:
			textContent = block.Text
		case muxllm.ContentTypeToolUse:
			argsJSON, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
				ID:   block.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      block.Name,
					Arguments: string(argsJSON),
				},
			})
		}
	}

	if len(toolCalls) == 0 {
		return openai.AssistantMessage(textContent)
	}

	asst := openai.ChatCompletionAssistantMessageParam{
		Role:      "assistant",
		ToolCalls: toolCalls,
	}
	if textContent != "" {
		asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(textContent),
		}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

// muxResponse converts a Chat Completion into a mux response.
func muxResponse(resp *openai.ChatCompletion) *muxllm.Response {
	result := &muxllm.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: muxllm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return result
	}

	choice := resp.Choices[0]
	result.StopReason = compatStopReason(choice.FinishReason)

	if choice.Message.Content != "" {
		result.Content = append(result.Content, muxllm.ContentBlock{
			Type: muxllm.ContentTypeText,
			Text: choice.Message.Content,
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		result.Content = append(result.Content, muxllm.ContentBlock{
			Type:  muxllm.ContentTypeToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: parseToolArgs(tc.Function.Name, tc.Function.Arguments),
		})
	}

	return result
}

// compatStopReason maps a Chat Completions finish reason onto the mux enum.
func compatStopReason(finish string) muxllm.StopReason {
	switch finish {
	case "tool_calls":
		return muxllm.StopReasonToolUse
	case "length":
		return muxllm.StopReasonMaxTokens
	default:
		return muxllm.StopReasonEndTurn
	}
}

// parseToolArgs unmarshals tool call arguments, falling back to an empty map
// on malformed JSON so a bad call surfaces downstream instead of aborting the
// conversion.
func parseToolArgs(name, args string) map[string]any {
	input := make(map[string]any)
	if args == "" {
		return input
	}
	if err := json.Unmarshal([]byte(args), &input); err != nil {
		log.Printf("component=executor.compat action=bad_tool_args tool=%s err=%v", name, err)
		return make(map[string]any)
	}
	return input
}

// Compile-time interface assertion.
var _ muxllm.Client = (*CompatClient)(nil)
