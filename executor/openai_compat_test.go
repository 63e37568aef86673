// ABOUTME: Tests for the Chat Completions compat client request and response conversion.
// ABOUTME: Response fixtures are decoded from raw API JSON so they exercise the real wire shape.
package executor

import (
	"encoding/json"
	"testing"

	muxllm "github.com/2389-research/mux/llm"
	"github.com/openai/openai-go"
)

func TestNewCompatClient_DefaultModel(t *testing.T) {
	c := NewCompatClient("sk-test", "", "")
	if c.model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", c.model)
	}

	c = NewCompatClient("sk-test", "llama-3.3-70b", "https://gateway.example.com/v1")
	if c.model != "llama-3.3-70b" {
		t.Errorf("model = %q", c.model)
	}
}

func TestCompatParams(t *testing.T) {
	c := NewCompatClient("sk-test", "gpt-4o", "")
	temp := 0.2

	req := &muxllm.Request{
		Model:       "gpt-4o-mini",
		System:      "you are a test",
		Temperature: &temp,
		MaxTokens:   512,
		Messages: []muxllm.Message{
			{Role: muxllm.RoleUser, Content: "hello"},
			{Role: muxllm.RoleAssistant, Blocks: []muxllm.ContentBlock{
				{Type: muxllm.ContentTypeText, Text: "let me check"},
				{Type: muxllm.ContentTypeToolUse, ID: "call_1", Name: "web_search", Input: map[string]any{"q": "drover"}},
			}},
			{Role: muxllm.RoleUser, Blocks: []muxllm.ContentBlock{
				{Type: muxllm.ContentTypeToolResult, ToolUseID: "call_1", Text: "result text"},
			}},
		},
		Tools: []muxllm.ToolDefinition{
			{Name: "web_search", Description: "Search the web", InputSchema: map[string]any{"type": "object"}},
		},
	}

	params := c.params(req)

	if params.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q", params.Model)
	}
	if params.MaxCompletionTokens != openai.Int(512) {
		t.Errorf("MaxCompletionTokens = %v", params.MaxCompletionTokens)
	}
	if params.Temperature != openai.Float(0.2) {
		t.Errorf("Temperature = %v", params.Temperature)
	}

	if len(params.Messages) != 4 {
		t.Fatalf("messages = %d, want 4 (system, user, assistant, tool)", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message is not the system message")
	}
	if params.Messages[1].OfUser == nil {
		t.Error("second message is not a user message")
	}
	asst := params.Messages[2].OfAssistant
	if asst == nil {
		t.Fatal("third message is not an assistant message")
	}
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool calls = %+v", asst.ToolCalls)
	}
	if asst.ToolCalls[0].Function.Name != "web_search" {
		t.Errorf("tool call function = %q", asst.ToolCalls[0].Function.Name)
	}
	toolMsg := params.Messages[3].OfTool
	if toolMsg == nil {
		t.Fatal("fourth message is not a tool message")
	}
	if toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool call id = %q", toolMsg.ToolCallID)
	}

	if len(params.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(params.Tools))
	}
	if params.Tools[0].Function.Name != "web_search" {
		t.Errorf("tool name = %q", params.Tools[0].Function.Name)
	}
	if params.Tools[0].Function.Parameters == nil {
		t.Error("tool parameters dropped")
	}
}

func TestCompatParams_Defaults(t *testing.T) {
	c := NewCompatClient("sk-test", "llama-3.3-70b", "https://gateway.example.com/v1")

	params := c.params(&muxllm.Request{
		Messages: []muxllm.Message{{Role: muxllm.RoleUser, Content: "hi"}},
	})

	if params.Model != "llama-3.3-70b" {
		t.Errorf("Model = %q, want client default", params.Model)
	}
	if params.MaxCompletionTokens != openai.Int(defaultCompatMaxTokens) {
		t.Errorf("MaxCompletionTokens = %v, want default", params.MaxCompletionTokens)
	}
	if len(params.Messages) != 1 {
		t.Errorf("messages = %d, want 1 (no system)", len(params.Messages))
	}
}

func TestCompatParams_MultipleToolResults(t *testing.T) {
	c := NewCompatClient("sk-test", "gpt-4o", "")

	params := c.params(&muxllm.Request{
		Messages: []muxllm.Message{
			{Role: muxllm.RoleUser, Blocks: []muxllm.ContentBlock{
				{Type: muxllm.ContentTypeToolResult, ToolUseID: "call_1", Text: "one"},
				{Type: muxllm.ContentTypeToolResult, ToolUseID: "call_2", Text: "two"},
			}},
		},
	})

	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want one tool message per result", len(params.Messages))
	}
	for i, wantID := range []string{"call_1", "call_2"} {
		msg := params.Messages[i].OfTool
		if msg == nil {
			t.Fatalf("message %d is not a tool message", i)
		}
		if msg.ToolCallID != wantID {
			t.Errorf("message %d tool call id = %q, want %q", i, msg.ToolCallID, wantID)
		}
	}
}

func decodeChatCompletion(t *testing.T, raw string) *openai.ChatCompletion {
	t.Helper()
	var resp openai.ChatCompletion
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return &resp
}

func TestMuxResponse_TextCompletion(t *testing.T) {
	resp := decodeChatCompletion(t, `{
		"id": "chatcmpl-1",
		"model": "gpt-4o-2024-08-06",
		"choices": [{"index": 0, "finish_reason": "stop",
			"message": {"role": "assistant", "content": "all done"}}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 34}
	}`)

	got := muxResponse(resp)

	if got.ID != "chatcmpl-1" || got.Model != "gpt-4o-2024-08-06" {
		t.Errorf("identity = %q/%q", got.ID, got.Model)
	}
	if got.StopReason != muxllm.StopReasonEndTurn {
		t.Errorf("StopReason = %q", got.StopReason)
	}
	if got.Usage.InputTokens != 12 || got.Usage.OutputTokens != 34 {
		t.Errorf("usage = %+v", got.Usage)
	}
	if len(got.Content) != 1 || got.Content[0].Type != muxllm.ContentTypeText || got.Content[0].Text != "all done" {
		t.Errorf("content = %+v", got.Content)
	}
}

func TestMuxResponse_ToolCalls(t *testing.T) {
	resp := decodeChatCompletion(t, `{
		"id": "chatcmpl-2",
		"model": "gpt-4o",
		"choices": [{"index": 0, "finish_reason": "tool_calls",
			"message": {"role": "assistant", "content": "checking",
				"tool_calls": [{"id": "call_9", "type": "function",
					"function": {"name": "web_search", "arguments": "{\"q\": \"drover\"}"}}]}}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 9}
	}`)

	got := muxResponse(resp)

	if got.StopReason != muxllm.StopReasonToolUse {
		t.Errorf("StopReason = %q", got.StopReason)
	}
	if len(got.Content) != 2 {
		t.Fatalf("content blocks = %d, want text + tool use", len(got.Content))
	}
	tu := got.Content[1]
	if tu.Type != muxllm.ContentTypeToolUse || tu.ID != "call_9" || tu.Name != "web_search" {
		t.Errorf("tool use block = %+v", tu)
	}
	if tu.Input["q"] != "drover" {
		t.Errorf("tool input = %v", tu.Input)
	}
}

func TestMuxResponse_LengthAndEmpty(t *testing.T) {
	resp := decodeChatCompletion(t, `{
		"id": "chatcmpl-3",
		"model": "gpt-4o",
		"choices": [{"index": 0, "finish_reason": "length",
			"message": {"role": "assistant", "content": "truncat"}}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 2}
	}`)
	if got := muxResponse(resp); got.StopReason != muxllm.StopReasonMaxTokens {
		t.Errorf("StopReason = %q, want max tokens", got.StopReason)
	}

	empty := decodeChatCompletion(t, `{"id": "chatcmpl-4", "model": "gpt-4o", "choices": [],
		"usage": {"prompt_tokens": 0, "completion_tokens": 0}}`)
	got := muxResponse(empty)
	if len(got.Content) != 0 {
		t.Errorf("content = %+v, want none", got.Content)
	}
}

func TestParseToolArgs(t *testing.T) {
	if got := parseToolArgs("t", `{"a": 1, "b": "x"}`); got["b"] != "x" {
		t.Errorf("parsed = %v", got)
	}
	if got := parseToolArgs("t", ""); len(got) != 0 {
		t.Errorf("empty args = %v, want empty map", got)
	}
	if got := parseToolArgs("t", `{broken`); got == nil || len(got) != 0 {
		t.Errorf("malformed args = %v, want empty map", got)
	}
}
