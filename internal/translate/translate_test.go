package translate

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccproxy/ccproxy/internal/format"
)

func TestParseRequestValidates(t *testing.T) {
	_, err := ParseRequest(format.FormatAnthropic, []byte(`{"model":`))
	require.Error(t, err)
	var vErr *format.ValidationError
	assert.False(t, errors.As(err, &vErr))

	_, err = ParseRequest(format.FormatAnthropic, []byte(`{"model":"claude-3-5-sonnet","max_tokens":10}`))
	require.Error(t, err)
	assert.True(t, errors.As(err, &vErr))
	assert.Equal(t, "messages", vErr.Field)

	_, err = ParseRequest(format.FormatOpenAIChat, []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.Error(t, err)
	assert.True(t, errors.As(err, &vErr))
	assert.Equal(t, "model", vErr.Field)

	_, err = ParseRequest(format.FormatOpenAIResponses, []byte(`{"model":"gpt-4o"}`))
	require.Error(t, err)
	assert.True(t, errors.As(err, &vErr))
	assert.Equal(t, "input", vErr.Field)

	req, err := ParseRequest(format.FormatOpenAIChat,
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	require.IsType(t, &format.ChatRequest{}, req)
}

func TestChatToAnthropicRequest(t *testing.T) {
	body := `{
		"model": "claude-3-5-sonnet",
		"max_tokens": 100,
		"messages": [
			{"role": "system", "content": "Be brief."},
			{"role": "developer", "content": "Use metric units."},
			{"role": "user", "content": "What is the weather?"},
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "12C"}
		],
		"tools": [{"type": "function", "function": {"name": "get_weather", "parameters": {"type": "object"}}}],
		"tool_choice": "required"
	}`
	parsed, err := ParseRequest(format.FormatOpenAIChat, []byte(body))
	require.NoError(t, err)

	out, err := ChatToAnthropicRequest(parsed.(*format.ChatRequest), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, "Be brief.\n\nUse metric units.", out.System.Joined())
	assert.Equal(t, 100, out.MaxTokens)

	require.Len(t, out.Messages, 3)
	assert.Equal(t, "user", out.Messages[0].Role)
	assert.Equal(t, "assistant", out.Messages[1].Role)
	require.Len(t, out.Messages[1].Content, 1)
	assert.Equal(t, format.BlockTypeToolUse, out.Messages[1].Content[0].Type)
	assert.Equal(t, "call_1", out.Messages[1].Content[0].ID)
	assert.Equal(t, "get_weather", out.Messages[1].Content[0].Name)

	// tool results ride on a user message
	assert.Equal(t, "user", out.Messages[2].Role)
	assert.Equal(t, format.BlockTypeToolResult, out.Messages[2].Content[0].Type)
	assert.Equal(t, "call_1", out.Messages[2].Content[0].ToolUseID)

	require.Len(t, out.Tools, 1)
	assert.Equal(t, "get_weather", out.Tools[0].Name)
	require.NotNil(t, out.ToolChoice)
	assert.Equal(t, "any", out.ToolChoice.Type)
}

func TestChatToAnthropicRequestDefaultsMaxTokens(t *testing.T) {
	req := &format.ChatRequest{
		Model:    "claude-3-5-sonnet",
		Messages: []format.ChatMessage{{Role: "user", Content: format.ChatContent{Text: "hi"}}},
	}
	out, err := ChatToAnthropicRequest(req, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxTokens, out.MaxTokens)
}

func TestChatToAnthropicRequestMergesAdjacentRoles(t *testing.T) {
	req := &format.ChatRequest{
		Model: "claude-3-5-sonnet",
		Messages: []format.ChatMessage{
			{Role: "user", Content: format.ChatContent{Text: "one"}},
			{Role: "user", Content: format.ChatContent{Text: "two"}},
		},
	}
	out, err := ChatToAnthropicRequest(req, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	require.Len(t, out.Messages[0].Content, 2)
	assert.Equal(t, "one", out.Messages[0].Content[0].Text)
	assert.Equal(t, "two", out.Messages[0].Content[1].Text)
}

func TestAnthropicToChatRequest(t *testing.T) {
	req := &format.AnthropicRequest{
		Model:     "claude-3-5-sonnet",
		MaxTokens: 50,
		System:    format.SystemPrompt{Text: "Be helpful."},
		Messages: []format.AnthropicMessage{
			{Role: "user", Content: format.MessageContent{{Type: format.BlockTypeText, Text: "hi"}}},
			{Role: "assistant", Content: format.MessageContent{
				{Type: format.BlockTypeThinking, Thinking: "reason here", Signature: "sig1"},
				{Type: format.BlockTypeText, Text: "answer"},
				{Type: format.BlockTypeToolUse, ID: "toolu_1", Name: "lookup", Input: json.RawMessage(`{"q":1}`)},
			}},
			{Role: "user", Content: format.MessageContent{
				{Type: format.BlockTypeToolResult, ToolUseID: "toolu_1", Content: json.RawMessage(`"found"`)},
			}},
		},
	}

	out, err := AnthropicToChatRequest(req, DefaultOptions())
	require.NoError(t, err)

	require.Len(t, out.Messages, 4)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "Be helpful.", out.Messages[0].Content.Text)

	asst := out.Messages[2]
	assert.Equal(t, "assistant", asst.Role)
	assert.Equal(t, `<thinking signature="sig1">reason here</thinking>answer`, asst.Content.Text)
	require.Len(t, asst.ToolCalls, 1)
	assert.Equal(t, "toolu_1", asst.ToolCalls[0].ID)
	assert.Equal(t, `{"q":1}`, asst.ToolCalls[0].Function.Arguments)

	toolMsg := out.Messages[3]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "toolu_1", toolMsg.ToolCallID)
	assert.Equal(t, "found", toolMsg.Content.Text)

	require.NotNil(t, out.MaxTokens)
	assert.Equal(t, 50, *out.MaxTokens)
}

func TestAnthropicToChatResponse(t *testing.T) {
	resp := &format.AnthropicResponse{
		ID:    "msg_1",
		Model: "claude-3-5-sonnet",
		Content: []format.ContentBlock{
			{Type: format.BlockTypeText, Text: "Hello"},
			{Type: format.BlockTypeToolUse, ID: "toolu_9", Name: "lookup", Input: json.RawMessage(`{}`)},
		},
		StopReason: format.StopReasonToolUse,
		Usage:      format.AnthropicUsage{InputTokens: 7, OutputTokens: 3},
	}

	out := AnthropicToChatResponse(resp, DefaultOptions())

	assert.Equal(t, "msg_1", out.ID)
	assert.Equal(t, "chat.completion", out.Object)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "Hello", out.Choices[0].Message.Content.Text)
	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
	require.NotNil(t, out.Choices[0].FinishReason)
	assert.Equal(t, format.FinishReasonToolCalls, *out.Choices[0].FinishReason)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 7, out.Usage.PromptTokens)
	assert.Equal(t, 3, out.Usage.CompletionTokens)
	assert.Equal(t, 10, out.Usage.TotalTokens)
}

func TestChatToAnthropicResponseLiftsThinking(t *testing.T) {
	finish := format.FinishReasonStop
	resp := &format.ChatResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []format.ChatChoice{{
			Message: format.ChatMessage{
				Role:    "assistant",
				Content: format.ChatContent{Text: `<thinking signature="s1">deep thought</thinking>result`},
			},
			FinishReason: &finish,
		}},
	}

	out := ChatToAnthropicResponse(resp, DefaultOptions())

	require.Len(t, out.Content, 2)
	assert.Equal(t, format.BlockTypeThinking, out.Content[0].Type)
	assert.Equal(t, "deep thought", out.Content[0].Thinking)
	assert.Equal(t, "s1", out.Content[0].Signature)
	assert.Equal(t, "result", out.Content[1].Text)
	assert.Equal(t, format.StopReasonEndTurn, out.StopReason)
}

func TestResponsesToChatResponseReasoning(t *testing.T) {
	resp := &format.ResponsesResponse{
		ID:     "resp_1",
		Model:  "gpt-4o",
		Status: format.ResponseStatusCompleted,
		Output: []format.OutputItem{
			{Type: "reasoning", Summary: []format.SummaryPart{
				{Type: "summary_text", Text: "Thoughts", Signature: "sig9"},
			}},
			{Type: "message", Content: []format.OutputContent{{Type: "output_text", Text: "Final"}}},
		},
	}

	out := ResponsesToChatResponse(resp, DefaultOptions())

	require.Len(t, out.Choices, 1)
	assert.Equal(t, `<thinking signature="sig9">Thoughts</thinking>Final`, out.Choices[0].Message.Content.Text)
	require.NotNil(t, out.Choices[0].FinishReason)
	assert.Equal(t, format.FinishReasonStop, *out.Choices[0].FinishReason)
}

func TestResponsesToChatResponseDropsReasoningWhenDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.ThinkingXML = false
	resp := &format.ResponsesResponse{
		ID:     "resp_1",
		Model:  "gpt-4o",
		Status: format.ResponseStatusCompleted,
		Output: []format.OutputItem{
			{Type: "reasoning", Summary: []format.SummaryPart{{Type: "summary_text", Text: "hidden"}}},
			{Type: "message", Content: []format.OutputContent{{Type: "output_text", Text: "Final"}}},
		},
	}
	out := ResponsesToChatResponse(resp, opts)
	assert.Equal(t, "Final", out.Choices[0].Message.Content.Text)
}

func TestChatToResponsesResponseRoundTripsThinking(t *testing.T) {
	finish := format.FinishReasonStop
	resp := &format.ChatResponse{
		Model: "gpt-4o",
		Choices: []format.ChatChoice{{
			Message: format.ChatMessage{
				Role:    "assistant",
				Content: format.ChatContent{Text: `<thinking signature="sig9">Thoughts</thinking>Final`},
			},
			FinishReason: &finish,
		}},
	}

	out := ChatToResponsesResponse(resp, DefaultOptions())

	require.Len(t, out.Output, 2)
	assert.Equal(t, "reasoning", out.Output[0].Type)
	require.Len(t, out.Output[0].Summary, 1)
	assert.Equal(t, "Thoughts", out.Output[0].Summary[0].Text)
	assert.Equal(t, "sig9", out.Output[0].Summary[0].Signature)
	assert.Equal(t, "message", out.Output[1].Type)
	assert.Equal(t, "Final", out.Output[1].Content[0].Text)
}

func TestTranslateResponseBodyIdentity(t *testing.T) {
	body := []byte(`{"anything": true}`)
	out, err := TranslateResponseBody(body, format.FormatAnthropic, format.FormatAnthropic, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestExtractUsageFromResponse(t *testing.T) {
	u := ExtractUsageFromResponse([]byte(`{"usage":{"input_tokens":9,"output_tokens":4,"cache_read_input_tokens":2}}`),
		format.FormatAnthropic)
	assert.Equal(t, 9, u.PromptTokens)
	assert.Equal(t, 4, u.CompletionTokens)
	assert.Equal(t, 2, u.CacheReadTokens)

	u = ExtractUsageFromResponse([]byte(`{"usage":{"prompt_tokens":11,"completion_tokens":5}}`),
		format.FormatOpenAIChat)
	assert.Equal(t, 11, u.PromptTokens)
	assert.Equal(t, 5, u.CompletionTokens)

	u = ExtractUsageFromResponse([]byte(`{}`), format.FormatOpenAIChat)
	assert.True(t, u.IsZero())
}
