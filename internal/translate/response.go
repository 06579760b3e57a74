package translate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ccproxy/ccproxy/internal/format"
)

// newChatCompletionID mirrors the upstream id shape.
func newChatCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

func newAnthropicMessageID() string {
	return "msg_" + uuid.NewString()
}

func newResponseID() string {
	return "resp_" + uuid.NewString()
}

// AnthropicToChatResponse converts a non-streaming Anthropic response into the
// Chat Completions shape.
func AnthropicToChatResponse(resp *format.AnthropicResponse, opts Options) *format.ChatResponse {
	msg := format.ChatMessage{Role: "assistant"}
	text := ""
	for _, b := range resp.Content {
		switch b.Type {
		case format.BlockTypeText:
			text += b.Text
		case format.BlockTypeThinking:
			if opts.ThinkingXML {
				text += WrapThinking(b.Signature, b.Thinking)
			}
		case format.BlockTypeToolUse:
			msg.ToolCalls = append(msg.ToolCalls, format.ChatToolCall{
				ID:   b.ID,
				Type: "function",
				Function: format.ToolCallFunction{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		}
	}
	msg.Content = format.ChatContent{Text: text}

	finish := StopReasonToFinishReason(resp.StopReason)
	usage := format.FromAnthropicUsage(resp.Usage).ToChatUsage()
	return &format.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []format.ChatChoice{{Index: 0, Message: msg, FinishReason: &finish}},
		Usage:   &usage,
	}
}

// ChatToAnthropicResponse converts a non-streaming Chat Completions response
// into the Anthropic Messages shape.
func ChatToAnthropicResponse(resp *format.ChatResponse, opts Options) *format.AnthropicResponse {
	out := &format.AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if out.ID == "" {
		out.ID = newAnthropicMessageID()
	}
	if resp.Usage != nil {
		out.Usage = format.FromChatUsage(*resp.Usage).ToAnthropicUsage()
	}

	if len(resp.Choices) == 0 {
		out.StopReason = format.StopReasonEndTurn
		return out
	}
	choice := resp.Choices[0]
	if text := choice.Message.Content.PlainText(); text != "" {
		out.Content = append(out.Content, textToAnthropicBlocks(text, opts)...)
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		out.Content = append(out.Content, format.ContentBlock{
			Type:  format.BlockTypeToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	if choice.FinishReason != nil {
		out.StopReason = FinishReasonToStopReason(*choice.FinishReason)
	} else {
		out.StopReason = format.StopReasonEndTurn
	}
	return out
}

// ResponsesToChatResponse converts a non-streaming Responses API response into
// the Chat Completions shape. Reasoning items serialize as <thinking> spans.
func ResponsesToChatResponse(resp *format.ResponsesResponse, opts Options) *format.ChatResponse {
	msg := format.ChatMessage{Role: "assistant"}
	text := ""
	finish := format.FinishReasonStop
	for _, item := range resp.Output {
		switch item.Type {
		case "reasoning":
			if !opts.ThinkingXML {
				continue
			}
			for _, s := range item.Summary {
				text += WrapThinking(s.Signature, s.Text)
			}
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					text += c.Text
				}
			}
		case "function_call":
			msg.ToolCalls = append(msg.ToolCalls, format.ChatToolCall{
				ID:   item.CallID,
				Type: "function",
				Function: format.ToolCallFunction{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})
			finish = format.FinishReasonToolCalls
		}
	}
	msg.Content = format.ChatContent{Text: text}
	if resp.Status == format.ResponseStatusIncomplete {
		finish = format.FinishReasonLength
	}

	out := &format.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.CreatedAt,
		Model:   resp.Model,
		Choices: []format.ChatChoice{{Index: 0, Message: msg, FinishReason: &finish}},
	}
	if out.ID == "" {
		out.ID = newChatCompletionID()
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if resp.Usage != nil {
		usage := format.FromResponsesUsage(*resp.Usage).ToChatUsage()
		out.Usage = &usage
	}
	return out
}

// ChatToResponsesResponse converts a non-streaming Chat Completions response
// into the Responses API shape.
func ChatToResponsesResponse(resp *format.ChatResponse, opts Options) *format.ResponsesResponse {
	out := &format.ResponsesResponse{
		ID:        resp.ID,
		Object:    "response",
		CreatedAt: resp.Created,
		Status:    format.ResponseStatusCompleted,
		Model:     resp.Model,
	}
	if out.ID == "" {
		out.ID = newResponseID()
	}
	if out.CreatedAt == 0 {
		out.CreatedAt = time.Now().Unix()
	}
	if resp.Usage != nil {
		usage := format.FromChatUsage(*resp.Usage).ToResponsesUsage()
		out.Usage = &usage
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]

	text := choice.Message.Content.PlainText()
	if opts.ThinkingXML {
		plain := ""
		var summary []format.SummaryPart
		for _, seg := range SplitThinking(text) {
			if seg.Thinking {
				summary = append(summary, format.SummaryPart{
					Type:      "summary_text",
					Text:      seg.Text,
					Signature: seg.Signature,
				})
			} else {
				plain += seg.Text
			}
		}
		if len(summary) > 0 {
			out.Output = append(out.Output, format.OutputItem{
				Type:    "reasoning",
				ID:      "rs_" + uuid.NewString(),
				Summary: summary,
			})
		}
		text = plain
	}
	if text != "" {
		out.Output = append(out.Output, format.OutputItem{
			Type:    "message",
			ID:      "msg_" + uuid.NewString(),
			Role:    "assistant",
			Status:  "completed",
			Content: []format.OutputContent{{Type: "output_text", Text: text}},
		})
	}
	for i, tc := range choice.Message.ToolCalls {
		out.Output = append(out.Output, format.OutputItem{
			Type:      "function_call",
			ID:        fmt.Sprintf("fc_%s_%d", out.ID, i),
			Status:    "completed",
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if choice.FinishReason != nil && *choice.FinishReason == format.FinishReasonLength {
		out.Status = format.ResponseStatusIncomplete
	}
	return out
}

// AnthropicToResponsesResponse converts through the Chat hub.
func AnthropicToResponsesResponse(resp *format.AnthropicResponse, opts Options) *format.ResponsesResponse {
	return ChatToResponsesResponse(AnthropicToChatResponse(resp, opts), opts)
}

// ResponsesToAnthropicResponse converts through the Chat hub.
func ResponsesToAnthropicResponse(resp *format.ResponsesResponse, opts Options) *format.AnthropicResponse {
	return ChatToAnthropicResponse(ResponsesToChatResponse(resp, opts), opts)
}
