package translate

import (
	"encoding/json"
	"strings"

	"github.com/ccproxy/ccproxy/internal/format"
)

// ResponsesToChatRequest converts a Responses API request into the Chat
// Completions shape. Instructions become a prepended system message.
func ResponsesToChatRequest(req *format.ResponsesRequest, opts Options) (*format.ChatRequest, error) {
	out := &format.ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.Stop,
	}
	if req.MaxOutputTokens != nil {
		mt := *req.MaxOutputTokens
		out.MaxCompletionTokens = &mt
	}
	if req.Reasoning != nil {
		out.ReasoningEffort = req.Reasoning.Effort
	}

	if req.Instructions != "" {
		out.Messages = append(out.Messages, format.ChatMessage{
			Role:    "system",
			Content: format.ChatContent{Text: req.Instructions},
		})
	}

	if !req.Input.IsItems {
		out.Messages = append(out.Messages, format.ChatMessage{
			Role:    "user",
			Content: format.ChatContent{Text: req.Input.Text},
		})
	} else {
		for _, item := range req.Input.Items {
			out.Messages = append(out.Messages, inputItemToChatMessages(item, opts)...)
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, format.ChatTool{
			Type: "function",
			Function: format.ChatToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
				Strict:      t.Strict,
			},
		})
	}

	if len(req.ToolChoice) > 0 {
		var tc format.ChatToolChoice
		if err := json.Unmarshal(req.ToolChoice, &tc); err == nil && !tc.IsZero() {
			out.ToolChoice = &tc
		}
	}

	if req.Text != nil && req.Text.Format != nil {
		out.ResponseFormat = textFormatToResponseFormat(req.Text.Format)
	}

	return out, nil
}

func inputItemToChatMessages(item format.InputItem, opts Options) []format.ChatMessage {
	switch item.Type {
	case "function_call":
		return []format.ChatMessage{{
			Role: "assistant",
			ToolCalls: []format.ChatToolCall{{
				ID:   item.CallID,
				Type: "function",
				Function: format.ToolCallFunction{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			}},
		}}
	case "function_call_output":
		return []format.ChatMessage{{
			Role:       "tool",
			ToolCallID: item.CallID,
			Content:    format.ChatContent{Text: item.Output},
		}}
	case "reasoning":
		if !opts.ThinkingXML || len(item.Summary) == 0 {
			return nil
		}
		text := ""
		for _, s := range item.Summary {
			text += WrapThinking(s.Signature, s.Text)
		}
		return []format.ChatMessage{{
			Role:    "assistant",
			Content: format.ChatContent{Text: text},
		}}
	case "", "message":
		role := item.Role
		if role == "" {
			role = "user"
		}
		var parts []format.ChatContentPart
		for _, c := range item.Content {
			switch c.Type {
			case "input_text", "output_text", "text":
				parts = append(parts, format.ChatContentPart{Type: "text", Text: c.Text})
			case "input_image":
				parts = append(parts, format.ChatContentPart{
					Type:     "image_url",
					ImageURL: &format.ChatImageURL{URL: c.ImageURL, Detail: c.Detail},
				})
			}
		}
		if len(parts) == 1 && parts[0].Type == "text" {
			return []format.ChatMessage{{Role: role, Content: format.ChatContent{Text: parts[0].Text}}}
		}
		if len(parts) == 0 {
			return nil
		}
		return []format.ChatMessage{{Role: role, Content: format.ChatContent{IsParts: true, Parts: parts}}}
	default:
		return nil
	}
}

func textFormatToResponseFormat(tf *format.TextFormat) *format.ResponseFormat {
	switch tf.Type {
	case "json_object":
		return &format.ResponseFormat{Type: "json_object"}
	case "json_schema":
		schema := map[string]any{"name": tf.Name}
		if len(tf.Schema) > 0 {
			schema["schema"] = json.RawMessage(tf.Schema)
		}
		if tf.Strict != nil {
			schema["strict"] = *tf.Strict
		}
		raw, _ := json.Marshal(schema)
		return &format.ResponseFormat{Type: "json_schema", JSONSchema: raw}
	default:
		return &format.ResponseFormat{Type: "text"}
	}
}

// ChatToResponsesRequest converts a Chat Completions request into the
// Responses API shape. System messages collapse into instructions.
func ChatToResponsesRequest(req *format.ChatRequest, opts Options) (*format.ResponsesRequest, error) {
	out := &format.ResponsesRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.Stop,
	}
	if mt := req.EffectiveMaxTokens(); mt != nil {
		v := *mt
		out.MaxOutputTokens = &v
	}

	effort := req.ReasoningEffort
	summary := ""
	if effort == "" && opts.DefaultReasoningEffort != "" {
		effort = opts.DefaultReasoningEffort
		summary = opts.DefaultReasoningSummary
	}
	if effort != "" {
		out.Reasoning = &format.ReasoningParams{Effort: effort, Summary: summary}
	}

	msgs := req.Messages
	var systemParts []string
	for len(msgs) > 0 && (msgs[0].Role == "system" || msgs[0].Role == "developer") {
		systemParts = append(systemParts, msgs[0].Content.PlainText())
		msgs = msgs[1:]
	}
	out.Instructions = strings.Join(systemParts, "\n\n")

	out.Input.IsItems = true
	for _, m := range msgs {
		out.Input.Items = append(out.Input.Items, chatMessageToInputItems(m, opts)...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, format.ResponsesTool{
			Type:        "function",
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
			Strict:      t.Function.Strict,
		})
	}

	if req.ToolChoice != nil && !req.ToolChoice.IsZero() {
		raw, err := json.Marshal(req.ToolChoice)
		if err == nil {
			out.ToolChoice = raw
		}
	}

	if req.ResponseFormat != nil {
		out.Text = &format.TextParams{Format: responseFormatToTextFormat(req.ResponseFormat)}
	}

	return out, nil
}

func chatMessageToInputItems(m format.ChatMessage, opts Options) []format.InputItem {
	switch m.Role {
	case "tool":
		return []format.InputItem{{
			Type:   "function_call_output",
			CallID: m.ToolCallID,
			Output: m.Content.PlainText(),
		}}
	case "assistant":
		var items []format.InputItem
		text := m.Content.PlainText()
		if opts.ThinkingXML && strings.Contains(text, "<thinking") {
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
				items = append(items, format.InputItem{Type: "reasoning", Summary: summary})
			}
			text = plain
		}
		if text != "" {
			items = append(items, format.InputItem{
				Type:    "message",
				Role:    "assistant",
				Content: []format.InputContent{{Type: "output_text", Text: text}},
			})
		}
		for _, tc := range m.ToolCalls {
			items = append(items, format.InputItem{
				Type:      "function_call",
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		return items
	default: // user
		var content []format.InputContent
		if !m.Content.IsParts {
			content = []format.InputContent{{Type: "input_text", Text: m.Content.Text}}
		} else {
			for _, p := range m.Content.Parts {
				switch p.Type {
				case "text":
					content = append(content, format.InputContent{Type: "input_text", Text: p.Text})
				case "image_url":
					if p.ImageURL != nil {
						content = append(content, format.InputContent{
							Type:     "input_image",
							ImageURL: p.ImageURL.URL,
							Detail:   p.ImageURL.Detail,
						})
					}
				}
			}
		}
		return []format.InputItem{{Type: "message", Role: "user", Content: content}}
	}
}

func responseFormatToTextFormat(rf *format.ResponseFormat) *format.TextFormat {
	switch rf.Type {
	case "json_object":
		return &format.TextFormat{Type: "json_object"}
	case "json_schema":
		tf := &format.TextFormat{Type: "json_schema"}
		var wrapper struct {
			Name   string          `json:"name"`
			Schema json.RawMessage `json:"schema"`
			Strict *bool           `json:"strict"`
		}
		if err := json.Unmarshal(rf.JSONSchema, &wrapper); err == nil {
			tf.Name = wrapper.Name
			tf.Schema = wrapper.Schema
			tf.Strict = wrapper.Strict
		}
		return tf
	default:
		return &format.TextFormat{Type: "text"}
	}
}

// AnthropicToResponsesRequest converts through the Chat hub.
func AnthropicToResponsesRequest(req *format.AnthropicRequest, opts Options) (*format.ResponsesRequest, error) {
	chat, err := AnthropicToChatRequest(req, opts)
	if err != nil {
		return nil, err
	}
	return ChatToResponsesRequest(chat, opts)
}

// ResponsesToAnthropicRequest converts through the Chat hub.
func ResponsesToAnthropicRequest(req *format.ResponsesRequest, opts Options) (*format.AnthropicRequest, error) {
	chat, err := ResponsesToChatRequest(req, opts)
	if err != nil {
		return nil, err
	}
	return ChatToAnthropicRequest(chat, opts)
}
