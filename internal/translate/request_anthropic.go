package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ccproxy/ccproxy/internal/format"
)

// DefaultMaxTokens is used when a Chat request carries no token limit but the
// Anthropic target requires one.
const DefaultMaxTokens = 4096

// ChatToAnthropicRequest converts an OpenAI Chat Completions request into the
// Anthropic Messages shape. Contiguous leading system messages collapse into
// the Anthropic system field.
func ChatToAnthropicRequest(req *format.ChatRequest, opts Options) (*format.AnthropicRequest, error) {
	out := &format.AnthropicRequest{
		Model:         req.Model,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		StopSequences: req.Stop,
	}

	if mt := req.EffectiveMaxTokens(); mt != nil {
		out.MaxTokens = *mt
	} else {
		out.MaxTokens = DefaultMaxTokens
	}

	msgs := req.Messages
	var systemParts []string
	for len(msgs) > 0 && (msgs[0].Role == "system" || msgs[0].Role == "developer") {
		systemParts = append(systemParts, msgs[0].Content.PlainText())
		msgs = msgs[1:]
	}
	if len(systemParts) > 0 {
		out.System = format.SystemPrompt{Text: strings.Join(systemParts, "\n\n")}
	}

	for _, m := range msgs {
		converted, err := chatMessageToAnthropic(m, opts)
		if err != nil {
			return nil, err
		}
		appendAnthropicMessage(out, converted)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, format.AnthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	if req.ToolChoice != nil && !req.ToolChoice.IsZero() {
		out.ToolChoice = chatToolChoiceToAnthropic(*req.ToolChoice)
	}

	return out, nil
}

// appendAnthropicMessage adds a message, merging into the previous one when
// the roles match so the result keeps the alternating-role invariant.
func appendAnthropicMessage(out *format.AnthropicRequest, msg format.AnthropicMessage) {
	if len(msg.Content) == 0 {
		return
	}
	n := len(out.Messages)
	if n > 0 && out.Messages[n-1].Role == msg.Role {
		out.Messages[n-1].Content = append(out.Messages[n-1].Content, msg.Content...)
		return
	}
	out.Messages = append(out.Messages, msg)
}

func chatMessageToAnthropic(m format.ChatMessage, opts Options) (format.AnthropicMessage, error) {
	switch m.Role {
	case "tool":
		// tool results ride on user-role messages in Anthropic form
		content, _ := json.Marshal(m.Content.PlainText())
		return format.AnthropicMessage{
			Role: "user",
			Content: format.MessageContent{{
				Type:      format.BlockTypeToolResult,
				ToolUseID: m.ToolCallID,
				Content:   content,
			}},
		}, nil
	case "assistant":
		msg := format.AnthropicMessage{Role: "assistant"}
		if text := m.Content.PlainText(); text != "" {
			msg.Content = append(msg.Content, textToAnthropicBlocks(text, opts)...)
		}
		for _, tc := range m.ToolCalls {
			input := json.RawMessage(tc.Function.Arguments)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			msg.Content = append(msg.Content, format.ContentBlock{
				Type:  format.BlockTypeToolUse,
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			})
		}
		return msg, nil
	case "user", "system", "developer":
		msg := format.AnthropicMessage{Role: "user"}
		if !m.Content.IsParts {
			if m.Content.Text != "" {
				msg.Content = format.MessageContent{{Type: format.BlockTypeText, Text: m.Content.Text}}
			}
			return msg, nil
		}
		for _, p := range m.Content.Parts {
			switch p.Type {
			case "text":
				msg.Content = append(msg.Content, format.ContentBlock{Type: format.BlockTypeText, Text: p.Text})
			case "image_url":
				if p.ImageURL == nil {
					continue
				}
				msg.Content = append(msg.Content, imageURLToAnthropicBlock(p.ImageURL.URL))
			}
		}
		return msg, nil
	default:
		return format.AnthropicMessage{}, fmt.Errorf("unsupported message role %q", m.Role)
	}
}

// textToAnthropicBlocks expands assistant text into content blocks, lifting
// <thinking> spans into thinking blocks when enabled.
func textToAnthropicBlocks(text string, opts Options) []format.ContentBlock {
	if !opts.ThinkingXML {
		return []format.ContentBlock{{Type: format.BlockTypeText, Text: text}}
	}
	var blocks []format.ContentBlock
	for _, seg := range SplitThinking(text) {
		if seg.Thinking {
			blocks = append(blocks, format.ContentBlock{
				Type:      format.BlockTypeThinking,
				Thinking:  seg.Text,
				Signature: seg.Signature,
			})
		} else {
			blocks = append(blocks, format.ContentBlock{Type: format.BlockTypeText, Text: seg.Text})
		}
	}
	return blocks
}

// imageURLToAnthropicBlock converts a chat image part. Only data: URIs can be
// carried over; plain URLs degrade to a text placeholder since the Anthropic
// API does not fetch arbitrary URLs.
func imageURLToAnthropicBlock(url string) format.ContentBlock {
	if media, data, ok := parseDataURI(url); ok {
		return format.ContentBlock{
			Type: format.BlockTypeImage,
			Source: &format.ImageSource{
				Type:      "base64",
				MediaType: media,
				Data:      data,
			},
		}
	}
	return format.ContentBlock{
		Type: format.BlockTypeText,
		Text: fmt.Sprintf("[Image: %s]", url),
	}
}

// parseDataURI splits "data:<media>;base64,<data>".
func parseDataURI(url string) (media, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	return rest[:sep], rest[sep+len(";base64,"):], true
}

func chatToolChoiceToAnthropic(tc format.ChatToolChoice) *format.AnthropicToolChoice {
	if tc.Function != "" {
		return &format.AnthropicToolChoice{Type: "tool", Name: tc.Function}
	}
	switch tc.Mode {
	case "none":
		return &format.AnthropicToolChoice{Type: "none"}
	case "required":
		return &format.AnthropicToolChoice{Type: "any"}
	default:
		return &format.AnthropicToolChoice{Type: "auto"}
	}
}

// AnthropicToChatRequest converts an Anthropic Messages request into the
// OpenAI Chat Completions shape.
func AnthropicToChatRequest(req *format.AnthropicRequest, opts Options) (*format.ChatRequest, error) {
	out := &format.ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.StopSequences,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}

	if !req.System.IsEmpty() {
		out.Messages = append(out.Messages, format.ChatMessage{
			Role:    "system",
			Content: format.ChatContent{Text: req.System.Joined()},
		})
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, anthropicMessageToChat(m, opts)...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, format.ChatTool{
			Type: "function",
			Function: format.ChatToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	if req.ToolChoice != nil {
		out.ToolChoice = anthropicToolChoiceToChat(*req.ToolChoice)
	}

	return out, nil
}

func anthropicMessageToChat(m format.AnthropicMessage, opts Options) []format.ChatMessage {
	var msgs []format.ChatMessage

	if m.Role == "assistant" {
		msg := format.ChatMessage{Role: "assistant"}
		text := ""
		for _, b := range m.Content {
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
		return []format.ChatMessage{msg}
	}

	// user message: tool results split out as separate tool-role messages
	var parts []format.ChatContentPart
	for _, b := range m.Content {
		switch b.Type {
		case format.BlockTypeText:
			parts = append(parts, format.ChatContentPart{Type: "text", Text: b.Text})
		case format.BlockTypeImage:
			if b.Source == nil {
				continue
			}
			url := b.Source.URL
			if b.Source.Type == "base64" {
				url = fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)
			}
			parts = append(parts, format.ChatContentPart{Type: "image_url", ImageURL: &format.ChatImageURL{URL: url}})
		case format.BlockTypeToolResult:
			msgs = append(msgs, format.ChatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    format.ChatContent{Text: toolResultText(b.Content)},
			})
		}
	}
	if len(parts) == 1 && parts[0].Type == "text" {
		msgs = append(msgs, format.ChatMessage{Role: "user", Content: format.ChatContent{Text: parts[0].Text}})
	} else if len(parts) > 0 {
		msgs = append(msgs, format.ChatMessage{Role: "user", Content: format.ChatContent{IsParts: true, Parts: parts}})
	}
	return msgs
}

// toolResultText flattens a tool_result content value, which may be a bare
// string or a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []format.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == format.BlockTypeText {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}

func anthropicToolChoiceToChat(tc format.AnthropicToolChoice) *format.ChatToolChoice {
	switch tc.Type {
	case "tool":
		return &format.ChatToolChoice{Function: tc.Name}
	case "any":
		return &format.ChatToolChoice{Mode: "required"}
	case "none":
		return &format.ChatToolChoice{Mode: "none"}
	default:
		return &format.ChatToolChoice{Mode: "auto"}
	}
}
