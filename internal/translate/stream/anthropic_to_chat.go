package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/translate"
)

// AnthropicToChat converts an Anthropic message stream into Chat Completions
// chunks terminated by [DONE].
type AnthropicToChat struct {
	opts translate.Options

	id      string
	created int64
	model   string

	roleSent     bool
	finished     bool
	thinkingOpen bool
	usage        format.Usage
	stopReason   string

	// tool-use block index -> chat tool_calls index
	toolIndex map[int]int
	nextTool  int
	// block index -> block type, from content_block_start
	blockType map[int]string
}

// NewAnthropicToChat creates the converter. responseModel is echoed in every
// chunk, matching what the client asked for rather than the upstream model.
func NewAnthropicToChat(responseModel string, opts translate.Options) *AnthropicToChat {
	return &AnthropicToChat{
		opts:      opts,
		id:        "chatcmpl-" + uuid.NewString(),
		created:   time.Now().Unix(),
		model:     responseModel,
		toolIndex: make(map[int]int),
		blockType: make(map[int]string),
	}
}

func (c *AnthropicToChat) chunk(delta format.ChunkDelta, finish *string) Event {
	return JSONEvent("", format.ChatChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []format.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
}

func (c *AnthropicToChat) textDeltas(text string) []Event {
	pieces := []string{text}
	if c.opts.MicroChunk {
		pieces = MicroChunks(text)
	}
	out := make([]Event, 0, len(pieces))
	for _, p := range pieces {
		out = append(out, c.chunk(format.ChunkDelta{Content: p}, nil))
	}
	return out
}

// Feed consumes one Anthropic stream event.
func (c *AnthropicToChat) Feed(ev Event) ([]Event, error) {
	if c.finished {
		return nil, nil
	}
	var src format.AnthropicStreamEvent
	if err := json.Unmarshal(ev.Data, &src); err != nil {
		return nil, fmt.Errorf("decode anthropic event: %w", err)
	}

	var out []Event
	if !c.roleSent && src.Type != format.EventPing && src.Type != format.EventError {
		c.roleSent = true
		out = append(out, c.chunk(format.ChunkDelta{Role: "assistant"}, nil))
	}

	switch src.Type {
	case format.EventMessageStart:
		if src.Message != nil {
			c.usage = format.FromAnthropicUsage(src.Message.Usage)
		}

	case format.EventContentBlockStart:
		if src.Index == nil || src.ContentBlock == nil {
			break
		}
		idx := *src.Index
		c.blockType[idx] = src.ContentBlock.Type
		switch src.ContentBlock.Type {
		case format.BlockTypeToolUse:
			pos := c.nextTool
			c.nextTool++
			c.toolIndex[idx] = pos
			out = append(out, c.chunk(format.ChunkDelta{ToolCalls: []format.ChatToolCall{{
				Index:    &pos,
				ID:       src.ContentBlock.ID,
				Type:     "function",
				Function: format.ToolCallFunction{Name: src.ContentBlock.Name},
			}}}, nil))
		case format.BlockTypeThinking:
			if c.opts.ThinkingXML {
				c.thinkingOpen = true
				out = append(out, c.chunk(format.ChunkDelta{Content: translate.ThinkingOpenTag(src.ContentBlock.Signature)}, nil))
			}
		}

	case format.EventContentBlockDelta:
		if src.Delta == nil {
			break
		}
		switch src.Delta.Type {
		case format.DeltaTypeText:
			if src.Delta.Text != "" {
				out = append(out, c.textDeltas(src.Delta.Text)...)
			}
		case format.DeltaTypeThinking:
			if c.opts.ThinkingXML && src.Delta.Thinking != "" {
				out = append(out, c.chunk(format.ChunkDelta{Content: src.Delta.Thinking}, nil))
			}
		case format.DeltaTypeInputJSON:
			if src.Index == nil {
				break
			}
			if pos, ok := c.toolIndex[*src.Index]; ok && src.Delta.PartialJSON != "" {
				out = append(out, c.chunk(format.ChunkDelta{ToolCalls: []format.ChatToolCall{{
					Index:    &pos,
					Function: format.ToolCallFunction{Arguments: src.Delta.PartialJSON},
				}}}, nil))
			}
		}

	case format.EventContentBlockStop:
		if src.Index != nil && c.blockType[*src.Index] == format.BlockTypeThinking && c.thinkingOpen {
			c.thinkingOpen = false
			out = append(out, c.chunk(format.ChunkDelta{Content: "</thinking>"}, nil))
		}

	case format.EventMessageDelta:
		if src.Usage != nil {
			u := format.FromAnthropicUsage(*src.Usage)
			if u.CompletionTokens > 0 {
				c.usage.CompletionTokens = u.CompletionTokens
			}
			if u.PromptTokens > 0 {
				c.usage.PromptTokens = u.PromptTokens
			}
		}
		if src.Delta != nil && src.Delta.StopReason != "" {
			c.stopReason = src.Delta.StopReason
		}

	case format.EventMessageStop:
		out = append(out, c.terminal()...)

	case format.EventError:
		msg := "upstream stream error"
		if src.Error != nil {
			msg = src.Error.Message
		}
		out = append(out, c.errorTerminal(msg)...)
	}

	return out, nil
}

func (c *AnthropicToChat) terminal() []Event {
	if c.finished {
		return nil
	}
	c.finished = true
	finish := translate.StopReasonToFinishReason(c.stopReason)
	usage := c.usage.ToChatUsage()
	final := format.ChatChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []format.ChunkChoice{{Index: 0, Delta: format.ChunkDelta{}, FinishReason: &finish}},
	}
	if !c.usage.IsZero() {
		final.Usage = &usage
	}
	return []Event{JSONEvent("", final), DoneEvent()}
}

func (c *AnthropicToChat) errorTerminal(msg string) []Event {
	if c.finished {
		return nil
	}
	c.finished = true
	errEvent := JSONEvent("", format.ErrorResponse{Error: format.ErrorDetail{
		Message: msg,
		Type:    "upstream_error",
		Code:    "stream_failed",
	}})
	return []Event{errEvent, DoneEvent()}
}

// Finish closes the stream, synthesizing a terminal when the upstream ended
// without one.
func (c *AnthropicToChat) Finish(streamErr error) []Event {
	if c.finished {
		return nil
	}
	if streamErr != nil {
		return c.errorTerminal(streamErr.Error())
	}
	return c.terminal()
}
