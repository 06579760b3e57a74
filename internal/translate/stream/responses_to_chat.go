package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/translate"
)

// ResponsesToChat converts a Responses API event stream into Chat Completions
// chunks. Reasoning summary deltas are serialized as a <thinking> span: the
// tag opens on the first reasoning delta and closes before any non-reasoning
// output reaches the client.
type ResponsesToChat struct {
	opts translate.Options

	id      string
	created int64
	model   string

	roleSent     bool
	finished     bool
	thinkingOpen bool
	sawToolCall  bool
	usage        format.Usage

	// function_call item id -> chat tool_calls index
	toolIndex map[string]int
	nextTool  int
}

// NewResponsesToChat creates the converter.
func NewResponsesToChat(responseModel string, opts translate.Options) *ResponsesToChat {
	return &ResponsesToChat{
		opts:      opts,
		id:        "chatcmpl-" + uuid.NewString(),
		created:   time.Now().Unix(),
		model:     responseModel,
		toolIndex: make(map[string]int),
	}
}

func (c *ResponsesToChat) chunk(delta format.ChunkDelta, finish *string) Event {
	return JSONEvent("", format.ChatChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []format.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
}

func (c *ResponsesToChat) role() []Event {
	if c.roleSent {
		return nil
	}
	c.roleSent = true
	return []Event{c.chunk(format.ChunkDelta{Role: "assistant"}, nil)}
}

// closeThinking emits the closing tag if a reasoning span is open. Must run
// before any plain text delta.
func (c *ResponsesToChat) closeThinking() []Event {
	if !c.thinkingOpen {
		return nil
	}
	c.thinkingOpen = false
	return []Event{c.chunk(format.ChunkDelta{Content: "</thinking>"}, nil)}
}

// Feed consumes one Responses API stream event.
func (c *ResponsesToChat) Feed(ev Event) ([]Event, error) {
	if c.finished {
		return nil, nil
	}
	var src format.ResponsesStreamEvent
	if err := json.Unmarshal(ev.Data, &src); err != nil {
		return nil, fmt.Errorf("decode responses event: %w", err)
	}

	var out []Event
	switch src.Type {
	case format.RespEventCreated, format.RespEventInProgress:
		out = append(out, c.role()...)

	case format.RespEventReasoningDelta:
		if !c.opts.ThinkingXML {
			break
		}
		out = append(out, c.role()...)
		if !c.thinkingOpen {
			c.thinkingOpen = true
			out = append(out, c.chunk(format.ChunkDelta{Content: translate.ThinkingOpenTag(c.reasoningSignature(&src))}, nil))
		}
		if src.Delta != "" {
			out = append(out, c.chunk(format.ChunkDelta{Content: src.Delta}, nil))
		}

	case format.RespEventOutputTextDelta:
		out = append(out, c.role()...)
		out = append(out, c.closeThinking()...)
		if src.Delta != "" {
			pieces := []string{src.Delta}
			if c.opts.MicroChunk {
				pieces = MicroChunks(src.Delta)
			}
			for _, p := range pieces {
				out = append(out, c.chunk(format.ChunkDelta{Content: p}, nil))
			}
		}

	case format.RespEventOutputItemAdded:
		if src.Item != nil && src.Item.Type == "function_call" {
			out = append(out, c.role()...)
			out = append(out, c.closeThinking()...)
			c.sawToolCall = true
			pos := c.nextTool
			c.nextTool++
			c.toolIndex[src.Item.ID] = pos
			out = append(out, c.chunk(format.ChunkDelta{ToolCalls: []format.ChatToolCall{{
				Index:    &pos,
				ID:       src.Item.CallID,
				Type:     "function",
				Function: format.ToolCallFunction{Name: src.Item.Name},
			}}}, nil))
		}

	case format.RespEventFunctionCallArgDelta:
		if pos, ok := c.toolIndex[src.ItemID]; ok && src.Delta != "" {
			out = append(out, c.chunk(format.ChunkDelta{ToolCalls: []format.ChatToolCall{{
				Index:    &pos,
				Function: format.ToolCallFunction{Arguments: src.Delta},
			}}}, nil))
		}

	case format.RespEventCompleted, format.RespEventIncomplete:
		if src.Response != nil && src.Response.Usage != nil {
			c.usage = format.FromResponsesUsage(*src.Response.Usage)
		}
		finish := format.FinishReasonStop
		if c.sawToolCall {
			finish = format.FinishReasonToolCalls
		}
		if src.Type == format.RespEventIncomplete {
			finish = format.FinishReasonLength
		}
		out = append(out, c.terminal(finish)...)

	case format.RespEventFailed, format.RespEventErrorEvent:
		msg := "upstream response failed"
		if src.Response != nil && src.Response.Error != nil {
			msg = src.Response.Error.Message
		} else if src.Error != nil {
			msg = src.Error.Message
		}
		out = append(out, c.errorTerminal(msg)...)
	}

	return out, nil
}

// reasoningSignature derives a stable signature for the thinking span from
// the reasoning item id.
func (c *ResponsesToChat) reasoningSignature(src *format.ResponsesStreamEvent) string {
	if src.ItemID != "" {
		return src.ItemID
	}
	return "rs_" + c.id
}

func (c *ResponsesToChat) terminal(finish string) []Event {
	if c.finished {
		return nil
	}
	c.finished = true
	var out []Event
	out = append(out, c.role()...)
	out = append(out, c.closeThinking()...)
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
	out = append(out, JSONEvent("", final), DoneEvent())
	return out
}

func (c *ResponsesToChat) errorTerminal(msg string) []Event {
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
func (c *ResponsesToChat) Finish(streamErr error) []Event {
	if c.finished {
		return nil
	}
	if streamErr != nil {
		return c.errorTerminal(streamErr.Error())
	}
	finish := format.FinishReasonStop
	if c.sawToolCall {
		finish = format.FinishReasonToolCalls
	}
	return c.terminal(finish)
}
