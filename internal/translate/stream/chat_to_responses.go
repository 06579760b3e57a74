package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/translate"
)

// ChatToResponses converts Chat Completions chunks into a Responses API event
// stream: response.created, output item lifecycle events, text deltas, and a
// single response.completed (or response.failed) terminal.
type ChatToResponses struct {
	opts translate.Options

	responseID string
	model      string
	createdAt  int64
	seq        int

	started     bool
	finished    bool
	msgOpen     bool
	msgItemID   string
	outputIndex int
	textBuf     strings.Builder

	// reasoning text extracted from <thinking> spans in the delta flow
	thinkingParse thinkingStreamParser
	reasoningID   string
	reasoningBuf  strings.Builder
	reasoningSig  string

	// chat tool_calls index -> responses function_call item
	tools      map[int]*respToolItem
	toolOrder  []int
	usage      format.Usage
	stopReason string
}

type respToolItem struct {
	itemID      string
	callID      string
	name        string
	args        strings.Builder
	outputIndex int
	announced   bool
}

// NewChatToResponses creates the converter.
func NewChatToResponses(responseModel string, opts translate.Options) *ChatToResponses {
	return &ChatToResponses{
		opts:       opts,
		responseID: "resp_" + uuid.NewString(),
		model:      responseModel,
		createdAt:  time.Now().Unix(),
		tools:      make(map[int]*respToolItem),
	}
}

func (c *ChatToResponses) emit(typ string, ev format.ResponsesStreamEvent) Event {
	ev.Type = typ
	ev.SequenceNumber = c.seq
	c.seq++
	return JSONEvent(typ, ev)
}

func (c *ChatToResponses) snapshot(status string) *format.ResponsesResponse {
	return &format.ResponsesResponse{
		ID:        c.responseID,
		Object:    "response",
		CreatedAt: c.createdAt,
		Status:    status,
		Model:     c.model,
		Output:    []format.OutputItem{},
	}
}

func (c *ChatToResponses) start() []Event {
	if c.started {
		return nil
	}
	c.started = true
	return []Event{
		c.emit(format.RespEventCreated, format.ResponsesStreamEvent{Response: c.snapshot(format.ResponseStatusInProgress)}),
		c.emit(format.RespEventInProgress, format.ResponsesStreamEvent{Response: c.snapshot(format.ResponseStatusInProgress)}),
	}
}

func (c *ChatToResponses) openMessage() []Event {
	if c.msgOpen {
		return nil
	}
	c.msgOpen = true
	c.msgItemID = "msg_" + uuid.NewString()
	idx := c.outputIndex
	c.outputIndex++
	item := &format.OutputItem{Type: "message", ID: c.msgItemID, Role: "assistant", Status: "in_progress"}
	zero := 0
	return []Event{
		c.emit(format.RespEventOutputItemAdded, format.ResponsesStreamEvent{OutputIndex: &idx, Item: item}),
		c.emit(format.RespEventContentPartAdded, format.ResponsesStreamEvent{
			ItemID:       c.msgItemID,
			OutputIndex:  &idx,
			ContentIndex: &zero,
			Part:         &format.OutputContent{Type: "output_text", Text: ""},
		}),
	}
}

func (c *ChatToResponses) textDelta(text string) []Event {
	out := c.openMessage()
	c.textBuf.WriteString(text)
	zero := 0
	out = append(out, c.emit(format.RespEventOutputTextDelta, format.ResponsesStreamEvent{
		ItemID:       c.msgItemID,
		ContentIndex: &zero,
		Delta:        text,
	}))
	return out
}

func (c *ChatToResponses) reasoningDelta(sig, text string) []Event {
	var out []Event
	if c.reasoningID == "" {
		c.reasoningID = "rs_" + uuid.NewString()
		c.reasoningSig = sig
		idx := c.outputIndex
		c.outputIndex++
		out = append(out, c.emit(format.RespEventOutputItemAdded, format.ResponsesStreamEvent{
			OutputIndex: &idx,
			Item:        &format.OutputItem{Type: "reasoning", ID: c.reasoningID},
		}))
	}
	c.reasoningBuf.WriteString(text)
	zero := 0
	out = append(out, c.emit(format.RespEventReasoningDelta, format.ResponsesStreamEvent{
		ItemID:       c.reasoningID,
		SummaryIndex: &zero,
		Delta:        text,
	}))
	return out
}

// Feed consumes one Chat Completions chunk (or the [DONE] sentinel).
func (c *ChatToResponses) Feed(ev Event) ([]Event, error) {
	if c.finished {
		return nil, nil
	}
	if ev.IsDone() {
		return c.terminal(), nil
	}

	var errEnv format.ErrorResponse
	if err := json.Unmarshal(ev.Data, &errEnv); err == nil && errEnv.Error.Message != "" {
		return c.errorTerminal(errEnv.Error.Message), nil
	}

	var chunk format.ChatChunk
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return nil, fmt.Errorf("decode chat chunk: %w", err)
	}

	out := c.start()

	if chunk.Usage != nil {
		u := format.FromChatUsage(*chunk.Usage)
		if u.PromptTokens > 0 || u.CompletionTokens > 0 {
			c.usage = u
		}
	}
	if len(chunk.Choices) == 0 {
		return out, nil
	}
	choice := chunk.Choices[0]

	if text := choice.Delta.Content; text != "" {
		if c.opts.ThinkingXML {
			for _, seg := range c.thinkingParse.feed(text) {
				if seg.Thinking {
					out = append(out, c.reasoningDelta(seg.Signature, seg.Text)...)
				} else if seg.Text != "" {
					out = append(out, c.textDelta(seg.Text)...)
				}
			}
		} else {
			out = append(out, c.textDelta(text)...)
		}
	}

	for _, tc := range choice.Delta.ToolCalls {
		pos := 0
		if tc.Index != nil {
			pos = *tc.Index
		}
		item, known := c.tools[pos]
		if !known {
			item = &respToolItem{
				itemID:      "fc_" + uuid.NewString(),
				callID:      tc.ID,
				name:        tc.Function.Name,
				outputIndex: c.outputIndex,
			}
			c.outputIndex++
			c.tools[pos] = item
			c.toolOrder = append(c.toolOrder, pos)
			idx := item.outputIndex
			item.announced = true
			out = append(out, c.emit(format.RespEventOutputItemAdded, format.ResponsesStreamEvent{
				OutputIndex: &idx,
				Item: &format.OutputItem{
					Type:   "function_call",
					ID:     item.itemID,
					CallID: item.callID,
					Name:   item.name,
					Status: "in_progress",
				},
			}))
		}
		if tc.Function.Arguments != "" {
			item.args.WriteString(tc.Function.Arguments)
			out = append(out, c.emit(format.RespEventFunctionCallArgDelta, format.ResponsesStreamEvent{
				ItemID: item.itemID,
				Delta:  tc.Function.Arguments,
			}))
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		c.stopReason = *choice.FinishReason
	}

	return out, nil
}

func (c *ChatToResponses) terminal() []Event {
	if c.finished {
		return nil
	}
	c.finished = true
	var out []Event
	if !c.started {
		out = append(out, c.start()...)
	}

	// flush any text the thinking parser is still holding
	if tail := c.thinkingParse.flush(); tail != "" {
		out = append(out, c.textDelta(tail)...)
	}

	final := c.snapshot(format.ResponseStatusCompleted)
	if c.stopReason == format.FinishReasonLength {
		final.Status = format.ResponseStatusIncomplete
	}
	if c.reasoningID != "" {
		final.Output = append(final.Output, format.OutputItem{
			Type: "reasoning",
			ID:   c.reasoningID,
			Summary: []format.SummaryPart{{
				Type:      "summary_text",
				Text:      c.reasoningBuf.String(),
				Signature: c.reasoningSig,
			}},
		})
	}
	if c.msgOpen {
		zero := 0
		out = append(out, c.emit(format.RespEventOutputTextDone, format.ResponsesStreamEvent{
			ItemID:       c.msgItemID,
			ContentIndex: &zero,
			Text:         c.textBuf.String(),
		}))
		final.Output = append(final.Output, format.OutputItem{
			Type:    "message",
			ID:      c.msgItemID,
			Role:    "assistant",
			Status:  "completed",
			Content: []format.OutputContent{{Type: "output_text", Text: c.textBuf.String()}},
		})
	}
	for _, pos := range c.toolOrder {
		item := c.tools[pos]
		out = append(out, c.emit(format.RespEventFunctionCallArgDone, format.ResponsesStreamEvent{
			ItemID:    item.itemID,
			Arguments: item.args.String(),
		}))
		final.Output = append(final.Output, format.OutputItem{
			Type:      "function_call",
			ID:        item.itemID,
			CallID:    item.callID,
			Name:      item.name,
			Arguments: item.args.String(),
			Status:    "completed",
		})
	}
	if !c.usage.IsZero() {
		usage := c.usage.ToResponsesUsage()
		final.Usage = &usage
	}
	terminalType := format.RespEventCompleted
	if final.Status == format.ResponseStatusIncomplete {
		terminalType = format.RespEventIncomplete
	}
	out = append(out, c.emit(terminalType, format.ResponsesStreamEvent{Response: final}))
	return out
}

func (c *ChatToResponses) errorTerminal(msg string) []Event {
	if c.finished {
		return nil
	}
	c.finished = true
	final := c.snapshot(format.ResponseStatusFailed)
	final.Error = &format.ErrorDetail{Message: msg, Type: "upstream_error", Code: "stream_failed"}
	return []Event{c.emit(format.RespEventFailed, format.ResponsesStreamEvent{Response: final})}
}

// Finish closes the stream, synthesizing a terminal when the upstream ended
// without one.
func (c *ChatToResponses) Finish(streamErr error) []Event {
	if c.finished {
		return nil
	}
	if streamErr != nil {
		return c.errorTerminal(streamErr.Error())
	}
	return c.terminal()
}
