package stream

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/translate"
)

// ChatToAnthropic converts Chat Completions chunks into an Anthropic message
// event stream: message_start, content_block_* events, message_delta,
// message_stop.
type ChatToAnthropic struct {
	opts translate.Options

	messageID string
	model     string

	started    bool
	finished   bool
	textIndex  int // -1 until opened
	nextIndex  int
	usage      format.Usage
	stopReason string

	// chat tool_calls index -> anthropic block index
	toolBlocks map[int]int
	openBlocks map[int]bool
}

// NewChatToAnthropic creates the converter.
func NewChatToAnthropic(responseModel string, opts translate.Options) *ChatToAnthropic {
	return &ChatToAnthropic{
		opts:       opts,
		messageID:  "msg_" + uuid.NewString(),
		model:      responseModel,
		textIndex:  -1,
		toolBlocks: make(map[int]int),
		openBlocks: make(map[int]bool),
	}
}

func (c *ChatToAnthropic) event(typ string, payload format.AnthropicStreamEvent) Event {
	payload.Type = typ
	return JSONEvent(typ, payload)
}

func (c *ChatToAnthropic) messageStart() Event {
	c.started = true
	return c.event(format.EventMessageStart, format.AnthropicStreamEvent{
		Message: &format.AnthropicResponse{
			ID:      c.messageID,
			Type:    "message",
			Role:    "assistant",
			Model:   c.model,
			Content: []format.ContentBlock{},
		},
	})
}

func (c *ChatToAnthropic) openTextBlock() []Event {
	if c.textIndex >= 0 {
		return nil
	}
	c.textIndex = c.nextIndex
	c.nextIndex++
	c.openBlocks[c.textIndex] = true
	idx := c.textIndex
	return []Event{c.event(format.EventContentBlockStart, format.AnthropicStreamEvent{
		Index:        &idx,
		ContentBlock: &format.ContentBlock{Type: format.BlockTypeText, Text: ""},
	})}
}

func (c *ChatToAnthropic) textDeltas(text string) []Event {
	out := c.openTextBlock()
	pieces := []string{text}
	if c.opts.MicroChunk {
		pieces = MicroChunks(text)
	}
	for _, p := range pieces {
		idx := c.textIndex
		out = append(out, c.event(format.EventContentBlockDelta, format.AnthropicStreamEvent{
			Index: &idx,
			Delta: &format.AnthropicDelta{Type: format.DeltaTypeText, Text: p},
		}))
	}
	return out
}

// Feed consumes one Chat Completions chunk (or the [DONE] sentinel).
func (c *ChatToAnthropic) Feed(ev Event) ([]Event, error) {
	if c.finished {
		return nil, nil
	}
	if ev.IsDone() {
		return c.terminal(), nil
	}

	// mid-stream error payloads come through as {"error": {...}}
	var errEnv format.ErrorResponse
	if err := json.Unmarshal(ev.Data, &errEnv); err == nil && errEnv.Error.Message != "" {
		return c.errorTerminal(errEnv.Error.Message), nil
	}

	var chunk format.ChatChunk
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return nil, fmt.Errorf("decode chat chunk: %w", err)
	}

	var out []Event
	if !c.started {
		out = append(out, c.messageStart())
	}

	if chunk.Usage != nil {
		u := format.FromChatUsage(*chunk.Usage)
		if u.PromptTokens > 0 {
			c.usage.PromptTokens = u.PromptTokens
			c.usage.CacheReadTokens = u.CacheReadTokens
		}
		if u.CompletionTokens > 0 {
			c.usage.CompletionTokens = u.CompletionTokens
			c.usage.ReasoningTokens = u.ReasoningTokens
		}
	}
	if len(chunk.Choices) == 0 {
		return out, nil
	}
	choice := chunk.Choices[0]

	if text := choice.Delta.Content; text != "" {
		out = append(out, c.textDeltas(text)...)
	}
	if choice.Delta.Refusal != "" {
		out = append(out, c.textDeltas(choice.Delta.Refusal)...)
	}

	for _, tc := range choice.Delta.ToolCalls {
		pos := 0
		if tc.Index != nil {
			pos = *tc.Index
		}
		blockIdx, known := c.toolBlocks[pos]
		if !known {
			blockIdx = c.nextIndex
			c.nextIndex++
			c.toolBlocks[pos] = blockIdx
			c.openBlocks[blockIdx] = true
			idx := blockIdx
			out = append(out, c.event(format.EventContentBlockStart, format.AnthropicStreamEvent{
				Index: &idx,
				ContentBlock: &format.ContentBlock{
					Type:  format.BlockTypeToolUse,
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage("{}"),
				},
			}))
		}
		if tc.Function.Arguments != "" {
			idx := blockIdx
			out = append(out, c.event(format.EventContentBlockDelta, format.AnthropicStreamEvent{
				Index: &idx,
				Delta: &format.AnthropicDelta{Type: format.DeltaTypeInputJSON, PartialJSON: tc.Function.Arguments},
			}))
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		c.stopReason = translate.FinishReasonToStopReason(*choice.FinishReason)
		out = append(out, c.terminal()...)
	}

	return out, nil
}

// closeOpenBlocks emits content_block_stop for every block still open, in
// index order.
func (c *ChatToAnthropic) closeOpenBlocks() []Event {
	var out []Event
	for i := 0; i < c.nextIndex; i++ {
		if !c.openBlocks[i] {
			continue
		}
		c.openBlocks[i] = false
		idx := i
		out = append(out, c.event(format.EventContentBlockStop, format.AnthropicStreamEvent{Index: &idx}))
	}
	return out
}

func (c *ChatToAnthropic) terminal() []Event {
	if c.finished {
		return nil
	}
	c.finished = true
	var out []Event
	if !c.started {
		out = append(out, c.messageStart())
	}
	out = append(out, c.closeOpenBlocks()...)
	stop := c.stopReason
	if stop == "" {
		stop = format.StopReasonEndTurn
	}
	usage := c.usage.ToAnthropicUsage()
	out = append(out, c.event(format.EventMessageDelta, format.AnthropicStreamEvent{
		Delta: &format.AnthropicDelta{StopReason: stop},
		Usage: &usage,
	}))
	out = append(out, c.event(format.EventMessageStop, format.AnthropicStreamEvent{}))
	return out
}

func (c *ChatToAnthropic) errorTerminal(msg string) []Event {
	if c.finished {
		return nil
	}
	c.finished = true
	return []Event{c.event(format.EventError, format.AnthropicStreamEvent{
		Error: &format.ErrorDetail{Message: msg, Type: "upstream_error", Code: "stream_failed"},
	})}
}

// Finish closes the stream, synthesizing a terminal when the upstream ended
// without one.
func (c *ChatToAnthropic) Finish(streamErr error) []Event {
	if c.finished {
		return nil
	}
	if streamErr != nil {
		return c.errorTerminal(streamErr.Error())
	}
	return c.terminal()
}
