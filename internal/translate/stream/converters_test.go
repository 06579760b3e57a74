package stream

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/translate"
)

func run(t *testing.T, c Converter, events ...Event) []Event {
	t.Helper()
	var out []Event
	for _, ev := range events {
		got, err := c.Feed(ev)
		require.NoError(t, err)
		out = append(out, got...)
	}
	out = append(out, c.Finish(nil)...)
	return out
}

func anthropicEvents(t *testing.T) []Event {
	t.Helper()
	idx0, idx1 := 0, 1
	payloads := []format.AnthropicStreamEvent{
		{Type: format.EventMessageStart, Message: &format.AnthropicResponse{
			ID: "msg_up", Type: "message", Role: "assistant", Model: "claude-3-5-sonnet",
			Usage: format.AnthropicUsage{InputTokens: 10},
		}},
		{Type: format.EventContentBlockStart, Index: &idx0, ContentBlock: &format.ContentBlock{Type: format.BlockTypeText}},
		{Type: format.EventContentBlockDelta, Index: &idx0, Delta: &format.AnthropicDelta{Type: format.DeltaTypeText, Text: "Hello "}},
		{Type: format.EventContentBlockDelta, Index: &idx0, Delta: &format.AnthropicDelta{Type: format.DeltaTypeText, Text: "world"}},
		{Type: format.EventContentBlockStop, Index: &idx0},
		{Type: format.EventContentBlockStart, Index: &idx1, ContentBlock: &format.ContentBlock{
			Type: format.BlockTypeToolUse, ID: "toolu_1", Name: "get_weather", Input: json.RawMessage("{}"),
		}},
		{Type: format.EventContentBlockDelta, Index: &idx1, Delta: &format.AnthropicDelta{Type: format.DeltaTypeInputJSON, PartialJSON: `{"city":`}},
		{Type: format.EventContentBlockDelta, Index: &idx1, Delta: &format.AnthropicDelta{Type: format.DeltaTypeInputJSON, PartialJSON: `"Paris"}`}},
		{Type: format.EventContentBlockStop, Index: &idx1},
		{Type: format.EventMessageDelta, Delta: &format.AnthropicDelta{StopReason: format.StopReasonToolUse},
			Usage: &format.AnthropicUsage{OutputTokens: 25}},
		{Type: format.EventMessageStop},
	}
	events := make([]Event, 0, len(payloads))
	for _, p := range payloads {
		events = append(events, JSONEvent(p.Type, p))
	}
	return events
}

func decodeChunks(t *testing.T, events []Event) []format.ChatChunk {
	t.Helper()
	var chunks []format.ChatChunk
	for _, ev := range events {
		if ev.IsDone() {
			continue
		}
		var chunk format.ChatChunk
		require.NoError(t, json.Unmarshal(ev.Data, &chunk))
		chunks = append(chunks, chunk)
	}
	return chunks
}

func joinContent(chunks []format.ChatChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		for _, ch := range c.Choices {
			b.WriteString(ch.Delta.Content)
		}
	}
	return b.String()
}

func TestAnthropicToChatStream(t *testing.T) {
	c := NewAnthropicToChat("gpt-4o", translate.DefaultOptions())
	out := run(t, c, anthropicEvents(t)...)

	require.NotEmpty(t, out)
	assert.True(t, out[len(out)-1].IsDone())

	chunks := decodeChunks(t, out)
	require.NotEmpty(t, chunks)
	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)
	assert.Equal(t, "Hello world", joinContent(chunks))

	var toolName, toolArgs string
	for _, chunk := range chunks {
		for _, tc := range chunk.Choices[0].Delta.ToolCalls {
			toolName += tc.Function.Name
			toolArgs += tc.Function.Arguments
		}
	}
	assert.Equal(t, "get_weather", toolName)
	assert.JSONEq(t, `{"city":"Paris"}`, toolArgs)

	last := chunks[len(chunks)-1]
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, format.FinishReasonToolCalls, *last.Choices[0].FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 10, last.Usage.PromptTokens)
	assert.Equal(t, 25, last.Usage.CompletionTokens)

	for _, chunk := range chunks {
		assert.Equal(t, "gpt-4o", chunk.Model)
	}
}

func TestAnthropicToChatThinkingSpan(t *testing.T) {
	idx0 := 0
	payloads := []format.AnthropicStreamEvent{
		{Type: format.EventMessageStart, Message: &format.AnthropicResponse{ID: "msg_up", Model: "claude"}},
		{Type: format.EventContentBlockStart, Index: &idx0, ContentBlock: &format.ContentBlock{
			Type: format.BlockTypeThinking, Signature: "sig_xyz",
		}},
		{Type: format.EventContentBlockDelta, Index: &idx0, Delta: &format.AnthropicDelta{Type: format.DeltaTypeThinking, Thinking: "step one"}},
		{Type: format.EventContentBlockStop, Index: &idx0},
		{Type: format.EventMessageDelta, Delta: &format.AnthropicDelta{StopReason: format.StopReasonEndTurn}},
		{Type: format.EventMessageStop},
	}
	var events []Event
	for _, p := range payloads {
		events = append(events, JSONEvent(p.Type, p))
	}

	c := NewAnthropicToChat("gpt-4o", translate.DefaultOptions())
	content := joinContent(decodeChunks(t, run(t, c, events...)))
	assert.Equal(t, `<thinking signature="sig_xyz">step one</thinking>`, content)
}

func TestChatToAnthropicStream(t *testing.T) {
	finish := format.FinishReasonStop
	zero := 0
	chunks := []any{
		format.ChatChunk{ID: "x", Object: "chat.completion.chunk", Choices: []format.ChunkChoice{
			{Delta: format.ChunkDelta{Role: "assistant"}}}},
		format.ChatChunk{ID: "x", Choices: []format.ChunkChoice{
			{Delta: format.ChunkDelta{Content: "Hi there"}}}},
		format.ChatChunk{ID: "x", Choices: []format.ChunkChoice{
			{Delta: format.ChunkDelta{ToolCalls: []format.ChatToolCall{{
				Index: &zero, ID: "call_1", Type: "function",
				Function: format.ToolCallFunction{Name: "lookup"},
			}}}}}},
		format.ChatChunk{ID: "x", Choices: []format.ChunkChoice{
			{Delta: format.ChunkDelta{ToolCalls: []format.ChatToolCall{{
				Index: &zero, Function: format.ToolCallFunction{Arguments: `{"q":1}`},
			}}}}}},
		format.ChatChunk{ID: "x",
			Choices: []format.ChunkChoice{{Delta: format.ChunkDelta{}, FinishReason: &finish}},
			Usage:   &format.ChatUsage{PromptTokens: 5, CompletionTokens: 9}},
	}

	c := NewChatToAnthropic("claude-3-5-sonnet", translate.DefaultOptions())
	var events []Event
	for _, ch := range chunks {
		events = append(events, JSONEvent("", ch))
	}
	events = append(events, DoneEvent())
	out := run(t, c, events...)

	var types []string
	var stopReason string
	var outputTokens int
	for _, ev := range out {
		var se format.AnthropicStreamEvent
		require.NoError(t, json.Unmarshal(ev.Data, &se))
		types = append(types, se.Type)
		if se.Type == format.EventMessageDelta {
			stopReason = se.Delta.StopReason
			outputTokens = se.Usage.OutputTokens
		}
	}

	assert.Equal(t, format.EventMessageStart, types[0])
	assert.Equal(t, format.EventMessageStop, types[len(types)-1])
	assert.Equal(t, format.StopReasonEndTurn, stopReason)
	assert.Equal(t, 9, outputTokens)

	// one message_stop, one message_delta
	count := map[string]int{}
	for _, ty := range types {
		count[ty]++
	}
	assert.Equal(t, 1, count[format.EventMessageStop])
	assert.Equal(t, 1, count[format.EventMessageDelta])
	assert.Equal(t, count[format.EventContentBlockStart], count[format.EventContentBlockStop])
}

func TestResponsesToChatReasoningBeforeText(t *testing.T) {
	zero := 0
	payloads := []format.ResponsesStreamEvent{
		{Type: format.RespEventCreated, Response: &format.ResponsesResponse{ID: "resp_1", Status: format.ResponseStatusInProgress}},
		{Type: format.RespEventReasoningDelta, ItemID: "rs_1", SummaryIndex: &zero, Delta: "thinking hard"},
		{Type: format.RespEventOutputTextDelta, ItemID: "msg_1", Delta: "Answer: 4"},
		{Type: format.RespEventCompleted, Response: &format.ResponsesResponse{
			ID: "resp_1", Status: format.ResponseStatusCompleted,
			Usage: &format.ResponsesUsage{InputTokens: 3, OutputTokens: 7, TotalTokens: 10},
		}},
	}
	var events []Event
	for _, p := range payloads {
		events = append(events, JSONEvent(p.Type, p))
	}

	c := NewResponsesToChat("gpt-4o", translate.DefaultOptions())
	out := run(t, c, events...)
	chunks := decodeChunks(t, out)
	content := joinContent(chunks)
	assert.Equal(t, `<thinking signature="rs_1">thinking hard</thinking>Answer: 4`, content)

	last := chunks[len(chunks)-1]
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, format.FinishReasonStop, *last.Choices[0].FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 3, last.Usage.PromptTokens)
	assert.True(t, out[len(out)-1].IsDone())
}

func TestChatToResponsesStream(t *testing.T) {
	finish := format.FinishReasonStop
	chunks := []format.ChatChunk{
		{Choices: []format.ChunkChoice{{Delta: format.ChunkDelta{Role: "assistant"}}}},
		{Choices: []format.ChunkChoice{{Delta: format.ChunkDelta{Content: "Hello"}}}},
		{Choices: []format.ChunkChoice{{Delta: format.ChunkDelta{Content: " world"}}}},
		{Choices: []format.ChunkChoice{{Delta: format.ChunkDelta{}, FinishReason: &finish}},
			Usage: &format.ChatUsage{PromptTokens: 4, CompletionTokens: 2}},
	}
	var events []Event
	for _, ch := range chunks {
		events = append(events, JSONEvent("", ch))
	}
	events = append(events, DoneEvent())

	c := NewChatToResponses("gpt-4o", translate.DefaultOptions())
	out := run(t, c, events...)

	var types []string
	var textDeltas strings.Builder
	var final *format.ResponsesResponse
	for _, ev := range out {
		var se format.ResponsesStreamEvent
		require.NoError(t, json.Unmarshal(ev.Data, &se))
		types = append(types, se.Type)
		if se.Type == format.RespEventOutputTextDelta {
			textDeltas.WriteString(se.Delta)
		}
		if se.Type == format.RespEventCompleted {
			final = se.Response
		}
	}

	assert.Equal(t, format.RespEventCreated, types[0])
	assert.Equal(t, format.RespEventInProgress, types[1])
	assert.Equal(t, "Hello world", textDeltas.String())
	require.NotNil(t, final)
	assert.Equal(t, format.ResponseStatusCompleted, final.Status)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 4, final.Usage.InputTokens)
	assert.Equal(t, "Hello world", final.Output[0].Content[0].Text)

	// sequence numbers strictly increase
	prev := -1
	for _, ev := range out {
		var se format.ResponsesStreamEvent
		require.NoError(t, json.Unmarshal(ev.Data, &se))
		assert.Greater(t, se.SequenceNumber, prev)
		prev = se.SequenceNumber
	}
}

func TestChatToResponsesThinkingToReasoning(t *testing.T) {
	finish := format.FinishReasonStop
	chunks := []format.ChatChunk{
		{Choices: []format.ChunkChoice{{Delta: format.ChunkDelta{Role: "assistant"}}}},
		{Choices: []format.ChunkChoice{{Delta: format.ChunkDelta{Content: `<thinking signature="s1">rea`}}}},
		{Choices: []format.ChunkChoice{{Delta: format.ChunkDelta{Content: "soning</thinking>visible"}}}},
		{Choices: []format.ChunkChoice{{Delta: format.ChunkDelta{}, FinishReason: &finish}}},
	}
	var events []Event
	for _, ch := range chunks {
		events = append(events, JSONEvent("", ch))
	}
	events = append(events, DoneEvent())

	c := NewChatToResponses("gpt-4o", translate.DefaultOptions())
	out := run(t, c, events...)

	var reasoning, text strings.Builder
	var final *format.ResponsesResponse
	for _, ev := range out {
		var se format.ResponsesStreamEvent
		require.NoError(t, json.Unmarshal(ev.Data, &se))
		switch se.Type {
		case format.RespEventReasoningDelta:
			reasoning.WriteString(se.Delta)
		case format.RespEventOutputTextDelta:
			text.WriteString(se.Delta)
		case format.RespEventCompleted:
			final = se.Response
		}
	}
	assert.Equal(t, "reasoning", reasoning.String())
	assert.Equal(t, "visible", text.String())
	require.NotNil(t, final)
	require.Equal(t, "reasoning", final.Output[0].Type)
	assert.Equal(t, "s1", final.Output[0].Summary[0].Signature)
}

func TestComposedAnthropicToResponses(t *testing.T) {
	conv, err := NewConverter(format.FormatAnthropic, format.FormatOpenAIResponses, "gpt-4o", translate.DefaultOptions())
	require.NoError(t, err)

	out := run(t, conv, anthropicEvents(t)...)

	var text, args strings.Builder
	var final *format.ResponsesResponse
	for _, ev := range out {
		var se format.ResponsesStreamEvent
		require.NoError(t, json.Unmarshal(ev.Data, &se))
		switch se.Type {
		case format.RespEventOutputTextDelta:
			text.WriteString(se.Delta)
		case format.RespEventFunctionCallArgDelta:
			args.WriteString(se.Delta)
		case format.RespEventCompleted:
			final = se.Response
		}
	}
	assert.Equal(t, "Hello world", text.String())
	assert.JSONEq(t, `{"city":"Paris"}`, args.String())
	require.NotNil(t, final)

	var fc *format.OutputItem
	for i := range final.Output {
		if final.Output[i].Type == "function_call" {
			fc = &final.Output[i]
		}
	}
	require.NotNil(t, fc)
	assert.Equal(t, "get_weather", fc.Name)
}

func TestComposedResponsesToAnthropic(t *testing.T) {
	conv, err := NewConverter(format.FormatOpenAIResponses, format.FormatAnthropic, "claude-3-5-sonnet", translate.DefaultOptions())
	require.NoError(t, err)

	zero := 0
	payloads := []format.ResponsesStreamEvent{
		{Type: format.RespEventCreated, Response: &format.ResponsesResponse{ID: "resp_1"}},
		{Type: format.RespEventReasoningDelta, ItemID: "rs_9", SummaryIndex: &zero, Delta: "plan"},
		{Type: format.RespEventOutputTextDelta, Delta: "done"},
		{Type: format.RespEventCompleted, Response: &format.ResponsesResponse{
			ID: "resp_1", Status: format.ResponseStatusCompleted,
			Usage: &format.ResponsesUsage{InputTokens: 2, OutputTokens: 8},
		}},
	}
	var events []Event
	for _, p := range payloads {
		events = append(events, JSONEvent(p.Type, p))
	}
	out := run(t, conv, events...)

	var types []string
	var thinking, text strings.Builder
	for _, ev := range out {
		var se format.AnthropicStreamEvent
		require.NoError(t, json.Unmarshal(ev.Data, &se))
		types = append(types, se.Type)
		if se.Type == format.EventContentBlockDelta && se.Delta != nil && se.Delta.Type == format.DeltaTypeText {
			text.WriteString(se.Delta.Text)
		}
		_ = thinking
	}
	assert.Equal(t, format.EventMessageStart, types[0])
	assert.Equal(t, format.EventMessageStop, types[len(types)-1])
	// the reasoning span rides through as a <thinking> text span in the hub
	assert.Contains(t, text.String(), `<thinking signature="rs_9">plan</thinking>`)
	assert.Contains(t, text.String(), "done")
}

func TestExactlyOneTerminal(t *testing.T) {
	c := NewAnthropicToChat("gpt-4o", translate.DefaultOptions())
	out := run(t, c, anthropicEvents(t)...)

	done := 0
	for _, ev := range out {
		if ev.IsDone() {
			done++
		}
	}
	assert.Equal(t, 1, done)
	// Finish after terminal adds nothing
	assert.Empty(t, c.Finish(nil))
	assert.Empty(t, c.Finish(errors.New("late")))
}

func TestFinishWithErrorSynthesizesTerminal(t *testing.T) {
	c := NewChatToAnthropic("claude-3-5-sonnet", translate.DefaultOptions())
	_, err := c.Feed(JSONEvent("", format.ChatChunk{Choices: []format.ChunkChoice{{Delta: format.ChunkDelta{Role: "assistant", Content: "par"}}}}))
	require.NoError(t, err)

	out := c.Finish(errors.New("connection reset"))
	require.NotEmpty(t, out)
	var se format.AnthropicStreamEvent
	require.NoError(t, json.Unmarshal(out[len(out)-1].Data, &se))
	assert.Equal(t, format.EventError, se.Type)
	assert.Contains(t, se.Error.Message, "connection reset")
}

func TestNewConverterPassthrough(t *testing.T) {
	conv, err := NewConverter(format.FormatOpenAIChat, format.FormatOpenAIChat, "m", translate.DefaultOptions())
	require.NoError(t, err)
	ev := JSONEvent("", map[string]string{"a": "b"})
	out, err := conv.Feed(ev)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ev.Data, out[0].Data)
	assert.Empty(t, conv.Finish(nil))
}

func TestPassthroughSynthesizesAnthropicErrorTerminal(t *testing.T) {
	conv, err := NewConverter(format.FormatAnthropic, format.FormatAnthropic, "claude-3-5-sonnet", translate.DefaultOptions())
	require.NoError(t, err)

	_, err = conv.Feed(JSONEvent(format.EventMessageStart, format.AnthropicStreamEvent{Type: format.EventMessageStart}))
	require.NoError(t, err)

	out := conv.Finish(errors.New("connection reset by peer"))
	require.Len(t, out, 1)
	assert.Equal(t, format.EventError, out[0].Name)
	var se format.AnthropicStreamEvent
	require.NoError(t, json.Unmarshal(out[0].Data, &se))
	assert.Equal(t, format.EventError, se.Type)
	assert.Contains(t, se.Error.Message, "connection reset by peer")
	assert.Equal(t, "upstream_error", se.Error.Type)
}

func TestPassthroughChatErrorTerminalEndsWithDone(t *testing.T) {
	conv, err := NewConverter(format.FormatOpenAIChat, format.FormatOpenAIChat, "gpt-4o", translate.DefaultOptions())
	require.NoError(t, err)

	out := conv.Finish(errors.New("upstream gone"))
	require.Len(t, out, 2)
	assert.Contains(t, string(out[0].Data), "upstream gone")
	assert.True(t, out[1].IsDone())
}

func TestPassthroughResponsesErrorTerminal(t *testing.T) {
	conv, err := NewConverter(format.FormatOpenAIResponses, format.FormatOpenAIResponses, "gpt-4o", translate.DefaultOptions())
	require.NoError(t, err)

	out := conv.Finish(errors.New("upstream gone"))
	require.Len(t, out, 1)
	assert.Equal(t, format.RespEventErrorEvent, out[0].Name)
	assert.Contains(t, string(out[0].Data), "upstream gone")
}

func TestPassthroughQuietAfterNaturalTerminal(t *testing.T) {
	conv, err := NewConverter(format.FormatAnthropic, format.FormatAnthropic, "claude-3-5-sonnet", translate.DefaultOptions())
	require.NoError(t, err)

	_, err = conv.Feed(JSONEvent(format.EventMessageStop, format.AnthropicStreamEvent{Type: format.EventMessageStop}))
	require.NoError(t, err)
	assert.Empty(t, conv.Finish(errors.New("late reset")))

	chat, err := NewConverter(format.FormatOpenAIChat, format.FormatOpenAIChat, "gpt-4o", translate.DefaultOptions())
	require.NoError(t, err)
	_, err = chat.Feed(DoneEvent())
	require.NoError(t, err)
	assert.Empty(t, chat.Finish(errors.New("late reset")))
}
