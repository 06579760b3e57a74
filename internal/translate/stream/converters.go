package stream

import (
	"encoding/json"
	"fmt"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/translate"
)

// passthrough forwards same-format streams untouched. It still watches for
// the natural terminal so an abnormal upstream end can synthesize one in the
// stream's own format.
type passthrough struct {
	format   format.Format
	finished bool
}

func (p *passthrough) Feed(ev Event) ([]Event, error) {
	if p.sawTerminal(ev) {
		p.finished = true
	}
	return []Event{ev}, nil
}

// Finish synthesizes an error terminal when the upstream died before its
// natural one. A clean end emits nothing.
func (p *passthrough) Finish(streamErr error) []Event {
	if p.finished {
		return nil
	}
	p.finished = true
	if streamErr == nil {
		return nil
	}
	return errorTerminal(p.format, streamErr.Error())
}

func (p *passthrough) sawTerminal(ev Event) bool {
	name := ev.Name
	if name == "" && !ev.IsDone() {
		var typed struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(ev.Data, &typed) == nil {
			name = typed.Type
		}
	}
	switch p.format {
	case format.FormatAnthropic:
		return name == format.EventMessageStop || name == format.EventError
	case format.FormatOpenAIResponses:
		switch name {
		case format.RespEventCompleted, format.RespEventFailed,
			format.RespEventIncomplete, format.RespEventErrorEvent:
			return true
		}
		return ev.IsDone()
	default:
		return ev.IsDone()
	}
}

// errorTerminal renders a terminal error event sequence in the given format.
func errorTerminal(f format.Format, msg string) []Event {
	detail := format.ErrorDetail{Message: msg, Type: "upstream_error", Code: "stream_failed"}
	switch f {
	case format.FormatAnthropic:
		return []Event{JSONEvent(format.EventError, format.AnthropicStreamEvent{
			Type:  format.EventError,
			Error: &detail,
		})}
	case format.FormatOpenAIResponses:
		return []Event{JSONEvent(format.RespEventErrorEvent, format.ResponsesStreamEvent{
			Type:  format.RespEventErrorEvent,
			Error: &detail,
		})}
	default:
		return []Event{JSONEvent("", format.ErrorResponse{Error: detail}), DoneEvent()}
	}
}

// ErrorEvent is the terminal frame written by raw pipes that own no
// converter. It uses the Anthropic error envelope under an "error" name.
func ErrorEvent(msg string) Event {
	return JSONEvent(format.EventError, format.AnthropicErrorResponse{
		Type:  "error",
		Error: format.ErrorDetail{Message: msg, Type: "upstream_error", Code: "stream_failed"},
	})
}

// NewConverter returns a stream converter for the given format pair.
// Anthropic and Responses are bridged through the Chat Completions form.
func NewConverter(src, dst format.Format, responseModel string, opts translate.Options) (Converter, error) {
	if src == dst {
		return &passthrough{format: src}, nil
	}
	switch {
	case src == format.FormatAnthropic && dst == format.FormatOpenAIChat:
		return NewAnthropicToChat(responseModel, opts), nil
	case src == format.FormatOpenAIChat && dst == format.FormatAnthropic:
		return NewChatToAnthropic(responseModel, opts), nil
	case src == format.FormatOpenAIResponses && dst == format.FormatOpenAIChat:
		return NewResponsesToChat(responseModel, opts), nil
	case src == format.FormatOpenAIChat && dst == format.FormatOpenAIResponses:
		return NewChatToResponses(responseModel, opts), nil
	case src == format.FormatAnthropic && dst == format.FormatOpenAIResponses:
		hub := opts
		hub.MicroChunk = false
		return Compose(NewAnthropicToChat(responseModel, hub), NewChatToResponses(responseModel, opts)), nil
	case src == format.FormatOpenAIResponses && dst == format.FormatAnthropic:
		hub := opts
		hub.MicroChunk = false
		return Compose(NewResponsesToChat(responseModel, hub), NewChatToAnthropic(responseModel, opts)), nil
	}
	return nil, fmt.Errorf("no stream converter from %s to %s", src, dst)
}
