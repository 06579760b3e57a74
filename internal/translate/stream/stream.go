// Package stream converts server-sent event sequences between the three wire
// formats. Each converter is a state machine fed one upstream event at a time
// and emitting zero or more client-format events. Every stream ends with
// exactly one terminal event in the target format: either the natural one or,
// on upstream failure, a synthesized error terminal from Finish.
package stream

import (
	"encoding/json"
	"strings"
)

// DoneData is the literal payload of the OpenAI [DONE] sentinel.
const DoneData = "[DONE]"

// Event is one parsed SSE frame. Name is the "event:" field, empty for
// data-only streams (OpenAI); Data is the raw "data:" payload.
type Event struct {
	Name string
	Data []byte
}

// IsDone reports whether the event is the OpenAI [DONE] sentinel.
func (e Event) IsDone() bool {
	return strings.TrimSpace(string(e.Data)) == DoneData
}

// JSONEvent builds an event from a name and a JSON-marshalable payload.
func JSONEvent(name string, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return Event{Name: name, Data: data}
}

// DoneEvent is the OpenAI stream terminator.
func DoneEvent() Event {
	return Event{Data: []byte(DoneData)}
}

// Converter translates a source-format event sequence into the target format.
// Feed is called once per upstream event in arrival order. Finish is called
// exactly once after the last Feed: with a nil error on clean shutdown, or
// with the upstream error, and returns whatever events are still needed so
// the consumer sees exactly one terminal event.
type Converter interface {
	Feed(ev Event) ([]Event, error)
	Finish(streamErr error) []Event
}

// Compose chains two converters: upstream events pass through first, its
// output feeds second. Used for the Anthropic <-> Responses directions, which
// run through the Chat hub format.
func Compose(first, second Converter) Converter {
	return &composed{first: first, second: second}
}

type composed struct {
	first  Converter
	second Converter
}

func (c *composed) Feed(ev Event) ([]Event, error) {
	mid, err := c.first.Feed(ev)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, m := range mid {
		translated, err := c.second.Feed(m)
		if err != nil {
			return nil, err
		}
		out = append(out, translated...)
	}
	return out, nil
}

func (c *composed) Finish(streamErr error) []Event {
	var out []Event
	// drain the hub converter's tail through the second stage
	for _, m := range c.first.Finish(streamErr) {
		translated, err := c.second.Feed(m)
		if err != nil {
			break
		}
		out = append(out, translated...)
	}
	out = append(out, c.second.Finish(nil)...)
	return out
}
