package proxy

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/ccproxy/ccproxy/internal/translate/stream"
)

// SSEReader parses one server-sent event per ReadEvent call.
type SSEReader struct {
	br *bufio.Reader
}

// NewSSEReader wraps an upstream response body.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadEvent reads the next event: accumulates event:/data: lines until a
// blank line. Returns io.EOF at end of stream.
func (r *SSEReader) ReadEvent() (stream.Event, error) {
	var name string
	var data bytes.Buffer
	sawField := false

	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			if err == io.EOF && sawField {
				return stream.Event{Name: name, Data: data.Bytes()}, nil
			}
			return stream.Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawField {
				continue
			}
			return stream.Event{Name: name, Data: data.Bytes()}, nil
		}
		if strings.HasPrefix(line, ":") {
			// comment / keep-alive
			continue
		}
		if value, ok := strings.CutPrefix(line, "event:"); ok {
			name = strings.TrimSpace(value)
			sawField = true
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(value, " "))
			sawField = true
		}
	}
}

// WriteEvent serializes one event as SSE. Named events get an event: line
// (Anthropic framing); unnamed ones are data-only (OpenAI framing).
func WriteEvent(w io.Writer, ev stream.Event) error {
	if ev.Name != "" {
		if _, err := io.WriteString(w, "event: "+ev.Name+"\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "data: "); err != nil {
		return err
	}
	if _, err := w.Write(ev.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n\n")
	return err
}
