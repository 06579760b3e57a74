// Package rawlog captures raw HTTP wire traffic to per-request files for
// debugging translation issues. One request produces up to four files:
// <id>_client_request.http, <id>_provider_request.http,
// <id>_provider_response.http and <id>_client_response.http.
package rawlog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ccproxy/ccproxy/internal/hooks"
)

const (
	// EnvEnabled turns raw capture on when set to 1 or true.
	EnvEnabled = "CCPROXY_LOG_RAW_HTTP"
	// EnvDir overrides the capture directory.
	EnvDir = "CCPROXY_RAW_LOG_DIR"
)

// Sides of the proxy.
const (
	SideClient   = "client"
	SideProvider = "provider"
)

// Directions of traffic.
const (
	DirRequest  = "request"
	DirResponse = "response"
)

// Event data keys the logger reads from HTTP_REQUEST / HTTP_RESPONSE events.
const (
	KeyRequestID = "request_id"
	KeySide      = "side"
	KeyDirection = "direction"
	KeyWire      = "wire"
)

// Logger writes wire captures under a single directory.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool
}

// FromEnv builds a logger from CCPROXY_LOG_RAW_HTTP / CCPROXY_RAW_LOG_DIR.
// The logger is a no-op unless capture is switched on.
func FromEnv() *Logger {
	v := strings.ToLower(os.Getenv(EnvEnabled))
	enabled := v == "1" || v == "true"
	dir := os.Getenv(EnvDir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "ccproxy", "raw")
	}
	return &Logger{dir: dir, enabled: enabled}
}

// New builds an enabled logger writing to dir.
func New(dir string) *Logger {
	return &Logger{dir: dir, enabled: true}
}

// Enabled reports whether captures are written.
func (l *Logger) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// SetEnabled flips capture at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
}

// Capture writes one wire file. requestID, side and direction form the file
// name; wire is written verbatim.
func (l *Logger) Capture(requestID, side, direction string, wire []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("rawlog: create dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%s.http", sanitize(requestID), side, direction)
	path := filepath.Join(l.dir, name)
	if err := os.WriteFile(path, wire, 0o644); err != nil {
		return fmt.Errorf("rawlog: write %s: %w", name, err)
	}
	return nil
}

// FormatRequest renders a request line, headers and body as HTTP/1.1 wire
// text. Authorization values are masked.
func FormatRequest(method, path, proto string, header http.Header, body []byte) []byte {
	var b strings.Builder
	if proto == "" {
		proto = "HTTP/1.1"
	}
	fmt.Fprintf(&b, "%s %s %s\r\n", method, path, proto)
	writeHeaders(&b, header)
	b.WriteString("\r\n")
	b.Write(body)
	return []byte(b.String())
}

// FormatResponse renders a status line, headers and body as wire text.
func FormatResponse(statusCode int, header http.Header, body []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode))
	writeHeaders(&b, header)
	b.WriteString("\r\n")
	b.Write(body)
	return []byte(b.String())
}

func writeHeaders(b *strings.Builder, header http.Header) {
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range header[k] {
			if strings.EqualFold(k, "Authorization") && len(v) > 12 {
				v = v[:12] + "..."
			}
			fmt.Fprintf(b, "%s: %s\r\n", k, v)
		}
	}
}

// Attach subscribes the logger to the bus at observability priority. Events
// carry the capture parts in Data under the Key* constants.
func (l *Logger) Attach(bus *hooks.Bus, priority int) {
	handler := func(ctx context.Context, ev *hooks.Event) error {
		return l.handle(ev)
	}
	bus.Subscribe(hooks.HTTPRequest, priority, "rawlog", handler)
	bus.Subscribe(hooks.HTTPResponse, priority, "rawlog", handler)
}

func (l *Logger) handle(ev *hooks.Event) error {
	id, _ := ev.Data[KeyRequestID].(string)
	side, _ := ev.Data[KeySide].(string)
	dir, _ := ev.Data[KeyDirection].(string)
	wire, _ := ev.Data[KeyWire].([]byte)
	if id == "" || side == "" || dir == "" {
		return nil
	}
	if err := l.Capture(id, side, dir, wire); err != nil {
		logrus.Errorf("rawlog: %v", err)
		return err
	}
	return nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
