package rawlog

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccproxy/ccproxy/internal/hooks"
)

func TestCaptureWritesWireFile(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	wire := FormatRequest("POST", "/v1/messages", "", http.Header{
		"Content-Type":  {"application/json"},
		"Authorization": {"Bearer sk-ant-secret-token"},
	}, []byte(`{"model":"claude"}`))
	require.NoError(t, l.Capture("req-1", SideClient, DirRequest, wire))

	data, err := os.ReadFile(filepath.Join(dir, "req-1_client_request.http"))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "POST /v1/messages HTTP/1.1")
	assert.Contains(t, text, "Content-Type: application/json")
	assert.Contains(t, text, `{"model":"claude"}`)
	assert.NotContains(t, text, "sk-ant-secret-token")
}

func TestCaptureDisabledIsNoop(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	l.SetEnabled(false)

	require.NoError(t, l.Capture("req-2", SideClient, DirRequest, []byte("x")))
	_, err := os.Stat(filepath.Join(dir, "req-2_client_request.http"))
	assert.True(t, os.IsNotExist(err))
}

func TestFormatResponse(t *testing.T) {
	wire := FormatResponse(429, http.Header{"Retry-After": {"5"}}, []byte(`{"error":{}}`))
	assert.Contains(t, string(wire), "HTTP/1.1 429 Too Many Requests")
	assert.Contains(t, string(wire), "Retry-After: 5")
}

func TestSanitizeRequestID(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	require.NoError(t, l.Capture("../evil/../../id", SideProvider, DirResponse, []byte("ok")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	assert.NotContains(t, name, "/")
	assert.NotContains(t, name, "..")
	assert.Contains(t, name, "_provider_response.http")
}

func TestAttachHandlesBusEvents(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	bus := hooks.NewBus()
	l.Attach(bus, 200)

	bus.Emit(context.Background(), hooks.NewEvent(hooks.HTTPRequest, map[string]any{
		KeyRequestID: "req-3",
		KeySide:      SideProvider,
		KeyDirection: DirRequest,
		KeyWire:      []byte("POST /v1/messages HTTP/1.1\r\n\r\n"),
	}, nil))

	_, err := os.Stat(filepath.Join(dir, "req-3_provider_request.http"))
	assert.NoError(t, err)
}

func TestFromEnvDisabledByDefault(t *testing.T) {
	t.Setenv(EnvEnabled, "")
	t.Setenv(EnvDir, t.TempDir())
	assert.False(t, FromEnv().Enabled())

	t.Setenv(EnvEnabled, "true")
	assert.True(t, FromEnv().Enabled())
}
