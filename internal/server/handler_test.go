package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/ccproxy/ccproxy/internal/config"
	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/hooks"
	"github.com/ccproxy/ccproxy/internal/proxy"
	"github.com/ccproxy/ccproxy/internal/rawlog"
	"github.com/ccproxy/ccproxy/internal/translate/stream"
)

func newTestServer(t *testing.T, upstream http.Handler, mutate func(*config.Config)) *Server {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	var upstreamURL string
	if upstream != nil {
		ts := httptest.NewServer(upstream)
		t.Cleanup(ts.Close)
		upstreamURL = ts.URL
	}

	app, err := config.NewAppConfig(config.WithConfigDir(t.TempDir()))
	require.NoError(t, err)
	app.Update(func(c *config.Config) {
		c.Providers = map[string]config.ProviderConfig{
			"anthropic": {BaseURL: upstreamURL, APIKey: "sk-test"},
			"openai":    {BaseURL: upstreamURL, APIKey: "sk-openai"},
		}
		if mutate != nil {
			mutate(c)
		}
	})

	s, err := NewServer(app, WithVersion("test"))
	require.NoError(t, err)
	return s
}

func doJSON(s *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		req.Header[k] = vs
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

const messagesBody = `{"model":"claude-3-5-sonnet","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`

func anthropicResponseBody() string {
	return `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet",` +
		`"content":[{"type":"text","text":"Hello world"}],"stop_reason":"end_turn","stop_sequence":null,` +
		`"usage":{"input_tokens":10,"output_tokens":25}}`
}

func TestMessagesNonStream(t *testing.T) {
	var gotAuth string
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, anthropicResponseBody())
	})
	s := newTestServer(t, upstream, nil)

	w := doJSON(s, http.MethodPost, "/v1/messages", messagesBody, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "msg_1", gjson.Get(w.Body.String(), "id").String())
	assert.Equal(t, "Hello world", gjson.Get(w.Body.String(), "content.0.text").String())
}

func TestChatCompletionsTranslated(t *testing.T) {
	var upstreamBody []byte
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		upstreamBody = buf.Bytes()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, anthropicResponseBody())
	})
	s := newTestServer(t, upstream, nil)

	body := `{"model":"claude-3-5-sonnet","messages":[{"role":"user","content":"hi"}]}`
	w := doJSON(s, http.MethodPost, "/v1/chat/completions", body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	// the upstream saw the Messages shape
	assert.Equal(t, "claude-3-5-sonnet", gjson.GetBytes(upstreamBody, "model").String())
	assert.True(t, gjson.GetBytes(upstreamBody, "messages").IsArray())
	assert.False(t, gjson.GetBytes(upstreamBody, "max_tokens").Value() == nil)

	// the client saw the Chat shape
	out := w.Body.String()
	assert.Equal(t, "chat.completion", gjson.Get(out, "object").String())
	assert.Equal(t, "Hello world", gjson.Get(out, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.Get(out, "choices.0.finish_reason").String())
	assert.Equal(t, int64(10), gjson.Get(out, "usage.prompt_tokens").Int())
	assert.Equal(t, int64(25), gjson.Get(out, "usage.completion_tokens").Int())
}

func anthropicSSEFixture(t *testing.T) []byte {
	t.Helper()
	idx0 := 0
	payloads := []format.AnthropicStreamEvent{
		{Type: format.EventMessageStart, Message: &format.AnthropicResponse{
			ID: "msg_s", Type: "message", Role: "assistant", Model: "claude-3-5-sonnet",
			Usage: format.AnthropicUsage{InputTokens: 10},
		}},
		{Type: format.EventContentBlockStart, Index: &idx0, ContentBlock: &format.ContentBlock{Type: format.BlockTypeText}},
		{Type: format.EventContentBlockDelta, Index: &idx0, Delta: &format.AnthropicDelta{Type: format.DeltaTypeText, Text: "Hello "}},
		{Type: format.EventContentBlockDelta, Index: &idx0, Delta: &format.AnthropicDelta{Type: format.DeltaTypeText, Text: "world"}},
		{Type: format.EventContentBlockStop, Index: &idx0},
		{Type: format.EventMessageDelta, Delta: &format.AnthropicDelta{StopReason: format.StopReasonEndTurn},
			Usage: &format.AnthropicUsage{OutputTokens: 25}},
		{Type: format.EventMessageStop},
	}
	var buf bytes.Buffer
	for _, p := range payloads {
		require.NoError(t, proxy.WriteEvent(&buf, stream.JSONEvent(p.Type, p)))
	}
	return buf.Bytes()
}

func TestChatCompletionsStreamed(t *testing.T) {
	fixture := anthropicSSEFixture(t)
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write(fixture)
	})
	s := newTestServer(t, upstream, nil)

	body := `{"model":"claude-3-5-sonnet","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	w := doJSON(s, http.MethodPost, "/v1/chat/completions", body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	out := w.Body.String()
	assert.True(t, strings.HasSuffix(strings.TrimRight(out, "\n"), "data: [DONE]"))

	var content string
	var finish string
	for _, line := range strings.Split(out, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		content += gjson.Get(data, "choices.0.delta.content").String()
		if fr := gjson.Get(data, "choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
			finish = fr.String()
		}
	}
	assert.Equal(t, "Hello world", content)
	assert.Equal(t, "stop", finish)
}

func TestBuiltinAliasMapsOpenAIModels(t *testing.T) {
	var upstreamBody []byte
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		upstreamBody = buf.Bytes()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, anthropicResponseBody())
	})
	s := newTestServer(t, upstream, nil)

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`
	w := doJSON(s, http.MethodPost, "/v1/chat/completions", body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	// default config carries no aliases of its own; the built-in table maps
	assert.Equal(t, "claude-3-5-haiku-latest", gjson.GetBytes(upstreamBody, "model").String())
}

func TestConfigAliasOverridesBuiltin(t *testing.T) {
	var upstreamBody []byte
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		upstreamBody = buf.Bytes()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, anthropicResponseBody())
	})
	s := newTestServer(t, upstream, func(c *config.Config) {
		c.ModelAliases = map[string]string{"gpt-4o-mini": "claude-opus-4-20250514"}
	})

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`
	w := doJSON(s, http.MethodPost, "/v1/chat/completions", body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "claude-opus-4-20250514", gjson.GetBytes(upstreamBody, "model").String())
	// built-in prefixes the override does not touch stay mapped
	assert.Equal(t, "claude-sonnet-4-20250514", s.aliases.Resolve("gpt-4o"))
}

func TestMalformedJSONIs400(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := doJSON(s, http.MethodPost, "/v1/messages", `{"model":`, nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestSchemaViolationIs422(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := doJSON(s, http.MethodPost, "/v1/messages", `{"model":"claude-3-5-sonnet"}`, nil)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	// the envelope is in the client's format
	assert.Equal(t, "error", gjson.Get(w.Body.String(), "type").String())
	assert.Equal(t, "invalid_request_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestUpstream5xxBecomes502(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"overloaded_error","message":"try later"}}`, http.StatusServiceUnavailable)
	})
	s := newTestServer(t, upstream, nil)

	w := doJSON(s, http.MethodPost, "/v1/messages", messagesBody, nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestUpstream4xxPropagates(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	})
	s := newTestServer(t, upstream, nil)

	w := doJSON(s, http.MethodPost, "/v1/messages", messagesBody, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limit_error", gjson.Get(w.Body.String(), "error.type").String())
	assert.Equal(t, "slow down", gjson.Get(w.Body.String(), "error.message").String())
}

func TestMissingCredentialsIs503(t *testing.T) {
	s := newTestServer(t, nil, func(c *config.Config) {
		c.Providers["anthropic"] = config.ProviderConfig{}
	})

	w := doJSON(s, http.MethodPost, "/v1/messages", messagesBody, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "service_unavailable", gjson.Get(w.Body.String(), "error.type").String())
}

func TestUnknownPathIs404(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := doJSON(s, http.MethodPost, "/codex/v1/embeddings", `{}`, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPassthroughForwardsBytes(t *testing.T) {
	var upstreamPath string
	var upstreamBody []byte
	raw := `{"model":"claude-3-5-sonnet","messages":[],"anthropic_only_field":1}`
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPath = r.URL.Path
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		upstreamBody = buf.Bytes()
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"untranslated":true}`)
	})
	s := newTestServer(t, upstream, nil)

	w := doJSON(s, http.MethodPost, "/unclaude/v1/messages", raw, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/v1/messages", upstreamPath)
	assert.Equal(t, raw, string(upstreamBody))
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))
	assert.Equal(t, `{"untranslated":true}`, w.Body.String())
}

func TestSameFormatStreamErrorSynthesizesTerminal(t *testing.T) {
	first := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n"
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// promise more bytes than the handler writes so the proxy's read
		// side sees the connection die mid-stream
		w.Header().Set("Content-Length", fmt.Sprint(len(first)+512))
		w.Write([]byte(first))
	})
	s := newTestServer(t, upstream, nil)

	body := `{"model":"claude-3-5-sonnet","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	w := doJSON(s, http.MethodPost, "/v1/messages", body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.Contains(t, out, "event: message_start")
	// the client still gets a terminal in its own format
	assert.Equal(t, 1, strings.Count(out, "event: error"))
	assert.Contains(t, out, "upstream_error")
}

func TestStreamMicroChunkSplitsDeltas(t *testing.T) {
	idx0 := 0
	payloads := []format.AnthropicStreamEvent{
		{Type: format.EventMessageStart, Message: &format.AnthropicResponse{
			ID: "msg_m", Type: "message", Role: "assistant", Model: "claude-3-5-sonnet",
		}},
		{Type: format.EventContentBlockStart, Index: &idx0, ContentBlock: &format.ContentBlock{Type: format.BlockTypeText}},
		{Type: format.EventContentBlockDelta, Index: &idx0, Delta: &format.AnthropicDelta{
			Type: format.DeltaTypeText, Text: "one two three four five six seven",
		}},
		{Type: format.EventContentBlockStop, Index: &idx0},
		{Type: format.EventMessageDelta, Delta: &format.AnthropicDelta{StopReason: format.StopReasonEndTurn}},
		{Type: format.EventMessageStop},
	}
	var fixture bytes.Buffer
	for _, p := range payloads {
		require.NoError(t, proxy.WriteEvent(&fixture, stream.JSONEvent(p.Type, p)))
	}

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write(fixture.Bytes())
	})
	s := newTestServer(t, upstream, func(c *config.Config) {
		c.MicroChunk = true
	})

	body := `{"model":"claude-3-5-sonnet","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	w := doJSON(s, http.MethodPost, "/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var content string
	deltas := 0
	for _, line := range strings.Split(w.Body.String(), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		if text := gjson.Get(data, "choices.0.delta.content").String(); text != "" {
			content += text
			deltas++
		}
	}
	// one coarse upstream delta fans out into ~3-word chunks
	assert.GreaterOrEqual(t, deltas, 3)
	assert.Equal(t, "one two three four five six seven", content)
}

func TestClientResponseWireCaptured(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, anthropicResponseBody())
	})
	s := newTestServer(t, upstream, nil)

	captured := make(chan []byte, 4)
	s.Bus().Subscribe(hooks.HTTPResponse, 100, "test", func(ctx context.Context, ev *hooks.Event) error {
		if ev.Data[rawlog.KeySide] == rawlog.SideClient && ev.Data[rawlog.KeyDirection] == rawlog.DirResponse {
			wire, _ := ev.Data[rawlog.KeyWire].([]byte)
			select {
			case captured <- wire:
			default:
			}
		}
		return nil
	})

	w := doJSON(s, http.MethodPost, "/v1/messages", messagesBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case wire := <-captured:
		assert.Contains(t, string(wire), "HTTP/1.1 200 OK")
		assert.Contains(t, string(wire), "Hello world")
	case <-time.After(2 * time.Second):
		t.Fatal("no client response capture on the bus")
	}
}

func TestClientDisconnectCancelsStream(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 200; i++ {
			chunk, _ := json.Marshal(format.AnthropicStreamEvent{
				Type:  format.EventContentBlockDelta,
				Delta: &format.AnthropicDelta{Type: format.DeltaTypeText, Text: fmt.Sprintf("chunk-%d ", i)},
			})
			if _, err := fmt.Fprintf(w, "event: content_block_delta\ndata: %s\n\n", chunk); err != nil {
				return
			}
			flusher.Flush()
			time.Sleep(20 * time.Millisecond)
		}
	})
	s := newTestServer(t, upstream, nil)

	failed := make(chan string, 1)
	s.Bus().Subscribe(hooks.RequestFailed, 100, "test", func(ctx context.Context, ev *hooks.Event) error {
		if reason, _ := ev.Data["error"].(string); reason != "" {
			select {
			case failed <- reason:
			default:
			}
		}
		return nil
	})

	front := httptest.NewServer(s.Engine())
	defer front.Close()

	ctx, cancel := context.WithCancel(context.Background())
	body := `{"model":"claude-3-5-sonnet","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, front.URL+"/v1/messages", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	chunks := 0
	for scanner.Scan() && chunks < 3 {
		if strings.HasPrefix(scanner.Text(), "data: ") {
			chunks++
		}
	}
	require.Equal(t, 3, chunks)
	cancel()

	select {
	case reason := <-failed:
		assert.Equal(t, "client_disconnected", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no failure event after disconnect")
	}
}
