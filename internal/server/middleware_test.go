package server

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/ccproxy/ccproxy/internal/config"
)

func okUpstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, anthropicResponseBody())
	})
}

func TestAuthRequiredWhenTokenConfigured(t *testing.T) {
	s := newTestServer(t, okUpstream(), func(c *config.Config) {
		c.AuthToken = "secret-token"
	})

	w := doJSON(s, http.MethodPost, "/v1/messages", messagesBody, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "authentication_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestAuthRejectsWrongToken(t *testing.T) {
	s := newTestServer(t, okUpstream(), func(c *config.Config) {
		c.AuthToken = "secret-token"
	})

	h := http.Header{}
	h.Set("Authorization", "Bearer wrong")
	w := doJSON(s, http.MethodPost, "/v1/messages", messagesBody, h)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
}

func TestAuthAcceptsMatchingToken(t *testing.T) {
	s := newTestServer(t, okUpstream(), func(c *config.Config) {
		c.AuthToken = "secret-token"
	})

	h := http.Header{}
	h.Set("Authorization", "Bearer secret-token")
	w := doJSON(s, http.MethodPost, "/v1/messages", messagesBody, h)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestOpenLocalModeSkipsAuth(t *testing.T) {
	s := newTestServer(t, okUpstream(), nil)

	w := doJSON(s, http.MethodPost, "/v1/messages", messagesBody, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("WWW-Authenticate"))
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t, okUpstream(), nil)

	h := http.Header{}
	h.Set("X-Request-Id", "req-fixed-1")
	w := doJSON(s, http.MethodPost, "/v1/messages", messagesBody, h)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-fixed-1", w.Header().Get("X-Request-ID"))
}

func TestRequestIDGenerated(t *testing.T) {
	s := newTestServer(t, okUpstream(), nil)

	w := doJSON(s, http.MethodPost, "/v1/messages", messagesBody, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}
