// Package provider encodes each upstream's conventions: paths, headers,
// body rewrites, model aliasing, and usage extraction.
package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/reqctx"
)

// HeaderMode selects how aggressively an adapter rewrites the request.
type HeaderMode int

const (
	// HeaderModeFull strips client auth and masquerades as the provider's
	// official CLI.
	HeaderModeFull HeaderMode = iota

	// HeaderModeMinimal keeps only Authorization, protocol version and
	// content negotiation headers.
	HeaderModeMinimal

	// HeaderModePassthrough applies no transforms at all.
	HeaderModePassthrough
)

// Adapter is one upstream provider's request/response conventions.
type Adapter interface {
	// Name identifies the provider ("anthropic", "openai", ...).
	Name() string

	// BaseURL is the upstream origin.
	BaseURL() string

	// WireFormat is the request format the upstream speaks.
	WireFormat() format.Format

	// TransformPath maps an ingress path to the upstream path.
	TransformPath(ingressPath string) string

	// BuildHeaders returns the upstream headers derived from the client
	// headers, injecting the provider token per the mode.
	BuildHeaders(ctx context.Context, client http.Header, mode HeaderMode) (http.Header, error)

	// TransformBody applies provider body rewrites (system-prompt
	// injection, model aliasing). Never rewrites in minimal/passthrough.
	TransformBody(body []byte, mode HeaderMode) ([]byte, error)

	// MapModel translates a client model name to the provider's.
	MapModel(model string) string

	// ExtractUsage parses the provider-native usage block from a complete
	// response body and merges it into the request context. Idempotent.
	ExtractUsage(body []byte, rc *reqctx.RequestContext)
}

// hopByHopHeaders are never forwarded upstream.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Host", "Content-Length",
}

// authHeaders are client credentials stripped before provider auth is
// injected.
var authHeaders = []string{"Authorization", "X-Api-Key", "Api-Key", "Openai-Api-Key"}

// copyClientHeaders clones the client headers minus hop-by-hop and client
// auth headers.
func copyClientHeaders(client http.Header) http.Header {
	h := http.Header{}
	for k, vs := range client {
		h[k] = append([]string(nil), vs...)
	}
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
	for _, k := range authHeaders {
		h.Del(k)
	}
	return h
}

// mergeUsage writes normalized usage into the request context metadata.
// Values are set, not added, so re-extraction yields identical state.
func mergeUsage(rc *reqctx.RequestContext, u format.Usage) {
	if rc == nil || u.IsZero() {
		return
	}
	rc.SetMeta(reqctx.MetaTokensInput, int64(u.PromptTokens))
	rc.SetMeta(reqctx.MetaTokensOutput, int64(u.CompletionTokens))
	if u.CacheReadTokens > 0 {
		rc.SetMeta(reqctx.MetaCacheReadTokens, int64(u.CacheReadTokens))
	}
	if u.CacheWriteTokens > 0 {
		rc.SetMeta(reqctx.MetaCacheWriteTokens, int64(u.CacheWriteTokens))
	}
	if u.ReasoningTokens > 0 {
		rc.SetMeta(reqctx.MetaReasoningTokens, int64(u.ReasoningTokens))
	}
}

// ByName returns the adapter registered under the given name.
func ByName(adapters []Adapter, name string) (Adapter, error) {
	for _, a := range adapters {
		if a.Name() == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("provider: unknown adapter %q", name)
}
