// Package reqctx carries per-request identity, timing, and token metadata
// through the proxy. The context is created by the earliest middleware and
// finalized exactly once when the request exits.
package reqctx

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ccproxy/ccproxy/internal/format"
)

// HeaderRequestID is the ingress and response header carrying the id.
const HeaderRequestID = "X-Request-ID"

// Metadata keys written by adapters and read by sinks.
const (
	MetaModel            = "model"
	MetaTokensInput      = "tokens_input"
	MetaTokensOutput     = "tokens_output"
	MetaCacheReadTokens  = "cache_read_tokens"
	MetaCacheWriteTokens = "cache_write_tokens"
	MetaReasoningTokens  = "reasoning_tokens"
	MetaCostUSD          = "cost_usd"
	MetaError            = "error"
	MetaStatus           = "status"
	MetaDurationMS       = "duration_ms"
)

// RequestContext is the per-request record shared by all middleware.
type RequestContext struct {
	RequestID    string
	ReceivedAt   time.Time
	Method       string
	Path         string
	ClientIP     string
	UserAgent    string
	SourceFormat format.Format
	TargetFormat format.Format
	Provider     string

	// HookErrors counts subscriber failures swallowed by the hook bus.
	HookErrors atomic.Int64

	Cancel context.CancelFunc

	mu       sync.Mutex
	metadata map[string]any
	finished sync.Once
	final    func(failed bool, reason string)
}

// New builds a context from an ingress request. The request id is the
// X-Request-ID header when present, otherwise a fresh UUIDv4.
func New(r *http.Request) *RequestContext {
	id := r.Header.Get(HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	return &RequestContext{
		RequestID:  id,
		ReceivedAt: time.Now(),
		Method:     r.Method,
		Path:       r.URL.Path,
		ClientIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
		metadata:   make(map[string]any),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	return r.RemoteAddr
}

// SetMeta writes one metadata field.
func (rc *RequestContext) SetMeta(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.metadata[key] = value
}

// AddMetaInt adds to a numeric metadata field, treating absent as zero.
func (rc *RequestContext) AddMetaInt(key string, delta int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	cur, _ := rc.metadata[key].(int64)
	rc.metadata[key] = cur + delta
}

// Meta reads one metadata field.
func (rc *RequestContext) Meta(key string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.metadata[key]
	return v, ok
}

// MetaInt reads a numeric metadata field, zero when absent.
func (rc *RequestContext) MetaInt(key string) int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, _ := rc.metadata[key].(int64)
	return v
}

// MetaSnapshot copies the metadata map, including the request duration so
// far and the request id.
func (rc *RequestContext) MetaSnapshot() map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	snap := make(map[string]any, len(rc.metadata)+2)
	for k, v := range rc.metadata {
		snap[k] = v
	}
	snap["request_id"] = rc.RequestID
	snap[MetaDurationMS] = time.Since(rc.ReceivedAt).Milliseconds()
	return snap
}

// Duration is the time elapsed since the request arrived.
func (rc *RequestContext) Duration() time.Duration {
	return time.Since(rc.ReceivedAt)
}

// OnFinalize registers the function run by Finalize/Fail. Typically emits
// REQUEST_COMPLETED or REQUEST_FAILED.
func (rc *RequestContext) OnFinalize(fn func(failed bool, reason string)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.final = fn
}

// Finalize marks the request completed. Only the first of Finalize/Fail has
// any effect.
func (rc *RequestContext) Finalize() {
	rc.finish(false, "")
}

// Fail marks the request failed with a reason.
func (rc *RequestContext) Fail(reason string) {
	rc.finish(true, reason)
}

func (rc *RequestContext) finish(failed bool, reason string) {
	rc.finished.Do(func() {
		if failed {
			rc.SetMeta(MetaError, reason)
		}
		rc.mu.Lock()
		fn := rc.final
		rc.mu.Unlock()
		if fn != nil {
			fn(failed, reason)
		}
	})
}

type ctxKey struct{}

// WithContext attaches the request context for ambient lookup.
func WithContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext returns the ambient request context, nil when absent.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(ctxKey{}).(*RequestContext)
	return rc
}
