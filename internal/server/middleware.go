package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/hooks"
	"github.com/ccproxy/ccproxy/internal/reqctx"
	"github.com/ccproxy/ccproxy/pkg/auth"
)

// ctxKeyRequestContext is the gin context key for the request context.
const ctxKeyRequestContext = "ccproxy.reqctx"

// requestContextMiddleware creates the per-request context, echoes the
// request id, and wires cancellation plus the completion hook events.
func requestContextMiddleware(bus *hooks.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := reqctx.New(c.Request)

		ctx, cancel := context.WithCancel(c.Request.Context())
		rc.Cancel = cancel
		defer cancel()

		rc.OnFinalize(func(failed bool, reason string) {
			kind := hooks.RequestCompleted
			if failed {
				kind = hooks.RequestFailed
			}
			data := rc.MetaSnapshot()
			data["provider"] = rc.Provider
			data["source_format"] = rc.SourceFormat.String()
			data["target_format"] = rc.TargetFormat.String()
			bus.EmitAsync(context.WithoutCancel(ctx), hooks.NewEvent(kind, data, nil))
		})

		c.Request = c.Request.WithContext(reqctx.WithContext(ctx, rc))
		c.Set(ctxKeyRequestContext, rc)
		c.Header(reqctx.HeaderRequestID, rc.RequestID)

		c.Next()

		// a handler that never finalized completed normally
		rc.Finalize()
	}
}

// requestContextFrom returns the request context installed by the middleware.
func requestContextFrom(c *gin.Context) *reqctx.RequestContext {
	if v, ok := c.Get(ctxKeyRequestContext); ok {
		if rc, ok := v.(*reqctx.RequestContext); ok {
			return rc
		}
	}
	return reqctx.FromContext(c.Request.Context())
}

// authMiddleware gates ingress on the configured server token. The gate is
// fetched per request so config reloads take effect live; a nil gate means
// open local mode and every request passes.
func authMiddleware(gate func() *auth.BearerTokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		gate := gate()
		if gate == nil || !gate.IsAuthenticated(c.Request.Context()) {
			c.Next()
			return
		}
		presented := bearerToken(c.Request)
		if presented == "" || !gate.Matches(presented) {
			c.Header("WWW-Authenticate", "Bearer")
			rc := requestContextFrom(c)
			if rc != nil {
				rc.Fail("unauthorized")
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				format.NewErrorEnvelope(format.FormatOpenAIChat, "authentication_error", "invalid bearer token", ""))
			return
		}
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return ""
}

// loggingMiddleware logs one line per request at debug level.
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		rc := requestContextFrom(c)
		if rc == nil {
			return
		}
		logrus.Debugf("%s %s -> %d (%s) id=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), rc.Duration(), rc.RequestID)
	}
}
