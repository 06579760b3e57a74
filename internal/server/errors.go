package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/hooks"
	"github.com/ccproxy/ccproxy/internal/reqctx"
	"github.com/ccproxy/ccproxy/pkg/oauth"
)

// respondError writes an error envelope in the client's format, publishes an
// HTTPError event, and marks the request failed.
func (s *Server) respondError(c *gin.Context, rc *reqctx.RequestContext, f format.Format, status int, errType, message string) {
	if f == "" {
		f = format.FormatOpenAIChat
	}
	if rc != nil {
		rc.SetMeta(reqctx.MetaStatus, int64(status))
	}
	s.bus.EmitAsync(context.WithoutCancel(c.Request.Context()), hooks.NewEvent(hooks.HTTPError, map[string]any{
		"request_id": requestID(rc),
		"status":     status,
		"error_type": errType,
		"message":    message,
	}, nil))
	if rc != nil {
		rc.Fail(errType)
	}
	c.AbortWithStatusJSON(status, format.NewErrorEnvelope(f, errType, message, ""))
}

// classifyParseError splits malformed JSON (400) from schema violations
// (422).
func classifyParseError(err error) (status int, errType string) {
	var vErr *format.ValidationError
	if errors.As(err, &vErr) {
		return http.StatusUnprocessableEntity, "invalid_request_error"
	}
	return http.StatusBadRequest, "invalid_request_error"
}

// classifyUpstreamError maps a transport failure to a status.
func classifyUpstreamError(err error) (status int, errType string) {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return http.StatusGatewayTimeout, "upstream_timeout"
	}
	return http.StatusBadGateway, "upstream_error"
}

// isCredentialError reports whether the failure means no usable upstream
// credential; those surface as 503 service_unavailable.
func isCredentialError(err error) bool {
	return errors.Is(err, oauth.ErrCredentialsNotFound) ||
		errors.Is(err, oauth.ErrTokenRefresh) ||
		errors.Is(err, oauth.ErrNoRefreshToken)
}
