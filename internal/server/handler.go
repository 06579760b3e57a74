package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/hooks"
	"github.com/ccproxy/ccproxy/internal/provider"
	"github.com/ccproxy/ccproxy/internal/proxy"
	"github.com/ccproxy/ccproxy/internal/rawlog"
	"github.com/ccproxy/ccproxy/internal/reqctx"
	"github.com/ccproxy/ccproxy/internal/tokencount"
	"github.com/ccproxy/ccproxy/internal/translate"
	"github.com/ccproxy/ccproxy/internal/translate/stream"
)

// maxBodyBytes caps the ingress request body.
const maxBodyBytes = 32 << 20

// handleProxy is the single data-plane handler behind every proxied route.
func (s *Server) handleProxy(c *gin.Context) {
	rc := requestContextFrom(c)
	path := c.Request.URL.Path

	route, ok := s.routes.Resolve(path)
	if !ok {
		s.respondError(c, rc, "", http.StatusNotFound, "not_found_error", "unknown endpoint "+path)
		return
	}
	rc.SourceFormat = route.SourceFormat
	rc.TargetFormat = route.TargetFormat
	rc.Provider = route.Provider

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		s.respondError(c, rc, route.SourceFormat, http.StatusBadRequest, "invalid_request_error", "read request body: "+err.Error())
		return
	}

	s.emitWire(c, rc, rawlog.SideClient, rawlog.DirRequest,
		rawlog.FormatRequest(c.Request.Method, path, c.Request.Proto, c.Request.Header, body))

	adapter, err := provider.ByName(s.adapters, route.Provider)
	if err != nil {
		s.respondError(c, rc, route.SourceFormat, http.StatusNotFound, "not_found_error", err.Error())
		return
	}

	if route.Passthrough {
		s.forwardPassthrough(c, rc, adapter, body)
		return
	}

	parsed, err := translate.ParseRequest(route.SourceFormat, body)
	if err != nil {
		status, errType := classifyParseError(err)
		s.respondError(c, rc, route.SourceFormat, status, errType, err.Error())
		return
	}

	streaming := wantsStream(c.Request, body)

	translated, err := translate.TranslateRequest(parsed, route.SourceFormat, route.TargetFormat, s.translateOpts)
	if err != nil {
		s.respondError(c, rc, route.SourceFormat, http.StatusInternalServerError, "translation_error", err.Error())
		return
	}
	upstreamBody, err := json.Marshal(translated)
	if err != nil {
		s.respondError(c, rc, route.SourceFormat, http.StatusInternalServerError, "translation_error", err.Error())
		return
	}
	if rc != nil {
		rc.SetMeta(reqctx.MetaModel, gjson.GetBytes(upstreamBody, "model").String())
	}

	if cli, ok := adapter.(*provider.ClaudeCLIAdapter); ok {
		s.forwardClaudeCLI(c, rc, cli, translated, route, streaming)
		return
	}

	mode := s.headerMode(route.Provider)
	upstreamBody, err = adapter.TransformBody(upstreamBody, mode)
	if err != nil {
		s.respondError(c, rc, route.SourceFormat, http.StatusInternalServerError, "translation_error", err.Error())
		return
	}

	headers, err := adapter.BuildHeaders(c.Request.Context(), c.Request.Header, mode)
	if err != nil {
		if isCredentialError(err) {
			s.respondError(c, rc, route.SourceFormat, http.StatusServiceUnavailable, "service_unavailable", err.Error())
			return
		}
		s.respondError(c, rc, route.SourceFormat, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	s.forwardHTTP(c, rc, adapter, route, headers, upstreamBody, streaming)
}

// wantsStream checks the body's stream flag and the Accept header.
func wantsStream(r *http.Request, body []byte) bool {
	if v := gjson.GetBytes(body, "stream"); v.Exists() {
		return v.Bool()
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// forwardHTTP performs the upstream exchange and writes the client response,
// translated when the formats differ.
func (s *Server) forwardHTTP(c *gin.Context, rc *reqctx.RequestContext, adapter provider.Adapter, route Route, headers http.Header, body []byte, streaming bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), proxy.DefaultRequestTimeout)
	defer cancel()

	upstreamPath := adapter.TransformPath(c.Request.URL.Path)
	url := strings.TrimSuffix(adapter.BaseURL(), "/") + upstreamPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.respondError(c, rc, route.SourceFormat, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	req.Header = headers
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	s.emitWire(c, rc, rawlog.SideProvider, rawlog.DirRequest,
		rawlog.FormatRequest(http.MethodPost, upstreamPath, "", headers, body))

	resp, err := s.client.Do(req)
	if err != nil {
		status, errType := classifyUpstreamError(err)
		s.respondError(c, rc, route.SourceFormat, status, errType, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		s.relayUpstreamError(c, rc, route, resp)
		return
	}

	if streaming {
		s.relayStream(c, rc, route, adapter, resp)
		return
	}
	s.relayBuffered(c, rc, route, adapter, resp)
}

// relayBuffered handles the non-stream path: one full body, converted once.
func (s *Server) relayBuffered(c *gin.Context, rc *reqctx.RequestContext, route Route, adapter provider.Adapter, resp *http.Response) {
	upstream, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		status, errType := classifyUpstreamError(err)
		s.respondError(c, rc, route.SourceFormat, status, errType, err.Error())
		return
	}

	adapter.ExtractUsage(upstream, rc)
	s.estimateMissingUsage(rc, route, upstream)

	out, err := translate.TranslateResponseBody(upstream, route.TargetFormat, route.SourceFormat, s.translateOpts)
	if err != nil {
		s.respondError(c, rc, route.SourceFormat, http.StatusInternalServerError, "translation_error", err.Error())
		return
	}

	s.emitWire(c, rc, rawlog.SideProvider, rawlog.DirResponse,
		rawlog.FormatResponse(resp.StatusCode, resp.Header, upstream))
	s.emitWire(c, rc, rawlog.SideClient, rawlog.DirResponse,
		rawlog.FormatResponse(http.StatusOK, jsonContentHeader(), out))
	if rc != nil {
		rc.SetMeta(reqctx.MetaStatus, int64(http.StatusOK))
	}
	c.Data(http.StatusOK, "application/json", out)
}

// relayStream pipes the upstream SSE stream to the client, converting events
// unless the formats match.
func (s *Server) relayStream(c *gin.Context, rc *reqctx.RequestContext, route Route, adapter provider.Adapter, resp *http.Response) {
	// same-format pairs get the passthrough converter, which still owns the
	// terminal when the upstream dies mid-stream
	conv, err := stream.NewConverter(route.TargetFormat, route.SourceFormat, adapter.MapModel(metaModel(rc)), s.translateOpts)
	if err != nil {
		s.respondError(c, rc, route.SourceFormat, http.StatusInternalServerError, "translation_error", err.Error())
		return
	}

	writeSSEHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)
	if rc != nil {
		rc.SetMeta(reqctx.MetaStatus, int64(http.StatusOK))
		rc.SetMeta("streamed", true)
	}

	var delay time.Duration
	if s.translateOpts.MicroChunk {
		delay = proxy.MicroChunkDelay
	}

	var wire bytes.Buffer
	client := &captureWriter{w: c.Writer}
	err = proxy.PipeSSE(c.Request.Context(), resp.Body, client, proxy.PipeOptions{
		Converter: conv,
		Delay:     delay,
		Flush: func() {
			if flusher != nil {
				flusher.Flush()
			}
		},
		OnChunk: func(ev stream.Event) {
			wire.Write(ev.Data)
			wire.WriteByte('\n')
			adapter.ExtractUsage(ev.Data, rc)
			s.bus.EmitAsync(context.WithoutCancel(c.Request.Context()),
				hooks.NewEvent(hooks.HTTPResponse, map[string]any{
					"request_id": requestID(rc),
					"chunk":      append([]byte(nil), ev.Data...),
				}, nil))
		},
	})

	s.emitWire(c, rc, rawlog.SideProvider, rawlog.DirResponse,
		rawlog.FormatResponse(resp.StatusCode, resp.Header, wire.Bytes()))
	s.emitWire(c, rc, rawlog.SideClient, rawlog.DirResponse,
		rawlog.FormatResponse(http.StatusOK, c.Writer.Header(), client.buf.Bytes()))

	switch {
	case err == nil:
		rc.Finalize()
	case errors.Is(err, proxy.ErrClientDisconnected), errors.Is(err, context.Canceled):
		rc.Fail("client_disconnected")
	default:
		logrus.Warnf("proxy: stream ended with error: %v", err)
		rc.Fail("upstream_stream_error")
	}
}

// relayUpstreamError translates an upstream error response: 4xx statuses
// propagate, 5xx collapse to 502.
func (s *Server) relayUpstreamError(c *gin.Context, rc *reqctx.RequestContext, route Route, resp *http.Response) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	s.emitWire(c, rc, rawlog.SideProvider, rawlog.DirResponse,
		rawlog.FormatResponse(resp.StatusCode, resp.Header, body))

	status := resp.StatusCode
	if status >= 500 {
		status = http.StatusBadGateway
	}

	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = fmt.Sprintf("upstream returned %d", resp.StatusCode)
	}
	errType := gjson.GetBytes(body, "error.type").String()
	if errType == "" {
		errType = "upstream_error"
	}
	s.respondError(c, rc, route.SourceFormat, status, errType, message)
}

// forwardPassthrough relays bytes untouched in both directions; only the
// path prefix and provider auth change.
func (s *Server) forwardPassthrough(c *gin.Context, rc *reqctx.RequestContext, adapter provider.Adapter, body []byte) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), proxy.DefaultRequestTimeout)
	defer cancel()

	upstreamPath := adapter.TransformPath(c.Request.URL.Path)
	url := strings.TrimSuffix(adapter.BaseURL(), "/") + upstreamPath

	req, err := http.NewRequestWithContext(ctx, c.Request.Method, url, bytes.NewReader(body))
	if err != nil {
		s.respondError(c, rc, format.FormatAnthropic, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	headers, err := adapter.BuildHeaders(ctx, c.Request.Header, provider.HeaderModePassthrough)
	if err != nil {
		s.respondError(c, rc, format.FormatAnthropic, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		return
	}
	req.Header = headers

	resp, err := s.client.Do(req)
	if err != nil {
		status, errType := classifyUpstreamError(err)
		s.respondError(c, rc, format.FormatAnthropic, status, errType, err.Error())
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	if rc != nil {
		rc.SetMeta(reqctx.MetaStatus, int64(resp.StatusCode))
	}

	flusher, _ := c.Writer.(http.Flusher)
	var wire bytes.Buffer
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			wire.Write(buf[:n])
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				rc.Fail("client_disconnected")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			s.emitWire(c, rc, rawlog.SideProvider, rawlog.DirResponse,
				rawlog.FormatResponse(resp.StatusCode, resp.Header, wire.Bytes()))
			s.emitWire(c, rc, rawlog.SideClient, rawlog.DirResponse,
				rawlog.FormatResponse(resp.StatusCode, resp.Header, wire.Bytes()))
			return
		}
		if rerr != nil {
			rc.Fail("upstream_stream_error")
			return
		}
	}
}

// forwardClaudeCLI bridges the request to a locally spawned claude process.
func (s *Server) forwardClaudeCLI(c *gin.Context, rc *reqctx.RequestContext, cli *provider.ClaudeCLIAdapter, translated any, route Route, streaming bool) {
	req, ok := translated.(*format.AnthropicRequest)
	if !ok {
		s.respondError(c, rc, route.SourceFormat, http.StatusInternalServerError, "translation_error", "claude-cli requires the messages shape")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), proxy.DefaultRequestTimeout)
	defer cancel()

	events, err := cli.Invoke(ctx, req)
	if err != nil {
		s.respondError(c, rc, route.SourceFormat, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}

	if !streaming {
		resp, err := assembleAnthropic(req.Model, events)
		if err != nil {
			s.respondError(c, rc, route.SourceFormat, http.StatusBadGateway, "upstream_error", err.Error())
			return
		}
		body, err := json.Marshal(resp)
		if err != nil {
			s.respondError(c, rc, route.SourceFormat, http.StatusInternalServerError, "translation_error", err.Error())
			return
		}
		cli.ExtractUsage(body, rc)
		out, err := translate.TranslateResponseBody(body, format.FormatAnthropic, route.SourceFormat, s.translateOpts)
		if err != nil {
			s.respondError(c, rc, route.SourceFormat, http.StatusInternalServerError, "translation_error", err.Error())
			return
		}
		s.emitWire(c, rc, rawlog.SideClient, rawlog.DirResponse,
			rawlog.FormatResponse(http.StatusOK, jsonContentHeader(), out))
		rc.SetMeta(reqctx.MetaStatus, int64(http.StatusOK))
		c.Data(http.StatusOK, "application/json", out)
		return
	}

	// passthrough when the source is already Anthropic; it still synthesizes
	// the terminal if the CLI stream dies without one
	conv, cerr := stream.NewConverter(format.FormatAnthropic, route.SourceFormat, req.Model, s.translateOpts)
	if cerr != nil {
		s.respondError(c, rc, route.SourceFormat, http.StatusInternalServerError, "translation_error", cerr.Error())
		return
	}

	writeSSEHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)
	rc.SetMeta(reqctx.MetaStatus, int64(http.StatusOK))
	rc.SetMeta("streamed", true)

	client := &captureWriter{w: c.Writer}
	write := func(out []stream.Event) bool {
		for _, ev := range out {
			if werr := proxy.WriteEvent(client, ev); werr != nil {
				rc.Fail("client_disconnected")
				return false
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		return true
	}

	for ev := range events {
		cli.ExtractUsage(ev.Data, rc)
		out, ferr := conv.Feed(ev)
		if ferr != nil {
			continue
		}
		if !write(out) {
			return
		}
	}
	write(conv.Finish(nil))
	s.emitWire(c, rc, rawlog.SideClient, rawlog.DirResponse,
		rawlog.FormatResponse(http.StatusOK, c.Writer.Header(), client.buf.Bytes()))
	rc.Finalize()
}

// assembleAnthropic folds a CLI event stream into one Messages response.
func assembleAnthropic(model string, events <-chan stream.Event) (*format.AnthropicResponse, error) {
	resp := &format.AnthropicResponse{
		Type:  "message",
		Role:  "assistant",
		Model: model,
	}
	var text strings.Builder
	for ev := range events {
		var se format.AnthropicStreamEvent
		if err := json.Unmarshal(ev.Data, &se); err != nil {
			continue
		}
		switch se.Type {
		case format.EventMessageStart:
			if se.Message != nil && se.Message.ID != "" {
				resp.ID = se.Message.ID
			}
		case format.EventContentBlockDelta:
			if se.Delta != nil {
				text.WriteString(se.Delta.Text)
			}
		case format.EventMessageDelta:
			if se.Delta != nil && se.Delta.StopReason != "" {
				resp.StopReason = se.Delta.StopReason
			}
			if se.Usage != nil {
				resp.Usage = *se.Usage
			}
		case format.EventError:
			msg := "claude-cli failed"
			if se.Error != nil {
				msg = se.Error.Message
			}
			return nil, fmt.Errorf("%s", msg)
		}
	}
	if resp.StopReason == "" {
		resp.StopReason = format.StopReasonEndTurn
	}
	if text.Len() > 0 {
		resp.Content = []format.ContentBlock{{Type: format.BlockTypeText, Text: text.String()}}
	}
	return resp, nil
}

// estimateMissingUsage fills token counts from the tokenizer when the
// upstream response carried no usage block.
func (s *Server) estimateMissingUsage(rc *reqctx.RequestContext, route Route, upstream []byte) {
	if rc == nil || rc.MetaInt(reqctx.MetaTokensOutput) > 0 {
		return
	}
	text := gjson.GetBytes(upstream, "content.0.text").String()
	if text == "" {
		text = gjson.GetBytes(upstream, "choices.0.message.content").String()
	}
	if text == "" {
		return
	}
	rc.SetMeta(reqctx.MetaTokensOutput, int64(tokencount.EstimateOutput(text)))
}

func writeSSEHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
}

// emitWire publishes one raw wire capture on the hook bus.
func (s *Server) emitWire(c *gin.Context, rc *reqctx.RequestContext, side, direction string, wire []byte) {
	kind := hooks.HTTPRequest
	if direction == rawlog.DirResponse {
		kind = hooks.HTTPResponse
	}
	s.bus.EmitAsync(context.WithoutCancel(c.Request.Context()), hooks.NewEvent(kind, map[string]any{
		rawlog.KeyRequestID: requestID(rc),
		rawlog.KeySide:      side,
		rawlog.KeyDirection: direction,
		rawlog.KeyWire:      wire,
	}, nil))
}

func requestID(rc *reqctx.RequestContext) string {
	if rc == nil {
		return ""
	}
	return rc.RequestID
}

// captureWriter tees written bytes for the client-side wire capture.
type captureWriter struct {
	w   io.Writer
	buf bytes.Buffer
}

func (cw *captureWriter) Write(p []byte) (int, error) {
	cw.buf.Write(p)
	return cw.w.Write(p)
}

func jsonContentHeader() http.Header {
	return http.Header{"Content-Type": []string{"application/json"}}
}

func metaModel(rc *reqctx.RequestContext) string {
	if rc == nil {
		return ""
	}
	if v, ok := rc.Meta(reqctx.MetaModel); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

