// Package translate converts requests, responses, and stream events between
// the Anthropic Messages, OpenAI Chat Completions, and OpenAI Responses wire
// formats. OpenAI Chat is the hub format: Anthropic and Responses convert to
// and from each other through it. Identity conversions are handled upstream
// by the proxy as byte-exact passthrough and never reach this package.
package translate

import (
	"encoding/json"
	"fmt"

	"github.com/ccproxy/ccproxy/internal/format"
)

// ParseRequest decodes and validates a request body in the given format.
// The returned value is *format.AnthropicRequest, *format.ChatRequest, or
// *format.ResponsesRequest.
func ParseRequest(f format.Format, body []byte) (any, error) {
	switch f {
	case format.FormatAnthropic:
		var req format.AnthropicRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("decode anthropic request: %w", err)
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return &req, nil
	case format.FormatOpenAIChat:
		var req format.ChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("decode chat request: %w", err)
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return &req, nil
	case format.FormatOpenAIResponses:
		var req format.ResponsesRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("decode responses request: %w", err)
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return &req, nil
	default:
		return nil, fmt.Errorf("unknown format %q", f)
	}
}

// TranslateRequest converts a parsed request (from ParseRequest) into the
// target format. src == dst returns the input unchanged.
func TranslateRequest(req any, src, dst format.Format, opts Options) (any, error) {
	if src == dst {
		return req, nil
	}
	switch src {
	case format.FormatAnthropic:
		r := req.(*format.AnthropicRequest)
		if dst == format.FormatOpenAIChat {
			return AnthropicToChatRequest(r, opts)
		}
		return AnthropicToResponsesRequest(r, opts)
	case format.FormatOpenAIChat:
		r := req.(*format.ChatRequest)
		if dst == format.FormatAnthropic {
			return ChatToAnthropicRequest(r, opts)
		}
		return ChatToResponsesRequest(r, opts)
	case format.FormatOpenAIResponses:
		r := req.(*format.ResponsesRequest)
		if dst == format.FormatAnthropic {
			return ResponsesToAnthropicRequest(r, opts)
		}
		return ResponsesToChatRequest(r, opts)
	}
	return nil, fmt.Errorf("unknown format %q", src)
}

// TranslateResponseBody converts a complete non-streaming response body from
// the upstream format back into the client format.
func TranslateResponseBody(body []byte, from, to format.Format, opts Options) ([]byte, error) {
	if from == to {
		return body, nil
	}
	switch from {
	case format.FormatAnthropic:
		var resp format.AnthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode anthropic response: %w", err)
		}
		if to == format.FormatOpenAIChat {
			return json.Marshal(AnthropicToChatResponse(&resp, opts))
		}
		return json.Marshal(AnthropicToResponsesResponse(&resp, opts))
	case format.FormatOpenAIChat:
		var resp format.ChatResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode chat response: %w", err)
		}
		if to == format.FormatAnthropic {
			return json.Marshal(ChatToAnthropicResponse(&resp, opts))
		}
		return json.Marshal(ChatToResponsesResponse(&resp, opts))
	case format.FormatOpenAIResponses:
		var resp format.ResponsesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode responses response: %w", err)
		}
		if to == format.FormatAnthropic {
			return json.Marshal(ResponsesToAnthropicResponse(&resp, opts))
		}
		return json.Marshal(ResponsesToChatResponse(&resp, opts))
	}
	return nil, fmt.Errorf("unknown format %q", from)
}

// ExtractUsageFromResponse pulls normalized usage out of a complete response
// body in the given format. Returns a zero Usage when the body carries none.
func ExtractUsageFromResponse(body []byte, f format.Format) format.Usage {
	switch f {
	case format.FormatAnthropic:
		var resp format.AnthropicResponse
		if json.Unmarshal(body, &resp) == nil {
			return format.FromAnthropicUsage(resp.Usage)
		}
	case format.FormatOpenAIChat:
		var resp format.ChatResponse
		if json.Unmarshal(body, &resp) == nil && resp.Usage != nil {
			return format.FromChatUsage(*resp.Usage)
		}
	case format.FormatOpenAIResponses:
		var resp format.ResponsesResponse
		if json.Unmarshal(body, &resp) == nil && resp.Usage != nil {
			return format.FromResponsesUsage(*resp.Usage)
		}
	}
	return format.Usage{}
}
