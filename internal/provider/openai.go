package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/reqctx"
	"github.com/ccproxy/ccproxy/pkg/auth"
)

// OpenAIAdapter targets the OpenAI API.
type OpenAIAdapter struct {
	baseURL string
	authn   auth.Authenticator
}

// NewOpenAIAdapter creates the adapter.
func NewOpenAIAdapter(authn auth.Authenticator) *OpenAIAdapter {
	return &OpenAIAdapter{baseURL: "https://api.openai.com", authn: authn}
}

func (a *OpenAIAdapter) Name() string              { return "openai" }
func (a *OpenAIAdapter) BaseURL() string           { return a.baseURL }
func (a *OpenAIAdapter) WireFormat() format.Format { return format.FormatOpenAIChat }

// SetBaseURL overrides the upstream origin.
func (a *OpenAIAdapter) SetBaseURL(url string) { a.baseURL = url }

// TransformPath strips the /codex routing prefix.
func (a *OpenAIAdapter) TransformPath(ingressPath string) string {
	if rest, ok := strings.CutPrefix(ingressPath, "/codex"); ok && rest != "" {
		return rest
	}
	return ingressPath
}

// BuildHeaders injects the OpenAI bearer token.
func (a *OpenAIAdapter) BuildHeaders(ctx context.Context, client http.Header, mode HeaderMode) (http.Header, error) {
	if mode == HeaderModePassthrough {
		out := http.Header{}
		for k, vs := range client {
			out[k] = append([]string(nil), vs...)
		}
		return out, nil
	}

	token, err := a.authn.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	h := copyClientHeaders(client)
	if mode == HeaderModeMinimal {
		h = http.Header{}
	}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	return h, nil
}

// TransformBody applies no body rewrites for OpenAI.
func (a *OpenAIAdapter) TransformBody(body []byte, mode HeaderMode) ([]byte, error) {
	return body, nil
}

// MapModel passes model names through unchanged.
func (a *OpenAIAdapter) MapModel(model string) string {
	return model
}

// ExtractUsage reads the Chat Completions usage block.
func (a *OpenAIAdapter) ExtractUsage(body []byte, rc *reqctx.RequestContext) {
	extractChatUsage(body, rc)
}

// extractChatUsage parses an OpenAI-shaped usage block, shared with the
// Copilot adapter.
func extractChatUsage(body []byte, rc *reqctx.RequestContext) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return
	}
	u := format.Usage{
		PromptTokens:     int(usage.Get("prompt_tokens").Int()),
		CompletionTokens: int(usage.Get("completion_tokens").Int()),
		CacheReadTokens:  int(usage.Get("prompt_tokens_details.cached_tokens").Int()),
		ReasoningTokens:  int(usage.Get("completion_tokens_details.reasoning_tokens").Int()),
		TotalTokens:      int(usage.Get("total_tokens").Int()),
	}
	mergeUsage(rc, u)
	if model := gjson.GetBytes(body, "model"); model.Exists() && rc != nil {
		rc.SetMeta(reqctx.MetaModel, model.String())
	}
}
