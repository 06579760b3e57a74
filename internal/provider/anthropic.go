package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/reqctx"
	"github.com/ccproxy/ccproxy/pkg/auth"
)

const (
	anthropicVersion = "2023-06-01"

	// betaFull is sent when masquerading as the Claude CLI.
	betaFull = "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"

	// betaMinimal keeps only the OAuth grant.
	betaMinimal = "oauth-2025-04-20"

	claudeCLIUserAgent = "claude-cli/1.0.83 (external, cli)"

	// claudeCodePrompt must be the first system block for subscription
	// tokens to be accepted.
	claudeCodePrompt = "You are Claude Code, Anthropic's official CLI for Claude."
)

// AnthropicAdapter targets the Anthropic Messages API with a subscription
// OAuth token.
type AnthropicAdapter struct {
	baseURL string
	authn   auth.Authenticator
	aliases *AliasTable
}

// NewAnthropicAdapter creates the adapter. A nil alias table uses the
// built-in OpenAI-to-Claude mapping.
func NewAnthropicAdapter(authn auth.Authenticator, aliases *AliasTable) *AnthropicAdapter {
	if aliases == nil {
		aliases = DefaultClaudeAliases()
	}
	return &AnthropicAdapter{
		baseURL: "https://api.anthropic.com",
		authn:   authn,
		aliases: aliases,
	}
}

func (a *AnthropicAdapter) Name() string              { return "anthropic" }
func (a *AnthropicAdapter) BaseURL() string           { return a.baseURL }
func (a *AnthropicAdapter) WireFormat() format.Format { return format.FormatAnthropic }

// SetBaseURL overrides the upstream origin, used by tests and config.
func (a *AnthropicAdapter) SetBaseURL(url string) { a.baseURL = url }

// TransformPath maps any ingress path to the Messages endpoint, stripping
// the /unclaude passthrough prefix.
func (a *AnthropicAdapter) TransformPath(ingressPath string) string {
	if rest, ok := strings.CutPrefix(ingressPath, "/unclaude"); ok {
		if rest == "" {
			return "/"
		}
		return rest
	}
	return "/v1/messages"
}

// BuildHeaders strips client auth and injects the OAuth token plus the
// Claude CLI identity headers.
func (a *AnthropicAdapter) BuildHeaders(ctx context.Context, client http.Header, mode HeaderMode) (http.Header, error) {
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

	if mode == HeaderModeMinimal {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+token)
		h.Set("anthropic-version", anthropicVersion)
		h.Set("anthropic-beta", betaMinimal)
		h.Set("Content-Type", "application/json")
		h.Set("Accept", "application/json")
		return h, nil
	}

	h := copyClientHeaders(client)
	h.Set("Authorization", "Bearer "+token)
	h.Set("anthropic-version", anthropicVersion)
	h.Set("anthropic-beta", betaFull)
	h.Set("User-Agent", claudeCLIUserAgent)
	h.Set("x-app", "cli")
	h.Set("X-Stainless-Lang", "js")
	h.Set("X-Stainless-Retry-Count", "0")
	h.Set("X-Stainless-Timeout", "60")
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	return h, nil
}

// TransformBody injects the Claude Code system prompt as the first system
// block and resolves model aliases. No rewrites in minimal/passthrough.
func (a *AnthropicAdapter) TransformBody(body []byte, mode HeaderMode) ([]byte, error) {
	if mode != HeaderModeFull {
		return body, nil
	}

	if model := gjson.GetBytes(body, "model"); model.Exists() {
		mapped := a.MapModel(model.String())
		if mapped != model.String() {
			var err error
			body, err = sjson.SetBytes(body, "model", mapped)
			if err != nil {
				return nil, fmt.Errorf("rewrite model: %w", err)
			}
		}
	}
	return injectClaudeCodePrompt(body)
}

// injectClaudeCodePrompt prepends the Claude Code text block to the system
// prompt, converting a string prompt into block form. Already-first prompts
// are left alone.
func injectClaudeCodePrompt(body []byte) ([]byte, error) {
	promptBlock := map[string]any{"type": "text", "text": claudeCodePrompt}
	sys := gjson.GetBytes(body, "system")

	switch {
	case !sys.Exists():
		return sjson.SetBytes(body, "system", []any{promptBlock})

	case sys.Type == gjson.String:
		if sys.String() == claudeCodePrompt {
			return body, nil
		}
		return sjson.SetBytes(body, "system", []any{
			promptBlock,
			map[string]any{"type": "text", "text": sys.String()},
		})

	case sys.IsArray():
		if gjson.GetBytes(body, "system.0.text").String() == claudeCodePrompt {
			return body, nil
		}
		blockJSON, err := sjson.Set("{}", "text", claudeCodePrompt)
		if err != nil {
			return nil, err
		}
		blockJSON, err = sjson.Set(blockJSON, "type", "text")
		if err != nil {
			return nil, err
		}
		raw := sys.Raw
		inner := strings.TrimSpace(raw[1 : len(raw)-1])
		var combined string
		if inner == "" {
			combined = "[" + blockJSON + "]"
		} else {
			combined = "[" + blockJSON + "," + inner + "]"
		}
		return sjson.SetRawBytes(body, "system", []byte(combined))
	}
	return body, nil
}

// MapModel resolves OpenAI-style names to Claude models; native Claude
// names pass through.
func (a *AnthropicAdapter) MapModel(model string) string {
	if strings.HasPrefix(model, "claude") {
		return model
	}
	return a.aliases.Resolve(model)
}

// ExtractUsage reads the Anthropic usage block out of a response body.
func (a *AnthropicAdapter) ExtractUsage(body []byte, rc *reqctx.RequestContext) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return
	}
	u := format.Usage{
		PromptTokens:     int(usage.Get("input_tokens").Int()),
		CompletionTokens: int(usage.Get("output_tokens").Int()),
		CacheReadTokens:  int(usage.Get("cache_read_input_tokens").Int()),
		CacheWriteTokens: int(usage.Get("cache_creation_input_tokens").Int()),
	}
	if cc := usage.Get("cache_creation"); cc.Exists() {
		sum := int(cc.Get("ephemeral_5m_input_tokens").Int() + cc.Get("ephemeral_1h_input_tokens").Int())
		if sum > 0 {
			u.CacheWriteTokens = sum
		}
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	mergeUsage(rc, u)
	if model := gjson.GetBytes(body, "model"); model.Exists() && rc != nil {
		rc.SetMeta(reqctx.MetaModel, model.String())
	}
}
