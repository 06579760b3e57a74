package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/reqctx"
	"github.com/ccproxy/ccproxy/pkg/auth"
)

const copilotUserAgent = "GitHubCopilotChat/0.26.7"

// CopilotAdapter targets the GitHub Copilot chat endpoint, masquerading as
// the official VS Code extension.
type CopilotAdapter struct {
	baseURL string
	authn   auth.Authenticator
}

// NewCopilotAdapter creates the adapter.
func NewCopilotAdapter(authn auth.Authenticator) *CopilotAdapter {
	return &CopilotAdapter{baseURL: "https://api.githubcopilot.com", authn: authn}
}

func (a *CopilotAdapter) Name() string              { return "copilot" }
func (a *CopilotAdapter) BaseURL() string           { return a.baseURL }
func (a *CopilotAdapter) WireFormat() format.Format { return format.FormatOpenAIChat }

// SetBaseURL overrides the upstream origin.
func (a *CopilotAdapter) SetBaseURL(url string) { a.baseURL = url }

// TransformPath strips the /copilot routing prefix; Copilot exposes
// OpenAI-compatible paths underneath.
func (a *CopilotAdapter) TransformPath(ingressPath string) string {
	if rest, ok := strings.CutPrefix(ingressPath, "/copilot"); ok && rest != "" {
		return rest
	}
	return ingressPath
}

// BuildHeaders injects the Copilot token and editor identity headers.
func (a *CopilotAdapter) BuildHeaders(ctx context.Context, client http.Header, mode HeaderMode) (http.Header, error) {
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
	if mode == HeaderModeFull {
		h.Set("User-Agent", copilotUserAgent)
		h.Set("Editor-Version", "vscode/1.99.0")
		h.Set("Editor-Plugin-Version", "copilot-chat/0.26.7")
		h.Set("Copilot-Integration-Id", "vscode-chat")
	}
	return h, nil
}

// TransformBody applies no body rewrites for Copilot.
func (a *CopilotAdapter) TransformBody(body []byte, mode HeaderMode) ([]byte, error) {
	return body, nil
}

// MapModel passes model names through; Copilot accepts OpenAI names.
func (a *CopilotAdapter) MapModel(model string) string {
	return model
}

// ExtractUsage reads the OpenAI-shaped usage block.
func (a *CopilotAdapter) ExtractUsage(body []byte, rc *reqctx.RequestContext) {
	extractChatUsage(body, rc)
}
