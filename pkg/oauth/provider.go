package oauth

import "fmt"

// ProviderType identifies an OAuth provider.
type ProviderType string

const (
	ProviderClaude  ProviderType = "claude"
	ProviderCopilot ProviderType = "copilot"
)

// ParseProviderType parses a provider type from string.
func ParseProviderType(s string) (ProviderType, error) {
	p := ProviderType(s)
	switch p {
	case ProviderClaude, ProviderCopilot:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidProvider, s)
	}
}

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// ProviderConfig holds one provider's OAuth endpoints and client identity.
type ProviderConfig struct {
	// Type is the provider type.
	Type ProviderType

	// DisplayName is the human-readable name.
	DisplayName string

	// ClientID is the OAuth client ID. Public clients carry no secret.
	ClientID string

	// AuthURL is the authorization endpoint URL.
	AuthURL string

	// TokenURL is the token endpoint URL.
	TokenURL string

	// ProfileURL is the user-profile endpoint, empty when the profile comes
	// from id_token claims instead.
	ProfileURL string

	// RedirectURL is the loopback callback URL.
	RedirectURL string

	// Scopes is the list of OAuth scopes to request.
	Scopes []string

	// BetaHeader is sent as anthropic-beta on token requests when set.
	BetaHeader string

	// UserAgent masquerades as the provider's official CLI.
	UserAgent string

	// AuthExtraParams are additional authorize-URL query parameters.
	AuthExtraParams map[string]string
}

// tokenHeaders returns the headers applied to token-endpoint requests.
func (c *ProviderConfig) tokenHeaders() map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if c.UserAgent != "" {
		headers["User-Agent"] = c.UserAgent
	}
	if c.BetaHeader != "" {
		headers["anthropic-beta"] = c.BetaHeader
	}
	return headers
}

// Registry manages OAuth provider configurations.
type Registry struct {
	providers map[ProviderType]*ProviderConfig
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[ProviderType]*ProviderConfig)}
}

// Register adds or replaces a provider configuration.
func (r *Registry) Register(config *ProviderConfig) {
	r.providers[config.Type] = config
}

// Get returns a provider configuration.
func (r *Registry) Get(providerType ProviderType) (*ProviderConfig, bool) {
	config, ok := r.providers[providerType]
	return config, ok
}

// List returns all registered provider types.
func (r *Registry) List() []ProviderType {
	types := make([]ProviderType, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	return types
}

// DefaultRegistry returns a registry with the built-in provider
// configurations.
func DefaultRegistry() *Registry {
	registry := NewRegistry()

	// Claude subscription OAuth. Public client, PKCE, JSON token requests.
	registry.Register(&ProviderConfig{
		Type:        ProviderClaude,
		DisplayName: "Claude",
		ClientID:    "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		AuthURL:     "https://claude.ai/oauth/authorize",
		TokenURL:    "https://console.anthropic.com/v1/oauth/token",
		ProfileURL:  "https://api.anthropic.com/api/oauth/profile",
		RedirectURL: "http://localhost:54545/callback",
		Scopes:      []string{"org:create_api_key", "user:profile", "user:inference"},
		BetaHeader:  "oauth-2025-04-20",
		UserAgent:   "claude-cli/1.0.83 (external, cli)",
		AuthExtraParams: map[string]string{
			"code": "true",
		},
	})

	// GitHub Copilot. Profile is read from id_token claims.
	registry.Register(&ProviderConfig{
		Type:        ProviderCopilot,
		DisplayName: "GitHub Copilot",
		ClientID:    "Iv1.b507a08c87ecfe98",
		AuthURL:     "https://github.com/login/oauth/authorize",
		TokenURL:    "https://github.com/login/oauth/access_token",
		RedirectURL: "http://localhost:54545/callback",
		Scopes:      []string{"read:user", "copilot"},
		UserAgent:   "GitHubCopilotChat/0.26.7",
	})

	return registry
}
