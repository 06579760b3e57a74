// Package auth unifies static bearer tokens and OAuth credentials behind a
// single capability set. The variant set is closed: BearerTokenAuth and
// OAuthAuth.
package auth

import (
	"context"
	"crypto/subtle"

	"github.com/ccproxy/ccproxy/pkg/oauth"
)

// Authenticator is the shared capability set over all credential kinds.
type Authenticator interface {
	// AccessToken returns a token valid for an upstream call right now.
	AccessToken(ctx context.Context) (string, error)

	// IsAuthenticated reports whether a usable credential exists.
	IsAuthenticated(ctx context.Context) bool

	// UserProfile returns the account behind the credential, nil when the
	// credential kind has no profile.
	UserProfile(ctx context.Context) (*oauth.UserProfile, error)

	// ProviderName names the provider the credential belongs to.
	ProviderName() string
}

// BearerTokenAuth wraps a static token. It never expires and has no profile.
type BearerTokenAuth struct {
	token    string
	provider string
}

// NewBearerTokenAuth creates a static-token authenticator.
func NewBearerTokenAuth(provider, token string) *BearerTokenAuth {
	return &BearerTokenAuth{token: token, provider: provider}
}

// AccessToken returns the static token.
func (a *BearerTokenAuth) AccessToken(ctx context.Context) (string, error) {
	return a.token, nil
}

// IsAuthenticated reports whether a token is configured.
func (a *BearerTokenAuth) IsAuthenticated(ctx context.Context) bool {
	return a.token != ""
}

// UserProfile always returns nil for static tokens.
func (a *BearerTokenAuth) UserProfile(ctx context.Context) (*oauth.UserProfile, error) {
	return nil, nil
}

// ProviderName returns the provider the token targets.
func (a *BearerTokenAuth) ProviderName() string {
	return a.provider
}

// Matches compares a presented token in constant time.
func (a *BearerTokenAuth) Matches(presented string) bool {
	return subtle.ConstantTimeCompare([]byte(a.token), []byte(presented)) == 1
}

// OAuthAuth delegates to the OAuth engine for a provider. AccessToken never
// returns an expired token: expiring tokens are refreshed first.
type OAuthAuth struct {
	manager  *oauth.Manager
	provider oauth.ProviderType
}

// NewOAuthAuth creates an OAuth-backed authenticator.
func NewOAuthAuth(manager *oauth.Manager, provider oauth.ProviderType) *OAuthAuth {
	return &OAuthAuth{manager: manager, provider: provider}
}

// AccessToken returns a valid token, refreshing if necessary.
func (a *OAuthAuth) AccessToken(ctx context.Context) (string, error) {
	return a.manager.GetValidToken(ctx, a.provider)
}

// IsAuthenticated reports whether a stored credential exists.
func (a *OAuthAuth) IsAuthenticated(ctx context.Context) bool {
	cred, err := a.manager.Store(a.provider).Load()
	return err == nil && cred != nil
}

// UserProfile fetches the account profile from the provider.
func (a *OAuthAuth) UserProfile(ctx context.Context) (*oauth.UserProfile, error) {
	return a.manager.Profile(ctx, a.provider)
}

// ProviderName returns the bound provider.
func (a *OAuthAuth) ProviderName() string {
	return a.provider.String()
}
