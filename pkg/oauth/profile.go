package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// Organization is the account's organization as reported by the provider.
type Organization struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Type string `json:"organization_type,omitempty"`
}

// Account is the user account behind the credential.
type Account struct {
	UUID        string `json:"uuid"`
	Email       string `json:"email_address"`
	DisplayName string `json:"display_name,omitempty"`
	HasMax      bool   `json:"has_claude_max,omitempty"`
	HasPro      bool   `json:"has_claude_pro,omitempty"`
}

// UserProfile is fetched on demand and never persisted.
type UserProfile struct {
	Organization Organization `json:"organization"`
	Account      Account      `json:"account"`
}

// Profile fetches the user profile for a provider. Claude exposes a profile
// endpoint; Copilot profiles are decoded from id_token claims.
func (m *Manager) Profile(ctx context.Context, provider ProviderType) (*UserProfile, error) {
	cfg, err := m.config(provider)
	if err != nil {
		return nil, err
	}
	cred, err := m.Store(provider).Load()
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: %s", ErrCredentialsNotFound, provider)
	}

	if cfg.ProfileURL != "" {
		return m.fetchProfile(ctx, cfg, cred.AccessToken)
	}
	return profileFromToken(cred.AccessToken)
}

func (m *Manager) fetchProfile(ctx context.Context, cfg *ProviderConfig, accessToken string) (*UserProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.ProfileURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if cfg.BetaHeader != "" {
		req.Header.Set("anthropic-beta", cfg.BetaHeader)
	}
	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile endpoint returned %d", resp.StatusCode)
	}

	var profile UserProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &profile, nil
}

// idTokenClaims are the JWT claims carried by providers that encode account
// identity in the token itself.
type idTokenClaims struct {
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
	PlanType    string `json:"plan,omitempty"`
	AccountUUID string `json:"account_id,omitempty"`
	jwt.RegisteredClaims
}

// profileFromToken decodes the unverified claims of a JWT access or id
// token. Signature verification is skipped: the token came straight from
// the provider over TLS and is only mined for display fields.
func profileFromToken(token string) (*UserProfile, error) {
	parser := jwt.NewParser()
	claims := &idTokenClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode token claims: %w", err)
	}
	uuid := claims.AccountUUID
	if uuid == "" {
		uuid = claims.Subject
	}
	return &UserProfile{
		Account: Account{
			UUID:        uuid,
			Email:       claims.Email,
			DisplayName: claims.Name,
		},
	}, nil
}
