// Package credentials persists per-provider OAuth credentials on disk,
// tolerating the field-name variants the official CLIs write.
package credentials

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

var (
	// ErrInvalidCredentials is returned when a credential file exists but
	// cannot be parsed.
	ErrInvalidCredentials = errors.New("credentials: invalid credential file")

	// ErrStorage is returned when a credential file cannot be written.
	ErrStorage = errors.New("credentials: storage failure")
)

// Credential is one provider's OAuth credential record. A credential is
// replaced wholesale on refresh, never mutated in place.
type Credential struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time // zero when the provider issued no expiry
	Scopes           []string
	SubscriptionTier string
	TokenType        string
	Provider         string
}

// HasExpiry reports whether the credential carries an expiry instant.
func (c *Credential) HasExpiry() bool {
	return !c.ExpiresAt.IsZero()
}

// ExpiresWithin reports whether the credential expires within the given
// buffer. Credentials without an expiry never expire.
func (c *Credential) ExpiresWithin(buffer time.Duration) bool {
	if !c.HasExpiry() {
		return false
	}
	return time.Until(c.ExpiresAt) <= buffer
}

// wireCredential accepts both the camelCase names the official CLIs write
// and the snake_case names of the raw token endpoints.
type wireCredential struct {
	AccessToken       string      `json:"accessToken,omitempty"`
	AccessTokenSnake  string      `json:"access_token,omitempty"`
	RefreshToken      string      `json:"refreshToken,omitempty"`
	RefreshTokenSnake string      `json:"refresh_token,omitempty"`
	ExpiresAt         json.Number `json:"expiresAt,omitempty"`
	ExpiresAtSnake    json.Number `json:"expires_at,omitempty"`
	Scopes            []string    `json:"scopes,omitempty"`
	SubscriptionType  string      `json:"subscriptionType,omitempty"`
	SubscriptionSnake string      `json:"subscription_type,omitempty"`
	TokenType         string      `json:"tokenType,omitempty"`
	TokenTypeSnake    string      `json:"token_type,omitempty"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (w *wireCredential) toCredential(provider string) *Credential {
	cred := &Credential{
		AccessToken:      firstNonEmpty(w.AccessToken, w.AccessTokenSnake),
		RefreshToken:     firstNonEmpty(w.RefreshToken, w.RefreshTokenSnake),
		Scopes:           w.Scopes,
		SubscriptionTier: firstNonEmpty(w.SubscriptionType, w.SubscriptionSnake),
		TokenType:        firstNonEmpty(w.TokenType, w.TokenTypeSnake, "Bearer"),
		Provider:         provider,
	}
	raw := w.ExpiresAt
	if raw == "" {
		raw = w.ExpiresAtSnake
	}
	if raw != "" {
		if ms, err := raw.Int64(); err == nil && ms > 0 {
			cred.ExpiresAt = time.UnixMilli(ms)
		}
	}
	return cred
}

// toWire serializes with the provider's canonical camelCase names and a
// millisecond epoch expiry.
func toWire(cred *Credential) *wireCredential {
	w := &wireCredential{
		AccessToken:      cred.AccessToken,
		RefreshToken:     cred.RefreshToken,
		Scopes:           cred.Scopes,
		SubscriptionType: cred.SubscriptionTier,
	}
	if cred.TokenType != "" && cred.TokenType != "Bearer" {
		w.TokenType = cred.TokenType
	}
	if cred.HasExpiry() {
		w.ExpiresAt = json.Number(strconv.FormatInt(cred.ExpiresAt.UnixMilli(), 10))
	}
	return w
}
