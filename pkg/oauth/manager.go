// Package oauth implements the PKCE login flow, refresh-token exchange, and
// expiry-aware token access for the upstream providers.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ccproxy/ccproxy/internal/credentials"
)

const (
	// DefaultRefreshBuffer is how long before expiry a token is refreshed.
	DefaultRefreshBuffer = 300 * time.Second

	// LoginTimeout bounds the whole interactive login flow.
	LoginTimeout = 300 * time.Second
)

// refreshBackoff is the retry schedule for transport/5xx refresh failures.
var refreshBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Manager drives OAuth flows against the provider registry and persists
// results through per-provider credential stores.
type Manager struct {
	registry      *Registry
	client        *http.Client
	refreshBuffer time.Duration

	mu     sync.Mutex
	stores map[ProviderType]*credentials.Store
	locks  map[ProviderType]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) { m.client = client }
}

// WithRegistry overrides the provider registry.
func WithRegistry(registry *Registry) ManagerOption {
	return func(m *Manager) { m.registry = registry }
}

// WithStore pins a provider to a specific credential store.
func WithStore(provider ProviderType, store *credentials.Store) ManagerOption {
	return func(m *Manager) { m.stores[provider] = store }
}

// WithRefreshBuffer overrides the expiry buffer that triggers refresh.
func WithRefreshBuffer(buffer time.Duration) ManagerOption {
	return func(m *Manager) { m.refreshBuffer = buffer }
}

// NewManager creates an OAuth manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:      DefaultRegistry(),
		client:        &http.Client{Timeout: 30 * time.Second},
		refreshBuffer: DefaultRefreshBuffer,
		stores:        make(map[ProviderType]*credentials.Store),
		locks:         make(map[ProviderType]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the credential store for a provider, creating the default
// one on first use.
func (m *Manager) Store(provider ProviderType) *credentials.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.stores[provider]
	if !ok {
		store = credentials.NewStore(provider.String())
		m.stores[provider] = store
	}
	return store
}

func (m *Manager) lock(provider ProviderType) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.locks[provider]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[provider] = mu
	}
	return mu
}

func (m *Manager) config(provider ProviderType) (*ProviderConfig, error) {
	cfg, ok := m.registry.Get(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProvider, provider)
	}
	return cfg, nil
}

// GetValidToken returns a non-expired access token for the provider,
// refreshing first when the stored token expires within the buffer.
// Concurrent callers for the same provider share a single refresh exchange.
func (m *Manager) GetValidToken(ctx context.Context, provider ProviderType) (string, error) {
	store := m.Store(provider)
	cred, err := store.Load()
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", fmt.Errorf("%w: %s", ErrCredentialsNotFound, provider)
	}
	if !cred.ExpiresWithin(m.refreshBuffer) {
		return cred.AccessToken, nil
	}

	mu := m.lock(provider)
	mu.Lock()
	defer mu.Unlock()

	// another caller may have refreshed while we waited for the lock
	cred, err = store.Load()
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", fmt.Errorf("%w: %s", ErrCredentialsNotFound, provider)
	}
	if !cred.ExpiresWithin(m.refreshBuffer) {
		return cred.AccessToken, nil
	}

	refreshed, err := m.refreshLocked(ctx, provider, cred)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh exchanges the stored refresh token for a new credential and
// persists it.
func (m *Manager) Refresh(ctx context.Context, provider ProviderType) (*credentials.Credential, error) {
	store := m.Store(provider)
	mu := m.lock(provider)
	mu.Lock()
	defer mu.Unlock()

	cred, err := store.Load()
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: %s", ErrCredentialsNotFound, provider)
	}
	return m.refreshLocked(ctx, provider, cred)
}

func (m *Manager) refreshLocked(ctx context.Context, provider ProviderType, old *credentials.Credential) (*credentials.Credential, error) {
	if old.RefreshToken == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRefreshToken, provider)
	}
	cfg, err := m.config(provider)
	if err != nil {
		return nil, err
	}

	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": old.RefreshToken,
		"client_id":     cfg.ClientID,
	}

	var token *tokenResponse
	var lastErr error
	for attempt := 0; attempt < len(refreshBackoff); attempt++ {
		token, lastErr = m.postToken(ctx, cfg, body)
		if lastErr == nil {
			break
		}
		var httpErr *tokenHTTPError
		if errors.As(lastErr, &httpErr) && httpErr.status >= 400 && httpErr.status < 500 {
			return nil, fmt.Errorf("%w: %s: %v", ErrTokenRefresh, provider, lastErr)
		}
		logrus.Warnf("oauth: refresh attempt %d for %s failed: %v", attempt+1, provider, lastErr)
		if attempt+1 == len(refreshBackoff) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrTokenRefresh, provider, ctx.Err())
		case <-time.After(refreshBackoff[attempt]):
		}
	}
	if token == nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTokenRefresh, provider, lastErr)
	}

	cred := token.toCredential(provider)
	// providers may omit the tier on refresh
	if cred.SubscriptionTier == "" {
		cred.SubscriptionTier = old.SubscriptionTier
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = old.RefreshToken
	}
	if err := m.Store(provider).Save(cred); err != nil {
		return nil, err
	}
	logrus.Infof("oauth: refreshed %s token, expires %s", provider, cred.ExpiresAt.Format(time.RFC3339))
	return cred, nil
}

// tokenResponse is the token-endpoint wire response.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope"`
	TokenType        string `json:"token_type"`
	IDToken          string `json:"id_token"`
	SubscriptionType string `json:"subscription_type"`

	receivedAt time.Time
}

func (t *tokenResponse) toCredential(provider ProviderType) *credentials.Credential {
	cred := &credentials.Credential{
		AccessToken:      t.AccessToken,
		RefreshToken:     t.RefreshToken,
		SubscriptionTier: t.SubscriptionType,
		TokenType:        t.TokenType,
		Provider:         provider.String(),
	}
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}
	if t.Scope != "" {
		cred.Scopes = strings.Fields(t.Scope)
	}
	if t.ExpiresIn > 0 {
		cred.ExpiresAt = t.receivedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return cred
}

// tokenHTTPError carries the token endpoint's HTTP status for retry policy.
type tokenHTTPError struct {
	status int
	body   string
}

func (e *tokenHTTPError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.status, e.body)
}

// postToken sends a JSON token request with the provider's headers.
func (m *Manager) postToken(ctx context.Context, cfg *ProviderConfig, body map[string]string) (*tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, v := range cfg.tokenHeaders() {
		req.Header.Set(k, v)
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
		return nil, &tokenHTTPError{status: resp.StatusCode, body: string(data)}
	}

	var token tokenResponse
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	token.receivedAt = time.Now()
	return &token, nil
}
