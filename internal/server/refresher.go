package server

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ccproxy/ccproxy/pkg/oauth"
)

// TokenRefresher refreshes stored OAuth credentials in the background so
// requests rarely pay the refresh round trip inline.
type TokenRefresher struct {
	manager       *oauth.Manager
	providers     []oauth.ProviderType
	checkInterval time.Duration
	refreshBuffer time.Duration
	stopChan      chan struct{}
	mu            sync.Mutex
	running       bool
}

// NewTokenRefresher creates a refresher covering every OAuth provider.
func NewTokenRefresher(manager *oauth.Manager) *TokenRefresher {
	return &TokenRefresher{
		manager:       manager,
		providers:     []oauth.ProviderType{oauth.ProviderClaude, oauth.ProviderCopilot},
		checkInterval: 10 * time.Minute,
		refreshBuffer: 30 * time.Minute,
		stopChan:      make(chan struct{}),
	}
}

// SetCheckInterval overrides the sweep interval.
func (tr *TokenRefresher) SetCheckInterval(interval time.Duration) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.checkInterval = interval
}

// Start runs the refresh loop until the context ends or Stop is called.
func (tr *TokenRefresher) Start(ctx context.Context) {
	tr.mu.Lock()
	if tr.running {
		tr.mu.Unlock()
		return
	}
	tr.running = true
	interval := tr.checkInterval
	stop := tr.stopChan
	tr.mu.Unlock()

	defer func() {
		tr.mu.Lock()
		tr.running = false
		tr.mu.Unlock()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tr.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			tr.sweep(ctx)
		}
	}
}

// Stop ends a running loop. Safe to call when not running.
func (tr *TokenRefresher) Stop() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.running {
		close(tr.stopChan)
		tr.stopChan = make(chan struct{})
	}
}

// sweep refreshes every stored credential that expires within the buffer.
func (tr *TokenRefresher) sweep(ctx context.Context) {
	for _, p := range tr.providers {
		cred, err := tr.manager.Store(p).Load()
		if err != nil || cred == nil {
			continue
		}
		if !cred.ExpiresWithin(tr.refreshBuffer) {
			continue
		}
		if _, err := tr.manager.Refresh(ctx, p); err != nil {
			logrus.Warnf("server: background refresh for %s failed: %v", p, err)
			continue
		}
		logrus.Debugf("server: refreshed %s credential", p)
	}
}
