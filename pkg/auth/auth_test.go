package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccproxy/ccproxy/internal/credentials"
	"github.com/ccproxy/ccproxy/pkg/oauth"
)

func TestBearerTokenAuth(t *testing.T) {
	a := NewBearerTokenAuth("claude", "secret-token")

	token, err := a.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret-token", token)
	assert.True(t, a.IsAuthenticated(context.Background()))
	assert.Equal(t, "claude", a.ProviderName())

	profile, err := a.UserProfile(context.Background())
	require.NoError(t, err)
	assert.Nil(t, profile)

	assert.True(t, a.Matches("secret-token"))
	assert.False(t, a.Matches("wrong"))
	assert.False(t, a.Matches(""))
}

func TestBearerTokenAuthEmpty(t *testing.T) {
	a := NewBearerTokenAuth("claude", "")
	assert.False(t, a.IsAuthenticated(context.Background()))
}

func TestOAuthAuthDelegates(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")
	store := credentials.NewStore("claude", credentials.WithHomeDir(t.TempDir()))
	manager := oauth.NewManager(oauth.WithStore(oauth.ProviderClaude, store))
	a := NewOAuthAuth(manager, oauth.ProviderClaude)

	assert.False(t, a.IsAuthenticated(context.Background()))
	assert.Equal(t, "claude", a.ProviderName())

	_, err := a.AccessToken(context.Background())
	assert.ErrorIs(t, err, oauth.ErrCredentialsNotFound)

	require.NoError(t, store.Save(&credentials.Credential{
		AccessToken: "stored",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))
	assert.True(t, a.IsAuthenticated(context.Background()))

	token, err := a.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stored", token)
}
