package oauth

import "errors"

var (
	// ErrCredentialsNotFound is returned when no stored credential exists for
	// a provider.
	ErrCredentialsNotFound = errors.New("oauth: credentials not found")

	// ErrInvalidProvider is returned when an unknown provider is specified.
	ErrInvalidProvider = errors.New("oauth: invalid provider")

	// ErrInvalidState is returned when the OAuth callback state parameter
	// does not match the one issued for the login attempt.
	ErrInvalidState = errors.New("oauth: invalid state")

	// ErrLogin is returned when the interactive login flow fails, times out,
	// or is cancelled.
	ErrLogin = errors.New("oauth: login failed")

	// ErrTokenRefresh is returned when a refresh-token exchange is rejected
	// by the provider or exhausts its retries.
	ErrTokenRefresh = errors.New("oauth: token refresh failed")

	// ErrNoRefreshToken is returned when a refresh is attempted but the
	// stored credential has no refresh token.
	ErrNoRefreshToken = errors.New("oauth: no refresh token available")
)
