package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ccproxy/ccproxy/internal/credentials"
)

// CallbackPort is the fixed loopback port the provider redirects to.
const CallbackPort = 54545

// callbackResult is delivered by the loopback handler.
type callbackResult struct {
	code string
	err  error
}

// LoginSession is one in-flight interactive login. The caller opens
// AuthorizeURL in a browser; Wait blocks until the callback lands or the
// flow times out.
type LoginSession struct {
	AuthorizeURL string

	manager  *Manager
	provider ProviderType
	cfg      *ProviderConfig
	verifier string
	state    string
	server   *http.Server
	results  chan callbackResult
}

// StartLogin generates PKCE material, starts the loopback listener, and
// returns the authorize URL to open.
func (m *Manager) StartLogin(provider ProviderType) (*LoginSession, error) {
	cfg, err := m.config(provider)
	if err != nil {
		return nil, err
	}

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogin, err)
	}
	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogin, err)
	}

	session := &LoginSession{
		manager:  m,
		provider: provider,
		cfg:      cfg,
		verifier: verifier,
		state:    state,
		results:  make(chan callbackResult, 1),
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", CallbackPort))
	if err != nil {
		return nil, fmt.Errorf("%w: callback listener: %v", ErrLogin, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", session.handleCallback)
	session.server = &http.Server{Handler: mux}
	go func() {
		if err := session.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("oauth: callback server: %v", err)
		}
	}()

	session.AuthorizeURL = session.authorizeURL()
	return session, nil
}

func (s *LoginSession) authorizeURL() string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", s.cfg.ClientID)
	q.Set("redirect_uri", s.cfg.RedirectURL)
	q.Set("scope", strings.Join(s.cfg.Scopes, " "))
	q.Set("state", s.state)
	q.Set("code_challenge", codeChallenge(s.verifier))
	q.Set("code_challenge_method", "S256")
	for k, v := range s.cfg.AuthExtraParams {
		q.Set(k, v)
	}
	return s.cfg.AuthURL + "?" + q.Encode()
}

// handleCallback validates the state strictly before accepting the code.
// A state mismatch is rejected without any token exchange.
func (s *LoginSession) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		http.Error(w, "authorization denied", http.StatusBadRequest)
		s.deliver(callbackResult{err: fmt.Errorf("%w: provider returned %s", ErrLogin, errParam)})
		return
	}
	if q.Get("state") != s.state {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		s.deliver(callbackResult{err: ErrInvalidState})
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		s.deliver(callbackResult{err: fmt.Errorf("%w: callback without code", ErrLogin)})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body>Login complete. You can close this window.</body></html>")
	s.deliver(callbackResult{code: code})
}

func (s *LoginSession) deliver(result callbackResult) {
	select {
	case s.results <- result:
	default:
	}
}

// Wait blocks until the callback arrives, then exchanges the code and
// persists the credential. The loopback listener is torn down on all exit
// paths. The overall flow is bounded by LoginTimeout.
func (s *LoginSession) Wait(ctx context.Context) (*credentials.Credential, error) {
	defer s.Close()

	ctx, cancel := context.WithTimeout(ctx, LoginTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrLogin, ctx.Err())
	case result := <-s.results:
		if result.err != nil {
			return nil, result.err
		}
		return s.exchange(ctx, result.code)
	}
}

func (s *LoginSession) exchange(ctx context.Context, code string) (*credentials.Credential, error) {
	body := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  s.cfg.RedirectURL,
		"client_id":     s.cfg.ClientID,
		"code_verifier": s.verifier,
		"state":         s.state,
	}
	token, err := s.manager.postToken(ctx, s.cfg, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogin, err)
	}
	cred := token.toCredential(s.provider)
	if err := s.manager.Store(s.provider).Save(cred); err != nil {
		return nil, err
	}
	logrus.Infof("oauth: %s login complete", s.provider)
	return cred, nil
}

// Close tears down the loopback listener.
func (s *LoginSession) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

// Login runs the full interactive flow: start the listener, report the
// authorize URL through openURL, and wait for completion.
func (m *Manager) Login(ctx context.Context, provider ProviderType, openURL func(string)) (*credentials.Credential, error) {
	session, err := m.StartLogin(provider)
	if err != nil {
		return nil, err
	}
	if openURL != nil {
		openURL(session.AuthorizeURL)
	}
	return session.Wait(ctx)
}
