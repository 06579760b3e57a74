// Package server assembles the proxy: routing table, format translation,
// provider adapters, hook bus and plugin host behind one gin engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ccproxy/ccproxy/internal/config"
	"github.com/ccproxy/ccproxy/internal/hooks"
	"github.com/ccproxy/ccproxy/internal/plugin"
	"github.com/ccproxy/ccproxy/internal/provider"
	"github.com/ccproxy/ccproxy/internal/proxy"
	"github.com/ccproxy/ccproxy/internal/translate"
	"github.com/ccproxy/ccproxy/pkg/auth"
	"github.com/ccproxy/ccproxy/pkg/oauth"
)

// Server is the assembled proxy instance.
type Server struct {
	appConfig  *config.AppConfig
	engine     *gin.Engine
	httpServer *http.Server
	watcher    *config.Watcher

	bus     *hooks.Bus
	plugins *plugin.Host

	routes       *routeTable
	adapters     []provider.Adapter
	aliases      *provider.AliasTable
	client       *http.Client
	oauthManager *oauth.Manager
	refresher    *TokenRefresher
	gate         atomic.Pointer[auth.BearerTokenAuth]

	translateOpts translate.Options

	host    string
	port    int
	version string
}

// Option is a functional option for Server configuration.
type Option func(*Server)

// WithVersion records the binary version for the info endpoint.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithHost overrides the configured listen host.
func WithHost(host string) Option {
	return func(s *Server) { s.host = host }
}

// WithPort overrides the configured listen port.
func WithPort(port int) Option {
	return func(s *Server) { s.port = port }
}

// WithHTTPClient replaces the upstream client. Used by tests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Server) { s.client = client }
}

// WithOAuthManager replaces the credential engine. Used by tests.
func WithOAuthManager(m *oauth.Manager) Option {
	return func(s *Server) { s.oauthManager = m }
}

// NewServer builds a server from the loaded configuration.
func NewServer(appConfig *config.AppConfig, opts ...Option) (*Server, error) {
	cfg := appConfig.Get()

	s := &Server{
		appConfig: appConfig,
		bus:       hooks.NewBus(),
		plugins:   plugin.NewHost(),
		client:    proxy.SharedClient(),
		host:      cfg.Host,
		port:      cfg.Port,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.oauthManager == nil {
		s.oauthManager = oauth.NewManager(oauth.WithHTTPClient(s.client))
	}

	s.translateOpts = translate.DefaultOptions()
	s.translateOpts.ThinkingXML = appConfig.ThinkingXML()
	s.translateOpts.MicroChunk = appConfig.MicroChunk()

	s.aliases = provider.NewAliasTable(provider.MergeClaudeAliases(cfg.ModelAliases))
	s.adapters = s.buildAdapters(cfg)
	s.routes = newRouteTable(cfg.DefaultProvider)

	if token := appConfig.AuthToken(); token != "" {
		s.gate.Store(auth.NewBearerTokenAuth("ccproxy", token))
	}

	s.refresher = NewTokenRefresher(s.oauthManager)

	for _, p := range plugin.Builtins() {
		if err := s.plugins.Register(p); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.DisabledPlugins {
		s.plugins.SetEnabled(name, false)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	if err := s.setupConfigWatcher(); err != nil {
		logrus.Warnf("server: config watcher disabled: %v", err)
	}
	return s, nil
}

// buildAdapters constructs one adapter per upstream, applying base-url
// overrides from the file.
func (s *Server) buildAdapters(cfg config.Config) []provider.Adapter {
	anthropicAuth := s.providerAuth(cfg, "anthropic", oauth.ProviderClaude)
	openaiAuth := auth.Authenticator(auth.NewBearerTokenAuth("openai", cfg.Providers["openai"].APIKey))
	copilotAuth := s.providerAuth(cfg, "copilot", oauth.ProviderCopilot)

	anthropic := provider.NewAnthropicAdapter(anthropicAuth, s.aliases)
	openai := provider.NewOpenAIAdapter(openaiAuth)
	copilot := provider.NewCopilotAdapter(copilotAuth)
	claudeCLI := provider.NewClaudeCLIAdapter(s.aliases)

	if u := cfg.Providers["anthropic"].BaseURL; u != "" {
		anthropic.SetBaseURL(u)
	}
	if u := cfg.Providers["openai"].BaseURL; u != "" {
		openai.SetBaseURL(u)
	}
	if u := cfg.Providers["copilot"].BaseURL; u != "" {
		copilot.SetBaseURL(u)
	}

	return []provider.Adapter{anthropic, openai, copilot, claudeCLI}
}

// providerAuth picks a static key when configured, OAuth otherwise.
func (s *Server) providerAuth(cfg config.Config, name string, pt oauth.ProviderType) auth.Authenticator {
	if key := cfg.Providers[name].APIKey; key != "" {
		return auth.NewBearerTokenAuth(name, key)
	}
	return auth.NewOAuthAuth(s.oauthManager, pt)
}

// headerMode resolves a provider's header rewrite mode from the file,
// defaulting to full masquerade.
func (s *Server) headerMode(name string) provider.HeaderMode {
	switch s.appConfig.Provider(name).HeaderMode {
	case "minimal":
		return provider.HeaderModeMinimal
	case "passthrough":
		return provider.HeaderModePassthrough
	default:
		return provider.HeaderModeFull
	}
}

func (s *Server) setupMiddleware() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(requestContextMiddleware(s.bus))
	s.engine.Use(loggingMiddleware())
	s.engine.Use(authMiddleware(s.currentGate))
}

func (s *Server) setupRoutes() {
	s.engine.POST("/v1/messages", s.handleProxy)
	s.engine.POST("/v1/chat/completions", s.handleProxy)
	s.engine.POST("/v1/responses", s.handleProxy)
	s.engine.POST("/openai/v1/chat/completions", s.handleProxy)
	s.engine.Any("/claude/v1/*path", s.handleProxy)
	s.engine.Any("/codex/*path", s.handleProxy)
	s.engine.Any("/copilot/v1/*path", s.handleProxy)
	s.engine.Any("/unclaude/*path", s.handleProxy)

	s.engine.GET("/health", s.handleHealth)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
		"plugins": s.plugins.Started(),
	})
}

// setupConfigWatcher wires live reload: alias table and auth token follow
// the file without a restart.
func (s *Server) setupConfigWatcher() error {
	watcher, err := config.NewWatcher(s.appConfig)
	if err != nil {
		return err
	}
	watcher.OnReload(func(cfg config.Config) {
		s.aliases.Replace(provider.MergeClaudeAliases(cfg.ModelAliases))
		if cfg.AuthToken != "" {
			s.gate.Store(auth.NewBearerTokenAuth("ccproxy", cfg.AuthToken))
		} else {
			s.gate.Store(nil)
		}
		logrus.Info("server: configuration reloaded")
	})
	s.watcher = watcher
	return nil
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// currentGate returns the live ingress gate, nil in open local mode.
func (s *Server) currentGate() *auth.BearerTokenAuth {
	return s.gate.Load()
}

// Bus exposes the hook bus for plugin and test wiring.
func (s *Server) Bus() *hooks.Bus {
	return s.bus
}

// Engine exposes the gin engine. Used by tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start initializes plugins and serves until the listener fails or Shutdown
// runs.
func (s *Server) Start(ctx context.Context) error {
	rt := &runtime{bus: s.bus, dataDir: s.appConfig.ConfigDir()}
	if err := s.plugins.InitAll(ctx, rt); err != nil {
		return fmt.Errorf("server: plugin init: %w", err)
	}

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logrus.Warnf("server: config watcher: %v", err)
		}
	}
	go s.refresher.Start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logrus.Infof("server: listening on %s", s.Addr())
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener, the refresher, the watcher and the plugins,
// in that order.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.refresher.Stop()
	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	s.plugins.ShutdownAll(ctx)
	return err
}

// runtime is the plugin.Runtime handed to plugins at init.
type runtime struct {
	bus     *hooks.Bus
	dataDir string
}

func (r *runtime) Bus() *hooks.Bus       { return r.bus }
func (r *runtime) DataDir() string       { return r.dataDir }
func (r *runtime) Logger() *logrus.Entry { return logrus.WithField("component", "plugin") }
