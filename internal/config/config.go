// Package config manages the ccproxy configuration file and its live
// reload. The file is plain JSON under ~/.ccproxy/config.json; saves are
// atomic and a fsnotify watcher picks up external edits.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Environment variables recognized at startup.
const (
	// EnvAuthToken sets the ingress bearer token without touching the file.
	EnvAuthToken = "CCPROXY_AUTH_TOKEN"
	// EnvThinkingXML switches reasoning round-trip through <thinking> tags
	// for OpenAI-format clients.
	EnvThinkingXML = "CCPROXY_OPENAI_THINKING_XML"
	// EnvMicroChunk switches word-boundary re-chunking of streamed text.
	EnvMicroChunk = "CCPROXY_STREAM_MICRO_CHUNK"
)

// DefaultPort is the listen port when the file does not set one.
const DefaultPort = 3180

// ConfigFileName is the file under the config directory.
const ConfigFileName = "config.json"

// ProviderConfig is one upstream provider entry.
type ProviderConfig struct {
	// BaseURL overrides the provider's default endpoint.
	BaseURL string `json:"base_url,omitempty"`
	// HeaderMode is full, minimal or passthrough.
	HeaderMode string `json:"header_mode,omitempty"`
	// APIKey is a static upstream key; empty means OAuth credentials.
	APIKey string `json:"api_key,omitempty"`
}

// Config is the persisted application configuration.
type Config struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	LogLevel string `json:"log_level,omitempty"`
	LogFile  string `json:"log_file,omitempty"`

	// AuthToken guards ingress when set; empty means open local mode.
	AuthToken string `json:"auth_token,omitempty"`

	// DefaultProvider routes requests that carry no provider prefix.
	DefaultProvider string `json:"default_provider,omitempty"`

	Providers map[string]ProviderConfig `json:"providers,omitempty"`

	// ModelAliases maps model name prefixes to provider models. Reloaded
	// live by the watcher.
	ModelAliases map[string]string `json:"model_aliases,omitempty"`

	// DisabledPlugins are skipped at startup.
	DisabledPlugins []string `json:"disabled_plugins,omitempty"`

	// ThinkingXML carries reasoning through <thinking> tags for
	// OpenAI-format clients. On unless explicitly disabled.
	ThinkingXML bool `json:"thinking_xml"`

	// MicroChunk re-splits streamed text deltas on word boundaries with a
	// small pacing delay. Off unless opted in.
	MicroChunk bool `json:"micro_chunk,omitempty"`
}

// AppConfig owns the config file.
type AppConfig struct {
	configFile string
	configDir  string
	mu         sync.RWMutex
	config     *Config
	version    string
}

// AppConfigOption is a functional option for AppConfig.
type AppConfigOption func(*appConfigOptions)

type appConfigOptions struct {
	configDir string
}

// WithConfigDir sets a custom config directory.
func WithConfigDir(dir string) AppConfigOption {
	return func(opts *appConfigOptions) {
		opts.configDir = dir
	}
}

// DefaultConfigDir is ~/.ccproxy.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ccproxy"
	}
	return filepath.Join(home, ".ccproxy")
}

// NewAppConfig loads or creates the configuration.
func NewAppConfig(opts ...AppConfigOption) (*AppConfig, error) {
	options := &appConfigOptions{configDir: DefaultConfigDir()}
	for _, opt := range opts {
		opt(options)
	}

	if err := os.MkdirAll(options.configDir, 0o700); err != nil {
		return nil, fmt.Errorf("config: create config directory: %w", err)
	}

	ac := &AppConfig{
		configFile: filepath.Join(options.configDir, ConfigFileName),
		configDir:  options.configDir,
		config:     defaults(),
	}
	if err := ac.load(); err != nil {
		return nil, err
	}
	ac.applyEnv()
	return ac, nil
}

func defaults() *Config {
	return &Config{
		Host:            "127.0.0.1",
		Port:            DefaultPort,
		LogLevel:        "info",
		DefaultProvider: "anthropic",
		ThinkingXML:     true,
	}
}

// load reads the file into memory. A missing file keeps the defaults.
func (ac *AppConfig) load() error {
	data, err := os.ReadFile(ac.configFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", ac.configFile, err)
	}

	cfg := defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", ac.configFile, err)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	ac.mu.Lock()
	ac.config = cfg
	ac.mu.Unlock()
	return nil
}

// applyEnv overlays environment overrides on the loaded file.
func (ac *AppConfig) applyEnv() {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if token := os.Getenv(EnvAuthToken); token != "" {
		ac.config.AuthToken = token
	}
	switch os.Getenv(EnvThinkingXML) {
	case "1", "true":
		ac.config.ThinkingXML = true
	case "0", "false":
		ac.config.ThinkingXML = false
	}
	switch os.Getenv(EnvMicroChunk) {
	case "1", "true":
		ac.config.MicroChunk = true
	case "0", "false":
		ac.config.MicroChunk = false
	}
}

// Save writes the configuration atomically: temp file, chmod, rename.
func (ac *AppConfig) Save() error {
	ac.mu.RLock()
	data, err := json.MarshalIndent(ac.config, "", "  ")
	ac.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(ac.configDir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), ac.configFile)
}

// ConfigDir returns the directory holding the config file.
func (ac *AppConfig) ConfigDir() string {
	return ac.configDir
}

// ConfigFile returns the config file path.
func (ac *AppConfig) ConfigFile() string {
	return ac.configFile
}

// Get returns a copy of the current configuration.
func (ac *AppConfig) Get() Config {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	cfg := *ac.config
	cfg.Providers = copyMap(ac.config.Providers)
	cfg.ModelAliases = copyMap(ac.config.ModelAliases)
	cfg.DisabledPlugins = append([]string(nil), ac.config.DisabledPlugins...)
	return cfg
}

// Update applies fn to the configuration under the write lock.
func (ac *AppConfig) Update(fn func(*Config)) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	fn(ac.config)
}

// AuthToken returns the ingress token, empty in open local mode.
func (ac *AppConfig) AuthToken() string {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.config.AuthToken
}

// ModelAliases returns the alias table from the file.
func (ac *AppConfig) ModelAliases() map[string]string {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return copyMap(ac.config.ModelAliases)
}

// ThinkingXML reports whether reasoning round-trips through <thinking> tags.
func (ac *AppConfig) ThinkingXML() bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.config.ThinkingXML
}

// MicroChunk reports whether streamed text is re-split on word boundaries.
func (ac *AppConfig) MicroChunk() bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.config.MicroChunk
}

// Provider returns one provider entry; the zero value when absent.
func (ac *AppConfig) Provider(name string) ProviderConfig {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.config.Providers[name]
}

// SetVersion records the binary version for display.
func (ac *AppConfig) SetVersion(version string) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.version = version
}

// GetVersion returns the recorded binary version.
func (ac *AppConfig) GetVersion() string {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.version
}

func copyMap[V any](src map[string]V) map[string]V {
	if src == nil {
		return nil
	}
	dst := make(map[string]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
