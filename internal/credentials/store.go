package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// claudeNestKey is the wrapper object key used by the official Claude CLI
// credential file.
const claudeNestKey = "claudeAiOauth"

// pathLocks serializes writers per credential file path.
var pathLocks sync.Map // path -> *sync.Mutex

func lockFor(path string) *sync.Mutex {
	mu, _ := pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Store locates, loads, and persists one provider's credential file.
type Store struct {
	provider     string
	explicitPath string
	homeDir      string // test override, defaults to os.UserHomeDir
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPath pins the store to an explicit credential file path, overriding
// the search order.
func WithPath(path string) StoreOption {
	return func(s *Store) { s.explicitPath = path }
}

// WithHomeDir overrides the home directory used to build search paths.
func WithHomeDir(dir string) StoreOption {
	return func(s *Store) { s.homeDir = dir }
}

// NewStore creates a store for the named provider ("claude", "copilot", ...).
func NewStore(provider string, opts ...StoreOption) *Store {
	s := &Store{provider: provider}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Provider returns the provider name the store is bound to.
func (s *Store) Provider() string {
	return s.provider
}

func (s *Store) home() string {
	if s.homeDir != "" {
		return s.homeDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// SearchPaths returns candidate credential file locations in priority order:
// explicit path, $XDG_CONFIG_HOME, ~/.<provider>, ~/.config/<provider>.
func (s *Store) SearchPaths() []string {
	var paths []string
	if s.explicitPath != "" {
		paths = append(paths, s.explicitPath)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, s.provider, "credentials.json"))
	}
	home := s.home()
	paths = append(paths,
		filepath.Join(home, "."+s.provider, "credentials.json"),
		filepath.Join(home, ".config", s.provider, "credentials.json"),
	)
	return paths
}

// Find returns the first existing credential file, or "" when none exists.
func (s *Store) Find() string {
	for _, path := range s.SearchPaths() {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// Load reads and parses the credential file. A missing file returns
// (nil, nil); a present but unparseable file returns ErrInvalidCredentials.
func (s *Store) Load() (*Credential, error) {
	path := s.Find()
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, path, err)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCredentials, path, err)
	}
	record := json.RawMessage(data)
	if nested, ok := envelope[claudeNestKey]; ok {
		record = nested
	}

	var wire wireCredential
	if err := json.Unmarshal(record, &wire); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCredentials, path, err)
	}
	cred := wire.toCredential(s.provider)
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("%w: %s: missing access token", ErrInvalidCredentials, path)
	}
	return cred, nil
}

// Save writes the credential atomically (temp file then rename) with mode
// 0600, creating parent directories with 0700. The target is the first
// search path whose parent can be created.
func (s *Store) Save(cred *Credential) error {
	body, err := s.marshal(cred)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	var lastErr error
	for _, path := range s.SearchPaths() {
		if err := writeAtomic(path, body); err != nil {
			lastErr = err
			continue
		}
		logrus.Debugf("credentials: saved %s credential to %s", s.provider, path)
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorage, lastErr)
}

// Delete removes every credential file found on the search paths.
func (s *Store) Delete() error {
	var lastErr error
	for _, path := range s.SearchPaths() {
		mu := lockFor(path)
		mu.Lock()
		err := os.Remove(path)
		mu.Unlock()
		if err != nil && !os.IsNotExist(err) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrStorage, lastErr)
	}
	return nil
}

func (s *Store) marshal(cred *Credential) ([]byte, error) {
	wire := toWire(cred)
	if s.provider == "claude" {
		return json.MarshalIndent(map[string]*wireCredential{claudeNestKey: wire}, "", "  ")
	}
	return json.MarshalIndent(wire, "", "  ")
}

func writeAtomic(path string, data []byte) error {
	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
