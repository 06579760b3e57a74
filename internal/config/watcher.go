package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce coalesces rapid editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the configuration when the file changes on disk and
// notifies registered callbacks with the fresh copy.
type Watcher struct {
	app     *AppConfig
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []func(Config)
	running   bool
	stopCh    chan struct{}
	debounce  *time.Timer
}

// NewWatcher creates a watcher for the app configuration.
func NewWatcher(app *AppConfig) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	return &Watcher{app: app, watcher: fw, stopCh: make(chan struct{})}, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching. Watching the directory rather than the file keeps
// the watch alive across the atomic rename done by Save.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("config: watcher already running")
	}
	if err := w.watcher.Add(w.app.ConfigDir()); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.app.ConfigDir(), err)
	}
	w.running = true
	go w.loop()
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.Warnf("config: watcher error: %v", err)

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != ConfigFileName {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	if err := w.app.load(); err != nil {
		logrus.Errorf("config: reload failed: %v", err)
		return
	}
	w.app.applyEnv()

	cfg := w.app.Get()
	w.mu.Lock()
	callbacks := make([]func(Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
	logrus.Info("config: configuration reloaded")
}

// TriggerReload forces a reload outside the file watcher, used by tests and
// the config CLI.
func (w *Watcher) TriggerReload() {
	w.reload()
}
