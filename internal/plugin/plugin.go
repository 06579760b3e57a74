// Package plugin hosts the extension surface. A plugin declares a manifest,
// initializes against the runtime, subscribes to the hook bus, and shuts
// down in reverse initialization order.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ccproxy/ccproxy/internal/hooks"
)

// Priority bands. A plugin's subscriptions inherit its band, so security
// subscribers run before observability, observability before routing.
const (
	BandSecurity      = 100
	BandObservability = 200
	BandRouting       = 300
	BandApplication   = 400
)

// Manifest describes one plugin.
type Manifest struct {
	Name    string
	Version string
	Band    int
	// Core marks built-in plugins; they win initialization-order ties.
	Core bool
	// Requires lists plugin names that must initialize first.
	Requires []string
}

// Runtime is the surface plugins get at Init.
type Runtime interface {
	Bus() *hooks.Bus
	DataDir() string
	Logger() *logrus.Entry
}

// Plugin is the extension contract.
type Plugin interface {
	Manifest() Manifest
	Init(ctx context.Context, rt Runtime) error
	Shutdown(ctx context.Context) error
}

// Host owns plugin registration and lifecycle.
type Host struct {
	mu       sync.Mutex
	plugins  map[string]Plugin
	disabled map[string]bool
	started  []Plugin
}

// NewHost creates an empty host.
func NewHost() *Host {
	return &Host{
		plugins:  make(map[string]Plugin),
		disabled: make(map[string]bool),
	}
}

// Register adds a plugin. A duplicate name is an error.
func (h *Host) Register(p Plugin) error {
	m := p.Manifest()
	if m.Name == "" {
		return fmt.Errorf("plugin: empty name")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.plugins[m.Name]; exists {
		return fmt.Errorf("plugin: %s already registered", m.Name)
	}
	h.plugins[m.Name] = p
	return nil
}

// SetEnabled flips one plugin. Disabled plugins are skipped at InitAll.
func (h *Host) SetEnabled(name string, enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disabled[name] = !enabled
}

// InitAll initializes every enabled plugin in dependency order. Within the
// topological constraints, lower bands go first, core plugins win ties, and
// names break the rest. A dependency cycle or a missing dependency is fatal.
func (h *Host) InitAll(ctx context.Context, rt Runtime) error {
	h.mu.Lock()
	active := make(map[string]Plugin)
	for name, p := range h.plugins {
		if !h.disabled[name] {
			active[name] = p
		}
	}
	h.mu.Unlock()

	order, err := initOrder(active)
	if err != nil {
		return err
	}

	for _, p := range order {
		m := p.Manifest()
		if err := p.Init(ctx, rt); err != nil {
			h.shutdownStarted(ctx)
			return fmt.Errorf("plugin: init %s: %w", m.Name, err)
		}
		logrus.Debugf("plugin: initialized %s band=%d", m.Name, m.Band)
		h.mu.Lock()
		h.started = append(h.started, p)
		h.mu.Unlock()
	}
	return nil
}

// ShutdownAll stops started plugins in reverse initialization order.
func (h *Host) ShutdownAll(ctx context.Context) {
	h.shutdownStarted(ctx)
}

func (h *Host) shutdownStarted(ctx context.Context) {
	h.mu.Lock()
	started := h.started
	h.started = nil
	h.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		m := started[i].Manifest()
		if err := started[i].Shutdown(ctx); err != nil {
			logrus.Warnf("plugin: shutdown %s: %v", m.Name, err)
		}
	}
}

// Started returns the names of running plugins in initialization order.
func (h *Host) Started() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, len(h.started))
	for i, p := range h.started {
		names[i] = p.Manifest().Name
	}
	return names
}

// initOrder is Kahn's algorithm with a deterministic tie-break: at each step
// the ready plugin with the lowest (band, non-core, name) triple goes next.
func initOrder(active map[string]Plugin) ([]Plugin, error) {
	indegree := make(map[string]int, len(active))
	dependents := make(map[string][]string, len(active))
	for name, p := range active {
		indegree[name] += 0
		for _, dep := range p.Manifest().Requires {
			if _, ok := active[dep]; !ok {
				return nil, fmt.Errorf("plugin: %s requires %s, which is not registered or is disabled", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	less := func(a, b string) bool {
		ma, mb := active[a].Manifest(), active[b].Manifest()
		if ma.Band != mb.Band {
			return ma.Band < mb.Band
		}
		if ma.Core != mb.Core {
			return ma.Core
		}
		return ma.Name < mb.Name
	}

	var order []Plugin
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, active[next])
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(active) {
		var stuck []string
		seen := make(map[string]bool, len(order))
		for _, p := range order {
			seen[p.Manifest().Name] = true
		}
		for name := range active {
			if !seen[name] {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("plugin: dependency cycle among %s", strings.Join(stuck, ", "))
	}
	return order, nil
}
