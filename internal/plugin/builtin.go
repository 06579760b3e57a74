package plugin

import (
	"context"
	"path/filepath"

	"github.com/ccproxy/ccproxy/internal/obs"
	"github.com/ccproxy/ccproxy/internal/rawlog"
	"github.com/ccproxy/ccproxy/internal/record"
)

// Builtins returns the core plugins: raw wire capture, usage recording, and
// metrics export.
func Builtins() []Plugin {
	return []Plugin{
		&rawlogPlugin{},
		&recordPlugin{},
		&obsPlugin{},
	}
}

type rawlogPlugin struct {
	logger *rawlog.Logger
}

func (p *rawlogPlugin) Manifest() Manifest {
	return Manifest{Name: "rawlog", Version: "1.0.0", Band: BandObservability, Core: true}
}

func (p *rawlogPlugin) Init(ctx context.Context, rt Runtime) error {
	p.logger = rawlog.FromEnv()
	p.logger.Attach(rt.Bus(), BandObservability)
	if p.logger.Enabled() {
		rt.Logger().Info("raw HTTP capture enabled")
	}
	return nil
}

func (p *rawlogPlugin) Shutdown(ctx context.Context) error {
	return nil
}

type recordPlugin struct {
	store *record.Store
}

func (p *recordPlugin) Manifest() Manifest {
	return Manifest{Name: "record", Version: "1.0.0", Band: BandObservability, Core: true}
}

func (p *recordPlugin) Init(ctx context.Context, rt Runtime) error {
	store, err := record.NewStore(filepath.Join(rt.DataDir(), "usage"))
	if err != nil {
		return err
	}
	p.store = store
	store.Attach(rt.Bus(), BandObservability)
	return nil
}

func (p *recordPlugin) Shutdown(ctx context.Context) error {
	return nil
}

// Store exposes the usage store after Init, nil before.
func (p *recordPlugin) Store() *record.Store {
	return p.store
}

type obsPlugin struct {
	setup *obs.Setup
}

func (p *obsPlugin) Manifest() Manifest {
	return Manifest{Name: "obs", Version: "1.0.0", Band: BandObservability, Core: true}
}

func (p *obsPlugin) Init(ctx context.Context, rt Runtime) error {
	setup, err := obs.NewSetup(obs.DefaultConfig())
	if err != nil {
		return err
	}
	p.setup = setup
	if tracker := setup.Tracker(); tracker != nil {
		tracker.Attach(rt.Bus(), BandObservability)
	}
	return nil
}

func (p *obsPlugin) Shutdown(ctx context.Context) error {
	return p.setup.Shutdown(ctx)
}
