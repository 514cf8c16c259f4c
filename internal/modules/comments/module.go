// Package comments expands the comment section progressively: it loads more
// top-level comments and reveals reply threads as the user scrolls.
package comments

import (
	"context"
	"fmt"
	"sync"

	"ytenhancer/internal/module"
)

const ID = "auto-expand-comments"

type Module struct {
	module.Base

	mu  sync.Mutex
	cfg Config
	x   *Expander
}

func New() *Module { return &Module{cfg: DefaultConfig()} }

func (m *Module) Descriptor() module.Descriptor {
	return module.Descriptor{
		ID:             ID,
		Name:           "Auto Expand Comments",
		Description:    "Loads more comments and opens reply threads while you scroll.",
		DefaultEnabled: true,
		DefaultConfig:  module.MustEncode(DefaultConfig()),
	}
}

func (m *Module) Configure(cfg module.Config) error {
	c, err := module.Decode(cfg, DefaultConfig())
	if err != nil {
		return err
	}
	if c.MaxRetries < 0 || c.MaxClicksPerBatch < 0 {
		return fmt.Errorf("maxRetries and maxClicksPerBatch must be >= 0")
	}
	m.mu.Lock()
	m.cfg = c.normalize()
	m.mu.Unlock()
	return nil
}

// RestartOnNavigate is true: the comment section belongs to one video.
func (m *Module) RestartOnNavigate() bool { return true }

func (m *Module) Start(ctx context.Context, env module.Env) error {
	env = m.StartBase(ctx, env)
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	x := NewExpander(env, cfg)
	m.mu.Lock()
	m.x = x
	m.mu.Unlock()
	x.Start(ctx)
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	x := m.x
	m.x = nil
	m.mu.Unlock()
	if x != nil {
		x.Stop(ctx)
	}
	return nil
}

// Expander returns the running instance's expander, or nil when stopped.
func (m *Module) Expander() *Expander {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.x
}
