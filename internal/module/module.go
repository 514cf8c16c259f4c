// Package module defines the contract every automation feature implements
// and the environment the registry hands it on start.
package module

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"ytenhancer/internal/dom"
	"ytenhancer/internal/eventbus"
	"ytenhancer/internal/runtime/supervisor"
	logx "ytenhancer/pkg/logx"
)

// Descriptor is a module's immutable identity.
type Descriptor struct {
	ID             string
	Name           string
	Description    string
	DefaultEnabled bool
	DefaultConfig  Config
}

// Module is one optional automation feature.
//
// Configure is called with the merged config before every Start and may be
// called on a stopped module to validate a candidate config.
// Start must return promptly; long-running work belongs on env.Runner.
// Stop must undo every side effect Start produced on the page.
type Module interface {
	Descriptor() Descriptor
	Configure(cfg Config) error
	Start(ctx context.Context, env Env) error
	Stop(ctx context.Context) error
}

// NavigationAware modules are restarted when the page navigates in place.
type NavigationAware interface {
	RestartOnNavigate() bool
}

// Env is everything a running instance may touch. The registry builds a fresh
// one per instance; Runner and the ctx passed to Start die with the instance.
type Env struct {
	Page     dom.Page
	Log      logx.Logger
	Clock    clockwork.Clock
	Bus      eventbus.Bus
	Runner   *supervisor.Supervisor
	Instance string
}

// Base gives a module no-op lifecycle methods. Embed it and override what you need.
//
// Env and Log are overwritten by every StartBase. The registry reuses one
// module value across instances, so callbacks installed by Start must close
// over the env StartBase returns and the instance ctx, never these fields.
type Base struct {
	Env Env
	Log logx.Logger
}

func (b *Base) Configure(Config) error { return nil }

func (b *Base) Start(ctx context.Context, env Env) error {
	b.StartBase(ctx, env)
	return nil
}

func (b *Base) Stop(context.Context) error { return nil }

// StartBase records env for Stop and returns it with a clock filled in.
func (b *Base) StartBase(_ context.Context, env Env) Env {
	if env.Clock == nil {
		env.Clock = clockwork.NewRealClock()
	}
	b.Env = env
	b.Log = env.Log
	return env
}

// Sleep waits d on clock. It returns false if ctx ended first; callers must
// not touch the page after a false return.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return ctx.Err() == nil
	}
}

// PublishEvent publishes on the bus (if present). Non-blocking.
func (b *Base) PublishEvent(typ, moduleID string, data any) {
	if b == nil || b.Env.Bus == nil {
		return
	}
	b.Env.Bus.Publish(eventbus.Event{Type: typ, Module: moduleID, Data: data})
}
