// Package adskip skips, fast-forwards and hides video ads, and clears the
// dialogs the host raises against ad blocking.
package adskip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ytenhancer/internal/dom"
	"ytenhancer/internal/module"
	"ytenhancer/internal/watch"
	logx "ytenhancer/pkg/logx"
)

const ID = "adblock"

// Config is the module's option set.
//
// SkipThreshold is in seconds of ad playback: past it the ad is
// fast-forwarded instead of clicking the skip control.
type Config struct {
	SkipThreshold    float64 `json:"skipThreshold"`
	ResumeWindow     float64 `json:"resumeWindow"`
	MuteAds          bool    `json:"muteAds"`
	HideCosmetic     bool    `json:"hideCosmetic"`
	BackdropZIndex   string  `json:"backdropZIndex"`
	MutationThrottle int     `json:"mutationThrottle"`
}

func DefaultConfig() Config {
	return Config{
		SkipThreshold:    0.6,
		ResumeWindow:     1,
		MuteAds:          true,
		HideCosmetic:     true,
		BackdropZIndex:   "2201",
		MutationThrottle: 150,
	}
}

func (c Config) validate() error {
	if c.SkipThreshold < 0 {
		return fmt.Errorf("skipThreshold must be >= 0")
	}
	if c.ResumeWindow < 0 {
		return fmt.Errorf("resumeWindow must be >= 0")
	}
	if c.MutationThrottle < 0 {
		return fmt.Errorf("mutationThrottle must be >= 0")
	}
	return nil
}

type Module struct {
	module.Base

	cfg Config

	mu     sync.Mutex
	handle *watch.Handle
	styled bool
	runs   int
}

func New() *Module { return &Module{cfg: DefaultConfig()} }

func (m *Module) Descriptor() module.Descriptor {
	return module.Descriptor{
		ID:             ID,
		Name:           "AdBlock",
		Description:    "Skips and fast-forwards video ads, hides ad slots, dismisses ad-blocker dialogs.",
		DefaultEnabled: true,
		DefaultConfig:  module.MustEncode(DefaultConfig()),
	}
}

func (m *Module) Configure(cfg module.Config) error {
	c, err := module.Decode(cfg, DefaultConfig())
	if err != nil {
		return err
	}
	if err := c.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = c
	m.mu.Unlock()
	return nil
}

func (m *Module) Start(ctx context.Context, env module.Env) error {
	env = m.StartBase(ctx, env)

	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	if cfg.HideCosmetic {
		if err := env.Page.InjectStyle(ctx, styleID, cosmeticCSS()); err != nil {
			return fmt.Errorf("inject cosmetic style: %w", err)
		}
		m.mu.Lock()
		m.styled = true
		m.mu.Unlock()
	}

	c := &Corrector{Page: env.Page, Cfg: cfg, Clock: env.Clock}
	act := logx.NewThrottled(env.Log, 2*time.Second, 3)
	run := func(batch []dom.Record) {
		if ctx.Err() != nil {
			return
		}
		r, err := c.Run(ctx, batch)
		m.mu.Lock()
		m.runs++
		m.mu.Unlock()
		if err != nil {
			if ctx.Err() == nil {
				act.Warn("ad correction failed", logx.Err(err))
			}
			return
		}
		if r.Acted() {
			act.Info("ad corrected",
				logx.Int("clicked", r.Clicked),
				logx.Int("fast_forwarded", r.FastForwarded),
				logx.Int("resumed", r.Resumed),
				logx.Int("popups_removed", r.PopupsRemoved),
				logx.Int("backdrops", r.BackdropsReset+r.BackdropsRemoved),
			)
		}
	}

	h, err := watch.Observe(ctx, env.Page, env.Clock, watch.Subscription{
		Scope:    "body",
		Filter:   dom.Filter{ChildList: true, Subtree: true},
		Throttle: module.Millis(cfg.MutationThrottle),
		OnBatch:  run,
	})
	if err != nil {
		if errors.Is(err, dom.ErrNoScope) {
			h, err = watch.Observe(ctx, env.Page, env.Clock, watch.Subscription{
				Filter:   dom.Filter{ChildList: true, Subtree: true},
				Throttle: module.Millis(cfg.MutationThrottle),
				OnBatch:  run,
			})
		}
		if err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()

	// An ad may already be on screen; do not wait for the next mutation.
	env.Runner.Go0("adblock.initial", func(context.Context) { run(nil) })
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	styled := m.styled
	m.styled = false
	m.mu.Unlock()

	h.Unobserve()
	if styled && m.Env.Page != nil {
		if err := m.Env.Page.RemoveStyle(ctx, styleID); err != nil {
			return fmt.Errorf("remove cosmetic style: %w", err)
		}
	}
	return nil
}

// Runs reports how many correction passes have completed.
func (m *Module) Runs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}
