// Package shareclean strips the tracking identifier from the link offered by
// the share dialog.
package shareclean

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"ytenhancer/internal/dom"
	"ytenhancer/internal/module"
	"ytenhancer/internal/watch"
	logx "ytenhancer/pkg/logx"
)

const (
	ID = "remove-share-identifier"

	tagCopyLink = "YT-COPY-LINK-RENDERER"
	selShareURL = "yt-copy-link-renderer input#share-url"
)

// Config is in milliseconds. The host rewrites the input for a while after
// the dialog opens, so the value is re-cleaned every RecheckInterval until
// RecheckWindow has passed.
type Config struct {
	RecheckInterval int `json:"recheckInterval"`
	RecheckWindow   int `json:"recheckWindow"`
}

func DefaultConfig() Config {
	return Config{RecheckInterval: 100, RecheckWindow: 5000}
}

// CleanShareURL drops every query part that carries the share identifier.
func CleanShareURL(raw string) string {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == '?' || r == '&' })
	if len(parts) == 0 {
		return raw
	}
	kept := parts[:0]
	for i, p := range parts {
		if i > 0 && strings.Contains(p, "si=") {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return kept[0] + "?" + strings.Join(kept[1:], "&")
}

type Module struct {
	module.Base

	mu      sync.Mutex
	cfg     Config
	handle  *watch.Handle
	cancel  context.CancelFunc
	cleaned atomic.Int64
	active  atomic.Int32
}

func New() *Module { return &Module{cfg: DefaultConfig()} }

func (m *Module) Descriptor() module.Descriptor {
	return module.Descriptor{
		ID:             ID,
		Name:           "Remove Share Identifier",
		Description:    "Removes the si= tracking parameter from shared links.",
		DefaultEnabled: true,
		DefaultConfig:  module.MustEncode(DefaultConfig()),
	}
}

func (m *Module) Configure(cfg module.Config) error {
	c, err := module.Decode(cfg, DefaultConfig())
	if err != nil {
		return err
	}
	if c.RecheckInterval <= 0 || c.RecheckWindow < 0 {
		return fmt.Errorf("recheckInterval must be > 0 and recheckWindow >= 0")
	}
	m.mu.Lock()
	m.cfg = c
	m.mu.Unlock()
	return nil
}

func (m *Module) Start(ctx context.Context, env module.Env) error {
	env = m.StartBase(ctx, env)
	h, err := watch.Observe(ctx, env.Page, env.Clock, watch.Subscription{
		Filter: dom.Filter{ChildList: true, Subtree: true},
		OnBatch: func(batch []dom.Record) {
			if dom.HasAdded(batch, tagCopyLink) {
				m.onDialog(ctx, env)
			}
		},
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()
	return nil
}

func (m *Module) Stop(context.Context) error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	h.Unobserve()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Cleaned reports how many times the input value was rewritten.
func (m *Module) Cleaned() int64 { return m.cleaned.Load() }

// Rechecking reports whether a re-clean loop is running.
func (m *Module) Rechecking() bool { return m.active.Load() > 0 }

func (m *Module) onDialog(ctx context.Context, env module.Env) {
	if ctx.Err() != nil {
		return
	}
	el, ok, err := env.Page.Query(ctx, selShareURL)
	if err != nil || !ok {
		return
	}
	m.clean(ctx, env.Log, el)

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	rctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	cfg := m.cfg
	m.mu.Unlock()

	m.active.Add(1)
	env.Runner.Go0("shareclean.recheck", func(context.Context) {
		defer m.active.Add(-1)
		m.recheck(rctx, env, el, cfg)
	})
}

func (m *Module) recheck(ctx context.Context, env module.Env, el dom.Element, cfg Config) {
	clock := env.Clock
	start := clock.Now()
	t := clock.NewTicker(module.Millis(cfg.RecheckInterval))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			if clock.Since(start) > module.Millis(cfg.RecheckWindow) {
				return
			}
			if !m.clean(ctx, env.Log, el) {
				return
			}
		}
	}
}

// clean rewrites el's value if needed. It returns false once el is gone.
func (m *Module) clean(ctx context.Context, log logx.Logger, el dom.Element) bool {
	v, err := el.Value(ctx)
	if err != nil {
		return false
	}
	c := CleanShareURL(v)
	if c == v {
		return true
	}
	if err := el.SetValue(ctx, c); err != nil {
		return false
	}
	m.cleaned.Add(1)
	log.Debug("share link cleaned", logx.String("url", c))
	return true
}
