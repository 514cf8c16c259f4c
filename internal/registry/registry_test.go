package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"ytenhancer/internal/config"
	"ytenhancer/internal/dom"
	"ytenhancer/internal/dom/domtest"
	"ytenhancer/internal/eventbus"
	"ytenhancer/internal/module"
	"ytenhancer/internal/storage"
	"ytenhancer/internal/watch"
)

// counter watches the page and counts delivered batches.
type counter struct {
	module.Base

	id         string
	nav        bool
	defOn      bool
	panicStart bool
	failStart  bool

	handle  *watch.Handle
	batches atomic.Int64
	starts  atomic.Int32
	stops   atomic.Int32
	level   atomic.Int64
}

func newCounter(id string) *counter { return &counter{id: id, defOn: true} }

func (p *counter) Descriptor() module.Descriptor {
	return module.Descriptor{
		ID:             p.id,
		Name:           strings.ToUpper(p.id),
		DefaultEnabled: p.defOn,
		DefaultConfig:  module.Config{"level": float64(1)},
	}
}

func (p *counter) Configure(cfg module.Config) error {
	var c struct {
		Level int64 `json:"level"`
	}
	c, err := module.Decode(cfg, c)
	if err != nil {
		return err
	}
	if c.Level < 0 {
		return errors.New("level must be >= 0")
	}
	p.level.Store(c.Level)
	return nil
}

func (p *counter) RestartOnNavigate() bool { return p.nav }

func (p *counter) Start(ctx context.Context, env module.Env) error {
	p.StartBase(ctx, env)
	if p.panicStart {
		panic("boom")
	}
	if p.failStart {
		return errors.New("no luck")
	}
	h, err := watch.Observe(ctx, env.Page, env.Clock, watch.Subscription{
		Filter:  dom.Filter{ChildList: true, Subtree: true},
		OnBatch: func([]dom.Record) { p.batches.Add(1) },
	})
	if err != nil {
		return err
	}
	p.handle = h
	p.starts.Add(1)
	return nil
}

func (p *counter) Stop(context.Context) error {
	p.handle.Unobserve()
	p.handle = nil
	p.stops.Add(1)
	return nil
}

func newRegistry(t *testing.T, page dom.Page, st storage.Store, opts ...Option) *Registry {
	t.Helper()
	if st == nil {
		st = storage.NewMemory()
	}
	opts = append([]Option{WithStore(st), WithClock(clockwork.NewFakeClock()), WithCallTimeout(2 * time.Second)}, opts...)
	r := New(page, opts...)
	t.Cleanup(func() { r.Close(context.Background()) })
	return r
}

func mutation() dom.Record {
	return dom.Record{Op: dom.OpChildList, Added: []dom.Node{{Tag: "DIV"}}}
}

func TestDisableEnableKeepsSingleInstance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	page := domtest.NewPage("https://www.youtube.com/watch?v=a")
	r := newRegistry(t, page, nil)
	p := newCounter("counter")
	if err := r.Register(ctx, p); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.SetEnabled(ctx, "counter", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := r.SetEnabled(ctx, "counter", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := r.SetEnabled(ctx, "counter", true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}

	const n = 7
	for i := 0; i < n; i++ {
		page.Emit(mutation())
	}
	if got := p.batches.Load(); got != n {
		t.Fatalf("batches=%d want %d", got, n)
	}
	if page.Observers() != 1 {
		t.Fatalf("observers=%d want 1", page.Observers())
	}
	if st, _ := r.Status("counter"); !st.Running || st.Starts != 3 {
		t.Fatalf("status=%+v", st)
	}
}

func TestTogglePersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	page := domtest.NewPage("https://www.youtube.com/")
	r := newRegistry(t, page, st)
	if err := r.Register(ctx, newCounter("counter")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.SetEnabled(ctx, "counter", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	raw, ok, err := st.Get(ctx, "module_probe_enabled")
	if err != nil || !ok || string(raw) != "false" {
		t.Fatalf("stored=%q ok=%v err=%v", raw, ok, err)
	}
	if page.Observers() != 0 {
		t.Fatalf("observers=%d after disable", page.Observers())
	}

	// A fresh registry over the same store restores the toggle.
	r2 := newRegistry(t, page, st)
	p2 := newCounter("counter")
	if err := r2.Register(ctx, p2); err != nil {
		t.Fatalf("register: %v", err)
	}
	if s, _ := r2.Status("counter"); s.Enabled || s.Running || p2.starts.Load() != 0 {
		t.Fatalf("restored status=%+v", s)
	}
}

func TestUpdateConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	r := newRegistry(t, domtest.NewPage("https://www.youtube.com/"), st)
	p := newCounter("counter")
	if err := r.Register(ctx, p); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.UpdateConfig(ctx, "counter", module.Config{"level": -1}); err == nil {
		t.Fatal("invalid config accepted")
	}
	if _, ok, _ := st.Get(ctx, "module_probe_config"); ok {
		t.Fatal("invalid config persisted")
	}
	if err := r.UpdateConfig(ctx, "counter", module.Config{"level": 4}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.level.Load() != 4 || p.starts.Load() != 2 {
		t.Fatalf("level=%d starts=%d", p.level.Load(), p.starts.Load())
	}
	raw, _, _ := st.Get(ctx, "module_probe_config")
	var stored map[string]any
	if err := json.Unmarshal(raw, &stored); err != nil || stored["level"] != float64(4) {
		t.Fatalf("stored=%s", raw)
	}

	r2 := newRegistry(t, domtest.NewPage("https://www.youtube.com/"), st)
	p2 := newCounter("counter")
	if err := r2.Register(ctx, p2); err != nil {
		t.Fatalf("register: %v", err)
	}
	if p2.level.Load() != 4 {
		t.Fatalf("restored level=%d", p2.level.Load())
	}
}

func TestStoredConfigRejectedFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	_ = storage.Save(ctx, st, storage.ConfigKey("counter"), module.Config{"retired": true})
	r := newRegistry(t, domtest.NewPage("https://www.youtube.com/"), st)
	p := newCounter("counter")
	if err := r.Register(ctx, p); err != nil {
		t.Fatalf("register: %v", err)
	}
	if s, _ := r.Status("counter"); !s.Running || s.Config["retired"] != nil {
		t.Fatalf("status=%+v", s)
	}
}

func TestFaultIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	page := domtest.NewPage("https://www.youtube.com/")
	r := newRegistry(t, page, nil, WithBus(bus))

	bad := newCounter("bad")
	bad.panicStart = true
	failing := newCounter("failing")
	failing.failStart = true
	good := newCounter("good")
	for _, m := range []module.Module{bad, failing, good} {
		if err := r.Register(ctx, m); err != nil {
			t.Fatalf("register %s: %v", m.Descriptor().ID, err)
		}
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap[0].Running || !strings.Contains(snap[0].LastError, "panic") {
		t.Fatalf("bad=%+v", snap[0])
	}
	if snap[1].Running || snap[1].LastError == "" || !snap[1].Enabled {
		t.Fatalf("failing=%+v", snap[1])
	}
	if !snap[2].Running {
		t.Fatalf("good=%+v", snap[2])
	}
	if bad.stops.Load() != 1 {
		t.Fatalf("failed start not undone: stops=%d", bad.stops.Load())
	}

	failed := 0
	for len(events) > 0 {
		ev := <-events
		if ev.Type == eventbus.ModuleStartFailed {
			failed++
		}
	}
	if failed != 2 {
		t.Fatalf("start_failed events=%d", failed)
	}
}

func TestUnknownAndDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRegistry(t, domtest.NewPage("https://www.youtube.com/"), nil)
	if err := r.Register(ctx, newCounter("counter")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(ctx, newCounter("counter")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err=%v", err)
	}
	if err := r.SetEnabled(ctx, "nope", true); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("err=%v", err)
	}
	if err := r.UpdateConfig(ctx, "nope", nil); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("err=%v", err)
	}
}

func TestRestartNavigationAware(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRegistry(t, domtest.NewPage("https://www.youtube.com/"), nil)
	aware := newCounter("aware")
	aware.nav = true
	plain := newCounter("plain")
	off := newCounter("off")
	off.nav = true
	off.defOn = false
	for _, m := range []module.Module{aware, plain, off} {
		if err := r.Register(ctx, m); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := r.RestartNavigationAware(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if aware.starts.Load() != 2 || plain.starts.Load() != 1 || off.starts.Load() != 0 {
		t.Fatalf("starts aware=%d plain=%d off=%d", aware.starts.Load(), plain.starts.Load(), off.starts.Load())
	}
}

func TestSetPageRebinds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	oldPage := domtest.NewPage("https://www.youtube.com/")
	r := newRegistry(t, oldPage, nil)
	p := newCounter("counter")
	if err := r.Register(ctx, p); err != nil {
		t.Fatalf("register: %v", err)
	}
	newPage := domtest.NewPage("https://www.youtube.com/")
	if err := r.SetPage(ctx, newPage); err != nil {
		t.Fatalf("set page: %v", err)
	}
	if oldPage.Observers() != 0 || newPage.Observers() != 1 {
		t.Fatalf("observers old=%d new=%d", oldPage.Observers(), newPage.Observers())
	}
	newPage.Emit(mutation())
	if p.batches.Load() != 1 {
		t.Fatalf("batches=%d", p.batches.Load())
	}
}

func TestApplyOverrides(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRegistry(t, domtest.NewPage("https://www.youtube.com/"), nil)
	p := newCounter("counter")
	if err := r.Register(ctx, p); err != nil {
		t.Fatalf("register: %v", err)
	}
	off := false
	err := r.ApplyOverrides(ctx, map[string]config.ModuleConfigRaw{
		"counter":   {Enabled: &off, Config: json.RawMessage(`{"level":9}`)},
		"missing": {Enabled: &off},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	s, _ := r.Status("counter")
	if s.Enabled || s.Running || p.level.Load() != 9 {
		t.Fatalf("status=%+v level=%d", s, p.level.Load())
	}

	// Re-applying the same overrides is a no-op.
	starts := p.starts.Load()
	_ = r.ApplyOverrides(ctx, map[string]config.ModuleConfigRaw{"counter": {Enabled: &off, Config: json.RawMessage(`{"level":9}`)}})
	if p.starts.Load() != starts {
		t.Fatal("unchanged overrides restarted the module")
	}
}
