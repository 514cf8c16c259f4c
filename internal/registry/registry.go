// Package registry owns module lifecycles: it persists each module's toggle and
// config, keeps at most one live instance per module, and isolates failures.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"ytenhancer/internal/config"
	"ytenhancer/internal/dom"
	"ytenhancer/internal/eventbus"
	"ytenhancer/internal/module"
	"ytenhancer/internal/runtime/supervisor"
	"ytenhancer/internal/storage"
	logx "ytenhancer/pkg/logx"
)

var (
	ErrUnknownModule = errors.New("registry: unknown module")
	ErrDuplicate     = errors.New("registry: module already registered")
)

// StopReason is recorded on stop events and logs.
type StopReason string

const (
	StopDisabled      StopReason = "disabled"
	StopRestart       StopReason = "restart"
	StopNavigation    StopReason = "navigation"
	StopPageRebound   StopReason = "page_rebound"
	StopShutdown      StopReason = "shutdown"
	StopConfigChanged StopReason = "config_changed"
)

type moduleEvent struct {
	Instance string `json:"instance,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Err      string `json:"err,omitempty"`
	TookMS   int64  `json:"took_ms,omitempty"`
}

type Option func(*Registry)

func WithLogger(l logx.Logger) Option { return func(r *Registry) { r.log = l } }
func WithStore(st storage.Store) Option { return func(r *Registry) { r.store = st } }
func WithBus(b eventbus.Bus) Option { return func(r *Registry) { r.bus = b } }
func WithClock(c clockwork.Clock) Option { return func(r *Registry) { r.clock = c } }
func WithCallTimeout(d time.Duration) Option { return func(r *Registry) { r.callTimeout = d } }

type Registry struct {
	log         logx.Logger
	store       storage.Store
	bus         eventbus.Bus
	clock       clockwork.Clock
	callTimeout time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	page    dom.Page
	entries map[string]*entry
	order   []string
}

// entry is one registered module. lock serialises its lifecycle calls; the
// fields it guards are also read under Registry.mu for snapshots.
type entry struct {
	lock sync.Mutex

	mod  module.Module
	desc module.Descriptor

	enabled bool
	cfg     module.Config
	inst    *instance
	lastErr string
	starts  int
}

type instance struct {
	id        string
	cancel    context.CancelFunc
	runner    *supervisor.Supervisor
	startedAt time.Time
}

func New(page dom.Page, opts ...Option) *Registry {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	r := &Registry{
		log:         logx.Nop(),
		clock:       clockwork.NewRealClock(),
		callTimeout: 10 * time.Second,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		page:        page,
		entries:     map[string]*entry{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

func (r *Registry) emit(typ, id string, data moduleEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Module: id, Data: data})
}

func (r *Registry) get(id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}
	return e, nil
}

// Register adds m, restores its persisted state and starts it if enabled.
// A start failure is logged and recorded; it is not returned, so one broken
// module never keeps the others from registering.
func (r *Registry) Register(ctx context.Context, m module.Module) error {
	var desc module.Descriptor
	if err := r.safeCall("descriptor", func() error { desc = m.Descriptor(); return nil }); err != nil {
		return err
	}
	if desc.ID == "" {
		return fmt.Errorf("registry: module without id")
	}

	r.mu.Lock()
	if _, dup := r.entries[desc.ID]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, desc.ID)
	}
	e := &entry{mod: m, desc: desc}
	r.entries[desc.ID] = e
	r.order = append(r.order, desc.ID)
	r.mu.Unlock()

	log := r.log.With(logx.String("module", desc.ID))
	enabled, err := storage.Load(ctx, r.store, storage.EnabledKey(desc.ID), desc.DefaultEnabled)
	if err != nil {
		log.Warn("persisted toggle unreadable; using default", logx.Err(err))
	}
	stored, err := storage.Load[module.Config](ctx, r.store, storage.ConfigKey(desc.ID), nil)
	if err != nil {
		log.Warn("persisted config unreadable; using defaults", logx.Err(err))
	}
	cfg := module.Merge(desc.DefaultConfig, stored)

	e.lock.Lock()
	defer e.lock.Unlock()
	if err := r.configure(e, cfg); err != nil {
		log.Warn("persisted config rejected; using defaults", logx.Err(err))
		cfg = desc.DefaultConfig.Clone()
		if err := r.configure(e, cfg); err != nil {
			return fmt.Errorf("configure %s defaults: %w", desc.ID, err)
		}
	}
	r.setState(e, enabled, cfg)
	if enabled {
		_ = r.start(ctx, e)
	}
	return nil
}

// SetEnabled persists the toggle and starts or stops the module. Enabling a
// running module restarts it.
func (r *Registry) SetEnabled(ctx context.Context, id string, on bool) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.lock.Lock()
	defer e.lock.Unlock()

	if err := storage.Save(ctx, r.store, storage.EnabledKey(id), on); err != nil {
		return err
	}
	r.mu.Lock()
	e.enabled = on
	r.mu.Unlock()

	if !on {
		r.stop(ctx, e, StopDisabled)
		return nil
	}
	r.stop(ctx, e, StopRestart)
	return r.start(ctx, e)
}

// UpdateConfig overlays cfg on the current config, validates it through the
// module, persists it and restarts the module if it is enabled.
func (r *Registry) UpdateConfig(ctx context.Context, id string, cfg module.Config) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.lock.Lock()
	defer e.lock.Unlock()

	r.mu.Lock()
	prev := e.cfg
	enabled := e.enabled
	r.mu.Unlock()

	next := module.Merge(prev, cfg)
	if err := r.configure(e, next); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	if err := storage.Save(ctx, r.store, storage.ConfigKey(id), next); err != nil {
		_ = r.configure(e, prev)
		return err
	}
	r.mu.Lock()
	e.cfg = next
	r.mu.Unlock()
	r.emit(eventbus.ModuleConfigApplied, id, moduleEvent{})
	r.log.Info("module config updated", logx.String("module", id), logx.Bool("restart", enabled))

	if !enabled {
		return nil
	}
	r.stop(ctx, e, StopConfigChanged)
	return r.start(ctx, e)
}

// Restart stops and starts one enabled module.
func (r *Registry) Restart(ctx context.Context, id string, reason StopReason) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	if !r.isEnabled(e) {
		return nil
	}
	r.stop(ctx, e, reason)
	return r.start(ctx, e)
}

// RestartAll restarts every enabled module. Errors are joined.
func (r *Registry) RestartAll(ctx context.Context, reason StopReason) error {
	var errs []error
	for _, id := range r.ids() {
		if err := r.Restart(ctx, id, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestartNavigationAware restarts the enabled modules whose state belongs to
// one page view.
func (r *Registry) RestartNavigationAware(ctx context.Context) error {
	var errs []error
	for _, id := range r.ids() {
		e, err := r.get(id)
		if err != nil {
			continue
		}
		na, ok := e.mod.(module.NavigationAware)
		if !ok || !na.RestartOnNavigate() {
			continue
		}
		if err := r.Restart(ctx, id, StopNavigation); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetPage rebinds every running module to page.
func (r *Registry) SetPage(ctx context.Context, page dom.Page) error {
	r.StopAll(ctx, StopPageRebound)
	r.mu.Lock()
	r.page = page
	r.mu.Unlock()

	var errs []error
	for _, id := range r.ids() {
		e, err := r.get(id)
		if err != nil {
			continue
		}
		e.lock.Lock()
		if r.isEnabled(e) {
			if err := r.start(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		e.lock.Unlock()
	}
	return errors.Join(errs...)
}

// StopAll stops every running instance, in reverse registration order.
func (r *Registry) StopAll(ctx context.Context, reason StopReason) {
	ids := r.ids()
	for i := len(ids) - 1; i >= 0; i-- {
		e, err := r.get(ids[i])
		if err != nil {
			continue
		}
		e.lock.Lock()
		r.stop(ctx, e, reason)
		e.lock.Unlock()
	}
}

// Close stops everything and releases the registry's base context.
func (r *Registry) Close(ctx context.Context) {
	r.StopAll(ctx, StopShutdown)
	r.baseCancel()
}

// ApplyOverrides reconciles operator overrides from the config file. Only
// values that differ from the current state cause a restart.
func (r *Registry) ApplyOverrides(ctx context.Context, overrides map[string]config.ModuleConfigRaw) error {
	var errs []error
	for _, id := range r.ids() {
		ov, ok := overrides[id]
		if !ok {
			continue
		}
		if len(ov.Config) > 0 {
			var cfg module.Config
			if err := json.Unmarshal(ov.Config, &cfg); err != nil {
				errs = append(errs, fmt.Errorf("modules.%s.config: %w", id, err))
			} else if !r.configMatches(id, cfg) {
				if err := r.UpdateConfig(ctx, id, cfg); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if ov.Enabled != nil {
			if e, err := r.get(id); err == nil && r.isEnabled(e) != *ov.Enabled {
				if err := r.SetEnabled(ctx, id, *ov.Enabled); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	for id := range overrides {
		if _, err := r.get(id); err != nil {
			r.log.Warn("override for unknown module ignored", logx.String("module", id))
		}
	}
	return errors.Join(errs...)
}

// Module returns the registered module with id.
func (r *Registry) Module(id string) (module.Module, bool) {
	e, err := r.get(id)
	if err != nil {
		return nil, false
	}
	return e.mod, true
}

func (r *Registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) isEnabled(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.enabled
}

func (r *Registry) setState(e *entry, enabled bool, cfg module.Config) {
	r.mu.Lock()
	e.enabled = enabled
	e.cfg = cfg
	r.mu.Unlock()
}

func (r *Registry) configMatches(id string, over module.Config) bool {
	e, err := r.get(id)
	if err != nil {
		return false
	}
	r.mu.Lock()
	cur := e.cfg
	r.mu.Unlock()
	a, _ := json.Marshal(module.Merge(cur, over))
	b, _ := json.Marshal(cur)
	return bytes.Equal(a, b)
}

func (r *Registry) configure(e *entry, cfg module.Config) error {
	return r.safeCall("configure."+e.desc.ID, func() error { return e.mod.Configure(cfg) })
}

// start requires e.lock. It is a no-op when an instance is already live.
func (r *Registry) start(ctx context.Context, e *entry) error {
	if e.inst != nil {
		return nil
	}
	id := e.desc.ID
	inst := uuid.NewString()
	log := r.log.With(logx.String("module", id), logx.String("instance", inst))

	r.mu.Lock()
	page := r.page
	r.mu.Unlock()

	ictx, cancel := context.WithCancel(r.baseCtx)
	runner := supervisor.NewSupervisor(ictx, supervisor.WithLogger(log))
	env := module.Env{
		Page:     page,
		Log:      log,
		Clock:    r.clock,
		Bus:      r.bus,
		Runner:   runner,
		Instance: inst,
	}

	start := time.Now()
	err := r.callWithTimeout(ctx, "start."+id, func(cctx context.Context) error {
		if page == nil {
			return fmt.Errorf("no page bound")
		}
		return e.mod.Start(ictx, env)
	}, cancel)
	if err != nil {
		cancel()
		_ = r.callWithTimeout(ctx, "stop."+id, func(sctx context.Context) error { return e.mod.Stop(sctx) }, nil)
		r.waitRunner(ctx, runner, log)
		r.mu.Lock()
		e.lastErr = err.Error()
		r.mu.Unlock()
		log.Error("module start failed", logx.Err(err))
		r.emit(eventbus.ModuleStartFailed, id, moduleEvent{Instance: inst, Err: err.Error()})
		return fmt.Errorf("start %s: %w", id, err)
	}

	r.mu.Lock()
	e.inst = &instance{id: inst, cancel: cancel, runner: runner, startedAt: start}
	e.lastErr = ""
	e.starts++
	r.mu.Unlock()
	took := time.Since(start)
	log.Info("module started", logx.Duration("took", took))
	r.emit(eventbus.ModuleStarted, id, moduleEvent{Instance: inst, TookMS: took.Milliseconds()})
	return nil
}

// stop requires e.lock. Cancelling the instance context comes first so
// in-flight work winds down while Stop removes side effects.
func (r *Registry) stop(ctx context.Context, e *entry, reason StopReason) {
	r.mu.Lock()
	inst := e.inst
	e.inst = nil
	r.mu.Unlock()
	if inst == nil {
		return
	}
	id := e.desc.ID
	log := r.log.With(logx.String("module", id), logx.String("instance", inst.id))
	start := time.Now()

	inst.cancel()
	if err := r.callWithTimeout(ctx, "stop."+id, func(sctx context.Context) error { return e.mod.Stop(sctx) }, nil); err != nil {
		log.Warn("module stop failed", logx.Err(err), logx.String("reason", string(reason)))
	}
	r.waitRunner(ctx, inst.runner, log)

	took := time.Since(start)
	r.emit(eventbus.ModuleStopped, id, moduleEvent{Instance: inst.id, Reason: string(reason), TookMS: took.Milliseconds()})
	if took >= 500*time.Millisecond {
		log.Info("module stopped", logx.String("reason", string(reason)), logx.Duration("took", took))
	} else {
		log.Debug("module stopped", logx.String("reason", string(reason)), logx.Duration("took", took))
	}
}

func (r *Registry) waitRunner(ctx context.Context, s *supervisor.Supervisor, log logx.Logger) {
	s.Cancel()
	wctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	if err := s.Wait(wctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
		log.Warn("instance goroutines did not exit in time", logx.Any("counters", s.Counters()))
	}
}

// callWithTimeout runs fn under safeCall with a deadline. On timeout onTimeout
// (if set) is called and the call is abandoned after a short grace period.
func (r *Registry) callWithTimeout(ctx context.Context, label string, fn func(context.Context) error, onTimeout context.CancelFunc) error {
	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.safeCall(label, func() error { return fn(cctx) }) }()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		if onTimeout != nil {
			onTimeout()
		}
		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("%s timeout: %w", label, err)
			}
			return fmt.Errorf("%s timeout", label)
		case <-grace.C:
			return fmt.Errorf("%s timeout: call did not return", label)
		}
	}
}

func (r *Registry) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in module call",
				logx.String("call", label),
				logx.Any("panic", p),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, p)
		}
	}()
	return fn()
}
