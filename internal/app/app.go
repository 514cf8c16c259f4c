package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"ytenhancer/internal/config"
	"ytenhancer/internal/dom"
	"ytenhancer/internal/dom/roddom"
	"ytenhancer/internal/eventbus"
	"ytenhancer/internal/module"
	"ytenhancer/internal/modules/adskip"
	"ytenhancer/internal/modules/comments"
	"ytenhancer/internal/modules/downloader"
	"ytenhancer/internal/modules/shareclean"
	"ytenhancer/internal/registry"
	"ytenhancer/internal/runtime/supervisor"
	"ytenhancer/internal/settings"
	"ytenhancer/internal/storage"
	logx "ytenhancer/pkg/logx"
)

// browser is the slice of roddom.Browser the app drives.
type browser interface {
	Start(ctx context.Context) error
	OpenPage(ctx context.Context, url string) (dom.Page, error)
	Recycle(ctx context.Context) error
	Uptime() time.Duration
	Close() error
}

type rodBrowser struct{ *roddom.Browser }

func (b rodBrowser) OpenPage(ctx context.Context, url string) (dom.Page, error) {
	p, err := b.Browser.OpenPage(ctx, url)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	browser  browser
	reg      *registry.Registry
	settings *settings.Server
	cron     *cron.Cron
	notify   func(state string)

	startURL string

	recycling    atomic.Bool
	recycleRetry retryPolicy

	pageMu sync.Mutex
	page   dom.Page
	navObs dom.Observation
	navCh  chan dom.Navigation
}

// Modules returns the fixed module set in registration order.
func Modules() []module.Module {
	return []module.Module{
		adskip.New(),
		comments.New(),
		shareclean.New(),
		downloader.New(),
	}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", storageDriverName(sc)))

	bc, err := mapBrowserConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      eventbus.New(),
		store:    store,
		browser:  rodBrowser{roddom.NewBrowser(bc, log.With(logx.String("comp", "browser")))},
		notify:   sdNotify(log),
		startURL: cfg.Browser.StartURL,
		navCh:    make(chan dom.Navigation, 16),
	}, nil
}

// Registry is nil before Start.
func (a *App) Registry() *registry.Registry { return a.reg }

// Settings is nil when the settings surface is disabled.
func (a *App) Settings() *settings.Server { return a.settings }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if err := config.Validate(c); err != nil {
			return err
		}
		_, err := mapStorageConfig(c)
		return err
	})

	if err := a.browser.Start(ctx); err != nil {
		return err
	}
	page, err := a.browser.OpenPage(a.sup.Context(), a.startURL)
	if err != nil {
		return err
	}

	a.reg = registry.New(page,
		registry.WithLogger(a.log.With(logx.String("comp", "registry"))),
		registry.WithStore(a.store),
		registry.WithBus(a.bus),
	)
	for _, m := range Modules() {
		if err := a.reg.Register(ctx, m); err != nil {
			return fmt.Errorf("register %s: %w", m.Descriptor().ID, err)
		}
	}
	if err := a.reg.ApplyOverrides(ctx, cfg.Modules); err != nil {
		a.log.Warn("module overrides partially applied", logx.Err(err))
	}

	if err := a.bindPage(ctx, page); err != nil {
		return err
	}
	a.sup.Go0("page.navigation", a.navigationLoop)

	if cfg.Settings.Enabled {
		a.settings = settings.New(a.reg, cfg.Settings.Visible, a.log.With(logx.String("comp", "settings")))
		addr := cfg.Settings.Addr
		a.sup.Go("settings.http", func(c context.Context) error {
			return a.settings.Run(c, addr)
		})
	}

	if spec := strings.TrimSpace(cfg.Browser.RecycleSchedule); spec != "" {
		if err := a.scheduleRecycle(spec); err != nil {
			return err
		}
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("module", e.Module), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify("READY=1")
	a.log.Info("app started", logx.String("url", a.startURL))
	return nil
}

// applyConfig handles one hot reload. Browser and storage sections need a
// restart; logging and module overrides apply live.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, modulesChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "browser", "settings":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if len(modulesChanged) > 0 && a.reg != nil {
		if err := a.reg.ApplyOverrides(ctx, newCfg.Modules); err != nil {
			a.log.Warn("module overrides partially applied", logx.Err(err))
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) scheduleRecycle(spec string) error {
	c := cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)))
	if _, err := c.AddFunc(spec, a.startRecycle); err != nil {
		return fmt.Errorf("browser.recycle_schedule: %w", err)
	}
	a.cron = c
	c.Start()
	a.log.Info("browser recycle scheduled", logx.String("spec", spec))
	return nil
}

// retryPolicy bounds how a failed scheduled recycle is retried.
type retryPolicy struct {
	minBackoff time.Duration
	maxBackoff time.Duration
	attempts   int
}

var defaultRecycleRetry = retryPolicy{minBackoff: 5 * time.Second, maxBackoff: 2 * time.Minute, attempts: 5}

// startRecycle runs one scheduled recycle on the supervisor, retrying with
// backoff while it fails. A failed recycle leaves no page bound, so when the
// retries run out the supervisor error stops the app. A tick that fires while
// an earlier recycle is still retrying is skipped.
func (a *App) startRecycle() {
	if !a.recycling.CompareAndSwap(false, true) {
		a.log.Warn("browser recycle still in progress; tick skipped")
		return
	}
	rp := a.recycleRetry
	if rp.attempts == 0 {
		rp = defaultRecycleRetry
	}
	a.sup.GoRestart("browser.recycle", func(ctx context.Context) error {
		if err := a.Recycle(ctx); err != nil {
			a.log.Warn("browser recycle failed", logx.Err(err))
			return err
		}
		a.recycling.Store(false)
		return nil
	}, supervisor.WithRestartBackoff(rp.minBackoff, rp.maxBackoff), supervisor.WithMaxRestarts(rp.attempts))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.notify("STOPPING=1")
	a.log.Info("stopping")

	// Modules first: they still need a live page to undo their changes.
	step := a.stepper(ctx)
	step("modules", 4*time.Second, func(c context.Context) error {
		if a.reg != nil {
			a.reg.Close(c)
		}
		return nil
	})

	a.sup.Cancel()

	step("recycle", 2*time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		select {
		case <-a.cron.Stop().Done():
		case <-c.Done():
		}
		return nil
	})
	step("page", 1*time.Second, func(c context.Context) error {
		a.unbindPage()
		return nil
	})
	step("browser", 3*time.Second, func(c context.Context) error { return a.browser.Close() })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, settings, navigation).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stepper returns a helper that runs one shutdown step with an upper bound so
// one component can't stall the whole stop.
func (a *App) stepper(ctx context.Context) func(name string, max time.Duration, fn func(context.Context) error) {
	return func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}
}
