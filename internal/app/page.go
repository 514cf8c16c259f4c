package app

import (
	"context"
	"fmt"

	"ytenhancer/internal/dom"
	"ytenhancer/internal/eventbus"
	"ytenhancer/internal/registry"
	logx "ytenhancer/pkg/logx"
)

// bindPage makes page current and subscribes to its navigations. The
// previous page, if any, is released.
func (a *App) bindPage(ctx context.Context, page dom.Page) error {
	obs, err := page.OnNavigate(ctx, a.onNavigate)
	if err != nil {
		return fmt.Errorf("subscribe navigation: %w", err)
	}
	a.pageMu.Lock()
	oldObs, oldPage := a.navObs, a.page
	a.page, a.navObs = page, obs
	a.pageMu.Unlock()
	release(oldObs, oldPage)
	return nil
}

func (a *App) unbindPage() {
	a.pageMu.Lock()
	obs, page := a.navObs, a.page
	a.page, a.navObs = nil, nil
	a.pageMu.Unlock()
	release(obs, page)
}

func release(obs dom.Observation, page dom.Page) {
	if obs != nil {
		_ = obs.Close()
	}
	if c, ok := page.(interface{ Close() }); ok {
		c.Close()
	}
}

// onNavigate runs on the page's dispatcher; the restart work happens on the
// navigation loop. When the queue is full the oldest report is dropped.
func (a *App) onNavigate(nav dom.Navigation) {
	for {
		select {
		case a.navCh <- nav:
			return
		default:
		}
		select {
		case <-a.navCh:
		default:
		}
	}
}

func (a *App) navigationLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case nav := <-a.navCh:
			a.handleNavigation(ctx, nav)
		}
	}
}

// handleNavigation restarts what a navigation invalidated. A full document
// load drops every in-page observer, so all modules restart; an in-app
// navigation only restarts the modules bound to one page view.
func (a *App) handleNavigation(ctx context.Context, nav dom.Navigation) {
	var err error
	if nav.Reload {
		err = a.reg.RestartAll(ctx, registry.StopNavigation)
	} else {
		err = a.reg.RestartNavigationAware(ctx)
	}
	if err != nil {
		a.log.Warn("restart after navigation", logx.String("href", nav.Location.Href), logx.Err(err))
	}
	a.log.Debug("page navigated", logx.String("href", nav.Location.Href), logx.Bool("reload", nav.Reload))
	a.bus.Publish(eventbus.Event{Type: eventbus.PageNavigated, Data: nav})
}

// Recycle restarts the browser and rebinds every running module to a fresh
// tab on the start URL.
func (a *App) Recycle(ctx context.Context) error {
	a.log.Info("recycling browser", logx.Duration("uptime", a.browser.Uptime()))

	a.reg.StopAll(ctx, registry.StopPageRebound)
	a.unbindPage()
	if err := a.browser.Recycle(ctx); err != nil {
		return err
	}
	page, err := a.browser.OpenPage(ctx, a.startURL)
	if err != nil {
		return err
	}
	if err := a.bindPage(ctx, page); err != nil {
		return err
	}

	err = a.reg.SetPage(ctx, page)
	a.bus.Publish(eventbus.Event{Type: eventbus.PageRebound, Data: a.startURL})
	return err
}
