package roddom

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	logx "ytenhancer/pkg/logx"
)

// BrowserConfig configures the Chrome the engine drives.
type BrowserConfig struct {
	// RemoteURL is the DevTools WebSocket URL of a running Chrome.
	// Empty launches a local one.
	RemoteURL string
	Bin       string
	Headless  bool
	Stealth   bool

	// ResourceBlocking lists resource types to fail (images, fonts, media, stylesheets).
	ResourceBlocking []string
	NavigateTimeout  time.Duration
}

// Browser owns the Chrome process (or remote connection) and opens tabs.
type Browser struct {
	cfg BrowserConfig
	log logx.Logger

	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
}

func NewBrowser(cfg BrowserConfig, log logx.Logger) *Browser {
	if cfg.NavigateTimeout <= 0 {
		cfg.NavigateTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Browser{cfg: cfg, log: log}
}

// Start launches or connects to Chrome.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("browser: closed")
	}
	return b.launchLocked(ctx)
}

// Uptime reports how long the current Chrome has been connected.
func (b *Browser) Uptime() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.browser == nil {
		return 0
	}
	return time.Since(b.startAt)
}

// OpenPage opens a tab on url, waits for load and binds the DOM helpers.
func (b *Browser) OpenPage(ctx context.Context, url string) (*Page, error) {
	b.mu.RLock()
	br := b.browser
	b.mu.RUnlock()
	if br == nil {
		return nil, fmt.Errorf("browser: not started")
	}

	var (
		page *rod.Page
		err  error
	)
	if b.cfg.Stealth {
		page, err = stealth.Page(br)
	} else {
		page, err = br.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	if len(b.cfg.ResourceBlocking) > 0 {
		applyResourceBlocking(page, b.cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(url); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		b.log.Warn("browser: wait load timeout", logx.String("url", url), logx.Err(err))
	}

	pg, err := Bind(ctx, page, b.log.With(logx.String("comp", "roddom")))
	if err != nil {
		_ = page.Close()
		return nil, err
	}
	return pg, nil
}

// Recycle restarts Chrome. Pages opened before are dead afterwards.
func (b *Browser) Recycle(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("browser: closed")
	}
	b.log.Info("browser: recycling", logx.Duration("uptime", time.Since(b.startAt)))
	b.cleanupLocked()
	if err := b.launchLocked(ctx); err != nil {
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	return nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cleanupLocked()
	return nil
}

func (b *Browser) launchLocked(ctx context.Context) error {
	wsURL := b.cfg.RemoteURL
	if wsURL != "" {
		b.log.Info("browser: connecting to remote", logx.String("url", wsURL))
	} else {
		l := launcher.New().Context(ctx).Headless(b.cfg.Headless)
		if b.cfg.Bin != "" {
			l = l.Bin(b.cfg.Bin)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.log.Info("browser: launched local chrome", logx.String("url", wsURL), logx.Bool("headless", b.cfg.Headless))
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		return fmt.Errorf("browser: connect: %w", err)
	}
	if err := br.IgnoreCertErrors(true); err != nil {
		b.log.Warn("browser: ignore cert errors failed", logx.Err(err))
	}
	b.browser = br
	b.startAt = time.Now()
	return nil
}

func (b *Browser) cleanupLocked() {
	if b.browser != nil {
		_ = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
}

func applyResourceBlocking(page *rod.Page, types []string) {
	block := make(map[string]bool, len(types))
	for _, t := range types {
		block[strings.ToLower(t)] = true
	}
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(block, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}

func shouldBlock(block map[string]bool, resType string) bool {
	switch t := strings.ToLower(resType); t {
	case "image":
		return block["images"]
	case "font":
		return block["fonts"]
	case "media":
		return block["media"]
	case "stylesheet":
		return block["stylesheets"]
	default:
		return block[t]
	}
}
