package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"ytenhancer/internal/config"
	"ytenhancer/internal/dom"
	"ytenhancer/internal/dom/domtest"
	"ytenhancer/internal/eventbus"
	"ytenhancer/internal/modules/adskip"
	"ytenhancer/internal/modules/comments"
	"ytenhancer/internal/modules/downloader"
	"ytenhancer/internal/registry"
	"ytenhancer/internal/runtime/supervisor"
	"ytenhancer/internal/storage"
	logx "ytenhancer/pkg/logx"
)

const watchURL = "https://www.youtube.com/watch?v=abc"

type fakeBrowser struct {
	mu       sync.Mutex
	recycles int
	failing  int
	pages    []*domtest.Page
}

func (b *fakeBrowser) Start(context.Context) error { return nil }
func (b *fakeBrowser) Uptime() time.Duration       { return time.Minute }
func (b *fakeBrowser) Close() error                { return nil }

func (b *fakeBrowser) Recycle(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recycles++
	if b.failing > 0 {
		b.failing--
		return errors.New("browser did not come back")
	}
	return nil
}

func (b *fakeBrowser) counts() (recycles, pages int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recycles, len(b.pages)
}

func (b *fakeBrowser) OpenPage(_ context.Context, url string) (dom.Page, error) {
	p := domtest.NewPage(url)
	b.mu.Lock()
	b.pages = append(b.pages, p)
	b.mu.Unlock()
	return p, nil
}

func newTestApp(t *testing.T) (*App, *domtest.Page, *fakeBrowser) {
	t.Helper()
	ctx := context.Background()
	page := domtest.NewPage(watchURL)
	bus := eventbus.New()
	reg := registry.New(page,
		registry.WithStore(storage.NewMemory()),
		registry.WithBus(bus),
		registry.WithClock(clockwork.NewFakeClock()),
	)
	t.Cleanup(func() { reg.Close(context.Background()) })
	for _, m := range Modules() {
		if err := reg.Register(ctx, m); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	fb := &fakeBrowser{}
	a := &App{
		log:      logx.Nop(),
		bus:      bus,
		browser:  fb,
		reg:      reg,
		notify:   func(string) {},
		startURL: watchURL,
		navCh:    make(chan dom.Navigation, 2),
	}
	if err := a.bindPage(ctx, page); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return a, page, fb
}

func starts(t *testing.T, reg *registry.Registry, id string) int {
	t.Helper()
	st, ok := reg.Status(id)
	if !ok {
		t.Fatalf("unknown module %s", id)
	}
	return st.Starts
}

func TestHandleNavigation(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()
	events, unsub := a.bus.Subscribe(128)
	defer unsub()

	a.handleNavigation(ctx, dom.Navigation{Location: dom.Location{Href: watchURL + "2"}})
	if got := starts(t, a.reg, adskip.ID); got != 1 {
		t.Fatalf("adblock restarted on in-app navigation: starts=%d", got)
	}
	if got := starts(t, a.reg, comments.ID); got != 2 {
		t.Fatalf("comments starts=%d want 2", got)
	}
	if got := starts(t, a.reg, downloader.ID); got != 2 {
		t.Fatalf("downloader starts=%d want 2", got)
	}

	a.handleNavigation(ctx, dom.Navigation{Location: dom.Location{Href: watchURL}, Reload: true})
	if got := starts(t, a.reg, adskip.ID); got != 2 {
		t.Fatalf("adblock starts after reload=%d want 2", got)
	}

	var navigated int
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.PageNavigated {
			navigated++
		}
	}
	if navigated != 2 {
		t.Fatalf("navigated events=%d want 2", navigated)
	}
}

func TestNavigationLoopDrainsPageReports(t *testing.T) {
	a, page, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.navigationLoop(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	page.Navigate(watchURL+"&t=1", false)
	deadline := time.Now().Add(2 * time.Second)
	for starts(t, a.reg, comments.ID) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("navigation was not handled")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOnNavigateKeepsLatest(t *testing.T) {
	a := &App{navCh: make(chan dom.Navigation, 2)}
	for i := 0; i < 5; i++ {
		a.onNavigate(dom.Navigation{Location: dom.Location{Href: string(rune('a' + i))}})
	}
	if len(a.navCh) != 2 {
		t.Fatalf("queued=%d want 2", len(a.navCh))
	}
	<-a.navCh
	if last := <-a.navCh; last.Location.Href != "e" {
		t.Fatalf("last=%q want e", last.Location.Href)
	}
}

func TestRecycleRebindsModules(t *testing.T) {
	a, old, fb := newTestApp(t)
	events, unsub := a.bus.Subscribe(128)
	defer unsub()

	if err := a.Recycle(context.Background()); err != nil {
		t.Fatalf("recycle: %v", err)
	}
	if fb.recycles != 1 || len(fb.pages) != 1 {
		t.Fatalf("recycles=%d pages=%d", fb.recycles, len(fb.pages))
	}
	fresh := fb.pages[0]
	if old.Observers() != 0 {
		t.Fatalf("old page still observed: %d", old.Observers())
	}
	if fresh.Observers() == 0 {
		t.Fatal("modules not bound to the new page")
	}
	for _, st := range a.reg.Snapshot() {
		if st.Enabled && !st.Running {
			t.Fatalf("%s not running after recycle", st.ID)
		}
	}

	rebound := false
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.PageRebound {
			rebound = true
		}
	}
	if !rebound {
		t.Fatal("no page.rebound event")
	}

	// Navigation now arrives from the new page only.
	old.Navigate(watchURL, true)
	if len(a.navCh) != 0 {
		t.Fatal("old page navigation still delivered")
	}
	fresh.Navigate(watchURL, true)
	if len(a.navCh) != 1 {
		t.Fatal("new page navigation not delivered")
	}
}

func withSupervisor(t *testing.T, a *App) {
	t.Helper()
	a.sup = supervisor.NewSupervisor(context.Background(), supervisor.WithCancelOnError(true))
	t.Cleanup(func() {
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.sup.Stop(wctx)
	})
}

func TestScheduledRecycleRetriesUntilBound(t *testing.T) {
	a, _, fb := newTestApp(t)
	withSupervisor(t, a)
	a.recycleRetry = retryPolicy{minBackoff: time.Millisecond, maxBackoff: time.Millisecond, attempts: 5}
	fb.failing = 2

	a.startRecycle()
	deadline := time.Now().Add(2 * time.Second)
	for a.recycling.Load() {
		if time.Now().After(deadline) {
			t.Fatal("recycle never completed")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if recycles, pages := fb.counts(); recycles != 3 || pages != 1 {
		t.Fatalf("recycles=%d pages=%d want 3/1", recycles, pages)
	}
	for _, st := range a.reg.Snapshot() {
		if st.Enabled && !st.Running {
			t.Fatalf("%s not running after recycle", st.ID)
		}
	}
	if err := a.sup.Err(); err != nil {
		t.Fatalf("supervisor err=%v", err)
	}
}

func TestScheduledRecycleGivesUp(t *testing.T) {
	a, _, fb := newTestApp(t)
	withSupervisor(t, a)
	a.recycleRetry = retryPolicy{minBackoff: time.Millisecond, maxBackoff: time.Millisecond, attempts: 2}
	fb.failing = 100

	a.startRecycle()
	a.startRecycle() // still retrying; skipped
	select {
	case <-a.sup.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("app not stopped after retries ran out")
	}
	if a.sup.Err() == nil {
		t.Fatal("no supervisor error")
	}
	if recycles, pages := fb.counts(); recycles != 3 || pages != 0 {
		t.Fatalf("recycles=%d pages=%d want 3/0", recycles, pages)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      *config.StorageConfig
		driver  string
		busy    time.Duration
		wantErr bool
	}{
		{name: "absent", in: nil, driver: "memory"},
		{name: "none", in: &config.StorageConfig{Driver: "none"}, driver: "memory"},
		{name: "file", in: &config.StorageConfig{Driver: "file", Path: "./state"}, driver: "file"},
		{name: "file without path", in: &config.StorageConfig{Driver: "file"}, wantErr: true},
		{name: "sqlite default busy", in: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}, driver: "sqlite", busy: time.Second},
		{name: "sqlite busy", in: &config.StorageConfig{Driver: "sqlite3", Path: "x.db", BusyTimeout: "3s"}, driver: "sqlite3", busy: 3 * time.Second},
		{name: "sqlite without path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sc, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if sc.Driver != tc.driver || sc.BusyTimeout != tc.busy {
				t.Fatalf("got %+v", sc)
			}
		})
	}
}

func TestMapBrowserConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Browser: config.BrowserConfig{
		RemoteURL:        " ws://127.0.0.1:9222/devtools/browser/x ",
		Headless:         true,
		ResourceBlocking: []string{"Image"},
	}}
	bc, err := mapBrowserConfig(cfg)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if bc.RemoteURL != "ws://127.0.0.1:9222/devtools/browser/x" || bc.NavigateTimeout != 30*time.Second || !bc.Headless {
		t.Fatalf("got %+v", bc)
	}

	cfg.Browser.NavigateTimeout = "soon"
	if _, err := mapBrowserConfig(cfg); err == nil {
		t.Fatal("bad navigate_timeout accepted")
	}
}
