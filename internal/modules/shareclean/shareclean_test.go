package shareclean

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"ytenhancer/internal/dom"
	"ytenhancer/internal/dom/domtest"
	"ytenhancer/internal/module"
	"ytenhancer/internal/runtime/supervisor"
	logx "ytenhancer/pkg/logx"
)

func TestCleanShareURL(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"https://youtu.be/abc?si=XyZ", "https://youtu.be/abc"},
		{"https://youtu.be/abc?si=XyZ&t=42", "https://youtu.be/abc?t=42"},
		{"https://youtu.be/abc?t=42&si=XyZ", "https://youtu.be/abc?t=42"},
		{"https://www.youtube.com/watch?v=abc&si=1&list=PL", "https://www.youtube.com/watch?v=abc&list=PL"},
		{"https://youtu.be/abc", "https://youtu.be/abc"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CleanShareURL(tc.in); got != tc.want {
			t.Fatalf("CleanShareURL(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func startModule(t *testing.T, p dom.Page, clock clockwork.Clock) *Module {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sup := supervisor.NewSupervisor(ctx)
	m := New()
	if err := m.Start(ctx, module.Env{Page: p, Log: logx.Nop(), Clock: clock, Runner: sup}); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer wcancel()
		_ = sup.Wait(wctx)
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func openDialog(p *domtest.Page) {
	p.Emit(dom.Record{Op: dom.OpChildList, Target: "BODY", Added: []dom.Node{{Tag: tagCopyLink}}})
}

func TestDialogCleansAndRechecks(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	p := domtest.NewPage("https://www.youtube.com/watch?v=abc")
	input := domtest.NewElement("input").WithValue("https://youtu.be/abc?si=first")
	p.Set(selShareURL, input)
	m := startModule(t, p, clock)

	openDialog(p)
	if got := input.CurrentValue(); got != "https://youtu.be/abc" {
		t.Fatalf("value=%q", got)
	}

	// The host rewrites the value after the dialog renders.
	_ = input.SetValue(context.Background(), "https://youtu.be/abc?t=3&si=second")
	clock.BlockUntil(1)
	clock.Advance(100 * time.Millisecond)
	waitFor(t, "re-clean", func() bool { return input.CurrentValue() == "https://youtu.be/abc?t=3" })

	clock.Advance(6 * time.Second)
	waitFor(t, "recheck window end", func() bool { return !m.Rechecking() })
}

func TestOtherInsertionsIgnored(t *testing.T) {
	t.Parallel()

	p := domtest.NewPage("https://www.youtube.com/watch?v=abc")
	input := domtest.NewElement("input").WithValue("https://youtu.be/abc?si=x")
	p.Set(selShareURL, input)
	m := startModule(t, p, clockwork.NewFakeClock())

	p.Emit(dom.Record{Op: dom.OpChildList, Added: []dom.Node{{Tag: "DIV"}}})
	if input.CurrentValue() != "https://youtu.be/abc?si=x" || m.Cleaned() != 0 {
		t.Fatalf("value rewritten without dialog: %q", input.CurrentValue())
	}
}

func TestStopEndsRecheck(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	p := domtest.NewPage("https://www.youtube.com/watch?v=abc")
	input := domtest.NewElement("input").WithValue("https://youtu.be/abc?si=x")
	p.Set(selShareURL, input)
	m := startModule(t, p, clock)

	openDialog(p)
	clock.BlockUntil(1)
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "recheck exit", func() bool { return !m.Rechecking() })
	if p.Observers() != 0 {
		t.Fatalf("observers=%d", p.Observers())
	}
}

func TestStaleDialogIgnoredAfterRestart(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	old := domtest.NewPage("https://www.youtube.com/watch?v=abc")
	stale := domtest.NewElement("input").WithValue("https://youtu.be/abc?si=old")
	old.Set(selShareURL, stale)
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	sup := supervisor.NewSupervisor(ctx)
	env := module.Env{Page: old, Log: logx.Nop(), Clock: clock, Runner: sup}
	if err := m.Start(ctx, env); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = m.Stop(context.Background())
	cancel()
	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	_ = sup.Wait(wctx)

	fresh := domtest.NewPage("https://www.youtube.com/watch?v=abc")
	input := domtest.NewElement("input").WithValue("https://youtu.be/abc?si=new")
	fresh.Set(selShareURL, input)
	ctx2, cancel2 := context.WithCancel(context.Background())
	sup2 := supervisor.NewSupervisor(ctx2)
	if err := m.Start(ctx2, module.Env{Page: fresh, Log: logx.Nop(), Clock: clock, Runner: sup2}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
		cancel2()
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer wcancel()
		_ = sup2.Wait(wctx)
	})

	// A dialog batch the old instance was still delivering when it stopped.
	m.onDialog(ctx, env)
	if got := stale.CurrentValue(); got != "https://youtu.be/abc?si=old" || m.Cleaned() != 0 {
		t.Fatalf("stale dialog cleaned: value=%q cleaned=%d", got, m.Cleaned())
	}

	openDialog(fresh)
	if got := input.CurrentValue(); got != "https://youtu.be/abc" {
		t.Fatalf("value=%q", got)
	}
}

func TestConfigureValidates(t *testing.T) {
	t.Parallel()

	m := New()
	if err := m.Configure(module.Config{"recheckInterval": 0}); err == nil {
		t.Fatal("zero interval accepted")
	}
	if err := m.Configure(module.Config{"recheckWindow": 1000}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if m.cfg.RecheckWindow != 1000 || m.cfg.RecheckInterval != 100 {
		t.Fatalf("cfg=%+v", m.cfg)
	}
}
