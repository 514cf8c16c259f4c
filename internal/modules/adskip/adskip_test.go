package adskip

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"ytenhancer/internal/dom"
	"ytenhancer/internal/dom/domtest"
	"ytenhancer/internal/module"
	"ytenhancer/internal/runtime/supervisor"
	logx "ytenhancer/pkg/logx"
)

const watchURL = "https://www.youtube.com/watch?v=abc"

func adPage(t *testing.T, href string, st dom.MediaState) (*domtest.Page, *domtest.Element) {
	t.Helper()
	p := domtest.NewPage(href)
	video := domtest.NewElement("video").WithMedia(st)
	p.Set(selVideo, video)
	return p, video
}

func corrector(p dom.Page) *Corrector {
	return &Corrector{Page: p, Cfg: DefaultConfig(), Clock: clockwork.NewFakeClock()}
}

func TestSkipControlEarlyClicksAndTouches(t *testing.T) {
	t.Parallel()

	p, video := adPage(t, watchURL, dom.MediaState{CurrentTime: 0.3, Duration: 15})
	skip := domtest.NewElement("button")
	p.Set(selSkipControl, skip)

	r, err := corrector(p).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if skip.Clicks() != 1 || len(skip.Touches()) != 1 {
		t.Fatalf("clicks=%d touches=%d want 1/1", skip.Clicks(), len(skip.Touches()))
	}
	if got := skip.TouchEvents(); !reflect.DeepEqual(got, []string{"touchstart", "touchend"}) {
		t.Fatalf("touch events=%v", got)
	}
	tc := skip.Touches()[0]
	if tc.ClientX != 12 || tc.ClientY != 34 || tc.RadiusX != 56 || tc.RadiusY != 78 || tc.Force != 1 {
		t.Fatalf("touch=%+v", tc)
	}
	if len(video.Seeks()) != 0 || video.MediaState().CurrentTime != 0.3 {
		t.Fatalf("position changed: seeks=%v", video.Seeks())
	}
	if r.Clicked != 1 || r.Touched != 1 || r.FastForwarded != 0 {
		t.Fatalf("report=%+v", r)
	}
}

func TestSkipControlLateFastForwards(t *testing.T) {
	t.Parallel()

	p, video := adPage(t, watchURL, dom.MediaState{CurrentTime: 1.2, Duration: 15})
	skip := domtest.NewElement("button")
	p.Set(selSkipControl, skip)

	if _, err := corrector(p).Run(context.Background(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if skip.Clicks() != 0 || len(skip.Touches()) != 0 {
		t.Fatalf("skip control activated: clicks=%d", skip.Clicks())
	}
	if got := video.MediaState().CurrentTime; got != 15 {
		t.Fatalf("currentTime=%v want 15", got)
	}
}

func TestSkipThresholdIsConfigurable(t *testing.T) {
	t.Parallel()

	p, video := adPage(t, watchURL, dom.MediaState{CurrentTime: 0.55, Duration: 9})
	skip := domtest.NewElement("button")
	p.Set(selSkipControl, skip)

	c := corrector(p)
	c.Cfg.SkipThreshold = 0.5
	if _, err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if skip.Clicks() != 0 || video.MediaState().CurrentTime != 9 {
		t.Fatalf("0.55s with threshold 0.5 should fast-forward")
	}
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	t.Parallel()

	cases := map[string]dom.MediaState{
		"fast-forward": {CurrentTime: 3, Duration: 20},
		"click":        {CurrentTime: 0.1, Duration: 20},
	}
	for name, st := range cases {
		p, video := adPage(t, watchURL, st)
		skip := domtest.NewElement("button").OnClick(func(e *domtest.Element) {
			// the host tears the control down once activated
			e.Detach()
		})
		p.Set(selSkipControl, skip)
		backdrop := domtest.NewElement("tp-yt-iron-overlay-backdrop").
			WithStyle("z-index", "2201").WithClass("opened").WithAttr("opened", "")
		p.Set(selBackdrop, backdrop)

		c := corrector(p)
		if _, err := c.Run(context.Background(), nil); err != nil {
			t.Fatalf("%s: first run: %v", name, err)
		}
		after1 := video.MediaState()
		clicks1 := skip.Clicks()

		r2, err := c.Run(context.Background(), nil)
		if err != nil {
			t.Fatalf("%s: second run: %v", name, err)
		}
		if video.MediaState() != after1 {
			t.Fatalf("%s: media changed on second run: %+v vs %+v", name, video.MediaState(), after1)
		}
		if skip.Clicks() != clicks1 {
			t.Fatalf("%s: second run clicked again", name)
		}
		if r2.BackdropsReset != 0 || r2.Clicked != 0 {
			t.Fatalf("%s: second run acted: %+v", name, r2)
		}
		if backdrop.ClassName() != "" {
			t.Fatalf("%s: backdrop class=%q", name, backdrop.ClassName())
		}
		if _, ok := backdrop.AttrValue("opened"); ok {
			t.Fatalf("%s: backdrop still opened", name)
		}
	}
}

func TestMuteSkippedOnMobile(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		href  string
		muted bool
	}{
		{watchURL, true},
		{"https://m.youtube.com/watch?v=abc", false},
	} {
		p, video := adPage(t, tc.href, dom.MediaState{CurrentTime: 2, Duration: 5})
		p.Set(selAdIndicator, domtest.NewElement("div"))
		if _, err := corrector(p).Run(context.Background(), nil); err != nil {
			t.Fatalf("run: %v", err)
		}
		st := video.MediaState()
		if st.Muted != tc.muted {
			t.Fatalf("%s: muted=%v want %v", tc.href, st.Muted, tc.muted)
		}
		if st.CurrentTime != 5 {
			t.Fatalf("%s: indicator should fast-forward, currentTime=%v", tc.href, st.CurrentTime)
		}
	}
}

func TestResumesStalledPlayback(t *testing.T) {
	t.Parallel()

	p, video := adPage(t, watchURL, dom.MediaState{Paused: true, CurrentTime: 0.2, Duration: 100})
	r, err := corrector(p).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.Resumed != 1 || video.MediaState().Paused {
		t.Fatalf("expected resume, report=%+v", r)
	}

	p2, video2 := adPage(t, watchURL, dom.MediaState{Paused: true, CurrentTime: 40, Duration: 100})
	if _, err := corrector(p2).Run(context.Background(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if video2.Plays() != 0 {
		t.Fatalf("user pause mid-video must not be overridden")
	}
}

func TestRemovesPremiumPopupAndEnforcementDialog(t *testing.T) {
	t.Parallel()

	p, video := adPage(t, watchURL, dom.MediaState{Paused: true, CurrentTime: 50, Duration: 100})
	container := domtest.NewElement("ytd-popup-container")
	link := domtest.NewElement("a").WithAncestor(selPopupContainer, container)
	p.Set(selPremiumLink, link)

	wrapper := domtest.NewElement("div")
	dialog := domtest.NewElement("ytd-enforcement-message-view-model").WithParent(wrapper)
	p.Set(selEnforcement, dialog)
	b1 := domtest.NewElement("tp-yt-iron-overlay-backdrop")
	b2 := domtest.NewElement("tp-yt-iron-overlay-backdrop")
	p.Set(selBackdrop, b1, b2)

	batch := []dom.Record{{Op: dom.OpChildList, Target: "YTD-POPUP-CONTAINER", Added: []dom.Node{{Tag: "DIV"}}}}
	r, err := corrector(p).Run(context.Background(), batch)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !container.Removed() || !wrapper.Removed() {
		t.Fatalf("popups not removed: premium=%v enforcement=%v", container.Removed(), wrapper.Removed())
	}
	if !b1.Removed() || !b2.Removed() || r.BackdropsRemoved != 2 {
		t.Fatalf("backdrops not removed: %+v", r)
	}
	if video.MediaState().Paused {
		t.Fatalf("video should resume after dialog removal")
	}
}

func TestModuleStartStop(t *testing.T) {
	t.Parallel()

	p, video := adPage(t, watchURL, dom.MediaState{CurrentTime: 4, Duration: 30})
	p.Set("body", domtest.NewElement("body"))
	clock := clockwork.NewFakeClock()

	m := New()
	if err := m.Configure(module.Config{"mutationThrottle": 150}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runner := supervisor.NewSupervisor(ctx)
	env := module.Env{Page: p, Log: logx.Nop(), Clock: clock, Runner: runner}
	if err := m.Start(ctx, env); err != nil {
		t.Fatalf("start: %v", err)
	}
	if css, ok := p.Style(styleID); !ok || !strings.Contains(css, "#masthead-ad{display:none!important}") {
		t.Fatalf("cosmetic style missing: %q", css)
	}
	if p.Observers() != 1 {
		t.Fatalf("observers=%d want 1", p.Observers())
	}

	// The initial pass runs on the runner; let it finish.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	for m.Runs() < 1 {
		if waitCtx.Err() != nil {
			t.Fatalf("initial pass never ran")
		}
		time.Sleep(time.Millisecond)
	}

	p.Set(selSkipControl, domtest.NewElement("button"))
	video.WithMedia(dom.MediaState{CurrentTime: 4, Duration: 30})
	p.Emit(dom.Record{Op: dom.OpChildList, Target: "DIV"})
	clock.Advance(150 * time.Millisecond)
	for video.MediaState().CurrentTime != 30 {
		if waitCtx.Err() != nil {
			t.Fatalf("batch did not trigger correction")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := runner.Wait(waitCtx); err != nil {
		t.Fatalf("runner wait: %v", err)
	}
	if _, ok := p.Style(styleID); ok {
		t.Fatalf("style left behind after stop")
	}
	if p.Observers() != 0 {
		t.Fatalf("observer left behind after stop")
	}
}

func TestConfigureRejectsBadValues(t *testing.T) {
	t.Parallel()

	m := New()
	for _, cfg := range []module.Config{
		{"skipThreshold": -1},
		{"mutationThrottle": -5},
		{"skipTreshold": 1},
	} {
		if err := m.Configure(cfg); err == nil {
			t.Fatalf("Configure(%v) should fail", cfg)
		}
	}
}
