package comments

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"ytenhancer/internal/dom"
	"ytenhancer/internal/module"
	"ytenhancer/internal/runtime/supervisor"
	"ytenhancer/internal/watch"
	logx "ytenhancer/pkg/logx"
)

const (
	selComments      = "ytd-comments#comments"
	selSections      = "ytd-item-section-renderer#sections"
	selMoreComments  = "ytd-continuation-item-renderer #button:not([disabled])"
	selShowReplies   = "#more-replies > yt-button-shape > button:not([disabled])"
	selHiddenReplies = "ytd-comment-replies-renderer ytd-button-renderer#more-replies button:not([disabled])"
	selThread        = "ytd-comment-thread-renderer"
	selThreadTime    = "#header-author time"

	expandedClass = "yt-auto-expanded"
)

var categories = []string{selMoreComments, selShowReplies, selHiddenReplies}

// Stats are call-count instrumentation for one expander instance.
type Stats struct {
	State            State
	Retries          int
	RetriesScheduled int64
	ProcessRuns      int64
	ProcessDropped   int64
	Clicks           int64
	Expanded         int
}

// Expander runs the progressive expansion for one page lifetime.
// It is single-use: Start once, Stop once.
type Expander struct {
	page   dom.Page
	clock  clockwork.Clock
	log    logx.Logger
	runner *supervisor.Supervisor
	cfg    Config

	ctx context.Context

	mu         sync.Mutex
	state      State
	retries    int
	retryTimer clockwork.Timer
	stopped    bool
	handle     *watch.Handle
	scrollObs  dom.Observation
	seen       map[uint64]struct{}
	marked     []dom.Element

	scrollLim  *rate.Limiter
	processing atomic.Bool

	retriesScheduled atomic.Int64
	processRuns      atomic.Int64
	processDropped   atomic.Int64
	clicks           atomic.Int64
}

func NewExpander(env module.Env, cfg Config) *Expander {
	cfg = cfg.normalize()
	clock := env.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if d := module.Millis(cfg.ScrollThrottle); d > 0 {
		lim = rate.NewLimiter(rate.Every(d), 1)
	}
	return &Expander{
		page:      env.Page,
		clock:     clock,
		log:       env.Log,
		runner:    env.Runner,
		cfg:       cfg,
		seen:      map[uint64]struct{}{},
		scrollLim: lim,
	}
}

// Start schedules the first attempt after InitialDelay.
func (x *Expander) Start(ctx context.Context) {
	x.mu.Lock()
	x.ctx = ctx
	x.mu.Unlock()
	x.schedule(module.Millis(x.cfg.InitialDelay))
}

// Stop cancels the pending retry, tears down both triggers and clears the
// markers this instance added. The caller cancels the instance context.
func (x *Expander) Stop(ctx context.Context) {
	x.mu.Lock()
	x.stopped = true
	if x.retryTimer != nil {
		x.retryTimer.Stop()
		x.retryTimer = nil
	}
	h := x.handle
	x.handle = nil
	so := x.scrollObs
	x.scrollObs = nil
	marked := x.marked
	x.marked = nil
	x.seen = map[uint64]struct{}{}
	x.mu.Unlock()

	h.Unobserve()
	if so != nil {
		_ = so.Close()
	}
	for _, el := range marked {
		_ = el.RemoveClass(ctx, expandedClass)
	}
}

func (x *Expander) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return Stats{
		State:            x.state,
		Retries:          x.retries,
		RetriesScheduled: x.retriesScheduled.Load(),
		ProcessRuns:      x.processRuns.Load(),
		ProcessDropped:   x.processDropped.Load(),
		Clicks:           x.clicks.Load(),
		Expanded:         len(x.seen),
	}
}

// PendingRetry reports whether a retry timer is armed.
func (x *Expander) PendingRetry() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.retryTimer != nil
}

func (x *Expander) alive() bool {
	x.mu.Lock()
	ctx := x.ctx
	x.mu.Unlock()
	return ctx != nil && ctx.Err() == nil
}

func (x *Expander) schedule(d time.Duration) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.ctx == nil || x.ctx.Err() != nil {
		return
	}
	x.retryTimer = x.clock.AfterFunc(d, func() {
		x.runner.Go0("comments.attempt", x.attempt)
	})
}

func (x *Expander) attempt(ctx context.Context) {
	x.mu.Lock()
	x.retryTimer = nil
	state, retries := x.state, x.retries
	x.mu.Unlock()
	if ctx.Err() != nil || state != Waiting {
		return
	}

	ev := Event{Kind: Attempt, Retries: retries}
	if loc, err := x.page.Location(ctx); err == nil {
		ev.Path = loc.Path()
	}
	if ok, err := dom.Exists(ctx, x.page, selComments); err == nil {
		ev.Container = ok
	}

	step := Transition(state, ev, x.cfg)
	x.apply(step)

	switch step.Action {
	case ScheduleRetry:
		x.retriesScheduled.Add(1)
		x.log.Debug("comments container missing; retrying", logx.Int("retry", step.Retries), logx.Duration("delay", step.Delay))
		x.schedule(step.Delay)
	case Activate:
		x.activate(ctx)
	}
}

func (x *Expander) apply(step Step) {
	x.mu.Lock()
	prev := x.state
	x.state = step.Next
	x.retries = step.Retries
	x.mu.Unlock()
	if step.Next == Failed && prev != Failed {
		x.log.Info("comment expansion inactive for this page", logx.String("reason", step.Reason), logx.Int("retries", step.Retries))
	}
}

func (x *Expander) activate(ctx context.Context) {
	h, err := watch.Observe(ctx, x.page, x.clock, watch.Subscription{
		Scope: selSections,
		Filter: dom.Filter{
			ChildList:       true,
			Subtree:         true,
			Attributes:      true,
			AttributeFilter: []string{"hidden", "disabled", "aria-expanded"},
		},
		Throttle: module.Millis(x.cfg.MutationThrottle),
		OnBatch:  func([]dom.Record) { x.trigger("mutation") },
	})
	if err != nil {
		x.mu.Lock()
		retries := x.retries
		x.mu.Unlock()
		x.apply(Transition(Active, Event{Kind: ActivateFailed, Retries: retries}, x.cfg))
		if !errors.Is(err, dom.ErrNoScope) {
			x.log.Warn("comment sections watch failed", logx.Err(err))
		}
		return
	}

	so, err := x.page.OnScroll(ctx, x.onScroll)
	if err != nil {
		x.log.Warn("scroll listener failed", logx.Err(err))
	}

	// Stop may have run while the observers were being installed; it could
	// not see them, so they are released here.
	x.mu.Lock()
	if x.stopped || ctx.Err() != nil {
		x.mu.Unlock()
		h.Unobserve()
		if so != nil {
			_ = so.Close()
		}
		return
	}
	x.handle = h
	x.scrollObs = so
	x.mu.Unlock()

	x.log.Debug("comment expansion active", logx.String("cfg", x.cfg.String()))
	x.Process(ctx)
}

func (x *Expander) onScroll() {
	if !x.alive() || !x.scrollLim.AllowN(x.clock.Now(), 1) {
		return
	}
	vp, err := x.page.Viewport(x.context())
	if err != nil || !vp.ScrolledPast(x.cfg.ScrollThreshold) {
		return
	}
	x.trigger("scroll")
}

func (x *Expander) context() context.Context {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.ctx == nil {
		return context.Background()
	}
	return x.ctx
}

func (x *Expander) trigger(source string) {
	if !x.alive() {
		return
	}
	x.runner.Go0("comments.process."+source, func(ctx context.Context) { x.Process(ctx) })
}

// Process clicks through every reveal category once. A call made while
// another is in flight returns false immediately.
func (x *Expander) Process(ctx context.Context) bool {
	if !x.processing.CompareAndSwap(false, true) {
		x.processDropped.Add(1)
		return false
	}
	defer x.processing.Store(false)
	x.processRuns.Add(1)

	for _, sel := range categories {
		if ctx.Err() != nil {
			break
		}
		x.clickCategory(ctx, sel)
	}
	return true
}

func (x *Expander) clickCategory(ctx context.Context, sel string) {
	els, err := x.page.QueryAll(ctx, sel)
	if err != nil {
		x.log.Debug("query reveal controls failed", logx.String("selector", sel), logx.Err(err))
		return
	}
	if len(els) == 0 {
		return
	}
	vp, err := x.page.Viewport(ctx)
	if err != nil {
		return
	}

	clicks := 0
	for _, el := range els {
		if clicks >= x.cfg.MaxClicksPerBatch || ctx.Err() != nil {
			return
		}

		thread, hasThread, err := el.Closest(ctx, selThread)
		if err != nil {
			continue
		}
		var key uint64
		if hasThread {
			var done bool
			key, done = x.expanded(ctx, thread)
			if done {
				continue
			}
		}
		if !clickable(ctx, el, vp) {
			continue
		}

		if err := el.ScrollIntoView(ctx); err != nil {
			continue
		}
		if !x.sleep(ctx, module.Millis(x.cfg.SettleDelay)) {
			return
		}
		if err := el.Click(ctx); err != nil {
			if !errors.Is(err, dom.ErrDetached) {
				x.log.Debug("reveal click failed", logx.Err(err))
			}
			continue
		}
		clicks++
		x.clicks.Add(1)
		if hasThread {
			x.mark(ctx, thread, key)
		}
		if !x.sleep(ctx, module.Millis(x.cfg.ClickInterval)) {
			return
		}
	}
}

// expanded reports whether thread was already handled, either by content key
// or by the class marker left on it.
func (x *Expander) expanded(ctx context.Context, thread dom.Element) (uint64, bool) {
	key := threadKey(ctx, thread)
	if key != 0 {
		x.mu.Lock()
		_, ok := x.seen[key]
		x.mu.Unlock()
		if ok {
			return key, true
		}
	}
	cls, _, err := thread.Attr(ctx, "class")
	if err != nil {
		return key, true
	}
	return key, hasClass(cls, expandedClass)
}

func (x *Expander) mark(ctx context.Context, thread dom.Element, key uint64) {
	_ = thread.AddClass(ctx, expandedClass)
	x.mu.Lock()
	if key != 0 {
		x.seen[key] = struct{}{}
	}
	x.marked = append(x.marked, thread)
	x.mu.Unlock()
}

func (x *Expander) sleep(ctx context.Context, d time.Duration) bool {
	return module.Sleep(ctx, x.clock, d)
}

// threadKey hashes data-context and the author timestamp. It returns 0 when
// the thread carries neither, so anonymous threads fall back to the class marker.
func threadKey(ctx context.Context, thread dom.Element) uint64 {
	dataCtx, _, _ := thread.Attr(ctx, "data-context")
	var stamp string
	if t, ok, err := thread.Query(ctx, selThreadTime); err == nil && ok {
		stamp, _, _ = t.Attr(ctx, "datetime")
	}
	if dataCtx == "" && stamp == "" {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(dataCtx + "-" + stamp))
	return h.Sum64()
}

func clickable(ctx context.Context, el dom.Element, vp dom.Viewport) bool {
	rendered, err := el.Rendered(ctx)
	if err != nil || !rendered {
		return false
	}
	if _, disabled, err := el.Attr(ctx, "disabled"); err != nil || disabled {
		return false
	}
	if v, ok, err := el.Attr(ctx, "aria-expanded"); err != nil || (ok && v != "false") {
		return false
	}
	r, err := el.Rect(ctx)
	if err != nil {
		return false
	}
	return vp.Contains(r)
}

func hasClass(className, c string) bool {
	for i := 0; i < len(className); {
		for i < len(className) && className[i] == ' ' {
			i++
		}
		j := i
		for j < len(className) && className[j] != ' ' {
			j++
		}
		if className[i:j] == c {
			return true
		}
		i = j
	}
	return false
}
