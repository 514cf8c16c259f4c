// Package watch turns raw page change notifications into throttled batches.
package watch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"ytenhancer/internal/dom"
)

// Subscription describes one scoped watch.
//
// Scope is a selector for the subtree root ("" = whole document).
// OnBatch receives every record collected during one throttle window.
type Subscription struct {
	Scope    string
	Filter   dom.Filter
	Throttle time.Duration
	OnBatch  func(batch []dom.Record)
}

// Handle is a live watch. The zero value is not usable; see Observe.
type Handle struct {
	clock clockwork.Clock
	sub   Subscription

	mu      sync.Mutex
	pending []dom.Record
	timer   clockwork.Timer
	closed  bool
	obs     dom.Observation

	batches atomic.Int64
	records atomic.Int64
}

// Observe registers sub on page. The first record received while idle opens a
// window of sub.Throttle; when it closes, everything collected is delivered as
// one batch in arrival order. Throttle <= 0 delivers each notification as it comes.
func Observe(ctx context.Context, page dom.Page, clock clockwork.Clock, sub Subscription) (*Handle, error) {
	if page == nil {
		return nil, fmt.Errorf("watch: nil page")
	}
	if sub.OnBatch == nil {
		return nil, fmt.Errorf("watch: OnBatch is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	h := &Handle{clock: clock, sub: sub}

	obs, err := page.Observe(ctx, sub.Scope, sub.Filter, h.receive)
	if err != nil {
		return nil, fmt.Errorf("watch %q: %w", sub.Scope, err)
	}
	h.mu.Lock()
	h.obs = obs
	h.mu.Unlock()
	return h, nil
}

// Unobserve stops the watch. It is idempotent. Once it returns no new batch
// is started; a batch already being delivered runs to completion.
func (h *Handle) Unobserve() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.pending = nil
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	obs := h.obs
	h.obs = nil
	h.mu.Unlock()

	if obs != nil {
		_ = obs.Close()
	}
}

// Closed reports whether Unobserve has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Batches reports how many batches have been delivered.
func (h *Handle) Batches() int64 { return h.batches.Load() }

// Records reports how many records have been delivered.
func (h *Handle) Records() int64 { return h.records.Load() }

func (h *Handle) receive(recs []dom.Record) {
	if len(recs) == 0 {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if h.sub.Throttle <= 0 {
		h.mu.Unlock()
		h.deliver(append([]dom.Record(nil), recs...))
		return
	}
	h.pending = append(h.pending, recs...)
	if h.timer == nil {
		h.timer = h.clock.AfterFunc(h.sub.Throttle, h.flush)
	}
	h.mu.Unlock()
}

func (h *Handle) flush() {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.timer = nil
	closed := h.closed
	h.mu.Unlock()

	if closed || len(batch) == 0 {
		return
	}
	h.deliver(batch)
}

func (h *Handle) deliver(batch []dom.Record) {
	if h.Closed() {
		return
	}
	h.batches.Add(1)
	h.records.Add(int64(len(batch)))
	h.sub.OnBatch(batch)
}
