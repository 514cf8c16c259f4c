package logx

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttled drops log lines above a fixed rate and counts what it dropped.
// The next line that passes carries the count as "suppressed".
//
// Debug lines bypass the limiter so tracing a hot path stays possible.
type Throttled struct {
	log        Logger
	lim        *rate.Limiter
	suppressed atomic.Int64
}

// NewThrottled allows one line every interval with the given burst.
func NewThrottled(l Logger, every time.Duration, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	lim := rate.Inf
	if every > 0 {
		lim = rate.Every(every)
	}
	return &Throttled{log: l, lim: rate.NewLimiter(lim, burst)}
}

func (t *Throttled) Debug(msg string, fields ...Field) { t.log.Debug(msg, fields...) }

func (t *Throttled) Info(msg string, fields ...Field) {
	if f, ok := t.allow(); ok {
		t.log.Info(msg, append(fields, f)...)
	}
}

func (t *Throttled) Warn(msg string, fields ...Field) {
	if f, ok := t.allow(); ok {
		t.log.Warn(msg, append(fields, f)...)
	}
}

// Suppressed reports lines dropped since the last one that got through.
func (t *Throttled) Suppressed() int64 { return t.suppressed.Load() }

func (t *Throttled) allow() (Field, bool) {
	if !t.lim.Allow() {
		t.suppressed.Add(1)
		return nil, false
	}
	n := t.suppressed.Swap(0)
	if n == 0 {
		return nil, true
	}
	return Int64("suppressed", n), true
}
