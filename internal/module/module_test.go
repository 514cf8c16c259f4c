package module

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type demoConfig struct {
	Threshold float64 `json:"threshold"`
	Retries   int     `json:"retries"`
	Label     string  `json:"label"`
}

func TestDecodeOverlaysDefaults(t *testing.T) {
	t.Parallel()

	def := demoConfig{Threshold: 0.6, Retries: 5, Label: "x"}
	got, err := Decode(Config{"retries": 2}, def)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Retries != 2 || got.Threshold != 0.6 || got.Label != "x" {
		t.Fatalf("got %+v", got)
	}
	if _, err := Decode(Config{"retires": 2}, def); err == nil {
		t.Fatalf("expected unknown key error")
	}
	if _, err := Decode(Config{"retries": "two"}, def); err == nil {
		t.Fatalf("expected type error")
	}
}

func TestMergeKeepsNewDefaults(t *testing.T) {
	t.Parallel()

	def := MustEncode(demoConfig{Threshold: 0.6, Retries: 5})
	stored := Config{"retries": float64(1)}
	m := Merge(def, stored)
	if m["retries"] != float64(1) || m["threshold"] != 0.6 {
		t.Fatalf("merged=%v", m)
	}
	if def["retries"] != float64(5) {
		t.Fatalf("Merge mutated defaults: %v", def)
	}
}

type noop struct{ Base }

func (noop) Descriptor() Descriptor { return Descriptor{ID: "noop", Name: "Noop"} }

func TestBaseLifecycle(t *testing.T) {
	t.Parallel()

	var m Module = &noop{}
	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	if err := m.Configure(Config{"anything": true}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := m.Start(ctx, Env{Clock: clock}); err != nil {
		t.Fatalf("start: %v", err)
	}
	b := &m.(*noop).Base
	if b.Env.Clock != clock {
		t.Fatalf("env not recorded")
	}

	done := make(chan bool, 1)
	go func() { done <- Sleep(ctx, clock, time.Second) }()
	cancel()
	if ok := <-done; ok {
		t.Fatalf("Sleep should report stop")
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStartBaseDefaultsClock(t *testing.T) {
	t.Parallel()

	var b Base
	env := b.StartBase(context.Background(), Env{Instance: "first"})
	if env.Clock == nil || b.Env.Clock == nil {
		t.Fatalf("clock not defaulted")
	}
	next := b.StartBase(context.Background(), Env{Instance: "second", Clock: clockwork.NewFakeClock()})
	if env.Instance != "first" || next.Instance != "second" || b.Env.Instance != "second" {
		t.Fatalf("env=%q next=%q base=%q", env.Instance, next.Instance, b.Env.Instance)
	}
}

func TestSleepOnClock(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	done := make(chan bool, 1)
	go func() { done <- Sleep(context.Background(), clock, time.Second) }()
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	if ok := <-done; !ok {
		t.Fatalf("Sleep should complete")
	}
	if !Sleep(context.Background(), clock, 0) {
		t.Fatalf("zero sleep on live ctx should succeed")
	}
}

func TestMillis(t *testing.T) {
	t.Parallel()

	if Millis(150) != 150*time.Millisecond || Millis(-1) != 0 {
		t.Fatalf("Millis wrong")
	}
}
