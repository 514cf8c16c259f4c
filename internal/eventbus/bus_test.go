package eventbus

import "testing"

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: ModuleStarted, Module: "adblock"})
	b.Publish(Event{Type: ModuleStopped, Module: "adblock"})

	if e := <-a; e.Type != ModuleStarted || e.Time.IsZero() {
		t.Fatalf("a got %+v", e)
	}
	select {
	case e := <-a:
		t.Fatalf("a should have dropped, got %+v", e)
	default:
	}
	if got := len(c); got != 2 {
		t.Fatalf("c buffered=%d want 2", got)
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: PageNavigated})
	if _, ok := <-a; ok {
		t.Fatalf("a should be closed")
	}
}
