package dom

import "testing"

func TestViewport(t *testing.T) {
	t.Parallel()

	v := Viewport{Width: 800, Height: 600, ScrollY: 1000, ScrollHeight: 2000}
	if !v.ScrolledPast(0.79) || v.ScrolledPast(0.8) {
		t.Fatalf("ScrolledPast wrong for %+v", v)
	}
	if !v.Contains(Rect{Top: 0, Left: 0, Bottom: 600, Right: 800}) {
		t.Fatalf("edge rect should be contained")
	}
	if v.Contains(Rect{Top: -1, Left: 0, Bottom: 10, Right: 10}) {
		t.Fatalf("rect above viewport should not be contained")
	}
	if (Viewport{}).ScrolledPast(0.1) {
		t.Fatalf("empty document should never be scrolled past")
	}
}

func TestLocation(t *testing.T) {
	t.Parallel()

	l := Location{Href: "https://M.YouTube.com/watch?v=abc123&t=5"}
	if l.Host() != "m.youtube.com" || l.Path() != "/watch" || l.Param("v") != "abc123" {
		t.Fatalf("host=%q path=%q v=%q", l.Host(), l.Path(), l.Param("v"))
	}
}

func TestHasAdded(t *testing.T) {
	t.Parallel()

	batch := []Record{
		{Op: OpAttributes, Target: "BUTTON", Attr: "hidden"},
		{Op: OpChildList, Target: "DIV", Added: []Node{{Tag: "YT-COPY-LINK-RENDERER"}}},
	}
	if !HasAdded(batch, "yt-copy-link-renderer") {
		t.Fatalf("expected match")
	}
	if HasAdded(batch[:1], "yt-copy-link-renderer") || AnyAdded(batch[:1]) {
		t.Fatalf("attribute-only batch reported inserts")
	}
}
