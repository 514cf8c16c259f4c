// Package dom is the engine's port onto the page it automates.
//
// Modules only ever see these interfaces. internal/dom/roddom drives a real
// tab over CDP; internal/dom/domtest is an in-memory fake for tests.
package dom

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// ErrDetached is returned when an element is no longer attached to the document.
var ErrDetached = errors.New("dom: element detached")

// ErrNoScope is returned by Observe when the scope selector matches nothing.
var ErrNoScope = errors.New("dom: observation scope not found")

type Op string

const (
	OpChildList  Op = "childList"
	OpAttributes Op = "attributes"
)

// Node describes an inserted node as reported by a mutation record.
type Node struct {
	Tag   string `json:"tag"` // upper-case, as in Element.tagName
	ID    string `json:"id,omitempty"`
	Class string `json:"class,omitempty"`
}

// Record is one structural change notification.
type Record struct {
	Op     Op     `json:"op"`
	Target string `json:"target"` // tag of the mutated node
	Attr   string `json:"attr,omitempty"`
	Added  []Node `json:"added,omitempty"`
}

// HasAdded reports whether any record in batch inserted a node with tag.
func HasAdded(batch []Record, tag string) bool {
	for _, r := range batch {
		for _, n := range r.Added {
			if strings.EqualFold(n.Tag, tag) {
				return true
			}
		}
	}
	return false
}

// AnyAdded reports whether batch inserted any node at all.
func AnyAdded(batch []Record) bool {
	for _, r := range batch {
		if len(r.Added) > 0 {
			return true
		}
	}
	return false
}

// Filter selects which kinds of change a watch receives.
type Filter struct {
	ChildList       bool     `json:"childList"`
	Attributes      bool     `json:"attributes"`
	Subtree         bool     `json:"subtree"`
	AttributeFilter []string `json:"attributeFilter,omitempty"`
}

type Rect struct {
	Top, Left, Bottom, Right float64
}

type Viewport struct {
	Width        float64
	Height       float64
	ScrollY      float64
	ScrollHeight float64
}

// ScrolledPast reports whether the bottom of the viewport is past frac of the document.
func (v Viewport) ScrolledPast(frac float64) bool {
	if v.ScrollHeight <= 0 {
		return false
	}
	return (v.ScrollY+v.Height)/v.ScrollHeight > frac
}

// Contains reports whether r lies fully inside the viewport.
func (v Viewport) Contains(r Rect) bool {
	return r.Top >= 0 && r.Left >= 0 && r.Bottom <= v.Height && r.Right <= v.Width
}

type Location struct {
	Href string
}

func (l Location) URL() *url.URL {
	u, err := url.Parse(l.Href)
	if err != nil {
		return &url.URL{}
	}
	return u
}

func (l Location) Host() string { return strings.ToLower(l.URL().Hostname()) }
func (l Location) Path() string { return l.URL().Path }

// Param returns query parameter k, or "".
func (l Location) Param(k string) string { return l.URL().Query().Get(k) }

// Navigation is reported by Page.OnNavigate.
// Reload is true when the whole document was replaced (injected state is gone).
type Navigation struct {
	Location Location
	Reload   bool
}

type MediaState struct {
	Paused      bool
	CurrentTime float64
	Duration    float64
	Muted       bool
}

// Touch is a synthetic single-finger gesture.
type Touch struct {
	Identifier    int64
	ClientX       float64
	ClientY       float64
	RadiusX       float64
	RadiusY       float64
	RotationAngle float64
	Force         float64
}

type Element interface {
	Tag() string
	Attr(ctx context.Context, name string) (val string, ok bool, err error)
	SetAttr(ctx context.Context, name, val string) error
	RemoveAttr(ctx context.Context, name string) error
	AddClass(ctx context.Context, class string) error
	RemoveClass(ctx context.Context, class string) error
	SetClassName(ctx context.Context, v string) error
	InlineStyle(ctx context.Context, prop string) (string, error)

	Query(ctx context.Context, sel string) (Element, bool, error)
	Closest(ctx context.Context, sel string) (Element, bool, error)
	Parent(ctx context.Context) (Element, bool, error)
	Remove(ctx context.Context) error

	// Rendered mirrors offsetParent != null.
	Rendered(ctx context.Context) (bool, error)
	Rect(ctx context.Context) (Rect, error)
	ScrollIntoView(ctx context.Context) error
	Click(ctx context.Context) error
	// Touch dispatches touchstart then touchend carrying t.
	Touch(ctx context.Context, t Touch) error

	Value(ctx context.Context) (string, error)
	SetValue(ctx context.Context, v string) error

	Media(ctx context.Context) (MediaState, error)
	Play(ctx context.Context) error
	Seek(ctx context.Context, t float64) error
	SetMuted(ctx context.Context, muted bool) error
}

// Observation is an active listener. Close is idempotent.
type Observation interface {
	Close() error
}

type Page interface {
	Query(ctx context.Context, sel string) (Element, bool, error)
	QueryAll(ctx context.Context, sel string) ([]Element, error)
	Location(ctx context.Context) (Location, error)
	Viewport(ctx context.Context) (Viewport, error)

	// InjectStyle installs css under id, replacing any previous sheet with that id.
	InjectStyle(ctx context.Context, id, css string) error
	RemoveStyle(ctx context.Context, id string) error

	// Observe reports changes under the first element matching scope
	// ("" means the document root). sink receives records in arrival order.
	Observe(ctx context.Context, scope string, f Filter, sink func([]Record)) (Observation, error)
	OnScroll(ctx context.Context, fn func()) (Observation, error)
	OnNavigate(ctx context.Context, fn func(Navigation)) (Observation, error)
}

// First returns the first element matching any selector, in order.
func First(ctx context.Context, p Page, sels ...string) (Element, bool, error) {
	for _, s := range sels {
		el, ok, err := p.Query(ctx, s)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return el, true, nil
		}
	}
	return nil, false, nil
}

// Exists reports whether sel matches anything.
func Exists(ctx context.Context, p Page, sel string) (bool, error) {
	_, ok, err := p.Query(ctx, sel)
	return ok, err
}
