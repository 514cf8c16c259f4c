package domtest

import (
	"context"
	"strings"
	"sync"

	"ytenhancer/internal/dom"
)

// Element is a scriptable fake. Builder methods return the receiver so
// fixtures read top to bottom.
type Element struct {
	mu sync.Mutex

	tag       string
	attrs     map[string]string
	className string
	style     map[string]string
	children  map[string][]*Element
	closest   map[string]*Element
	parent    *Element

	rendered bool
	rect     dom.Rect
	value    string
	media    *dom.MediaState
	removed  bool

	clicks      int
	scrolls     int
	touches     []dom.Touch
	touchEvents []string
	plays       int
	seeks       []float64

	onClick func(*Element)
}

var _ dom.Element = (*Element)(nil)

// NewElement returns a rendered element inside a default 10x10 box at the origin.
func NewElement(tag string) *Element {
	return &Element{
		tag:      strings.ToUpper(tag),
		attrs:    map[string]string{},
		style:    map[string]string{},
		children: map[string][]*Element{},
		closest:  map[string]*Element{},
		rendered: true,
		rect:     dom.Rect{Bottom: 10, Right: 10},
	}
}

func (e *Element) WithAttr(k, v string) *Element {
	e.mu.Lock()
	e.attrs[k] = v
	e.mu.Unlock()
	return e
}

func (e *Element) WithClass(c string) *Element {
	e.mu.Lock()
	e.className = strings.TrimSpace(e.className + " " + c)
	e.mu.Unlock()
	return e
}

func (e *Element) WithStyle(prop, v string) *Element {
	e.mu.Lock()
	e.style[prop] = v
	e.mu.Unlock()
	return e
}

func (e *Element) WithRect(r dom.Rect) *Element {
	e.mu.Lock()
	e.rect = r
	e.mu.Unlock()
	return e
}

// Hidden makes the element unrendered (offsetParent == null).
func (e *Element) Hidden() *Element {
	e.mu.Lock()
	e.rendered = false
	e.mu.Unlock()
	return e
}

func (e *Element) WithValue(v string) *Element {
	e.mu.Lock()
	e.value = v
	e.mu.Unlock()
	return e
}

func (e *Element) WithMedia(st dom.MediaState) *Element {
	e.mu.Lock()
	e.media = &st
	e.mu.Unlock()
	return e
}

// WithAncestor makes Closest(sel) return anc.
func (e *Element) WithAncestor(sel string, anc *Element) *Element {
	e.mu.Lock()
	e.closest[sel] = anc
	e.mu.Unlock()
	return e
}

func (e *Element) WithParent(p *Element) *Element {
	e.mu.Lock()
	e.parent = p
	e.mu.Unlock()
	return e
}

// WithChild makes Query(sel) on this element return child.
func (e *Element) WithChild(sel string, child *Element) *Element {
	e.mu.Lock()
	e.children[sel] = append(e.children[sel], child)
	e.mu.Unlock()
	return e
}

// OnClick runs fn after each successful click.
func (e *Element) OnClick(fn func(*Element)) *Element {
	e.mu.Lock()
	e.onClick = fn
	e.mu.Unlock()
	return e
}

// Detach simulates the host removing the node behind the engine's back.
func (e *Element) Detach() {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
}

func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

func (e *Element) Scrolls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scrolls
}

func (e *Element) Touches() []dom.Touch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]dom.Touch(nil), e.touches...)
}

// TouchEvents lists dispatched touch event types in order.
func (e *Element) TouchEvents() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.touchEvents...)
}

func (e *Element) Plays() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plays
}

func (e *Element) Seeks() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.seeks...)
}

func (e *Element) MediaState() dom.MediaState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.media == nil {
		return dom.MediaState{}
	}
	return *e.media
}

func (e *Element) Removed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed
}

func (e *Element) ClassName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.className
}

func (e *Element) HasClass(c string) bool {
	for _, f := range strings.Fields(e.ClassName()) {
		if f == c {
			return true
		}
	}
	return false
}

func (e *Element) AttrValue(k string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.attrs[k]
	return v, ok
}

func (e *Element) CurrentValue() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

func (e *Element) live() error {
	if e.removed {
		return dom.ErrDetached
	}
	return nil
}

// ---- dom.Element ----

func (e *Element) Tag() string { return e.tag }

func (e *Element) Attr(_ context.Context, name string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return "", false, err
	}
	if name == "class" {
		return e.className, e.className != "", nil
	}
	v, ok := e.attrs[name]
	return v, ok, nil
}

func (e *Element) SetAttr(_ context.Context, name, val string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return err
	}
	e.attrs[name] = val
	return nil
}

func (e *Element) RemoveAttr(_ context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return err
	}
	delete(e.attrs, name)
	return nil
}

func (e *Element) AddClass(_ context.Context, class string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return err
	}
	for _, f := range strings.Fields(e.className) {
		if f == class {
			return nil
		}
	}
	e.className = strings.TrimSpace(e.className + " " + class)
	return nil
}

func (e *Element) RemoveClass(_ context.Context, class string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return err
	}
	kept := make([]string, 0, 4)
	for _, f := range strings.Fields(e.className) {
		if f != class {
			kept = append(kept, f)
		}
	}
	e.className = strings.Join(kept, " ")
	return nil
}

func (e *Element) SetClassName(_ context.Context, v string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return err
	}
	e.className = v
	return nil
}

func (e *Element) InlineStyle(_ context.Context, prop string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return "", err
	}
	return e.style[prop], nil
}

func (e *Element) Query(_ context.Context, sel string) (dom.Element, bool, error) {
	e.mu.Lock()
	if err := e.live(); err != nil {
		e.mu.Unlock()
		return nil, false, err
	}
	kids := append([]*Element(nil), e.children[sel]...)
	e.mu.Unlock()
	for _, k := range kids {
		if !k.Removed() {
			return k, true, nil
		}
	}
	return nil, false, nil
}

func (e *Element) Closest(_ context.Context, sel string) (dom.Element, bool, error) {
	e.mu.Lock()
	if err := e.live(); err != nil {
		e.mu.Unlock()
		return nil, false, err
	}
	anc := e.closest[sel]
	e.mu.Unlock()
	if anc == nil || anc.Removed() {
		return nil, false, nil
	}
	return anc, true, nil
}

func (e *Element) Parent(_ context.Context) (dom.Element, bool, error) {
	e.mu.Lock()
	if err := e.live(); err != nil {
		e.mu.Unlock()
		return nil, false, err
	}
	p := e.parent
	e.mu.Unlock()
	if p == nil || p.Removed() {
		return nil, false, nil
	}
	return p, true, nil
}

func (e *Element) Remove(_ context.Context) error {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	return nil
}

func (e *Element) Rendered(_ context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return false, err
	}
	return e.rendered, nil
}

func (e *Element) Rect(_ context.Context) (dom.Rect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return dom.Rect{}, err
	}
	return e.rect, nil
}

func (e *Element) ScrollIntoView(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return err
	}
	e.scrolls++
	return nil
}

func (e *Element) Click(_ context.Context) error {
	e.mu.Lock()
	if err := e.live(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.clicks++
	fn := e.onClick
	e.mu.Unlock()
	if fn != nil {
		fn(e)
	}
	return nil
}

func (e *Element) Touch(_ context.Context, t dom.Touch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return err
	}
	e.touches = append(e.touches, t)
	e.touchEvents = append(e.touchEvents, "touchstart", "touchend")
	return nil
}

func (e *Element) Value(_ context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return "", err
	}
	return e.value, nil
}

func (e *Element) SetValue(_ context.Context, v string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return err
	}
	e.value = v
	return nil
}

func (e *Element) Media(_ context.Context) (dom.MediaState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return dom.MediaState{}, err
	}
	if e.media == nil {
		return dom.MediaState{}, nil
	}
	return *e.media, nil
}

func (e *Element) Play(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return err
	}
	e.plays++
	if e.media != nil {
		e.media.Paused = false
	}
	return nil
}

func (e *Element) Seek(_ context.Context, t float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return err
	}
	e.seeks = append(e.seeks, t)
	if e.media != nil {
		e.media.CurrentTime = t
	}
	return nil
}

func (e *Element) SetMuted(_ context.Context, muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.live(); err != nil {
		return err
	}
	if e.media != nil {
		e.media.Muted = muted
	}
	return nil
}
