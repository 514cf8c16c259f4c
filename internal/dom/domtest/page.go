// Package domtest provides an in-memory dom.Page for tests.
//
// Selectors are opaque keys: a fixture registers elements under the exact
// selector string the code under test queries.
package domtest

import (
	"context"
	"sort"
	"sync"

	"ytenhancer/internal/dom"
)

type Page struct {
	mu sync.Mutex

	els    map[string][]*Element
	loc    dom.Location
	vp     dom.Viewport
	styles map[string]string

	seq       int
	observers map[int]*observer
	scrolls   map[int]func()
	navs      map[int]func(dom.Navigation)
}

type observer struct {
	scope  string
	filter dom.Filter
	sink   func([]dom.Record)
}

var _ dom.Page = (*Page)(nil)

func NewPage(href string) *Page {
	return &Page{
		els:       map[string][]*Element{},
		loc:       dom.Location{Href: href},
		vp:        dom.Viewport{Width: 1280, Height: 720, ScrollHeight: 720},
		styles:    map[string]string{},
		observers: map[int]*observer{},
		scrolls:   map[int]func(){},
		navs:      map[int]func(dom.Navigation){},
	}
}

// Set replaces the elements matching sel.
func (p *Page) Set(sel string, els ...*Element) {
	p.mu.Lock()
	p.els[sel] = append([]*Element(nil), els...)
	p.mu.Unlock()
}

// Add appends elements matching sel.
func (p *Page) Add(sel string, els ...*Element) {
	p.mu.Lock()
	p.els[sel] = append(p.els[sel], els...)
	p.mu.Unlock()
}

func (p *Page) SetLocation(href string) {
	p.mu.Lock()
	p.loc = dom.Location{Href: href}
	p.mu.Unlock()
}

func (p *Page) SetViewport(v dom.Viewport) {
	p.mu.Lock()
	p.vp = v
	p.mu.Unlock()
}

// Style returns the injected stylesheet with id.
func (p *Page) Style(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	css, ok := p.styles[id]
	return css, ok
}

// Observers reports live Observe registrations.
func (p *Page) Observers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observers)
}

// ObserverScopes lists the scopes of live registrations, sorted.
func (p *Page) ObserverScopes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.observers))
	for _, o := range p.observers {
		out = append(out, o.scope)
	}
	sort.Strings(out)
	return out
}

// ScrollListeners reports live OnScroll registrations.
func (p *Page) ScrollListeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.scrolls)
}

// Emit delivers recs to every live observation whose filter admits them.
// Delivery is synchronous and happens outside the page lock.
func (p *Page) Emit(recs ...dom.Record) {
	p.mu.Lock()
	obs := make([]*observer, 0, len(p.observers))
	for _, o := range p.observers {
		obs = append(obs, o)
	}
	p.mu.Unlock()

	for _, o := range obs {
		var batch []dom.Record
		for _, r := range recs {
			if admits(o.filter, r) {
				batch = append(batch, r)
			}
		}
		if len(batch) > 0 {
			o.sink(batch)
		}
	}
}

// Scroll fires every scroll listener.
func (p *Page) Scroll() {
	p.mu.Lock()
	fns := make([]func(), 0, len(p.scrolls))
	for _, fn := range p.scrolls {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Navigate moves the page and fires navigation listeners.
func (p *Page) Navigate(href string, reload bool) {
	p.mu.Lock()
	p.loc = dom.Location{Href: href}
	fns := make([]func(dom.Navigation), 0, len(p.navs))
	for _, fn := range p.navs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(dom.Navigation{Location: dom.Location{Href: href}, Reload: reload})
	}
}

func admits(f dom.Filter, r dom.Record) bool {
	switch r.Op {
	case dom.OpChildList:
		return f.ChildList
	case dom.OpAttributes:
		if !f.Attributes {
			return false
		}
		if len(f.AttributeFilter) == 0 {
			return true
		}
		for _, a := range f.AttributeFilter {
			if a == r.Attr {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// ---- dom.Page ----

func (p *Page) Query(_ context.Context, sel string) (dom.Element, bool, error) {
	p.mu.Lock()
	els := append([]*Element(nil), p.els[sel]...)
	p.mu.Unlock()
	for _, e := range els {
		if !e.Removed() {
			return e, true, nil
		}
	}
	return nil, false, nil
}

func (p *Page) QueryAll(_ context.Context, sel string) ([]dom.Element, error) {
	p.mu.Lock()
	els := append([]*Element(nil), p.els[sel]...)
	p.mu.Unlock()
	out := make([]dom.Element, 0, len(els))
	for _, e := range els {
		if !e.Removed() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (p *Page) Location(_ context.Context) (dom.Location, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loc, nil
}

func (p *Page) Viewport(_ context.Context) (dom.Viewport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vp, nil
}

func (p *Page) InjectStyle(_ context.Context, id, css string) error {
	p.mu.Lock()
	p.styles[id] = css
	p.mu.Unlock()
	return nil
}

func (p *Page) RemoveStyle(_ context.Context, id string) error {
	p.mu.Lock()
	delete(p.styles, id)
	p.mu.Unlock()
	return nil
}

func (p *Page) Observe(ctx context.Context, scope string, f dom.Filter, sink func([]dom.Record)) (dom.Observation, error) {
	if scope != "" {
		if _, ok, _ := p.Query(ctx, scope); !ok {
			return nil, dom.ErrNoScope
		}
	}
	return p.register(func(id int) {
		p.observers[id] = &observer{scope: scope, filter: f, sink: sink}
	}, func(id int) { delete(p.observers, id) }), nil
}

func (p *Page) OnScroll(_ context.Context, fn func()) (dom.Observation, error) {
	return p.register(func(id int) { p.scrolls[id] = fn }, func(id int) { delete(p.scrolls, id) }), nil
}

func (p *Page) OnNavigate(_ context.Context, fn func(dom.Navigation)) (dom.Observation, error) {
	return p.register(func(id int) { p.navs[id] = fn }, func(id int) { delete(p.navs, id) }), nil
}

func (p *Page) register(add, del func(id int)) dom.Observation {
	p.mu.Lock()
	p.seq++
	id := p.seq
	add(id)
	p.mu.Unlock()
	return &handle{close: func() {
		p.mu.Lock()
		del(id)
		p.mu.Unlock()
	}}
}

type handle struct {
	once  sync.Once
	close func()
}

func (h *handle) Close() error {
	h.once.Do(h.close)
	return nil
}
