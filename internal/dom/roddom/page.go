// Package roddom implements dom.Page over a Chrome tab driven by go-rod.
//
// Mutation observers, scroll listeners and navigation hooks run in the page
// (observer.js) and report back through one CDP binding. Reports are queued
// and dispatched on a single goroutine, so sinks never block rod's event
// reader and see records in page order.
package roddom

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"ytenhancer/internal/dom"
	logx "ytenhancer/pkg/logx"
)

//go:embed observer.js
var observerJS string

const bindingName = "__ytenhancer_binding"

// message is one report from observer.js.
type message struct {
	Kind    string       `json:"k"`
	ID      int64        `json:"id"`
	Records []dom.Record `json:"recs,omitempty"`
	Href    string       `json:"href,omitempty"`
	Reload  bool         `json:"reload,omitempty"`
}

type Page struct {
	page *rod.Page
	log  logx.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan message

	seq      atomic.Int64
	ready    atomic.Int64
	dropped  atomic.Int64
	mu       sync.Mutex
	mutSinks map[int64]func([]dom.Record)
	scrolls  map[int64]func()
	navs     map[int64]func(dom.Navigation)
}

var _ dom.Page = (*Page)(nil)

// Bind installs the in-page helpers on p and starts dispatching reports.
// The helpers are re-installed on every new document; observations made on
// the old document are gone after a reload.
func Bind(ctx context.Context, p *rod.Page, log logx.Logger) (*Page, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cctx, cancel := context.WithCancel(ctx)
	pg := &Page{
		page:     p,
		log:      log,
		ctx:      cctx,
		cancel:   cancel,
		queue:    make(chan message, 4096),
		mutSinks: map[int64]func([]dom.Record){},
		scrolls:  map[int64]func(){},
		navs:     map[int64]func(dom.Navigation){},
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(p); err != nil {
		cancel()
		return nil, fmt.Errorf("roddom: add binding: %w", err)
	}
	go pg.listen()
	go pg.dispatchLoop()

	if _, err := p.EvalOnNewDocument(observerJS); err != nil {
		cancel()
		return nil, fmt.Errorf("roddom: install helpers: %w", err)
	}
	if _, err := p.Context(cctx).Eval(observerJS); err != nil {
		cancel()
		return nil, fmt.Errorf("roddom: inject helpers: %w", err)
	}
	return pg, nil
}

// Close stops dispatching. It does not close the tab.
func (p *Page) Close() { p.cancel() }

// Rod exposes the underlying tab.
func (p *Page) Rod() *rod.Page { return p.page }

func (p *Page) listen() {
	p.page.Context(p.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		var m message
		if err := json.Unmarshal([]byte(e.Payload), &m); err != nil {
			p.log.Warn("roddom: bad binding payload", logx.Err(err))
			return
		}
		p.enqueue(m)
	})()
}

func (p *Page) enqueue(m message) {
	select {
	case p.queue <- m:
	default:
		if p.dropped.Add(1)%100 == 1 {
			p.log.Warn("roddom: report queue full; dropping", logx.Int64("dropped", p.dropped.Load()))
		}
	}
}

func (p *Page) dispatchLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case m := <-p.queue:
			p.dispatch(m)
		}
	}
}

func (p *Page) dispatch(m message) {
	switch m.Kind {
	case "mut":
		p.mu.Lock()
		fn := p.mutSinks[m.ID]
		p.mu.Unlock()
		if fn != nil && len(m.Records) > 0 {
			fn(m.Records)
		}
	case "scroll":
		p.mu.Lock()
		fn := p.scrolls[m.ID]
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	case "nav":
		p.mu.Lock()
		fn := p.navs[m.ID]
		p.mu.Unlock()
		if fn != nil {
			fn(dom.Navigation{Location: dom.Location{Href: m.Href}, Reload: m.Reload})
		}
	case "ready":
		// The first ready comes from Bind itself. Later ones mean the
		// document was replaced and every in-page observer is gone.
		if p.ready.Add(1) == 1 {
			return
		}
		p.mu.Lock()
		fns := make([]func(dom.Navigation), 0, len(p.navs))
		for _, fn := range p.navs {
			fns = append(fns, fn)
		}
		p.mu.Unlock()
		for _, fn := range fns {
			fn(dom.Navigation{Location: dom.Location{Href: m.Href}, Reload: true})
		}
	}
}

func (p *Page) Query(ctx context.Context, sel string) (dom.Element, bool, error) {
	ok, el, err := p.page.Context(ctx).Has(sel)
	if err != nil {
		return nil, false, mapErr(err)
	}
	if !ok {
		return nil, false, nil
	}
	return wrap(el), true, nil
}

func (p *Page) QueryAll(ctx context.Context, sel string) ([]dom.Element, error) {
	els, err := p.page.Context(ctx).Elements(sel)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]dom.Element, 0, len(els))
	for _, el := range els {
		out = append(out, wrap(el))
	}
	return out, nil
}

func (p *Page) Location(ctx context.Context) (dom.Location, error) {
	res, err := p.page.Context(ctx).Eval(`() => location.href`)
	if err != nil {
		return dom.Location{}, mapErr(err)
	}
	return dom.Location{Href: res.Value.Str()}, nil
}

func (p *Page) Viewport(ctx context.Context) (dom.Viewport, error) {
	res, err := p.page.Context(ctx).Eval(`() => JSON.stringify({
		w: window.innerWidth, h: window.innerHeight, y: window.scrollY,
		sh: document.documentElement.scrollHeight,
	})`)
	if err != nil {
		return dom.Viewport{}, mapErr(err)
	}
	var v struct {
		W, H, Y, SH float64
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &v); err != nil {
		return dom.Viewport{}, fmt.Errorf("roddom: viewport: %w", err)
	}
	return dom.Viewport{Width: v.W, Height: v.H, ScrollY: v.Y, ScrollHeight: v.SH}, nil
}

func (p *Page) InjectStyle(ctx context.Context, id, css string) error {
	_, err := p.page.Context(ctx).Eval(`(id, css) => {
		let s = document.getElementById(id);
		if (!s) {
			s = document.createElement("style");
			s.id = id;
			(document.head || document.documentElement).appendChild(s);
		}
		s.textContent = css;
	}`, id, css)
	return mapErr(err)
}

func (p *Page) RemoveStyle(ctx context.Context, id string) error {
	_, err := p.page.Context(ctx).Eval(`(id) => {
		const s = document.getElementById(id);
		if (s) s.remove();
	}`, id)
	return mapErr(err)
}

func (p *Page) Observe(ctx context.Context, scope string, f dom.Filter, sink func([]dom.Record)) (dom.Observation, error) {
	id := p.seq.Add(1)
	p.mu.Lock()
	p.mutSinks[id] = sink
	p.mu.Unlock()

	res, err := p.page.Context(ctx).Eval(`(id, scope, filter) => window.__ytenhancer.observe(id, scope, filter)`, id, scope, f)
	if err != nil || !res.Value.Bool() {
		p.mu.Lock()
		delete(p.mutSinks, id)
		p.mu.Unlock()
		if err != nil {
			return nil, mapErr(err)
		}
		return nil, dom.ErrNoScope
	}
	return p.handle(func() {
		delete(p.mutSinks, id)
	}, `(id) => window.__ytenhancer && window.__ytenhancer.disconnect(id)`, id), nil
}

func (p *Page) OnScroll(ctx context.Context, fn func()) (dom.Observation, error) {
	id := p.seq.Add(1)
	p.mu.Lock()
	p.scrolls[id] = fn
	p.mu.Unlock()
	if _, err := p.page.Context(ctx).Eval(`(id) => window.__ytenhancer.onScroll(id)`, id); err != nil {
		p.mu.Lock()
		delete(p.scrolls, id)
		p.mu.Unlock()
		return nil, mapErr(err)
	}
	return p.handle(func() {
		delete(p.scrolls, id)
	}, `(id) => window.__ytenhancer && window.__ytenhancer.offScroll(id)`, id), nil
}

func (p *Page) OnNavigate(ctx context.Context, fn func(dom.Navigation)) (dom.Observation, error) {
	id := p.seq.Add(1)
	p.mu.Lock()
	p.navs[id] = fn
	p.mu.Unlock()
	if _, err := p.page.Context(ctx).Eval(`(id) => window.__ytenhancer.onNavigate(id)`, id); err != nil {
		p.mu.Lock()
		delete(p.navs, id)
		p.mu.Unlock()
		return nil, mapErr(err)
	}
	return p.handle(func() {
		delete(p.navs, id)
	}, `(id) => window.__ytenhancer && window.__ytenhancer.offNavigate(id)`, id), nil
}

// observation detaches a registration. Close is idempotent; the in-page side
// is torn down best effort because the document may already be gone.
type observation struct {
	once  sync.Once
	close func() error
}

func (o *observation) Close() error {
	var err error
	o.once.Do(func() { err = o.close() })
	return err
}

func (p *Page) handle(unregister func(), js string, id int64) dom.Observation {
	return &observation{close: func() error {
		p.mu.Lock()
		unregister()
		p.mu.Unlock()
		if p.ctx.Err() != nil {
			return nil
		}
		_, err := p.page.Context(p.ctx).Eval(js, id)
		if err != nil && !errors.Is(mapErr(err), dom.ErrDetached) {
			return err
		}
		return nil
	}}
}

// mapErr turns CDP "object/context gone" failures into dom.ErrDetached.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, s := range []string{
		"Could not find node with given id",
		"Could not find object with given id",
		"Cannot find context with specified id",
		"Execution context was destroyed",
		"Node is detached from document",
	} {
		if strings.Contains(msg, s) {
			return fmt.Errorf("%w: %v", dom.ErrDetached, err)
		}
	}
	return err
}
