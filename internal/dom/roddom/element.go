package roddom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"ytenhancer/internal/dom"
)

type Element struct {
	el *rod.Element

	tagOnce sync.Once
	tag     string
}

var _ dom.Element = (*Element)(nil)

func wrap(el *rod.Element) *Element { return &Element{el: el} }

// reply is the envelope every element call returns from the page.
type reply struct {
	Detached bool            `json:"d"`
	Value    json.RawMessage `json:"v"`
}

// call runs fn (a JS function source) with this bound to the element and
// decodes its JSON-safe return value into out (if non-nil).
func (e *Element) call(ctx context.Context, out any, fn string, args ...any) error {
	js := `function(...a) {
		if (!this.isConnected) return JSON.stringify({d: true});
		const v = (` + fn + `).apply(this, a);
		return JSON.stringify({d: false, v: v === undefined ? null : v});
	}`
	res, err := e.el.Context(ctx).Eval(js, args...)
	if err != nil {
		return mapErr(err)
	}
	var r reply
	if err := json.Unmarshal([]byte(res.Value.Str()), &r); err != nil {
		return fmt.Errorf("roddom: decode reply: %w", err)
	}
	if r.Detached {
		return dom.ErrDetached
	}
	if out != nil && len(r.Value) > 0 {
		if err := json.Unmarshal(r.Value, out); err != nil {
			return fmt.Errorf("roddom: decode value: %w", err)
		}
	}
	return nil
}

// object runs fn and returns the element it yields, if any.
func (e *Element) object(ctx context.Context, fn string, args ...any) (dom.Element, bool, error) {
	obj, err := e.el.Context(ctx).Evaluate(rod.Eval(`function(...a) {
		if (!this.isConnected) throw new Error("Node is detached from document");
		return (`+fn+`).apply(this, a);
	}`, args...).ByObject())
	if err != nil {
		return nil, false, mapErr(err)
	}
	if obj.ObjectID == "" || obj.Subtype == proto.RuntimeRemoteObjectSubtypeNull {
		return nil, false, nil
	}
	el, err := e.el.Page().Context(ctx).ElementFromObject(obj)
	if err != nil {
		return nil, false, mapErr(err)
	}
	return wrap(el), true, nil
}

func (e *Element) Tag() string {
	e.tagOnce.Do(func() {
		var tag string
		if err := e.call(context.Background(), &tag, `function() { return this.tagName; }`); err == nil {
			e.tag = tag
		}
	})
	return e.tag
}

func (e *Element) Attr(ctx context.Context, name string) (string, bool, error) {
	var v *string
	if err := e.call(ctx, &v, `function(n) { return this.getAttribute(n); }`, name); err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e *Element) SetAttr(ctx context.Context, name, val string) error {
	return e.call(ctx, nil, `function(n, v) { this.setAttribute(n, v); }`, name, val)
}

func (e *Element) RemoveAttr(ctx context.Context, name string) error {
	return e.call(ctx, nil, `function(n) { this.removeAttribute(n); }`, name)
}

func (e *Element) AddClass(ctx context.Context, class string) error {
	return e.call(ctx, nil, `function(c) { this.classList.add(c); }`, class)
}

func (e *Element) RemoveClass(ctx context.Context, class string) error {
	return e.call(ctx, nil, `function(c) { this.classList.remove(c); }`, class)
}

func (e *Element) SetClassName(ctx context.Context, v string) error {
	return e.call(ctx, nil, `function(v) { this.className = v; }`, v)
}

func (e *Element) InlineStyle(ctx context.Context, prop string) (string, error) {
	var v string
	err := e.call(ctx, &v, `function(p) { return this.style.getPropertyValue(p); }`, prop)
	return v, err
}

func (e *Element) Query(ctx context.Context, sel string) (dom.Element, bool, error) {
	return e.object(ctx, `function(s) { return this.querySelector(s); }`, sel)
}

func (e *Element) Closest(ctx context.Context, sel string) (dom.Element, bool, error) {
	return e.object(ctx, `function(s) { return this.closest(s); }`, sel)
}

func (e *Element) Parent(ctx context.Context) (dom.Element, bool, error) {
	return e.object(ctx, `function() { return this.parentElement; }`)
}

func (e *Element) Remove(ctx context.Context) error {
	err := e.call(ctx, nil, `function() { this.remove(); }`)
	if errors.Is(err, dom.ErrDetached) {
		return nil
	}
	return err
}

func (e *Element) Rendered(ctx context.Context) (bool, error) {
	var ok bool
	err := e.call(ctx, &ok, `function() {
		if (!(this.offsetWidth || this.offsetHeight || this.getClientRects().length)) return false;
		const s = getComputedStyle(this);
		return s.visibility !== "hidden" && s.display !== "none";
	}`)
	return ok, err
}

func (e *Element) Rect(ctx context.Context) (dom.Rect, error) {
	var r struct{ Top, Left, Bottom, Right float64 }
	err := e.call(ctx, &r, `function() {
		const r = this.getBoundingClientRect();
		return {Top: r.top, Left: r.left, Bottom: r.bottom, Right: r.right};
	}`)
	return dom.Rect{Top: r.Top, Left: r.Left, Bottom: r.Bottom, Right: r.Right}, err
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	return e.call(ctx, nil, `function() { this.scrollIntoView({block: "center", inline: "nearest"}); }`)
}

// Click dispatches a DOM click. Pointer-level input would be blocked by the
// overlays the ad module is there to remove.
func (e *Element) Click(ctx context.Context) error {
	return e.call(ctx, nil, `function() { this.click(); }`)
}

func (e *Element) Touch(ctx context.Context, t dom.Touch) error {
	return e.call(ctx, nil, `function(t) {
		const touch = new Touch({
			identifier: t.Identifier, target: this,
			clientX: t.ClientX, clientY: t.ClientY,
			radiusX: t.RadiusX, radiusY: t.RadiusY,
			rotationAngle: t.RotationAngle, force: t.Force,
		});
		const init = {bubbles: true, cancelable: true, view: window, touches: [touch], targetTouches: [touch], changedTouches: [touch]};
		this.dispatchEvent(new TouchEvent("touchstart", init));
		this.dispatchEvent(new TouchEvent("touchend", Object.assign({}, init, {touches: [], targetTouches: []})));
	}`, t)
}

func (e *Element) Value(ctx context.Context) (string, error) {
	var v string
	err := e.call(ctx, &v, `function() { return String(this.value ?? ""); }`)
	return v, err
}

func (e *Element) SetValue(ctx context.Context, v string) error {
	return e.call(ctx, nil, `function(v) { this.value = v; }`, v)
}

func (e *Element) Media(ctx context.Context) (dom.MediaState, error) {
	var st dom.MediaState
	err := e.call(ctx, &st, `function() {
		const d = this.duration;
		return {Paused: this.paused, CurrentTime: this.currentTime, Duration: isFinite(d) ? d : 0, Muted: this.muted};
	}`)
	return st, err
}

func (e *Element) Play(ctx context.Context) error {
	return e.call(ctx, nil, `function() {
		const p = this.play();
		if (p && p.catch) p.catch(() => {});
	}`)
}

func (e *Element) Seek(ctx context.Context, t float64) error {
	return e.call(ctx, nil, `function(t) { this.currentTime = t; }`, t)
}

func (e *Element) SetMuted(ctx context.Context, muted bool) error {
	return e.call(ctx, nil, `function(m) { this.muted = m; }`, muted)
}
