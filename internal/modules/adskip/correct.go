package adskip

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"ytenhancer/internal/dom"
)

const (
	selAdVideo        = ".ad-showing video"
	selVideo          = "video"
	selSkipControl    = ".ytp-ad-skip-button, .ytp-skip-ad-button, .ytp-ad-skip-button-modern"
	selAdIndicator    = ".video-ads.ytp-ad-module .ytp-ad-player-overlay, .ytp-ad-button-icon"
	selPremiumLink    = "ytd-popup-container a[href='/premium']"
	selPopupContainer = "ytd-popup-container"
	selBackdrop       = "tp-yt-iron-overlay-backdrop"
	selEnforcement    = ".ytd-popup-container > .ytd-popup-container > .ytd-enforcement-message-view-model"

	tagBackdrop = "TP-YT-IRON-OVERLAY-BACKDROP"
	mobileHost  = "m.youtube.com"
)

// Report counts what one correction pass changed.
type Report struct {
	Resumed          int
	Muted            int
	Clicked          int
	Touched          int
	FastForwarded    int
	PopupsRemoved    int
	BackdropsReset   int
	BackdropsRemoved int
}

// Acted reports whether the pass changed anything.
func (r Report) Acted() bool { return r != Report{} }

// Corrector applies the ad corrections to a page. Every step reads current
// page state and is safe to repeat; there is no in-flight guard.
type Corrector struct {
	Page  dom.Page
	Cfg   Config
	Clock clockwork.Clock
}

// Run performs one pass. batch carries the change records that triggered it
// and may be nil. Detached elements are skipped, not reported.
func (c *Corrector) Run(ctx context.Context, batch []dom.Record) (Report, error) {
	var r Report

	media, hasMedia, err := dom.First(ctx, c.Page, selAdVideo, selVideo)
	if err != nil {
		return r, fmt.Errorf("query media: %w", err)
	}
	var st dom.MediaState
	if hasMedia {
		if st, err = media.Media(ctx); err != nil {
			if !errors.Is(err, dom.ErrDetached) {
				return r, fmt.Errorf("media state: %w", err)
			}
			hasMedia = false
		}
	}

	if hasMedia && st.Paused && st.CurrentTime < c.Cfg.ResumeWindow {
		if err := ignoreDetached(media.Play(ctx)); err != nil {
			return r, fmt.Errorf("resume: %w", err)
		}
		r.Resumed++
	}

	if err := c.skip(ctx, media, hasMedia, st, &r); err != nil {
		return r, err
	}
	if err := c.clearPopups(ctx, &r); err != nil {
		return r, err
	}
	if dom.AnyAdded(batch) {
		if err := c.handleInserted(ctx, batch, media, hasMedia, &r); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (c *Corrector) skip(ctx context.Context, media dom.Element, hasMedia bool, st dom.MediaState, r *Report) error {
	skip, hasSkip, err := c.Page.Query(ctx, selSkipControl)
	if err != nil {
		return fmt.Errorf("query skip control: %w", err)
	}
	hasIndicator, err := dom.Exists(ctx, c.Page, selAdIndicator)
	if err != nil {
		return fmt.Errorf("query ad indicator: %w", err)
	}

	if (hasSkip || hasIndicator) && hasMedia && c.Cfg.MuteAds && !st.Muted {
		loc, err := c.Page.Location(ctx)
		if err != nil {
			return fmt.Errorf("location: %w", err)
		}
		if loc.Host() != mobileHost {
			if err := ignoreDetached(media.SetMuted(ctx, true)); err != nil {
				return fmt.Errorf("mute: %w", err)
			}
			r.Muted++
		}
	}

	switch {
	case hasSkip && hasMedia && st.CurrentTime > c.Cfg.SkipThreshold:
		return c.fastForward(ctx, media, st, r)
	case hasSkip:
		if err := skip.Click(ctx); err != nil {
			return ignoreDetached(err)
		}
		r.Clicked++
		if err := skip.Touch(ctx, c.touch()); err != nil {
			return ignoreDetached(err)
		}
		r.Touched++
	case hasIndicator && hasMedia:
		return c.fastForward(ctx, media, st, r)
	}
	return nil
}

func (c *Corrector) fastForward(ctx context.Context, media dom.Element, st dom.MediaState, r *Report) error {
	if st.Duration <= 0 {
		return nil
	}
	if err := ignoreDetached(media.Seek(ctx, st.Duration)); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	r.FastForwarded++
	return nil
}

func (c *Corrector) touch() dom.Touch {
	return dom.Touch{
		Identifier: c.Clock.Now().UnixMilli(),
		ClientX:    12,
		ClientY:    34,
		RadiusX:    56,
		RadiusY:    78,
		Force:      1,
	}
}

func (c *Corrector) clearPopups(ctx context.Context, r *Report) error {
	links, err := c.Page.QueryAll(ctx, selPremiumLink)
	if err != nil {
		return fmt.Errorf("query premium popups: %w", err)
	}
	for _, l := range links {
		box, ok, err := l.Closest(ctx, selPopupContainer)
		if err != nil || !ok {
			continue
		}
		if err := box.Remove(ctx); err == nil {
			r.PopupsRemoved++
		}
	}

	backdrops, err := c.Page.QueryAll(ctx, selBackdrop)
	if err != nil {
		return fmt.Errorf("query backdrops: %w", err)
	}
	for _, b := range backdrops {
		z, err := b.InlineStyle(ctx, "z-index")
		if err != nil || z != c.Cfg.BackdropZIndex {
			continue
		}
		_, opened, _ := b.Attr(ctx, "opened")
		cls, _, _ := b.Attr(ctx, "class")
		if err := b.SetClassName(ctx, ""); err != nil {
			continue
		}
		if err := b.RemoveAttr(ctx, "opened"); err != nil {
			continue
		}
		if opened || cls != "" {
			r.BackdropsReset++
		}
		break
	}
	return nil
}

func (c *Corrector) handleInserted(ctx context.Context, batch []dom.Record, media dom.Element, hasMedia bool, r *Report) error {
	resume := false

	popup, ok, err := c.Page.Query(ctx, selEnforcement)
	if err != nil {
		return fmt.Errorf("query enforcement dialog: %w", err)
	}
	if ok {
		if parent, ok, _ := popup.Parent(ctx); ok && parent.Remove(ctx) == nil {
			r.PopupsRemoved++
		}
		n, err := c.removeBackdrops(ctx)
		if err != nil {
			return err
		}
		r.BackdropsRemoved += n
		resume = true
	}

	if dom.HasAdded(batch, tagBackdrop) {
		n, err := c.removeBackdrops(ctx)
		if err != nil {
			return err
		}
		r.BackdropsRemoved += n
		resume = true
	}

	if resume && hasMedia {
		st, err := media.Media(ctx)
		if err != nil {
			return ignoreDetached(err)
		}
		if st.Paused {
			if err := ignoreDetached(media.Play(ctx)); err != nil {
				return fmt.Errorf("resume: %w", err)
			}
			r.Resumed++
		}
	}
	return nil
}

func (c *Corrector) removeBackdrops(ctx context.Context) (int, error) {
	all, err := c.Page.QueryAll(ctx, selBackdrop)
	if err != nil {
		return 0, fmt.Errorf("query backdrops: %w", err)
	}
	n := 0
	for _, b := range all {
		if b.Remove(ctx) == nil {
			n++
		}
	}
	return n, nil
}

func ignoreDetached(err error) error {
	if errors.Is(err, dom.ErrDetached) {
		return nil
	}
	return err
}
