// Package downloader replaces the premium download flow with a request to an
// external conversion service.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ytenhancer/internal/convert"
	"ytenhancer/internal/dom"
	"ytenhancer/internal/module"
	"ytenhancer/internal/watch"
	logx "ytenhancer/pkg/logx"
)

const (
	ID = "direct-downloader"

	selDownloadButton   = "button[aria-label='Download']"
	selQualitySelector  = "ytd-download-quality-selector-renderer"
	selQualityContainer = "tp-yt-paper-dialog"

	disabledClass = "yt-spec-button-shape-next--disabled"
	enabledClass  = "yt-spec-button-shape-next--mono"
)

// Status texts shown on the settings surface.
const (
	StatusStarting    = "Starting download..."
	StatusNoURL       = "Error: No download URL found"
	StatusUnavailable = "Error: API service might be temporarily unavailable"
	StatusNetwork     = "Network error. Please check your connection"
	StatusNoVideo     = "Error: No video on this page"
)

type Config struct {
	VideoCodec string `json:"videoCodec"`
	Quality    string `json:"quality"`
	Mode       string `json:"mode"`
	AudioCodec string `json:"audioCodec"`
	Bitrate    string `json:"bitrate"`
	Dub        string `json:"dub"`
	Endpoint   string `json:"endpoint"`
}

func DefaultConfig() Config {
	return Config{
		VideoCodec: "h264",
		Quality:    "1080p",
		Mode:       "video",
		AudioCodec: "mp3",
		Bitrate:    "128",
		Endpoint:   convert.DefaultEndpoint,
	}
}

func (c Config) validate() error {
	switch c.Mode {
	case "video", "audio":
	default:
		return fmt.Errorf("mode must be video or audio, got %q", c.Mode)
	}
	switch c.VideoCodec {
	case "h264", "av1", "vp9":
	default:
		return fmt.Errorf("unsupported videoCodec %q", c.VideoCodec)
	}
	switch c.AudioCodec {
	case "mp3", "ogg", "opus", "wav", "best":
	default:
		return fmt.Errorf("unsupported audioCodec %q", c.AudioCodec)
	}
	return nil
}

// Request builds the conversion request for videoID.
func (c Config) Request(videoID string) convert.Request {
	r := convert.Request{
		URL:           "https://www.youtube.com/watch?v=" + videoID,
		FilenameStyle: "basic",
	}
	if c.Mode == "audio" {
		r.DownloadMode = "audio"
		r.AudioFormat = c.AudioCodec
		if c.AudioCodec != "wav" {
			r.AudioBitrate = strings.TrimSuffix(c.Bitrate, "kbps")
		}
		return r
	}
	r.DownloadMode = "auto"
	r.VideoQuality = strings.TrimSuffix(c.Quality, "p")
	r.YoutubeVideoCodec = c.VideoCodec
	r.YoutubeDubLang = c.Dub
	return r
}

// Outcome is what the surface shows after a download request.
type Outcome struct {
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

type Module struct {
	module.Base

	mu          sync.Mutex
	cfg         Config
	client      *convert.Client
	handle      *watch.Handle
	env         module.Env
	last        Outcome
	intercepted int
}

func New() *Module {
	cfg := DefaultConfig()
	return &Module{cfg: cfg, client: convert.NewClient(cfg.Endpoint)}
}

func (m *Module) Descriptor() module.Descriptor {
	return module.Descriptor{
		ID:             ID,
		Name:           "Direct Downloader",
		Description:    "Unlocks the Download button and fetches media through a conversion service.",
		DefaultEnabled: true,
		DefaultConfig:  module.MustEncode(DefaultConfig()),
	}
}

func (m *Module) Configure(cfg module.Config) error {
	c, err := module.Decode(cfg, DefaultConfig())
	if err != nil {
		return err
	}
	if err := c.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = c
	if m.client == nil || m.client.Endpoint != c.Endpoint {
		m.client = convert.NewClient(c.Endpoint)
	}
	m.mu.Unlock()
	return nil
}

// RestartOnNavigate is true: the Download button is re-rendered per video.
func (m *Module) RestartOnNavigate() bool { return true }

func (m *Module) Start(ctx context.Context, env module.Env) error {
	env = m.StartBase(ctx, env)
	onBatch := func(batch []dom.Record) { m.onMutation(ctx, env, batch) }
	h, err := watch.Observe(ctx, env.Page, env.Clock, watch.Subscription{
		Scope:   "body",
		Filter:  dom.Filter{ChildList: true, Subtree: true},
		OnBatch: onBatch,
	})
	if errors.Is(err, dom.ErrNoScope) {
		h, err = watch.Observe(ctx, env.Page, env.Clock, watch.Subscription{
			Filter:  dom.Filter{ChildList: true, Subtree: true},
			OnBatch: onBatch,
		})
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.handle = h
	m.env = env
	m.mu.Unlock()
	env.Runner.Go0("downloader.unlock", func(ctx context.Context) { m.unlock(ctx, env.Page) })
	return nil
}

func (m *Module) Stop(context.Context) error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.mu.Unlock()
	h.Unobserve()
	return nil
}

func (m *Module) onMutation(ctx context.Context, env module.Env, batch []dom.Record) {
	if ctx.Err() != nil || !dom.AnyAdded(batch) {
		return
	}
	if el, ok, err := env.Page.Query(ctx, selQualitySelector); err == nil && ok {
		target := el
		if c, ok, err := el.Closest(ctx, selQualityContainer); err == nil && ok {
			target = c
		}
		if err := target.Remove(ctx); err == nil {
			m.mu.Lock()
			m.intercepted++
			m.mu.Unlock()
			env.Log.Info("premium download dialog intercepted; use the settings panel to download")
		}
	}
	m.unlock(ctx, env.Page)
}

// unlock re-enables every Download button the host rendered disabled.
func (m *Module) unlock(ctx context.Context, page dom.Page) {
	btns, err := page.QueryAll(ctx, selDownloadButton)
	if err != nil {
		return
	}
	for _, b := range btns {
		_ = b.RemoveClass(ctx, disabledClass)
		_ = b.AddClass(ctx, enabledClass)
		_ = b.RemoveAttr(ctx, "disabled")
		_ = b.SetAttr(ctx, "aria-disabled", "false")
	}
}

// Download converts the video on the current page. Failures are reported in
// the returned status; nothing is retried.
func (m *Module) Download(ctx context.Context) Outcome {
	m.mu.Lock()
	cfg, client, env := m.cfg, m.client, m.env
	m.mu.Unlock()

	out := download(ctx, env, cfg, client)
	m.mu.Lock()
	m.last = out
	m.mu.Unlock()
	return out
}

func download(ctx context.Context, env module.Env, cfg Config, client *convert.Client) Outcome {
	if env.Page == nil {
		return Outcome{Status: StatusNoVideo}
	}
	loc, err := env.Page.Location(ctx)
	if err != nil || loc.Param("v") == "" {
		return Outcome{Status: StatusNoVideo}
	}
	res, err := client.Convert(ctx, cfg.Request(loc.Param("v")))
	var ne *convert.NetworkError
	switch {
	case err == nil:
		env.Log.Info("download ready", logx.String("video", loc.Param("v")), logx.String("mode", cfg.Mode))
		return Outcome{Status: StatusStarting, URL: res.URL}
	case errors.Is(err, convert.ErrNoURL):
		return Outcome{Status: StatusNoURL}
	case errors.As(err, &ne):
		env.Log.Warn("conversion request failed", logx.Err(err))
		return Outcome{Status: StatusNetwork}
	default:
		env.Log.Warn("conversion service response unreadable", logx.Err(err))
		return Outcome{Status: StatusUnavailable}
	}
}

// Last returns the most recent outcome.
func (m *Module) Last() Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Module) Intercepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intercepted
}
