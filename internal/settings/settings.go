// Package settings serves the control panel: module toggles, per-module
// options and the download action, as HTML for people and JSON for scripts.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/microcosm-cc/bluemonday"

	"ytenhancer/internal/module"
	"ytenhancer/internal/modules/downloader"
	"ytenhancer/internal/registry"
	logx "ytenhancer/pkg/logx"
)

// Modules is the registry surface the panel drives.
type Modules interface {
	Snapshot() []registry.Status
	Status(id string) (registry.Status, bool)
	SetEnabled(ctx context.Context, id string, on bool) error
	UpdateConfig(ctx context.Context, id string, cfg module.Config) error
	Module(id string) (module.Module, bool)
}

// Downloader is implemented by the direct downloader module.
type Downloader interface {
	Download(ctx context.Context) downloader.Outcome
}

type Server struct {
	mods    Modules
	log     logx.Logger
	policy  *bluemonday.Policy
	router  chi.Router
	visible atomic.Bool

	mu     sync.Mutex
	notice string
	link   template.HTML
}

func New(mods Modules, visible bool, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		mods:   mods,
		log:    log,
		policy: bluemonday.UGCPolicy().RequireNoFollowOnLinks(true).AddTargetBlankToFullyQualifiedLinks(true),
	}
	s.visible.Store(visible)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.handlePanel)
	r.Post("/toggle", s.handleToggle)
	r.Post("/modules/{id}/enabled", s.handleEnabled)
	r.Post("/modules/{id}/config", s.handleConfig)
	r.Post("/modules/"+downloader.ID+"/download", s.handleDownload)
	r.Route("/api", func(r chi.Router) {
		r.Get("/modules", s.handleAPIList)
		r.Put("/modules/{id}", s.handleAPIUpdate)
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Toggle flips panel visibility and returns the new state.
func (s *Server) Toggle() bool {
	for {
		v := s.visible.Load()
		if s.visible.CompareAndSwap(v, !v) {
			return !v
		}
	}
}

func (s *Server) Visible() bool { return s.visible.Load() }

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("settings panel listening", logx.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("settings request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) setNotice(text string, link template.HTML) {
	s.mu.Lock()
	s.notice, s.link = text, link
	s.mu.Unlock()
}

func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	s.renderPanel(w, http.StatusOK, "")
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	s.Toggle()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := r.ParseForm(); err != nil {
		s.renderPanel(w, http.StatusBadRequest, err.Error())
		return
	}
	on := r.PostForm.Get("enabled") != ""
	if err := s.mods.SetEnabled(r.Context(), id, on); err != nil {
		s.renderPanel(w, statusFor(err), err.Error())
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.mods.Status(id)
	if !ok {
		s.renderPanel(w, http.StatusNotFound, "unknown module "+id)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.renderPanel(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := configFromForm(st.DefaultConfig, r.PostForm)
	if err != nil {
		s.renderPanel(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.mods.UpdateConfig(r.Context(), id, cfg); err != nil {
		s.renderPanel(w, statusFor(err), err.Error())
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	st, ok := s.mods.Status(downloader.ID)
	if !ok || !st.Running {
		s.renderPanel(w, http.StatusConflict, "Direct Downloader is not running")
		return
	}
	m, _ := s.mods.Module(downloader.ID)
	d, ok := m.(Downloader)
	if !ok {
		s.renderPanel(w, http.StatusInternalServerError, "module cannot download")
		return
	}
	out := d.Download(r.Context())
	var link template.HTML
	if out.URL != "" {
		link = template.HTML(s.policy.Sanitize(fmt.Sprintf(`<a href="%s">Open download</a>`, template.HTMLEscapeString(out.URL))))
	}
	s.setNotice(s.policy.Sanitize(out.Status), link)
	s.renderPanel(w, http.StatusOK, "")
}

type apiUpdate struct {
	Enabled *bool         `json:"enabled,omitempty"`
	Config  module.Config `json:"config,omitempty"`
}

func (s *Server) handleAPIList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mods.Snapshot())
}

func (s *Server) handleAPIUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req apiUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Config != nil {
		if err := s.mods.UpdateConfig(r.Context(), id, req.Config); err != nil {
			writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
			return
		}
	}
	if req.Enabled != nil {
		if err := s.mods.SetEnabled(r.Context(), id, *req.Enabled); err != nil {
			writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
			return
		}
	}
	st, ok := s.mods.Status(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown module " + id})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func statusFor(err error) int {
	if errors.Is(err, registry.ErrUnknownModule) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// configFromForm types each submitted field by its default value. An
// unchecked checkbox is absent from the form and means false.
func configFromForm(def module.Config, form map[string][]string) (module.Config, error) {
	out := module.Config{}
	keys := make([]string, 0, len(def))
	for k := range def {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals, present := form["cfg."+k]
		v := ""
		if len(vals) > 0 {
			v = vals[len(vals)-1]
		}
		switch def[k].(type) {
		case bool:
			out[k] = present && v != ""
		case float64:
			if !present {
				continue
			}
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: not a number", k)
			}
			out[k] = n
		default:
			if present {
				out[k] = v
			}
		}
	}
	return out, nil
}
