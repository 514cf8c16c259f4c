package settings

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"

	"ytenhancer/internal/dom/domtest"
	"ytenhancer/internal/module"
	"ytenhancer/internal/modules/adskip"
	"ytenhancer/internal/modules/downloader"
	"ytenhancer/internal/registry"
	"ytenhancer/internal/storage"
	logx "ytenhancer/pkg/logx"
)

func newServer(t *testing.T, visible bool) (*Server, *registry.Registry) {
	t.Helper()
	ctx := context.Background()
	page := domtest.NewPage("https://www.youtube.com/watch?v=abc")
	reg := registry.New(page, registry.WithStore(storage.NewMemory()), registry.WithClock(clockwork.NewFakeClock()))
	t.Cleanup(func() { reg.Close(context.Background()) })
	for _, m := range []module.Module{adskip.New(), downloader.New()} {
		if err := reg.Register(ctx, m); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return New(reg, visible, logx.Nop()), reg
}

func do(t *testing.T, h http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
}

func TestPanelToggle(t *testing.T) {
	t.Parallel()

	s, _ := newServer(t, false)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), ">show<") || strings.Contains(rec.Body.String(), "AdBlock") {
		t.Fatalf("hidden panel: %d %s", rec.Code, rec.Body.String())
	}

	if rec := do(t, h, http.MethodPost, "/toggle", nil, ""); rec.Code != http.StatusSeeOther {
		t.Fatalf("toggle code=%d", rec.Code)
	}
	body := do(t, h, http.MethodGet, "/", nil, "").Body.String()
	for _, want := range []string{"AdBlock", "Direct Downloader", `name="cfg.skipThreshold"`, `type="number"`, `type="checkbox"`, "download current video"} {
		if !strings.Contains(body, want) {
			t.Fatalf("panel missing %q", want)
		}
	}
	if s.Toggle() {
		t.Fatal("second toggle should hide")
	}
}

func TestEnabledForm(t *testing.T) {
	t.Parallel()

	s, reg := newServer(t, true)
	rec := postForm(t, s.Handler(), "/modules/adblock/enabled", url.Values{})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body.String())
	}
	if st, _ := reg.Status(adskip.ID); st.Enabled || st.Running {
		t.Fatalf("status=%+v", st)
	}
	rec = postForm(t, s.Handler(), "/modules/adblock/enabled", url.Values{"enabled": {"on"}})
	if st, _ := reg.Status(adskip.ID); rec.Code != http.StatusSeeOther || !st.Running {
		t.Fatalf("code=%d status=%+v", rec.Code, st)
	}
	if rec := postForm(t, s.Handler(), "/modules/nope/enabled", url.Values{}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown module code=%d", rec.Code)
	}
}

func TestConfigForm(t *testing.T) {
	t.Parallel()

	s, reg := newServer(t, true)
	rec := postForm(t, s.Handler(), "/modules/adblock/config", url.Values{
		"cfg.skipThreshold":    {"0.9"},
		"cfg.resumeWindow":     {"1"},
		"cfg.mutationThrottle": {"150"},
		"cfg.backdropZIndex":   {"2201"},
		"cfg.hideCosmetic":     {"on"},
	})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body.String())
	}
	st, _ := reg.Status(adskip.ID)
	if st.Config["skipThreshold"] != 0.9 || st.Config["muteAds"] != false || st.Config["hideCosmetic"] != true {
		t.Fatalf("config=%v", st.Config)
	}

	rec = postForm(t, s.Handler(), "/modules/adblock/config", url.Values{"cfg.skipThreshold": {"soon"}})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "not a number") {
		t.Fatalf("code=%d", rec.Code)
	}
	rec = postForm(t, s.Handler(), "/modules/adblock/config", url.Values{"cfg.skipThreshold": {"-1"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid value code=%d", rec.Code)
	}
}

func TestJSONAPI(t *testing.T) {
	t.Parallel()

	s, _ := newServer(t, false)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/modules", nil, "")
	var list []registry.Status
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil || len(list) != 2 {
		t.Fatalf("list=%v err=%v", list, err)
	}

	rec = do(t, h, http.MethodPut, "/api/modules/adblock", strings.NewReader(`{"enabled":false,"config":{"skipThreshold":1.5}}`), "application/json")
	var st registry.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("code=%d err=%v", rec.Code, err)
	}
	if st.Enabled || st.Config["skipThreshold"] != 1.5 {
		t.Fatalf("status=%+v", st)
	}

	if rec := do(t, h, http.MethodPut, "/api/modules/nope", strings.NewReader(`{"enabled":true}`), "application/json"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown code=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/api/modules/adblock", strings.NewReader(`{"enable":true}`), "application/json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("typo code=%d", rec.Code)
	}
}

func TestDownloadSanitizesLink(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		reply   string
		want    string
		notWant string
	}{
		{"https link", `{"url":"https://dl.example/v.mp4"}`, `href="https://dl.example/v.mp4"`, ""},
		{"script link", `{"url":"javascript:alert(1)"}`, downloader.StatusStarting, "javascript:"},
		{"no url", `{"status":"error"}`, downloader.StatusNoURL, "Open download"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.reply))
			}))
			defer api.Close()

			s, reg := newServer(t, true)
			if err := reg.UpdateConfig(context.Background(), downloader.ID, module.Config{"endpoint": api.URL}); err != nil {
				t.Fatalf("configure: %v", err)
			}
			rec := do(t, s.Handler(), http.MethodPost, "/modules/direct-downloader/download", nil, "")
			body := rec.Body.String()
			if rec.Code != http.StatusOK || !strings.Contains(body, tc.want) {
				t.Fatalf("code=%d body=%s", rec.Code, body)
			}
			if tc.notWant != "" && strings.Contains(body, tc.notWant) {
				t.Fatalf("body contains %q", tc.notWant)
			}
		})
	}
}

func TestDownloadRequiresRunningModule(t *testing.T) {
	t.Parallel()

	s, reg := newServer(t, true)
	if err := reg.SetEnabled(context.Background(), downloader.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if rec := do(t, s.Handler(), http.MethodPost, "/modules/direct-downloader/download", nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestConfigFromForm(t *testing.T) {
	t.Parallel()

	def := module.Config{"on": true, "n": float64(3), "s": "x"}
	got, err := configFromForm(def, url.Values{"cfg.n": {"7"}, "cfg.s": {"y"}})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got["on"] != false || got["n"] != float64(7) || got["s"] != "y" {
		t.Fatalf("got=%v", got)
	}
}
