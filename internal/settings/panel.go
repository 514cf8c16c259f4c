package settings

import (
	"html/template"
	"net/http"
	"sort"
	"strconv"

	"ytenhancer/internal/modules/downloader"
	"ytenhancer/internal/registry"
	logx "ytenhancer/pkg/logx"
)

type field struct {
	Key     string
	Kind    string // checkbox, number, text
	Value   string
	Checked bool
}

type row struct {
	registry.Status
	Fields      []field
	CanDownload bool
}

type panelData struct {
	Visible bool
	Error   string
	Notice  string
	Link    template.HTML
	Rows    []row
}

var panelTmpl = template.Must(template.New("panel").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>YouTube Enhancer</title>
<style>
body{font-family:system-ui,sans-serif;background:#0f0f0f;color:#f1f1f1;margin:2rem}
.module{border:1px solid #333;border-radius:8px;padding:1rem;margin:0 0 1rem}
.module h2{font-size:1rem;margin:0 0 .5rem}
.err{color:#ff6b6b}.note{color:#8bd17c}.muted{color:#aaa;font-size:.85rem}
label{display:block;margin:.25rem 0}input[type=number],input[type=text]{width:10rem}
</style></head><body>
{{if not .Visible}}
<form method="post" action="/toggle"><button type="submit">show</button></form>
{{else}}
<form method="post" action="/toggle"><button type="submit">hide</button></form>
<h1>YouTube Enhancer</h1>
{{with .Error}}<p class="err">{{.}}</p>{{end}}
{{with .Notice}}<p class="note">{{.}}</p>{{end}}
{{with .Link}}<p>{{.}}</p>{{end}}
{{range .Rows}}
<div class="module" id="{{.ID}}">
<h2>{{.Name}}</h2>
{{with .Description}}<p class="muted">{{.}}</p>{{end}}
<form method="post" action="/modules/{{.ID}}/enabled">
<label><input type="checkbox" name="enabled" value="on"{{if .Enabled}} checked{{end}} onchange="this.form.submit()"> enabled</label>
<noscript><button type="submit">apply</button></noscript>
</form>
{{if .Running}}<p class="muted">running, instance {{.Instance}}</p>{{else if .LastError}}<p class="err">{{.LastError}}</p>{{end}}
{{if .Fields}}
<form method="post" action="/modules/{{.ID}}/config">
{{range .Fields}}
{{if eq .Kind "checkbox"}}<label><input type="checkbox" name="cfg.{{.Key}}" value="on"{{if .Checked}} checked{{end}}> {{.Key}}</label>
{{else}}<label>{{.Key}} <input type="{{.Kind}}" name="cfg.{{.Key}}" value="{{.Value}}"{{if eq .Kind "number"}} step="any"{{end}}></label>
{{end}}{{end}}
<button type="submit">save</button>
</form>
{{end}}
{{if .CanDownload}}<form method="post" action="/modules/{{.ID}}/download"><button type="submit">download current video</button></form>{{end}}
</div>
{{end}}
{{end}}
</body></html>`))

func (s *Server) renderPanel(w http.ResponseWriter, code int, errText string) {
	s.mu.Lock()
	data := panelData{Visible: s.Visible(), Error: errText, Notice: s.notice, Link: s.link}
	s.mu.Unlock()
	if data.Visible {
		for _, st := range s.mods.Snapshot() {
			data.Rows = append(data.Rows, row{
				Status:      st,
				Fields:      fields(st),
				CanDownload: st.ID == downloader.ID && st.Running,
			})
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := panelTmpl.Execute(w, data); err != nil {
		s.log.Warn("render settings panel failed", logx.Err(err))
	}
}

// fields lists the config inputs, typed by each option's default value.
func fields(st registry.Status) []field {
	keys := make([]string, 0, len(st.DefaultConfig))
	for k := range st.DefaultConfig {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]field, 0, len(keys))
	for _, k := range keys {
		cur, ok := st.Config[k]
		if !ok {
			cur = st.DefaultConfig[k]
		}
		f := field{Key: k}
		switch def := st.DefaultConfig[k].(type) {
		case bool:
			f.Kind = "checkbox"
			f.Checked, _ = cur.(bool)
		case float64:
			f.Kind = "number"
			n, ok := cur.(float64)
			if !ok {
				n = def
			}
			f.Value = strconv.FormatFloat(n, 'f', -1, 64)
		default:
			f.Kind = "text"
			if s, ok := cur.(string); ok {
				f.Value = s
			}
		}
		out = append(out, f)
	}
	return out
}
