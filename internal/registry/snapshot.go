package registry

import (
	"time"

	"ytenhancer/internal/module"
)

// Status is one module's row on the settings surface.
type Status struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Description     string        `json:"description,omitempty"`
	Enabled         bool          `json:"enabled"`
	Running         bool          `json:"running"`
	Instance        string        `json:"instance,omitempty"`
	StartedAt       time.Time     `json:"started_at,omitempty"`
	Starts          int           `json:"starts"`
	LastError       string        `json:"last_error,omitempty"`
	NavigationAware bool          `json:"navigation_aware,omitempty"`
	Config          module.Config `json:"config"`
	DefaultConfig   module.Config `json:"default_config"`
}

// Snapshot lists every module in registration order.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		st := Status{
			ID:            id,
			Name:          e.desc.Name,
			Description:   e.desc.Description,
			Enabled:       e.enabled,
			Running:       e.inst != nil,
			Starts:        e.starts,
			LastError:     e.lastErr,
			Config:        e.cfg.Clone(),
			DefaultConfig: e.desc.DefaultConfig.Clone(),
		}
		if e.inst != nil {
			st.Instance = e.inst.id
			st.StartedAt = e.inst.startedAt
		}
		if na, ok := e.mod.(module.NavigationAware); ok {
			st.NavigationAware = na.RestartOnNavigate()
		}
		out = append(out, st)
	}
	return out
}

// Status returns one module's row.
func (r *Registry) Status(id string) (Status, bool) {
	for _, st := range r.Snapshot() {
		if st.ID == id {
			return st, true
		}
	}
	return Status{}, false
}
