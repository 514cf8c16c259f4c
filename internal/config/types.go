package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Browser  BrowserConfig  `json:"browser"`
	Settings SettingsConfig `json:"settings"`

	Storage *StorageConfig `json:"storage,omitempty"`

	// Modules holds operator overrides keyed by module id.
	// Anything omitted falls back to persisted state, then module defaults.
	Modules map[string]ModuleConfigRaw `json:"modules,omitempty"`
}

// BrowserConfig controls the tab the engine drives.
//
// Either RemoteURL (an already running Chrome exposing CDP) or a local launch
// via Bin/Headless is used. Durations are Go duration strings.
type BrowserConfig struct {
	RemoteURL string `json:"remote_url,omitempty"`
	Bin       string `json:"bin,omitempty"`
	Headless  bool   `json:"headless"`
	Stealth   bool   `json:"stealth"`

	// StartURL must be https and on one of AllowedHosts.
	StartURL     string   `json:"start_url"`
	AllowedHosts []string `json:"allowed_hosts,omitempty"`

	// RecycleSchedule is a cron spec (e.g. "@every 6h", "0 4 * * *").
	// Empty disables recycling.
	RecycleSchedule string `json:"recycle_schedule,omitempty"`
	NavigateTimeout string `json:"navigate_timeout,omitempty"`

	// ResourceBlocking lists resource types the tab refuses to load
	// (images, fonts, media, stylesheets).
	ResourceBlocking []string `json:"resource_blocking,omitempty"`
}

// SettingsConfig controls the HTTP settings surface.
type SettingsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8790"
	// Visible is the initial panel state; the toggle command flips it.
	Visible bool `json:"visible,omitempty"`
}

// StorageConfig controls where module state is persisted.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./ytenhancer.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ModuleConfigRaw is an operator override for one module.
// Enabled is a pointer so "omitted" keeps the persisted toggle.
type ModuleConfigRaw struct {
	Enabled *bool           `json:"enabled,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in module overrides
// are caught at load time instead of being silently ignored.
func (p *ModuleConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled *bool           `json:"enabled,omitempty"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = ModuleConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
