package app

import (
	"fmt"
	"strings"
	"time"

	"ytenhancer/internal/config"
	"ytenhancer/internal/dom/roddom"
	"ytenhancer/internal/storage"
	logx "ytenhancer/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig falls back to the in-memory store when no storage section
// is configured; toggles then last for one process.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func storageDriverName(sc storage.Config) string {
	if sc.Driver == "" {
		return "memory"
	}
	return sc.Driver
}

func mapBrowserConfig(cfg *config.Config) (roddom.BrowserConfig, error) {
	nav, err := config.ParseDurationOrDefault("browser.navigate_timeout", cfg.Browser.NavigateTimeout, 30*time.Second)
	if err != nil {
		return roddom.BrowserConfig{}, err
	}
	return roddom.BrowserConfig{
		RemoteURL:        strings.TrimSpace(cfg.Browser.RemoteURL),
		Bin:              strings.TrimSpace(cfg.Browser.Bin),
		Headless:         cfg.Browser.Headless,
		Stealth:          cfg.Browser.Stealth,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		NavigateTimeout:  nav,
	}, nil
}
