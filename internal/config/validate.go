package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// DefaultAllowedHosts are the hosts the engine is willing to automate.
var DefaultAllowedHosts = []string{"youtube.com", "www.youtube.com", "m.youtube.com"}

const (
	DefaultStartURL     = "https://www.youtube.com/"
	DefaultSettingsAddr = "127.0.0.1:8790"
)

// ApplyDefaults fills zero values in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Browser.StartURL) == "" {
		cfg.Browser.StartURL = DefaultStartURL
	}
	if len(cfg.Browser.AllowedHosts) == 0 {
		cfg.Browser.AllowedHosts = append([]string(nil), DefaultAllowedHosts...)
	}
	if cfg.Settings.Enabled && strings.TrimSpace(cfg.Settings.Addr) == "" {
		cfg.Settings.Addr = DefaultSettingsAddr
	}
}

// Validate rejects configs the engine cannot run with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := CheckPageURL(cfg.Browser.StartURL, cfg.Browser.AllowedHosts); err != nil {
		return fmt.Errorf("browser.start_url: %w", err)
	}
	if _, err := ParseDurationField("browser.navigate_timeout", cfg.Browser.NavigateTimeout); err != nil {
		return err
	}
	if spec := strings.TrimSpace(cfg.Browser.RecycleSchedule); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("browser.recycle_schedule: %w", err)
		}
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "memory", "mem", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if cfg.Settings.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Settings.Addr); err != nil {
			return fmt.Errorf("settings.addr: %w", err)
		}
	}
	return nil
}

// CheckPageURL reports whether raw is an https URL on one of hosts.
func CheckPageURL(raw string, hosts []string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "https" {
		return fmt.Errorf("scheme must be https, got %q", u.Scheme)
	}
	if len(hosts) == 0 {
		hosts = DefaultAllowedHosts
	}
	h := strings.ToLower(u.Hostname())
	for _, allowed := range hosts {
		if h == strings.ToLower(strings.TrimSpace(allowed)) {
			return nil
		}
	}
	return fmt.Errorf("host %q is not allowed", h)
}
