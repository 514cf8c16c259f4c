package config

import (
	"reflect"
	"sort"
	"strings"

	logx "ytenhancer/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the module ids whose overrides
// changed (enable/config).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Browser, newCfg.Browser) {
		changed = append(changed, "browser")
		attrs = append(attrs,
			logx.Bool("browser.remote", strings.TrimSpace(newCfg.Browser.RemoteURL) != ""),
			logx.Bool("browser.headless", newCfg.Browser.Headless),
			logx.String("browser.start_url", newCfg.Browser.StartURL),
			logx.String("browser.recycle_schedule", newCfg.Browser.RecycleSchedule),
		)
	}

	if oldCfg.Settings != newCfg.Settings {
		changed = append(changed, "settings")
		attrs = append(attrs,
			logx.Bool("settings.enabled", newCfg.Settings.Enabled),
			logx.String("settings.addr", newCfg.Settings.Addr),
		)
	}

	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	moduleChanged := diffModules(oldCfg.Modules, newCfg.Modules)
	if len(moduleChanged) > 0 {
		changed = append(changed, "modules")
		attrs = append(attrs, logx.Int("modules.changed_count", len(moduleChanged)))
	}

	sort.Strings(changed)
	return changed, attrs, moduleChanged
}

func diffModules(oldM, newM map[string]ModuleConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o := oldM[id]
		n := newM[id]
		if !sameBoolPtr(o.Enabled, n.Enabled) {
			out = append(out, id)
			continue
		}
		if canonicalHashJSON(o.Config) != canonicalHashJSON(n.Config) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func sameBoolPtr(a, b *bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
