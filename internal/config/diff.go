package config

import (
	"reflect"
	"sort"
	"strings"

	logx "plugd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens or DSNs),
// and (3) the ids of plugins whose block changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	var oDriver, nDriver string
	var oDSN, nDSN bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver) + "|" + strings.TrimSpace(oldCfg.Storage.Path) + "|" + oldCfg.Storage.BusyTimeout
		oDSN = oldCfg.Storage.DSN != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver) + "|" + strings.TrimSpace(newCfg.Storage.Path) + "|" + newCfg.Storage.BusyTimeout
		nDSN = newCfg.Storage.DSN != ""
	}
	if oDriver != nDriver || oDSN != nDSN {
		changed = append(changed, "storage")
		d := ""
		if newCfg.Storage != nil {
			d = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", d), logx.Bool("storage.dsn_set", nDSN))
	}

	if oldCfg.Runtime != newCfg.Runtime {
		changed = append(changed, "runtime")
		attrs = append(attrs,
			logx.String("runtime.call_timeout", newCfg.Runtime.CallTimeout),
			logx.String("runtime.restart_settle", newCfg.Runtime.RestartSettle),
		)
	}

	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.String("health.cache_ttl", newCfg.Health.CacheTTL),
			logx.String("health.probe_timeout", newCfg.Health.ProbeTimeout),
			logx.Int("health.workers", newCfg.Health.Workers),
		)
	}

	if oldCfg.WatchdogEnabled() != newCfg.WatchdogEnabled() ||
		oldCfg.Watchdog.Interval != newCfg.Watchdog.Interval ||
		oldCfg.Watchdog.CooldownBase != newCfg.Watchdog.CooldownBase ||
		oldCfg.Watchdog.CooldownMax != newCfg.Watchdog.CooldownMax ||
		oldCfg.Watchdog.MaxExhausted != newCfg.Watchdog.MaxExhausted {
		changed = append(changed, "watchdog")
		attrs = append(attrs,
			logx.Bool("watchdog.enabled", newCfg.WatchdogEnabled()),
			logx.String("watchdog.interval", newCfg.Watchdog.Interval),
			logx.Int("watchdog.max_exhausted", newCfg.Watchdog.MaxExhausted),
		)
	}

	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if (oldN == nil) != (newN == nil) || (oldN != nil && !reflect.DeepEqual(*oldN, *newN)) {
		changed = append(changed, "notifier")
		if newN != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", newN.Enabled),
				logx.Int("notifier.workers", newN.Workers),
				logx.Int("notifier.rate_per_sec", newN.RatePerSec),
				logx.Bool("notifier.webhook_set", newN.Webhook != nil && newN.Webhook.URL != ""),
				logx.Bool("notifier.telegram_set", newN.Telegram != nil && newN.Telegram.Token != ""),
			)
		}
	}

	if oldCfg.Admin.Enabled != newCfg.Admin.Enabled ||
		strings.TrimSpace(oldCfg.Admin.Addr) != strings.TrimSpace(newCfg.Admin.Addr) ||
		oldCfg.Admin.Token != newCfg.Admin.Token ||
		oldCfg.Admin.AllowInsecure != newCfg.Admin.AllowInsecure ||
		oldCfg.Admin.Pprof != newCfg.Admin.Pprof {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.log_retention", newCfg.Maintenance.LogRetention),
			logx.String("maintenance.prune_schedule", newCfg.Maintenance.PruneSchedule),
			logx.Bool("maintenance.enabled", newCfg.MaintenanceEnabled()),
		)
	}

	pluginChanged := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(pluginChanged) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.changed_count", len(pluginChanged)),
			logx.Int("plugins.enabled_count", countEnabled(newCfg.Plugins)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pluginChanged
}

func countEnabled(m map[string]PluginConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK || o.Enabled != n.Enabled || o.Module != n.Module || o.Name != n.Name {
			out = append(out, id)
			continue
		}
		if hashValue(o.Config) != hashValue(n.Config) || hashValue(o.Hooks) != hashValue(n.Hooks) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
