package app

import (
	"fmt"
	"strings"
	"time"

	"plugd/internal/config"
	"plugd/internal/health"
	"plugd/internal/task/scheduler"
	"plugd/internal/watchdog"
	logx "plugd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
}

// runtimeTimeouts returns the manager's call timeout and restart settle delay.
func runtimeTimeouts(cfg *config.Config) (call, settle time.Duration, err error) {
	if cfg == nil {
		return 0, 0, nil
	}
	if call, err = config.ParseDurationField("runtime.call_timeout", cfg.Runtime.CallTimeout); err != nil {
		return 0, 0, err
	}
	if settle, err = config.ParseDurationField("runtime.restart_settle", cfg.Runtime.RestartSettle); err != nil {
		return 0, 0, err
	}
	return call, settle, nil
}

// mapHealthConfig converts the health section; zero values take monitor defaults.
func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	if cfg == nil {
		return health.Config{}, nil
	}
	h := cfg.Health
	out := health.Config{
		Workers:       h.Workers,
		CPUWarning:    h.CPUWarning,
		CPUCritical:   h.CPUCritical,
		MemWarningMB:  h.MemWarningMB,
		MemCriticalMB: h.MemCriticalMB,
	}
	var err error
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"health.cache_ttl", h.CacheTTL, &out.CacheTTL},
		{"health.probe_timeout", h.ProbeTimeout, &out.ProbeTimeout},
		{"health.slow_warning", h.SlowWarning, &out.SlowWarning},
		{"health.slow_critical", h.SlowCritical, &out.SlowCritical},
	} {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return health.Config{}, err
		}
	}
	if out.Workers < 0 {
		return health.Config{}, fmt.Errorf("health.workers must be >= 0")
	}
	if out.SlowWarning > 0 && out.SlowCritical > 0 && out.SlowCritical < out.SlowWarning {
		return health.Config{}, fmt.Errorf("health.slow_critical must be >= health.slow_warning")
	}
	if out.CPUWarning > 0 && out.CPUCritical > 0 && out.CPUCritical < out.CPUWarning {
		return health.Config{}, fmt.Errorf("health.cpu_critical must be >= health.cpu_warning")
	}
	if out.MemWarningMB > 0 && out.MemCriticalMB > 0 && out.MemCriticalMB < out.MemWarningMB {
		return health.Config{}, fmt.Errorf("health.mem_critical_mb must be >= health.mem_warning_mb")
	}
	return out, nil
}

func mapWatchdogConfig(cfg *config.Config) (watchdog.Config, error) {
	if cfg == nil {
		return watchdog.Config{}, nil
	}
	w := cfg.Watchdog
	out := watchdog.Config{MaxExhausted: w.MaxExhausted}
	var err error
	if out.Interval, err = config.ParseDurationField("watchdog.interval", w.Interval); err != nil {
		return watchdog.Config{}, err
	}
	if out.CooldownBase, err = config.ParseDurationField("watchdog.cooldown_base", w.CooldownBase); err != nil {
		return watchdog.Config{}, err
	}
	if out.CooldownMax, err = config.ParseDurationField("watchdog.cooldown_max", w.CooldownMax); err != nil {
		return watchdog.Config{}, err
	}
	if out.MaxExhausted < 0 {
		return watchdog.Config{}, fmt.Errorf("watchdog.max_exhausted must be >= 0")
	}
	return out, nil
}

// mapMaintenance converts the maintenance section and checks its schedules.
func mapMaintenance(cfg *config.Config) (scheduler.Config, scheduler.Maintenance, error) {
	if cfg == nil {
		return scheduler.Config{Enabled: true}, scheduler.Maintenance{}, nil
	}
	mc := cfg.Maintenance
	sc := scheduler.Config{Enabled: cfg.MaintenanceEnabled(), Timezone: strings.TrimSpace(mc.Timezone)}
	if sc.Timezone != "" {
		if _, err := time.LoadLocation(sc.Timezone); err != nil {
			return scheduler.Config{}, scheduler.Maintenance{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", sc.Timezone, err)
		}
	}
	retention, err := config.ParseDurationField("maintenance.log_retention", mc.LogRetention)
	if err != nil {
		return scheduler.Config{}, scheduler.Maintenance{}, err
	}
	m := scheduler.Maintenance{
		LogRetention:  retention,
		PruneSchedule: strings.TrimSpace(mc.PruneSchedule),
		CacheSweep:    strings.TrimSpace(mc.CacheSweep),
	}
	for path, raw := range map[string]string{
		"maintenance.prune_schedule": m.PruneSchedule,
		"maintenance.cache_sweep":    m.CacheSweep,
	} {
		if raw == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			return scheduler.Config{}, scheduler.Maintenance{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	return sc, m, nil
}
