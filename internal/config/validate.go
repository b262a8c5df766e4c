package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate performs static checks that do not need any runtime component.
// Every problem is reported, joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", cfg.Logging.Format))
	}

	dur("runtime.call_timeout", cfg.Runtime.CallTimeout)
	dur("runtime.restart_settle", cfg.Runtime.RestartSettle)
	dur("health.cache_ttl", cfg.Health.CacheTTL)
	dur("health.probe_timeout", cfg.Health.ProbeTimeout)
	dur("health.slow_warning", cfg.Health.SlowWarning)
	dur("health.slow_critical", cfg.Health.SlowCritical)
	dur("watchdog.interval", cfg.Watchdog.Interval)
	dur("watchdog.cooldown_base", cfg.Watchdog.CooldownBase)
	dur("watchdog.cooldown_max", cfg.Watchdog.CooldownMax)
	dur("maintenance.log_retention", cfg.Maintenance.LogRetention)

	if cfg.Health.Workers < 0 {
		errs = append(errs, fmt.Errorf("health.workers must be >= 0"))
	}
	if cfg.Watchdog.MaxExhausted < 0 {
		errs = append(errs, fmt.Errorf("watchdog.max_exhausted must be >= 0"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=sqlite"))
			}
			dur("storage.busy_timeout", s.BusyTimeout)
		case "mysql":
			if strings.TrimSpace(s.DSN) == "" {
				errs = append(errs, fmt.Errorf("storage.dsn is required when storage.driver=mysql"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown storage.driver: %s", s.Driver))
		}
	}

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
		if n.Webhook != nil {
			if strings.TrimSpace(n.Webhook.URL) == "" {
				errs = append(errs, fmt.Errorf("notifier.webhook.url is required"))
			}
			dur("notifier.webhook.timeout", n.Webhook.Timeout)
		}
		if n.Telegram != nil && (strings.TrimSpace(n.Telegram.Token) == "" || n.Telegram.ChatID == 0) {
			errs = append(errs, fmt.Errorf("notifier.telegram requires token and chat_id"))
		}
	}

	ids := make([]string, 0, len(cfg.Plugins))
	for id := range cfg.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := cfg.Plugins[id]
		if strings.TrimSpace(id) == "" {
			errs = append(errs, fmt.Errorf("plugins: empty plugin id"))
			continue
		}
		if strings.TrimSpace(p.Module) == "" {
			errs = append(errs, fmt.Errorf("plugins.%s.module is required", id))
		}
		for i, h := range p.Hooks {
			if strings.TrimSpace(h.Hook) == "" || strings.TrimSpace(h.Method) == "" {
				errs = append(errs, fmt.Errorf("plugins.%s.hooks[%d]: hook and method are required", id, i))
			}
		}
	}

	return errors.Join(errs...)
}
