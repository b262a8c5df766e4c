package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging     LoggingConfig              `json:"logging"`
	Storage     *StorageConfig             `json:"storage,omitempty"`
	Runtime     RuntimeConfig              `json:"runtime"`
	Health      HealthConfig               `json:"health"`
	Watchdog    WatchdogConfig             `json:"watchdog"`
	Notifier    *NotifierConfig            `json:"notifier,omitempty"`
	Admin       AdminConfig                `json:"admin"`
	Maintenance MaintenanceConfig          `json:"maintenance"`
	Plugins     map[string]PluginConfigRaw `json:"plugins"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "console" (default) or "json" for the stdout sink.
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./plugd.db" }
//	"storage": { "driver": "mysql", "dsn": "user:pass@tcp(127.0.0.1:3306)/plugd?parseTime=true" }
//
// If the section is omitted the in-memory driver is used.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // mysql (never logged)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RuntimeConfig bounds plugin contract calls.
type RuntimeConfig struct {
	// CallTimeout bounds Initialize/Cleanup. Default "10s".
	CallTimeout string `json:"call_timeout,omitempty"`
	// RestartSettle is the pause between unload and load on restart. Default "2s".
	RestartSettle string `json:"restart_settle,omitempty"`
}

type HealthConfig struct {
	CacheTTL     string `json:"cache_ttl,omitempty"`     // default "5m"
	ProbeTimeout string `json:"probe_timeout,omitempty"` // default "5s"
	Workers      int    `json:"workers,omitempty"`       // default 4

	SlowWarning  string `json:"slow_warning,omitempty"`  // default "1s"
	SlowCritical string `json:"slow_critical,omitempty"` // default "3s"

	CPUWarning    float64 `json:"cpu_warning,omitempty"`     // percent, default 50
	CPUCritical   float64 `json:"cpu_critical,omitempty"`    // percent, default 80
	MemWarningMB  float64 `json:"mem_warning_mb,omitempty"`  // default 512
	MemCriticalMB float64 `json:"mem_critical_mb,omitempty"` // default 1024
}

// WatchdogConfig controls the supervisory loop.
//
// Enabled is a pointer so an omitted key means "on".
type WatchdogConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Interval     string `json:"interval,omitempty"`      // default "60s"
	CooldownBase string `json:"cooldown_base,omitempty"` // default "1m"
	CooldownMax  string `json:"cooldown_max,omitempty"`  // default "30m"
	MaxExhausted int    `json:"max_exhausted,omitempty"` // default 5
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier runs with defaults and the log sink only.
type NotifierConfig struct {
	Enabled         bool            `json:"enabled"`
	Workers         int             `json:"workers"`
	QueueSize       int             `json:"queue_size"`
	RatePerSec      int             `json:"rate_per_sec"`
	RetryMax        int             `json:"retry_max"`
	RetryBase       string          `json:"retry_base"`
	RetryMaxDelay   string          `json:"retry_max_delay"`
	DedupWindow     string          `json:"dedup_window"`
	DedupMaxEntries int             `json:"dedup_max_entries"`
	PersistDedup    bool            `json:"persist_dedup,omitempty"`
	HistorySize     int             `json:"history_size,omitempty"`
	Webhook         *WebhookConfig  `json:"webhook,omitempty"`
	Telegram        *TelegramConfig `json:"telegram,omitempty"`
}

type WebhookConfig struct {
	URL     string            `json:"url"`
	Timeout string            `json:"timeout,omitempty"` // default "10s"
	Headers map[string]string `json:"headers,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // never logged
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// AdminConfig controls the HTTP control surface.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - Token is an optional static bearer token. It is a guardrail, not authentication.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // never logged
	// AllowInsecure permits a non-loopback Addr without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}

// MaintenanceConfig schedules housekeeping jobs. Enabled defaults to on.
type MaintenanceConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	LogRetention  string `json:"log_retention,omitempty"`  // default "168h"
	PruneSchedule string `json:"prune_schedule,omitempty"` // cron, default "0 3 * * *"
	CacheSweep    string `json:"cache_sweep,omitempty"`    // "every 10m" or cron, default "every 10m"
	Timezone      string `json:"timezone,omitempty"`
}

// PluginConfigRaw seeds one plugin record at boot.
type PluginConfigRaw struct {
	Module  string         `json:"module"`
	Name    string         `json:"name,omitempty"`
	Enabled bool           `json:"enabled"`
	Config  map[string]any `json:"config,omitempty"`
	Hooks   []HookConfig   `json:"hooks,omitempty"`
}

type HookConfig struct {
	Hook     string `json:"hook"`
	Method   string `json:"method"`
	Priority int    `json:"priority,omitempty"`
	Active   *bool  `json:"active,omitempty"`
}

// IsActive reports whether the subscription should be registered (default true).
func (h HookConfig) IsActive() bool { return h.Active == nil || *h.Active }

// UnmarshalJSON disallows unknown fields so typos inside a plugin block
// are caught during config reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Module  string         `json:"module"`
		Name    string         `json:"name,omitempty"`
		Enabled bool           `json:"enabled"`
		Config  map[string]any `json:"config,omitempty"`
		Hooks   []HookConfig   `json:"hooks,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw(t)
	return nil
}

// WatchdogEnabled reports the effective watchdog switch.
func (c *Config) WatchdogEnabled() bool {
	if c == nil || c.Watchdog.Enabled == nil {
		return true
	}
	return *c.Watchdog.Enabled
}

// MaintenanceEnabled reports the effective maintenance switch.
func (c *Config) MaintenanceEnabled() bool {
	if c == nil || c.Maintenance.Enabled == nil {
		return true
	}
	return *c.Maintenance.Enabled
}
