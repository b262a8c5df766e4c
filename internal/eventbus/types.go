package eventbus

// Lifecycle event types published by the plugin manager, the health monitor
// and the watchdog.
const (
	PluginLoaded      = "plugin.loaded"
	PluginLoadFailed  = "plugin.load_failed"
	PluginUnloaded    = "plugin.unloaded"
	HookFailed        = "hook.failed"
	HealthCritical    = "health.critical"
	RecoverySucceeded = "watchdog.recovered"
	RecoveryFailed    = "watchdog.exhausted"
	PluginQuarantine  = "watchdog.quarantined"
	ConfigReloaded    = "config.reloaded"
)

// PluginEvent is the Data payload for plugin-scoped events.
type PluginEvent struct {
	PluginID string   `json:"plugin_id"`
	Stage    string   `json:"stage,omitempty"`
	Hook     string   `json:"hook,omitempty"`
	Checks   []string `json:"checks,omitempty"`
	Err      string   `json:"err,omitempty"`
}
