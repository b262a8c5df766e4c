package plugin

import (
	"context"

	"plugd/internal/eventbus"
	logx "plugd/pkg/logx"
)

// Plugin is the contract every loadable unit implements.
//
// A non-nil error from Initialize means the plugin could not start; the
// manager records it and never keeps the instance. Every call is made
// through a panic guard, so a panicking plugin degrades into an error.
type Plugin interface {
	Initialize(ctx context.Context, env Env) error
	Cleanup(ctx context.Context) error
	Info() Info
	HealthCheck(ctx context.Context) Report
	// Method looks up a named callable used by hook subscriptions and ExecuteMethod.
	Method(name string) (Method, bool)
}

// Method is a named plugin callable.
type Method func(ctx context.Context, args Args) (any, error)

// Args carries positional hook arguments and named method arguments.
type Args struct {
	Positional []any
	Named      map[string]any
}

// Arg returns the positional argument at i, or nil.
func (a Args) Arg(i int) any {
	if i < 0 || i >= len(a.Positional) {
		return nil
	}
	return a.Positional[i]
}

// String returns the named argument k if it is a string.
func (a Args) String(k string) (string, bool) {
	v, ok := a.Named[k].(string)
	return v, ok
}

// Info describes a plugin.
type Info struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Author       string   `json:"author,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Hooks        []string `json:"hooks,omitempty"`
}

// HealthStatus is shared by plugin self-reports and the health monitor.
type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Warning  HealthStatus = "warning"
	Critical HealthStatus = "critical"
	Offline  HealthStatus = "offline"
	Unknown  HealthStatus = "unknown"
)

// Severity orders statuses: healthy < unknown < warning < offline < critical.
func (s HealthStatus) Severity() int {
	switch s {
	case Healthy:
		return 0
	case Unknown:
		return 1
	case Warning:
		return 2
	case Offline:
		return 3
	case Critical:
		return 4
	default:
		return 1
	}
}

// Worse returns the more severe of s and o.
func (s HealthStatus) Worse(o HealthStatus) HealthStatus {
	if o.Severity() > s.Severity() {
		return o
	}
	return s
}

// Report is a plugin's self-reported health.
type Report struct {
	Status  HealthStatus      `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Message string            `json:"message,omitempty"`
}

// Host is the subset of the manager a plugin may call back into.
type Host interface {
	ExecuteHook(ctx context.Context, name string, args ...any) []any
	IsLoaded(id string) bool
}

// Env is handed to Initialize.
//
// Context lives until the plugin is unloaded; the ctx argument of
// Initialize only bounds the Initialize call itself.
type Env struct {
	ID      string
	Context context.Context
	Config  map[string]any
	Logger  logx.Logger
	Bus     eventbus.Bus
	Host    Host
}
