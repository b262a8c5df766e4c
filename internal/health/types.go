// Package health evaluates loaded plugins with four independent probes and
// caches the results.
package health

import (
	"sort"
	"time"

	"plugd/internal/plugin"
)

// Probe names.
const (
	CheckProcess        = "process"
	CheckResponsiveness = "responsiveness"
	CheckResources      = "resources"
	CheckDependencies   = "dependencies"
)

// Config holds monitor thresholds. Zero fields take defaults.
type Config struct {
	CacheTTL     time.Duration
	ProbeTimeout time.Duration
	Workers      int

	SlowWarning  time.Duration
	SlowCritical time.Duration

	CPUWarning    float64
	CPUCritical   float64
	MemWarningMB  float64
	MemCriticalMB float64
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SlowWarning <= 0 {
		c.SlowWarning = time.Second
	}
	if c.SlowCritical <= 0 {
		c.SlowCritical = 3 * time.Second
	}
	if c.CPUWarning <= 0 {
		c.CPUWarning = 50
	}
	if c.CPUCritical <= 0 {
		c.CPUCritical = 80
	}
	if c.MemWarningMB <= 0 {
		c.MemWarningMB = 512
	}
	if c.MemCriticalMB <= 0 {
		c.MemCriticalMB = 1024
	}
	return c
}

// Check is the outcome of one probe.
type Check struct {
	Status   plugin.HealthStatus `json:"status"`
	Message  string              `json:"message,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// Result is the evaluation of one plugin.
type Result struct {
	PluginID   string              `json:"plugin_id"`
	PluginName string              `json:"plugin_name"`
	Status     plugin.HealthStatus `json:"status"`
	Checks     map[string]Check    `json:"checks"`
	Metrics    map[string]float64  `json:"metrics,omitempty"`
	CheckedAt  time.Time           `json:"checked_at"`
}

// FailedChecks returns the probes that did not pass, sorted.
func (r Result) FailedChecks() []string {
	var out []string
	for name, c := range r.Checks {
		if c.Status != plugin.Healthy {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Summary aggregates one pass over every loaded plugin.
type Summary struct {
	Total     int       `json:"total"`
	Healthy   int       `json:"healthy"`
	Warning   int       `json:"warning"`
	Critical  int       `json:"critical"`
	Offline   int       `json:"offline"`
	Unknown   int       `json:"unknown"`
	Results   []Result  `json:"results"`
	CheckedAt time.Time `json:"checked_at"`
}

func summarize(results []Result) Summary {
	sort.Slice(results, func(i, j int) bool { return results[i].PluginID < results[j].PluginID })
	s := Summary{Total: len(results), Results: results, CheckedAt: time.Now()}
	for _, r := range results {
		switch r.Status {
		case plugin.Healthy:
			s.Healthy++
		case plugin.Warning:
			s.Warning++
		case plugin.Critical:
			s.Critical++
		case plugin.Offline:
			s.Offline++
		default:
			s.Unknown++
		}
	}
	return s
}

// Counts returns the per-status counts keyed by status name.
func (s Summary) Counts() map[string]int {
	return map[string]int{
		string(plugin.Healthy):  s.Healthy,
		string(plugin.Warning):  s.Warning,
		string(plugin.Critical): s.Critical,
		string(plugin.Offline):  s.Offline,
		string(plugin.Unknown):  s.Unknown,
	}
}
