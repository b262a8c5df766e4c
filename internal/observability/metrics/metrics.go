// Package metrics holds the Prometheus collectors shared by the plugin
// manager, the health monitor, the watchdog and the notifier.
//
// All methods are nil-safe so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "plugd"

type Metrics struct {
	Registry *prometheus.Registry

	HookExecutions *prometheus.CounterVec
	HookErrors     *prometheus.CounterVec
	HookDuration   *prometheus.HistogramVec

	PluginLoads   *prometheus.CounterVec
	PluginUnloads prometheus.Counter
	LoadedPlugins prometheus.Gauge

	HealthStatus  *prometheus.GaugeVec
	ProbeDuration *prometheus.HistogramVec
	HealthPasses  prometheus.Counter

	RecoveryAttempts  *prometheus.CounterVec
	RecoveryExhausted prometheus.Counter
	Quarantined       prometheus.Gauge

	Notifications *prometheus.CounterVec
}

// New registers every collector on a fresh registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		HookExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_executions_total",
			Help:      "Hook subscriber invocations that returned successfully",
		}, []string{"hook", "plugin"}),
		HookErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_errors_total",
			Help:      "Hook subscriber invocations that failed (error, panic or missing method)",
		}, []string{"hook", "plugin"}),
		HookDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hook_duration_seconds",
			Help:      "Time spent in a single hook subscriber",
			Buckets:   prometheus.DefBuckets,
		}, []string{"hook"}),

		PluginLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_loads_total",
			Help:      "Plugin load attempts by result and stage",
		}, []string{"result", "stage"}),
		PluginUnloads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_unloads_total",
			Help:      "Plugin unloads",
		}),
		LoadedPlugins: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins_loaded",
			Help:      "Plugins currently loaded",
		}),

		HealthStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins_by_health",
			Help:      "Plugins per health status in the last pass",
		}, []string{"status"}),
		ProbeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Duration of a single health probe",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 3, 5, 10},
		}, []string{"check"}),
		HealthPasses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_passes_total",
			Help:      "Fleet-wide health passes",
		}),

		RecoveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_recovery_attempts_total",
			Help:      "Recovery strategy executions by strategy and result",
		}, []string{"strategy", "result"}),
		RecoveryExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_recovery_exhausted_total",
			Help:      "Recovery cycles where every strategy failed",
		}),
		Quarantined: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watchdog_quarantined_plugins",
			Help:      "Plugins the watchdog has stopped acting on",
		}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by sink and result",
		}, []string{"sink", "result"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) HookExecuted(hook, plugin string, d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.HookErrors.WithLabelValues(hook, plugin).Inc()
		return
	}
	m.HookExecutions.WithLabelValues(hook, plugin).Inc()
	m.HookDuration.WithLabelValues(hook).Observe(d.Seconds())
}

func (m *Metrics) PluginLoaded(stage string, err error) {
	if m == nil {
		return
	}
	m.PluginLoads.WithLabelValues(result(err), stage).Inc()
}

func (m *Metrics) PluginUnloaded() {
	if m == nil {
		return
	}
	m.PluginUnloads.Inc()
}

func (m *Metrics) SetLoaded(n int) {
	if m == nil {
		return
	}
	m.LoadedPlugins.Set(float64(n))
}

func (m *Metrics) ObserveProbe(check string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProbeDuration.WithLabelValues(check).Observe(d.Seconds())
}

// SetHealthCounts replaces the per-status gauge values.
func (m *Metrics) SetHealthCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.HealthPasses.Inc()
	m.HealthStatus.Reset()
	for status, n := range counts {
		m.HealthStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) RecoveryAttempt(strategy string, ok bool) {
	if m == nil {
		return
	}
	r := "failed"
	if ok {
		r = "recovered"
	}
	m.RecoveryAttempts.WithLabelValues(strategy, r).Inc()
}

func (m *Metrics) Exhausted() {
	if m == nil {
		return
	}
	m.RecoveryExhausted.Inc()
}

func (m *Metrics) SetQuarantined(n int) {
	if m == nil {
		return
	}
	m.Quarantined.Set(float64(n))
}

func (m *Metrics) Notification(sink string, err error) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(sink, result(err)).Inc()
}
