package health

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"plugd/internal/plugin"
)

// probeOut is what a probe reports besides its timing.
type probeOut struct {
	status  plugin.HealthStatus
	message string
	metrics map[string]float64
}

type probeFunc func(ctx context.Context, inst plugin.InstanceView) probeOut

// runProbe runs fn on its own goroutine under timeout. A panic, a timeout or
// an empty status is critical for that probe.
func runProbe(ctx context.Context, timeout time.Duration, inst plugin.InstanceView, fn probeFunc) (Check, map[string]float64) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan probeOut, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- probeOut{status: plugin.Critical, message: fmt.Sprintf("probe panicked: %v\n%s", r, debug.Stack())}
			}
		}()
		done <- fn(pctx, inst)
	}()

	var out probeOut
	select {
	case out = <-done:
	case <-pctx.Done():
		out = probeOut{status: plugin.Critical, message: fmt.Sprintf("probe timed out after %s", timeout)}
		if ctx.Err() != nil {
			out.message = "probe cancelled: " + ctx.Err().Error()
		}
	}
	if out.status == "" {
		out.status = plugin.Critical
		out.message = "probe reported no status"
	}
	return Check{Status: out.status, Message: out.message, Duration: time.Since(start)}, out.metrics
}

// processProbe checks the instance is alive and maps its self-report.
func (m *Monitor) processProbe(ctx context.Context, inst plugin.InstanceView) probeOut {
	if !m.src.IsLoaded(inst.ID) {
		return probeOut{status: plugin.Offline, message: "instance not loaded"}
	}
	if inst.Context != nil && inst.Context.Err() != nil {
		return probeOut{status: plugin.Offline, message: "instance context closed"}
	}
	rep, err := plugin.SafeHealthCheck(ctx, inst.Plugin)
	if err != nil {
		return probeOut{status: plugin.Critical, message: "health check failed: " + err.Error()}
	}
	switch rep.Status {
	case plugin.Healthy, plugin.Warning, plugin.Critical, plugin.Offline:
		return probeOut{status: rep.Status, message: selfReportMessage(rep)}
	default:
		return probeOut{status: plugin.Warning, message: fmt.Sprintf("unrecognized self-reported status %q", rep.Status)}
	}
}

func selfReportMessage(rep plugin.Report) string {
	if rep.Message != "" {
		return rep.Message
	}
	var failing []string
	for k, v := range rep.Checks {
		if v != "ok" {
			failing = append(failing, k+"="+v)
		}
	}
	return strings.Join(failing, ", ")
}

// responsivenessProbe measures the round-trip of the plugin's self-check.
func (m *Monitor) responsivenessProbe(ctx context.Context, inst plugin.InstanceView) probeOut {
	cfg := m.config()
	start := time.Now()
	_, err := plugin.SafeHealthCheck(ctx, inst.Plugin)
	rt := time.Since(start)
	metrics := map[string]float64{"response_time_ms": float64(rt.Microseconds()) / 1000}
	switch {
	case err != nil:
		return probeOut{status: plugin.Critical, message: "health check failed: " + err.Error(), metrics: metrics}
	case rt > cfg.SlowCritical:
		return probeOut{status: plugin.Critical, message: fmt.Sprintf("responded in %s", rt.Round(time.Millisecond)), metrics: metrics}
	case rt > cfg.SlowWarning:
		return probeOut{status: plugin.Warning, message: fmt.Sprintf("responded in %s", rt.Round(time.Millisecond)), metrics: metrics}
	}
	return probeOut{status: plugin.Healthy, metrics: metrics}
}

// resourcesProbe compares host process CPU and RSS with the thresholds.
func (m *Monitor) resourcesProbe(ctx context.Context, _ plugin.InstanceView) probeOut {
	cfg := m.config()
	u, err := m.sampler.Sample(ctx)
	if err != nil {
		return probeOut{status: plugin.Critical, message: "resource sample failed: " + err.Error()}
	}
	memMB := float64(u.RSSBytes) / (1024 * 1024)
	out := probeOut{
		status:  plugin.Healthy,
		metrics: map[string]float64{"cpu_percent": u.CPUPercent, "memory_mb": memMB},
	}
	var notes []string
	switch {
	case u.CPUPercent > cfg.CPUCritical:
		out.status = plugin.Critical
		notes = append(notes, fmt.Sprintf("cpu %.1f%% > %.0f%%", u.CPUPercent, cfg.CPUCritical))
	case u.CPUPercent > cfg.CPUWarning:
		out.status = plugin.Warning
		notes = append(notes, fmt.Sprintf("cpu %.1f%% > %.0f%%", u.CPUPercent, cfg.CPUWarning))
	}
	switch {
	case memMB > cfg.MemCriticalMB:
		out.status = out.status.Worse(plugin.Critical)
		notes = append(notes, fmt.Sprintf("memory %.0fMB > %.0fMB", memMB, cfg.MemCriticalMB))
	case memMB > cfg.MemWarningMB:
		out.status = out.status.Worse(plugin.Warning)
		notes = append(notes, fmt.Sprintf("memory %.0fMB > %.0fMB", memMB, cfg.MemWarningMB))
	}
	out.message = strings.Join(notes, "; ")
	return out
}

// dependenciesProbe requires every declared dependency to be loaded.
func (m *Monitor) dependenciesProbe(_ context.Context, inst plugin.InstanceView) probeOut {
	var missing []string
	for _, dep := range inst.Info.Dependencies {
		if !m.src.IsLoaded(dep) {
			missing = append(missing, dep)
		}
	}
	out := probeOut{
		status:  plugin.Healthy,
		metrics: map[string]float64{"dependencies_missing": float64(len(missing))},
	}
	if len(missing) > 0 {
		out.status = plugin.Critical
		out.message = "missing dependencies: " + strings.Join(missing, ", ")
	}
	return out
}
