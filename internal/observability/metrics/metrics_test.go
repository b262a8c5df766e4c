package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.HookExecuted("h", "p", time.Millisecond, nil)
	m.PluginLoaded("initialize", errors.New("x"))
	m.SetHealthCounts(map[string]int{"healthy": 1})
	m.Notification("log", nil)
}

func TestCounters(t *testing.T) {
	m := New()
	m.HookExecuted("message", "echo", time.Millisecond, nil)
	m.HookExecuted("message", "echo", time.Millisecond, errors.New("boom"))
	m.PluginLoaded("ok", nil)
	m.SetHealthCounts(map[string]int{"healthy": 2, "critical": 1})
	m.SetHealthCounts(map[string]int{"healthy": 3})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookExecutions.WithLabelValues("message", "echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookErrors.WithLabelValues("message", "echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PluginLoads.WithLabelValues("ok", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("healthy")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HealthPasses))
}
