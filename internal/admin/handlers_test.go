package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugd/internal/eventbus"
	"plugd/internal/health"
	"plugd/internal/observability/metrics"
	"plugd/internal/plugin"
	"plugd/internal/plugin/builtin"
	rtsup "plugd/internal/runtime/supervisor"
	"plugd/internal/storage"
	"plugd/internal/task/scheduler"
	"plugd/internal/watchdog"
	logx "plugd/pkg/logx"
)

type quietSampler struct{}

func (quietSampler) Sample(context.Context) (health.Usage, error) {
	return health.Usage{CPUPercent: 1, RSSBytes: 8 << 20}, nil
}

type fixture struct {
	t     *testing.T
	h     http.Handler
	m     *plugin.Manager
	store storage.Store
	wd    *watchdog.Watchdog
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	cat := plugin.NewCatalog()
	require.NoError(t, builtin.Register(cat))
	store := storage.NewMemory()
	bus := eventbus.New()
	met := metrics.New()
	m := plugin.NewManager(plugin.Options{
		Catalog: cat, Store: store, Bus: bus, Metrics: met,
		CallTimeout: time.Second, RestartSettle: time.Millisecond,
	})
	mon, err := health.New(health.Config{}, health.Options{Source: m, Sampler: quietSampler{}, Bus: bus, Metrics: met})
	require.NoError(t, err)
	wd := watchdog.New(watchdog.Config{}, watchdog.Options{Checker: mon, Recoverer: m, Bus: bus, Metrics: met})
	t.Cleanup(func() {
		m.Shutdown(context.Background())
		mon.Close()
	})
	sched := scheduler.New(scheduler.Config{}, logx.Nop())
	require.NoError(t, sched.Add(scheduler.Job{Name: "noop", Schedule: "every 1h", Run: func(context.Context) error { return nil }}))
	sup := rtsup.NewSupervisor(context.Background())
	t.Cleanup(sup.Cancel)
	h := NewHandler(Deps{
		Manager: m, Monitor: mon, Watchdog: wd, Metrics: met, Store: store, Scheduler: sched,
		Runtime: func() map[string]rtsup.SupervisorSnapshot {
			return map[string]rtsup.SupervisorSnapshot{"app": sup.Snapshot()}
		},
	}, token)
	return &fixture{t: t, h: h, m: m, store: store, wd: wd}
}

func (f *fixture) do(method, path string, body any, hdr ...string) (int, map[string]any) {
	f.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (f *fixture) register(id, module string) {
	f.t.Helper()
	code, body := f.do(http.MethodPost, "/api/plugins", map[string]any{"id": id, "module": module})
	require.Equal(f.t, http.StatusCreated, code, body)
}

func TestPluginCRUD(t *testing.T) {
	f := newFixture(t, "")

	f.register("e1", "echo")
	code, body := f.do(http.MethodPost, "/api/plugins", map[string]any{"id": "e1", "module": "echo"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["ok"])

	code, body = f.do(http.MethodPost, "/api/plugins", map[string]any{"id": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["error"])

	code, body = f.do(http.MethodGet, "/api/plugins", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["plugins"], 1)
	assert.ElementsMatch(t, []any{"echo", "system"}, body["modules"])

	code, body = f.do(http.MethodPut, "/api/plugins/e1", map[string]any{"config": map[string]any{"prefix": ">> "}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["reload_required"])

	code, body = f.do(http.MethodGet, "/api/plugins/e1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["loaded"])
	assert.Equal(t, ">> ", body["plugin"].(map[string]any)["config"].(map[string]any)["prefix"])

	code, _ = f.do(http.MethodGet, "/api/plugins/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(http.MethodDelete, "/api/plugins/e1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	_, err := f.store.GetPlugin(context.Background(), "e1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLifecycleActions(t *testing.T) {
	f := newFixture(t, "")
	f.register("e1", "echo")

	for _, action := range []string{"enable", "reload", "restart"} {
		code, body := f.do(http.MethodPost, "/api/plugins/e1/"+action, nil)
		require.Equal(t, http.StatusOK, code, action)
		assert.Equal(t, true, body["ok"], action)
		assert.True(t, f.m.IsLoaded("e1"), action)
	}

	code, body := f.do(http.MethodPost, "/api/plugins/e1/disable", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.False(t, f.m.IsLoaded("e1"))

	code, body = f.do(http.MethodPost, "/api/plugins/ghost/enable", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["ok"])
	assert.Contains(t, body["error"], "not registered")

	code, _ = f.do(http.MethodPost, "/api/plugins/e1/explode", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestLoadFailureIsReportedAsJSON(t *testing.T) {
	f := newFixture(t, "")
	f.register("bad", "missing.module")

	code, body := f.do(http.MethodPost, "/api/plugins/bad/enable", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, false, body["ok"])
	assert.Contains(t, body["error"], plugin.ErrResolution.Error())

	rec, err := f.store.GetPlugin(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, rec.Status)
}

func TestHooksAndDispatch(t *testing.T) {
	f := newFixture(t, "")
	f.register("e1", "echo")

	code, body := f.do(http.MethodPost, "/api/plugins/e1/hooks", map[string]any{"hook": "message", "method": "on_message"})
	require.Equal(t, http.StatusCreated, code, body)
	hookID := body["hook"].(map[string]any)["id"].(string)

	code, body = f.do(http.MethodPost, "/api/plugins/e1/hooks", map[string]any{"hook": "message"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["error"])

	code, _ = f.do(http.MethodPost, "/api/plugins/e1/enable", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(http.MethodPost, "/api/hooks/message", map[string]any{"args": []any{"hi"}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"echo: hi"}, body["results"])

	code, body = f.do(http.MethodPost, "/api/hooks/message", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["results"])
	subs := body["subscribers"].([]any)
	require.Len(t, subs, 1)
	assert.Contains(t, subs[0].(map[string]any)["error"], "payload")

	code, body = f.do(http.MethodGet, "/api/hooks", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["hooks"], "message")

	f.register("e2", "echo")
	code, body = f.do(http.MethodPut, "/api/plugins/e2/hooks/"+hookID, map[string]any{"active": false})
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, body["error"])
	code, _ = f.do(http.MethodDelete, "/api/plugins/e2/hooks/"+hookID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	_, body = f.do(http.MethodPost, "/api/hooks/message", map[string]any{"args": []any{"hi"}})
	assert.Equal(t, []any{"echo: hi"}, body["results"])

	code, _ = f.do(http.MethodPut, "/api/plugins/e1/hooks/"+hookID, map[string]any{"active": false})
	require.Equal(t, http.StatusOK, code)
	_, body = f.do(http.MethodPost, "/api/hooks/message", map[string]any{"args": []any{"hi"}})
	assert.Empty(t, body["results"])

	code, body = f.do(http.MethodGet, "/api/plugins/e1/hooks", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["hooks"], 1)

	code, _ = f.do(http.MethodDelete, "/api/plugins/e1/hooks/"+hookID, nil)
	require.Equal(t, http.StatusOK, code)
	_, body = f.do(http.MethodGet, "/api/plugins/e1/hooks", nil)
	assert.Empty(t, body["hooks"])
}

func TestCallMethod(t *testing.T) {
	f := newFixture(t, "")
	f.register("e1", "echo")

	code, body := f.do(http.MethodPost, "/api/plugins/e1/methods/upper", map[string]any{"text": "abc"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["success"])

	_, _ = f.do(http.MethodPost, "/api/plugins/e1/enable", nil)
	code, body = f.do(http.MethodPost, "/api/plugins/e1/methods/upper", map[string]any{"text": "abc"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ABC", body["result"])
	assert.Contains(t, body, "execution_time_ms")

	code, body = f.do(http.MethodPost, "/api/plugins/e1/methods/upper", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "text")
}

func TestLogsLimit(t *testing.T) {
	f := newFixture(t, "")
	f.register("e1", "echo")
	_, _ = f.do(http.MethodPost, "/api/plugins/e1/enable", nil)
	_, _ = f.do(http.MethodPost, "/api/plugins/e1/disable", nil)

	code, body := f.do(http.MethodGet, "/api/plugins/e1/logs?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["logs"], 1)

	code, body = f.do(http.MethodGet, "/api/plugins/e1/logs?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["error"])
}

func TestHealthRoutes(t *testing.T) {
	f := newFixture(t, "")
	f.register("e1", "echo")
	_, _ = f.do(http.MethodPost, "/api/plugins/e1/enable", nil)

	code, body := f.do(http.MethodPost, "/api/health/check", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])
	assert.EqualValues(t, 1, body["healthy"])

	code, body = f.do(http.MethodGet, "/api/plugins/e1/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(plugin.Healthy), body["status"])

	code, body = f.do(http.MethodGet, "/api/plugins/ghost/health?fresh=1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(plugin.Offline), body["status"])

	code, body = f.do(http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])
}

func TestWatchdogRoutes(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(http.MethodPost, "/api/watchdog", map[string]any{"interval": "15s"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "15s", body["interval"])
	assert.Equal(t, false, body["running"])

	code, body = f.do(http.MethodPost, "/api/watchdog", map[string]any{"interval": "soon"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["error"])

	code, body = f.do(http.MethodPost, "/api/watchdog/run", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["checked"])

	code, body = f.do(http.MethodPost, "/api/watchdog/start", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["changed"])
	t.Cleanup(func() { f.wd.Stop(context.Background()) })

	_, body = f.do(http.MethodGet, "/api/watchdog", nil)
	assert.Equal(t, true, body["running"])

	code, body = f.do(http.MethodPost, "/api/watchdog/stop", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["changed"])

	code, body = f.do(http.MethodPost, "/api/watchdog/release/e1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["released"])
}

func TestMissingComponentsAnswer503(t *testing.T) {
	m := plugin.NewManager(plugin.Options{})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	h := NewHandler(Deps{Manager: m}, "")

	for _, path := range []string{"/api/health", "/api/watchdog", "/api/notifications", "/api/maintenance", "/api/runtime"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Contains(t, rec.Body.String(), `"ok": false`, path)
	}
}

func TestUnknownRouteIsJSON(t *testing.T) {
	f := newFixture(t, "")
	code, body := f.do(http.MethodGet, "/api/nothing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["ok"])
}

func TestTokenAuth(t *testing.T) {
	f := newFixture(t, "s3cret")

	code, body := f.do(http.MethodGet, "/api/plugins", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", body["error"])

	code, _ = f.do(http.MethodGet, "/api/plugins", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(http.MethodGet, "/api/plugins", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(http.MethodGet, "/api/plugins?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestProbesAndMetrics(t *testing.T) {
	f := newFixture(t, "s3cret")

	for _, path := range []string{"/live", "/ready"} {
		rec := httptest.NewRecorder()
		f.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	f.register("e1", "echo")
	_, _ = f.do(http.MethodPost, "/api/plugins/e1/enable", nil, "Authorization", "Bearer s3cret")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "plugd_")
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		"0.0.0.0:8080":   false,
		":8080":          false,
		"10.0.0.2:80":    false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestMaintenanceAndRuntimeRoutes(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(http.MethodPost, "/api/maintenance/noop/run", nil)
	require.Equal(t, http.StatusOK, code, body)

	code, body = f.do(http.MethodGet, "/api/maintenance", nil)
	require.Equal(t, http.StatusOK, code)
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 1)
	assert.Equal(t, "noop", jobs[0].(map[string]any)["name"])
	assert.EqualValues(t, 1, jobs[0].(map[string]any)["runs"])

	code, _ = f.do(http.MethodPost, "/api/maintenance/missing/run", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(http.MethodGet, "/api/runtime", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "app")
}
