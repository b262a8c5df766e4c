package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugd/internal/config"
	"plugd/internal/health"
	"plugd/internal/plugin"
	"plugd/internal/plugin/builtin"
	"plugd/internal/storage"
	logx "plugd/pkg/logx"
)

type quietSampler struct{}

func (quietSampler) Sample(context.Context) (health.Usage, error) {
	return health.Usage{CPUPercent: 1, RSSBytes: 8 << 20}, nil
}

func testCatalog(t *testing.T) *plugin.Catalog {
	t.Helper()
	c := plugin.NewCatalog()
	require.NoError(t, builtin.Register(c))
	return c
}

func testManager(t *testing.T) *plugin.Manager {
	t.Helper()
	m := plugin.NewManager(plugin.Options{Catalog: testCatalog(t), Store: storage.NewMemory(), RestartSettle: -1})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	for _, bad := range []*config.StorageConfig{
		{Driver: "sqlite"},
		{Driver: "mysql"},
		{Driver: "redis"},
		{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"},
	} {
		_, err := mapStorageConfig(&config.Config{Storage: bad})
		assert.Error(t, err, bad.Driver)
	}
}

func TestMapNotifierConfigDefaults(t *testing.T) {
	t.Parallel()
	nc, err := mapNotifierConfig(&config.Config{})
	require.NoError(t, err)
	assert.True(t, nc.Enabled)
	assert.Equal(t, 2, nc.Workers)
	assert.Equal(t, time.Minute, nc.DedupWindow)

	nc, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Workers: 4, RetryBase: "1s"}})
	require.NoError(t, err)
	assert.False(t, nc.Enabled)
	assert.Equal(t, 4, nc.Workers)
	assert.Equal(t, time.Second, nc.RetryBase)
	assert.Equal(t, 512, nc.QueueSize)

	_, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Workers: -1}})
	assert.Error(t, err)
}

func TestMapAdminConfig(t *testing.T) {
	t.Parallel()
	ac, err := mapAdminConfig(&config.Config{Admin: config.AdminConfig{Enabled: true}})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", ac.Addr)

	_, err = mapAdminConfig(&config.Config{Admin: config.AdminConfig{Addr: "no-port"}})
	assert.Error(t, err)
}

func TestValidateMappedCollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Health:      config.HealthConfig{CPUWarning: 90, CPUCritical: 50},
		Maintenance: config.MaintenanceConfig{PruneSchedule: "whenever", Timezone: "Mars/Olympus"},
	}
	err := validateMapped(cfg)
	require.Error(t, err)
	assert.ErrorContains(t, err, "health.cpu_critical")
	assert.ErrorContains(t, err, "maintenance.timezone")

	assert.NoError(t, validateMapped(&config.Config{}))
}

func TestSeedPluginsCreatesRecordsAndHooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := testManager(t)
	off := false
	plugins := map[string]config.PluginConfigRaw{
		"echo": {Module: "echo", Enabled: true, Config: map[string]any{"prefix": "> "}, Hooks: []config.HookConfig{
			{Hook: "message", Method: "on_message"},
			{Hook: "shout", Method: "upper", Active: &off},
		}},
		"sys": {Module: "system"},
	}

	enabled, err := seedPlugins(ctx, m, plugins, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, enabled)

	rec, err := m.Store().GetPlugin(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", rec.Module)
	assert.Equal(t, "> ", rec.Config["prefix"])

	hooks, err := m.Store().ListHooks(ctx, "echo")
	require.NoError(t, err)
	require.Len(t, hooks, 2)

	// Seeding again is idempotent and writes config changes back.
	plugins["echo"] = config.PluginConfigRaw{Module: "echo", Enabled: true, Config: map[string]any{"prefix": "# "}, Hooks: plugins["echo"].Hooks}
	_, err = seedPlugins(ctx, m, plugins, logx.Nop())
	require.NoError(t, err)
	hooks, err = m.Store().ListHooks(ctx, "echo")
	require.NoError(t, err)
	assert.Len(t, hooks, 2)
	rec, err = m.Store().GetPlugin(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, "# ", rec.Config["prefix"])
}

func TestApplyPluginChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := testManager(t)
	hooks := []config.HookConfig{{Hook: "message", Method: "on_message"}}
	oldCfg := &config.Config{Plugins: map[string]config.PluginConfigRaw{
		"echo": {Module: "echo", Hooks: hooks},
	}}
	_, err := seedPlugins(ctx, m, oldCfg.Plugins, logx.Nop())
	require.NoError(t, err)

	enabledCfg := &config.Config{Plugins: map[string]config.PluginConfigRaw{
		"echo": {Module: "echo", Enabled: true, Hooks: hooks},
	}}
	applyPluginChanges(ctx, m, oldCfg, enabledCfg, []string{"echo"}, logx.Nop())
	require.True(t, m.IsLoaded("echo"))
	assert.Equal(t, []any{"echo: hi"}, m.ExecuteHook(ctx, "message", "hi"))

	prefixed := &config.Config{Plugins: map[string]config.PluginConfigRaw{
		"echo": {Module: "echo", Enabled: true, Config: map[string]any{"prefix": "> "}, Hooks: hooks},
	}}
	applyPluginChanges(ctx, m, enabledCfg, prefixed, []string{"echo"}, logx.Nop())
	assert.Equal(t, []any{"> hi"}, m.ExecuteHook(ctx, "message", "hi"), "config change reloads the plugin")

	applyPluginChanges(ctx, m, prefixed, oldCfg, []string{"echo"}, logx.Nop())
	assert.False(t, m.IsLoaded("echo"))
}

const smokeConfig = `
logging:
  level: warn
watchdog:
  enabled: false
maintenance:
  enabled: false
plugins:
  echo:
    module: echo
    enabled: %s
    hooks:
      - hook: message
        method: on_message
`

func writeSmokeConfig(t *testing.T, path string, enabled bool) {
	t.Helper()
	body := []byte(fmt.Sprintf(smokeConfig, strconv.FormatBool(enabled)))
	require.NoError(t, os.WriteFile(path, body, 0o600))
}

func TestAppStartReloadStop(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "plugd.yaml")
	writeSmokeConfig(t, path, true)

	a, err := New(path, testCatalog(t), Options{Sampler: quietSampler{}, Logger: logx.Nop()})
	require.NoError(t, err)
	var states []string
	a.notify = func(s string) { states = append(states, s) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.True(t, a.Manager().IsLoaded("echo"))
	assert.Equal(t, []any{"echo: ping"}, a.Manager().ExecuteHook(ctx, "message", "ping"))
	assert.False(t, a.Watchdog().Running())

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)
	writeSmokeConfig(t, path, false)
	require.Eventually(t, func() bool { return !a.Manager().IsLoaded("echo") }, 5*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.Len(t, states, 2)

	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "plugd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("health:\n  cpu_warning: 90\n  cpu_critical: 10\n"), 0o600))
	_, err := New(path, testCatalog(t), Options{Logger: logx.Nop()})
	assert.ErrorContains(t, err, "health.cpu_critical")

	_, err = CheckConfig(path)
	assert.Error(t, err)
}
