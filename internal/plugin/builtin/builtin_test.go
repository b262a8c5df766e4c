package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugd/internal/plugin"
	"plugd/internal/storage"
)

func newManager(t *testing.T) (*plugin.Manager, storage.Store) {
	t.Helper()
	cat := plugin.NewCatalog()
	require.NoError(t, Register(cat))
	st := storage.NewMemory()
	m := plugin.NewManager(plugin.Options{Catalog: cat, Store: st, CallTimeout: time.Second})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, st
}

func TestRegisterRejectsSecondCall(t *testing.T) {
	cat := plugin.NewCatalog()
	require.NoError(t, Register(cat))
	assert.Equal(t, []string{"echo", "system"}, cat.Modules())
	assert.Error(t, Register(cat))
}

func TestEchoAnswersMessageHook(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)
	_, err := st.CreatePlugin(ctx, storage.PluginRecord{ID: "echo", Module: "echo", Config: map[string]any{"prefix": ">> "}})
	require.NoError(t, err)
	_, err = st.CreateHook(ctx, storage.HookRecord{PluginID: "echo", Hook: "message", Method: "on_message", Active: true})
	require.NoError(t, err)

	require.NoError(t, m.Load(ctx, "echo"))
	assert.Equal(t, []any{">> hi"}, m.ExecuteHook(ctx, "message", "hi"))

	res := m.ExecuteMethod(ctx, "echo", "upper", map[string]any{"text": "loud"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "LOUD", res.Result)

	res = m.ExecuteMethod(ctx, "echo", "echo", nil)
	assert.False(t, res.Success)
}

func TestSystemHealthAndMethods(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)
	_, err := st.CreatePlugin(ctx, storage.PluginRecord{ID: "sys", Module: "system", Config: map[string]any{"max_goroutines": 1}})
	require.NoError(t, err)
	require.NoError(t, m.Load(ctx, "sys"))

	res := m.ExecuteMethod(ctx, "sys", "ping", nil)
	assert.Equal(t, "pong", res.Result)

	res = m.ExecuteMethod(ctx, "sys", "sysinfo", nil)
	require.True(t, res.Success)
	assert.Contains(t, res.Result, "goroutines")

	inst, ok := m.Instance("sys")
	require.True(t, ok)
	rep, err := plugin.SafeHealthCheck(ctx, inst.Plugin)
	require.NoError(t, err)
	assert.Equal(t, plugin.Warning, rep.Status)
	assert.Contains(t, rep.Checks, "goroutines")
}

func TestSystemRejectsBadLimit(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)
	_, err := st.CreatePlugin(ctx, storage.PluginRecord{ID: "sys", Module: "system", Config: map[string]any{"max_goroutines": "lots"}})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Load(ctx, "sys"), plugin.ErrInitialization)
}
