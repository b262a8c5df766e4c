package plugin

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugd/internal/eventbus"
	"plugd/internal/storage"
	logx "plugd/pkg/logx"
)

func returning(v any) Method {
	return func(context.Context, Args) (any, error) { return v, nil }
}

func TestExecuteHookOrdersByPriorityThenRegistration(t *testing.T) {
	h := newHarness(t)
	h.module("mod", func(f *fakePlugin) {
		f.Handle("first", returning("first"))
		f.Handle("second", returning("second"))
		f.Handle("third", returning("third"))
		f.Handle("late", returning("late"))
	})
	h.plugin("a", "mod")
	h.plugin("b", "mod")
	h.hook("a", "message", "late", 10)
	h.hook("a", "message", "second", 0)
	h.hook("b", "message", "third", 0)
	h.hook("b", "message", "first", -5)

	require.NoError(t, h.m.Load(h.ctx, "a"))
	require.NoError(t, h.m.Load(h.ctx, "b"))

	got := h.m.ExecuteHook(h.ctx, "message")
	assert.Equal(t, []any{"first", "second", "third", "late"}, got)
}

func TestExecuteHookPassesArguments(t *testing.T) {
	h := newHarness(t)
	h.module("mod", func(f *fakePlugin) {
		f.Handle("sum", func(_ context.Context, a Args) (any, error) {
			return a.Arg(0).(int) + a.Arg(1).(int), nil
		})
	})
	h.plugin("a", "mod")
	h.hook("a", "add", "sum", 0)
	require.NoError(t, h.m.Load(h.ctx, "a"))

	assert.Equal(t, []any{5}, h.m.ExecuteHook(h.ctx, "add", 2, 3))
}

func TestExecuteHookIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	h.module("mod", func(f *fakePlugin) {
		f.Handle("ok", returning("ok"))
		f.Handle("fails", func(context.Context, Args) (any, error) { return nil, errors.New("boom") })
		f.Handle("panics", func(context.Context, Args) (any, error) { panic("kaboom") })
	})
	h.plugin("a", "mod")
	h.hook("a", "message", "fails", 0)
	h.hook("a", "message", "panics", 1)
	h.hook("a", "message", "missing", 2)
	h.hook("a", "message", "ok", 3)
	require.NoError(t, h.m.Load(h.ctx, "a"))
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	var got []any
	require.NotPanics(t, func() { got = h.m.ExecuteHook(h.ctx, "message") })
	assert.Equal(t, []any{"ok"}, got)

	outs := h.m.ExecuteHookDetailed(h.ctx, "message")
	require.Len(t, outs, 4)
	for _, o := range outs[:3] {
		assert.ErrorIs(t, o.Err, ErrHookExecution)
	}
	assert.NotEmpty(t, StackOf(outs[1].Err))
	assert.NoError(t, outs[3].Err)

	rec := h.record("a")
	assert.Equal(t, int64(6), rec.ErrorCount)
	assert.Empty(t, rec.LastError, "last_error is reserved for load failures")
	assert.Equal(t, storage.StatusActive, rec.Status, "hook failures do not change plugin status")

	logs, err := h.store.ListLogs(h.ctx, "a", 0)
	require.NoError(t, err)
	var hookLogs int
	for _, l := range logs {
		if l.Hook == "message" && l.Level == storage.LogError {
			hookLogs++
		}
	}
	assert.Equal(t, 6, hookLogs)

	failed := 0
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.HookFailed {
			failed++
		}
	}
	assert.Equal(t, 6, failed)
}

func TestExecuteHookSkipsUnloadedAndUnknown(t *testing.T) {
	h := newHarness(t)
	h.module("mod", func(f *fakePlugin) { f.Handle("ok", returning(f.name)) })
	h.plugin("a", "mod")
	h.hook("a", "message", "ok", 0)

	assert.Empty(t, h.m.ExecuteHook(h.ctx, "message"), "hooks of unloaded plugins are not registered")
	assert.Empty(t, h.m.ExecuteHook(h.ctx, "nobody-listens"))

	require.NoError(t, h.m.Load(h.ctx, "a"))
	assert.Len(t, h.m.ExecuteHook(h.ctx, "message"), 1)

	require.NoError(t, h.m.Unload(h.ctx, "a"))
	assert.Empty(t, h.m.ExecuteHook(h.ctx, "message"))
}

func TestExecuteHookStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	h.module("mod", func(f *fakePlugin) { f.Handle("ok", returning("ok")) })
	h.plugin("a", "mod")
	h.hook("a", "message", "ok", 0)
	h.hook("a", "message", "ok", 1)
	require.NoError(t, h.m.Load(h.ctx, "a"))
	var buf bytes.Buffer
	h.m.log = logx.NewWriter(&buf, "debug")

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	assert.Empty(t, h.m.ExecuteHook(ctx, "message"))
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"skipped":2`)
}

func TestExecuteHookRecordsStats(t *testing.T) {
	h := newHarness(t)
	h.module("mod", func(f *fakePlugin) { f.Handle("ok", returning("ok")) })
	h.plugin("a", "mod")
	rec := h.hook("a", "message", "ok", 0)
	require.NoError(t, h.m.Load(h.ctx, "a"))

	h.m.ExecuteHook(h.ctx, "message")
	h.m.ExecuteHook(h.ctx, "message")

	subs := h.m.Subscribers("message")
	require.Len(t, subs, 1)
	assert.Equal(t, int64(2), subs[0].ExecutionCount)
	assert.False(t, subs[0].LastExecuted.IsZero())

	hooks, err := h.store.ListHooks(h.ctx, "a")
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, rec.ID, hooks[0].ID)
	assert.Equal(t, int64(2), hooks[0].ExecutionCount)
}

func TestHookEntryRunningAverage(t *testing.T) {
	t.Parallel()
	e := &hookEntry{}
	now := time.Now()

	st := e.observe(100*time.Millisecond, now)
	assert.Equal(t, 100*time.Millisecond, st.AvgExecutionTime)

	st = e.observe(300*time.Millisecond, now)
	assert.Equal(t, 200*time.Millisecond, st.AvgExecutionTime)

	st = e.observe(0, now)
	assert.Equal(t, 100*time.Millisecond, st.AvgExecutionTime)
	assert.Equal(t, int64(3), st.ExecutionCount)
}

func TestHookRegistrationFollowsActiveFlag(t *testing.T) {
	h := newHarness(t)
	h.module("mod", func(f *fakePlugin) { f.Handle("ok", returning("ok")) })
	h.plugin("a", "mod")
	require.NoError(t, h.m.Load(h.ctx, "a"))

	rec, err := h.m.AddHook(h.ctx, storage.HookRecord{PluginID: "a", Hook: "message", Method: "ok", Active: true})
	require.NoError(t, err)
	assert.Len(t, h.m.Subscribers("message"), 1)

	require.NoError(t, h.m.SetHookActive(h.ctx, "a", rec.ID, false))
	assert.Empty(t, h.m.Subscribers("message"))

	require.NoError(t, h.m.SetHookActive(h.ctx, "a", rec.ID, true))
	assert.Len(t, h.m.Subscribers("message"), 1)
	assert.Equal(t, []string{"message"}, h.m.Hooks())

	require.NoError(t, h.m.RemoveHook(h.ctx, "a", rec.ID))
	assert.Empty(t, h.m.Subscribers("message"))
}

func TestHookMutationsRequireOwningPlugin(t *testing.T) {
	h := newHarness(t)
	h.module("mod", func(f *fakePlugin) { f.Handle("ok", returning("ok")) })
	h.plugin("a", "mod")
	h.plugin("b", "mod")
	hb := h.hook("b", "message", "ok", 0)
	require.NoError(t, h.m.Load(h.ctx, "a"))
	require.NoError(t, h.m.Load(h.ctx, "b"))
	require.Len(t, h.m.Subscribers("message"), 1)

	assert.ErrorIs(t, h.m.SetHookActive(h.ctx, "a", hb.ID, true), storage.ErrNotFound)
	assert.ErrorIs(t, h.m.SetHookActive(h.ctx, "a", hb.ID, false), storage.ErrNotFound)
	assert.ErrorIs(t, h.m.RemoveHook(h.ctx, "a", hb.ID), storage.ErrNotFound)

	assert.Len(t, h.m.Subscribers("message"), 1, "b's subscription stays live")
	active, err := h.store.ListActiveHooks(h.ctx, "b")
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, []any{"ok"}, h.m.ExecuteHook(h.ctx, "message"))
}

func TestExecuteMethod(t *testing.T) {
	h := newHarness(t)
	h.module("mod", func(f *fakePlugin) {
		f.Handle("greet", func(_ context.Context, a Args) (any, error) {
			name, _ := a.String("name")
			return "hello " + name, nil
		})
		f.Handle("broken", func(context.Context, Args) (any, error) { panic("nope") })
	})
	h.plugin("a", "mod")

	res := h.m.ExecuteMethod(h.ctx, "a", "greet", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrNotLoaded.Error())

	require.NoError(t, h.m.Load(h.ctx, "a"))

	res = h.m.ExecuteMethod(h.ctx, "a", "greet", map[string]any{"name": "ops"})
	assert.True(t, res.Success)
	assert.Equal(t, "hello ops", res.Result)
	assert.GreaterOrEqual(t, res.ExecutionTimeMS, 0.0)

	res = h.m.ExecuteMethod(h.ctx, "a", "broken", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panic: nope")

	res = h.m.ExecuteMethod(h.ctx, "a", "absent", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
}
