package plugin

import (
	"context"
	"fmt"
	"time"

	"plugd/internal/eventbus"
	"plugd/internal/storage"
	logx "plugd/pkg/logx"
)

// HookOutcome is the result of one subscriber invocation.
type HookOutcome struct {
	PluginID string        `json:"plugin_id"`
	Method   string        `json:"method"`
	Result   any           `json:"result,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// ExecuteHook invokes every live subscriber of name in ascending priority
// and returns the successful results in that order. Failing subscribers are
// logged, recorded and skipped. It never panics. If ctx ends mid-dispatch the
// remaining subscribers are not invoked and the results so far are returned.
func (m *Manager) ExecuteHook(ctx context.Context, name string, args ...any) []any {
	outs := m.ExecuteHookDetailed(ctx, name, args...)
	results := make([]any, 0, len(outs))
	for _, o := range outs {
		if o.Err == nil {
			results = append(results, o.Result)
		}
	}
	return results
}

// ExecuteHookDetailed is ExecuteHook reporting every attempted subscriber.
// Subscribers whose plugin is no longer loaded are skipped without an outcome.
func (m *Manager) ExecuteHookDetailed(ctx context.Context, name string, args ...any) []HookOutcome {
	entries := m.hooks.subscribers(name)
	if len(entries) == 0 {
		return nil
	}
	in := Args{Positional: args}
	outs := make([]HookOutcome, 0, len(entries))
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			m.log.Warn("hook dispatch cancelled",
				logx.String("hook", name),
				logx.Int("skipped", len(entries)-i),
				logx.Err(err),
			)
			break
		}
		inst, ok := m.instances.Get(e.pluginID)
		if !ok {
			continue
		}

		start := time.Now()
		fn, err := lookupMethod(inst.plugin, e.method)
		var res any
		if err == nil {
			res, err = invoke(ctx, fn, in)
		}
		d := time.Since(start)

		out := HookOutcome{PluginID: e.pluginID, Method: e.method, Duration: d}
		if err != nil {
			out.Err = fmt.Errorf("%w: %s.%s: %w", ErrHookExecution, e.pluginID, e.method, err)
			m.hookFailed(ctx, e, out.Err)
			outs = append(outs, out)
			continue
		}
		out.Result = res
		outs = append(outs, out)

		st := e.observe(d, start.Add(d))
		if err := m.store.UpdateHookStats(ctx, e.id, st); err != nil {
			m.log.Debug("hook stats write failed", logx.String("hook", name), logx.String("plugin", e.pluginID), logx.Err(err))
		}
		m.metrics.HookExecuted(name, e.pluginID, d, nil)
	}
	return outs
}

func (m *Manager) hookFailed(ctx context.Context, e *hookEntry, err error) {
	stack := StackOf(err)
	m.log.Error("hook subscriber failed",
		logx.String("hook", e.hook),
		logx.String("plugin", e.pluginID),
		logx.String("method", e.method),
		logx.Err(err),
		logx.Stack(stack),
	)
	bg := context.WithoutCancel(ctx)
	m.plog(bg, storage.LogRecord{
		PluginID: e.pluginID, Level: storage.LogError, Message: err.Error(),
		Stack: stack, Hook: e.hook, Context: map[string]any{"method": e.method},
	})
	if rerr := m.store.CountPluginError(bg, e.pluginID); rerr != nil {
		m.log.Debug("error bookkeeping failed", logx.String("plugin", e.pluginID), logx.Err(rerr))
	}
	m.metrics.HookExecuted(e.hook, e.pluginID, 0, err)
	m.emit(eventbus.HookFailed, eventbus.PluginEvent{PluginID: e.pluginID, Hook: e.hook, Err: err.Error()})
}
