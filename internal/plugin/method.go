package plugin

import (
	"context"
	"fmt"
	"time"

	logx "plugd/pkg/logx"
)

// MethodResult is the outcome of ExecuteMethod.
type MethodResult struct {
	Success         bool    `json:"success"`
	Result          any     `json:"result,omitempty"`
	Error           string  `json:"error,omitempty"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
}

// ExecuteMethod calls a named method on a loaded plugin with named arguments.
func (m *Manager) ExecuteMethod(ctx context.Context, id, method string, kwargs map[string]any) MethodResult {
	inst, ok := m.instances.Get(id)
	if !ok {
		return MethodResult{Error: fmt.Sprintf("%v: %s", ErrNotLoaded, id)}
	}
	start := time.Now()
	fn, err := lookupMethod(inst.plugin, method)
	var res any
	if err == nil {
		res, err = invoke(ctx, fn, Args{Named: kwargs})
	}
	ms := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		m.log.Warn("method call failed",
			logx.String("plugin", id),
			logx.String("method", method),
			logx.Err(err),
			logx.Stack(StackOf(err)),
		)
		return MethodResult{Error: err.Error(), ExecutionTimeMS: ms}
	}
	return MethodResult{Success: true, Result: res, ExecutionTimeMS: ms}
}
