package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "plugd/pkg/logx"
)

// Base is a small helper to make writing plugins faster and safer.
// Typical usage:
//
//	type Plugin struct{ plugin.Base }
//	func New() plugin.Plugin {
//		p := &Plugin{}
//		p.Handle("on_message", p.onMessage)
//		return p
//	}
//	func (p *Plugin) Initialize(ctx context.Context, env plugin.Env) error { p.Bind(env); return nil }
//	func (p *Plugin) Info() plugin.Info { return plugin.Info{Name: "echo", Version: "1.0.0"} }
type Base struct {
	Log logx.Logger
	Env Env

	mu      sync.RWMutex
	methods map[string]Method
	cfg     map[string]any
}

// Bind stores env and derives the plugin logger.
func (b *Base) Bind(env Env) {
	b.mu.Lock()
	b.Env = env
	b.cfg = env.Config
	b.mu.Unlock()
	if env.Logger.IsZero() {
		b.Log = logx.Nop()
	} else {
		b.Log = env.Logger
	}
}

// Handle registers a named method. Registering the same name twice replaces it.
func (b *Base) Handle(name string, fn Method) {
	b.mu.Lock()
	if b.methods == nil {
		b.methods = map[string]Method{}
	}
	b.methods[name] = fn
	b.mu.Unlock()
}

// Method implements Plugin.
func (b *Base) Method(name string) (Method, bool) {
	b.mu.RLock()
	fn, ok := b.methods[name]
	b.mu.RUnlock()
	return fn, ok && fn != nil
}

// Cleanup implements Plugin with a no-op.
func (b *Base) Cleanup(context.Context) error { return nil }

// HealthCheck implements Plugin with a single "basic" check.
func (b *Base) HealthCheck(context.Context) Report {
	b.mu.RLock()
	ctx := b.Env.Context
	b.mu.RUnlock()
	if ctx != nil && ctx.Err() != nil {
		return Report{Status: Offline, Checks: map[string]string{"basic": "context closed"}}
	}
	return Report{Status: Healthy, Checks: map[string]string{"basic": "ok"}}
}

// ConfigString reads a string config value with a default.
func (b *Base) ConfigString(key, def string) string {
	b.mu.RLock()
	v, ok := b.cfg[key]
	b.mu.RUnlock()
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ConfigDuration reads a Go duration string (or a number of seconds) with a default.
func (b *Base) ConfigDuration(key string, def time.Duration) time.Duration {
	b.mu.RLock()
	v, ok := b.cfg[key]
	b.mu.RUnlock()
	if !ok {
		return def
	}
	switch x := v.(type) {
	case string:
		d, err := time.ParseDuration(x)
		if err != nil || d < 0 {
			return def
		}
		return d
	case float64:
		return time.Duration(x * float64(time.Second))
	case int:
		return time.Duration(x) * time.Second
	}
	return def
}
