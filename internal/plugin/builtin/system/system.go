// Package system exposes runtime information about the host process.
package system

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"

	"plugd/internal/plugin"
)

const defaultMaxGoroutines = 10000

type Plugin struct {
	plugin.Base
	startedAt     time.Time
	maxGoroutines int
}

func New() plugin.Plugin {
	p := &Plugin{}
	p.Handle("ping", func(context.Context, plugin.Args) (any, error) { return "pong", nil })
	p.Handle("uptime", p.uptime)
	p.Handle("sysinfo", p.sysinfo)
	p.Handle("on_tick", p.uptime)
	return p
}

func Module() plugin.Module {
	return plugin.Module{
		Symbols:  plugin.Symbols{plugin.DefaultEntry: plugin.Factory(New)},
		Defaults: map[string]any{"max_goroutines": defaultMaxGoroutines},
	}
}

func (p *Plugin) Initialize(_ context.Context, env plugin.Env) error {
	p.Bind(env)
	p.startedAt = time.Now()
	n, err := strconv.Atoi(p.ConfigString("max_goroutines", strconv.Itoa(defaultMaxGoroutines)))
	if err != nil || n <= 0 {
		return fmt.Errorf("max_goroutines must be a positive integer")
	}
	p.maxGoroutines = n
	return nil
}

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		Name:        "system",
		Version:     "1.0.0",
		Description: "process uptime and runtime stats",
		Hooks:       []string{"tick"},
	}
}

// HealthCheck reports warning once the goroutine count crosses the limit.
func (p *Plugin) HealthCheck(ctx context.Context) plugin.Report {
	rep := p.Base.HealthCheck(ctx)
	if rep.Status != plugin.Healthy {
		return rep
	}
	n := runtime.NumGoroutine()
	rep.Checks["goroutines"] = strconv.Itoa(n)
	if n > p.maxGoroutines {
		rep.Status = plugin.Warning
		rep.Message = fmt.Sprintf("%d goroutines exceeds %d", n, p.maxGoroutines)
	}
	return rep
}

func (p *Plugin) uptime(context.Context, plugin.Args) (any, error) {
	return durRel(time.Since(p.startedAt)), nil
}

func (p *Plugin) sysinfo(context.Context, plugin.Args) (any, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	mod := ""
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		mod = bi.Main.Path + " " + bi.Main.Version
	}
	return map[string]any{
		"go":         runtime.Version(),
		"module":     mod,
		"goroutines": runtime.NumGoroutine(),
		"mem_alloc":  fmtBytes(m.Alloc),
		"mem_sys":    fmtBytes(m.Sys),
		"uptime":     durRel(time.Since(p.startedAt)),
	}, nil
}

func fmtBytes(n uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case n >= GB:
		return fmt.Sprintf("%.1fGB", float64(n)/GB)
	case n >= MB:
		return fmt.Sprintf("%.1fMB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.1fKB", float64(n)/KB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
