// Package echo is a minimal plugin that answers message hooks.
package echo

import (
	"context"
	"fmt"
	"strings"

	"plugd/internal/plugin"
	logx "plugd/pkg/logx"
)

const defaultPrefix = "echo: "

type Plugin struct {
	plugin.Base
	prefix string
}

func New() plugin.Plugin {
	p := &Plugin{}
	p.Handle("on_message", p.onMessage)
	p.Handle("echo", p.echo)
	p.Handle("upper", p.upper)
	return p
}

// Module is the catalog entry for this package.
func Module() plugin.Module {
	return plugin.Module{
		Symbols:  plugin.Symbols{plugin.DefaultEntry: plugin.Factory(New)},
		Defaults: map[string]any{"prefix": defaultPrefix},
	}
}

func (p *Plugin) Initialize(_ context.Context, env plugin.Env) error {
	p.Bind(env)
	p.prefix = p.ConfigString("prefix", defaultPrefix)
	if strings.TrimSpace(p.prefix) == "" {
		p.prefix = defaultPrefix
	}
	p.Log.Debug("echo ready", logx.String("prefix", p.prefix))
	return nil
}

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		Name:        "echo",
		Version:     "1.1.0",
		Description: "repeats messages back with a prefix",
		Hooks:       []string{"message"},
	}
}

// onMessage answers the message hook with the first positional argument.
func (p *Plugin) onMessage(_ context.Context, a plugin.Args) (any, error) {
	v := a.Arg(0)
	if v == nil {
		return nil, fmt.Errorf("message hook needs a payload")
	}
	return p.prefix + fmt.Sprint(v), nil
}

func (p *Plugin) echo(_ context.Context, a plugin.Args) (any, error) {
	text, ok := a.String("text")
	if !ok {
		return nil, fmt.Errorf("missing string argument %q", "text")
	}
	return p.prefix + text, nil
}

func (p *Plugin) upper(_ context.Context, a plugin.Args) (any, error) {
	text, ok := a.String("text")
	if !ok {
		return nil, fmt.Errorf("missing string argument %q", "text")
	}
	return strings.ToUpper(text), nil
}
