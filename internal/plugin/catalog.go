package plugin

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
)

// Factory constructs a fresh plugin instance.
type Factory func() Plugin

// Symbols maps entry names to exported values of a module.
type Symbols map[string]any

// Module is one registered unit of plugin code.
type Module struct {
	Symbols  Symbols
	Defaults map[string]any
}

// DefaultEntry is used when a module reference has no ":Entry" suffix.
const DefaultEntry = "New"

// Catalog is the typed registry modules are resolved from.
type Catalog struct {
	mu      sync.RWMutex
	modules map[string]Module
}

func NewCatalog() *Catalog { return &Catalog{modules: map[string]Module{}} }

// Register adds a module under a stable identifier.
func (c *Catalog) Register(name string, m Module) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ":") {
		return fmt.Errorf("invalid module name %q", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.modules[name]; ok {
		return fmt.Errorf("module %q already registered", name)
	}
	c.modules[name] = Module{Symbols: maps.Clone(m.Symbols), Defaults: maps.Clone(m.Defaults)}
	return nil
}

// MustRegister is Register for package init and main wiring.
func (c *Catalog) MustRegister(name string, m Module) {
	if err := c.Register(name, m); err != nil {
		panic(err)
	}
}

// Modules returns registered module names, sorted.
func (c *Catalog) Modules() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.modules))
	for k := range c.modules {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ParseRef splits "module:Entry"; the entry defaults to New.
func ParseRef(ref string) (module, entry string) {
	ref = strings.TrimSpace(ref)
	module, entry, found := strings.Cut(ref, ":")
	module = strings.TrimSpace(module)
	entry = strings.TrimSpace(entry)
	if !found || entry == "" {
		entry = DefaultEntry
	}
	return module, entry
}

// Resolve finds the entry symbol for ref and checks it has a factory shape.
// Nothing is constructed.
func (c *Catalog) Resolve(ref string) (Factory, map[string]any, error) {
	module, entry := ParseRef(ref)
	c.mu.RLock()
	m, ok := c.modules[module]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown module %q", ErrResolution, module)
	}
	sym, ok := m.Symbols[entry]
	if !ok {
		return nil, nil, fmt.Errorf("%w: module %q has no entry %q", ErrResolution, module, entry)
	}
	switch f := sym.(type) {
	case Factory:
		if f == nil {
			return nil, nil, fmt.Errorf("%w: %s:%s is a nil factory", ErrContract, module, entry)
		}
		return f, maps.Clone(m.Defaults), nil
	case func() Plugin:
		if f == nil {
			return nil, nil, fmt.Errorf("%w: %s:%s is a nil factory", ErrContract, module, entry)
		}
		return Factory(f), maps.Clone(m.Defaults), nil
	default:
		return nil, nil, fmt.Errorf("%w: %s:%s has type %T, want plugin.Factory", ErrContract, module, entry, sym)
	}
}
