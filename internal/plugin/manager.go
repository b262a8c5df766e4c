package plugin

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"plugd/internal/eventbus"
	"plugd/internal/observability/metrics"
	"plugd/internal/storage"
	logx "plugd/pkg/logx"
)

const (
	defaultCallTimeout   = 10 * time.Second
	defaultRestartSettle = 2 * time.Second
)

type Options struct {
	Catalog *Catalog
	Store   storage.Store
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Logger  logx.Logger

	// CallTimeout bounds Initialize and Cleanup. Default 10s.
	CallTimeout time.Duration
	// RestartSettle is the pause between unload and load in Restart. Default 2s.
	RestartSettle time.Duration
}

// instance is the live state of one ACTIVE plugin.
type instance struct {
	id       string
	name     string
	plugin   Plugin
	info     Info
	config   map[string]any
	loadedAt time.Time
	ctx      context.Context
	cancel   context.CancelFunc
}

// Manager owns plugin lifecycles and the hook registry.
//
// Structural changes (load, unload, reload, hook registration) are serialized
// by mu. Dispatch and status reads never take mu: instances live in a
// concurrent map and the hook table is an atomically swapped snapshot.
type Manager struct {
	mu sync.Mutex

	catalog *Catalog
	store   storage.Store
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	callTimeout   time.Duration
	restartSettle time.Duration

	instances cmap.ConcurrentMap[string, *instance]
	hooks     *registry

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// sleep waits for d or ctx; swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(opts Options) *Manager {
	if opts.Catalog == nil {
		opts.Catalog = NewCatalog()
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemory()
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.RestartSettle < 0 {
		opts.RestartSettle = 0
	} else if opts.RestartSettle == 0 {
		opts.RestartSettle = defaultRestartSettle
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		catalog:       opts.Catalog,
		store:         opts.Store,
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		log:           log.With(logx.String("comp", "plugin.manager")),
		callTimeout:   opts.CallTimeout,
		restartSettle: opts.RestartSettle,
		instances:     cmap.New[*instance](),
		hooks:         newRegistry(),
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) Store() storage.Store { return m.store }
func (m *Manager) Catalog() *Catalog    { return m.catalog }

// SetTimeouts applies runtime config changes. Zero keeps the current value.
func (m *Manager) SetTimeouts(call, settle time.Duration) {
	m.mu.Lock()
	if call > 0 {
		m.callTimeout = call
	}
	if settle > 0 {
		m.restartSettle = settle
	}
	m.mu.Unlock()
}

func (m *Manager) emit(typ string, data eventbus.PluginEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// plog writes a plugin log record; failures are only logged.
func (m *Manager) plog(ctx context.Context, rec storage.LogRecord) {
	if err := m.store.AppendLog(context.WithoutCancel(ctx), rec); err != nil {
		m.log.Warn("plugin log write failed", logx.String("plugin", rec.PluginID), logx.Err(err))
	}
}

// Load activates a plugin. Loading an ACTIVE plugin is a no-op.
// Failures are recorded on the plugin record and returned as *LoadError;
// Load never panics.
func (m *Manager) Load(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx, id)
}

func (m *Manager) loadLocked(ctx context.Context, id string) error {
	if m.instances.Has(id) {
		return nil
	}
	start := time.Now()

	rec, err := m.store.GetPlugin(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = fmt.Errorf("%w: plugin %q is not registered", ErrResolution, id)
		}
		m.metrics.PluginLoaded(StageLookup, err)
		return &LoadError{PluginID: id, Stage: StageLookup, Err: err}
	}
	if err := m.store.UpdatePluginStatus(ctx, id, storage.StatusLoading, ""); err != nil {
		m.log.Warn("status update failed", logx.String("plugin", id), logx.Err(err))
	}

	factory, defaults, err := m.catalog.Resolve(rec.Module)
	if err != nil {
		stage := StageResolve
		if errors.Is(err, ErrContract) {
			stage = StageContract
		}
		return m.failLoad(ctx, id, stage, err)
	}

	p, err := safeValue(func() (Plugin, error) { return factory(), nil })
	if err != nil {
		return m.failLoad(ctx, id, StageContract, fmt.Errorf("%w: factory panicked: %w", ErrContract, err))
	}
	if p == nil {
		return m.failLoad(ctx, id, StageContract, fmt.Errorf("%w: factory for %q returned nil", ErrContract, rec.Module))
	}

	cfg := defaults
	if cfg == nil {
		cfg = map[string]any{}
	}
	maps.Copy(cfg, rec.Config)

	ictx, cancel := context.WithCancel(m.baseCtx)
	env := Env{
		ID:      id,
		Context: ictx,
		Config:  maps.Clone(cfg),
		Logger:  m.log.With(logx.String("comp", "plugin"), logx.String("plugin", id)),
		Bus:     m.bus,
		Host:    m,
	}
	if err := callWithTimeout(ctx, m.callTimeout, func(c context.Context) error { return p.Initialize(c, env) }); err != nil {
		cancel()
		return m.failLoad(ctx, id, StageInitialize, fmt.Errorf("%w: %w", ErrInitialization, err))
	}

	hooks, err := m.store.ListActiveHooks(ctx, id)
	if err != nil {
		m.cleanup(ctx, id, p)
		cancel()
		return m.failLoad(ctx, id, StageHooks, err)
	}

	info := SafeInfo(p)
	name := rec.Name
	if name == "" {
		name = info.Name
	}
	now := time.Now()
	m.instances.Set(id, &instance{
		id: id, name: name, plugin: p, info: info, config: cfg,
		loadedAt: now, ctx: ictx, cancel: cancel,
	})
	m.hooks.add(hooks)

	if err := m.store.RecordPluginLoad(ctx, id, now); err != nil {
		m.log.Warn("load bookkeeping failed", logx.String("plugin", id), logx.Err(err))
	}
	m.plog(ctx, storage.LogRecord{
		PluginID: id, Level: storage.LogInfo, Message: "plugin loaded",
		Context: map[string]any{"module": rec.Module, "hooks": len(hooks), "version": info.Version},
	})
	m.metrics.PluginLoaded("ok", nil)
	m.metrics.SetLoaded(m.instances.Count())
	m.emit(eventbus.PluginLoaded, eventbus.PluginEvent{PluginID: id})
	m.log.Info("plugin loaded",
		logx.String("plugin", id),
		logx.String("module", rec.Module),
		logx.Int("hooks", len(hooks)),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

func (m *Manager) failLoad(ctx context.Context, id, stage string, err error) error {
	ctx = context.WithoutCancel(ctx)
	msg := fmt.Sprintf("%s: %v", stage, err)
	if uerr := m.store.UpdatePluginStatus(ctx, id, storage.StatusError, msg); uerr != nil {
		m.log.Warn("status update failed", logx.String("plugin", id), logx.Err(uerr))
	}
	if rerr := m.store.RecordPluginError(ctx, id, msg); rerr != nil {
		m.log.Warn("error bookkeeping failed", logx.String("plugin", id), logx.Err(rerr))
	}
	stack := StackOf(err)
	m.plog(ctx, storage.LogRecord{
		PluginID: id, Level: storage.LogError, Message: "plugin load failed: " + msg,
		Stack: stack, Context: map[string]any{"stage": stage},
	})
	m.metrics.PluginLoaded(stage, err)
	m.emit(eventbus.PluginLoadFailed, eventbus.PluginEvent{PluginID: id, Stage: stage, Err: err.Error()})
	m.log.Error("plugin load failed",
		logx.String("plugin", id),
		logx.String("stage", stage),
		logx.Err(err),
		logx.Stack(stack),
	)
	return &LoadError{PluginID: id, Stage: stage, Err: err}
}

// cleanup calls Cleanup best-effort; a failure is logged and recorded only.
func (m *Manager) cleanup(ctx context.Context, id string, p Plugin) {
	cctx := context.WithoutCancel(ctx)
	err := callWithTimeout(cctx, m.callTimeout, func(c context.Context) error { return p.Cleanup(c) })
	if err == nil {
		return
	}
	stack := StackOf(err)
	m.log.Warn("plugin cleanup failed", logx.String("plugin", id), logx.Err(err), logx.Stack(stack))
	m.plog(ctx, storage.LogRecord{
		PluginID: id, Level: storage.LogWarning, Message: "cleanup failed: " + err.Error(), Stack: stack,
	})
}

// Unload deactivates a plugin. Unloading a plugin that is not loaded is a
// no-op apart from normalizing a stale persisted status to inactive.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked(ctx, id, true)
}

func (m *Manager) unloadLocked(ctx context.Context, id string, persist bool) error {
	inst, ok := m.instances.Get(id)
	if !ok {
		if !persist {
			return nil
		}
		rec, err := m.store.GetPlugin(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if rec.Status == storage.StatusActive || rec.Status == storage.StatusLoading {
			return m.store.UpdatePluginStatus(ctx, id, storage.StatusInactive, "")
		}
		return nil
	}

	removed := m.hooks.removePlugin(id)
	m.instances.Remove(id)
	m.cleanup(ctx, id, inst.plugin)
	inst.cancel()

	if persist {
		if err := m.store.UpdatePluginStatus(context.WithoutCancel(ctx), id, storage.StatusInactive, ""); err != nil {
			m.log.Warn("status update failed", logx.String("plugin", id), logx.Err(err))
		}
		m.plog(ctx, storage.LogRecord{PluginID: id, Level: storage.LogInfo, Message: "plugin unloaded"})
	}
	m.metrics.PluginUnloaded()
	m.metrics.SetLoaded(m.instances.Count())
	m.emit(eventbus.PluginUnloaded, eventbus.PluginEvent{PluginID: id})
	m.log.Info("plugin unloaded", logx.String("plugin", id), logx.Int("hooks_removed", removed))
	return nil
}

// Reload unloads and loads id under one lock acquisition, so no other
// structural change can interleave.
func (m *Manager) Reload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unloadLocked(ctx, id, true); err != nil {
		return err
	}
	return m.loadLocked(ctx, id)
}

// Restart unloads, waits the settle delay, then loads. Once the unload has
// happened the restart runs to completion even if ctx ends.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.Unload(ctx, id); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	m.mu.Lock()
	settle := m.restartSettle
	m.mu.Unlock()
	if err := m.sleep(ctx, settle); err != nil {
		return err
	}
	return m.Load(ctx, id)
}

// LoadAll restores every plugin persisted as active (or left loading by a
// crash) plus the ids in enabled. It returns the failures by plugin id.
func (m *Manager) LoadAll(ctx context.Context, enabled []string) map[string]error {
	recs, err := m.store.ListPlugins(ctx)
	if err != nil {
		return map[string]error{"*": err}
	}
	want := map[string]bool{}
	for _, id := range enabled {
		want[id] = true
	}
	for _, r := range recs {
		if r.Status == storage.StatusActive || r.Status == storage.StatusLoading {
			want[r.ID] = true
		}
	}
	ids := make([]string, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	failed := map[string]error{}
	for _, id := range ids {
		if err := m.Load(ctx, id); err != nil {
			failed[id] = err
		}
	}
	m.log.Info("plugins restored", logx.Int("wanted", len(ids)), logx.Int("failed", len(failed)))
	return failed
}

// UnloadAll unloads every plugin and marks it inactive.
func (m *Manager) UnloadAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.instances.Keys() {
		_ = m.unloadLocked(ctx, id, true)
	}
}

// Shutdown releases every instance but keeps persisted statuses, so the
// next LoadAll restores the same set.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	for _, id := range m.instances.Keys() {
		_ = m.unloadLocked(ctx, id, false)
	}
	m.mu.Unlock()
	m.baseCancel()
}

// AddHook persists a subscription and, when it is active and its plugin is
// loaded, registers it immediately.
func (m *Manager) AddHook(ctx context.Context, h storage.HookRecord) (storage.HookRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.store.CreateHook(ctx, h)
	if err != nil {
		return storage.HookRecord{}, err
	}
	if rec.Active && m.instances.Has(rec.PluginID) {
		m.hooks.add([]storage.HookRecord{rec})
	}
	return rec, nil
}

// ownedHook returns the subscription hookID if it belongs to pluginID.
func (m *Manager) ownedHook(ctx context.Context, pluginID, hookID string) (storage.HookRecord, error) {
	hooks, err := m.store.ListHooks(ctx, pluginID)
	if err != nil {
		return storage.HookRecord{}, err
	}
	for _, h := range hooks {
		if h.ID == hookID {
			return h, nil
		}
	}
	return storage.HookRecord{}, fmt.Errorf("hook %s of plugin %s: %w", hookID, pluginID, storage.ErrNotFound)
}

// SetHookActive toggles a persisted subscription of pluginID and updates
// the live registry.
func (m *Manager) SetHookActive(ctx context.Context, pluginID, hookID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.ownedHook(ctx, pluginID, hookID)
	if err != nil {
		return err
	}
	if err := m.store.SetHookActive(ctx, hookID, active); err != nil {
		return err
	}
	m.hooks.removeHook(hookID)
	if active && m.instances.Has(pluginID) {
		rec.Active = true
		m.hooks.add([]storage.HookRecord{rec})
	}
	return nil
}

// RemoveHook deletes a subscription of pluginID and drops it from the registry.
func (m *Manager) RemoveHook(ctx context.Context, pluginID, hookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.ownedHook(ctx, pluginID, hookID); err != nil {
		return err
	}
	if err := m.store.DeleteHook(ctx, hookID); err != nil {
		return err
	}
	m.hooks.removeHook(hookID)
	return nil
}

// Delete unloads a plugin and removes its record, hooks and logs.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unloadLocked(ctx, id, false); err != nil {
		return err
	}
	return m.store.DeletePlugin(ctx, id)
}

// IsLoaded reports whether id has a live instance.
func (m *Manager) IsLoaded(id string) bool { return m.instances.Has(id) }

// Loaded returns the ids of live instances, sorted.
func (m *Manager) Loaded() []string {
	ids := m.instances.Keys()
	sort.Strings(ids)
	return ids
}

// Subscribers returns the hook's current subscribers in dispatch order.
func (m *Manager) Subscribers(hook string) []Subscription {
	entries := m.hooks.subscribers(hook)
	out := make([]Subscription, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.view())
	}
	return out
}

// Hooks returns every registered hook name, sorted.
func (m *Manager) Hooks() []string {
	t := m.hooks.snapshot()
	out := make([]string, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// InstanceView exposes a live instance to the health monitor.
type InstanceView struct {
	ID       string
	Name     string
	Info     Info
	Plugin   Plugin
	Context  context.Context
	LoadedAt time.Time
}

// Instance returns the live instance for id.
func (m *Manager) Instance(id string) (InstanceView, bool) {
	inst, ok := m.instances.Get(id)
	if !ok {
		return InstanceView{}, false
	}
	return InstanceView{
		ID: inst.id, Name: inst.name, Info: inst.info, Plugin: inst.plugin,
		Context: inst.ctx, LoadedAt: inst.loadedAt,
	}, true
}

// Status is one row of Snapshot.
type Status struct {
	storage.PluginRecord
	Loaded   bool      `json:"loaded"`
	Hooks    int       `json:"hooks"`
	Version  string    `json:"version,omitempty"`
	LoadedAt time.Time `json:"loaded_at,omitzero"`
}

// Snapshot joins persisted records with live state.
func (m *Manager) Snapshot(ctx context.Context) ([]Status, error) {
	recs, err := m.store.ListPlugins(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(recs))
	for _, r := range recs {
		st := Status{PluginRecord: r}
		if inst, ok := m.instances.Get(r.ID); ok {
			st.Loaded = true
			st.Version = inst.info.Version
			st.LoadedAt = inst.loadedAt
			st.Hooks = m.hooks.countFor(r.ID)
		}
		out = append(out, st)
	}
	return out, nil
}
