package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"plugd/internal/eventbus"
	"plugd/internal/notifier"
	"plugd/internal/observability/metrics"
	"plugd/internal/plugin"
	logx "plugd/pkg/logx"
)

var ErrClosed = errors.New("health monitor closed")

// Source is the view of the plugin manager the monitor evaluates.
type Source interface {
	Loaded() []string
	IsLoaded(id string) bool
	Instance(id string) (plugin.InstanceView, bool)
}

// Alerter receives critical health alerts.
type Alerter interface {
	Notify(ctx context.Context, ev notifier.Event) error
}

type Options struct {
	Source  Source
	Alerter Alerter
	Sampler Sampler
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Logger  logx.Logger
}

// Monitor runs probes and owns the result cache.
type Monitor struct {
	src     Source
	alerter Alerter
	sampler Sampler
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	mu     sync.RWMutex
	cfg    Config
	pool   *ants.Pool
	closed bool

	cmu   sync.RWMutex
	cache map[string]Result

	now func() time.Time
}

func New(cfg Config, opts Options) (*Monitor, error) {
	cfg = cfg.withDefaults()
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "health"))
	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(p any) {
		log.Error("health worker panicked", logx.Any("panic", p))
	}))
	if err != nil {
		return nil, err
	}
	if opts.Sampler == nil {
		opts.Sampler = NewProcessSampler()
	}
	return &Monitor{
		src:     opts.Source,
		alerter: opts.Alerter,
		sampler: opts.Sampler,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     log,
		cfg:     cfg,
		pool:    pool,
		cache:   map[string]Result{},
		now:     time.Now,
	}, nil
}

func (m *Monitor) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Apply swaps thresholds and resizes the worker pool.
func (m *Monitor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	if !m.closed {
		m.pool.Tune(cfg.Workers)
	}
	m.mu.Unlock()
}

// Close releases the worker pool.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.pool.Release()
}

// Ready is a readiness check for the admin surface.
func (m *Monitor) Ready() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || m.pool.IsClosed() {
		return ErrClosed
	}
	return nil
}

// PerformHealthChecks evaluates every loaded plugin, refreshes the cache and
// raises alerts for critical results.
func (m *Monitor) PerformHealthChecks(ctx context.Context) Summary {
	results := m.evaluateMany(ctx, m.src.Loaded())
	for _, res := range results {
		m.record(ctx, res, true)
	}
	sum := summarize(results)
	m.metrics.SetHealthCounts(sum.Counts())
	m.log.Debug("health pass complete",
		logx.Int("total", sum.Total),
		logx.Int("critical", sum.Critical),
		logx.Int("warning", sum.Warning),
	)
	return sum
}

// Check always recomputes id's result. It caches the result but raises no
// alert; alerts come from PerformHealthChecks.
func (m *Monitor) Check(ctx context.Context, id string) Result {
	res := m.evaluate(ctx, id)
	m.record(ctx, res, false)
	return res
}

// Lookup returns the cached result for id while it is fresh, else recomputes.
func (m *Monitor) Lookup(ctx context.Context, id string) Result {
	if res, ok := m.fresh(id); ok {
		return res
	}
	return m.Check(ctx, id)
}

// LookupAll is Lookup for every loaded plugin.
func (m *Monitor) LookupAll(ctx context.Context) Summary {
	ids := m.src.Loaded()
	results := make([]Result, 0, len(ids))
	var stale []string
	for _, id := range ids {
		if res, ok := m.fresh(id); ok {
			results = append(results, res)
			continue
		}
		stale = append(stale, id)
	}
	for _, res := range m.evaluateMany(ctx, stale) {
		m.record(ctx, res, false)
		results = append(results, res)
	}
	return summarize(results)
}

// Cached returns the last result for id regardless of age.
func (m *Monitor) Cached(id string) (Result, bool) {
	m.cmu.RLock()
	defer m.cmu.RUnlock()
	res, ok := m.cache[id]
	return res, ok
}

// Forget drops id from the cache.
func (m *Monitor) Forget(id string) {
	m.cmu.Lock()
	delete(m.cache, id)
	m.cmu.Unlock()
}

// SweepCache removes expired results and results of unloaded plugins.
func (m *Monitor) SweepCache() int {
	ttl := m.config().CacheTTL
	now := m.now()
	m.cmu.Lock()
	defer m.cmu.Unlock()
	n := 0
	for id, res := range m.cache {
		if now.Sub(res.CheckedAt) >= ttl || !m.src.IsLoaded(id) {
			delete(m.cache, id)
			n++
		}
	}
	return n
}

func (m *Monitor) fresh(id string) (Result, bool) {
	ttl := m.config().CacheTTL
	m.cmu.RLock()
	res, ok := m.cache[id]
	m.cmu.RUnlock()
	if !ok || m.now().Sub(res.CheckedAt) >= ttl {
		return Result{}, false
	}
	return res, true
}

// evaluateMany evaluates ids on the worker pool. Work the pool refuses runs inline.
func (m *Monitor) evaluateMany(ctx context.Context, ids []string) []Result {
	if len(ids) == 0 {
		return nil
	}
	out := make([]Result, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			out[i] = m.evaluate(ctx, id)
		}
		m.mu.RLock()
		err := ErrClosed
		if !m.closed {
			err = m.pool.Submit(task)
		}
		m.mu.RUnlock()
		if err != nil {
			task()
		}
	}
	wg.Wait()
	return out
}

// record caches res. A critical result is logged and published, and sent to
// the alerter when alert is set.
func (m *Monitor) record(ctx context.Context, res Result, alert bool) {
	m.cmu.Lock()
	m.cache[res.PluginID] = res
	m.cmu.Unlock()
	if res.Status != plugin.Critical {
		return
	}
	failed := res.FailedChecks()
	m.log.Warn("plugin critical",
		logx.String("plugin", res.PluginID),
		logx.Strs("failed_checks", failed),
	)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.HealthCritical, Data: eventbus.PluginEvent{PluginID: res.PluginID, Checks: failed}})
	}
	if !alert || m.alerter == nil {
		return
	}
	err := m.alerter.Notify(ctx, notifier.HealthAlert{
		PluginID:     res.PluginID,
		PluginName:   res.PluginName,
		Status:       string(res.Status),
		FailedChecks: failed,
		At:           res.CheckedAt,
	})
	if err != nil && !errors.Is(err, notifier.ErrDisabled) {
		m.log.Warn("health alert not queued", logx.String("plugin", res.PluginID), logx.Err(err))
	}
}

// evaluate runs the four probes for id concurrently.
func (m *Monitor) evaluate(ctx context.Context, id string) Result {
	inst, ok := m.src.Instance(id)
	if !ok {
		return Result{
			PluginID:  id,
			Status:    plugin.Offline,
			Checks:    map[string]Check{CheckProcess: {Status: plugin.Offline, Message: "instance not loaded"}},
			CheckedAt: m.now(),
		}
	}
	timeout := m.config().ProbeTimeout
	probes := map[string]probeFunc{
		CheckProcess:        m.processProbe,
		CheckResponsiveness: m.responsivenessProbe,
		CheckResources:      m.resourcesProbe,
		CheckDependencies:   m.dependenciesProbe,
	}

	res := Result{
		PluginID:   id,
		PluginName: inst.Name,
		Status:     plugin.Healthy,
		Checks:     make(map[string]Check, len(probes)),
		Metrics:    map[string]float64{},
	}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, fn := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, vals := runProbe(ctx, timeout, inst, fn)
			m.metrics.ObserveProbe(name, c.Duration)
			mu.Lock()
			res.Checks[name] = c
			for k, v := range vals {
				res.Metrics[k] = v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, c := range res.Checks {
		res.Status = res.Status.Worse(c.Status)
	}
	if !m.src.IsLoaded(id) {
		res.Status = plugin.Offline
	}
	res.CheckedAt = m.now()
	return res
}
