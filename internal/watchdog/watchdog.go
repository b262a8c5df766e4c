// Package watchdog periodically evaluates plugin health and tries to recover
// critical plugins with an ordered list of strategies.
package watchdog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coreos/go-systemd/v22/daemon"

	"plugd/internal/eventbus"
	"plugd/internal/health"
	"plugd/internal/notifier"
	"plugd/internal/observability/metrics"
	"plugd/internal/plugin"
	rtsup "plugd/internal/runtime/supervisor"
	logx "plugd/pkg/logx"
)

type Config struct {
	Interval     time.Duration
	CooldownBase time.Duration
	CooldownMax  time.Duration
	MaxExhausted int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = time.Minute
	}
	if c.CooldownMax < c.CooldownBase {
		c.CooldownMax = 30 * time.Minute
		if c.CooldownMax < c.CooldownBase {
			c.CooldownMax = c.CooldownBase
		}
	}
	if c.MaxExhausted <= 0 {
		c.MaxExhausted = 5
	}
	return c
}

// Checker is the health view the watchdog acts on.
type Checker interface {
	PerformHealthChecks(ctx context.Context) health.Summary
	Check(ctx context.Context, id string) health.Result
}

// Recoverer performs the recovery actions.
type Recoverer interface {
	Reload(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
}

type Notifier interface {
	Notify(ctx context.Context, ev notifier.Event) error
}

// Strategy is one recovery action. Event is the past-tense lifecycle name
// reported when it succeeds.
type Strategy struct {
	Name  string
	Event string
	Run   func(ctx context.Context, id string) error
}

type Options struct {
	Checker   Checker
	Recoverer Recoverer
	Notifier  Notifier
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Logger    logx.Logger
}

// recovery is the per-plugin bookkeeping between cycles.
type recovery struct {
	exhausted   int
	next        time.Time
	quarantined bool
	cooldown    *backoff.ExponentialBackOff
}

type Watchdog struct {
	mu         sync.Mutex
	cfg        Config
	checker    Checker
	notifier   Notifier
	bus        eventbus.Bus
	metrics    *metrics.Metrics
	log        logx.Logger
	strategies []Strategy

	running bool
	sup     *rtsup.Supervisor
	wake    chan struct{}
	lastRun time.Time
	cycles  int64
	state   map[string]*recovery

	// ping reports liveness to systemd; nil when no systemd watchdog is armed.
	ping func()
	now  func() time.Time
}

func New(cfg Config, opts Options) *Watchdog {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Watchdog{
		cfg:      cfg.withDefaults(),
		checker:  opts.Checker,
		notifier: opts.Notifier,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		log:      log.With(logx.String("comp", "watchdog")),
		wake:     make(chan struct{}, 1),
		state:    map[string]*recovery{},
		now:      time.Now,
	}
	if r := opts.Recoverer; r != nil {
		w.strategies = []Strategy{
			{Name: "reload", Event: "reloaded", Run: r.Reload},
			{Name: "restart", Event: "restarted", Run: r.Restart},
		}
	}
	return w
}

// Apply updates the policy. A new interval takes effect at the next sleep.
func (w *Watchdog) Apply(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.mu.Unlock()
	w.kick()
}

// SetInterval changes the iteration interval of a running loop.
func (w *Watchdog) SetInterval(d time.Duration) {
	w.mu.Lock()
	if d > 0 {
		w.cfg.Interval = d
	}
	w.mu.Unlock()
	w.kick()
}

func (w *Watchdog) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watchdog) config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Start launches the loop. It reports false if the loop was already running.
func (w *Watchdog) Start(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if w.ping == nil {
		if d, err := daemon.SdWatchdogEnabled(false); err == nil && d > 0 {
			w.ping = func() { _, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog) }
		}
	}
	w.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(w.log),
		rtsup.WithCancelOnError(false),
	)
	w.running = true
	w.sup.Go("watchdog.loop", w.loop)
	w.log.Info("watchdog started", logx.Duration("interval", w.cfg.Interval))
	return true
}

// Stop ends the loop and waits for the current iteration (bounded by ctx).
// It reports false if the loop was not running.
func (w *Watchdog) Stop(ctx context.Context) bool {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return false
	}
	w.running = false
	sup := w.sup
	w.sup = nil
	w.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Warn("watchdog stop did not complete", logx.Err(err))
	}
	w.log.Info("watchdog stopped")
	return true
}

// Supervisor returns the loop's supervisor, or nil when stopped.
func (w *Watchdog) Supervisor() *rtsup.Supervisor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sup
}

func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// loop observes stop only before an iteration and while sleeping; recovery
// itself runs on a context that outlives the stop signal.
func (w *Watchdog) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		w.RunOnce(context.WithoutCancel(ctx))
		if w.ping != nil {
			w.ping()
		}
		if !w.sleep(ctx) {
			return nil
		}
	}
}

func (w *Watchdog) sleep(ctx context.Context) bool {
	for {
		t := time.NewTimer(w.config().Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-w.wake:
			t.Stop()
		case <-t.C:
			return true
		}
	}
}

// Cycle reports one iteration.
type Cycle struct {
	Checked   int       `json:"checked"`
	Critical  []string  `json:"critical"`
	Recovered []string  `json:"recovered"`
	Exhausted []string  `json:"exhausted"`
	Skipped   []string  `json:"skipped"`
	At        time.Time `json:"at"`
}

// RunOnce performs a single health pass and recovers critical plugins.
func (w *Watchdog) RunOnce(ctx context.Context) Cycle {
	sum := w.checker.PerformHealthChecks(ctx)
	c := Cycle{Checked: sum.Total, At: w.now()}
	for _, res := range sum.Results {
		if res.Status != plugin.Critical {
			w.clearIfHealthy(res)
			continue
		}
		c.Critical = append(c.Critical, res.PluginID)
		switch w.recover(ctx, res) {
		case outcomeRecovered:
			c.Recovered = append(c.Recovered, res.PluginID)
		case outcomeExhausted:
			c.Exhausted = append(c.Exhausted, res.PluginID)
		default:
			c.Skipped = append(c.Skipped, res.PluginID)
		}
	}
	w.mu.Lock()
	w.lastRun = c.At
	w.cycles++
	w.mu.Unlock()
	if len(c.Critical) > 0 {
		w.log.Info("watchdog cycle",
			logx.Int("checked", c.Checked),
			logx.Strs("critical", c.Critical),
			logx.Strs("recovered", c.Recovered),
			logx.Strs("exhausted", c.Exhausted),
		)
	}
	return c
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeRecovered
	outcomeExhausted
)

func (w *Watchdog) recover(ctx context.Context, res health.Result) outcome {
	id := res.PluginID
	now := w.now()

	w.mu.Lock()
	st := w.state[id]
	if st != nil && (st.quarantined || now.Before(st.next)) {
		quarantined, next := st.quarantined, st.next
		w.mu.Unlock()
		w.log.Debug("recovery skipped", logx.String("plugin", id), logx.Bool("quarantined", quarantined), logx.Time("next", next))
		return outcomeSkipped
	}
	strategies := w.strategies
	w.mu.Unlock()

	attempts := make([]string, 0, len(strategies))
	for _, s := range strategies {
		attempts = append(attempts, s.Name)
		log := w.log.With(logx.String("plugin", id), logx.String("strategy", s.Name))
		if err := s.Run(ctx, id); err != nil {
			log.Warn("recovery strategy failed", logx.Err(err))
			w.metrics.RecoveryAttempt(s.Name, false)
			continue
		}
		after := w.checker.Check(ctx, id)
		if after.Status != plugin.Healthy && after.Status != plugin.Warning {
			log.Warn("plugin still unhealthy after recovery", logx.String("status", string(after.Status)))
			w.metrics.RecoveryAttempt(s.Name, false)
			continue
		}
		w.metrics.RecoveryAttempt(s.Name, true)
		w.forget(id)
		log.Info("plugin recovered")
		w.publish(eventbus.RecoverySucceeded, id, s.Name)
		w.notify(ctx, notifier.Lifecycle{PluginID: id, PluginName: res.PluginName, Event: s.Event, At: w.now()})
		return outcomeRecovered
	}

	cfg := w.config()
	w.mu.Lock()
	if st == nil {
		st = &recovery{}
		w.state[id] = st
	}
	if st.cooldown == nil {
		st.cooldown = newCooldown(cfg)
	}
	st.exhausted++
	wait := st.cooldown.NextBackOff()
	if wait == backoff.Stop {
		wait = cfg.CooldownMax
	}
	failedAt := w.now()
	st.next = failedAt.Add(wait)
	quarantine := st.exhausted >= cfg.MaxExhausted
	st.quarantined = quarantine
	cycles := st.exhausted
	w.mu.Unlock()

	w.metrics.Exhausted()
	w.log.Error("recovery exhausted",
		logx.String("plugin", id),
		logx.Strs("attempts", attempts),
		logx.Duration("cooldown", wait),
		logx.Int("consecutive", cycles),
	)
	w.publish(eventbus.RecoveryFailed, id, "")
	w.notify(ctx, notifier.RecoveryExhausted{
		PluginID: id, PluginName: res.PluginName, Attempts: attempts, FailureTime: failedAt, Cooldown: wait,
	})
	if quarantine {
		w.metrics.SetQuarantined(len(w.Quarantined()))
		w.publish(eventbus.PluginQuarantine, id, "")
		w.notify(ctx, notifier.Quarantined{PluginID: id, PluginName: res.PluginName, Cycles: cycles, At: failedAt})
	}
	return outcomeExhausted
}

func newCooldown(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.CooldownBase
	b.MaxInterval = cfg.CooldownMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// clearIfHealthy drops the bookkeeping of a plugin that recovered on its own.
func (w *Watchdog) clearIfHealthy(res health.Result) {
	if res.Status != plugin.Healthy && res.Status != plugin.Warning {
		return
	}
	w.mu.Lock()
	_, tracked := w.state[res.PluginID]
	w.mu.Unlock()
	if tracked {
		w.forget(res.PluginID)
		w.log.Info("plugin healthy again, recovery state cleared", logx.String("plugin", res.PluginID))
	}
}

func (w *Watchdog) forget(id string) {
	w.mu.Lock()
	_, was := w.state[id]
	quarantined := was && w.state[id].quarantined
	delete(w.state, id)
	n := w.quarantinedLocked()
	w.mu.Unlock()
	if quarantined {
		w.metrics.SetQuarantined(len(n))
	}
}

// Release clears cooldown and quarantine for id. Manual lifecycle actions
// call it so the watchdog acts on the plugin again.
func (w *Watchdog) Release(id string) bool {
	w.mu.Lock()
	_, ok := w.state[id]
	w.mu.Unlock()
	if ok {
		w.forget(id)
	}
	return ok
}

// Quarantined returns the ids the watchdog no longer acts on, sorted.
func (w *Watchdog) Quarantined() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.quarantinedLocked()
}

func (w *Watchdog) quarantinedLocked() []string {
	var out []string
	for id, st := range w.state {
		if st.quarantined {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// PluginState is the recovery bookkeeping of one plugin.
type PluginState struct {
	Exhausted   int       `json:"exhausted"`
	NextAttempt time.Time `json:"next_attempt"`
	Quarantined bool      `json:"quarantined"`
}

// Status is a snapshot for the admin surface.
type Status struct {
	Running  bool                   `json:"running"`
	Interval string                 `json:"interval"`
	LastRun  time.Time              `json:"last_run,omitzero"`
	Cycles   int64                  `json:"cycles"`
	Plugins  map[string]PluginState `json:"plugins"`
}

func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{
		Running:  w.running,
		Interval: w.cfg.Interval.String(),
		LastRun:  w.lastRun,
		Cycles:   w.cycles,
		Plugins:  make(map[string]PluginState, len(w.state)),
	}
	for id, r := range w.state {
		st.Plugins[id] = PluginState{Exhausted: r.exhausted, NextAttempt: r.next, Quarantined: r.quarantined}
	}
	return st
}

func (w *Watchdog) publish(typ, id, stage string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.PluginEvent{PluginID: id, Stage: stage}})
}

func (w *Watchdog) notify(ctx context.Context, ev notifier.Event) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, ev); err != nil && !errors.Is(err, notifier.ErrDisabled) {
		w.log.Warn("watchdog notification not queued", logx.Err(err))
	}
}
