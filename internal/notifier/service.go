package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"plugd/internal/eventbus"
	"plugd/internal/observability/metrics"
	rtsup "plugd/internal/runtime/supervisor"
	"plugd/internal/storage"
	logx "plugd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	sendTimeout    = 10 * time.Second
	drainPoll      = 10 * time.Millisecond
	persistBacklog = 1024
)

// Service is the async notification pipeline: a priority queue drained by
// rate-limited workers that deliver to every sink with retries. Repeats of
// the same alert inside the dedup window are dropped.
type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sinks   []Sink
	run     *pipeline // nil while stopped

	seq     atomic.Uint64
	dedup   *dedupCache
	history historyLog
}

// pipeline is the state of one Start..Stop cycle.
type pipeline struct {
	q         *queue.PriorityQueue
	sup       *rtsup.Supervisor
	persist   chan dedupWrite
	inflight  sync.WaitGroup
	accepting bool
	stopped   chan struct{} // non-nil once Stop began
}

// New builds a stopped service. The log sink is always first; extra sinks
// follow in the given order.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store, m *metrics.Metrics, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "notifier"))
	s := &Service{log: log, bus: bus, store: store, metrics: m, dedup: newDedupCache()}
	s.sinks = append([]Sink{NewLogSink(log)}, sinks...)
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor, or nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.sup
}

// Apply swaps the config. Worker count and queue size apply on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSinks replaces the extra sinks; the log sink stays.
func (s *Service) SetSinks(sinks ...Sink) {
	s.mu.Lock()
	s.sinks = append([]Sink{s.sinks[0]}, sinks...)
	s.mu.Unlock()
}

// Sinks returns the sink names in delivery order.
func (s *Service) Sinks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.sinks))
	for i, k := range s.sinks {
		names[i] = k.Name()
	}
	return names
}

func (s *Service) applyLocked(cfg Config) {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&cfg.Workers, 2)
	def(&cfg.QueueSize, 512)
	def(&cfg.RatePerSec, 3)
	def(&cfg.DedupMaxEntries, 2000)
	def(&cfg.HistorySize, 300)
	cfg.RetryMax = max(cfg.RetryMax, 0)
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
// A Start racing a Stop waits for the Stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.run != nil && s.run.stopped != nil {
		done := s.run.stopped
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.run != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	p := &pipeline{
		q:         queue.NewPriorityQueue(s.cfg.QueueSize, true),
		sup:       rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log)),
		accepting: true,
	}
	if s.cfg.PersistDedup && s.store != nil {
		p.persist = make(chan dedupWrite, persistBacklog)
	}
	workers := s.cfg.Workers
	s.run = p
	s.mu.Unlock()

	if p.persist != nil {
		p.sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, p.persist)
			return s.loopExit(c, p, "persist loop")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := range workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, p.q)
			return s.loopExit(c, p, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Strs("sinks", s.Sinks()))
}

// loopExit turns a returning loop into a supervisor result. Only a stop or
// cancellation counts as a clean exit.
func (s *Service) loopExit(c context.Context, p *pipeline, what string) error {
	s.mu.Lock()
	stopping := p.stopped != nil
	s.mu.Unlock()
	switch {
	case stopping:
		return context.Canceled
	case c.Err() != nil:
		return c.Err()
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop refuses new notifications and drains the queue until ctx is done;
// whatever is left then is dropped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.run
	if p == nil {
		s.mu.Unlock()
		return
	}
	if p.stopped != nil {
		done := p.stopped
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopped = done
	p.accepting = false
	s.mu.Unlock()

	abort := make(chan struct{})
	go func() {
		defer close(done)
		p.inflight.Wait()
		drain(p.q, abort, p.sup.Context().Done())
		p.q.Dispose()
		if p.persist != nil {
			close(p.persist)
		}
		_ = p.sup.Wait(context.Background())
		s.mu.Lock()
		s.run = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		close(abort)
		p.q.Dispose()
		p.sup.Cancel()
		<-done
	}
	s.log.Info("notifier stopped")
}

// drain waits for the workers to empty q. It gives up on abort or once the
// workers' context is gone.
func drain(q *queue.PriorityQueue, abort, dead <-chan struct{}) {
	tick := time.NewTicker(drainPoll)
	defer tick.Stop()
	for !q.Empty() {
		select {
		case <-abort:
			return
		case <-dead:
			return
		case <-tick.C:
		}
	}
}

// Notify enqueues ev without waiting for delivery.
func (s *Service) Notify(ctx context.Context, ev Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n := ev.Notification()

	s.mu.Lock()
	cfg, p := s.cfg, s.run
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case p == nil || !p.accepting:
		s.mu.Unlock()
		return ErrStopped
	}
	p.inflight.Add(1)
	s.mu.Unlock()
	defer p.inflight.Done()

	key := dedupKey(n)
	if !s.admit(ctx, key, cfg, p.persist) {
		s.publish("notifier.deduped", n, "", key, nil)
		return nil
	}
	if p.q.Len() >= cfg.QueueSize {
		s.publish("notifier.dropped", n, "", key, ErrQueueFull)
		s.metrics.Notification("queue", ErrQueueFull)
		return ErrQueueFull
	}
	if err := p.q.Put(&job{n: n, key: key, seq: s.seq.Add(1)}); err != nil {
		return ErrStopped
	}
	s.publish("notifier.queued", n, "", key, nil)
	return nil
}

func (s *Service) publish(typ string, n Notification, sink, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Kind: n.Kind, PluginID: n.PluginID, Sink: sink, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) workerLoop(ctx context.Context, q *queue.PriorityQueue) {
	for ctx.Err() == nil {
		items, err := q.Get(1)
		if err != nil {
			return
		}
		for _, it := range items {
			s.deliver(ctx, it.(*job))
		}
	}
}

func (s *Service) deliver(ctx context.Context, j *job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}
	var delivered []string
	for _, sink := range sinks {
		err := s.send(ctx, cfg, sink, j.n)
		s.metrics.Notification(sink.Name(), err)
		if err != nil {
			s.log.Warn("notification delivery failed",
				logx.String("sink", sink.Name()),
				logx.String("kind", j.n.Kind),
				logx.String("plugin", j.n.PluginID),
				logx.Err(err),
			)
			s.publish("notifier.failed", j.n, sink.Name(), j.key, err)
			continue
		}
		delivered = append(delivered, sink.Name())
		s.publish("notifier.sent", j.n, sink.Name(), j.key, nil)
	}
	s.history.add(HistoryItem{
		At:       time.Now(),
		Kind:     j.n.Kind,
		PluginID: j.n.PluginID,
		Text:     Render(j.n),
		Sinks:    delivered,
	}, cfg.HistorySize)
}

// send delivers to one sink, retrying with exponential backoff.
func (s *Service) send(ctx context.Context, cfg Config, sink Sink, n Notification) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.RetryBase
	eb.MaxInterval = cfg.RetryMaxDelay
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.RetryMax)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		err := sink.Send(sctx, n)
		if err != nil {
			s.log.Debug("notify send failed",
				logx.String("sink", sink.Name()),
				logx.Int("attempt", attempt),
				logx.Int("max", cfg.RetryMax+1),
				logx.Err(err),
			)
		}
		return err
	}, policy)
}
