package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "plugd/pkg/logx"
)

var ErrUnknownJob = errors.New("unknown job")

type jobDef struct {
	Job
	spec    ParsedSpec
	entryID cron.EntryID

	mu       sync.Mutex
	runs     int64
	failures int64
	lastErr  string
	lastTook time.Duration
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	jobs   []*jobDef

	ctx    context.Context
	cancel context.CancelFunc

	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Add registers job, replacing any job with the same name.
func (s *Service) Add(job Job) error {
	if strings.TrimSpace(job.Name) == "" {
		return errors.New("job name required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q has no run func", job.Name)
	}
	ps, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %q: %w", job.Name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("job %q: invalid cron %q: %w", job.Name, ps.Cron, err)
		}
	}
	d := &jobDef{Job: job, spec: ps}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(job.Name)
	s.jobs = append(s.jobs, d)
	if s.c != nil {
		s.scheduleLocked(d)
	}
	return nil
}

// Remove drops a job by name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.jobs {
		if d.Name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		return true
	}
	return false
}

// Apply swaps config. A timezone change restarts cron with the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.stopCronLocked()
		s.startCronLocked()
	}
}

// Start begins triggering. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts triggering, cancels running jobs and waits for them within ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.jobs {
		s.scheduleLocked(d)
	}
	s.c.Start()
}

func (s *Service) stopCronLocked() {
	c := s.c
	s.c = nil
	<-c.Stop().Done()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) scheduleLocked(d *jobDef) {
	ctx := s.ctx
	job := cron.FuncJob(func() { _ = s.exec(ctx, d) })
	switch d.spec.Kind {
	case SpecInterval:
		sched, jitter := intervalWithSpread(d.spec.Every, s.now(), d.Name)
		d.entryID = s.c.Schedule(sched, job)
		s.log.Debug("job registered",
			logx.String("name", d.Name),
			logx.Duration("every", d.spec.Every),
			logx.Duration("startup_spread", jitter),
		)
	default:
		id, err := s.c.AddJob(d.spec.Cron, job)
		if err != nil {
			s.log.Error("job register failed", logx.String("name", d.Name), logx.String("spec", d.spec.Cron), logx.Err(err))
			return
		}
		d.entryID = id
		s.log.Debug("job registered", logx.String("name", d.Name), logx.String("spec", d.spec.Cron))
	}
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var d *jobDef
	for _, j := range s.jobs {
		if j.Name == name {
			d = j
		}
	}
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.exec(ctx, d)
}

func (s *Service) exec(ctx context.Context, d *jobDef) (err error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", d.Name, r)
		}
		took := time.Since(start)
		d.mu.Lock()
		d.runs++
		d.lastTook = took
		d.lastErr = ""
		if err != nil {
			d.failures++
			d.lastErr = err.Error()
		}
		d.mu.Unlock()
		if err != nil {
			s.log.Warn("job failed", logx.String("name", d.Name), logx.Duration("took", took), logx.Err(err))
			return
		}
		s.log.Debug("job done", logx.String("name", d.Name), logx.Duration("took", took))
	}()
	return d.Run(ctx)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	tz := strings.TrimSpace(s.cfg.Timezone)
	if s.loc != nil {
		tz = s.loc.String()
	}
	out := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: tz}
	for _, d := range s.jobs {
		info := JobInfo{Name: d.Name, Schedule: d.Schedule, Timeout: d.Timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		d.mu.Lock()
		info.Runs, info.Failures, info.LastErr, info.LastTook = d.runs, d.failures, d.lastErr, d.lastTook
		d.mu.Unlock()
		out.Jobs = append(out.Jobs, info)
	}
	sort.Slice(out.Jobs, func(i, j int) bool { return out.Jobs[i].Name < out.Jobs[j].Name })
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug("cron: "+msg, kvFields(kv)...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
