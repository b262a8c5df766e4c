// Package app wires configuration, storage, the plugin runtime and its
// supervisors into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"plugd/internal/admin"
	"plugd/internal/config"
	"plugd/internal/eventbus"
	"plugd/internal/health"
	"plugd/internal/notifier"
	"plugd/internal/observability/metrics"
	"plugd/internal/plugin"
	rtsup "plugd/internal/runtime/supervisor"
	"plugd/internal/storage"
	"plugd/internal/task/scheduler"
	"plugd/internal/watchdog"
	logx "plugd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	pm    *plugin.Manager
	mon   *health.Monitor
	wd    *watchdog.Watchdog
	notif *notifier.Service
	admin *admin.Server
	sched *scheduler.Service

	// notify reports service state to systemd; swapped in tests.
	notify func(state string)
}

// Options override components for tests and embedding.
type Options struct {
	// Sampler replaces the gopsutil process sampler.
	Sampler health.Sampler
	// Logger replaces the configured logging service.
	Logger logx.Logger
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string, catalog *plugin.Catalog, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	var logSvc *logx.Service
	log := opts.Logger
	if log.IsZero() {
		logSvc, log = logx.New(mapLoggingConfig(cfg))
	}

	bus := eventbus.New()
	met := metrics.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	ncfg, _ := mapNotifierConfig(cfg)
	sinks, err := mapNotifierSinks(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, log, bus, store, met, sinks...)

	call, settle, _ := runtimeTimeouts(cfg)
	pm := plugin.NewManager(plugin.Options{
		Catalog:       catalog,
		Store:         store,
		Bus:           bus,
		Metrics:       met,
		Logger:        log,
		CallTimeout:   call,
		RestartSettle: settle,
	})

	hcfg, _ := mapHealthConfig(cfg)
	mon, err := health.New(hcfg, health.Options{
		Source:  pm,
		Alerter: notif,
		Sampler: opts.Sampler,
		Bus:     bus,
		Metrics: met,
		Logger:  log,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("health monitor: %w", err)
	}

	wcfg, _ := mapWatchdogConfig(cfg)
	wd := watchdog.New(wcfg, watchdog.Options{
		Checker:   mon,
		Recoverer: pm,
		Notifier:  notif,
		Bus:       bus,
		Metrics:   met,
		Logger:    log,
	})

	schedCfg, maint, _ := mapMaintenance(cfg)
	sched := scheduler.New(schedCfg, log)
	for _, j := range scheduler.MaintenanceJobs(maint, store, mon, log) {
		if err := sched.Add(j); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: met,
		pm:      pm,
		mon:     mon,
		wd:      wd,
		notif:   notif,
		sched:   sched,
		notify:  sdNotify,
	}
	acfg, _ := mapAdminConfig(cfg)
	a.admin = admin.NewServer(acfg, admin.Deps{
		Manager:   pm,
		Monitor:   mon,
		Watchdog:  wd,
		Notifier:  notif,
		Metrics:   met,
		Store:     store,
		Logger:    log,
		Scheduler: sched,
		Runtime:   a.supervisors,
	}, log)
	return a, nil
}

// supervisors snapshots every goroutine supervisor that is currently running.
func (a *App) supervisors() map[string]rtsup.SupervisorSnapshot {
	out := map[string]rtsup.SupervisorSnapshot{}
	for name, sup := range map[string]*rtsup.Supervisor{
		"app":      a.sup,
		"admin":    a.admin.Supervisor(),
		"notifier": a.notif.Supervisor(),
		"watchdog": a.wd.Supervisor(),
	} {
		if sup != nil {
			out[name] = sup.Snapshot()
		}
	}
	return out
}

func sdNotify(state string) { _, _ = daemon.SdNotify(false, state) }

// validateMapped runs every section mapper so bad values are rejected
// before anything is built or committed.
func validateMapped(cfg *config.Config) error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapStorageConfig(cfg)
	add(err)
	_, _, err = runtimeTimeouts(cfg)
	add(err)
	_, err = mapHealthConfig(cfg)
	add(err)
	_, err = mapWatchdogConfig(cfg)
	add(err)
	_, err = mapNotifierConfig(cfg)
	add(err)
	_, err = mapAdminConfig(cfg)
	add(err)
	_, _, err = mapMaintenance(cfg)
	add(err)
	return errors.Join(errs...)
}

func (a *App) Manager() *plugin.Manager     { return a.pm }
func (a *App) Monitor() *health.Monitor     { return a.mon }
func (a *App) Watchdog() *watchdog.Watchdog { return a.wd }
func (a *App) Admin() *admin.Server         { return a.admin }

// Done closes once the app stops, either through Stop or a fatal failure.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the failure that ended the app, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start restores plugins and starts every enabled service.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if err := validateMapped(cfg); err != nil {
			return err
		}
		_, err := mapNotifierSinks(cfg)
		return err
	})

	cfg := a.cfgm.Get()
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}

	enabled, err := seedPlugins(runCtx, a.pm, cfg.Plugins, a.log)
	if err != nil {
		a.log.Warn("plugin seeding incomplete", logx.Err(err))
	}
	for id, err := range a.pm.LoadAll(runCtx, enabled) {
		a.log.Warn("plugin not restored", logx.String("plugin", id), logx.Err(err))
	}

	if cfg.WatchdogEnabled() {
		a.wd.Start(runCtx)
	}
	a.admin.Start(runCtx)
	a.sched.Start(runCtx)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer, ok := <-sub:
						if !ok {
							break drain
						}
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("plugins_loaded", len(a.pm.Loaded())))
	return nil
}

// logEvents mirrors bus traffic into the debug log.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

// applyConfig pushes a validated config to the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, pluginChanged := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	has := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if has("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if has("logging") && a.logs != nil {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if has("runtime") {
		call, settle, _ := runtimeTimeouts(next)
		a.pm.SetTimeouts(call, settle)
	}
	if has("health") {
		hc, _ := mapHealthConfig(next)
		a.mon.Apply(hc)
	}
	if has("watchdog") {
		wc, _ := mapWatchdogConfig(next)
		a.wd.Apply(wc)
		switch on := next.WatchdogEnabled(); {
		case on && !a.wd.Running():
			a.wd.Start(ctx)
		case !on && a.wd.Running():
			a.wd.Stop(ctx)
		}
	}
	if has("notifier") {
		a.applyNotifier(ctx, next)
	}
	if has("admin") {
		ac, _ := mapAdminConfig(next)
		a.admin.Reconfigure(ctx, ac)
	}
	if has("maintenance") {
		a.applyMaintenance(ctx, next)
	}
	if has("plugins") {
		applyPluginChanges(ctx, a.pm, prev, next, pluginChanged, a.log)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
}

func (a *App) applyNotifier(ctx context.Context, next *config.Config) {
	nc, _ := mapNotifierConfig(next)
	sinks, err := mapNotifierSinks(next)
	if err != nil {
		a.log.Warn("invalid notifier sinks; keeping previous", logx.Err(err))
	} else {
		a.notif.SetSinks(sinks...)
	}
	wasOn := a.notif.Enabled()
	a.notif.Apply(nc)
	switch {
	case wasOn && !nc.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasOn && nc.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}

func (a *App) applyMaintenance(ctx context.Context, next *config.Config) {
	sc, maint, _ := mapMaintenance(next)
	for _, j := range scheduler.MaintenanceJobs(maint, a.store, a.mon, a.log) {
		if err := a.sched.Add(j); err != nil {
			a.log.Warn("maintenance job not updated", logx.String("job", j.Name), logx.Err(err))
		}
	}
	wasOn := a.sched.Enabled()
	a.sched.Apply(sc)
	switch {
	case wasOn && !sc.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasOn && sc.Enabled:
		a.sched.Start(ctx)
	}
}

// Stop shuts components down in reverse dependency order. Persisted plugin
// statuses are kept so the next start restores the same set.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.notify(daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("watchdog", 5*time.Second, func(c context.Context) error { a.wd.Stop(c); return nil })
	step("plugins", 10*time.Second, func(c context.Context) error { a.pm.Shutdown(c); return nil })
	step("health", time.Second, func(context.Context) error { a.mon.Close(); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// CheckConfig parses and validates the config at path without starting anything.
func CheckConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}
	if _, err := mapNotifierSinks(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
