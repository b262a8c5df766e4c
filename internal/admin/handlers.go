package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"

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

const (
	maxBody          = 1 << 20
	readyPingTimeout = 2 * time.Second
	maxGoroutines    = 10000
)

// Deps are the components the admin surface drives. Manager is required;
// the rest are optional and their routes answer 503 when absent.
type Deps struct {
	Manager  *plugin.Manager
	Monitor  *health.Monitor
	Watchdog *watchdog.Watchdog
	Notifier *notifier.Service
	Metrics  *metrics.Metrics
	Store    storage.Store
	Logger   logx.Logger

	// Scheduler exposes the maintenance jobs.
	Scheduler *scheduler.Service
	// Runtime reports the goroutine supervisors by component name.
	Runtime func() map[string]rtsup.SupervisorSnapshot
}

type api struct {
	Deps
	log logx.Logger
}

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NewHandler builds the admin mux. A non-empty token guards every route
// except /live and /ready.
func NewHandler(d Deps, token string) http.Handler {
	log := d.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Store == nil && d.Manager != nil {
		d.Store = d.Manager.Store()
	}
	a := &api{Deps: d, log: log.With(logx.String("comp", "admin.api"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/plugins", a.listPlugins)
	mux.HandleFunc("POST /api/plugins", a.createPlugin)
	mux.HandleFunc("GET /api/plugins/{id}", a.getPlugin)
	mux.HandleFunc("PUT /api/plugins/{id}", a.updatePlugin)
	mux.HandleFunc("DELETE /api/plugins/{id}", a.deletePlugin)
	mux.HandleFunc("POST /api/plugins/{id}/{action}", a.lifecycle)

	mux.HandleFunc("GET /api/plugins/{id}/hooks", a.listHooks)
	mux.HandleFunc("POST /api/plugins/{id}/hooks", a.addHook)
	mux.HandleFunc("PUT /api/plugins/{id}/hooks/{hook}", a.toggleHook)
	mux.HandleFunc("DELETE /api/plugins/{id}/hooks/{hook}", a.removeHook)
	mux.HandleFunc("GET /api/plugins/{id}/logs", a.listLogs)
	mux.HandleFunc("GET /api/plugins/{id}/health", a.pluginHealth)
	mux.HandleFunc("POST /api/plugins/{id}/methods/{method}", a.callMethod)

	mux.HandleFunc("GET /api/hooks", a.hookNames)
	mux.HandleFunc("POST /api/hooks/{name}", a.fireHook)

	mux.HandleFunc("GET /api/health", a.healthAll)
	mux.HandleFunc("POST /api/health/check", a.healthCheck)

	mux.HandleFunc("GET /api/watchdog", a.watchdogStatus)
	mux.HandleFunc("POST /api/watchdog", a.watchdogConfigure)
	mux.HandleFunc("POST /api/watchdog/{action}", a.watchdogAction)
	mux.HandleFunc("POST /api/watchdog/release/{id}", a.watchdogRelease)

	mux.HandleFunc("GET /api/notifications", a.notifications)

	mux.HandleFunc("GET /api/maintenance", a.maintenance)
	mux.HandleFunc("POST /api/maintenance/{job}/run", a.runJob)
	mux.HandleFunc("GET /api/runtime", a.runtime)

	if d.Metrics != nil && d.Metrics.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("no route for "+r.Method+" "+r.URL.Path))
	})

	probes := a.probes()
	root := http.NewServeMux()
	root.HandleFunc("/live", probes.LiveEndpoint)
	root.HandleFunc("/ready", probes.ReadyEndpoint)
	root.Handle("/", withAuth(token, recoverJSON(a.log, mux)))
	return root
}

func (a *api) probes() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	if a.Store != nil {
		st := a.Store
		h.AddReadinessCheck("storage", healthcheck.Timeout(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), readyPingTimeout)
			defer cancel()
			return st.Ping(ctx)
		}, readyPingTimeout))
	}
	if a.Monitor != nil {
		h.AddReadinessCheck("health-monitor", a.Monitor.Ready)
	}
	return h
}

// recoverJSON turns a handler panic into a 500 JSON body.
func recoverJSON(log logx.Logger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("admin handler panicked", logx.String("path", r.URL.Path), logx.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, errors.New("internal error"))
			}
		}()
		h.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{OK: false, Error: err.Error()})
}

// statusOf maps domain errors to HTTP codes.
func statusOf(err error) int {
	var le *plugin.LoadError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &le) && le.Stage == plugin.StageLookup:
		return http.StatusNotFound
	case errors.Is(err, plugin.ErrNotLoaded):
		return http.StatusConflict
	case errors.Is(err, storage.ErrDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrUnknownJob):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid json body: " + err.Error())
	}
	return nil
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, errors.New(what+" not configured"))
}

// ---- plugins ----

func (a *api) listPlugins(w http.ResponseWriter, r *http.Request) {
	rows, err := a.Manager.Snapshot(r.Context())
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": rows, "modules": a.Manager.Catalog().Modules()})
}

type pluginBody struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Module string         `json:"module"`
	Config map[string]any `json:"config"`
	Enable bool           `json:"enable"`
}

func (a *api) createPlugin(w http.ResponseWriter, r *http.Request) {
	var in pluginBody
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(in.Module) == "" {
		writeError(w, http.StatusBadRequest, errors.New("module is required"))
		return
	}
	rec, err := a.Store.CreatePlugin(r.Context(), storage.PluginRecord{
		ID: in.ID, Name: in.Name, Module: in.Module, Config: in.Config,
	})
	if err != nil {
		code := statusOf(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	a.log.Info("plugin registered", logx.String("plugin", rec.ID), logx.String("module", rec.Module))
	out := map[string]any{"ok": true, "plugin": rec}
	if in.Enable {
		if err := a.Manager.Load(r.Context(), rec.ID); err != nil {
			out["ok"] = false
			out["error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *api) getPlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := a.Store.GetPlugin(r.Context(), id)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	out := map[string]any{"plugin": rec, "loaded": false}
	if inst, ok := a.Manager.Instance(id); ok {
		out["loaded"] = true
		out["info"] = inst.Info
		out["loaded_at"] = inst.LoadedAt
	}
	if a.Monitor != nil {
		if res, ok := a.Monitor.Cached(id); ok {
			out["health"] = res
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) updatePlugin(w http.ResponseWriter, r *http.Request) {
	var in pluginBody
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := r.PathValue("id")
	rec, err := a.Store.UpdatePlugin(r.Context(), storage.PluginRecord{
		ID: id, Name: in.Name, Module: in.Module, Config: in.Config,
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	// New config and module take effect on the next load.
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "plugin": rec, "reload_required": a.Manager.IsLoaded(id)})
}

func (a *api) deletePlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.Manager.Delete(r.Context(), id); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if a.Monitor != nil {
		a.Monitor.Forget(id)
	}
	if a.Watchdog != nil {
		a.Watchdog.Release(id)
	}
	writeJSON(w, http.StatusOK, errorBody{OK: true})
}

func (a *api) lifecycle(w http.ResponseWriter, r *http.Request) {
	id, action := r.PathValue("id"), r.PathValue("action")
	ctx := r.Context()
	var err error
	switch action {
	case "enable", "load":
		err = a.Manager.Load(ctx, id)
	case "disable", "unload":
		err = a.Manager.Unload(ctx, id)
	case "reload":
		err = a.Manager.Reload(ctx, id)
	case "restart":
		err = a.Manager.Restart(ctx, id)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown action: "+action))
		return
	}
	if a.Monitor != nil {
		a.Monitor.Forget(id)
	}
	if err != nil {
		a.log.Warn("admin lifecycle action failed", logx.String("plugin", id), logx.String("action", action), logx.Err(err))
		writeError(w, statusOf(err), err)
		return
	}
	// A manual recovery lifts any quarantine.
	if a.Watchdog != nil && action != "disable" && action != "unload" {
		a.Watchdog.Release(id)
	}
	writeJSON(w, http.StatusOK, errorBody{OK: true})
}

// ---- hooks ----

func (a *api) listHooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := a.Store.ListHooks(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hooks": hooks})
}

type hookBody struct {
	Hook     string `json:"hook"`
	Method   string `json:"method"`
	Priority int    `json:"priority"`
	Active   *bool  `json:"active"`
}

func (a *api) addHook(w http.ResponseWriter, r *http.Request) {
	var in hookBody
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := r.PathValue("id")
	if _, err := a.Store.GetPlugin(r.Context(), id); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	active := in.Active == nil || *in.Active
	rec, err := a.Manager.AddHook(r.Context(), storage.HookRecord{
		PluginID: id, Hook: in.Hook, Method: in.Method, Priority: in.Priority, Active: active,
	})
	if err != nil {
		code := statusOf(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "hook": rec})
}

func (a *api) toggleHook(w http.ResponseWriter, r *http.Request) {
	var in hookBody
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if in.Active == nil {
		writeError(w, http.StatusBadRequest, errors.New("active is required"))
		return
	}
	if err := a.Manager.SetHookActive(r.Context(), r.PathValue("id"), r.PathValue("hook"), *in.Active); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, errorBody{OK: true})
}

func (a *api) removeHook(w http.ResponseWriter, r *http.Request) {
	if err := a.Manager.RemoveHook(r.Context(), r.PathValue("id"), r.PathValue("hook")); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, errorBody{OK: true})
}

func (a *api) hookNames(w http.ResponseWriter, _ *http.Request) {
	names := a.Manager.Hooks()
	subs := make(map[string][]plugin.Subscription, len(names))
	for _, n := range names {
		subs[n] = a.Manager.Subscribers(n)
	}
	writeJSON(w, http.StatusOK, map[string]any{"hooks": subs})
}

type hookOutcome struct {
	PluginID   string  `json:"plugin_id"`
	Method     string  `json:"method"`
	Result     any     `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

func (a *api) fireHook(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Args []any `json:"args"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := r.PathValue("name")
	outs := a.Manager.ExecuteHookDetailed(r.Context(), name, in.Args...)
	results := make([]any, 0, len(outs))
	rows := make([]hookOutcome, 0, len(outs))
	for _, o := range outs {
		row := hookOutcome{PluginID: o.PluginID, Method: o.Method, DurationMS: ms(o.Duration)}
		if o.Err != nil {
			row.Error = o.Err.Error()
		} else {
			row.Result = o.Result
			results = append(results, o.Result)
		}
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"hook": name, "results": results, "subscribers": rows})
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

func (a *api) callMethod(w http.ResponseWriter, r *http.Request) {
	var kwargs map[string]any
	if err := decode(r, &kwargs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := a.Manager.ExecuteMethod(r.Context(), r.PathValue("id"), r.PathValue("method"), kwargs)
	code := http.StatusOK
	if !res.Success && !a.Manager.IsLoaded(r.PathValue("id")) {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func (a *api) listLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	logs, err := a.Store.ListLogs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// ---- health ----

func (a *api) pluginHealth(w http.ResponseWriter, r *http.Request) {
	if a.Monitor == nil {
		unavailable(w, "health monitor")
		return
	}
	id := r.PathValue("id")
	var res health.Result
	if r.URL.Query().Get("fresh") != "" {
		res = a.Monitor.Check(r.Context(), id)
	} else {
		res = a.Monitor.Lookup(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) healthAll(w http.ResponseWriter, r *http.Request) {
	if a.Monitor == nil {
		unavailable(w, "health monitor")
		return
	}
	writeJSON(w, http.StatusOK, a.Monitor.LookupAll(r.Context()))
}

func (a *api) healthCheck(w http.ResponseWriter, r *http.Request) {
	if a.Monitor == nil {
		unavailable(w, "health monitor")
		return
	}
	writeJSON(w, http.StatusOK, a.Monitor.PerformHealthChecks(r.Context()))
}

// ---- watchdog ----

func (a *api) watchdogStatus(w http.ResponseWriter, _ *http.Request) {
	if a.Watchdog == nil {
		unavailable(w, "watchdog")
		return
	}
	writeJSON(w, http.StatusOK, a.Watchdog.Status())
}

func (a *api) watchdogConfigure(w http.ResponseWriter, r *http.Request) {
	if a.Watchdog == nil {
		unavailable(w, "watchdog")
		return
	}
	var in struct {
		Interval string `json:"interval"`
		Running  *bool  `json:"running"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if in.Interval != "" {
		d, err := time.ParseDuration(in.Interval)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("interval must be a positive duration"))
			return
		}
		a.Watchdog.SetInterval(d)
	}
	if in.Running != nil {
		if *in.Running {
			a.Watchdog.Start(context.WithoutCancel(r.Context()))
		} else {
			a.Watchdog.Stop(r.Context())
		}
	}
	writeJSON(w, http.StatusOK, a.Watchdog.Status())
}

func (a *api) watchdogAction(w http.ResponseWriter, r *http.Request) {
	if a.Watchdog == nil {
		unavailable(w, "watchdog")
		return
	}
	switch act := r.PathValue("action"); act {
	case "start":
		changed := a.Watchdog.Start(context.WithoutCancel(r.Context()))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "changed": changed})
	case "stop":
		changed := a.Watchdog.Stop(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "changed": changed})
	case "run":
		writeJSON(w, http.StatusOK, a.Watchdog.RunOnce(r.Context()))
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown watchdog action: "+act))
	}
}

func (a *api) watchdogRelease(w http.ResponseWriter, r *http.Request) {
	if a.Watchdog == nil {
		unavailable(w, "watchdog")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "released": a.Watchdog.Release(r.PathValue("id"))})
}

func (a *api) notifications(w http.ResponseWriter, _ *http.Request) {
	if a.Notifier == nil {
		unavailable(w, "notifier")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": a.Notifier.Enabled(),
		"sinks":   a.Notifier.Sinks(),
		"history": a.Notifier.History(),
	})
}

// ---- maintenance & runtime ----

func (a *api) maintenance(w http.ResponseWriter, _ *http.Request) {
	if a.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	writeJSON(w, http.StatusOK, a.Scheduler.Snapshot())
}

func (a *api) runJob(w http.ResponseWriter, r *http.Request) {
	if a.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	job := r.PathValue("job")
	if err := a.Scheduler.RunNow(r.Context(), job); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": job})
}

func (a *api) runtime(w http.ResponseWriter, _ *http.Request) {
	if a.Runtime == nil {
		unavailable(w, "runtime")
		return
	}
	writeJSON(w, http.StatusOK, a.Runtime())
}
