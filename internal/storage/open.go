package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "plugd/pkg/logx"
)

// Store is the persistence API used by the plugin manager, the admin
// surface, the notifier and maintenance jobs.
type Store interface {
	CreatePlugin(ctx context.Context, p PluginRecord) (PluginRecord, error)
	GetPlugin(ctx context.Context, id string) (PluginRecord, error)
	ListPlugins(ctx context.Context) ([]PluginRecord, error)
	// UpdatePlugin replaces name, module and config.
	UpdatePlugin(ctx context.Context, p PluginRecord) (PluginRecord, error)
	// DeletePlugin removes the plugin and its hooks and logs.
	DeletePlugin(ctx context.Context, id string) error
	UpdatePluginStatus(ctx context.Context, id string, status PluginStatus, lastError string) error
	// RecordPluginLoad marks a successful load: status active, LoadCount+1,
	// LastLoaded=at, LastError cleared.
	RecordPluginLoad(ctx context.Context, id string, at time.Time) error
	// RecordPluginError increments ErrorCount and sets LastError. Status is untouched.
	RecordPluginError(ctx context.Context, id, msg string) error
	// CountPluginError increments ErrorCount only. LastError keeps the last load failure.
	CountPluginError(ctx context.Context, id string) error

	CreateHook(ctx context.Context, h HookRecord) (HookRecord, error)
	ListHooks(ctx context.Context, pluginID string) ([]HookRecord, error)
	ListActiveHooks(ctx context.Context, pluginID string) ([]HookRecord, error)
	SetHookActive(ctx context.Context, id string, active bool) error
	DeleteHook(ctx context.Context, id string) error
	UpdateHookStats(ctx context.Context, id string, st HookStats) error

	AppendLog(ctx context.Context, e LogRecord) error
	// ListLogs returns newest first. limit <= 0 means 100.
	ListLogs(ctx context.Context, pluginID string, limit int) ([]LogRecord, error)
	PruneLogs(ctx context.Context, before time.Time) (int64, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "mysql":
		return openMySQL(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func newID() string { return uuid.NewString() }

const defaultLogLimit = 100

func prepPlugin(p PluginRecord, now time.Time) (PluginRecord, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		p.ID = newID()
	}
	if strings.TrimSpace(p.Module) == "" {
		return PluginRecord{}, errors.New("plugin module is required")
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.Status == "" {
		p.Status = StatusInactive
	}
	if !p.Status.Valid() {
		return PluginRecord{}, errors.New("invalid plugin status: " + string(p.Status))
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return p, nil
}

func prepHook(h HookRecord, now time.Time) (HookRecord, error) {
	if strings.TrimSpace(h.PluginID) == "" || strings.TrimSpace(h.Hook) == "" || strings.TrimSpace(h.Method) == "" {
		return HookRecord{}, errors.New("hook requires plugin_id, hook and method")
	}
	if h.ID == "" {
		h.ID = newID()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	return h, nil
}

func prepLog(e LogRecord) LogRecord {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Level == "" {
		e.Level = LogInfo
	}
	return e
}
