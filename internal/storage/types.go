package storage

import (
	"errors"
	"maps"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): in-process maps, nothing survives a restart
//   - "sqlite": SQLite database file
//   - "mysql": MySQL via gorm, DSN required
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PluginStatus is the persisted lifecycle state of a plugin.
type PluginStatus string

const (
	StatusInactive PluginStatus = "inactive"
	StatusLoading  PluginStatus = "loading"
	StatusActive   PluginStatus = "active"
	StatusError    PluginStatus = "error"
)

func (s PluginStatus) Valid() bool {
	switch s {
	case StatusInactive, StatusLoading, StatusActive, StatusError:
		return true
	}
	return false
}

// PluginRecord is one registered plugin.
type PluginRecord struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Module     string         `json:"module"`
	Status     PluginStatus   `json:"status"`
	Config     map[string]any `json:"config,omitempty"`
	LoadCount  int64          `json:"load_count"`
	ErrorCount int64          `json:"error_count"`
	LastError  string         `json:"last_error,omitempty"`
	LastLoaded time.Time      `json:"last_loaded,omitzero"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (p PluginRecord) clone() PluginRecord {
	p.Config = maps.Clone(p.Config)
	return p
}

// HookRecord is one plugin's subscription to a named hook.
type HookRecord struct {
	ID               string        `json:"id"`
	PluginID         string        `json:"plugin_id"`
	Hook             string        `json:"hook"`
	Method           string        `json:"method"`
	Priority         int           `json:"priority"`
	Active           bool          `json:"active"`
	ExecutionCount   int64         `json:"execution_count"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
	LastExecuted     time.Time     `json:"last_executed,omitzero"`
	CreatedAt        time.Time     `json:"created_at"`
}

// HookStats is the dispatch bookkeeping written back after a successful hook call.
type HookStats struct {
	ExecutionCount   int64
	AvgExecutionTime time.Duration
	LastExecuted     time.Time
}

// LogLevel of a plugin log record.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogRecord is a plugin-scoped diagnostic entry.
type LogRecord struct {
	ID       string         `json:"id"`
	PluginID string         `json:"plugin_id"`
	Level    LogLevel       `json:"level"`
	Message  string         `json:"message"`
	Stack    string         `json:"stack,omitempty"`
	Hook     string         `json:"hook,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
	At       time.Time      `json:"at"`
}
