package notifier

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	HistorySize     int
}

type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 9
)

func (p Priority) String() string {
	switch {
	case p >= PriorityHigh:
		return "high"
	case p >= PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Kinds of notification.
const (
	KindHealthAlert       = "health_alert"
	KindRecoveryExhausted = "recovery_exhausted"
	KindQuarantined       = "quarantined"
	KindLifecycle         = "lifecycle"
)

// Notification is the rendered form every sink receives.
type Notification struct {
	Kind     string         `json:"kind"`
	Priority Priority       `json:"priority"`
	PluginID string         `json:"plugin_id,omitempty"`
	Title    string         `json:"title"`
	Text     string         `json:"text"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
	// DedupOn lists extra values that make two alerts distinct.
	DedupOn []string `json:"-"`
}

// Event is anything that can render itself as a Notification.
type Event interface {
	Notification() Notification
}

// HealthAlert is raised when a plugin is evaluated CRITICAL.
type HealthAlert struct {
	PluginID     string
	PluginName   string
	Status       string
	FailedChecks []string
	At           time.Time
}

func (e HealthAlert) Notification() Notification {
	failed := append([]string(nil), e.FailedChecks...)
	sort.Strings(failed)
	return Notification{
		Kind:     KindHealthAlert,
		Priority: PriorityHigh,
		PluginID: e.PluginID,
		Title:    fmt.Sprintf("plugin %s is %s", displayName(e.PluginID, e.PluginName), e.Status),
		Text:     "failed checks: " + orNone(failed),
		Fields: map[string]any{
			"status":        e.Status,
			"failed_checks": failed,
		},
		At:      orNow(e.At),
		DedupOn: append([]string{e.Status}, failed...),
	}
}

// RecoveryExhausted is raised when every recovery strategy failed.
type RecoveryExhausted struct {
	PluginID    string
	PluginName  string
	Attempts    []string
	FailureTime time.Time
	// Cooldown is how long the watchdog leaves the plugin alone.
	Cooldown time.Duration
}

func (e RecoveryExhausted) Notification() Notification {
	return Notification{
		Kind:     KindRecoveryExhausted,
		Priority: PriorityHigh,
		PluginID: e.PluginID,
		Title:    fmt.Sprintf("recovery exhausted for %s", displayName(e.PluginID, e.PluginName)),
		Text:     fmt.Sprintf("tried %s; manual intervention required", orNone(e.Attempts)),
		Fields: map[string]any{
			"attempts":     e.Attempts,
			"failure_time": e.FailureTime,
			"cooldown":     e.Cooldown.String(),
		},
		At: orNow(e.FailureTime),
	}
}

// Quarantined is raised once when the watchdog gives up on a plugin.
type Quarantined struct {
	PluginID   string
	PluginName string
	Cycles     int
	At         time.Time
}

func (e Quarantined) Notification() Notification {
	return Notification{
		Kind:     KindQuarantined,
		Priority: PriorityHigh,
		PluginID: e.PluginID,
		Title:    fmt.Sprintf("plugin %s quarantined", displayName(e.PluginID, e.PluginName)),
		Text:     fmt.Sprintf("%d consecutive recovery cycles failed; the watchdog will not touch it until it is reloaded manually", e.Cycles),
		Fields:   map[string]any{"cycles": e.Cycles},
		At:       orNow(e.At),
	}
}

// Lifecycle is informational: the watchdog recovered a plugin.
type Lifecycle struct {
	PluginID   string
	PluginName string
	Event      string
	At         time.Time
}

func (e Lifecycle) Notification() Notification {
	return Notification{
		Kind:     KindLifecycle,
		Priority: PriorityLow,
		PluginID: e.PluginID,
		Title:    fmt.Sprintf("plugin %s %s", displayName(e.PluginID, e.PluginName), e.Event),
		Text:     "recovered by the watchdog",
		Fields:   map[string]any{"event": e.Event},
		At:       orNow(e.At),
		DedupOn:  []string{e.Event},
	}
}

// Render formats n as plain text.
func Render(n Notification) string {
	var b strings.Builder
	b.WriteString(prefixForPriority(n.Priority))
	b.WriteString(n.Title)
	if n.Text != "" {
		b.WriteString("\n")
		b.WriteString(n.Text)
	}
	return b.String()
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	PluginID string    `json:"plugin_id,omitempty"`
	Text     string    `json:"text"`
	Sinks    []string  `json:"sinks"`
}

// NotificationEvent is published on the event bus for pipeline lifecycle events.
type NotificationEvent struct {
	Kind     string    `json:"kind"`
	PluginID string    `json:"plugin_id,omitempty"`
	Sink     string    `json:"sink,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

func displayName(id, name string) string {
	if name == "" || name == id {
		return id
	}
	return name + " (" + id + ")"
}

func orNone(s []string) string {
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, ", ")
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func prefixForPriority(p Priority) string {
	switch {
	case p >= PriorityHigh:
		return "[ALERT] "
	case p >= PriorityNormal:
		return "[WARN] "
	default:
		return "[INFO] "
	}
}
