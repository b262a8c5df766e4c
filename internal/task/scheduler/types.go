package scheduler

import (
	"context"
	"time"
)

// Config controls the scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means local
}

// Job is one named maintenance task.
type Job struct {
	Name     string
	Schedule string        // see ParseSchedule
	Timeout  time.Duration // 0 means no deadline
	Run      func(ctx context.Context) error
}

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Timeout  time.Duration `json:"timeout"`
	Next     time.Time     `json:"next,omitzero"`
	Prev     time.Time     `json:"prev,omitzero"`
	Runs     int64         `json:"runs"`
	Failures int64         `json:"failures"`
	LastErr  string        `json:"last_error,omitempty"`
	LastTook time.Duration `json:"last_took"`
}

// Snapshot describes the scheduler state.
type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}
