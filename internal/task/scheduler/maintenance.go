package scheduler

import (
	"context"
	"time"

	logx "plugd/pkg/logx"
)

const (
	JobLogPrune   = "logs.prune"
	JobCacheSweep = "health.cache_sweep"

	defaultLogRetention  = 7 * 24 * time.Hour
	defaultPruneSchedule = "0 3 * * *"
	defaultCacheSweep    = "every 10m"
)

// LogPruner deletes plugin logs older than a cutoff.
type LogPruner interface {
	PruneLogs(ctx context.Context, before time.Time) (int64, error)
}

// CacheSweeper drops stale health results.
type CacheSweeper interface {
	SweepCache() int
}

type Maintenance struct {
	LogRetention  time.Duration
	PruneSchedule string
	CacheSweep    string
}

func (m Maintenance) withDefaults() Maintenance {
	if m.LogRetention <= 0 {
		m.LogRetention = defaultLogRetention
	}
	if m.PruneSchedule == "" {
		m.PruneSchedule = defaultPruneSchedule
	}
	if m.CacheSweep == "" {
		m.CacheSweep = defaultCacheSweep
	}
	return m
}

// MaintenanceJobs returns the log-retention and cache-sweep jobs. A nil
// dependency drops its job.
func MaintenanceJobs(cfg Maintenance, pruner LogPruner, sweeper CacheSweeper, log logx.Logger) []Job {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	var jobs []Job
	if pruner != nil {
		retention := cfg.LogRetention
		jobs = append(jobs, Job{
			Name:     JobLogPrune,
			Schedule: cfg.PruneSchedule,
			Timeout:  5 * time.Minute,
			Run: func(ctx context.Context) error {
				cutoff := time.Now().Add(-retention)
				n, err := pruner.PruneLogs(ctx, cutoff)
				if err != nil {
					return err
				}
				log.Info("plugin logs pruned", logx.Int64("deleted", n), logx.Time("before", cutoff))
				return nil
			},
		})
	}
	if sweeper != nil {
		jobs = append(jobs, Job{
			Name:     JobCacheSweep,
			Schedule: cfg.CacheSweep,
			Run: func(context.Context) error {
				if n := sweeper.SweepCache(); n > 0 {
					log.Debug("health cache swept", logx.Int("removed", n))
				}
				return nil
			},
		})
	}
	return jobs
}
