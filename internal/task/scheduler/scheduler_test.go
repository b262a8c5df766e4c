package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "plugd/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "every word", raw: "every 10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "every 0s", "00:00", "01:75", "cron:"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestAddValidatesJobs(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop())
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Job{Schedule: "1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "x", Schedule: "1m"}))
	assert.Error(t, s.Add(Job{Name: "x", Schedule: "61 * * * *", Run: noop}))
	require.NoError(t, s.Add(Job{Name: "x", Schedule: "0 3 * * *", Run: noop}))
	require.NoError(t, s.Add(Job{Name: "x", Schedule: "every 5m", Run: noop}))

	snap := s.Snapshot()
	require.Len(t, snap.Jobs, 1, "same name replaces")
	assert.Equal(t, "every 5m", snap.Jobs[0].Schedule)
	assert.True(t, s.Remove("x"))
	assert.False(t, s.Remove("x"))
}

func TestRunNowRecordsOutcome(t *testing.T) {
	s := New(Config{}, logx.Nop())
	boom := errors.New("boom")
	require.NoError(t, s.Add(Job{Name: "ok", Schedule: "1h", Run: func(context.Context) error { return nil }}))
	require.NoError(t, s.Add(Job{Name: "bad", Schedule: "1h", Run: func(context.Context) error { return boom }}))
	require.NoError(t, s.Add(Job{Name: "wild", Schedule: "1h", Run: func(context.Context) error { panic("x") }}))

	ctx := context.Background()
	assert.NoError(t, s.RunNow(ctx, "ok"))
	assert.ErrorIs(t, s.RunNow(ctx, "bad"), boom)
	assert.ErrorContains(t, s.RunNow(ctx, "wild"), "panicked")
	assert.ErrorIs(t, s.RunNow(ctx, "nope"), ErrUnknownJob)

	byName := map[string]JobInfo{}
	for _, j := range s.Snapshot().Jobs {
		byName[j.Name] = j
	}
	assert.Equal(t, int64(1), byName["ok"].Runs)
	assert.Zero(t, byName["ok"].Failures)
	assert.Equal(t, int64(1), byName["bad"].Failures)
	assert.Equal(t, "boom", byName["bad"].LastErr)
	assert.Equal(t, int64(1), byName["wild"].Failures)
}

func TestRunNowAppliesTimeout(t *testing.T) {
	s := New(Config{}, logx.Nop())
	require.NoError(t, s.Add(Job{Name: "slow", Schedule: "1h", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	assert.ErrorIs(t, s.RunNow(context.Background(), "slow"), context.DeadlineExceeded)
}

func TestStartTriggersCronJobs(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop())
	var n atomic.Int32
	require.NoError(t, s.Add(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		n.Add(1)
		return nil
	}}))
	s.Start(context.Background())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	assert.False(t, snap.Jobs[0].Next.IsZero())

	assert.Eventually(t, func() bool { return n.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestStartDisabledIsNoop(t *testing.T) {
	s := New(Config{}, logx.Nop())
	s.Start(context.Background())
	assert.False(t, s.Snapshot().Running)
	s.Stop(context.Background())
}

func TestApplyTimezoneRestartsCron(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop())
	require.NoError(t, s.Add(Job{Name: "nightly", Schedule: "0 3 * * *", Run: func(context.Context) error { return nil }}))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Apply(Config{Enabled: true, Timezone: "Asia/Tokyo"})
	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "Asia/Tokyo", snap.Timezone)
	require.Len(t, snap.Jobs, 1)
	next := snap.Jobs[0].Next.In(time.FixedZone("JST", 9*3600))
	assert.Equal(t, 3, next.Hour())
}

type fakePruner struct {
	before time.Time
	n      int64
}

func (f *fakePruner) PruneLogs(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, nil
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) SweepCache() int { f.calls++; return 2 }

func TestMaintenanceJobs(t *testing.T) {
	p := &fakePruner{n: 3}
	sw := &fakeSweeper{}
	jobs := MaintenanceJobs(Maintenance{LogRetention: time.Hour}, p, sw, logx.Nop())
	require.Len(t, jobs, 2)
	assert.Equal(t, JobLogPrune, jobs[0].Name)
	assert.Equal(t, defaultPruneSchedule, jobs[0].Schedule)
	assert.Equal(t, JobCacheSweep, jobs[1].Name)
	assert.Equal(t, defaultCacheSweep, jobs[1].Schedule)

	s := New(Config{}, logx.Nop())
	for _, j := range jobs {
		require.NoError(t, s.Add(j))
	}
	require.NoError(t, s.RunNow(context.Background(), JobLogPrune))
	assert.WithinDuration(t, time.Now().Add(-time.Hour), p.before, 5*time.Second)
	require.NoError(t, s.RunNow(context.Background(), JobCacheSweep))
	assert.Equal(t, 1, sw.calls)

	assert.Len(t, MaintenanceJobs(Maintenance{}, nil, sw, logx.Nop()), 1)
}
