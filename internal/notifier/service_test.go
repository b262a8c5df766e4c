package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugd/internal/storage"
	logx "plugd/pkg/logx"
)

type recordSink struct {
	mu        sync.Mutex
	got       []Notification
	calls     int
	failFirst int
	gate      chan struct{}
	entered   chan struct{}
}

func (r *recordSink) Name() string { return "record" }

func (r *recordSink) Send(ctx context.Context, n Notification) error {
	if r.entered != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failFirst {
		return errors.New("sink unavailable")
	}
	r.got = append(r.got, n)
	return nil
}

func (r *recordSink) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.PluginID)
	}
	return out
}

func (r *recordSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    1000,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func start(t *testing.T, cfg Config, store storage.Store, sinks ...Sink) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil, store, nil, sinks...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func alert(id string, failed ...string) HealthAlert {
	return HealthAlert{PluginID: id, Status: "critical", FailedChecks: failed}
}

func TestNotifyRejectsWhenDisabledOrStopped(t *testing.T) {
	ctx := context.Background()
	s := New(Config{}, logx.Nop(), nil, nil, nil)
	assert.ErrorIs(t, s.Notify(ctx, alert("a")), ErrDisabled)

	s = New(Config{Enabled: true}, logx.Nop(), nil, nil, nil)
	assert.ErrorIs(t, s.Notify(ctx, alert("a")), ErrStopped)

	s.Start(ctx)
	s.Stop(ctx)
	assert.ErrorIs(t, s.Notify(ctx, alert("a")), ErrStopped)
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu  sync.Mutex
		got []Notification
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		var n Notification
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := start(t, testConfig(), nil, NewWebhookSink(WebhookConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}))
	require.NoError(t, s.Notify(context.Background(), HealthAlert{
		PluginID: "echo", PluginName: "Echo", Status: "critical", FailedChecks: []string{"responsiveness", "dependencies"},
	}))

	require.Eventually(t, func() bool { return len(s.History()) == 1 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Len(t, got, 1)
	n := got[0]
	mu.Unlock()
	assert.Equal(t, KindHealthAlert, n.Kind)
	assert.Equal(t, PriorityHigh, n.Priority)
	assert.Equal(t, "echo", n.PluginID)
	assert.Contains(t, n.Text, "dependencies, responsiveness")
	assert.Equal(t, []string{"log", "webhook"}, s.History()[0].Sinks)
}

func TestWebhookErrorStatusIsRetried(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.RetryMax = 2
	s := start(t, cfg, nil, NewWebhookSink(WebhookConfig{URL: srv.URL}))
	require.NoError(t, s.Notify(context.Background(), alert("echo")))

	require.Eventually(t, func() bool { return len(s.History()) == 1 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
	assert.Equal(t, []string{"log"}, s.History()[0].Sinks)
}

func TestRetryThenSucceed(t *testing.T) {
	sink := &recordSink{failFirst: 2}
	s := start(t, testConfig(), nil, sink)
	require.NoError(t, s.Notify(context.Background(), Lifecycle{PluginID: "echo", Event: "reloaded"}))

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	assert.Equal(t, 3, sink.calls)
	sink.mu.Unlock()
}

func TestDedupSuppressesRepeats(t *testing.T) {
	sink := &recordSink{}
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	s := start(t, cfg, nil, sink)
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, alert("echo", "process")))
	require.NoError(t, s.Notify(ctx, alert("echo", "process")))
	require.NoError(t, s.Notify(ctx, alert("echo", "process", "resources")))
	require.NoError(t, s.Notify(ctx, alert("other", "process")))

	require.Eventually(t, func() bool { return sink.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, sink.count())
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	store := storage.NewMemory()
	cfg := testConfig()
	cfg.DedupWindow = time.Hour
	cfg.PersistDedup = true
	ctx := context.Background()

	first := &recordSink{}
	s := New(cfg, logx.Nop(), nil, store, nil, first)
	s.Start(ctx)
	require.NoError(t, s.Notify(ctx, alert("echo", "process")))
	require.Eventually(t, func() bool { return first.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Stop(ctx)

	_, ok, err := store.GetDedup(ctx, dedupKey(alert("echo", "process").Notification()))
	require.NoError(t, err)
	require.True(t, ok)

	second := &recordSink{}
	s2 := start(t, cfg, store, second)
	require.NoError(t, s2.Notify(ctx, alert("echo", "process")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, second.count())
}

func TestHighPriorityLeavesQueueFirst(t *testing.T) {
	sink := &recordSink{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := start(t, testConfig(), nil, sink)
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, Lifecycle{PluginID: "first", Event: "reloaded"}))
	<-sink.entered

	require.NoError(t, s.Notify(ctx, Lifecycle{PluginID: "low", Event: "reloaded"}))
	require.NoError(t, s.Notify(ctx, RecoveryExhausted{PluginID: "high"}))
	require.NoError(t, s.Notify(ctx, Lifecycle{PluginID: "low2", Event: "restarted"}))
	close(sink.gate)

	require.Eventually(t, func() bool { return sink.count() == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "high", "low", "low2"}, sink.kinds())
}

func TestQueueFull(t *testing.T) {
	sink := &recordSink{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	cfg := testConfig()
	cfg.QueueSize = 1
	s := start(t, cfg, nil, sink)
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, alert("a")))
	<-sink.entered
	require.NoError(t, s.Notify(ctx, alert("b")))
	assert.ErrorIs(t, s.Notify(ctx, alert("c")), ErrQueueFull)
	close(sink.gate)
}

func TestStopDrainsQueue(t *testing.T) {
	sink := &recordSink{}
	s := New(testConfig(), logx.Nop(), nil, nil, nil, sink)
	ctx := context.Background()
	s.Start(ctx)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Notify(ctx, alert(id)))
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	assert.Equal(t, 3, sink.count())
}

func TestRender(t *testing.T) {
	t.Parallel()
	n := Quarantined{PluginID: "echo", PluginName: "Echo", Cycles: 5}.Notification()
	out := Render(n)
	assert.Contains(t, out, "[ALERT] plugin Echo (echo) quarantined")
	assert.Contains(t, out, "5 consecutive")
	assert.Equal(t, "low", Lifecycle{}.Notification().Priority.String())
}
