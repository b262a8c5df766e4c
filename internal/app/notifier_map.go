package app

import (
	"fmt"
	"strings"
	"time"

	"plugd/internal/config"
	"plugd/internal/notifier"
)

// mapNotifierConfig maps the notifier section into notifier.Config.
// An omitted section runs the notifier with defaults and the log sink only.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
		HistorySize:     200,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}
	if n.HistorySize != 0 {
		out.HistorySize = n.HistorySize
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}

	switch {
	case out.Workers < 0:
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	case out.QueueSize < 0:
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	case out.RatePerSec < 0:
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	case out.RetryMax < 0:
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	case out.DedupMaxEntries < 0:
		return notifier.Config{}, fmt.Errorf("notifier.dedup_max_entries must be >= 0")
	}
	return out, nil
}

// mapNotifierSinks builds the external sinks. The log sink is added by the
// notifier itself.
func mapNotifierSinks(cfg *config.Config) ([]notifier.Sink, error) {
	if cfg == nil || cfg.Notifier == nil {
		return nil, nil
	}
	var sinks []notifier.Sink
	if w := cfg.Notifier.Webhook; w != nil {
		url := strings.TrimSpace(w.URL)
		if url == "" {
			return nil, fmt.Errorf("notifier.webhook.url is required")
		}
		timeout, err := config.ParseDurationOrDefault("notifier.webhook.timeout", w.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, notifier.NewWebhookSink(notifier.WebhookConfig{URL: url, Timeout: timeout, Headers: w.Headers}))
	}
	if tg := cfg.Notifier.Telegram; tg != nil {
		s, err := notifier.NewTelegramSink(notifier.TelegramConfig{
			Token:    strings.TrimSpace(tg.Token),
			ChatID:   tg.ChatID,
			ThreadID: tg.ThreadID,
		})
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
