package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "plugd/pkg/logx"
)

// Sink delivers a notification to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

type logSink struct{ log logx.Logger }

// NewLogSink writes notifications to the service log.
func NewLogSink(log logx.Logger) Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return logSink{log: log}
}

func (logSink) Name() string { return "log" }

func (s logSink) Send(_ context.Context, n Notification) error {
	fields := []logx.Field{
		logx.String("kind", n.Kind),
		logx.String("priority", n.Priority.String()),
		logx.String("plugin", n.PluginID),
		logx.String("text", n.Text),
	}
	if n.Priority >= PriorityHigh {
		s.log.Warn(n.Title, fields...)
	} else {
		s.log.Info(n.Title, fields...)
	}
	return nil
}

// WebhookConfig configures the JSON webhook sink.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

type webhookSink struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookSink POSTs each notification as JSON to cfg.URL.
func NewWebhookSink(cfg WebhookConfig) Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &webhookSink{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (*webhookSink) Name() string { return "webhook" }

func (s *webhookSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "plugd-notifier")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

const telegramTextLimit = 4096

type telegramSink struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

// NewTelegramSink sends notifications to one chat (optionally a forum topic).
// The bot is created offline: no updates are polled.
func NewTelegramSink(cfg TelegramConfig) (Sink, error) {
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &telegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

func (*telegramSink) Name() string { return "telegram" }

func (s *telegramSink) Send(ctx context.Context, n Notification) error {
	text := truncateRunes(Render(n), telegramTextLimit)
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(s.chat, text, &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              s.thread,
		})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-3]) + "..."
}
