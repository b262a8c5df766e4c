package notifier

import (
	"context"
	"sync"
	"time"

	logx "plugd/pkg/logx"
)

const (
	dedupLookupTimeout = 25 * time.Millisecond
	dedupWriteTimeout  = 250 * time.Millisecond
)

// dedupCache remembers until when each alert key is suppressed.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache() *dedupCache { return &dedupCache{until: map[string]time.Time{}} }

// suppressed reports whether key is inside its window at now.
func (c *dedupCache) suppressed(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.until[key]
	return ok && now.Before(t)
}

// mark suppresses key until t, expiring stale keys and evicting the
// soonest-expiring ones above max entries.
func (c *dedupCache) mark(key string, t, now time.Time, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[key] = t
	for k, u := range c.until {
		if !now.Before(u) {
			delete(c.until, k)
		}
	}
	for max > 0 && len(c.until) > max {
		oldest, first := "", time.Time{}
		for k, u := range c.until {
			if oldest == "" || u.Before(first) {
				oldest, first = k, u
			}
		}
		delete(c.until, oldest)
	}
}

type dedupWrite struct {
	key   string
	until time.Time
}

// admit decides whether a notification with key goes out. With persistence
// on, the store is consulted so suppression survives restarts.
func (s *Service) admit(ctx context.Context, key string, cfg Config, pch chan<- dedupWrite) bool {
	if cfg.DedupWindow <= 0 || key == "" {
		return true
	}
	now := time.Now()
	if s.dedup.suppressed(key, now) {
		return false
	}
	persist := cfg.PersistDedup && s.store != nil
	if persist {
		lctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		until, ok, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dedup.mark(key, until, now, cfg.DedupMaxEntries)
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dedup.mark(key, until, now, cfg.DedupMaxEntries)
	if persist && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, dedupWriteTimeout)
			if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}
