package storage

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory.
type memoryStore struct {
	mu      sync.RWMutex
	plugins map[string]PluginRecord
	hooks   map[string]HookRecord
	logs    []LogRecord
	dedup   map[string]time.Time
	closed  bool
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{
		plugins: map[string]PluginRecord{},
		hooks:   map[string]HookRecord{},
		dedup:   map[string]time.Time{},
	}
}

func (s *memoryStore) CreatePlugin(_ context.Context, p PluginRecord) (PluginRecord, error) {
	p, err := prepPlugin(p, time.Now())
	if err != nil {
		return PluginRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return PluginRecord{}, ErrDisabled
	}
	if _, ok := s.plugins[p.ID]; ok {
		return PluginRecord{}, ErrConflict
	}
	s.plugins[p.ID] = p.clone()
	return p, nil
}

func (s *memoryStore) GetPlugin(_ context.Context, id string) (PluginRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plugins[id]
	if !ok {
		return PluginRecord{}, ErrNotFound
	}
	return p.clone(), nil
}

func (s *memoryStore) ListPlugins(_ context.Context) ([]PluginRecord, error) {
	s.mu.RLock()
	out := make([]PluginRecord, 0, len(s.plugins))
	for _, p := range s.plugins {
		out = append(out, p.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) UpdatePlugin(_ context.Context, p PluginRecord) (PluginRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.plugins[p.ID]
	if !ok {
		return PluginRecord{}, ErrNotFound
	}
	if p.Name != "" {
		cur.Name = p.Name
	}
	if p.Module != "" {
		cur.Module = p.Module
	}
	if p.Config != nil {
		cur.Config = maps.Clone(p.Config)
	}
	cur.UpdatedAt = time.Now()
	s.plugins[p.ID] = cur
	return cur.clone(), nil
}

func (s *memoryStore) DeletePlugin(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plugins[id]; !ok {
		return ErrNotFound
	}
	delete(s.plugins, id)
	for hid, h := range s.hooks {
		if h.PluginID == id {
			delete(s.hooks, hid)
		}
	}
	kept := s.logs[:0]
	for _, e := range s.logs {
		if e.PluginID != id {
			kept = append(kept, e)
		}
	}
	s.logs = kept
	return nil
}

func (s *memoryStore) mutatePlugin(id string, fn func(p *PluginRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plugins[id]
	if !ok {
		return ErrNotFound
	}
	fn(&p)
	p.UpdatedAt = time.Now()
	s.plugins[id] = p
	return nil
}

func (s *memoryStore) UpdatePluginStatus(_ context.Context, id string, status PluginStatus, lastError string) error {
	return s.mutatePlugin(id, func(p *PluginRecord) {
		p.Status = status
		if lastError != "" {
			p.LastError = lastError
		}
	})
}

func (s *memoryStore) RecordPluginLoad(_ context.Context, id string, at time.Time) error {
	return s.mutatePlugin(id, func(p *PluginRecord) {
		p.Status = StatusActive
		p.LoadCount++
		p.LastLoaded = at
		p.LastError = ""
	})
}

func (s *memoryStore) RecordPluginError(_ context.Context, id, msg string) error {
	return s.mutatePlugin(id, func(p *PluginRecord) {
		p.ErrorCount++
		p.LastError = msg
	})
}

func (s *memoryStore) CountPluginError(_ context.Context, id string) error {
	return s.mutatePlugin(id, func(p *PluginRecord) { p.ErrorCount++ })
}

func (s *memoryStore) CreateHook(_ context.Context, h HookRecord) (HookRecord, error) {
	h, err := prepHook(h, time.Now())
	if err != nil {
		return HookRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plugins[h.PluginID]; !ok {
		return HookRecord{}, ErrNotFound
	}
	if _, ok := s.hooks[h.ID]; ok {
		return HookRecord{}, ErrConflict
	}
	s.hooks[h.ID] = h
	return h, nil
}

func (s *memoryStore) listHooks(pluginID string, activeOnly bool) []HookRecord {
	s.mu.RLock()
	out := make([]HookRecord, 0, 4)
	for _, h := range s.hooks {
		if h.PluginID != pluginID || (activeOnly && !h.Active) {
			continue
		}
		out = append(out, h)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memoryStore) ListHooks(_ context.Context, pluginID string) ([]HookRecord, error) {
	return s.listHooks(pluginID, false), nil
}

func (s *memoryStore) ListActiveHooks(_ context.Context, pluginID string) ([]HookRecord, error) {
	return s.listHooks(pluginID, true), nil
}

func (s *memoryStore) SetHookActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hooks[id]
	if !ok {
		return ErrNotFound
	}
	h.Active = active
	s.hooks[id] = h
	return nil
}

func (s *memoryStore) DeleteHook(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hooks[id]; !ok {
		return ErrNotFound
	}
	delete(s.hooks, id)
	return nil
}

func (s *memoryStore) UpdateHookStats(_ context.Context, id string, st HookStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hooks[id]
	if !ok {
		return ErrNotFound
	}
	h.ExecutionCount = st.ExecutionCount
	h.AvgExecutionTime = st.AvgExecutionTime
	h.LastExecuted = st.LastExecuted
	s.hooks[id] = h
	return nil
}

func (s *memoryStore) AppendLog(_ context.Context, e LogRecord) error {
	e = prepLog(e)
	e.Context = maps.Clone(e.Context)
	s.mu.Lock()
	s.logs = append(s.logs, e)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) ListLogs(_ context.Context, pluginID string, limit int) ([]LogRecord, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LogRecord, 0, min(limit, len(s.logs)))
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if pluginID == "" || s.logs[i].PluginID == pluginID {
			out = append(out, s.logs[i])
		}
	}
	return out, nil
}

func (s *memoryStore) PruneLogs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var n int64
	for _, e := range s.logs {
		if e.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.logs = kept
	return n, nil
}

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.dedup[key] = until
	now := time.Now()
	for k, v := range s.dedup {
		if v.Before(now) {
			delete(s.dedup, k)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.dedup[key]
	return v, ok, nil
}

func (s *memoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrDisabled
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
