package plugin

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"plugd/internal/storage"
)

// hookEntry is one live subscription in the registry.
type hookEntry struct {
	id       string
	pluginID string
	hook     string
	method   string
	priority int
	seq      uint64

	mu    sync.Mutex
	stats storage.HookStats
}

// observe records one successful execution. The running average halves
// toward each new sample; the first sample is taken as-is.
func (e *hookEntry) observe(d time.Duration, at time.Time) storage.HookStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stats.ExecutionCount == 0 {
		e.stats.AvgExecutionTime = d
	} else {
		e.stats.AvgExecutionTime = (e.stats.AvgExecutionTime + d) / 2
	}
	e.stats.ExecutionCount++
	e.stats.LastExecuted = at
	return e.stats
}

func (e *hookEntry) snapshot() storage.HookStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// hookTable maps hook name to subscribers in dispatch order. It is never
// mutated after publication.
type hookTable map[string][]*hookEntry

// registry is a copy-on-write hook table: readers load a snapshot without
// locking, writers (serialized by the manager lock) publish a new table.
type registry struct {
	table atomic.Pointer[hookTable]
	seq   atomic.Uint64
}

func newRegistry() *registry {
	r := &registry{}
	t := hookTable{}
	r.table.Store(&t)
	return r
}

func (r *registry) snapshot() hookTable { return *r.table.Load() }

func (r *registry) subscribers(hook string) []*hookEntry { return r.snapshot()[hook] }

// add registers records for one plugin in a single swap.
func (r *registry) add(recs []storage.HookRecord) {
	if len(recs) == 0 {
		return
	}
	cur := r.snapshot()
	next := make(hookTable, len(cur)+len(recs))
	for k, v := range cur {
		next[k] = v
	}
	touched := map[string]bool{}
	for _, rec := range recs {
		e := &hookEntry{
			id:       rec.ID,
			pluginID: rec.PluginID,
			hook:     rec.Hook,
			method:   rec.Method,
			priority: rec.Priority,
			seq:      r.seq.Add(1),
			stats: storage.HookStats{
				ExecutionCount:   rec.ExecutionCount,
				AvgExecutionTime: rec.AvgExecutionTime,
				LastExecuted:     rec.LastExecuted,
			},
		}
		if !touched[rec.Hook] {
			next[rec.Hook] = append([]*hookEntry(nil), cur[rec.Hook]...)
			touched[rec.Hook] = true
		}
		next[rec.Hook] = append(next[rec.Hook], e)
	}
	for hook := range touched {
		bucket := next[hook]
		sort.SliceStable(bucket, func(i, j int) bool {
			if bucket[i].priority != bucket[j].priority {
				return bucket[i].priority < bucket[j].priority
			}
			return bucket[i].seq < bucket[j].seq
		})
	}
	r.table.Store(&next)
}

// removeWhere drops every entry for which drop returns true in a single swap and
// reports how many were removed.
func (r *registry) removeWhere(drop func(e *hookEntry) bool) int {
	cur := r.snapshot()
	next := make(hookTable, len(cur))
	removed := 0
	for hook, bucket := range cur {
		kept := make([]*hookEntry, 0, len(bucket))
		for _, e := range bucket {
			if drop(e) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) > 0 {
			next[hook] = kept
		}
	}
	if removed > 0 {
		r.table.Store(&next)
	}
	return removed
}

func (r *registry) removePlugin(pluginID string) int {
	return r.removeWhere(func(e *hookEntry) bool { return e.pluginID == pluginID })
}

func (r *registry) removeHook(hookID string) int {
	return r.removeWhere(func(e *hookEntry) bool { return e.id == hookID })
}

func (r *registry) countFor(pluginID string) int {
	n := 0
	for _, bucket := range r.snapshot() {
		for _, e := range bucket {
			if e.pluginID == pluginID {
				n++
			}
		}
	}
	return n
}

// Subscription is a read-only view of a registered hook entry.
type Subscription struct {
	HookID           string        `json:"hook_id"`
	PluginID         string        `json:"plugin_id"`
	Hook             string        `json:"hook"`
	Method           string        `json:"method"`
	Priority         int           `json:"priority"`
	ExecutionCount   int64         `json:"execution_count"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
	LastExecuted     time.Time     `json:"last_executed,omitzero"`
}

func (e *hookEntry) view() Subscription {
	st := e.snapshot()
	return Subscription{
		HookID:           e.id,
		PluginID:         e.pluginID,
		Hook:             e.hook,
		Method:           e.method,
		Priority:         e.priority,
		ExecutionCount:   st.ExecutionCount,
		AvgExecutionTime: st.AvgExecutionTime,
		LastExecuted:     st.LastExecuted,
	}
}
