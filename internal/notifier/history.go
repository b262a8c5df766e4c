package notifier

import "sync"

// historyLog keeps the most recent deliveries.
type historyLog struct {
	mu    sync.Mutex
	items []HistoryItem
}

func (h *historyLog) add(item HistoryItem, max int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, item)
	if over := len(h.items) - max; max > 0 && over > 0 {
		h.items = append(h.items[:0:0], h.items[over:]...)
	}
}

func (h *historyLog) list() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryItem(nil), h.items...)
}

// History returns delivered notifications, oldest first.
func (s *Service) History() []HistoryItem { return s.history.list() }
