package notifier

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/Workiva/go-datastructures/queue"
)

type job struct {
	n   Notification
	key string
	seq uint64
}

// Compare orders jobs for the priority queue, which pops the smallest item
// first: higher priority sorts lower, then FIFO within a priority.
func (j *job) Compare(other queue.Item) int {
	o := other.(*job)
	switch {
	case j.n.Priority > o.n.Priority:
		return -1
	case j.n.Priority < o.n.Priority:
		return 1
	case j.seq < o.seq:
		return -1
	case j.seq > o.seq:
		return 1
	default:
		return 0
	}
}

// dedupKey identifies "the same alert": kind, plugin and the distinguishing values.
func dedupKey(n Notification) string {
	if n.Kind == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.Kind))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(n.PluginID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(strings.Join(n.DedupOn, ",")))
	return fmt.Sprintf("%x", h.Sum64())
}
