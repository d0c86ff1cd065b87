package metrics

import (
	"sync"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
)

// History is a fixed-capacity ring of snapshots. When full, the oldest sample is evicted.
type History struct {
	mu      sync.RWMutex
	samples []Snapshot
	start   int
	size    int
}

// NewHistory returns a ring holding at most capacity samples.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = config.MetricsHistorySize
	}
	return &History{samples: make([]Snapshot, capacity)}
}

// Append stores a sample, evicting the oldest when the ring is full.
func (h *History) Append(snapshot Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	capacity := len(h.samples)
	if h.size < capacity {
		h.samples[(h.start+h.size)%capacity] = snapshot
		h.size++
		return
	}
	h.samples[h.start] = snapshot
	h.start = (h.start + 1) % capacity
}

// Snapshot returns up to limit of the most recent samples, oldest first.
// A non-positive limit returns everything.
func (h *History) Snapshot(limit int) []Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := h.size
	if limit > 0 && limit < count {
		count = limit
	}
	out := make([]Snapshot, 0, count)
	capacity := len(h.samples)
	for i := h.size - count; i < h.size; i++ {
		out = append(out, h.samples[(h.start+i)%capacity])
	}
	return out
}

// Latest returns the newest sample.
func (h *History) Latest() (Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.size == 0 {
		return Snapshot{}, false
	}
	return h.samples[(h.start+h.size-1)%len(h.samples)], true
}

// Len reports the number of stored samples.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap reports the ring capacity.
func (h *History) Cap() int {
	return len(h.samples)
}
