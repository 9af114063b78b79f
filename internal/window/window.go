package window

import (
	"sync"

	"poolwatch/internal/domain"
)

// DefaultSize is window capacity when none is configured.
const DefaultSize = 200

// Stats is one consistent read of window aggregates.
// Params: length, capacity, error count, and rate.
// Returns: snapshot used by detector and status logging.
type Stats struct {
	Len        int
	Cap        int
	ErrorCount int
	ErrorRate  float64
}

// Window keeps the most recent events in arrival order.
// Params: fixed ring buffer plus running counters; one writer, many readers.
// Returns: O(1) push and aggregate queries.
type Window struct {
	mu         sync.RWMutex
	events     []domain.AccessEvent
	head       int
	size       int
	errorCount int
	poolCounts map[domain.Pool]int
	pushed     uint64
}

// New creates window with fixed capacity.
// Params: capacity (<=0 uses DefaultSize).
// Returns: empty window.
func New(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	return &Window{
		events:     make([]domain.AccessEvent, capacity),
		poolCounts: make(map[domain.Pool]int, 3),
	}
}

// Push appends event at tail, evicting the oldest one when full.
// Params: parsed access event.
// Returns: none.
func (w *Window) Push(event domain.AccessEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	capacity := len(w.events)
	tail := (w.head + w.size) % capacity
	if w.size == capacity {
		w.forget(w.events[w.head])
		w.head = (w.head + 1) % capacity
		w.size--
	}
	w.events[tail] = event
	w.size++
	w.pushed++
	if event.IsServerError() {
		w.errorCount++
	}
	w.poolCounts[poolKey(event.Pool)]++
}

// forget removes evicted event contribution from counters.
func (w *Window) forget(event domain.AccessEvent) {
	if event.IsServerError() {
		w.errorCount--
	}
	key := poolKey(event.Pool)
	w.poolCounts[key]--
	if w.poolCounts[key] <= 0 {
		delete(w.poolCounts, key)
	}
}

func poolKey(pool domain.Pool) domain.Pool {
	if pool.Known() {
		return pool
	}
	return domain.PoolUnknown
}

// ErrorRate returns fraction of events with status >= 500.
// Params: none.
// Returns: 0 for empty window.
func (w *Window) ErrorRate() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rateLocked()
}

func (w *Window) rateLocked() float64 {
	if w.size == 0 {
		return 0
	}
	return float64(w.errorCount) / float64(w.size)
}

// ErrorCount returns number of 5xx events in window.
func (w *Window) ErrorCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.errorCount
}

// PoolCounts returns per-pool event counts over current window.
// Params: none.
// Returns: copy of counts; pools with zero events are omitted.
func (w *Window) PoolCounts() map[domain.Pool]int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[domain.Pool]int, len(w.poolCounts))
	for pool, count := range w.poolCounts {
		out[pool] = count
	}
	return out
}

// Len returns number of events currently held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// Cap returns window capacity.
func (w *Window) Cap() int {
	return len(w.events)
}

// Pushed returns total number of events pushed since creation.
func (w *Window) Pushed() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pushed
}

// Stats returns length, capacity, error count, and rate under one lock.
func (w *Window) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Stats{
		Len:        w.size,
		Cap:        len(w.events),
		ErrorCount: w.errorCount,
		ErrorRate:  w.rateLocked(),
	}
}

// Snapshot copies window content oldest-first.
// Params: none.
// Returns: new slice safe to retain.
func (w *Window) Snapshot() []domain.AccessEvent {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]domain.AccessEvent, 0, w.size)
	capacity := len(w.events)
	for i := 0; i < w.size; i++ {
		out = append(out, w.events[(w.head+i)%capacity])
	}
	return out
}
