package resilience

import "time"

// timeWindow is a ring buffer of timestamps that only keeps entries newer
// than now-period. Entries are appended in time order, so eviction only ever
// pops from the head and counting is O(1) amortized.
//
// timeWindow is not safe for concurrent use; owners guard it with their own mutex.
type timeWindow struct {
	period time.Duration
	buf    []time.Time
	head   int
	size   int
	// limit bounds the retained entries; 0 means grow as needed.
	// When full, the oldest entry is overwritten.
	limit int
}

func newTimeWindow(period time.Duration, limit int) *timeWindow {
	capacity := limit
	if capacity <= 0 {
		capacity = 16
	}
	return &timeWindow{
		period: period,
		buf:    make([]time.Time, capacity),
		limit:  limit,
	}
}

func (w *timeWindow) add(t time.Time) {
	w.evict(t)

	if w.size == len(w.buf) {
		if w.limit > 0 {
			// overwrite the oldest
			w.buf[w.head] = t
			w.head = (w.head + 1) % len(w.buf)
			return
		}
		w.grow()
	}

	w.buf[(w.head+w.size)%len(w.buf)] = t
	w.size++
}

func (w *timeWindow) count(now time.Time) int {
	w.evict(now)
	return w.size
}

func (w *timeWindow) evict(now time.Time) {
	cutoff := now.Add(-w.period)
	for w.size > 0 && !w.buf[w.head].After(cutoff) {
		w.buf[w.head] = time.Time{}
		w.head = (w.head + 1) % len(w.buf)
		w.size--
	}
}

func (w *timeWindow) grow() {
	next := make([]time.Time, len(w.buf)*2)
	for i := 0; i < w.size; i++ {
		next[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	w.buf = next
	w.head = 0
}

func (w *timeWindow) reset() {
	for i := range w.buf {
		w.buf[i] = time.Time{}
	}
	w.head = 0
	w.size = 0
}

// entries returns the live entries oldest first
func (w *timeWindow) entries(now time.Time) []time.Time {
	w.evict(now)
	out := make([]time.Time, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}
