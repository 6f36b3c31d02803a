package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeWindow_EvictsOldEntries(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := newTimeWindow(10*time.Second, 0)

	w.add(base)
	w.add(base.Add(3 * time.Second))
	w.add(base.Add(6 * time.Second))

	assert.Equal(t, 3, w.count(base.Add(9*time.Second)))
	// exactly period after the first entry it is no longer newer than the cutoff
	assert.Equal(t, 2, w.count(base.Add(10*time.Second)))
	assert.Equal(t, 0, w.count(base.Add(17*time.Second)))
}

func TestTimeWindow_GrowsWhenUnbounded(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := newTimeWindow(time.Hour, 0)

	for i := 0; i < 100; i++ {
		w.add(base.Add(time.Duration(i) * time.Millisecond))
	}

	entries := w.entries(base.Add(time.Second))
	assert.Len(t, entries, 100)
	assert.Equal(t, base, entries[0])
	assert.Equal(t, base.Add(99*time.Millisecond), entries[99])
}

func TestTimeWindow_BoundedOverwritesOldest(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := newTimeWindow(time.Hour, 3)

	for i := 0; i < 5; i++ {
		w.add(base.Add(time.Duration(i) * time.Second))
	}

	entries := w.entries(base.Add(5 * time.Second))
	assert.Equal(t, []time.Time{
		base.Add(2 * time.Second),
		base.Add(3 * time.Second),
		base.Add(4 * time.Second),
	}, entries)

	w.reset()
	assert.Equal(t, 0, w.count(base))
}
