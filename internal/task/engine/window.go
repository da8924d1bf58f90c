package engine

import (
	"sync"
	"time"
)

// hourWindow counts events over a rolling 24h window in hourly buckets.
type hourWindow struct {
	mu      sync.Mutex
	buckets [24]struct {
		hour int64
		n    uint64
	}
}

func (w *hourWindow) add(now time.Time) {
	h := now.Unix() / 3600
	b := &w.buckets[h%24]
	w.mu.Lock()
	if b.hour != h {
		b.hour, b.n = h, 0
	}
	b.n++
	w.mu.Unlock()
}

func (w *hourWindow) total(now time.Time) uint64 {
	h := now.Unix() / 3600
	w.mu.Lock()
	defer w.mu.Unlock()
	var sum uint64
	for _, b := range w.buckets {
		if b.hour > h-24 && b.hour <= h {
			sum += b.n
		}
	}
	return sum
}
