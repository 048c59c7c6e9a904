package chat

import (
	"sync"
	"time"
)

const dedupWindow = 10 * time.Second

type sighting struct {
	direct bool
	at     time.Time
}

// dedup merges the relayed and the direct copy of a message: a copy is
// dropped when the other path already delivered the same text from the
// same sender within the window.
type dedup struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string][]sighting
}

func newDedup(window time.Duration) *dedup {
	return &dedup{window: window, seen: make(map[string][]sighting)}
}

// first reports whether this copy should be delivered.
func (d *dedup) first(key string, direct bool, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, list := range d.seen {
		kept := list[:0]
		for _, s := range list {
			if now.Sub(s.at) <= d.window {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(d.seen, k)
		} else {
			d.seen[k] = kept
		}
	}

	list := d.seen[key]
	for i, s := range list {
		if s.direct != direct {
			d.seen[key] = append(list[:i], list[i+1:]...)
			return false
		}
	}
	d.seen[key] = append(list, sighting{direct: direct, at: now})
	return true
}
