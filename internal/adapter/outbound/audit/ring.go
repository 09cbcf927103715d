package audit

import (
	"sync"

	"github.com/wardengate/wardengate/internal/domain/audit"
)

// ring is a fixed-size buffer of the most recent audit records. Both
// store implementations share it so Recent works regardless of sink.
type ring struct {
	mu      sync.RWMutex
	records []audit.Record
	size    int
	head    int
	count   int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1000
	}
	return &ring{records: make([]audit.Record, size), size: size}
}

// add overwrites the oldest record once the ring is full.
func (r *ring) add(rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[r.head] = rec
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// recent returns up to n records, newest first.
func (r *ring) recent(n int) []audit.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}

	out := make([]audit.Record, n)
	for i := range out {
		// head is the next write slot, so head-1 holds the newest record.
		out[i] = r.records[(r.head-1-i+r.size)%r.size]
	}
	return out
}
