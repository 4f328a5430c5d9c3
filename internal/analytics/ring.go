package analytics

import (
	"sync"
	"sync/atomic"

	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
)

// Ring is a fixed-capacity buffer of traffic records. Writes claim a slot
// with an atomic cursor and never block the hot path; under extreme load
// the oldest record is overwritten. Reads take a best-effort snapshot.
type Ring struct {
	head     atomic.Uint64 // next write position
	capacity uint64
	mask     uint64

	mu    sync.RWMutex // guards slot contents, not the cursor
	slots []types.TrafficRecord

	writes     atomic.Uint64
	overwrites atomic.Uint64
}

// NewRing creates a ring buffer. Capacity is rounded up to a power of two
// so the slot index is a bitwise AND.
func NewRing(capacity int) *Ring {
	if capacity < 2 {
		capacity = 2
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &Ring{
		capacity: size,
		mask:     size - 1,
		slots:    make([]types.TrafficRecord, size),
	}
}

// Append records one observation, overwriting the oldest when full
func (r *Ring) Append(rec types.TrafficRecord) {
	pos := r.head.Add(1) - 1
	if pos >= r.capacity {
		r.overwrites.Add(1)
	}
	r.writes.Add(1)

	r.mu.Lock()
	r.slots[pos&r.mask] = rec
	r.mu.Unlock()
}

// Snapshot copies the currently populated records
func (r *Ring) Snapshot() []types.TrafficRecord {
	head := r.head.Load()
	n := head
	if n > r.capacity {
		n = r.capacity
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.TrafficRecord, 0, n)
	for i := uint64(0); i < n; i++ {
		rec := r.slots[i]
		if !rec.Timestamp.IsZero() {
			out = append(out, rec)
		}
	}
	return out
}

// Stats reports write and overwrite counts
func (r *Ring) Stats() (writes, overwrites uint64) {
	return r.writes.Load(), r.overwrites.Load()
}
