// Package observer turns raw OS-level signals into uniform activity events.
// Four observers cover files, processes, network and login sessions; each
// runs its own goroutine and emits into a bounded ring buffer that the
// aggregator drains on its poll cadence.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
)

// Event is a single raw observation before agent enrichment.
type Event struct {
	Kind    activity.Kind
	Time    time.Time
	Details activity.Details
}

// Observer is the contract every event source implements. Start launches the
// background collection goroutine; Stop waits for it to exit. Drain removes
// and returns up to limit buffered events; callers must tolerate an empty
// result.
type Observer interface {
	Start(ctx context.Context) error
	Stop()
	Drain(limit int) []Event
}

// ring is a bounded FIFO with drop-oldest on overflow. All observers buffer
// through one; a slow aggregator costs old events, never memory.
type ring struct {
	mu      sync.Mutex
	buf     []Event
	dropped uint64
	cap     int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &ring{cap: capacity}
}

func (r *ring) push(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) >= r.cap {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:len(r.buf)-1]
		r.dropped++
	}
	r.buf = append(r.buf, ev)
}

func (r *ring) drain(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil
	}
	n := len(r.buf)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, r.buf[:n])
	r.buf = append(r.buf[:0], r.buf[n:]...)
	return out
}

func (r *ring) droppedCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
