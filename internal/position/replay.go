package position

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/teslashibe/go-wayfind/internal/geo"
)

// ReplaySource plays back a recorded list of fixes
type ReplaySource struct {
	fixes    []geo.Fix
	interval time.Duration

	mu     sync.Mutex
	next   int
	closed bool
	last   time.Time
}

// NewReplaySource creates a source emitting fixes in order, at most one per
// interval (0 = as fast as they are read).
func NewReplaySource(fixes []geo.Fix, interval time.Duration) *ReplaySource {
	owned := make([]geo.Fix, len(fixes))
	copy(owned, fixes)

	return &ReplaySource{
		fixes:    owned,
		interval: interval,
	}
}

// Next returns the next recorded fix, or io.EOF at the end
func (r *ReplaySource) Next(ctx context.Context) (geo.Fix, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return geo.Fix{}, ErrSourceClosed
	}
	if r.next >= len(r.fixes) {
		r.mu.Unlock()
		return geo.Fix{}, io.EOF
	}
	var wait time.Duration
	if r.interval > 0 && !r.last.IsZero() {
		wait = r.interval - time.Since(r.last)
	}
	r.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return geo.Fix{}, ctx.Err()
		case <-timer.C:
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return geo.Fix{}, ErrSourceClosed
	}
	if r.next >= len(r.fixes) {
		return geo.Fix{}, io.EOF
	}

	fix := r.fixes[r.next]
	r.next++
	r.last = time.Now()

	if fix.Timestamp.IsZero() {
		fix.Timestamp = r.last
	}
	return fix, nil
}

// Remaining returns how many fixes are left to replay
func (r *ReplaySource) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fixes) - r.next
}

// Close stops the replay
func (r *ReplaySource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Healthy returns true until the source is closed
func (r *ReplaySource) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

// Name returns the source type name
func (r *ReplaySource) Name() string {
	return "replay"
}
