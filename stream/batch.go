// Package stream implements the batcher/debatcher pair that paces node
// production for transport (spec.md §4.5): bursty upstream items are
// coalesced into size-or-timeout-bounded frames, and frames are later
// unpacked back into an ordered item stream. The shape is generic so the
// same primitives serve chunktree.Node streams and any other sequence a
// caller wants paced, grounded on the periodic-flush idiom the teacher
// uses for its blob descriptor cache (registry/proxy/lru/lru.go's
// time.Ticker-driven eviction loop), generalized from a fixed tick to a
// reset-on-activity timeout.
package stream

import (
	"context"
	"time"

	"github.com/chunktree/chunktree/internal/metrics"
)

// Batch reads items from in and emits slices of up to size items on the
// returned channel. A batch is flushed as soon as it reaches size items,
// or when timeout has elapsed since the previous flush with a non-empty
// buffer — whichever comes first. It never blocks waiting for a full
// batch past timeout. When in closes, any residual partial batch is
// flushed once before the output channel closes; canceling ctx instead
// discards it, matching the "no dangling
// partial state on cancellation" rule for every suspension point in this
// package.
func Batch[T any](ctx context.Context, in <-chan T, size int, timeout time.Duration) <-chan []T {
	out := make(chan []T)

	go func() {
		metrics.ActiveBatchers.Inc()
		defer metrics.ActiveBatchers.Dec()
		defer close(out)

		buf := make([]T, 0, size)
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		flush := func() bool {
			if len(buf) == 0 {
				return true
			}
			batch := buf
			buf = make([]T, 0, size)
			select {
			case out <- batch:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return

			case item, ok := <-in:
				if !ok {
					flush()
					return
				}
				buf = append(buf, item)
				if len(buf) >= size {
					stopAndDrain(timer)
					if !flush() {
						return
					}
					timer.Reset(timeout)
				}

			case <-timer.C:
				if !flush() {
					return
				}
				timer.Reset(timeout)
			}
		}
	}()

	return out
}

func stopAndDrain(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
