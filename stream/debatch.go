package stream

import (
	"context"
	"time"

	"github.com/chunktree/chunktree/internal/metrics"
)

// Debatch reverses Batch: it accumulates items drained from incoming
// batches into its own queue and releases them one at a time, under the
// same size-or-timeout flush rule — when the queue reaches size items, or
// timeout elapses with the queue non-empty, queued items are emitted in
// order until the queue is empty again. Relative order within the stream
// is always preserved; cancellation drops whatever is still queued rather
// than emitting it.
func Debatch[T any](ctx context.Context, in <-chan []T, size int, timeout time.Duration) <-chan T {
	out := make(chan T)

	go func() {
		metrics.ActiveBatchers.Inc()
		defer metrics.ActiveBatchers.Dec()
		defer close(out)

		var buf []T
		timer := time.NewTimer(timeout)
		stopAndDrain(timer)
		defer timer.Stop()
		timerActive := false

		emit := func() bool {
			for _, item := range buf {
				select {
				case out <- item:
				case <-ctx.Done():
					return false
				}
			}
			buf = buf[:0]
			return true
		}

		upstreamOpen := true
		for upstreamOpen || len(buf) > 0 {
			var timerC <-chan time.Time
			if timerActive {
				timerC = timer.C
			}

			select {
			case <-ctx.Done():
				return

			case batch, ok := <-in:
				if !ok {
					upstreamOpen = false
					if timerActive {
						stopAndDrain(timer)
						timerActive = false
					}
					if !emit() {
						return
					}
					continue
				}
				buf = append(buf, batch...)
				if len(buf) >= size {
					if timerActive {
						stopAndDrain(timer)
						timerActive = false
					}
					if !emit() {
						return
					}
				} else if !timerActive {
					timer.Reset(timeout)
					timerActive = true
				}

			case <-timerC:
				timerActive = false
				if !emit() {
					return
				}
			}
		}
	}()

	return out
}
