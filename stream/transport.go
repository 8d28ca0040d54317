package stream

import (
	"context"
	"io"
	"time"

	"github.com/chunktree/chunktree"
)

// WriteNodes batches a pre-order node stream (as produced by
// chunktree.DiffStream) and writes each batch to w as a length-prefixed
// frame, per spec.md §6's node-stream wire format. It returns once nodes
// closes or ctx is canceled, whichever comes first.
func WriteNodes(ctx context.Context, w io.Writer, nodes <-chan chunktree.Node, batchSize int, timeout time.Duration) error {
	for batch := range Batch(ctx, nodes, batchSize, timeout) {
		if err := chunktree.EncodeBatch(w, batch); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// ReadNodes reads length-prefixed frames from r until EOF or a read
// error, debatching them into an ordered node stream suitable for
// storagebase.ReceiveTree / a storage.Backend's ReceiveItem. The returned
// channel is closed when r is exhausted; a read error is delivered via
// errc before the channel closes.
func ReadNodes(ctx context.Context, r io.Reader, batchSize int, timeout time.Duration) (<-chan chunktree.Node, <-chan error) {
	batches := make(chan []chunktree.Node)
	errc := make(chan error, 1)

	go func() {
		defer close(batches)
		for {
			batch, err := chunktree.DecodeBatch(r)
			if err == io.EOF {
				return
			}
			if err != nil {
				errc <- err
				return
			}
			select {
			case batches <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	return Debatch(ctx, batches, batchSize, timeout), errc
}
