// Package writer drains the ring buffer into the destination file in
// buffered mode. Unbuffered mode needs no writer: workers write directly
// via io.WriterAt, so this package is only invoked when plan.UseRAMBuffer
// is true.
//
// Grounded on the drain loop implicit in
// GoParallelDownload/internal/state/state.go's head-offset bookkeeping,
// generalized from a global progress map to one goroutine per job reading
// from one ChunkBuffer.
package writer

import (
	"context"
	"io"

	"github.com/turbodl/turbodl/internal/ringbuffer"
)

// ProgressFunc reports bytes written to disk. Called from the writer's
// goroutine; must not block for long.
type ProgressFunc func(n int64)

// Drain repeatedly calls buf.DrainContiguous and appends each run to w in
// ascending-offset order until the buffer reports end-of-stream (closed and
// empty) or ctx is canceled. It returns the total bytes written.
func Drain(ctx context.Context, buf *ringbuffer.ChunkBuffer, w io.Writer, progress ProgressFunc) (int64, error) {
	var total int64
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			buf.Close()
		case <-done:
		}
	}()

	for {
		data, _, ok := buf.DrainContiguous()
		if !ok {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			return total, nil
		}
		n, err := w.Write(data)
		total += int64(n)
		if progress != nil {
			progress(int64(n))
		}
		if err != nil {
			return total, err
		}
	}
}
