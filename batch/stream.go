package batch

import (
	"context"
)

// StreamResult is the outcome of one streamed chunk.
type StreamResult struct {
	// Offset is the position of the chunk's first record in the input
	// stream.
	Offset int

	// IDs are the created ids of the chunk, in input order.
	IDs []int64

	Err error
}

// CreateStream consumes records lazily from input and creates them in
// chunks, emitting one StreamResult per chunk on the returned channel. The
// input length need not be known up front. Chunks run sequentially in
// stream order; the channel closes when the input is drained, a chunk
// fails under StopOnError, or ctx is done.
func (e *Engine) CreateStream(ctx context.Context, model string, input <-chan map[string]interface{}, opts ...Option) <-chan StreamResult {
	o := e.options(opts)
	out := make(chan StreamResult)

	go func() {
		defer close(out)

		offset := 0
		buf := make([]map[string]interface{}, 0, o.chunkSize)
		flush := func() bool {
			if len(buf) == 0 {
				return true
			}
			part := make([]map[string]interface{}, len(buf))
			copy(part, buf)
			buf = buf[:0]

			ids, err := e.runner.CreateBatch(ctx, model, part)
			result := StreamResult{Offset: offset, IDs: ids, Err: err}
			offset += len(part)

			select {
			case out <- result:
			case <-ctx.Done():
				return false
			}
			return err == nil || o.mode == ContinueOnError
		}

		for {
			select {
			case <-ctx.Done():
				return
			case record, ok := <-input:
				if !ok {
					flush()
					return
				}
				buf = append(buf, record)
				if len(buf) >= o.chunkSize {
					if !flush() {
						return
					}
				}
			}
		}
	}()
	return out
}
