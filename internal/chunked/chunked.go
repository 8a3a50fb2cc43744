// Package chunked streams a range scan's records to an HTTP response
// as one chunk per record.
package chunked

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/mnohosten/driftkv/internal/lsm"
)

var newline = []byte{'\n'}

// ErrNotFlushable is returned when the destination ResponseWriter
// cannot be flushed mid-response, so chunks could not be forced onto
// the wire individually.
var ErrNotFlushable = errors.New("chunked: response writer does not support flushing")

// Stream writes every live record with key in [start, end) to w, one
// HTTP chunk per record encoded as `key '\n' value` with no escaping.
// end is exclusive; a nil end means no upper bound. The stream ends
// with the transport's own zero-length closing chunk once Stream
// returns. Tombstones never appear: engine.RangeScan already omits
// them. A client disconnect mid-stream (ctx cancelled, or a write
// failing) aborts cleanly with the partial chunks already flushed.
func Stream(ctx context.Context, w http.ResponseWriter, engine *lsm.Engine, start, end []byte) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrNotFlushable
	}

	it, err := engine.RangeScan(start)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cell := it.Cell()
		if end != nil && bytes.Compare(cell.Key, end) >= 0 {
			break
		}

		if _, err := w.Write(cell.Key); err != nil {
			return err
		}
		if _, err := w.Write(newline); err != nil {
			return err
		}
		if _, err := w.Write(cell.Value); err != nil {
			return err
		}
		flusher.Flush()
	}
	return nil
}
