// Package iostore implements the asynchronous disk I/O gateway consumed by
// data.BlockPool: WriteAsync/ReadAsync, each returning an opaque RequestPtr,
// with callbacks invoked on a manager-owned goroutine. Block bytes are
// stored under an opaque Handle in a pluggable key-value engine selected at
// construction time.
package iostore

import "sync/atomic"

// Handle is the opaque external-memory location assigned to a block the
// first time it is evicted. Handles are reused across re-evictions of the
// same block, whose bytes are rewritten under the same handle.
type Handle uint64

// Completion is invoked once a WriteAsync or ReadAsync call finishes,
// carrying whether the operation succeeded. It runs on a manager-owned
// goroutine, never on the caller's goroutine.
type Completion func(success bool)

// RequestPtr is the handle to an in-flight asynchronous operation.
type RequestPtr interface {
	// Wait blocks until the request completes. data.BlockPool does not call
	// it: a block destroyed while I/O is outstanding is finished by the
	// completion callback instead.
	Wait()
}

// BlockManager is the asynchronous disk I/O gateway consumed by
// data.BlockPool.
type BlockManager interface {
	// NewHandle allocates a fresh, never-before-used Handle.
	NewHandle() Handle

	// WriteAsync persists data under handle and invokes onComplete when
	// done.
	WriteAsync(handle Handle, data []byte, onComplete Completion) RequestPtr

	// ReadAsync reads the bytes stored under handle into dst (which must be
	// exactly the size previously written) and invokes onComplete when
	// done.
	ReadAsync(handle Handle, dst []byte, onComplete Completion) RequestPtr

	// Free releases the backing storage for handle. Called once a block is
	// destroyed and its swapped-out copy, if any, is no longer reachable.
	Free(handle Handle) error

	// Close releases the backing store. Safe to call once all requests
	// have completed.
	Close() error
}

type handleAllocator struct {
	next atomic.Uint64
}

func (h *handleAllocator) NewHandle() Handle {
	return Handle(h.next.Add(1))
}
