package offheap

import "errors"

// Sentinel errors returned by [Cache] operations.
//
// Errors from the storage engines and portabilities are wrapped, not
// replaced, so callers can also match [storage.ErrReadOnly],
// [portability.ErrEncoding] and friends with [errors.Is].
var (
	// ErrClosed indicates the cache has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("offheap: closed")

	// ErrInvalidOperation indicates a call the cache's lifecycle does not
	// allow: bootstrapping twice, bootstrapping a cache that was not built
	// with [NewFromStream], or bootstrapping a cache that already holds
	// entries.
	//
	// No state was changed.
	ErrInvalidOperation = errors.New("offheap: invalid operation")

	// ErrCapacity indicates a put could not make room: the segment evicted
	// everything it could and the storage engine or table is still full.
	//
	// Nothing was inserted. Recovery: give the engine more room.
	ErrCapacity = errors.New("offheap: capacity exhausted")

	// ErrCorrupt indicates a persisted index that does not describe a valid
	// cache: bad markers, impossible counts, or slots in the wrong segment.
	//
	// Recovery: discard the index and rebuild the cache.
	ErrCorrupt = errors.New("offheap: corrupt index")

	// ErrBootstrapFailed is returned by every operation but Close after a
	// failed [Cache.Bootstrap]. A half-restored cache must be discarded.
	ErrBootstrapFailed = errors.New("offheap: bootstrap failed")

	// ErrInvalidInput indicates invalid [Options] or arguments.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("offheap: invalid input")
)
