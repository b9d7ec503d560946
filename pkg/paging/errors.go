package paging

import "errors"

// Sentinel errors returned by page sources.
//
// Callers should use [errors.Is] to check error types.
var (
	// ErrReadOnly indicates a mutating operation on a read-only source.
	//
	// This is a programming error: attach read-write if you need to grow
	// the file.
	ErrReadOnly = errors.New("paging: read-only source")

	// ErrClosed indicates the source has already been closed.
	ErrClosed = errors.New("paging: closed")

	// ErrOutOfBounds indicates a region that does not lie inside the
	// backing file.
	ErrOutOfBounds = errors.New("paging: out of bounds")

	// ErrBusy indicates another source holds a conflicting lock on the
	// backing file.
	//
	// Recovery: close the other source, or retry later.
	ErrBusy = errors.New("paging: busy")

	// ErrInvalidInput indicates invalid arguments were provided.
	ErrInvalidInput = errors.New("paging: invalid input")
)
