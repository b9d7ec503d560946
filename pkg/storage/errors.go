package storage

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/offheap/pkg/paging"
)

// Sentinel errors returned by storage engines.
var (
	// ErrFull indicates the engine cannot take another record without
	// growing past its configured limit.
	//
	// Callers (the cache segments) react by evicting and retrying.
	ErrFull = errors.New("storage: full")

	// ErrTooLarge indicates a record that no amount of eviction makes room
	// for. It also matches [ErrFull].
	ErrTooLarge = fmt.Errorf("storage: record too large: %w", ErrFull)

	// ErrReadOnly indicates a write or free on an engine attached read-only.
	//
	// It also matches [paging.ErrReadOnly].
	ErrReadOnly = fmt.Errorf("storage: read-only engine: %w", paging.ErrReadOnly)

	// ErrInvalidOperation indicates an operation the engine's construction
	// path does not allow, such as bootstrapping a fresh engine or writing to
	// an attached engine before it was bootstrapped.
	ErrInvalidOperation = errors.New("storage: invalid operation")

	// ErrCorrupt indicates a reference or persisted bookkeeping that does not
	// match the mapped chunks.
	ErrCorrupt = errors.New("storage: corrupt")

	// ErrClosed indicates the engine has been closed.
	ErrClosed = errors.New("storage: closed")
)
