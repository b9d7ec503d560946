package storage

import (
	"fmt"
	"io"

	"github.com/calvinalkan/offheap/internal/wire"
	"github.com/calvinalkan/offheap/pkg/portability"
)

// Engine stores key/value mappings and hands back an encoding that locates
// them.
type Engine[K, V any] interface {
	// Hash returns the hash of key's canonical encoding. It must be stable
	// across processes.
	Hash(key K) (uint64, error)

	// WriteMapping stores key and value and returns their encoding.
	// Returns [ErrFull] when the engine may not grow further.
	WriteMapping(key K, value V, hash uint64) (uint64, error)

	// ReadKey decodes the key stored under encoding.
	ReadKey(encoding uint64) (K, error)

	// ReadValue decodes the value stored under encoding.
	ReadValue(encoding uint64) (V, error)

	// KeyEquals reports whether key is the key stored under encoding.
	KeyEquals(key K, encoding uint64) (bool, error)

	// FreeMapping releases the storage behind encoding.
	FreeMapping(encoding uint64) error

	// OccupiedMemory returns the bytes held by live records.
	OccupiedMemory() int64

	// Flush makes pending record writes visible to the page source.
	Flush() error

	// Persist writes the engine's bookkeeping, not its record bytes.
	Persist(w io.Writer) error

	// Bootstrap restores bookkeeping written by Persist.
	Bootstrap(r io.Reader) error

	// Close releases the engine. Record bytes stay in the page source.
	Close() error
}

// Factory creates the engines of one cache and persists the state they
// share.
type Factory[K, V any] interface {
	NewEngine() (Engine[K, V], error)
	Persist(w io.Writer) error
	Bootstrap(r io.Reader) error
}

// persistPortability writes a presence flag followed by p's state when p is
// [portability.Stateful].
func persistPortability(ww *wire.Writer, w io.Writer, p any) error {
	stateful, ok := p.(portability.Stateful)

	ww.Bool(ok)

	if err := ww.Err(); err != nil {
		return err
	}

	if !ok {
		return nil
	}

	return stateful.Persist(w)
}

// bootstrapPortability is the inverse of persistPortability.
func bootstrapPortability(wr *wire.Reader, r io.Reader, p any) error {
	hasState := wr.Bool()

	if err := wr.Err(); err != nil {
		return err
	}

	stateful, ok := p.(portability.Stateful)
	if hasState != ok {
		return fmt.Errorf("portability %T stateful=%t, stream says %t: %w", p, ok, hasState, ErrInvalidOperation)
	}

	if !ok {
		return nil
	}

	return stateful.Bootstrap(r)
}
