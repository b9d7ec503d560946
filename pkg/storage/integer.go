package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/calvinalkan/offheap/internal/wire"
	"github.com/calvinalkan/offheap/pkg/portability"
)

//nolint:gochecknoglobals // stream marker
var integerHalfMagic = [4]byte{'O', 'H', 'I', 'H'}

// Integer is the set of types [IntegerHalf] stores.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// IntegerHalf keeps integers inline: the reference is the value itself, so
// nothing is written to a page source and reads never decode.
//
// Signed values must fit in int32 and unsigned values in uint32; anything
// else is [portability.ErrEncoding].
type IntegerHalf[T Integer] struct{}

var _ Half[int] = IntegerHalf[int]{}

// IntegerHalfFactory hands out [IntegerHalf]s. It has no state.
type IntegerHalfFactory[T Integer] struct{}

var _ HalfFactory[int] = IntegerHalfFactory[int]{}

// NewIntegerHalfFactory returns the factory for inline integer halves.
func NewIntegerHalfFactory[T Integer]() IntegerHalfFactory[T] {
	return IntegerHalfFactory[T]{}
}

func (IntegerHalfFactory[T]) NewHalf() (Half[T], error) { return IntegerHalf[T]{}, nil }

func (IntegerHalfFactory[T]) Persist(w io.Writer) error   { return writeIntegerMarker(w) }
func (IntegerHalfFactory[T]) Bootstrap(r io.Reader) error { return readMagic(r, integerHalfMagic, "integer half") }

func signed[T Integer]() bool {
	var zero T

	return zero-1 < zero
}

// Hash is xxhash64 of the value as 8 little-endian bytes.
func (IntegerHalf[T]) Hash(value T) (uint64, error) {
	var buf [8]byte
	if signed[T]() {
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(value)))
	} else {
		binary.LittleEndian.PutUint64(buf[:], uint64(value))
	}

	return xxhash.Sum64(buf[:]), nil
}

func (IntegerHalf[T]) Write(value T) (uint32, error) {
	if signed[T]() {
		v := int64(value)
		if v < math.MinInt32 || v > math.MaxInt32 {
			return 0, fmt.Errorf("%d does not fit an inline reference: %w", v, portability.ErrEncoding)
		}

		return uint32(int32(v)), nil
	}

	v := uint64(value)
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%d does not fit an inline reference: %w", v, portability.ErrEncoding)
	}

	return uint32(v), nil
}

func (IntegerHalf[T]) Read(ref uint32) (T, error) {
	if signed[T]() {
		return T(int32(ref)), nil
	}

	return T(ref), nil
}

func (h IntegerHalf[T]) Equals(value T, ref uint32) (bool, error) {
	stored, _ := h.Read(ref)

	return stored == value, nil
}

func (IntegerHalf[T]) Free(uint32) error           { return nil }
func (IntegerHalf[T]) OccupiedMemory() int64       { return 0 }
func (IntegerHalf[T]) Flush() error                { return nil }
func (IntegerHalf[T]) Persist(w io.Writer) error   { return writeIntegerMarker(w) }
func (IntegerHalf[T]) Bootstrap(r io.Reader) error { return readMagic(r, integerHalfMagic, "integer half") }
func (IntegerHalf[T]) Close() error                { return nil }

func writeIntegerMarker(w io.Writer) error {
	ww := wire.NewWriter(w)
	ww.Magic(integerHalfMagic)

	if err := ww.Err(); err != nil {
		return fmt.Errorf("persist integer half: %w", err)
	}

	return nil
}
