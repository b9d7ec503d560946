package storage

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/calvinalkan/offheap/internal/wire"
	"github.com/calvinalkan/offheap/pkg/paging"
	"github.com/calvinalkan/offheap/pkg/portability"
)

//nolint:gochecknoglobals // stream markers
var (
	splitMagic        = [4]byte{'O', 'H', 'S', 'P'}
	splitFactoryMagic = [4]byte{'O', 'H', 'S', 'F'}
)

// Half stores one side of a mapping, either keys or values, and locates
// each stored item with a 32-bit reference.
type Half[T any] interface {
	Hash(value T) (uint64, error)
	Write(value T) (uint32, error)
	Read(ref uint32) (T, error)
	Equals(value T, ref uint32) (bool, error)
	Free(ref uint32) error
	OccupiedMemory() int64
	Flush() error
	Persist(w io.Writer) error
	Bootstrap(r io.Reader) error
	Close() error
}

// HalfFactory creates the halves of one side of a split cache.
type HalfFactory[T any] interface {
	NewHalf() (Half[T], error)
	Persist(w io.Writer) error
	Bootstrap(r io.Reader) error
}

// SplitFactory builds engines that keep keys and values in two independent
// halves. The encoding of a mapping is keyRef<<32 | valueRef.
type SplitFactory[K, V any] struct {
	keys   HalfFactory[K]
	values HalfFactory[V]
}

var _ Factory[int, int] = (*SplitFactory[int, int])(nil)

// NewSplitFactory combines a key half factory and a value half factory.
func NewSplitFactory[K, V any](keys HalfFactory[K], values HalfFactory[V]) (*SplitFactory[K, V], error) {
	if keys == nil || values == nil {
		return nil, fmt.Errorf("split factory needs both halves: %w", ErrInvalidOperation)
	}

	return &SplitFactory[K, V]{keys: keys, values: values}, nil
}

// NewEngine returns an engine over a fresh key half and value half.
func (f *SplitFactory[K, V]) NewEngine() (Engine[K, V], error) {
	kh, err := f.keys.NewHalf()
	if err != nil {
		return nil, fmt.Errorf("new key half: %w", err)
	}

	vh, err := f.values.NewHalf()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("new value half: %w", err), kh.Close())
	}

	return &SplitEngine[K, V]{keys: kh, values: vh}, nil
}

// Persist writes the key factory's state then the value factory's.
func (f *SplitFactory[K, V]) Persist(w io.Writer) error {
	ww := wire.NewWriter(w)
	ww.Magic(splitFactoryMagic)

	if err := ww.Err(); err != nil {
		return fmt.Errorf("persist split factory: %w", err)
	}

	err := f.keys.Persist(w)
	if err != nil {
		return fmt.Errorf("persist key half factory: %w", err)
	}

	err = f.values.Persist(w)
	if err != nil {
		return fmt.Errorf("persist value half factory: %w", err)
	}

	return nil
}

// Bootstrap restores the state written by Persist.
func (f *SplitFactory[K, V]) Bootstrap(r io.Reader) error {
	err := readMagic(r, splitFactoryMagic, "split factory")
	if err != nil {
		return err
	}

	err = f.keys.Bootstrap(r)
	if err != nil {
		return fmt.Errorf("bootstrap key half factory: %w", err)
	}

	err = f.values.Bootstrap(r)
	if err != nil {
		return fmt.Errorf("bootstrap value half factory: %w", err)
	}

	return nil
}

// SplitEngine is an [Engine] over two [Half]s.
type SplitEngine[K, V any] struct {
	keys   Half[K]
	values Half[V]
}

var _ Engine[int, int] = (*SplitEngine[int, int])(nil)

// Hash delegates to the key half.
func (e *SplitEngine[K, V]) Hash(key K) (uint64, error) {
	return e.keys.Hash(key)
}

// WriteMapping writes key then value. A failed value write frees the key.
func (e *SplitEngine[K, V]) WriteMapping(key K, value V, _ uint64) (uint64, error) {
	kr, err := e.keys.Write(key)
	if err != nil {
		return 0, err
	}

	vr, err := e.values.Write(value)
	if err != nil {
		return 0, errors.Join(err, e.keys.Free(kr))
	}

	return uint64(kr)<<32 | uint64(vr), nil
}

// ReadKey reads the key half of encoding.
func (e *SplitEngine[K, V]) ReadKey(encoding uint64) (K, error) {
	return e.keys.Read(keyRef(encoding))
}

// ReadValue reads the value half of encoding.
func (e *SplitEngine[K, V]) ReadValue(encoding uint64) (V, error) {
	return e.values.Read(valueRef(encoding))
}

// KeyEquals asks the key half.
func (e *SplitEngine[K, V]) KeyEquals(key K, encoding uint64) (bool, error) {
	return e.keys.Equals(key, keyRef(encoding))
}

// FreeMapping frees both halves.
func (e *SplitEngine[K, V]) FreeMapping(encoding uint64) error {
	return errors.Join(e.keys.Free(keyRef(encoding)), e.values.Free(valueRef(encoding)))
}

// OccupiedMemory sums both halves.
func (e *SplitEngine[K, V]) OccupiedMemory() int64 {
	return e.keys.OccupiedMemory() + e.values.OccupiedMemory()
}

func (e *SplitEngine[K, V]) Flush() error {
	return errors.Join(e.keys.Flush(), e.values.Flush())
}

// Persist writes the key half's state then the value half's.
func (e *SplitEngine[K, V]) Persist(w io.Writer) error {
	ww := wire.NewWriter(w)
	ww.Magic(splitMagic)

	if err := ww.Err(); err != nil {
		return fmt.Errorf("persist split engine: %w", err)
	}

	err := e.keys.Persist(w)
	if err != nil {
		return fmt.Errorf("persist key half: %w", err)
	}

	err = e.values.Persist(w)
	if err != nil {
		return fmt.Errorf("persist value half: %w", err)
	}

	return nil
}

// Bootstrap restores the state written by Persist.
func (e *SplitEngine[K, V]) Bootstrap(r io.Reader) error {
	err := readMagic(r, splitMagic, "split engine")
	if err != nil {
		return err
	}

	err = e.keys.Bootstrap(r)
	if err != nil {
		return fmt.Errorf("bootstrap key half: %w", err)
	}

	err = e.values.Bootstrap(r)
	if err != nil {
		return fmt.Errorf("bootstrap value half: %w", err)
	}

	return nil
}

func (e *SplitEngine[K, V]) Close() error {
	return errors.Join(e.keys.Close(), e.values.Close())
}

func keyRef(encoding uint64) uint32   { return uint32(encoding >> 32) }
func valueRef(encoding uint64) uint32 { return uint32(encoding) }

func readMagic(r io.Reader, want [4]byte, what string) error {
	wr := wire.NewReader(r)

	if !wr.Magic(want) {
		if err := wr.Err(); err != nil {
			return fmt.Errorf("bootstrap %s: %w", what, err)
		}

		return fmt.Errorf("bad %s marker: %w", what, ErrCorrupt)
	}

	return nil
}

// FileBackedHalfFactory creates halves that keep their items in a page
// source, one record per item. A reference is the record's file offset
// divided by the record alignment, so a half addresses the first 32 GiB of
// its source.
type FileBackedHalfFactory[T any] struct {
	inner *FileBackedFactory[T, struct{}]
}

var _ HalfFactory[string] = (*FileBackedHalfFactory[string])(nil)

// NewFileBackedHalfFactory is the half counterpart of [NewFileBackedFactory].
func NewFileBackedHalfFactory[T any](
	src *paging.MappedSource, p portability.Portability[T], opts FileBackedOptions,
) (*FileBackedHalfFactory[T], error) {
	return newFileBackedHalfFactory(src, p, opts, modeFresh)
}

// AttachFileBackedHalfFactory is the half counterpart of [AttachFileBackedFactory].
func AttachFileBackedHalfFactory[T any](
	src *paging.MappedSource, p portability.Portability[T], opts FileBackedOptions,
) (*FileBackedHalfFactory[T], error) {
	return newFileBackedHalfFactory(src, p, opts, modeAttach)
}

// AttachFileBackedHalfReadOnlyFactory is the half counterpart of
// [AttachFileBackedReadOnlyFactory].
func AttachFileBackedHalfReadOnlyFactory[T any](
	src *paging.MappedSource, p portability.Portability[T], opts FileBackedOptions,
) (*FileBackedHalfFactory[T], error) {
	return newFileBackedHalfFactory(src, p, opts, modeAttachReadOnly)
}

func newFileBackedHalfFactory[T any](
	src *paging.MappedSource, p portability.Portability[T], opts FileBackedOptions, mode attachMode,
) (*FileBackedHalfFactory[T], error) {
	inner, err := newFileBackedFactory[T, struct{}](src, p, emptyPortability{}, opts, mode)
	if err != nil {
		return nil, err
	}

	return &FileBackedHalfFactory[T]{inner: inner}, nil
}

func (f *FileBackedHalfFactory[T]) NewHalf() (Half[T], error) {
	e, err := f.inner.NewEngine()
	if err != nil {
		return nil, err
	}

	return &fileBackedHalf[T]{engine: e.(*FileBackedEngine[T, struct{}])}, nil
}

func (f *FileBackedHalfFactory[T]) Persist(w io.Writer) error   { return f.inner.Persist(w) }
func (f *FileBackedHalfFactory[T]) Bootstrap(r io.Reader) error { return f.inner.Bootstrap(r) }

type fileBackedHalf[T any] struct {
	engine *FileBackedEngine[T, struct{}]
}

func (h *fileBackedHalf[T]) Hash(value T) (uint64, error) { return h.engine.Hash(value) }

func (h *fileBackedHalf[T]) Write(value T) (uint32, error) {
	enc, err := h.engine.WriteMapping(value, struct{}{}, 0)
	if err != nil {
		return 0, err
	}

	if enc/recordAlign > math.MaxUint32 {
		return 0, errors.Join(
			fmt.Errorf("record at %d beyond half reference range: %w", enc, ErrFull),
			h.engine.FreeMapping(enc),
		)
	}

	return uint32(enc / recordAlign), nil
}

func (h *fileBackedHalf[T]) Read(ref uint32) (T, error) {
	return h.engine.ReadKey(uint64(ref) * recordAlign)
}

func (h *fileBackedHalf[T]) Equals(value T, ref uint32) (bool, error) {
	return h.engine.KeyEquals(value, uint64(ref)*recordAlign)
}

func (h *fileBackedHalf[T]) Free(ref uint32) error {
	return h.engine.FreeMapping(uint64(ref) * recordAlign)
}

func (h *fileBackedHalf[T]) OccupiedMemory() int64       { return h.engine.OccupiedMemory() }
func (h *fileBackedHalf[T]) Flush() error                { return h.engine.Flush() }
func (h *fileBackedHalf[T]) Persist(w io.Writer) error   { return h.engine.Persist(w) }
func (h *fileBackedHalf[T]) Bootstrap(r io.Reader) error { return h.engine.Bootstrap(r) }
func (h *fileBackedHalf[T]) Close() error                { return h.engine.Close() }

// emptyPortability encodes struct{} as zero bytes.
type emptyPortability struct{}

func (emptyPortability) Encode(struct{}) ([]byte, error) { return nil, nil }

func (emptyPortability) Decode(b []byte) (struct{}, error) {
	if len(b) != 0 {
		return struct{}{}, fmt.Errorf("%d bytes for an empty value: %w", len(b), portability.ErrEncoding)
	}

	return struct{}{}, nil
}
