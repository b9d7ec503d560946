package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/calvinalkan/offheap/internal/wire"
	"github.com/calvinalkan/offheap/pkg/paging"
	"github.com/calvinalkan/offheap/pkg/portability"
)

// Record layout inside a chunk, little endian:
//
//	+0  u32 key length
//	+4  u32 value length
//	+8  key bytes
//	    value bytes
//	    zero padding to recordAlign
//
// The encoding of a record is its absolute offset in the backing file.
const (
	recordHeaderSize = 8
	recordAlign      = 8

	// DefaultChunkSize is the chunk size used when [FileBackedOptions.ChunkSize] is 0.
	DefaultChunkSize = 64 << 10

	// maxChunks bounds the chunk list read back by Bootstrap.
	maxChunks = 1 << 24
)

//nolint:gochecknoglobals // stream markers
var (
	fileBackedMagic        = [4]byte{'O', 'H', 'F', 'B'}
	fileBackedFactoryMagic = [4]byte{'O', 'H', 'F', 'F'}
)

// FileBackedOptions configures file-backed engines.
type FileBackedOptions struct {
	// ChunkSize is the size of the regions each engine requests from the
	// page source. Records larger than a chunk get a chunk of their own.
	//
	// Default: [DefaultChunkSize].
	ChunkSize int

	// MaxBytes caps the chunk bytes a single engine may hold. When a write
	// would exceed it, the engine returns [ErrFull] and the cache evicts.
	// A record that would not fit even into an empty engine returns
	// [ErrTooLarge] instead.
	//
	// 0 means no limit other than the backing file's.
	MaxBytes int64
}

type attachMode int

const (
	modeFresh attachMode = iota
	modeAttach
	modeAttachReadOnly
)

// FileBackedFactory creates [FileBackedEngine]s over one page source.
//
// Build it with [NewFileBackedFactory] for a new cache, or with
// [AttachFileBackedFactory] / [AttachFileBackedReadOnlyFactory] when the
// cache is restored from a persisted index.
type FileBackedFactory[K, V any] struct {
	src  *paging.MappedSource
	kp   portability.Portability[K]
	vp   portability.Portability[V]
	opts FileBackedOptions
	mode attachMode
}

var _ Factory[string, string] = (*FileBackedFactory[string, string])(nil)

// NewFileBackedFactory returns a factory of fresh, empty engines.
//
// src must be writable. Engines from this factory refuse [Engine.Bootstrap].
func NewFileBackedFactory[K, V any](
	src *paging.MappedSource, kp portability.Portability[K], vp portability.Portability[V], opts FileBackedOptions,
) (*FileBackedFactory[K, V], error) {
	return newFileBackedFactory(src, kp, vp, opts, modeFresh)
}

// AttachFileBackedFactory returns a factory of engines that attach to
// chunks already present in src. Each engine must be bootstrapped before it
// accepts writes; afterwards it allocates new chunks as usual.
//
// src must be writable.
func AttachFileBackedFactory[K, V any](
	src *paging.MappedSource, kp portability.Portability[K], vp portability.Portability[V], opts FileBackedOptions,
) (*FileBackedFactory[K, V], error) {
	return newFileBackedFactory(src, kp, vp, opts, modeAttach)
}

// AttachFileBackedReadOnlyFactory returns a factory of engines that attach
// to chunks already present in src and never write to it. Writes and frees
// return [ErrReadOnly].
func AttachFileBackedReadOnlyFactory[K, V any](
	src *paging.MappedSource, kp portability.Portability[K], vp portability.Portability[V], opts FileBackedOptions,
) (*FileBackedFactory[K, V], error) {
	return newFileBackedFactory(src, kp, vp, opts, modeAttachReadOnly)
}

func newFileBackedFactory[K, V any](
	src *paging.MappedSource, kp portability.Portability[K], vp portability.Portability[V], opts FileBackedOptions, mode attachMode,
) (*FileBackedFactory[K, V], error) {
	if src == nil || kp == nil || vp == nil {
		return nil, fmt.Errorf("source and portabilities are required: %w", ErrInvalidOperation)
	}

	if mode != modeAttachReadOnly && src.ReadOnly() {
		return nil, fmt.Errorf("writable engines need a writable source: %w", ErrReadOnly)
	}

	if opts.ChunkSize < 0 || opts.MaxBytes < 0 {
		return nil, fmt.Errorf("chunk size %d, max bytes %d: %w", opts.ChunkSize, opts.MaxBytes, ErrInvalidOperation)
	}

	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	return &FileBackedFactory[K, V]{src: src, kp: kp, vp: vp, opts: opts, mode: mode}, nil
}

// NewEngine returns an engine bound to the factory's source and
// portabilities.
func (f *FileBackedFactory[K, V]) NewEngine() (Engine[K, V], error) {
	return &FileBackedEngine[K, V]{
		src:  f.src,
		kp:   f.kp,
		vp:   f.vp,
		opts: f.opts,
		mode: f.mode,
	}, nil
}

// Persist writes the state of the key and value portabilities, in that
// order.
func (f *FileBackedFactory[K, V]) Persist(w io.Writer) error {
	ww := wire.NewWriter(w)
	ww.Magic(fileBackedFactoryMagic)

	err := persistPortability(ww, w, f.kp)
	if err != nil {
		return fmt.Errorf("persist key portability: %w", err)
	}

	err = persistPortability(ww, w, f.vp)
	if err != nil {
		return fmt.Errorf("persist value portability: %w", err)
	}

	return nil
}

// Bootstrap restores the portability state written by Persist.
func (f *FileBackedFactory[K, V]) Bootstrap(r io.Reader) error {
	if f.mode == modeFresh {
		return fmt.Errorf("bootstrap on a fresh factory: %w", ErrInvalidOperation)
	}

	wr := wire.NewReader(r)

	if !wr.Magic(fileBackedFactoryMagic) {
		if err := wr.Err(); err != nil {
			return fmt.Errorf("bootstrap file-backed factory: %w", err)
		}

		return fmt.Errorf("bad file-backed factory marker: %w", ErrCorrupt)
	}

	err := bootstrapPortability(wr, r, f.kp)
	if err != nil {
		return fmt.Errorf("bootstrap key portability: %w", err)
	}

	err = bootstrapPortability(wr, r, f.vp)
	if err != nil {
		return fmt.Errorf("bootstrap value portability: %w", err)
	}

	return nil
}

// span is a free range relative to the start of its chunk.
type span struct {
	off, len int64
}

// chunk is one region obtained from the page source plus its free list.
// Free spans are sorted by offset and never adjacent (always coalesced).
type chunk struct {
	page *paging.Page
	free []span
}

func (c *chunk) freeBytes() int64 {
	var n int64
	for _, s := range c.free {
		n += s.len
	}

	return n
}

// allocate carves size bytes out of the first free span that fits.
func (c *chunk) allocate(size int64) (int64, bool) {
	for i, s := range c.free {
		if s.len < size {
			continue
		}

		off := s.off
		if s.len == size {
			c.free = append(c.free[:i], c.free[i+1:]...)
		} else {
			c.free[i] = span{off: s.off + size, len: s.len - size}
		}

		return off, true
	}

	return 0, false
}

// release returns [off, off+size) to the free list, merging neighbours.
// Overlap with an existing free span means a double free.
func (c *chunk) release(off, size int64) error {
	i := sort.Search(len(c.free), func(i int) bool { return c.free[i].off >= off })

	if i > 0 && c.free[i-1].off+c.free[i-1].len > off {
		return fmt.Errorf("free of %d+%d overlaps free span %d+%d: %w", off, size, c.free[i-1].off, c.free[i-1].len, ErrCorrupt)
	}

	if i < len(c.free) && off+size > c.free[i].off {
		return fmt.Errorf("free of %d+%d overlaps free span %d+%d: %w", off, size, c.free[i].off, c.free[i].len, ErrCorrupt)
	}

	mergePrev := i > 0 && c.free[i-1].off+c.free[i-1].len == off
	mergeNext := i < len(c.free) && off+size == c.free[i].off

	switch {
	case mergePrev && mergeNext:
		c.free[i-1].len += size + c.free[i].len
		c.free = append(c.free[:i], c.free[i+1:]...)
	case mergePrev:
		c.free[i-1].len += size
	case mergeNext:
		c.free[i] = span{off: off, len: size + c.free[i].len}
	default:
		c.free = append(c.free, span{})
		copy(c.free[i+1:], c.free[i:])
		c.free[i] = span{off: off, len: size}
	}

	return nil
}

// FileBackedEngine stores records inside chunks of a [paging.MappedSource].
//
// Only chunk offsets and free spans are persisted; the records themselves
// are already in the file. Fragmentation left by frees is carried across a
// persist/bootstrap cycle exactly, never compacted.
type FileBackedEngine[K, V any] struct {
	src  *paging.MappedSource
	kp   portability.Portability[K]
	vp   portability.Portability[V]
	opts FileBackedOptions
	mode attachMode

	chunks       []*chunk // sorted by page offset
	chunkBytes   int64
	occupied     int64
	bootstrapped bool
	closed       bool
}

var _ Engine[string, string] = (*FileBackedEngine[string, string])(nil)

// Hash returns xxhash64 of key's encoding.
func (e *FileBackedEngine[K, V]) Hash(key K) (uint64, error) {
	kb, err := portability.EncodeKey(e.kp, key)
	if err != nil {
		return 0, fmt.Errorf("encode key: %w", err)
	}

	return xxhash.Sum64(kb), nil
}

// WriteMapping encodes key and value into one record.
func (e *FileBackedEngine[K, V]) WriteMapping(key K, value V, _ uint64) (uint64, error) {
	err := e.checkWritable()
	if err != nil {
		return 0, err
	}

	kb, err := e.kp.Encode(key)
	if err != nil {
		return 0, fmt.Errorf("encode key: %w", err)
	}

	vb, err := e.vp.Encode(value)
	if err != nil {
		return 0, fmt.Errorf("encode value: %w", err)
	}

	if uint64(len(kb)) > math.MaxUint32 || uint64(len(vb)) > math.MaxUint32 {
		return 0, fmt.Errorf("record of %d+%d bytes too large: %w", len(kb), len(vb), portability.ErrEncoding)
	}

	size := blockSize(len(kb), len(vb))

	if e.opts.MaxBytes > 0 && roundToPage(size) > e.opts.MaxBytes {
		return 0, fmt.Errorf("record of %d bytes, limit %d: %w", size, e.opts.MaxBytes, ErrTooLarge)
	}

	c, off, ok := e.allocate(size)
	if !ok {
		c, err = e.grow(size)
		if err != nil {
			return 0, err
		}

		off, _ = c.allocate(size)
	}

	data := c.page.Bytes()[off : off+size]
	binary.LittleEndian.PutUint32(data[0:], uint32(len(kb)))
	binary.LittleEndian.PutUint32(data[4:], uint32(len(vb)))
	n := copy(data[recordHeaderSize:], kb)
	n += copy(data[recordHeaderSize+n:], vb)
	clear(data[recordHeaderSize+n:])
	c.page.MarkDirty()

	e.occupied += size

	return uint64(c.page.Offset() + off), nil
}

func (e *FileBackedEngine[K, V]) checkWritable() error {
	switch {
	case e.closed:
		return ErrClosed
	case e.mode == modeAttachReadOnly:
		return ErrReadOnly
	case e.mode == modeAttach && !e.bootstrapped:
		return fmt.Errorf("write before bootstrap: %w", ErrInvalidOperation)
	}

	return nil
}

func (e *FileBackedEngine[K, V]) allocate(size int64) (*chunk, int64, bool) {
	for _, c := range e.chunks {
		if off, ok := c.allocate(size); ok {
			return c, off, true
		}
	}

	return nil, 0, false
}

// grow maps a new chunk big enough for a record of size bytes. Empty chunks
// are handed back to the source first: none of them could hold the record,
// and the source merges neighbouring ones into bigger regions.
func (e *FileBackedEngine[K, V]) grow(size int64) (*chunk, error) {
	err := e.releaseEmptyChunks()
	if err != nil {
		return nil, err
	}

	pageSize := int64(paging.PageSize())
	rounded := roundToPage(max(int64(e.opts.ChunkSize), size))

	// The last chunk under MaxBytes may be smaller than ChunkSize.
	if e.opts.MaxBytes > 0 {
		if room := e.opts.MaxBytes - e.chunkBytes; rounded > room {
			rounded = max(roundToPage(size), room/pageSize*pageSize)
		}

		if e.chunkBytes+rounded > e.opts.MaxBytes {
			return nil, fmt.Errorf("engine holds %d bytes, limit %d: %w", e.chunkBytes, e.opts.MaxBytes, ErrFull)
		}
	}

	if rounded > math.MaxInt32 {
		return nil, fmt.Errorf("chunk of %d bytes: %w", rounded, ErrTooLarge)
	}

	page, err := e.src.Allocate(int(rounded))
	if err != nil {
		return nil, fmt.Errorf("allocate chunk: %w", err)
	}

	c := &chunk{page: page, free: []span{{off: 0, len: int64(page.Len())}}}
	e.insertChunk(c)
	e.chunkBytes += int64(page.Len())

	return c, nil
}

// releaseEmptyChunks returns every chunk without live records to the page
// source.
func (e *FileBackedEngine[K, V]) releaseEmptyChunks() error {
	kept := e.chunks[:0]

	for i, c := range e.chunks {
		if len(c.free) != 1 || c.free[0].len != int64(c.page.Len()) {
			kept = append(kept, c)

			continue
		}

		length := int64(c.page.Len())

		err := e.src.Release(c.page)
		if err != nil {
			kept = append(kept, e.chunks[i:]...)
			clear(e.chunks[len(kept):])
			e.chunks = kept

			return fmt.Errorf("release empty chunk: %w", err)
		}

		e.chunkBytes -= length
	}

	clear(e.chunks[len(kept):])
	e.chunks = kept

	return nil
}

func (e *FileBackedEngine[K, V]) insertChunk(c *chunk) {
	i := sort.Search(len(e.chunks), func(i int) bool { return e.chunks[i].page.Offset() > c.page.Offset() })
	e.chunks = append(e.chunks, nil)
	copy(e.chunks[i+1:], e.chunks[i:])
	e.chunks[i] = c
}

// locate validates encoding against the chunk bounds and returns the
// record's chunk, offset within it, and key/value lengths.
func (e *FileBackedEngine[K, V]) locate(encoding uint64) (*chunk, int64, int64, int64, error) {
	if e.closed {
		return nil, 0, 0, 0, ErrClosed
	}

	if encoding > math.MaxInt64 {
		return nil, 0, 0, 0, fmt.Errorf("reference %d: %w", encoding, ErrCorrupt)
	}

	abs := int64(encoding)

	i := sort.Search(len(e.chunks), func(i int) bool { return e.chunks[i].page.Offset() > abs }) - 1
	if i < 0 {
		return nil, 0, 0, 0, fmt.Errorf("reference %d outside every chunk: %w", encoding, ErrCorrupt)
	}

	c := e.chunks[i]
	off := abs - c.page.Offset()
	limit := int64(c.page.Len())

	if off%recordAlign != 0 || off+recordHeaderSize > limit {
		return nil, 0, 0, 0, fmt.Errorf("reference %d outside chunk %d: %w", encoding, c.page.Offset(), ErrCorrupt)
	}

	data := c.page.Bytes()
	kl := int64(binary.LittleEndian.Uint32(data[off:]))
	vl := int64(binary.LittleEndian.Uint32(data[off+4:]))

	if off+recordHeaderSize+kl+vl > limit {
		return nil, 0, 0, 0, fmt.Errorf("record at %d overruns chunk %d: %w", encoding, c.page.Offset(), ErrCorrupt)
	}

	return c, off, kl, vl, nil
}

func (e *FileBackedEngine[K, V]) keyBytes(encoding uint64) ([]byte, error) {
	c, off, kl, _, err := e.locate(encoding)
	if err != nil {
		return nil, err
	}

	start := off + recordHeaderSize

	return c.page.Bytes()[start : start+kl], nil
}

// ReadKey decodes the key of the record at encoding.
func (e *FileBackedEngine[K, V]) ReadKey(encoding uint64) (K, error) {
	kb, err := e.keyBytes(encoding)
	if err != nil {
		var zero K

		return zero, err
	}

	key, err := e.kp.Decode(kb)
	if err != nil {
		return key, fmt.Errorf("decode key: %w", err)
	}

	return key, nil
}

// ReadValue decodes the value of the record at encoding.
func (e *FileBackedEngine[K, V]) ReadValue(encoding uint64) (V, error) {
	c, off, kl, vl, err := e.locate(encoding)
	if err != nil {
		var zero V

		return zero, err
	}

	start := off + recordHeaderSize + kl

	value, err := e.vp.Decode(c.page.Bytes()[start : start+vl])
	if err != nil {
		return value, fmt.Errorf("decode value: %w", err)
	}

	return value, nil
}

// KeyEquals compares key's encoding with the stored key bytes.
func (e *FileBackedEngine[K, V]) KeyEquals(key K, encoding uint64) (bool, error) {
	stored, err := e.keyBytes(encoding)
	if err != nil {
		return false, err
	}

	kb, err := portability.EncodeKey(e.kp, key)
	if err != nil {
		return false, fmt.Errorf("encode key: %w", err)
	}

	return bytes.Equal(kb, stored), nil
}

// FreeMapping returns the record's block to its chunk's free list.
func (e *FileBackedEngine[K, V]) FreeMapping(encoding uint64) error {
	err := e.checkWritable()
	if err != nil {
		return err
	}

	c, off, kl, vl, err := e.locate(encoding)
	if err != nil {
		return err
	}

	size := blockSize(int(kl), int(vl))

	err = c.release(off, size)
	if err != nil {
		return err
	}

	e.occupied -= size

	return nil
}

// OccupiedMemory returns the bytes of all live records, padding included.
func (e *FileBackedEngine[K, V]) OccupiedMemory() int64 {
	return e.occupied
}

// Flush is a no-op: records are written straight into mapped chunks, which
// the page source syncs.
func (e *FileBackedEngine[K, V]) Flush() error {
	if e.closed {
		return ErrClosed
	}

	return nil
}

// Persist writes the chunk list and each chunk's free spans.
func (e *FileBackedEngine[K, V]) Persist(w io.Writer) error {
	if e.closed {
		return ErrClosed
	}

	ww := wire.NewWriter(w)
	ww.Magic(fileBackedMagic)
	ww.Uint32(uint32(len(e.chunks)))

	for _, c := range e.chunks {
		ww.Uint64(uint64(c.page.Offset()))
		ww.Uint64(uint64(c.page.Len()))
		ww.Uint32(uint32(len(c.free)))

		for _, s := range c.free {
			ww.Uint64(uint64(s.off))
			ww.Uint64(uint64(s.len))
		}
	}

	ww.Uint64(uint64(e.occupied))

	if err := ww.Err(); err != nil {
		return fmt.Errorf("persist file-backed engine: %w", err)
	}

	return nil
}

// Bootstrap re-maps the persisted chunks and restores their free spans
// without reading or writing any record.
func (e *FileBackedEngine[K, V]) Bootstrap(r io.Reader) error {
	switch {
	case e.closed:
		return ErrClosed
	case e.mode == modeFresh:
		return fmt.Errorf("bootstrap on a fresh engine, use an attach factory: %w", ErrInvalidOperation)
	case e.bootstrapped:
		return fmt.Errorf("engine already bootstrapped: %w", ErrInvalidOperation)
	}

	wr := wire.NewReader(r)

	if !wr.Magic(fileBackedMagic) {
		if err := wr.Err(); err != nil {
			return fmt.Errorf("bootstrap file-backed engine: %w", err)
		}

		return fmt.Errorf("bad file-backed engine marker: %w", ErrCorrupt)
	}

	count := wr.Uint32()
	if wr.Err() == nil && count > maxChunks {
		return fmt.Errorf("engine claims %d chunks: %w", count, ErrCorrupt)
	}

	chunks := make([]*chunk, 0, count)

	var chunkBytes, occupied int64

	for range count {
		off := wr.Uint64()
		length := wr.Uint64()
		spans := wr.Uint32()

		if err := wr.Err(); err != nil {
			return fmt.Errorf("bootstrap file-backed engine: %w", err)
		}

		if off > math.MaxInt64 || length == 0 || length > math.MaxInt32 {
			return fmt.Errorf("chunk %d+%d: %w", off, length, ErrCorrupt)
		}

		page, err := e.src.PageAt(int64(off), int(length))
		if err != nil {
			return fmt.Errorf("attach chunk %d+%d: %w", off, length, err)
		}

		c := &chunk{page: page, free: make([]span, 0, min(spans, 1024))}

		var end int64

		for range spans {
			s := span{off: int64(wr.Uint64()), len: int64(wr.Uint64())}
			if wr.Err() != nil {
				break
			}

			if s.off < end || s.len <= 0 || s.off+s.len > int64(length) || (s.off == end && len(c.free) > 0) {
				return fmt.Errorf("free span %d+%d in chunk %d: %w", s.off, s.len, off, ErrCorrupt)
			}

			c.free = append(c.free, s)
			end = s.off + s.len
		}

		if err := wr.Err(); err != nil {
			return fmt.Errorf("bootstrap file-backed engine: %w", err)
		}

		if len(chunks) > 0 && chunks[len(chunks)-1].page.Offset() >= page.Offset() {
			return fmt.Errorf("chunks out of order at %d: %w", off, ErrCorrupt)
		}

		chunks = append(chunks, c)
		chunkBytes += int64(length)
		occupied += int64(length) - c.freeBytes()
	}

	persisted := int64(wr.Uint64())

	if err := wr.Err(); err != nil {
		return fmt.Errorf("bootstrap file-backed engine: %w", err)
	}

	if persisted != occupied {
		return fmt.Errorf("occupied %d bytes, chunks say %d: %w", persisted, occupied, ErrCorrupt)
	}

	e.chunks = chunks
	e.chunkBytes = chunkBytes
	e.occupied = occupied
	e.bootstrapped = true

	return nil
}

// Close detaches the engine. Its chunks stay mapped until the source closes.
func (e *FileBackedEngine[K, V]) Close() error {
	e.closed = true
	e.chunks = nil

	return nil
}

func roundToPage(n int64) int64 {
	pageSize := int64(paging.PageSize())

	return (n + pageSize - 1) / pageSize * pageSize
}

func blockSize(keyLen, valueLen int) int64 {
	n := int64(recordHeaderSize + keyLen + valueLen)

	return (n + recordAlign - 1) / recordAlign * recordAlign
}
