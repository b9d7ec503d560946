package offheap

import (
	"bufio"
	"fmt"
	"io"

	"github.com/calvinalkan/offheap/internal/wire"
	"github.com/calvinalkan/offheap/pkg/storage"
)

// Index stream layout, big endian:
//
//	header   "OHC1" | u32 version | u32 segment count
//	factory  storage factory state (portability registries)
//	segment  u32 table size | u32 hand | u32 count |
//	         count x (u64 hash | u64 encoding | u8 clock) |
//	         engine state
//	         ... once per segment, in index order
//	trailer  "OHCE"
const streamVersion = 1

//nolint:gochecknoglobals // stream markers
var (
	streamMagic  = [4]byte{'O', 'H', 'C', '1'}
	trailerMagic = [4]byte{'O', 'H', 'C', 'E'}
)

// Persist writes the index to w: table metadata, clock state, the engines'
// free-space bookkeeping and the portabilities' type registries. Record
// bytes are not written; they stay in the page source.
//
// Call [Cache.Flush] first. Persisting unflushed records is not detected
// and leaves the file's contents undefined after a restart.
func (c *Cache[K, V]) Persist(w io.Writer) error {
	err := c.check()
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	ww := wire.NewWriter(bw)

	ww.Magic(streamMagic)
	ww.Uint32(streamVersion)
	ww.Uint32(uint32(len(c.segments)))

	if err := ww.Err(); err != nil {
		return fmt.Errorf("persist header: %w", err)
	}

	err = c.factory.Persist(bw)
	if err != nil {
		return fmt.Errorf("persist storage factory: %w", err)
	}

	for _, seg := range c.segments {
		err := seg.persist(bw)
		if err != nil {
			return fmt.Errorf("persist segment %d: %w", seg.id, err)
		}
	}

	ww.Magic(trailerMagic)

	if err := ww.Err(); err != nil {
		return fmt.Errorf("persist trailer: %w", err)
	}

	err = bw.Flush()
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	st := c.Stats()
	c.logger.Debug("persisted index", "segments", st.Segments, "entries", st.Entries, "occupied", st.OccupiedMemory)

	return nil
}

// NewFromStream reads the header of an index written by [Cache.Persist] and
// returns an empty cache shaped like the persisted one. Call
// [Cache.Bootstrap] with the same reader to fill it.
//
// source must be attached to the same file the index was persisted from,
// and factory must be an attach factory over it, such as
// [storage.AttachFileBackedFactory]. opts.Segments is taken from the
// stream.
func NewFromStream[K, V any](r io.Reader, source PageSource, factory storage.Factory[K, V], opts Options) (*Cache[K, V], error) {
	wr := wire.NewReader(r)

	if !wr.Magic(streamMagic) {
		if err := wr.Err(); err != nil {
			return nil, fmt.Errorf("read index header: %w", err)
		}

		return nil, fmt.Errorf("not an index stream: %w", ErrCorrupt)
	}

	version := wr.Uint32()
	segments := wr.Uint32()

	if err := wr.Err(); err != nil {
		return nil, fmt.Errorf("read index header: %w", err)
	}

	if version != streamVersion {
		return nil, fmt.Errorf("index version %d, want %d: %w", version, streamVersion, ErrCorrupt)
	}

	if segments == 0 || segments > maxSegments || !isPowerOfTwo(int(segments)) {
		return nil, fmt.Errorf("index has %d segments: %w", segments, ErrCorrupt)
	}

	opts.Segments = int(segments)

	return build(source, factory, opts.withDefaults(), true)
}

// Bootstrap restores the index that follows the header NewFromStream read.
// Record bytes are not touched.
//
// It may run once, on a cache built by [NewFromStream] that holds no
// entries; anything else is [ErrInvalidOperation]. If it fails partway the
// cache is unusable: every later call except Close returns
// [ErrBootstrapFailed].
func (c *Cache[K, V]) Bootstrap(r io.Reader) error {
	err := c.check()
	if err != nil {
		return err
	}

	switch {
	case !c.fromStream:
		return fmt.Errorf("cache was not built from a stream: %w", ErrInvalidOperation)
	case c.bootstrapped:
		return fmt.Errorf("cache already bootstrapped: %w", ErrInvalidOperation)
	case c.Len() > 0:
		return fmt.Errorf("cache already holds entries: %w", ErrInvalidOperation)
	}

	c.bootstrapped = true

	err = c.bootstrap(r)
	if err != nil {
		c.poisoned.Store(true)

		return fmt.Errorf("%w: %w", ErrBootstrapFailed, err)
	}

	st := c.Stats()
	c.logger.Debug("bootstrapped index", "segments", st.Segments, "entries", st.Entries, "occupied", st.OccupiedMemory)

	return nil
}

func (c *Cache[K, V]) bootstrap(r io.Reader) error {
	err := c.factory.Bootstrap(r)
	if err != nil {
		return fmt.Errorf("bootstrap storage factory: %w", err)
	}

	for _, seg := range c.segments {
		id := seg.id

		err := seg.bootstrap(r, func(hash uint64) bool { return c.segmentIndex(hash) == id })
		if err != nil {
			return fmt.Errorf("bootstrap segment %d: %w", id, err)
		}
	}

	wr := wire.NewReader(r)

	if !wr.Magic(trailerMagic) {
		if err := wr.Err(); err != nil {
			return fmt.Errorf("read index trailer: %w", err)
		}

		return fmt.Errorf("bad index trailer: %w", ErrCorrupt)
	}

	return nil
}
