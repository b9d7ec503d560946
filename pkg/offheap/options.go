package offheap

import (
	"fmt"
	"log/slog"
	"math/bits"
)

// Defaults applied to zero [Options] fields.
const (
	DefaultSegments         = 16
	DefaultInitialTableSize = 64
	DefaultMaxTableSize     = 1 << 20

	// minTableSize keeps one free slot at the 3/4 load limit.
	minTableSize = 2
	maxSegments  = 1 << 16
)

// Options configures a [Cache].
type Options struct {
	// Segments is the number of independently locked shards. Must be a
	// power of two. Ignored by [NewFromStream], which takes the count from
	// the stream.
	//
	// Default: [DefaultSegments].
	Segments int

	// InitialTableSize is the slot count each segment starts with. Must be a
	// power of two.
	//
	// Default: [DefaultInitialTableSize].
	InitialTableSize int

	// MaxTableSize caps how far a segment's table doubles. A segment whose
	// table is full at this size evicts before inserting. Must be a power of
	// two no smaller than InitialTableSize.
	//
	// Default: [DefaultMaxTableSize].
	MaxTableSize int

	// Capacity decides when a segment must evict before taking a new entry,
	// independent of its storage engine running out of room.
	//
	// Default: nil, evict only when the engine or the table is full.
	Capacity CapacityPolicy

	// Logger receives debug events for evictions, table growth, persist and
	// bootstrap.
	//
	// Default: discard.
	Logger *slog.Logger
}

// CapacityPolicy decides when a segment sheds entries ahead of an insert.
//
// ShouldEvict is called under the segment lock with the segment's current
// entry count and occupied bytes; while it returns true, the segment evicts
// one entry by clock sweep. Replacing an existing key never consults it.
type CapacityPolicy interface {
	ShouldEvict(entries int, occupied int64) bool
}

// MaxEntriesPolicy caps the entries held by each segment.
type MaxEntriesPolicy struct {
	PerSegment int
}

// ShouldEvict reports whether the segment is already at PerSegment
// entries, so the insert would go over.
func (p MaxEntriesPolicy) ShouldEvict(entries int, _ int64) bool {
	return entries >= p.PerSegment
}

// MaxMemoryPolicy caps the record bytes held by each segment's engine.
type MaxMemoryPolicy struct {
	PerSegment int64
}

// ShouldEvict reports whether the segment's records already occupy
// PerSegment bytes. The incoming record is not counted, so a segment can
// end up to one record over the cap.
func (p MaxMemoryPolicy) ShouldEvict(_ int, occupied int64) bool {
	return occupied >= p.PerSegment
}

func (o Options) withDefaults() Options {
	if o.Segments == 0 {
		o.Segments = DefaultSegments
	}

	if o.InitialTableSize == 0 {
		o.InitialTableSize = DefaultInitialTableSize
	}

	if o.MaxTableSize == 0 {
		o.MaxTableSize = max(DefaultMaxTableSize, o.InitialTableSize)
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}

	return o
}

func (o Options) validate() error {
	if o.Segments <= 0 || o.Segments > maxSegments || !isPowerOfTwo(o.Segments) {
		return fmt.Errorf("segments %d must be a power of two up to %d: %w", o.Segments, maxSegments, ErrInvalidInput)
	}

	if o.InitialTableSize < minTableSize || !isPowerOfTwo(o.InitialTableSize) {
		return fmt.Errorf("initial table size %d must be a power of two >= %d: %w", o.InitialTableSize, minTableSize, ErrInvalidInput)
	}

	if o.MaxTableSize < o.InitialTableSize || !isPowerOfTwo(o.MaxTableSize) {
		return fmt.Errorf("max table size %d must be a power of two >= %d: %w", o.MaxTableSize, o.InitialTableSize, ErrInvalidInput)
	}

	if o.MaxTableSize > maxTableSize {
		return fmt.Errorf("max table size %d above %d: %w", o.MaxTableSize, maxTableSize, ErrInvalidInput)
	}

	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && bits.OnesCount(uint(n)) == 1
}
