package offheap

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync/atomic"

	"github.com/calvinalkan/offheap/pkg/storage"
)

// PageSource is the part of a page source the cache drives directly.
// [paging.MappedSource] implements it.
type PageSource interface {
	Flush() error
	Close() error
}

// Cache is a concurrent map whose keys and values live in storage engines
// outside the Go heap, evicted by a per-segment clock sweep.
//
// Get, Put, Remove, Contains, Range, Len, OccupiedMemory and Stats are safe
// for concurrent use. Flush, Persist, Bootstrap, Clear and Close are not:
// the caller must make sure no other call runs on the cache meanwhile.
type Cache[K, V any] struct {
	source   PageSource
	factory  storage.Factory[K, V]
	hasher   storage.Engine[K, V]
	segments []*segment[K, V]
	shift    uint
	opts     Options
	logger   *slog.Logger

	fromStream   bool
	bootstrapped bool
	poisoned     atomic.Bool
	closed       atomic.Bool
}

// Stats is a point-in-time summary of a cache.
type Stats struct {
	Entries        int
	OccupiedMemory int64
	Evictions      uint64
	Segments       int
	TableSlots     int
}

// New returns an empty cache with one fresh engine per segment.
//
// source may be nil when the engines do not use one, as with split
// factories over inline integer halves. Close closes source.
func New[K, V any](source PageSource, factory storage.Factory[K, V], opts Options) (*Cache[K, V], error) {
	return build(source, factory, opts.withDefaults(), false)
}

func build[K, V any](source PageSource, factory storage.Factory[K, V], opts Options, fromStream bool) (*Cache[K, V], error) {
	if factory == nil {
		return nil, fmt.Errorf("nil storage factory: %w", ErrInvalidInput)
	}

	err := opts.validate()
	if err != nil {
		return nil, err
	}

	c := &Cache[K, V]{
		source:     source,
		factory:    factory,
		segments:   make([]*segment[K, V], opts.Segments),
		shift:      uint(64 - bits.TrailingZeros(uint(opts.Segments))),
		opts:       opts,
		logger:     opts.Logger,
		fromStream: fromStream,
	}

	for i := range c.segments {
		engine, err := factory.NewEngine()
		if err != nil {
			return nil, errors.Join(fmt.Errorf("new engine for segment %d: %w", i, err), c.closeSegments())
		}

		c.segments[i] = newSegment(i, engine, opts)
	}

	c.hasher = c.segments[0].engine

	return c, nil
}

func (c *Cache[K, V]) check() error {
	if c.closed.Load() {
		return ErrClosed
	}

	if c.poisoned.Load() {
		return ErrBootstrapFailed
	}

	return nil
}

// segmentFor hashes key and picks its segment from the hash's top bits.
// Table probing uses the low bits.
func (c *Cache[K, V]) segmentFor(key K) (*segment[K, V], uint64, error) {
	err := c.check()
	if err != nil {
		return nil, 0, err
	}

	hash, err := c.hasher.Hash(key)
	if err != nil {
		return nil, 0, fmt.Errorf("hash key: %w", err)
	}

	return c.segments[c.segmentIndex(hash)], hash, nil
}

func (c *Cache[K, V]) segmentIndex(hash uint64) int {
	// A shift of 64 yields 0, the only index of a single-segment cache.
	return int(hash >> c.shift)
}

// Put inserts or replaces the mapping for key. It may evict other entries
// of the same segment. On error nothing is inserted and a replaced value
// stays in place.
func (c *Cache[K, V]) Put(key K, value V) error {
	seg, hash, err := c.segmentFor(key)
	if err != nil {
		return err
	}

	return seg.put(key, value, hash)
}

// Get returns the value for key and whether it was present.
func (c *Cache[K, V]) Get(key K) (V, bool, error) {
	seg, hash, err := c.segmentFor(key)
	if err != nil {
		var zero V

		return zero, false, err
	}

	return seg.get(key, hash)
}

// Contains reports whether key is present. Unlike Get it neither decodes
// the value nor marks the entry as used.
func (c *Cache[K, V]) Contains(key K) (bool, error) {
	seg, hash, err := c.segmentFor(key)
	if err != nil {
		return false, err
	}

	return seg.contains(key, hash)
}

// Remove deletes key and reports whether it was present.
func (c *Cache[K, V]) Remove(key K) (bool, error) {
	seg, hash, err := c.segmentFor(key)
	if err != nil {
		return false, err
	}

	return seg.remove(key, hash)
}

// Range calls fn for every entry, segment by segment, until fn returns
// false. Each segment's entries are decoded under its lock before fn runs,
// so fn may call back into the cache.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) error {
	err := c.check()
	if err != nil {
		return err
	}

	for _, seg := range c.segments {
		keys, values, err := seg.entries()
		if err != nil {
			return err
		}

		for i := range keys {
			if !fn(keys[i], values[i]) {
				return nil
			}
		}
	}

	return nil
}

// Clear removes every entry and shrinks each table back to its initial
// size.
func (c *Cache[K, V]) Clear() error {
	err := c.check()
	if err != nil {
		return err
	}

	for _, seg := range c.segments {
		err := seg.clear(c.opts.InitialTableSize)
		if err != nil {
			return fmt.Errorf("clear segment %d: %w", seg.id, err)
		}
	}

	return nil
}

// Len returns the number of entries. It returns 0 once the cache is closed.
func (c *Cache[K, V]) Len() int {
	return c.Stats().Entries
}

// OccupiedMemory returns the bytes held by live records across all
// engines, alignment padding included.
func (c *Cache[K, V]) OccupiedMemory() int64 {
	return c.Stats().OccupiedMemory
}

// Stats aggregates the counters of every segment.
func (c *Cache[K, V]) Stats() Stats {
	st := Stats{Segments: len(c.segments)}

	if c.closed.Load() {
		return st
	}

	for _, seg := range c.segments {
		s := seg.stats()
		st.Entries += s.entries
		st.OccupiedMemory += s.occupied
		st.Evictions += s.evictions
		st.TableSlots += s.slots
	}

	return st
}

// Flush makes every record durable: engines first, then the page source.
// Call it before [Cache.Persist].
func (c *Cache[K, V]) Flush() error {
	err := c.check()
	if err != nil {
		return err
	}

	for _, seg := range c.segments {
		err := seg.flush()
		if err != nil {
			return fmt.Errorf("flush segment %d: %w", seg.id, err)
		}
	}

	if c.source != nil {
		err := c.source.Flush()
		if err != nil {
			return fmt.Errorf("flush page source: %w", err)
		}
	}

	return nil
}

// Close closes the segments' engines, then the page source. Calling it
// again is a no-op.
func (c *Cache[K, V]) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	err := c.closeSegments()

	if c.source != nil {
		err = errors.Join(err, c.source.Close())
	}

	return err
}

func (c *Cache[K, V]) closeSegments() error {
	var errs []error

	for _, seg := range c.segments {
		if seg == nil {
			continue
		}

		err := seg.close()
		if err != nil {
			errs = append(errs, fmt.Errorf("close segment %d: %w", seg.id, err))
		}
	}

	return errors.Join(errs...)
}
