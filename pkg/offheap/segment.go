package offheap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/calvinalkan/offheap/internal/wire"
	"github.com/calvinalkan/offheap/pkg/storage"
)

// Slot layout in segment.table, three words per slot:
//
//	[0] status bits
//	[1] key hash
//	[2] engine encoding
const (
	slotWords = 3

	statusOccupied uint64 = 1 << 0
	statusRemoved  uint64 = 1 << 1
	statusClock    uint64 = 1 << 2

	// maxTableSize keeps slot counts representable in the u32 stream fields.
	maxTableSize = 1 << 30
)

// segment is one lock-guarded shard: an open-addressing table of entry
// slots plus the storage engine holding their records.
//
// Removed slots become tombstones so probe chains stay intact; tombstones
// count toward the load factor and are dropped whenever the table is
// rebuilt.
type segment[K, V any] struct {
	mu sync.Mutex

	id       int
	engine   storage.Engine[K, V]
	capacity CapacityPolicy
	logger   *slog.Logger

	table      []uint64
	slots      int
	maxSlots   int
	count      int
	tombstones int
	hand       int
	evictions  uint64
}

func newSegment[K, V any](id int, engine storage.Engine[K, V], opts Options) *segment[K, V] {
	return &segment[K, V]{
		id:       id,
		engine:   engine,
		capacity: opts.Capacity,
		logger:   opts.Logger,
		table:    make([]uint64, opts.InitialTableSize*slotWords),
		slots:    opts.InitialTableSize,
		maxSlots: opts.MaxTableSize,
	}
}

func (s *segment[K, V]) status(i int) uint64   { return s.table[i*slotWords] }
func (s *segment[K, V]) hash(i int) uint64     { return s.table[i*slotWords+1] }
func (s *segment[K, V]) encoding(i int) uint64 { return s.table[i*slotWords+2] }

func (s *segment[K, V]) setSlot(i int, status, hash, encoding uint64) {
	s.table[i*slotWords] = status
	s.table[i*slotWords+1] = hash
	s.table[i*slotWords+2] = encoding
}

// findLocked returns the slot holding key, or -1.
func (s *segment[K, V]) findLocked(key K, hash uint64) (int, error) {
	mask := s.slots - 1

	for n, i := 0, int(hash)&mask; n < s.slots; n, i = n+1, (i+1)&mask {
		st := s.status(i)

		if st&statusOccupied == 0 {
			if st&statusRemoved == 0 {
				return -1, nil
			}

			continue
		}

		if s.hash(i) != hash {
			continue
		}

		eq, err := s.engine.KeyEquals(key, s.encoding(i))
		if err != nil {
			return -1, fmt.Errorf("compare key in slot %d: %w", i, err)
		}

		if eq {
			return i, nil
		}
	}

	return -1, nil
}

// insertSlotLocked places a mapping in the first free or removed slot of
// its probe chain. The caller guarantees the key is absent and a slot is
// free.
func (s *segment[K, V]) insertSlotLocked(hash, encoding uint64, clock bool) {
	mask := s.slots - 1

	for i := int(hash) & mask; ; i = (i + 1) & mask {
		st := s.status(i)
		if st&statusOccupied != 0 {
			continue
		}

		if st&statusRemoved != 0 {
			s.tombstones--
		}

		st = statusOccupied
		if clock {
			st |= statusClock
		}

		s.setSlot(i, st, hash, encoding)
		s.count++

		return
	}
}

func (s *segment[K, V]) get(key K, hash uint64) (V, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V

	i, err := s.findLocked(key, hash)
	if err != nil || i < 0 {
		return zero, false, err
	}

	s.table[i*slotWords] |= statusClock

	value, err := s.engine.ReadValue(s.encoding(i))
	if err != nil {
		return zero, false, fmt.Errorf("read value: %w", err)
	}

	return value, true, nil
}

func (s *segment[K, V]) contains(key K, hash uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.findLocked(key, hash)

	return i >= 0, err
}

func (s *segment[K, V]) put(key K, value V, hash uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.findLocked(key, hash)
	if err != nil {
		return err
	}

	if i >= 0 {
		return s.replaceLocked(i, key, value, hash)
	}

	for s.count > 0 && s.capacity != nil && s.capacity.ShouldEvict(s.count, s.engine.OccupiedMemory()) {
		err = s.evictLocked(-1)
		if err != nil {
			return err
		}
	}

	err = s.reserveSlotLocked()
	if err != nil {
		return err
	}

	encoding, err := s.writeLocked(key, value, hash, -1)
	if err != nil {
		return err
	}

	s.insertSlotLocked(hash, encoding, true)

	return nil
}

// replaceLocked writes the new mapping before freeing the old one, so a
// failed write leaves the old value in place. Eviction never picks the
// slot being replaced.
func (s *segment[K, V]) replaceLocked(i int, key K, value V, hash uint64) error {
	encoding, err := s.writeLocked(key, value, hash, i)
	if err != nil {
		return err
	}

	err = s.engine.FreeMapping(s.encoding(i))
	if err != nil {
		return errors.Join(fmt.Errorf("free replaced mapping: %w", err), s.engine.FreeMapping(encoding))
	}

	s.setSlot(i, statusOccupied|statusClock, hash, encoding)

	return nil
}

// writeLocked stores the mapping, evicting while the engine reports it is
// full. A record the engine can never hold fails without evicting anything.
// protect is a slot eviction must skip, or -1.
func (s *segment[K, V]) writeLocked(key K, value V, hash uint64, protect int) (uint64, error) {
	for {
		encoding, err := s.engine.WriteMapping(key, value, hash)
		if err == nil {
			return encoding, nil
		}

		if errors.Is(err, storage.ErrTooLarge) {
			return 0, fmt.Errorf("segment %d: %w: %w", s.id, ErrCapacity, err)
		}

		if !errors.Is(err, storage.ErrFull) {
			return 0, fmt.Errorf("write mapping: %w", err)
		}

		evictErr := s.evictLocked(protect)
		if evictErr != nil {
			return 0, fmt.Errorf("%w: %w", evictErr, err)
		}
	}
}

// reserveSlotLocked makes sure one more slot fits under the 3/4 load
// limit: grow, then drop tombstones, then evict.
func (s *segment[K, V]) reserveSlotLocked() error {
	for (s.count+s.tombstones+1)*4 > s.slots*3 {
		switch {
		case s.slots < s.maxSlots:
			s.rehashLocked(s.slots * 2)
		case s.tombstones > 0:
			s.rehashLocked(s.slots)
		default:
			err := s.evictLocked(-1)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// rehashLocked rebuilds the table with the given slot count, keeping clock
// bits and dropping tombstones. The hand keeps its index.
func (s *segment[K, V]) rehashLocked(slots int) {
	old, oldSlots := s.table, s.slots

	s.table = make([]uint64, slots*slotWords)
	s.slots = slots
	s.count = 0
	s.tombstones = 0
	s.hand &= slots - 1

	for i := range oldSlots {
		st := old[i*slotWords]
		if st&statusOccupied == 0 {
			continue
		}

		s.insertSlotLocked(old[i*slotWords+1], old[i*slotWords+2], st&statusClock != 0)
	}

	if slots != oldSlots {
		s.logger.Debug("segment table resized", "segment", s.id, "from", oldSlots, "to", slots, "entries", s.count)
	}
}

// evictLocked runs the clock sweep from the hand: set clock bits are
// cleared, the first occupied slot with a clear bit is evicted. Two laps
// always suffice because the first lap clears every bit.
func (s *segment[K, V]) evictLocked(protect int) error {
	mask := s.slots - 1

	for range 2 * s.slots {
		i := s.hand
		s.hand = (s.hand + 1) & mask

		st := s.status(i)
		if st&statusOccupied == 0 || i == protect {
			continue
		}

		if st&statusClock != 0 {
			s.table[i*slotWords] = st &^ statusClock

			continue
		}

		err := s.engine.FreeMapping(s.encoding(i))
		if err != nil {
			return fmt.Errorf("free evicted mapping: %w", err)
		}

		s.removeSlotLocked(i)
		s.evictions++

		s.logger.Debug("evicted entry", "segment", s.id, "slot", i, "entries", s.count)

		return nil
	}

	return fmt.Errorf("segment %d has nothing left to evict: %w", s.id, ErrCapacity)
}

func (s *segment[K, V]) removeSlotLocked(i int) {
	s.setSlot(i, statusRemoved, 0, 0)
	s.count--
	s.tombstones++
}

func (s *segment[K, V]) remove(key K, hash uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.findLocked(key, hash)
	if err != nil || i < 0 {
		return false, err
	}

	err = s.engine.FreeMapping(s.encoding(i))
	if err != nil {
		return false, fmt.Errorf("free mapping: %w", err)
	}

	s.removeSlotLocked(i)

	return true, nil
}

// clear frees every mapping and resets the table to initialSlots.
func (s *segment[K, V]) clear(initialSlots int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		if s.status(i)&statusOccupied == 0 {
			continue
		}

		err := s.engine.FreeMapping(s.encoding(i))
		if err != nil {
			return fmt.Errorf("free mapping in slot %d: %w", i, err)
		}

		s.removeSlotLocked(i)
	}

	s.table = make([]uint64, initialSlots*slotWords)
	s.slots = initialSlots
	s.tombstones = 0
	s.hand = 0

	return nil
}

// entries decodes every live mapping under the lock, without touching
// clock bits.
func (s *segment[K, V]) entries() ([]K, []V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]K, 0, s.count)
	values := make([]V, 0, s.count)

	for i := range s.slots {
		if s.status(i)&statusOccupied == 0 {
			continue
		}

		key, err := s.engine.ReadKey(s.encoding(i))
		if err != nil {
			return nil, nil, fmt.Errorf("read key in slot %d: %w", i, err)
		}

		value, err := s.engine.ReadValue(s.encoding(i))
		if err != nil {
			return nil, nil, fmt.Errorf("read value in slot %d: %w", i, err)
		}

		keys = append(keys, key)
		values = append(values, value)
	}

	return keys, values, nil
}

type segmentStats struct {
	entries   int
	occupied  int64
	evictions uint64
	slots     int
}

func (s *segment[K, V]) stats() segmentStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return segmentStats{
		entries:   s.count,
		occupied:  s.engine.OccupiedMemory(),
		evictions: s.evictions,
		slots:     s.slots,
	}
}

// persist writes the table size, hand, live slots and engine state.
// Tombstones are not written; bootstrap rebuilds probe chains by hash.
func (s *segment[K, V]) persist(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ww := wire.NewWriter(w)
	ww.Uint32(uint32(s.slots))
	ww.Uint32(uint32(s.hand))
	ww.Uint32(uint32(s.count))

	for i := range s.slots {
		st := s.status(i)
		if st&statusOccupied == 0 {
			continue
		}

		ww.Uint64(s.hash(i))
		ww.Uint64(s.encoding(i))
		ww.Bool(st&statusClock != 0)
	}

	if err := ww.Err(); err != nil {
		return err
	}

	err := s.engine.Persist(w)
	if err != nil {
		return fmt.Errorf("persist engine: %w", err)
	}

	return nil
}

// bootstrap restores what persist wrote. belongs reports whether a hash
// dispatches to this segment.
func (s *segment[K, V]) bootstrap(r io.Reader, belongs func(hash uint64) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wr := wire.NewReader(r)
	slots := int(wr.Uint32())
	hand := int(wr.Uint32())
	count := int(wr.Uint32())

	if err := wr.Err(); err != nil {
		return err
	}

	switch {
	case slots < minTableSize || slots > maxTableSize || !isPowerOfTwo(slots):
		return fmt.Errorf("table size %d: %w", slots, ErrCorrupt)
	case hand >= slots:
		return fmt.Errorf("hand %d in table of %d: %w", hand, slots, ErrCorrupt)
	case count*4 > slots*3:
		return fmt.Errorf("%d entries in table of %d: %w", count, slots, ErrCorrupt)
	}

	s.table = make([]uint64, slots*slotWords)
	s.slots = slots
	s.maxSlots = max(s.maxSlots, slots)
	s.count = 0
	s.tombstones = 0
	s.hand = hand

	for range count {
		hash := wr.Uint64()
		encoding := wr.Uint64()
		clock := wr.Bool()

		if err := wr.Err(); err != nil {
			return err
		}

		if !belongs(hash) {
			return fmt.Errorf("hash %#x does not belong to segment %d: %w", hash, s.id, ErrCorrupt)
		}

		s.insertSlotLocked(hash, encoding, clock)
	}

	err := s.engine.Bootstrap(r)
	if err != nil {
		return fmt.Errorf("bootstrap engine: %w", err)
	}

	return nil
}

func (s *segment[K, V]) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.engine.Flush()
}

func (s *segment[K, V]) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.engine.Close()
}
