package offheap_test

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/offheap/pkg/offheap"
	"github.com/calvinalkan/offheap/pkg/paging"
	"github.com/calvinalkan/offheap/pkg/portability"
	"github.com/calvinalkan/offheap/pkg/storage"
)

func Test_Cache_Returns_Value_When_Key_Put(t *testing.T) {
	t.Parallel()

	fc := newFileCache(t, portability.String, portability.String, storage.FileBackedOptions{}, offheap.Options{})
	cache := fc.cache

	require.NoError(t, cache.Put("a", "1"))
	require.NoError(t, cache.Put("b", "2"))

	assert.Equal(t, "1", mustGet(t, cache, "a"))
	assert.Equal(t, "2", mustGet(t, cache, "b"))
	assert.True(t, absent(t, cache, "c"))
	assert.Equal(t, 2, cache.Len())

	ok, err := cache.Contains("a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.Contains("c")
	require.NoError(t, err)
	assert.False(t, ok)
}

func Test_Cache_Replaces_Value_When_Key_Exists(t *testing.T) {
	t.Parallel()

	fc := newFileCache(t, portability.String, portability.String, storage.FileBackedOptions{}, offheap.Options{})
	cache := fc.cache

	require.NoError(t, cache.Put("key", "short"))
	before := cache.OccupiedMemory()

	require.NoError(t, cache.Put("key", strings.Repeat("long", 10)))

	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, strings.Repeat("long", 10), mustGet(t, cache, "key"))
	assert.Greater(t, cache.OccupiedMemory(), before, "old record freed, larger one stored")

	require.NoError(t, cache.Put("key", "short"))
	assert.Equal(t, before, cache.OccupiedMemory())
}

func Test_Cache_Remove_Reports_Presence_When_Called(t *testing.T) {
	t.Parallel()

	fc := newFileCache(t, portability.String, portability.String, storage.FileBackedOptions{}, offheap.Options{})
	cache := fc.cache

	require.NoError(t, cache.Put("key", "value"))

	removed, err := cache.Remove("key")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = cache.Remove("key")
	require.NoError(t, err)
	assert.False(t, removed, "removing an absent key is a no-op")

	assert.Zero(t, cache.Len())
	assert.Zero(t, cache.OccupiedMemory())
	assert.True(t, absent(t, cache, "key"))
}

func Test_Cache_Finds_Keys_Past_Tombstones_When_Probe_Chains_Overlap(t *testing.T) {
	t.Parallel()

	cache := newIntCache(t, offheap.Options{Segments: 1, InitialTableSize: 8, MaxTableSize: 8})

	for round := range 20 {
		for i := range 6 {
			require.NoError(t, cache.Put(round*10+i, i))
		}

		for i := range 6 {
			if i%2 == 0 {
				removed, err := cache.Remove(round*10 + i)
				require.NoError(t, err)
				require.True(t, removed)
			}
		}

		for i := 1; i < 6; i += 2 {
			assert.Equal(t, i, mustGet(t, cache, round*10+i))
		}

		for i := 1; i < 6; i += 2 {
			_, err := cache.Remove(round*10 + i)
			require.NoError(t, err)
		}
	}

	assert.Zero(t, cache.Len())
	assert.Zero(t, cache.Stats().Evictions, "tombstones are reclaimed by rehash, not by evicting")
}

func Test_Cache_Grows_Table_When_Load_Exceeds_Three_Quarters(t *testing.T) {
	t.Parallel()

	cache := newIntCache(t, offheap.Options{Segments: 1, InitialTableSize: 4})

	for i := range 100 {
		require.NoError(t, cache.Put(i, -i))
	}

	st := cache.Stats()
	assert.Equal(t, 100, st.Entries)
	assert.Equal(t, 256, st.TableSlots)
	assert.Zero(t, st.Evictions)

	for i := range 100 {
		assert.Equal(t, -i, mustGet(t, cache, i))
	}
}

func Test_Cache_Evicts_When_Table_Full_At_Max_Size(t *testing.T) {
	t.Parallel()

	cache := newIntCache(t, offheap.Options{Segments: 1, InitialTableSize: 4, MaxTableSize: 8})

	for i := range 20 {
		require.NoError(t, cache.Put(i, i))
	}

	st := cache.Stats()
	assert.Equal(t, 6, st.Entries, "3/4 of 8 slots")
	assert.Equal(t, uint64(14), st.Evictions)
	assert.Equal(t, 19, mustGet(t, cache, 19), "the entry just written survives")
}

func Test_Cache_Evicts_Per_Segment_When_Capacity_Policy_Says_So(t *testing.T) {
	t.Parallel()

	cache := newIntCache(t, offheap.Options{Segments: 1, Capacity: offheap.MaxEntriesPolicy{PerSegment: 4}})

	for i := range 10 {
		require.NoError(t, cache.Put(i, i))
	}

	st := cache.Stats()
	assert.Equal(t, 4, st.Entries)
	assert.Equal(t, uint64(6), st.Evictions)

	// Replacing never evicts.
	require.NoError(t, cache.Put(9, 90))
	assert.Equal(t, uint64(6), cache.Stats().Evictions)
}

func Test_Cache_Spares_Recently_Read_Entry_When_Clock_Sweeps(t *testing.T) {
	t.Parallel()

	cache := newIntCache(t, offheap.Options{Segments: 1, Capacity: offheap.MaxEntriesPolicy{PerSegment: 3}})

	for i := range 3 {
		require.NoError(t, cache.Put(i, i))
	}

	// Every clock bit is set: the sweep clears all three and evicts one.
	require.NoError(t, cache.Put(3, 3))

	var survivors []int

	for i := range 3 {
		if !absent(t, cache, i) {
			survivors = append(survivors, i)
		}
	}

	require.Len(t, survivors, 2)

	// absent() read both survivors, so every bit is set again and the next
	// sweep clears them all before evicting one.
	require.NoError(t, cache.Put(4, 4))

	var live []int

	for _, k := range []int{survivors[0], survivors[1], 3, 4} {
		ok, err := cache.Contains(k)
		require.NoError(t, err)

		if ok {
			live = append(live, k)
		}
	}

	require.Len(t, live, 3)

	// Only 4 carries a set bit now. Reading another entry protects it.
	protected := live[0]
	_, _, err := cache.Get(protected)
	require.NoError(t, err)

	require.NoError(t, cache.Put(5, 5))

	ok, err := cache.Contains(protected)
	require.NoError(t, err)
	assert.True(t, ok, "entry read since the last sweep must survive the next one")

	ok, err = cache.Contains(5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, cache.Len())
}

func Test_Cache_Evicts_When_Storage_Engine_Full(t *testing.T) {
	t.Parallel()

	pageSize := paging.PageSize()
	fc := newFileCache(t, portability.String, portability.String,
		storage.FileBackedOptions{ChunkSize: pageSize, MaxBytes: int64(pageSize)}, offheap.Options{Segments: 1})
	cache := fc.cache

	value := strings.Repeat("v", pageSize/4)

	for i := range 50 {
		require.NoError(t, cache.Put(fmt.Sprintf("key-%02d", i), value))
	}

	st := cache.Stats()
	assert.Positive(t, st.Evictions)
	assert.Equal(t, 50, st.Entries+int(st.Evictions))
	assert.LessOrEqual(t, st.OccupiedMemory, int64(pageSize))
	assert.Equal(t, value, mustGet(t, cache, "key-49"))
}

func Test_Cache_Returns_ErrCapacity_When_Record_Cannot_Fit_Empty_Segment(t *testing.T) {
	t.Parallel()

	pageSize := paging.PageSize()
	fc := newFileCache(t, portability.String, portability.String,
		storage.FileBackedOptions{ChunkSize: pageSize, MaxBytes: int64(pageSize)}, offheap.Options{Segments: 1})
	cache := fc.cache

	err := cache.Put("huge", strings.Repeat("x", 2*pageSize))
	require.ErrorIs(t, err, offheap.ErrCapacity)
	require.ErrorIs(t, err, storage.ErrFull)
	assert.Zero(t, cache.Len())

	require.NoError(t, cache.Put("small", "ok"))

	err = cache.Put("small", strings.Repeat("x", 2*pageSize))
	require.ErrorIs(t, err, offheap.ErrCapacity)
	assert.Equal(t, "ok", mustGet(t, cache, "small"), "failed replace keeps the old value")
}

func Test_Cache_Stores_Multi_Chunk_Record_When_Eviction_Empties_Small_Chunks(t *testing.T) {
	t.Parallel()

	pageSize := paging.PageSize()
	fc := newFileCache(t, portability.String, portability.String,
		storage.FileBackedOptions{ChunkSize: pageSize, MaxBytes: int64(4 * pageSize)}, offheap.Options{Segments: 1})
	cache := fc.cache

	big := strings.Repeat("x", 2*pageSize)

	for i := range 200 {
		require.NoError(t, cache.Put(fmt.Sprintf("key-%03d", i), strings.Repeat("v", 40)))
	}

	require.NoError(t, cache.Put("big", big))
	assert.Equal(t, big, mustGet(t, cache, "big"))
	assert.LessOrEqual(t, cache.OccupiedMemory(), int64(4*pageSize))

	require.NoError(t, cache.Put("after", "small"))
	assert.Equal(t, "small", mustGet(t, cache, "after"))
}

func Test_Cache_Keeps_Entries_When_Record_Exceeds_Engine_Limit(t *testing.T) {
	t.Parallel()

	pageSize := paging.PageSize()
	fc := newFileCache(t, portability.String, portability.String,
		storage.FileBackedOptions{ChunkSize: pageSize, MaxBytes: int64(2 * pageSize)}, offheap.Options{Segments: 1})
	cache := fc.cache

	for i := range 10 {
		require.NoError(t, cache.Put(fmt.Sprintf("key-%d", i), "v"))
	}

	err := cache.Put("huge", strings.Repeat("x", 2*pageSize))
	require.ErrorIs(t, err, offheap.ErrCapacity)
	require.ErrorIs(t, err, storage.ErrTooLarge)

	assert.Equal(t, 10, cache.Len(), "a record that can never fit must not sweep the segment")
	assert.Zero(t, cache.Stats().Evictions)
}

func Test_Cache_Returns_ErrEncoding_When_Value_Type_Unsupported(t *testing.T) {
	t.Parallel()

	fc := newFileCache[string, any](t, portability.String, portability.NewSerializable[any](),
		storage.FileBackedOptions{}, offheap.Options{})

	type unregistered struct{ A int }

	err := fc.cache.Put("key", unregistered{A: 1})
	require.ErrorIs(t, err, portability.ErrEncoding)
	assert.Zero(t, fc.cache.Len())
}

type taggedKey struct {
	Tags map[string]int
}

func init() {
	portability.Register(taggedKey{})
}

func Test_Cache_Rejects_Key_When_Registered_Type_Holds_A_Map(t *testing.T) {
	t.Parallel()

	fc := newFileCache[any, any](t, portability.NewSerializable[any](), portability.NewSerializable[any](),
		storage.FileBackedOptions{}, offheap.Options{Segments: 1})
	cache := fc.cache

	key := taggedKey{Tags: map[string]int{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5, "f": 6, "g": 7, "h": 8}}

	for range 50 {
		err := cache.Put(key, "v")
		require.ErrorIs(t, err, portability.ErrEncoding)
	}

	assert.Zero(t, cache.Len())

	_, _, err := cache.Get(key)
	require.ErrorIs(t, err, portability.ErrEncoding)

	// As a value the type is fine.
	require.NoError(t, cache.Put("tags", key))

	got, ok, err := cache.Get("tags")
	require.NoError(t, err)
	require.True(t, ok)

	if diff := cmp.Diff(key, got); diff != "" {
		t.Fatalf("value mismatch (-want +got):\n%s", diff)
	}
}

func Test_Cache_Range_Visits_Every_Entry_When_Callback_Continues(t *testing.T) {
	t.Parallel()

	cache := newIntCache(t, offheap.Options{Segments: 4})

	want := make(map[int]int)

	for i := range 50 {
		require.NoError(t, cache.Put(i, i*i))
		want[i] = i * i
	}

	got := make(map[int]int)

	require.NoError(t, cache.Range(func(k, v int) bool {
		got[k] = v

		// Calling back into the cache from fn must not deadlock.
		_, err := cache.Contains(k)

		return err == nil
	}))

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("range mismatch (-want +got):\n%s", diff)
	}

	visited := 0

	require.NoError(t, cache.Range(func(int, int) bool {
		visited++

		return visited < 5
	}))

	assert.Equal(t, 5, visited)
}

func Test_Cache_Clear_Removes_Everything_When_Called(t *testing.T) {
	t.Parallel()

	fc := newFileCache(t, portability.String, portability.String, storage.FileBackedOptions{},
		offheap.Options{Segments: 2, InitialTableSize: 4})
	cache := fc.cache

	for i := range 100 {
		require.NoError(t, cache.Put(fmt.Sprint(i), "v"))
	}

	require.NoError(t, cache.Clear())

	st := cache.Stats()
	assert.Zero(t, st.Entries)
	assert.Zero(t, st.OccupiedMemory)
	assert.Equal(t, 8, st.TableSlots)
	assert.True(t, absent(t, cache, "1"))

	require.NoError(t, cache.Put("1", "again"))
	assert.Equal(t, "again", mustGet(t, cache, "1"))
}

func Test_Cache_Returns_ErrClosed_When_Used_After_Close(t *testing.T) {
	t.Parallel()

	cache := newIntCache(t, offheap.Options{})
	require.NoError(t, cache.Put(1, 1))

	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close(), "close is idempotent")

	err := cache.Put(2, 2)
	require.ErrorIs(t, err, offheap.ErrClosed)

	_, _, err = cache.Get(1)
	require.ErrorIs(t, err, offheap.ErrClosed)

	_, err = cache.Remove(1)
	require.ErrorIs(t, err, offheap.ErrClosed)

	require.ErrorIs(t, cache.Flush(), offheap.ErrClosed)
	require.ErrorIs(t, cache.Persist(&bytes.Buffer{}), offheap.ErrClosed)
	assert.Zero(t, cache.Len())
}

func Test_New_Returns_ErrInvalidInput_When_Options_Invalid(t *testing.T) {
	t.Parallel()

	cases := []offheap.Options{
		{Segments: 3},
		{Segments: -1},
		{InitialTableSize: 6},
		{InitialTableSize: 1},
		{InitialTableSize: 64, MaxTableSize: 32},
		{MaxTableSize: 1 << 31},
	}

	for _, opts := range cases {
		_, err := offheap.New[int, int](nil, intFactory(t), opts)
		require.ErrorIs(t, err, offheap.ErrInvalidInput, "%+v", opts)
	}

	_, err := offheap.New[int, int](nil, nil, offheap.Options{})
	require.ErrorIs(t, err, offheap.ErrInvalidInput)
}

func Test_Cache_Dispatches_Keys_Across_Segments_When_Hashing(t *testing.T) {
	t.Parallel()

	cache := newIntCache(t, offheap.Options{Segments: 8})

	used := make(map[int]struct{})

	for i := range 1000 {
		idx := offheap.SegmentIndexForTesting(cache, i)
		require.Less(t, idx, 8)
		require.GreaterOrEqual(t, idx, 0)

		used[idx] = struct{}{}

		assert.Equal(t, idx, offheap.SegmentIndexForTesting(cache, i), "dispatch is deterministic")
	}

	assert.Len(t, used, 8)
}

func Test_Cache_Logs_Evictions_When_Logger_Set(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cache := newIntCache(t, offheap.Options{Segments: 1, Capacity: offheap.MaxEntriesPolicy{PerSegment: 1}, Logger: logger})

	require.NoError(t, cache.Put(1, 1))
	require.NoError(t, cache.Put(2, 2))

	assert.Contains(t, logs.String(), "evicted entry")
	assert.Contains(t, logs.String(), "segment=0")
}

func Test_Cache_Stays_Consistent_When_Used_Concurrently(t *testing.T) {
	t.Parallel()

	fc := newFileCache(t, portability.String, portability.String, storage.FileBackedOptions{}, offheap.Options{Segments: 4})
	cache := fc.cache

	const (
		workers = 8
		perKey  = 200
	)

	var wg sync.WaitGroup

	for w := range workers {
		wg.Go(func() {
			for i := range perKey {
				key := fmt.Sprintf("w%d-%d", w, i)

				if err := cache.Put(key, key); err != nil {
					t.Errorf("put %s: %v", key, err)

					return
				}

				got, ok, err := cache.Get(key)
				if err != nil || !ok || got != key {
					t.Errorf("get %s = %q, %t, %v", key, got, ok, err)

					return
				}

				if i%2 == 0 {
					if _, err := cache.Remove(key); err != nil {
						t.Errorf("remove %s: %v", key, err)

						return
					}
				}
			}
		})
	}

	wg.Wait()

	assert.Equal(t, workers*perKey/2, cache.Len())

	var keys []string

	require.NoError(t, cache.Range(func(k, v string) bool {
		keys = append(keys, k)

		return k == v
	}))

	sort.Strings(keys)
	assert.Len(t, keys, workers*perKey/2)
}
