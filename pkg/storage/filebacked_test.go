package storage_test

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/offheap/pkg/paging"
	"github.com/calvinalkan/offheap/pkg/portability"
	"github.com/calvinalkan/offheap/pkg/storage"
)

func createSource(t *testing.T) (*paging.MappedSource, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data.ohc")

	src, err := paging.Create(path, paging.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = src.Close() })

	return src, path
}

func newStringEngine(t *testing.T, src *paging.MappedSource, opts storage.FileBackedOptions) storage.Engine[string, string] {
	t.Helper()

	factory, err := storage.NewFileBackedFactory(src, portability.String, portability.String, opts)
	require.NoError(t, err)

	engine, err := factory.NewEngine()
	require.NoError(t, err)

	return engine
}

func Test_FileBacked_Reads_Back_Key_And_Value_When_Written(t *testing.T) {
	t.Parallel()

	src, _ := createSource(t)
	engine := newStringEngine(t, src, storage.FileBackedOptions{})

	hash, err := engine.Hash("alpha")
	require.NoError(t, err)

	enc, err := engine.WriteMapping("alpha", "one", hash)
	require.NoError(t, err)

	key, err := engine.ReadKey(enc)
	require.NoError(t, err)
	assert.Equal(t, "alpha", key)

	value, err := engine.ReadValue(enc)
	require.NoError(t, err)
	assert.Equal(t, "one", value)

	eq, err := engine.KeyEquals("alpha", enc)
	require.NoError(t, err)
	assert.True(t, eq)

	eq, err = engine.KeyEquals("alphb", enc)
	require.NoError(t, err)
	assert.False(t, eq)

	// header 8 + "alpha" 5 + "one" 3 = 16, already aligned
	assert.Equal(t, int64(16), engine.OccupiedMemory())
}

func Test_FileBacked_Hash_Is_Deterministic_When_Engines_Differ(t *testing.T) {
	t.Parallel()

	src, _ := createSource(t)
	a := newStringEngine(t, src, storage.FileBackedOptions{})
	b := newStringEngine(t, src, storage.FileBackedOptions{})

	ha, err := a.Hash("same key")
	require.NoError(t, err)

	hb, err := b.Hash("same key")
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
}

func Test_FileBacked_Reuses_Freed_Space_When_Record_Fits(t *testing.T) {
	t.Parallel()

	src, _ := createSource(t)
	engine := newStringEngine(t, src, storage.FileBackedOptions{})

	first, err := engine.WriteMapping("k1", "value-1", 0)
	require.NoError(t, err)

	_, err = engine.WriteMapping("k2", "value-2", 0)
	require.NoError(t, err)

	before := src.Size()

	require.NoError(t, engine.FreeMapping(first))

	again, err := engine.WriteMapping("k3", "value-3", 0)
	require.NoError(t, err)

	assert.Equal(t, first, again, "first fit must reuse the freed block")
	assert.Equal(t, before, src.Size(), "no new chunk for a record that fits a hole")
}

func Test_FileBacked_Returns_ErrFull_When_MaxBytes_Reached(t *testing.T) {
	t.Parallel()

	src, _ := createSource(t)
	pageSize := paging.PageSize()
	engine := newStringEngine(t, src, storage.FileBackedOptions{ChunkSize: pageSize, MaxBytes: int64(pageSize)})

	value := strings.Repeat("v", pageSize/4)

	var err error
	for i := 0; i < 8 && err == nil; i++ {
		_, err = engine.WriteMapping(string(rune('a'+i)), value, 0)
	}

	require.ErrorIs(t, err, storage.ErrFull)
	assert.LessOrEqual(t, src.Size(), int64(pageSize))
}

func Test_FileBacked_Returns_ErrTooLarge_When_Record_Exceeds_MaxBytes(t *testing.T) {
	t.Parallel()

	src, _ := createSource(t)
	pageSize := paging.PageSize()
	engine := newStringEngine(t, src, storage.FileBackedOptions{ChunkSize: pageSize, MaxBytes: int64(pageSize)})

	_, err := engine.WriteMapping("big", strings.Repeat("x", pageSize), 0)
	require.ErrorIs(t, err, storage.ErrTooLarge)
	require.ErrorIs(t, err, storage.ErrFull)
	assert.Zero(t, src.Size(), "no chunk is mapped for a record that cannot fit")
}

func Test_FileBacked_Stores_Multi_Chunk_Record_When_Emptied_Chunks_Free_The_Budget(t *testing.T) {
	t.Parallel()

	src, _ := createSource(t)
	pageSize := paging.PageSize()
	engine := newStringEngine(t, src, storage.FileBackedOptions{ChunkSize: pageSize, MaxBytes: int64(4 * pageSize)})

	small := strings.Repeat("s", pageSize/8)

	var encodings []uint64

	for i := 0; ; i++ {
		enc, err := engine.WriteMapping(fmt.Sprintf("k%03d", i), small, 0)
		if err != nil {
			require.ErrorIs(t, err, storage.ErrFull)
			require.NotErrorIs(t, err, storage.ErrTooLarge)

			break
		}

		encodings = append(encodings, enc)
	}

	require.Equal(t, int64(4*pageSize), src.Size(), "budget is spent on single-page chunks")

	big := strings.Repeat("b", 2*pageSize)

	_, err := engine.WriteMapping("big", big, 0)
	require.ErrorIs(t, err, storage.ErrFull, "every chunk still holds records")

	for _, enc := range encodings {
		require.NoError(t, engine.FreeMapping(enc))
	}

	enc, err := engine.WriteMapping("big", big, 0)
	require.NoError(t, err)

	got, err := engine.ReadValue(enc)
	require.NoError(t, err)
	assert.Equal(t, big, got)
	assert.Equal(t, int64(4*pageSize), src.Size(), "emptied chunks are merged and reused")
}

func Test_FileBacked_Gives_Large_Record_Its_Own_Chunk_When_Larger_Than_ChunkSize(t *testing.T) {
	t.Parallel()

	src, _ := createSource(t)
	pageSize := paging.PageSize()
	engine := newStringEngine(t, src, storage.FileBackedOptions{ChunkSize: pageSize})

	big := strings.Repeat("x", 3*pageSize)

	enc, err := engine.WriteMapping("big", big, 0)
	require.NoError(t, err)

	got, err := engine.ReadValue(enc)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func Test_FileBacked_Returns_ErrCorrupt_When_Reference_Dangles(t *testing.T) {
	t.Parallel()

	src, _ := createSource(t)
	engine := newStringEngine(t, src, storage.FileBackedOptions{})

	enc, err := engine.WriteMapping("k", "v", 0)
	require.NoError(t, err)

	_, err = engine.ReadKey(enc + 3)
	require.ErrorIs(t, err, storage.ErrCorrupt, "unaligned")

	_, err = engine.ReadValue(enc + 1<<40)
	require.ErrorIs(t, err, storage.ErrCorrupt, "past every chunk")

	require.NoError(t, engine.FreeMapping(enc))

	err = engine.FreeMapping(enc)
	require.ErrorIs(t, err, storage.ErrCorrupt, "double free")
}

func Test_FileBacked_Restores_Records_And_Fragmentation_When_Bootstrapped(t *testing.T) {
	t.Parallel()

	src, path := createSource(t)
	opts := storage.FileBackedOptions{ChunkSize: paging.PageSize()}
	engine := newStringEngine(t, src, opts)

	encodings := make(map[string]uint64)

	for i := range 40 {
		key := strings.Repeat("k", i+1)

		enc, err := engine.WriteMapping(key, strings.Repeat("v", 3*i), 0)
		require.NoError(t, err)

		encodings[key] = enc
	}

	for i := 0; i < 40; i += 2 {
		key := strings.Repeat("k", i+1)
		require.NoError(t, engine.FreeMapping(encodings[key]))
		delete(encodings, key)
	}

	occupied := engine.OccupiedMemory()

	var state bytes.Buffer
	require.NoError(t, engine.Persist(&state))
	require.NoError(t, engine.Close())
	require.NoError(t, src.Flush())
	require.NoError(t, src.Close())

	reopened, err := paging.Attach(path, paging.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = reopened.Close() })

	factory, err := storage.AttachFileBackedFactory(reopened, portability.String, portability.String, opts)
	require.NoError(t, err)

	restored, err := factory.NewEngine()
	require.NoError(t, err)

	_, err = restored.WriteMapping("early", "write", 0)
	require.ErrorIs(t, err, storage.ErrInvalidOperation, "writes wait for bootstrap")

	require.NoError(t, restored.Bootstrap(&state))
	assert.Equal(t, 0, state.Len())
	assert.Equal(t, occupied, restored.OccupiedMemory())

	got := make(map[string]string)

	for key, enc := range encodings {
		k, err := restored.ReadKey(enc)
		require.NoError(t, err)

		v, err := restored.ReadValue(enc)
		require.NoError(t, err)

		got[k] = v

		require.Equal(t, key, k)
	}

	want := make(map[string]string)
	for i := 1; i < 40; i += 2 {
		want[strings.Repeat("k", i+1)] = strings.Repeat("v", 3*i)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("restored records mismatch (-want +got):\n%s", diff)
	}

	size := reopened.Size()

	_, err = restored.WriteMapping("k", "", 0)
	require.NoError(t, err)
	assert.Equal(t, size, reopened.Size(), "freed holes survive bootstrap and get reused")

	err = restored.Bootstrap(bytes.NewReader(nil))
	require.ErrorIs(t, err, storage.ErrInvalidOperation, "second bootstrap")
}

func Test_FileBacked_Rejects_Writes_When_Attached_ReadOnly(t *testing.T) {
	t.Parallel()

	src, path := createSource(t)
	engine := newStringEngine(t, src, storage.FileBackedOptions{})

	enc, err := engine.WriteMapping("key", "value", 0)
	require.NoError(t, err)

	var state bytes.Buffer
	require.NoError(t, engine.Persist(&state))
	require.NoError(t, src.Flush())
	require.NoError(t, src.Close())

	ro, err := paging.AttachReadOnly(path, paging.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = ro.Close() })

	_, err = storage.AttachFileBackedFactory(ro, portability.String, portability.String, storage.FileBackedOptions{})
	require.ErrorIs(t, err, storage.ErrReadOnly)
	require.ErrorIs(t, err, paging.ErrReadOnly)

	factory, err := storage.AttachFileBackedReadOnlyFactory(ro, portability.String, portability.String, storage.FileBackedOptions{})
	require.NoError(t, err)

	restored, err := factory.NewEngine()
	require.NoError(t, err)
	require.NoError(t, restored.Bootstrap(&state))

	value, err := restored.ReadValue(enc)
	require.NoError(t, err)
	assert.Equal(t, "value", value)

	_, err = restored.WriteMapping("other", "value", 0)
	require.ErrorIs(t, err, storage.ErrReadOnly)

	err = restored.FreeMapping(enc)
	require.ErrorIs(t, err, storage.ErrReadOnly)
}

func Test_FileBacked_Bootstrap_Returns_ErrInvalidOperation_When_Engine_Is_Fresh(t *testing.T) {
	t.Parallel()

	src, _ := createSource(t)
	engine := newStringEngine(t, src, storage.FileBackedOptions{})

	var state bytes.Buffer
	require.NoError(t, engine.Persist(&state))

	err := engine.Bootstrap(&state)
	require.ErrorIs(t, err, storage.ErrInvalidOperation)
}

func Test_FileBacked_Bootstrap_Returns_ErrCorrupt_When_State_Is_Garbage(t *testing.T) {
	t.Parallel()

	src, path := createSource(t)
	require.NoError(t, src.Close())

	reopened, err := paging.Attach(path, paging.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = reopened.Close() })

	factory, err := storage.AttachFileBackedFactory(reopened, portability.String, portability.String, storage.FileBackedOptions{})
	require.NoError(t, err)

	engine, err := factory.NewEngine()
	require.NoError(t, err)

	err = engine.Bootstrap(strings.NewReader("XXXXXXXXXXXX"))
	require.ErrorIs(t, err, storage.ErrCorrupt)
}

func Test_FileBackedFactory_Round_Trips_Serializable_Registry_When_Persisted(t *testing.T) {
	t.Parallel()

	src, path := createSource(t)
	values := portability.NewSerializable[any]()

	factory, err := storage.NewFileBackedFactory[string, any](src, portability.String, values, storage.FileBackedOptions{})
	require.NoError(t, err)

	engine, err := factory.NewEngine()
	require.NoError(t, err)

	enc, err := engine.WriteMapping("greeting", "Hello World", 0)
	require.NoError(t, err)

	var state bytes.Buffer
	require.NoError(t, factory.Persist(&state))
	require.NoError(t, engine.Persist(&state))
	require.NoError(t, src.Flush())
	require.NoError(t, src.Close())

	reopened, err := paging.Attach(path, paging.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = reopened.Close() })

	attached, err := storage.AttachFileBackedFactory[string, any](
		reopened, portability.String, portability.NewSerializable[any](), storage.FileBackedOptions{})
	require.NoError(t, err)
	require.NoError(t, attached.Bootstrap(&state))

	restored, err := attached.NewEngine()
	require.NoError(t, err)
	require.NoError(t, restored.Bootstrap(&state))

	got, err := restored.ReadValue(enc)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", got)
}

func Test_FileBackedFactory_Bootstrap_Returns_ErrInvalidOperation_When_Statefulness_Differs(t *testing.T) {
	t.Parallel()

	src, path := createSource(t)

	factory, err := storage.NewFileBackedFactory[string, any](
		src, portability.String, portability.NewSerializable[any](), storage.FileBackedOptions{})
	require.NoError(t, err)

	var state bytes.Buffer
	require.NoError(t, factory.Persist(&state))
	require.NoError(t, src.Close())

	reopened, err := paging.Attach(path, paging.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = reopened.Close() })

	attached, err := storage.AttachFileBackedFactory(reopened, portability.String, portability.String, storage.FileBackedOptions{})
	require.NoError(t, err)

	err = attached.Bootstrap(&state)
	require.ErrorIs(t, err, storage.ErrInvalidOperation)
}
