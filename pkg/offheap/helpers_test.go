package offheap_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/offheap/pkg/offheap"
	"github.com/calvinalkan/offheap/pkg/paging"
	"github.com/calvinalkan/offheap/pkg/portability"
	"github.com/calvinalkan/offheap/pkg/storage"
)

// fileCache is a cache over a file-backed engine plus what it takes to
// restore it.
type fileCache[K, V any] struct {
	cache *offheap.Cache[K, V]
	path  string
	fopts storage.FileBackedOptions
	opts  offheap.Options
}

func newFileCache[K, V any](
	t *testing.T, kp portability.Portability[K], vp portability.Portability[V],
	fopts storage.FileBackedOptions, opts offheap.Options,
) *fileCache[K, V] {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cache.data")

	src, err := paging.Create(path, paging.Options{})
	require.NoError(t, err)

	factory, err := storage.NewFileBackedFactory(src, kp, vp, fopts)
	require.NoError(t, err)

	cache, err := offheap.New[K, V](src, factory, opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = cache.Close() })

	return &fileCache[K, V]{cache: cache, path: path, fopts: fopts, opts: opts}
}

// reload flushes, persists and closes fc.cache, then restores it into a
// new cache over a re-attached source using fresh portabilities kp and vp.
func (fc *fileCache[K, V]) reload(t *testing.T, kp portability.Portability[K], vp portability.Portability[V]) {
	t.Helper()

	var index bytes.Buffer

	require.NoError(t, fc.cache.Flush())
	require.NoError(t, fc.cache.Persist(&index))
	require.NoError(t, fc.cache.Close())

	src, err := paging.Attach(fc.path, paging.Options{})
	require.NoError(t, err)

	factory, err := storage.AttachFileBackedFactory(src, kp, vp, fc.fopts)
	require.NoError(t, err)

	cache, err := offheap.NewFromStream[K, V](&index, src, factory, fc.opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = cache.Close() })

	require.NoError(t, cache.Bootstrap(&index))
	require.Equal(t, 0, index.Len(), "bootstrap must consume the whole index")

	fc.cache = cache
}

func newIntCache(t *testing.T, opts offheap.Options) *offheap.Cache[int, int] {
	t.Helper()

	cache, err := offheap.New[int, int](nil, intFactory(t), opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = cache.Close() })

	return cache
}

func intFactory(t *testing.T) *storage.SplitFactory[int, int] {
	t.Helper()

	factory, err := storage.NewSplitFactory[int, int](storage.NewIntegerHalfFactory[int](), storage.NewIntegerHalfFactory[int]())
	require.NoError(t, err)

	return factory
}

func mustGet[K, V any](t *testing.T, cache *offheap.Cache[K, V], key K) V {
	t.Helper()

	value, ok, err := cache.Get(key)
	require.NoError(t, err)
	require.True(t, ok, "key %v missing", key)

	return value
}

func absent[K, V any](t *testing.T, cache *offheap.Cache[K, V], key K) bool {
	t.Helper()

	_, ok, err := cache.Get(key)
	require.NoError(t, err)

	return !ok
}
