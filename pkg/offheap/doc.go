// Package offheap provides a concurrent key/value cache whose records live
// in a memory-mapped file instead of the Go heap.
//
// Keys are hashed to one of a power-of-two number of segments. Each segment
// has its own lock, an open-addressing table of entry slots, and its own
// storage engine. When a segment must make room it evicts by clock sweep:
// every read or write marks a slot as used, and the sweep clears marks
// until it finds an unmarked slot to evict.
//
// # Basic Usage
//
//	src, err := paging.Create("/tmp/cache.data", paging.Options{})
//	factory, err := storage.NewFileBackedFactory(src, portability.String, portability.ByteArray, storage.FileBackedOptions{})
//	cache, err := offheap.New[string, []byte](src, factory, offheap.Options{})
//	defer cache.Close()
//
//	err = cache.Put("k", []byte("v"))
//	v, ok, err := cache.Get("k")
//
// # Persistence
//
// The index can be persisted and restored while the records stay in the
// data file:
//
//	err = cache.Flush()
//	err = cache.Persist(w)
//	_ = cache.Close()
//
//	src, err = paging.Attach("/tmp/cache.data", paging.Options{})
//	factory, err = storage.AttachFileBackedFactory(src, portability.String, portability.ByteArray, storage.FileBackedOptions{})
//	cache, err = offheap.NewFromStream[string, []byte](r, src, factory, offheap.Options{})
//	err = cache.Bootstrap(r)
//
// [SaveIndex] and [RestoreIndex] wrap both steps around an index file.
//
// # Concurrency
//
// Get, Put, Remove, Contains, Range and the counters may be called from any
// goroutine. Flush, Persist, Bootstrap, Clear and Close need the cache to
// themselves; the cache does not enforce this.
package offheap
