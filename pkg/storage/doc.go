// Package storage owns the byte-level layout of records stored off-heap.
//
// An [Engine] turns a key/value pair into an opaque uint64 encoding that the
// cache keeps in its slot table, and back. Engines are created per cache
// segment by a [Factory]; state shared between the engines of one factory
// (the stateful portabilities) is persisted by the factory, per-engine state
// (chunks and free space) by the engine.
//
// The variants are:
//
//   - File-backed ([NewFileBackedFactory], [AttachFileBackedFactory],
//     [AttachFileBackedReadOnlyFactory]): records live in chunks of a
//     [paging.MappedSource]; only chunk and free-space bookkeeping is
//     persisted, record bytes stay in the file.
//   - Split ([NewSplitFactory]): keys and values are stored by two
//     independent [Half] engines and their 32-bit references are packed into
//     one encoding.
//   - Integer ([NewIntegerHalfFactory]): a [Half] that stores 32-bit integers
//     inline in the reference, with no record and no portability step.
//
// Engines are not safe for concurrent use; each is owned by one segment and
// guarded by that segment's lock.
package storage
