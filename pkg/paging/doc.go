// Package paging maps regions of a backing file into memory.
//
// A [MappedSource] owns one file and every region ("page") it has mapped.
// Regions are allocated append-only and are never moved, so a reference
// made of (offset, length) stays valid for the lifetime of the source and,
// once flushed, across processes.
//
// # Opening
//
// There are three ways to open a source, each with its own preconditions:
//
//	src, err := paging.Create(path, paging.Options{})         // new, empty, read-write
//	src, err := paging.Attach(path, paging.Options{})         // existing, read-write
//	src, err := paging.AttachReadOnly(path, paging.Options{}) // existing, read-only
//
// Writable sources hold an exclusive advisory lock on the file; read-only
// sources hold a shared one. A conflicting open returns [ErrBusy].
//
// # Durability
//
// Writes through [Page.Bytes] reach the file lazily. Call [Page.MarkDirty]
// after writing and [MappedSource.Flush] before relying on the file content
// from another process.
package paging
