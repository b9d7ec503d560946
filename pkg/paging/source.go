package paging

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Hardcoded limits.
const (
	// maxFileSizeBytes is a guardrail, not a RAM limit. Mappings are lazy,
	// but we do not claim support for backing files beyond 1 TiB.
	maxFileSizeBytes = int64(1) << 40

	defaultPerm os.FileMode = 0o600
)

// pageSize is the OS page size. Every region handed out by a source starts
// and ends on a multiple of it, so regions can be mapped independently.
var pageSize = unix.Getpagesize()

// PageSize returns the OS page size used to align regions.
func PageSize() int {
	return pageSize
}

// Options configures how a backing file is opened.
type Options struct {
	// Perm is the mode used when [Create] has to create the file.
	//
	// Default: 0o600.
	Perm os.FileMode

	// DisableLocking skips the advisory flock on the backing file.
	//
	// The caller MUST then guarantee that no two writable sources attach
	// the same file.
	DisableLocking bool
}

// Page is a mapped region of the backing file.
//
// The byte slice returned by [Page.Bytes] aliases the mapping and stays
// valid until the owning source is closed.
type Page struct {
	offset   int64
	data     []byte
	readOnly bool
	dirty    atomic.Bool
}

// Offset returns the region's offset in the backing file.
func (p *Page) Offset() int64 { return p.offset }

// Len returns the region's length in bytes.
func (p *Page) Len() int { return len(p.data) }

// Bytes returns the mapped memory.
func (p *Page) Bytes() []byte { return p.data }

// ReadOnly reports whether the mapping is read-only.
func (p *Page) ReadOnly() bool { return p.readOnly }

// MarkDirty records that the page was written and must be synced on the
// next [MappedSource.Flush].
func (p *Page) MarkDirty() { p.dirty.Store(true) }

// Dirty reports whether the page has unsynced writes.
func (p *Page) Dirty() bool { return p.dirty.Load() }

// MappedSource hands out memory-mapped regions of a single backing file.
//
// Regions are carved from released space first and from the end of the
// file otherwise. A source opened with [AttachReadOnly] can only re-map
// regions that already exist.
//
// MappedSource is safe for concurrent use.
type MappedSource struct {
	mu       sync.Mutex
	file     *os.File
	fd       int
	path     string
	readOnly bool
	locked   bool
	size     int64
	pages    map[int64]*Page
	free     []region // released, sorted by offset, coalesced
	closed   bool
}

// region is a page-aligned range of the backing file.
type region struct {
	off, len int64
}

// Create creates (or truncates) the file at path and opens it read-write.
//
// The file is locked before truncation, so a file held by another source
// is never clobbered; that case returns [ErrBusy].
func Create(path string, opts Options) (*MappedSource, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	perm := opts.Perm
	if perm == 0 {
		perm = defaultPerm
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		return nil, fmt.Errorf("create backing file: %w", err)
	}

	src, err := newSource(file, path, false, opts)
	if err != nil {
		return nil, err
	}

	truncErr := unix.Ftruncate(src.fd, 0)
	if truncErr != nil {
		return nil, errors.Join(fmt.Errorf("ftruncate: %w", truncErr), src.Close())
	}

	src.size = 0

	return src, nil
}

// Attach opens an existing file read-write without touching its contents.
func Attach(path string, opts Options) (*MappedSource, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open backing file: %w", err)
	}

	return newSource(file, path, false, opts)
}

// AttachReadOnly opens an existing file read-only.
//
// [MappedSource.Allocate] on the result returns [ErrReadOnly].
func AttachReadOnly(path string, opts Options) (*MappedSource, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open backing file: %w", err)
	}

	return newSource(file, path, true, opts)
}

// newSource takes ownership of file. On error the file is closed.
func newSource(file *os.File, path string, readOnly bool, opts Options) (*MappedSource, error) {
	src := &MappedSource{
		file:     file,
		fd:       int(file.Fd()),
		path:     path,
		readOnly: readOnly,
		pages:    make(map[int64]*Page),
	}

	if !opts.DisableLocking {
		lockErr := lockFile(src.fd, !readOnly)
		if lockErr != nil {
			_ = file.Close()

			return nil, lockErr
		}

		src.locked = true
	}

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("stat backing file: %w", err), src.Close())
	}

	src.size = info.Size()

	return src, nil
}

// Path returns the backing file path.
func (s *MappedSource) Path() string { return s.path }

// ReadOnly reports whether the source was opened with [AttachReadOnly].
func (s *MappedSource) ReadOnly() bool { return s.readOnly }

// Size returns the current length of the backing file.
func (s *MappedSource) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.size
}

// Allocate maps a region of at least size bytes. Space returned with
// [MappedSource.Release] is reused first; otherwise the backing file grows.
// The length is rounded up to a multiple of [PageSize]; the region reads as
// zero.
func (s *MappedSource) Allocate(size int) (*Page, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if s.readOnly {
		return nil, fmt.Errorf("allocate: %w", ErrReadOnly)
	}

	length := int64(alignUp(size, pageSize))

	if offset, ok := s.takeFreeLocked(length); ok {
		page, err := s.mapLocked(offset, int(length))
		if err != nil {
			s.releaseLocked(region{off: offset, len: length})

			return nil, err
		}

		clear(page.data)
		page.MarkDirty()

		return page, nil
	}

	offset := alignUp64(s.size, int64(pageSize))

	// A released region at the end of the file is extended instead of
	// left behind.
	tail := len(s.free) > 0 && s.free[len(s.free)-1].off+s.free[len(s.free)-1].len == offset
	if tail {
		offset = s.free[len(s.free)-1].off
	}

	if offset+length > maxFileSizeBytes {
		return nil, fmt.Errorf("file would grow to %d bytes, max is %d: %w", offset+length, maxFileSizeBytes, ErrOutOfBounds)
	}

	err := unix.Ftruncate(s.fd, offset+length)
	if err != nil {
		return nil, fmt.Errorf("grow backing file: %w", err)
	}

	if tail {
		s.free = s.free[:len(s.free)-1]
	}

	s.size = offset + length

	page, err := s.mapLocked(offset, int(length))
	if err != nil {
		return nil, err
	}

	if tail {
		clear(page.data)
		page.MarkDirty()
	}

	return page, nil
}

// Release unmaps p and hands its region back for reuse by
// [MappedSource.Allocate]. p must not be used afterwards.
//
// Released space is tracked in memory only. After the file is attached
// again it is unused until the file is recreated.
func (s *MappedSource) Release(p *Page) error {
	if p == nil {
		return fmt.Errorf("release nil page: %w", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if s.readOnly {
		return fmt.Errorf("release: %w", ErrReadOnly)
	}

	if s.pages[p.offset] != p {
		return fmt.Errorf("release of page %d not owned by this source: %w", p.offset, ErrInvalidInput)
	}

	err := unix.Munmap(p.data)
	if err != nil {
		return fmt.Errorf("munmap page %d: %w", p.offset, err)
	}

	delete(s.pages, p.offset)
	s.releaseLocked(region{off: p.offset, len: int64(len(p.data))})
	p.data = nil

	return nil
}

// Released returns the number of released bytes not yet reused.
func (s *MappedSource) Released() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range s.free {
		n += r.len
	}

	return n
}

// takeFreeLocked carves length bytes off the front of the first released
// region that is big enough.
func (s *MappedSource) takeFreeLocked(length int64) (int64, bool) {
	for i, r := range s.free {
		if r.len < length {
			continue
		}

		if r.len == length {
			s.free = append(s.free[:i], s.free[i+1:]...)
		} else {
			s.free[i] = region{off: r.off + length, len: r.len - length}
		}

		return r.off, true
	}

	return 0, false
}

// releaseLocked inserts r into the free list, merging it with released
// neighbours that touch it.
func (s *MappedSource) releaseLocked(r region) {
	i := sort.Search(len(s.free), func(i int) bool { return s.free[i].off >= r.off })

	mergePrev := i > 0 && s.free[i-1].off+s.free[i-1].len == r.off
	mergeNext := i < len(s.free) && r.off+r.len == s.free[i].off

	switch {
	case mergePrev && mergeNext:
		s.free[i-1].len += r.len + s.free[i].len
		s.free = append(s.free[:i], s.free[i+1:]...)
	case mergePrev:
		s.free[i-1].len += r.len
	case mergeNext:
		s.free[i] = region{off: r.off, len: r.len + s.free[i].len}
	default:
		s.free = append(s.free, region{})
		copy(s.free[i+1:], s.free[i:])
		s.free[i] = r
	}
}

// PageAt maps an existing region of the backing file.
//
// offset must be a multiple of [PageSize] and the region must lie inside the
// file. Asking for a region that is already mapped returns the same page.
func (s *MappedSource) PageAt(offset int64, size int) (*Page, error) {
	if offset < 0 || size <= 0 {
		return nil, fmt.Errorf("page at %d+%d: %w", offset, size, ErrInvalidInput)
	}

	if offset%int64(pageSize) != 0 {
		return nil, fmt.Errorf("page offset %d not aligned to %d: %w", offset, pageSize, ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if offset+int64(size) > s.size {
		return nil, fmt.Errorf("page %d+%d beyond file size %d: %w", offset, size, s.size, ErrOutOfBounds)
	}

	if page, ok := s.pages[offset]; ok {
		if page.Len() != size {
			return nil, fmt.Errorf("page at %d already mapped with length %d, asked %d: %w", offset, page.Len(), size, ErrInvalidInput)
		}

		return page, nil
	}

	return s.mapLocked(offset, size)
}

func (s *MappedSource) mapLocked(offset int64, length int) (*Page, error) {
	prot := unix.PROT_READ
	if !s.readOnly {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(s.fd, offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d+%d: %w", offset, length, err)
	}

	page := &Page{offset: offset, data: data, readOnly: s.readOnly}
	s.pages[offset] = page

	return page, nil
}

// Flush synchronously writes every dirty page back to the file and then
// fsyncs it. Flush on a read-only source is a no-op.
func (s *MappedSource) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if s.readOnly {
		return nil
	}

	for _, page := range s.pages {
		if !page.dirty.Swap(false) {
			continue
		}

		err := unix.Msync(page.data, unix.MS_SYNC)
		if err != nil {
			page.MarkDirty()

			return fmt.Errorf("msync page %d: %w", page.offset, err)
		}
	}

	err := s.file.Sync()
	if err != nil {
		return fmt.Errorf("fsync: %w", err)
	}

	return nil
}

// Close unmaps every page, releases the lock and closes the file.
//
// Close is idempotent. Pages obtained from the source must not be used
// afterwards.
func (s *MappedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	var errs []error

	for offset, page := range s.pages {
		err := unix.Munmap(page.data)
		if err != nil {
			errs = append(errs, fmt.Errorf("munmap page %d: %w", offset, err))
		}

		page.data = nil
	}

	s.pages = nil

	if s.locked {
		err := unlockFile(s.fd)
		if err != nil {
			errs = append(errs, fmt.Errorf("unlocking backing file: %w", err))
		}

		s.locked = false
	}

	err := s.file.Close()
	if err != nil {
		errs = append(errs, fmt.Errorf("closing backing file: %w", err))
	}

	return errors.Join(errs...)
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

func alignUp64(n, align int64) int64 {
	return (n + align - 1) / align * align
}
