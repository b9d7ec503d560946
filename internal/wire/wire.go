// Package wire reads and writes the fixed-width big-endian fields used by
// the persisted index stream.
//
// Both [Writer] and [Reader] are sticky: after the first error every call is
// a no-op and [Writer.Err] / [Reader.Err] report that first error. This keeps
// long field sequences free of per-field error checks.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrShort indicates a length-prefixed field that claims more bytes than
// the caller allows.
var ErrShort = errors.New("wire: field too long")

// Writer writes fields to an underlying [io.Writer].
type Writer struct {
	w   io.Writer
	buf [8]byte
	err error
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Err returns the first error encountered.
func (w *Writer) Err() error { return w.err }

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}

	_, err := w.w.Write(p)
	if err != nil {
		w.err = fmt.Errorf("write: %w", err)
	}
}

// Magic writes a 4-byte marker.
func (w *Writer) Magic(m [4]byte) { w.write(m[:]) }

// Uint8 writes one byte.
func (w *Writer) Uint8(v uint8) {
	w.buf[0] = v
	w.write(w.buf[:1])
}

// Bool writes v as one byte.
func (w *Writer) Bool(v bool) {
	if v {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
}

// Uint32 writes v big endian.
func (w *Writer) Uint32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

// Uint64 writes v big endian.
func (w *Writer) Uint64(v uint64) {
	binary.BigEndian.PutUint64(w.buf[:8], v)
	w.write(w.buf[:8])
}

// Bytes writes a u32 length prefix followed by p.
func (w *Writer) Bytes(p []byte) {
	if uint64(len(p)) > uint64(^uint32(0)) {
		if w.err == nil {
			w.err = fmt.Errorf("%d bytes: %w", len(p), ErrShort)
		}

		return
	}

	w.Uint32(uint32(len(p)))
	w.write(p)
}

// String writes s like [Writer.Bytes].
func (w *Writer) String(s string) { w.Bytes([]byte(s)) }

// Reader reads fields from an underlying [io.Reader].
//
// Reader never reads past the last field asked for, so the same stream can
// be handed to several decoders in turn.
type Reader struct {
	r   io.Reader
	buf [8]byte
	err error
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Err returns the first error encountered. A stream that ends early yields
// [io.ErrUnexpectedEOF].
func (r *Reader) Err() error { return r.err }

func (r *Reader) read(p []byte) bool {
	if r.err != nil {
		return false
	}

	_, err := io.ReadFull(r.r, p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		r.err = fmt.Errorf("read: %w", err)

		return false
	}

	return true
}

// Magic reads a 4-byte marker and reports whether it equals want.
// A mismatch is not recorded as an error; callers decide.
func (r *Reader) Magic(want [4]byte) bool {
	var got [4]byte
	if !r.read(got[:]) {
		return false
	}

	return got == want
}

// Uint8 reads one byte.
func (r *Reader) Uint8() uint8 {
	if !r.read(r.buf[:1]) {
		return 0
	}

	return r.buf[0]
}

// Bool reads one byte; any non-zero value is true.
func (r *Reader) Bool() bool { return r.Uint8() != 0 }

// Uint32 reads a big-endian uint32.
func (r *Reader) Uint32() uint32 {
	if !r.read(r.buf[:4]) {
		return 0
	}

	return binary.BigEndian.Uint32(r.buf[:4])
}

// Uint64 reads a big-endian uint64.
func (r *Reader) Uint64() uint64 {
	if !r.read(r.buf[:8]) {
		return 0
	}

	return binary.BigEndian.Uint64(r.buf[:8])
}

// Bytes reads a length-prefixed field of at most limit bytes.
func (r *Reader) Bytes(limit int) []byte {
	n := r.Uint32()
	if r.err != nil {
		return nil
	}

	if uint64(n) > uint64(limit) {
		r.err = fmt.Errorf("field of %d bytes, limit %d: %w", n, limit, ErrShort)

		return nil
	}

	p := make([]byte, n)
	if !r.read(p) {
		return nil
	}

	return p
}

// String reads a field written by [Writer.String].
func (r *Reader) String(limit int) string { return string(r.Bytes(limit)) }
