// Package portability translates typed values to and from the bytes stored
// off-heap.
//
// A [Portability] is a pure codec. A portability that keeps auxiliary state
// (such as the type registry of [Serializable]) also implements [Stateful] so
// the state can travel with the persisted index.
//
// Encodings used for keys must be canonical: equal keys must encode to equal
// bytes, because storage engines compare keys by their encodings.
package portability

import (
	"bytes"
	"io"
)

// Portability encodes and decodes values of type T.
//
// Decode must not retain encoded: callers pass slices that alias mapped
// file memory.
type Portability[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(encoded []byte) (T, error)
}

// KeyPortability is implemented by portabilities that cannot encode every
// value canonically. EncodeKey fails with [ErrEncoding] for such values
// instead of returning bytes that would break key equality.
type KeyPortability[T any] interface {
	Portability[T]
	EncodeKey(value T) ([]byte, error)
}

// EncodeKey encodes key with p, through [KeyPortability.EncodeKey] when p
// implements it.
func EncodeKey[T any](p Portability[T], key T) ([]byte, error) {
	if kp, ok := p.(KeyPortability[T]); ok {
		return kp.EncodeKey(key)
	}

	return p.Encode(key)
}

// Stateful is implemented by portabilities whose encodings depend on state
// built up at runtime.
//
// Persist and Bootstrap must be symmetric: Bootstrap reads exactly the bytes
// Persist wrote and nothing more.
type Stateful interface {
	Persist(w io.Writer) error
	Bootstrap(r io.Reader) error
}

// ByteArray stores byte slices as-is.
//
//nolint:gochecknoglobals // stateless singleton
var ByteArray Portability[[]byte] = byteArray{}

// String stores strings as their UTF-8 bytes.
//
//nolint:gochecknoglobals // stateless singleton
var String Portability[string] = stringPortability{}

type byteArray struct{}

func (byteArray) Encode(value []byte) ([]byte, error) { return value, nil }

func (byteArray) Decode(encoded []byte) ([]byte, error) {
	if encoded == nil {
		return []byte{}, nil
	}

	return bytes.Clone(encoded), nil
}

type stringPortability struct{}

func (stringPortability) Encode(value string) ([]byte, error) { return []byte(value), nil }

func (stringPortability) Decode(encoded []byte) (string, error) { return string(encoded), nil }
