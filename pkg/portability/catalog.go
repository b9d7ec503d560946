package portability

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"reflect"
	"sync"
)

// codec encodes the payload of one concrete type. The type id prefix is
// handled by the registry.
type codec struct {
	name   string
	encode func(dst []byte, value any) ([]byte, error)
	decode func(payload []byte) (any, error)

	// unordered payloads can differ between equal values.
	unordered bool
}

// typeMarkerName names the codec for [reflect.Type] values.
const typeMarkerName = "reflect.Type"

// catalog is the process-wide set of known codecs, keyed both by the
// persisted type name and by the Go type.
type catalog struct {
	mu     sync.RWMutex
	byName map[string]*codec
	byType map[reflect.Type]*codec
}

//nolint:gochecknoglobals // process-wide type catalog, like encoding/gob's
var knownTypes = newCatalog()

//nolint:gochecknoglobals // canonical markers must be shared singletons
var markerTypes = func() map[string]reflect.Type {
	types := []reflect.Type{
		reflect.TypeFor[bool](),
		reflect.TypeFor[int](),
		reflect.TypeFor[int8](),
		reflect.TypeFor[int16](),
		reflect.TypeFor[int32](),
		reflect.TypeFor[int64](),
		reflect.TypeFor[uint](),
		reflect.TypeFor[uint8](),
		reflect.TypeFor[uint16](),
		reflect.TypeFor[uint32](),
		reflect.TypeFor[uint64](),
		reflect.TypeFor[uintptr](),
		reflect.TypeFor[float32](),
		reflect.TypeFor[float64](),
		reflect.TypeFor[complex64](),
		reflect.TypeFor[complex128](),
		reflect.TypeFor[string](),
		reflect.TypeFor[struct{}](),
	}

	m := make(map[string]reflect.Type, len(types))
	for _, t := range types {
		m[t.String()] = t
	}

	return m
}()

func newCatalog() *catalog {
	c := &catalog{
		byName: make(map[string]*codec),
		byType: make(map[reflect.Type]*codec),
	}

	c.add(reflect.TypeFor[bool](), &codec{
		encode: func(dst []byte, v any) ([]byte, error) {
			if v.(bool) {
				return append(dst, 1), nil
			}

			return append(dst, 0), nil
		},
		decode: func(p []byte) (any, error) {
			if len(p) != 1 || p[0] > 1 {
				return nil, payloadError("bool", p)
			}

			return p[0] == 1, nil
		},
	})

	addSigned[int](c)
	addSigned[int8](c)
	addSigned[int16](c)
	addSigned[int32](c)
	addSigned[int64](c)
	addUnsigned[uint](c)
	addUnsigned[uint8](c)
	addUnsigned[uint16](c)
	addUnsigned[uint32](c)
	addUnsigned[uint64](c)
	addUnsigned[uintptr](c)

	c.add(reflect.TypeFor[float32](), &codec{
		encode: func(dst []byte, v any) ([]byte, error) {
			return binary.BigEndian.AppendUint32(dst, math.Float32bits(v.(float32))), nil
		},
		decode: func(p []byte) (any, error) {
			if len(p) != 4 {
				return nil, payloadError("float32", p)
			}

			return math.Float32frombits(binary.BigEndian.Uint32(p)), nil
		},
	})

	c.add(reflect.TypeFor[float64](), &codec{
		encode: func(dst []byte, v any) ([]byte, error) {
			return binary.BigEndian.AppendUint64(dst, math.Float64bits(v.(float64))), nil
		},
		decode: func(p []byte) (any, error) {
			if len(p) != 8 {
				return nil, payloadError("float64", p)
			}

			return math.Float64frombits(binary.BigEndian.Uint64(p)), nil
		},
	})

	c.add(reflect.TypeFor[complex64](), &codec{
		encode: func(dst []byte, v any) ([]byte, error) {
			x := v.(complex64)
			dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(real(x)))

			return binary.BigEndian.AppendUint32(dst, math.Float32bits(imag(x))), nil
		},
		decode: func(p []byte) (any, error) {
			if len(p) != 8 {
				return nil, payloadError("complex64", p)
			}

			re := math.Float32frombits(binary.BigEndian.Uint32(p))
			im := math.Float32frombits(binary.BigEndian.Uint32(p[4:]))

			return complex(re, im), nil
		},
	})

	c.add(reflect.TypeFor[complex128](), &codec{
		encode: func(dst []byte, v any) ([]byte, error) {
			x := v.(complex128)
			dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(real(x)))

			return binary.BigEndian.AppendUint64(dst, math.Float64bits(imag(x))), nil
		},
		decode: func(p []byte) (any, error) {
			if len(p) != 16 {
				return nil, payloadError("complex128", p)
			}

			re := math.Float64frombits(binary.BigEndian.Uint64(p))
			im := math.Float64frombits(binary.BigEndian.Uint64(p[8:]))

			return complex(re, im), nil
		},
	})

	c.add(reflect.TypeFor[string](), &codec{
		encode: func(dst []byte, v any) ([]byte, error) { return append(dst, v.(string)...), nil },
		decode: func(p []byte) (any, error) { return string(p), nil },
	})

	c.add(reflect.TypeFor[[]byte](), &codec{
		encode: func(dst []byte, v any) ([]byte, error) { return append(dst, v.([]byte)...), nil },
		decode: func(p []byte) (any, error) { return append([]byte{}, p...), nil },
	})

	marker := &codec{
		name: typeMarkerName,
		encode: func(dst []byte, v any) ([]byte, error) {
			t := v.(reflect.Type)
			if markerTypes[t.String()] != t {
				return nil, fmt.Errorf("type marker %s is not a predeclared type: %w", t, ErrEncoding)
			}

			return append(dst, t.String()...), nil
		},
		decode: func(p []byte) (any, error) {
			t, ok := markerTypes[string(p)]
			if !ok {
				return nil, payloadError(typeMarkerName, p)
			}

			return t, nil
		},
	}
	c.byName[typeMarkerName] = marker

	return c
}

func (c *catalog) add(t reflect.Type, cd *codec) {
	cd.name = typeName(t)
	c.byName[cd.name] = cd
	c.byType[t] = cd
}

// forValue returns the codec for value's dynamic type.
func (c *catalog) forValue(value any) (*codec, error) {
	if _, ok := value.(reflect.Type); ok {
		return c.byName[typeMarkerName], nil
	}

	t := reflect.TypeOf(value)

	c.mu.RLock()
	cd, ok := c.byType[t]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("type %s is not registered: %w", t, ErrEncoding)
	}

	return cd, nil
}

func (c *catalog) forName(name string) (*codec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cd, ok := c.byName[name]

	return cd, ok
}

// Register makes the dynamic type of value encodable by [Serializable].
//
// The payload uses [encoding/gob], so the usual gob rules apply (exported
// fields only). The type is persisted by name; a process that bootstraps an
// index must register the same types before decoding them. Registering a
// type twice, or a type that is already built in, is a no-op.
//
// gob writes maps in iteration order, so a type that reaches a map or an
// interface through its exported fields has no canonical encoding. Such
// values work as cache values but [Serializable.EncodeKey] rejects them.
func Register(value any) {
	t := reflect.TypeOf(value)
	if t == nil {
		panic("portability: Register of nil value")
	}

	knownTypes.mu.Lock()
	defer knownTypes.mu.Unlock()

	if _, ok := knownTypes.byType[t]; ok {
		return
	}

	gob.Register(value)

	knownTypes.add(t, &codec{
		encode: func(dst []byte, v any) ([]byte, error) {
			buf := bytes.NewBuffer(dst)

			err := gob.NewEncoder(buf).EncodeValue(reflect.ValueOf(v))
			if err != nil {
				return nil, fmt.Errorf("gob encode %s: %w: %w", t, ErrEncoding, err)
			}

			return buf.Bytes(), nil
		},
		decode: func(p []byte) (any, error) {
			ptr := reflect.New(t)

			err := gob.NewDecoder(bytes.NewReader(p)).DecodeValue(ptr)
			if err != nil {
				return nil, fmt.Errorf("gob decode %s: %w: %w", t, ErrEncoding, err)
			}

			return ptr.Elem().Interface(), nil
		},
		unordered: unordered(t, map[reflect.Type]bool{}),
	})
}

// unordered reports whether gob may encode equal values of t differently.
func unordered(t reflect.Type, seen map[reflect.Type]bool) bool {
	if seen[t] {
		return false
	}

	seen[t] = true

	switch t.Kind() {
	case reflect.Map, reflect.Interface:
		return true
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return unordered(t.Elem(), seen)
	case reflect.Struct:
		for i := range t.NumField() {
			f := t.Field(i)
			if f.IsExported() && unordered(f.Type, seen) {
				return true
			}
		}
	}

	return false
}

// typeName is the persisted name of t. Named types are qualified with
// their full import path so two packages' "Point" do not collide.
func typeName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		return "*" + typeName(t.Elem())
	}

	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}

	return t.String()
}

func payloadError(name string, p []byte) error {
	return fmt.Errorf("malformed %s payload of %d bytes: %w", name, len(p), ErrEncoding)
}

type signedInt interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64
}

type unsignedInt interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

func addSigned[T signedInt](c *catalog) {
	t := reflect.TypeFor[T]()

	c.add(t, &codec{
		encode: func(dst []byte, v any) ([]byte, error) {
			return binary.AppendVarint(dst, int64(v.(T))), nil
		},
		decode: func(p []byte) (any, error) {
			x, n := binary.Varint(p)
			if n <= 0 || n != len(p) || int64(T(x)) != x {
				return nil, payloadError(t.String(), p)
			}

			return T(x), nil
		},
	})
}

func addUnsigned[T unsignedInt](c *catalog) {
	t := reflect.TypeFor[T]()

	c.add(t, &codec{
		encode: func(dst []byte, v any) ([]byte, error) {
			return binary.AppendUvarint(dst, uint64(v.(T))), nil
		},
		decode: func(p []byte) (any, error) {
			x, n := binary.Uvarint(p)
			if n <= 0 || n != len(p) || uint64(T(x)) != x {
				return nil, payloadError(t.String(), p)
			}

			return T(x), nil
		},
	})
}
