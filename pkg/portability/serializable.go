package portability

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"

	"github.com/calvinalkan/offheap/internal/wire"
)

// Registry limits.
const (
	maxRegistryEntries = 1 << 20
	maxTypeNameBytes   = 4 << 10
)

//nolint:gochecknoglobals // stream markers
var (
	registryMagic = [4]byte{'O', 'H', 'T', 'R'}
)

// nilTypeID encodes a nil value. Real ids start at 1.
const nilTypeID = 0

// Registry assigns stable integer ids to type names.
//
// Ids are handed out on first sighting and never change. After
// [Registry.Bootstrap] the restored ids are kept and new types continue
// above the highest restored id.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	ids    map[string]uint64
	names  map[uint64]string
	nextID uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ids:    make(map[string]uint64),
		names:  make(map[uint64]string),
		nextID: nilTypeID + 1,
	}
}

// Len returns the number of assigned ids.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.ids)
}

// ID returns the id assigned to name, assigning the next free one if name
// has not been seen. Concurrent first sightings of the same name agree on
// one id.
func (r *Registry) ID(name string) uint64 {
	r.mu.RLock()
	id, ok := r.ids[name]
	r.mu.RUnlock()

	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.ids[name]; ok {
		return id
	}

	id = r.nextID
	r.nextID++
	r.ids[name] = id
	r.names[id] = name

	return id
}

// Name returns the type name bound to id.
func (r *Registry) Name(id uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.names[id]

	return name, ok
}

// Persist writes every (id, name) pair in id order.
func (r *Registry) Persist(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint64, 0, len(r.names))
	for id := range r.names {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	ww := wire.NewWriter(w)
	ww.Magic(registryMagic)
	ww.Uint32(uint32(len(ids)))

	for _, id := range ids {
		ww.Uint64(id)
		ww.String(r.names[id])
	}

	if err := ww.Err(); err != nil {
		return fmt.Errorf("persist type registry: %w", err)
	}

	return nil
}

// Bootstrap restores pairs written by [Registry.Persist].
//
// Pairs already present are accepted; an id or name bound differently in
// this registry is [ErrInvalidOperation]. Type names are resolved lazily,
// at decode time, so types no longer in use need not be registered.
func (r *Registry) Bootstrap(rd io.Reader) error {
	wr := wire.NewReader(rd)

	if !wr.Magic(registryMagic) {
		if err := wr.Err(); err != nil {
			return fmt.Errorf("bootstrap type registry: %w", err)
		}

		return fmt.Errorf("bad registry marker: %w", ErrCorrupt)
	}

	count := wr.Uint32()
	if wr.Err() == nil && count > maxRegistryEntries {
		return fmt.Errorf("registry claims %d entries: %w", count, ErrCorrupt)
	}

	ids := make(map[string]uint64, count)
	names := make(map[uint64]string, count)

	for range count {
		id := wr.Uint64()
		name := wr.String(maxTypeNameBytes)

		if wr.Err() != nil {
			break
		}

		if id == nilTypeID || name == "" {
			return fmt.Errorf("registry entry %d=%q: %w", id, name, ErrCorrupt)
		}

		if _, dup := names[id]; dup {
			return fmt.Errorf("registry id %d repeated: %w", id, ErrCorrupt)
		}

		if _, dup := ids[name]; dup {
			return fmt.Errorf("registry name %q repeated: %w", name, ErrCorrupt)
		}

		ids[name] = id
		names[id] = name
	}

	if err := wr.Err(); err != nil {
		return fmt.Errorf("bootstrap type registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, name := range names {
		if have, ok := r.names[id]; ok && have != name {
			return fmt.Errorf("id %d is %q here, %q in stream: %w", id, have, name, ErrInvalidOperation)
		}

		if have, ok := r.ids[name]; ok && have != id {
			return fmt.Errorf("type %q is id %d here, %d in stream: %w", name, have, id, ErrInvalidOperation)
		}
	}

	for id, name := range names {
		r.names[id] = name
		r.ids[name] = id

		if id >= r.nextID {
			r.nextID = id + 1
		}
	}

	return nil
}

// Serializable encodes any value whose type is built in or was passed to
// [Register], prefixing each encoding with a registry id for its type.
//
// Built-in types are bool, every integer, float and complex kind, string,
// []byte, and [reflect.Type] markers for the predeclared types. Decoding a
// marker yields the very same [reflect.Type] each time, so markers compare
// equal with ==.
//
// T constrains what Decode returns: with T = any every supported value
// round-trips; with a concrete T, decoding another type is [ErrEncoding].
type Serializable[T any] struct {
	registry *Registry
}

var (
	_ KeyPortability[any] = (*Serializable[any])(nil)
	_ Stateful            = (*Serializable[any])(nil)
)

// NewSerializable returns a Serializable with an empty registry.
func NewSerializable[T any]() *Serializable[T] {
	return &Serializable[T]{registry: NewRegistry()}
}

// Registry returns the type registry backing s.
func (s *Serializable[T]) Registry() *Registry { return s.registry }

// Encode encodes value.
func (s *Serializable[T]) Encode(value T) ([]byte, error) {
	v := any(value)
	if v == nil {
		return binary.AppendUvarint(nil, nilTypeID), nil
	}

	cd, err := knownTypes.forValue(v)
	if err != nil {
		return nil, err
	}

	// Encode the payload first so a failed encode never claims an id.
	payload, err := cd.encode(nil, v)
	if err != nil {
		return nil, err
	}

	out := binary.AppendUvarint(make([]byte, 0, len(payload)+binary.MaxVarintLen64), s.registry.ID(cd.name))

	return append(out, payload...), nil
}

// EncodeKey encodes value like Encode, but returns [ErrEncoding] when value's
// type has no canonical encoding (see [Register]).
func (s *Serializable[T]) EncodeKey(value T) ([]byte, error) {
	if v := any(value); v != nil {
		cd, err := knownTypes.forValue(v)
		if err != nil {
			return nil, err
		}

		if cd.unordered {
			return nil, fmt.Errorf("type %s holds maps or interfaces and cannot be a key: %w", cd.name, ErrEncoding)
		}
	}

	return s.Encode(value)
}

// Decode decodes bytes produced by Encode on s or on a Serializable whose
// registry was bootstrapped from s.
func (s *Serializable[T]) Decode(encoded []byte) (T, error) {
	var zero T

	id, n := binary.Uvarint(encoded)
	if n <= 0 {
		return zero, fmt.Errorf("bad type id prefix: %w", ErrEncoding)
	}

	if id == nilTypeID {
		if reflect.TypeFor[T]().Kind() != reflect.Interface {
			return zero, fmt.Errorf("nil for non-interface %s: %w", reflect.TypeFor[T](), ErrEncoding)
		}

		return zero, nil
	}

	name, ok := s.registry.Name(id)
	if !ok {
		return zero, fmt.Errorf("type id %d not in registry: %w", id, ErrUnknownType)
	}

	cd, ok := knownTypes.forName(name)
	if !ok {
		return zero, fmt.Errorf("type %q: %w", name, ErrUnknownType)
	}

	v, err := cd.decode(encoded[n:])
	if err != nil {
		return zero, err
	}

	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("decoded %T, want %s: %w", v, reflect.TypeFor[T](), ErrEncoding)
	}

	return typed, nil
}

// Persist writes the type registry.
func (s *Serializable[T]) Persist(w io.Writer) error { return s.registry.Persist(w) }

// Bootstrap restores the type registry.
func (s *Serializable[T]) Bootstrap(r io.Reader) error { return s.registry.Bootstrap(r) }
