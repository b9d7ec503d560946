package offheap

import (
	"bytes"
	"fmt"
	"os"

	"github.com/natefinch/atomic"

	"github.com/calvinalkan/offheap/pkg/storage"
)

// SaveIndex flushes c and replaces the index file at path with c's
// persisted index. Readers of path see either the old index or the new
// one, never a partial write.
func SaveIndex[K, V any](path string, c *Cache[K, V]) error {
	err := c.Flush()
	if err != nil {
		return err
	}

	var buf bytes.Buffer

	err = c.Persist(&buf)
	if err != nil {
		return err
	}

	err = atomic.WriteFile(path, &buf)
	if err != nil {
		return fmt.Errorf("write index %s: %w", path, err)
	}

	return nil
}

// RestoreIndex rebuilds a cache from the index file at path. source and
// factory follow the rules of [NewFromStream].
//
// A failed restore closes the partial cache, which closes source.
func RestoreIndex[K, V any](path string, source PageSource, factory storage.Factory[K, V], opts Options) (*Cache[K, V], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	r := bytes.NewReader(data)

	c, err := NewFromStream(r, source, factory, opts)
	if err != nil {
		return nil, err
	}

	err = c.Bootstrap(r)
	if err == nil && r.Len() > 0 {
		err = fmt.Errorf("%d bytes after index trailer: %w", r.Len(), ErrCorrupt)
	}

	if err != nil {
		_ = c.Close()

		return nil, err
	}

	return c, nil
}
