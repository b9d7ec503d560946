package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/calvinalkan/offheap/pkg/offheap"
	"github.com/calvinalkan/offheap/pkg/paging"
	"github.com/calvinalkan/offheap/pkg/portability"
	"github.com/calvinalkan/offheap/pkg/storage"
)

// store is a string cache over the configured data file and index.
type store struct {
	cache    *offheap.Cache[string, string]
	cfg      *Config
	readOnly bool
}

// openStore restores the cache from the index file if one exists. Without
// an index, a writable open starts an empty cache over a truncated data
// file and a read-only open returns [ErrNoCache].
//
// Writable opens take an exclusive lock on the data file, read-only opens a
// shared one.
func openStore(o *IO, cfg *Config, logger *slog.Logger, readOnly bool) (*store, error) {
	_, err := os.Stat(cfg.IndexFileAbs)

	switch {
	case err == nil:
		return restoreStore(cfg, logger, readOnly)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("stat index: %w", err)
	case readOnly:
		return nil, fmt.Errorf("%w: %s", ErrNoCache, cfg.IndexFileAbs)
	}

	if _, statErr := os.Stat(cfg.DataFileAbs); statErr == nil {
		o.Warn("data file without index "+cfg.DataFileAbs, "its records were discarded; keep the index next to the data file")
	}

	for _, path := range []string{cfg.DataFileAbs, cfg.IndexFileAbs} {
		mkErr := os.MkdirAll(filepath.Dir(path), 0o750)
		if mkErr != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, mkErr)
		}
	}

	src, err := paging.Create(cfg.DataFileAbs, paging.Options{})
	if err != nil {
		return nil, err
	}

	factory, err := storage.NewFileBackedFactory(src, portability.String, portability.String, cfg.storageOptions())
	if err != nil {
		return nil, errors.Join(err, src.Close())
	}

	cache, err := offheap.New[string, string](src, factory, cfg.cacheOptions(logger))
	if err != nil {
		return nil, errors.Join(err, src.Close())
	}

	logger.Debug("created cache", "data", cfg.DataFileAbs)

	return &store{cache: cache, cfg: cfg}, nil
}

func restoreStore(cfg *Config, logger *slog.Logger, readOnly bool) (*store, error) {
	var (
		src     *paging.MappedSource
		factory *storage.FileBackedFactory[string, string]
		err     error
	)

	if readOnly {
		src, err = paging.AttachReadOnly(cfg.DataFileAbs, paging.Options{})
	} else {
		src, err = paging.Attach(cfg.DataFileAbs, paging.Options{})
	}

	if err != nil {
		return nil, err
	}

	if readOnly {
		factory, err = storage.AttachFileBackedReadOnlyFactory(src, portability.String, portability.String, cfg.storageOptions())
	} else {
		factory, err = storage.AttachFileBackedFactory(src, portability.String, portability.String, cfg.storageOptions())
	}

	if err != nil {
		return nil, errors.Join(err, src.Close())
	}

	cache, err := offheap.RestoreIndex[string, string](cfg.IndexFileAbs, src, factory, cfg.cacheOptions(logger))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("restore %s: %w", cfg.IndexFileAbs, err), src.Close())
	}

	logger.Debug("restored cache", "index", cfg.IndexFileAbs, "entries", cache.Len(), "read_only", readOnly)

	return &store{cache: cache, cfg: cfg, readOnly: readOnly}, nil
}

// save flushes the data file and replaces the index.
func (s *store) save() error {
	return offheap.SaveIndex(s.cfg.IndexFileAbs, s.cache)
}

func (s *store) close() error {
	return s.cache.Close()
}

// withStore opens the store, runs fn, saves the index if the store is
// writable and closes it. The index is saved even when fn fails, so
// whatever fn changed before failing is kept.
func withStore(o *IO, cfg *Config, logger *slog.Logger, readOnly bool, fn func(s *store) error) error {
	s, err := openStore(o, cfg, logger, readOnly)
	if err != nil {
		return err
	}

	err = fn(s)

	if !readOnly {
		err = errors.Join(err, s.save())
	}

	return errors.Join(err, s.close())
}
