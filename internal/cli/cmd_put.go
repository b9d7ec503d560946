package cli

import (
	"context"
	"fmt"
	"log/slog"

	flag "github.com/spf13/pflag"
)

// PutCmd returns the put command.
func PutCmd(cfg *Config, logger *slog.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("put", flag.ContinueOnError),
		Usage: "put <key> <value>",
		Short: "Store a value",
		Long: `Store value under key, replacing any previous value.

Evicts older entries by clock sweep when the cache is at capacity.`,
		Exec: func(_ context.Context, io *IO, args []string) error {
			return execPut(io, cfg, logger, args)
		},
	}
}

func execPut(io *IO, cfg *Config, logger *slog.Logger, args []string) error {
	switch {
	case len(args) == 0:
		return ErrKeyRequired
	case len(args) == 1:
		return ErrValueRequired
	case len(args) > 2:
		return fmt.Errorf("%w: expected <key> <value>", ErrTooManyArgs)
	}

	return withStore(io, cfg, logger, false, func(s *store) error {
		return s.cache.Put(args[0], args[1])
	})
}
