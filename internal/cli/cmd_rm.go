package cli

import (
	"context"
	"fmt"
	"log/slog"

	flag "github.com/spf13/pflag"
)

// RmCmd returns the rm command.
func RmCmd(cfg *Config, logger *slog.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("rm", flag.ContinueOnError),
		Usage: "rm <key>",
		Short: "Remove a value",
		Long:  "Remove key and free its record. Fails if the key is absent.",
		Exec: func(_ context.Context, io *IO, args []string) error {
			return execRm(io, cfg, logger, args)
		},
	}
}

func execRm(io *IO, cfg *Config, logger *slog.Logger, args []string) error {
	key, err := singleKey(args)
	if err != nil {
		return err
	}

	return withStore(io, cfg, logger, false, func(s *store) error {
		removed, err := s.cache.Remove(key)
		if err != nil {
			return err
		}

		if !removed {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}

		return nil
	})
}
