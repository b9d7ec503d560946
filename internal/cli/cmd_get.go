package cli

import (
	"context"
	"fmt"
	"log/slog"

	flag "github.com/spf13/pflag"
)

// GetCmd returns the get command.
func GetCmd(cfg *Config, logger *slog.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("get", flag.ContinueOnError),
		Usage: "get <key>",
		Short: "Print a value",
		Long:  "Print the value stored under key. Fails if the key is absent.",
		Exec: func(_ context.Context, io *IO, args []string) error {
			return execGet(io, cfg, logger, args)
		},
	}
}

func execGet(io *IO, cfg *Config, logger *slog.Logger, args []string) error {
	key, err := singleKey(args)
	if err != nil {
		return err
	}

	return withStore(io, cfg, logger, true, func(s *store) error {
		value, ok, err := s.cache.Get(key)
		if err != nil {
			return err
		}

		if !ok {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}

		io.Println(value)

		return nil
	})
}

func singleKey(args []string) (string, error) {
	if len(args) == 0 {
		return "", ErrKeyRequired
	}

	if len(args) > 1 {
		return "", fmt.Errorf("%w: expected <key>", ErrTooManyArgs)
	}

	return args[0], nil
}
