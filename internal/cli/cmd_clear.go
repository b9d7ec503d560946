package cli

import (
	"context"
	"fmt"
	"log/slog"

	flag "github.com/spf13/pflag"
)

// ClearCmd returns the clear command.
func ClearCmd(cfg *Config, logger *slog.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("clear", flag.ContinueOnError),
		Usage: "clear",
		Short: "Remove every entry",
		Long:  "Remove every entry and shrink the tables back to their initial size.",
		Exec: func(_ context.Context, io *IO, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: clear takes no arguments", ErrTooManyArgs)
			}

			return withStore(io, cfg, logger, false, func(s *store) error {
				return s.cache.Clear()
			})
		},
	}
}
