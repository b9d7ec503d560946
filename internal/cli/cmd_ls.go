package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	flag "github.com/spf13/pflag"
)

// LsCmd returns the ls command.
func LsCmd(cfg *Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("ls", flag.ContinueOnError)
	flags.IntP("limit", "n", 0, "Print at most this many entries")
	flags.Bool("keys", false, "Print keys only")

	return &Command{
		Flags: flags,
		Usage: "ls [flags]",
		Short: "List entries sorted by key",
		Exec: func(_ context.Context, io *IO, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: ls takes no arguments", ErrTooManyArgs)
			}

			limit, _ := flags.GetInt("limit")
			keysOnly, _ := flags.GetBool("keys")

			return withStore(io, cfg, logger, true, func(s *store) error {
				return printEntries(io, s, limit, keysOnly)
			})
		},
	}
}

func printEntries(io *IO, s *store, limit int, keysOnly bool) error {
	entries := make(map[string]string, s.cache.Len())

	err := s.cache.Range(func(key, value string) bool {
		entries[key] = value

		return true
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}

	for _, k := range keys {
		if keysOnly {
			io.Println(k)
		} else {
			io.Println(k + "=" + entries[k])
		}
	}

	return nil
}
