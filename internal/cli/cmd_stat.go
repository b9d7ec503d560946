package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"
)

// StatCmd returns the stat command.
func StatCmd(cfg *Config, logger *slog.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("stat", flag.ContinueOnError),
		Usage: "stat",
		Short: "Show cache statistics",
		Long:  "Show entry count, occupied bytes, table and file sizes.",
		Exec: func(_ context.Context, io *IO, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: stat takes no arguments", ErrTooManyArgs)
			}

			return withStore(io, cfg, logger, true, func(s *store) error {
				return printStats(io, s)
			})
		},
	}
}

func printStats(io *IO, s *store) error {
	st := s.cache.Stats()

	io.Printf("entries=%d\n", st.Entries)
	io.Printf("occupied_bytes=%d\n", st.OccupiedMemory)
	io.Printf("segments=%d\n", st.Segments)
	io.Printf("table_slots=%d\n", st.TableSlots)

	for _, f := range []struct{ name, path string }{
		{"data_file_bytes", s.cfg.DataFileAbs},
		{"index_file_bytes", s.cfg.IndexFileAbs},
	} {
		info, err := os.Stat(f.path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", f.path, err)
		}

		io.Printf("%s=%d\n", f.name, info.Size())
	}

	return nil
}
