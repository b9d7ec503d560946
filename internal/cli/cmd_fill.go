package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
)

// FillCmd returns the fill command.
func FillCmd(cfg *Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("fill", flag.ContinueOnError)
	flags.String("prefix", "key-", "Key prefix")
	flags.Int("start", 0, "First key number")
	flags.Int("value-size", 0, "Pad values to this many bytes")

	return &Command{
		Flags: flags,
		Usage: "fill <count> [flags]",
		Short: "Insert generated entries",
		Long: `Insert count entries named <prefix><n>, starting at --start.

An interrupt stops the fill early; entries written so far are kept.`,
		Exec: func(ctx context.Context, io *IO, args []string) error {
			prefix, _ := flags.GetString("prefix")
			start, _ := flags.GetInt("start")
			valueSize, _ := flags.GetInt("value-size")

			return execFill(ctx, io, cfg, logger, args, prefix, start, valueSize)
		},
	}
}

func execFill(
	ctx context.Context, io *IO, cfg *Config, logger *slog.Logger,
	args []string, prefix string, start, valueSize int,
) error {
	if len(args) == 0 {
		return ErrInvalidCount
	}

	if len(args) > 1 {
		return fmt.Errorf("%w: expected <count>", ErrTooManyArgs)
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCount, args[0])
	}

	if valueSize < 0 {
		return fmt.Errorf("%w: value-size=%d", ErrNegativeSetting, valueSize)
	}

	return withStore(io, cfg, logger, false, func(s *store) error {
		before := s.cache.Stats().Evictions
		written := 0

		for i := start; i < start+count; i++ {
			if ctx.Err() != nil {
				break
			}

			err := s.cache.Put(prefix+strconv.Itoa(i), fillValue(i, valueSize))
			if err != nil {
				return fmt.Errorf("put %s%d: %w", prefix, i, err)
			}

			written++
		}

		st := s.cache.Stats()
		io.Printf("filled %d entries (entries=%d evictions=%d)\n", written, st.Entries, st.Evictions-before)

		return ctx.Err()
	})
}

func fillValue(i, size int) string {
	v := "value-" + strconv.Itoa(i)
	if len(v) >= size {
		return v
	}

	return v + strings.Repeat(".", size-len(v))
}
