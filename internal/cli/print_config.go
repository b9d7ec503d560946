package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(cfg *Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return execPrintConfig(io, cfg)
		},
	}
}

func execPrintConfig(io *IO, cfg *Config) error {
	io.Println("effective_cwd=" + cfg.EffectiveCwd)
	io.Println("data_file=" + cfg.DataFileAbs)
	io.Println("index_file=" + cfg.IndexFileAbs)
	io.Println("log_level=" + cfg.LogLevel)

	optional := []struct {
		name  string
		value int64
	}{
		{"segments", int64(cfg.Segments)},
		{"table_size", int64(cfg.TableSize)},
		{"max_table_size", int64(cfg.MaxTableSize)},
		{"chunk_size", int64(cfg.ChunkSize)},
		{"max_bytes", cfg.MaxBytes},
		{"max_entries", int64(cfg.MaxEntries)},
		{"max_memory", cfg.MaxMemory},
	}

	for _, o := range optional {
		if o.value != 0 {
			io.Println(fmt.Sprintf("%s=%d", o.name, o.value))
		}
	}

	io.Println("")
	io.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		io.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			io.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			io.Println("project_config=" + cfg.Sources.Project)
		}
	}

	return nil
}
