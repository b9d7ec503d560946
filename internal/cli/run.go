package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
)

// Run is the main entry point. Returns exit code.
//
// sigCh may be nil. A signal on it cancels the context commands run with.
func Run(stdin io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := flag.NewFlagSet("ohc", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{}) // discard pflag output

	workDir := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Use specified config `file`")
	dataFile := globals.String("data", "", "Override data file `path`")
	indexFile := globals.String("index", "", "Override index file `path`")
	verbose := globals.BoolP("verbose", "v", false, "Log debug events to stderr")
	help := globals.BoolP("help", "h", false, "Show help")

	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	err := globals.Parse(rest)
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, globals, nil)

		return 1
	}

	if *help || globals.NArg() == 0 {
		printUsage(out, globals, nil)

		return 0
	}

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDirOverride:   *workDir,
		ConfigPath:        *configPath,
		DataFileOverride:  *dataFile,
		IndexFileOverride: *indexFile,
		Verbose:           *verbose,
		Env:               env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, globals, nil)

		return 1
	}

	level, _ := cfg.level() // validated by LoadConfig
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	commands := allCommands(&cfg, logger, stdin, env)

	name := globals.Arg(0)

	cmd, ok := commands[name]
	if !ok {
		fprintln(errOut, "error: unknown command:", name)
		fprintln(errOut)
		printUsage(errOut, globals, commands)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return cmd.Run(ctx, NewIO(out, errOut), globals.Args()[1:])
}

// commandOrder is the order commands appear in usage.
var commandOrder = []string{"put", "get", "rm", "ls", "fill", "stat", "clear", "repl", "print-config"}

func allCommands(cfg *Config, logger *slog.Logger, stdin io.Reader, env map[string]string) map[string]*Command {
	list := []*Command{
		PutCmd(cfg, logger),
		GetCmd(cfg, logger),
		RmCmd(cfg, logger),
		LsCmd(cfg, logger),
		FillCmd(cfg, logger),
		StatCmd(cfg, logger),
		ClearCmd(cfg, logger),
		ReplCmd(cfg, logger, stdin, env),
		PrintConfigCmd(cfg),
	}

	commands := make(map[string]*Command, len(list))
	for _, c := range list {
		commands[c.Name()] = c
	}

	return commands
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

// printUsage prints global help. commands may be nil when config has not
// been loaded; only names and descriptions are read from it.
func printUsage(w io.Writer, globals *flag.FlagSet, commands map[string]*Command) {
	if commands == nil {
		commands = allCommands(&Config{}, slog.New(slog.DiscardHandler), nil, nil)
	}

	fprintln(w, `ohc - persistent off-heap clock cache

Usage: ohc [flags] <command> [args]

Global flags:`)

	var buf strings.Builder

	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})

	_, _ = io.WriteString(w, buf.String())

	fprintln(w)
	fprintln(w, "Commands:")

	for _, name := range commandOrder {
		fprintln(w, commands[name].HelpLine())
	}

	fprintln(w)
	fprintln(w, `Run "ohc <command> --help" for command flags.`)
}
