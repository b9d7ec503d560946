package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

// ReplCmd returns the repl command.
func ReplCmd(cfg *Config, logger *slog.Logger, stdin io.Reader, env map[string]string) *Command {
	return &Command{
		Flags: flag.NewFlagSet("repl", flag.ContinueOnError),
		Usage: "repl",
		Short: "Interactive shell",
		Long: `Open the cache and read commands interactively.

The index is saved on "save" and on exit. Type "help" inside the shell for
the command list.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: repl takes no arguments", ErrTooManyArgs)
			}

			return withStore(o, cfg, logger, false, func(s *store) error {
				r := &repl{store: s, io: o, lines: newLineReader(stdin, env)}
				defer r.lines.Close()

				return r.run(ctx)
			})
		},
	}
}

// lineReader is the part of [liner.State] the shell uses.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// newLineReader returns a liner for the process's own stdin and a plain
// line scanner for anything else.
func newLineReader(stdin io.Reader, env map[string]string) lineReader {
	if f, ok := stdin.(*os.File); ok && f == os.Stdin {
		return newTerminalReader(env)
	}

	if stdin == nil {
		stdin = strings.NewReader("")
	}

	return &scanReader{scanner: bufio.NewScanner(stdin)}
}

type terminalReader struct {
	*liner.State

	historyPath string
}

func newTerminalReader(env map[string]string) *terminalReader {
	t := &terminalReader{State: liner.NewLiner()}
	t.SetCtrlCAborts(true)
	t.SetCompleter(completeCommand)

	if home := env["HOME"]; home != "" {
		t.historyPath = filepath.Join(home, ".ohc_history")
	}

	if t.historyPath != "" {
		if f, err := os.Open(t.historyPath); err == nil {
			_, _ = t.ReadHistory(f)
			_ = f.Close()
		}
	}

	return t
}

// Close saves history and restores the terminal.
func (t *terminalReader) Close() error {
	if t.historyPath != "" {
		if f, err := os.Create(t.historyPath); err == nil {
			_, _ = t.WriteHistory(f)
			_ = f.Close()
		}
	}

	return t.State.Close()
}

type scanReader struct {
	scanner *bufio.Scanner
}

func (s *scanReader) Prompt(string) (string, error) {
	if s.scanner.Scan() {
		return s.scanner.Text(), nil
	}

	if err := s.scanner.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (*scanReader) AppendHistory(string) {}

func (*scanReader) Close() error { return nil }

var replCommands = []string{"put", "get", "rm", "ls", "len", "stat", "save", "clear", "help", "exit"}

func completeCommand(line string) []string {
	var out []string

	for _, c := range replCommands {
		if strings.HasPrefix(c, strings.ToLower(line)) {
			out = append(out, c)
		}
	}

	return out
}

type repl struct {
	store *store
	io    *IO
	lines lineReader
}

func (r *repl) run(ctx context.Context) error {
	for ctx.Err() == nil {
		line, err := r.lines.Prompt("ohc> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		r.lines.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			return nil
		}

		err = r.dispatch(cmd, args, line)
		if err != nil {
			r.io.Println("error:", err)
		}
	}

	return nil
}

func (r *repl) dispatch(cmd string, args []string, line string) error {
	cache := r.store.cache

	switch cmd {
	case "help", "?":
		r.printHelp()

		return nil

	case "put", "set":
		if len(args) < 2 {
			return fmt.Errorf("%w: put <key> <value>", ErrValueRequired)
		}

		err := cache.Put(args[0], afterFields(line, 2))
		if err != nil {
			return err
		}

		r.io.Println("OK")

		return nil

	case "get":
		key, err := singleKey(args)
		if err != nil {
			return err
		}

		value, ok, err := cache.Get(key)
		if err != nil {
			return err
		}

		if !ok {
			r.io.Println("(not found)")

			return nil
		}

		r.io.Println(value)

		return nil

	case "rm", "del":
		key, err := singleKey(args)
		if err != nil {
			return err
		}

		removed, err := cache.Remove(key)
		if err != nil {
			return err
		}

		if removed {
			r.io.Println("OK")
		} else {
			r.io.Println("(not found)")
		}

		return nil

	case "ls":
		return printEntries(r.io, r.store, 0, false)

	case "len", "count":
		r.io.Println(cache.Len())

		return nil

	case "stat":
		st := cache.Stats()
		r.io.Printf("entries=%d occupied_bytes=%d evictions=%d segments=%d table_slots=%d\n",
			st.Entries, st.OccupiedMemory, st.Evictions, st.Segments, st.TableSlots)

		return nil

	case "save":
		err := r.store.save()
		if err != nil {
			return err
		}

		r.io.Println("saved", r.store.cfg.IndexFileAbs)

		return nil

	case "clear":
		err := cache.Clear()
		if err != nil {
			return err
		}

		r.io.Println("OK")

		return nil

	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

// afterFields returns line without its first n fields, inner spacing
// intact.
func afterFields(line string, n int) string {
	s := strings.TrimSpace(line)

	for range n {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			return ""
		}

		s = strings.TrimLeftFunc(s[i:], unicode.IsSpace)
	}

	return s
}

func (r *repl) printHelp() {
	r.io.Println(`Commands:
  put <key> <value>   Store value (rest of the line)
  get <key>           Print value
  rm <key>            Remove key
  ls                  List entries sorted by key
  len                 Entry count
  stat                Cache statistics
  save                Write the index now
  clear               Remove every entry
  exit                Save and leave`)
}
