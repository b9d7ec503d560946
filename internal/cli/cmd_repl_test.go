package cli_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/offheap/internal/cli"
)

func Test_Repl_Runs_Script_When_Stdin_Is_Not_A_Terminal(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	script := strings.Join([]string{
		"# comments and blank lines are skipped",
		"",
		"put greeting Hello   World",
		"get greeting",
		"get missing",
		"put a 1",
		"rm a",
		"rm a",
		"len",
		"bogus",
		"exit",
		"put never reached",
	}, "\n")

	stdout, stderr, code := c.RunWithInput(script, "repl")
	require.Equal(t, 0, code, "stderr: %s", stderr)

	want := []string{
		"OK",
		"Hello   World",
		"(not found)",
		"OK",
		"OK",
		"(not found)",
		"1",
		"error: unknown command: bogus (type 'help' for commands)",
	}

	if diff := cmp.Diff(want, strings.Split(strings.TrimSpace(stdout), "\n")); diff != "" {
		t.Fatalf("repl output mismatch (-want +got):\n%s", diff)
	}

	// The index is saved when the shell exits.
	require.Equal(t, "Hello   World", c.MustRun("get", "greeting"))
	cli.AssertContains(t, c.MustFail("get", "never"), "key not found")
}

func Test_Repl_Saves_Index_When_Input_Ends_Without_Exit(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("put", "existing", "old")

	stdout, _, code := c.RunWithInput("get existing\nput fresh new\nstat\nls", "repl")
	require.Equal(t, 0, code)

	cli.AssertContains(t, stdout, "old")
	cli.AssertContains(t, stdout, "entries=2 ")
	cli.AssertContains(t, stdout, "existing=old\nfresh=new")

	require.Equal(t, "new", c.MustRun("get", "fresh"))
}

func Test_Repl_Save_Command_Writes_Index_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout, _, code := c.RunWithInput("put k v\nsave\nclear\nlen", "repl")
	require.Equal(t, 0, code)

	cli.AssertContains(t, stdout, "saved "+c.IndexFile())
	require.FileExists(t, c.IndexFile())

	// clear happened after the explicit save; the exit save records it.
	cli.AssertContains(t, c.MustRun("stat"), "entries=0")
}

func Test_Repl_Reports_Usage_Errors_Without_Exiting_When_Arguments_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout, _, code := c.RunWithInput("put onlykey\nget\nhelp\nlen", "repl")
	require.Equal(t, 0, code)

	cli.AssertContains(t, stdout, "error: value is required")
	cli.AssertContains(t, stdout, "error: key is required")
	cli.AssertContains(t, stdout, "Commands:")
	require.True(t, strings.HasSuffix(strings.TrimSpace(stdout), "0"))
}
