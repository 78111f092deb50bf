package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("dump"),
	readline.PcItem("compact"),
	readline.PcItem("reformat"),
	readline.PcItem("stats"),
	readline.PcItem("info"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

const shellHelp = `Commands:
  key?        - Query the value of key
  key=value   - Set key to a text value
  key:hex     - Set key to binary data given as hex
  key=        - Delete key
  dump        - Show all pairs
  compact     - Compact the parameter area
  reformat    - Erase and recreate the parameter area (local device only)
  info        - Show the area layout and occupancy
  stats       - Show operation statistics
  help        - Show this help
  exit        - Leave the editor
`

// shell runs editor lines against a backend
type shell struct {
	b        backend
	reformat func(ctx context.Context) error
	out      io.Writer
}

// exec runs one line and reports whether the editor should exit
func (sh *shell) exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "exit", "quit":
		return true
	case "help":
		fmt.Fprint(sh.out, shellHelp)
		return false
	}

	if err := sh.run(ctx, line); err != nil {
		fmt.Fprintf(sh.out, "! Operation failed: %v\n", err)
	}
	return false
}

func (sh *shell) run(ctx context.Context, line string) error {
	switch line {
	case "dump":
		pairs, err := sh.b.Dump(ctx)
		if err != nil {
			return err
		}
		writePairs(sh.out, pairs)
		return nil
	case "compact":
		return sh.b.Compact(ctx)
	case "reformat":
		if sh.reformat == nil {
			return errLocalOnly
		}
		fmt.Fprintln(sh.out, "Reformatting parameter area...")
		return sh.reformat(ctx)
	case "info":
		st, err := sh.b.Info(ctx)
		if err != nil {
			return err
		}
		writeStatus(sh.out, st)
		return nil
	case "stats":
		stats, err := sh.b.Statistics(ctx)
		if err != nil {
			return err
		}
		for _, l := range flattenStats(stats) {
			fmt.Fprintln(sh.out, l)
		}
		return nil
	}

	if key, ok := strings.CutSuffix(line, "?"); ok {
		fmt.Fprintf(sh.out, "Querying '%s'...\n", key)
		value, bin, err := sh.b.GetData(ctx, key)
		if err != nil {
			return err
		}
		if bin {
			fmt.Fprintf(sh.out, "%s:%s\n", key, hex.EncodeToString(value))
		} else {
			fmt.Fprintf(sh.out, "%s=%s\n", key, value)
		}
		return nil
	}

	if key, value, ok := strings.Cut(line, "="); ok {
		if value == "" {
			fmt.Fprintf(sh.out, "Deleting '%s'...\n", key)
			return sh.b.Delete(ctx, key)
		}
		fmt.Fprintf(sh.out, "Setting '%s' to '%s'...\n", key, value)
		return sh.b.SetData(ctx, key, []byte(value), false)
	}

	if key, value, ok := strings.Cut(line, ":"); ok {
		data, err := hex.DecodeString(value)
		if err != nil {
			return fmt.Errorf("value is not hex: %w", err)
		}
		fmt.Fprintf(sh.out, "Setting '%s' to %d bytes of binary data...\n", key, len(data))
		return sh.b.SetData(ctx, key, data, true)
	}

	return errors.New("unrecognized command, type help for a list")
}

func newShellCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Edit parameters interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			sh := &shell{b: b}
			target := c.remote
			if lb, ok := b.(*localBackend); ok {
				sh.reformat = lb.reformat
				target = c.cfg.ImagePath
			}
			return runShell(cmd.Context(), sh, target)
		},
	}
}

func runShell(ctx context.Context, sh *shell, target string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "sysparam> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".sysparam_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	sh.out = rl.Stdout()
	fmt.Fprintf(sh.out, "sysparam %s editing %s\n", version, target)
	fmt.Fprintln(sh.out, "Enter help for usage hints.")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if sh.exec(ctx, line) {
			return nil
		}
	}
}
