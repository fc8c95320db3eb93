package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/g960059/agtpilot/internal/api"
	"github.com/g960059/agtpilot/internal/dispatch"
)

// consoleOrigin marks triggers from the keys console. It is not a
// text-entry origin, so the dispatcher always acts on them.
const consoleOrigin = "console"

var consoleKeys = map[byte]dispatch.Command{
	's': dispatch.CommandEmergencyStop,
	'x': dispatch.CommandEmergencyStop,
	'p': dispatch.CommandTogglePause,
	'y': dispatch.CommandConfirmPending,
	'n': dispatch.CommandDenyPending,
	't': dispatch.CommandCycleTarget,
}

// The console sends menu triggers, so its letters are fixed and do not
// follow the daemon's configured key chords.
const consoleHelp = "menu keys: s/x stop  p pause/resume  y confirm  n deny  t cycle target  q quit"

func (r *Runner) keysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Menu-style single-key console with fixed letters",
		Long: "keys reads single letters and sends them as menu triggers. The letters are\n" +
			"fixed; the daemon's configured key chords are listed by 'agtpilot keymap'\n" +
			"and sent with 'agtpilot trigger <chord>'.",
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f, ok := r.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
				state, err := term.MakeRaw(int(f.Fd()))
				if err != nil {
					return fmt.Errorf("enter raw mode: %w", err)
				}
				defer func() { _ = term.Restore(int(f.Fd()), state) }()
			}
			return r.keyLoop(cmd.Context(), r.in)
		},
	}
}

// keyLoop reads single bytes until q, ctrl-c, ctrl-d or end of input.
func (r *Runner) keyLoop(ctx context.Context, in io.Reader) error {
	// Raw mode disables output post-processing, so lines end in \r\n.
	_, _ = fmt.Fprint(r.out, consoleHelp+"\r\n")
	reader := bufio.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		b, err := reader.ReadByte()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch b {
		case 'q', 3, 4:
			return nil
		case '\r', '\n', ' ':
			continue
		}
		cmd, ok := consoleKeys[b]
		if !ok {
			_, _ = fmt.Fprintf(r.out, "unbound key %q\r\n", b)
			continue
		}
		resp, err := r.client.Trigger(ctx, api.TriggerRequest{Source: string(dispatch.SourceMenu), Command: string(cmd), Origin: consoleOrigin})
		if err != nil {
			_, _ = fmt.Fprintf(r.out, "%s: %v\r\n", cmd, err)
			continue
		}
		if resp.Ignored {
			_, _ = fmt.Fprintf(r.out, "%s: ignored (%s)\r\n", cmd, resp.Reason)
			continue
		}
		if resp.Outcome.Applied {
			_, _ = fmt.Fprintf(r.out, "%s: applied task=%s\r\n", cmd, resp.Outcome.TaskID)
		} else {
			_, _ = fmt.Fprintf(r.out, "%s: skipped (%s)\r\n", cmd, resp.Outcome.Reason)
		}
	}
}

func (r *Runner) keymapCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "keymap",
		Short: "List the key chords the daemon dispatches",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.Keymap(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeJSON(resp)
			}
			tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "COMMAND\tCHORDS")
			for _, b := range resp.Bindings {
				chords := "(menu only)"
				if len(b.Chords) > 0 {
					chords = strings.Join(b.Chords, ", ")
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\n", b.Command, chords)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
