package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g960059/agtpilot/internal/appclient"
	"github.com/g960059/agtpilot/internal/config"
)

// Runner executes one agtpilot invocation against the daemon.
type Runner struct {
	client    *appclient.Client
	newClient func(socketPath string) *appclient.Client
	in        io.Reader
	out       io.Writer
	errOut    io.Writer
}

func NewRunner(out, errOut io.Writer) *Runner {
	return newRunner(appclient.New, out, errOut)
}

// NewRunnerWithClient ignores --socket and talks to baseURL instead.
func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	fixed := appclient.NewWithClient(baseURL, client)
	return newRunner(func(string) *appclient.Client { return fixed }, out, errOut)
}

func newRunner(newClient func(string) *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{newClient: newClient, in: os.Stdin, out: out, errOut: errOut}
}

// WithInput replaces stdin, which only the keys console reads.
func (r *Runner) WithInput(in io.Reader) *Runner {
	r.in = in
	return r
}

// usageError maps to exit status 2.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return &usageError{err: fmt.Errorf("%s: %w", cmd.UseLine(), err)}
		}
		return nil
	}
}

// Run executes args and returns the process exit status.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var ue *usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}

func (r *Runner) rootCommand() *cobra.Command {
	var socketPath string
	root := &cobra.Command{
		Use:           "agtpilot",
		Short:         "Supervise and steer the agent through agtpilotd",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			r.client = r.newClient(socketPath)
		},
	}
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	root.SetIn(r.in)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})
	root.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultConfig().SocketPath, "UDS path for agtpilotd")

	root.AddCommand(
		r.startCommand(),
		r.stopCommand(),
		r.simpleCommand("pause", appclient.CommandPause, "Pause the active task"),
		r.simpleCommand("resume", appclient.CommandResume, "Resume the paused task"),
		r.simpleCommand("confirm", appclient.CommandConfirm, "Approve the pending sensitive action"),
		r.simpleCommand("deny", appclient.CommandDeny, "Deny the pending sensitive action"),
		r.simpleCommand("cycle-target", appclient.CommandCycleTarget, "Rotate the active task's targets"),
		r.statusCommand(),
		r.historyCommand(),
		r.watchCommand(),
		r.triggerCommand(),
		r.keysCommand(),
		r.keymapCommand(),
		r.configCommand(),
	)
	return root
}

func (r *Runner) writeJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
