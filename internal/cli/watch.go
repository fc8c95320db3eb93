package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/g960059/agtpilot/internal/api"
	"github.com/g960059/agtpilot/internal/appclient"
	"github.com/g960059/agtpilot/internal/delivery"
	"github.com/g960059/agtpilot/internal/model"
)

type palette struct {
	status  func(a ...any) string
	prompt  func(a ...any) string
	approve func(a ...any) string
	deny    func(a ...any) string
	faint   func(a ...any) string
}

func newPalette(out io.Writer) palette {
	enabled := false
	if f, ok := out.(*os.File); ok {
		enabled = term.IsTerminal(int(f.Fd()))
	}
	mk := func(attrs ...color.Attribute) func(a ...any) string {
		c := color.New(attrs...)
		if !enabled {
			c.DisableColor()
		}
		return c.SprintFunc()
	}
	return palette{
		status:  mk(color.FgCyan),
		prompt:  mk(color.FgYellow, color.Bold),
		approve: mk(color.FgGreen),
		deny:    mk(color.FgRed),
		faint:   mk(color.FgHiBlack),
	}
}

func (r *Runner) watchCommand() *cobra.Command {
	var jsonOut, once bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the presentation stream",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			pal := newPalette(r.out)
			enc := json.NewEncoder(r.out)
			err := r.client.StreamLoop(cmd.Context(), appclient.StreamLoopOptions{Once: once}, func(frame api.StreamFrame) error {
				if jsonOut {
					return enc.Encode(frame)
				}
				for _, line := range renderFrame(frame, pal) {
					_, _ = fmt.Fprintln(r.out, line)
				}
				return nil
			})
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output raw frames as JSON lines")
	cmd.Flags().BoolVar(&once, "once", false, "exit when the stream ends instead of reconnecting")
	return cmd
}

// renderFrame formats one frame. Batch frames expand into one line per
// payload.
func renderFrame(frame api.StreamFrame, pal palette) []string {
	channel := frame.Channel
	data, err := json.Marshal(frame.Payload)
	if err != nil {
		return []string{channel}
	}
	payloads := []json.RawMessage{data}
	if base, ok := strings.CutSuffix(channel, delivery.BatchSuffix); ok {
		channel = base
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err == nil {
			payloads = items
		}
	}
	lines := make([]string, 0, len(payloads))
	stamp := pal.faint(frame.EmittedAt.Local().Format(time.TimeOnly))
	for _, raw := range payloads {
		lines = append(lines, stamp+" "+renderPayload(channel, raw, pal))
	}
	return lines
}

func renderPayload(channel string, raw json.RawMessage, pal palette) string {
	switch channel {
	case "task:status":
		var v model.StatusChange
		if json.Unmarshal(raw, &v) == nil {
			line := fmt.Sprintf("%s %s -> %s", v.TaskID, v.From, v.To)
			if v.Reason != "" {
				line += " (" + v.Reason + ")"
			}
			return pal.status(line)
		}
	case "task:snapshot":
		var v model.AgentTask
		if json.Unmarshal(raw, &v) == nil {
			return fmt.Sprintf("%s %s %q", v.ID, v.Status, truncate(v.TaskText, 60))
		}
	case "task:progress":
		var v model.ProgressUpdate
		if json.Unmarshal(raw, &v) == nil {
			return fmt.Sprintf("%s iteration %d/%d tools %d target %s",
				v.TaskID, v.Progress.Iteration, v.Progress.MaxIterations, v.Progress.ToolCallCount, dash(v.Progress.CurrentTarget))
		}
	case "task:error":
		var v model.TaskError
		if json.Unmarshal(raw, &v) == nil {
			kind := "error"
			if v.Fatal {
				kind = "fatal"
			}
			return pal.deny(fmt.Sprintf("%s %s: %s", v.TaskID, kind, v.Message))
		}
	case "agent:tool":
		var v model.ToolInvocation
		if json.Unmarshal(raw, &v) == nil {
			return fmt.Sprintf("%s tool %s", v.TaskID, v.ToolName)
		}
	case "agent:toast":
		var v model.Toast
		if json.Unmarshal(raw, &v) == nil {
			return fmt.Sprintf("%s [%s] %s", v.TaskID, v.Level, v.Message)
		}
	case "confirm:request":
		var v model.ConfirmationPrompt
		if json.Unmarshal(raw, &v) == nil {
			line := fmt.Sprintf("CONFIRM %s %s [%s] %s, expires %s (agtpilot confirm | deny)",
				v.Action.ID, v.Action.ToolName, v.Action.Risk, v.Action.Description, v.ExpiresAt.Local().Format(time.TimeOnly))
			if v.Escalated {
				line += fmt.Sprintf(" escalated from %s by %s", v.BaseRisk, v.EscalatedBy)
			}
			return pal.prompt(line)
		}
	case "confirm:result":
		var v model.ConfirmationResult
		if json.Unmarshal(raw, &v) == nil {
			if v.Approved {
				return pal.approve(fmt.Sprintf("%s approved by %s", v.ActionID, v.ResolvedBy))
			}
			return pal.deny(fmt.Sprintf("%s denied by %s", v.ActionID, v.ResolvedBy))
		}
	case "cursor:position":
		return pal.faint("cursor " + string(raw))
	}
	return channel + " " + string(raw)
}
