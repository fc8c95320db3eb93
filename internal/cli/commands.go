package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/agtpilot/internal/api"
	"github.com/g960059/agtpilot/internal/config"
	"github.com/g960059/agtpilot/internal/model"
)

func (r *Runner) startCommand() *cobra.Command {
	var targets []string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "start <task text>",
		Short: "Start a task",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return &usageError{err: fmt.Errorf("task text is required")}
			}
			resp, err := r.client.StartTask(cmd.Context(), text, targets)
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeJSON(resp)
			}
			_, _ = fmt.Fprintf(r.out, "started %s (%s)\n", resp.Task.ID, resp.Task.Status)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&targets, "target", nil, "target the agent acts on (repeatable)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [task-id]",
		Short: "Stop a task, the active one by default",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := ""
			if len(args) == 1 {
				taskID = args[0]
			}
			resp, err := r.client.Stop(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			r.printOutcome("stop", resp.Outcome)
			return nil
		},
	}
}

func (r *Runner) simpleCommand(use, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.Command(cmd.Context(), name)
			if err != nil {
				return err
			}
			r.printOutcome(name, resp.Outcome)
			return nil
		},
	}
}

func (r *Runner) printOutcome(name string, outcome model.CommandOutcome) {
	if outcome.Applied {
		_, _ = fmt.Fprintf(r.out, "%s: applied task=%s\n", name, outcome.TaskID)
		return
	}
	_, _ = fmt.Fprintf(r.out, "%s: skipped (%s)\n", name, outcome.Reason)
}

func (r *Runner) statusCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List tasks and the pending confirmation",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := r.client.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeJSON(env)
			}
			if len(env.Tasks) == 0 {
				_, _ = fmt.Fprintln(r.out, "no tasks")
				return nil
			}
			tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tITER\tTOOLS\tTARGET\tTASK")
			for _, item := range env.Tasks {
				id := item.ID
				if item.Active {
					id = "*" + id
				}
				iter := fmt.Sprintf("%d", item.Progress.Iteration)
				if item.Progress.MaxIterations > 0 {
					iter = fmt.Sprintf("%d/%d", item.Progress.Iteration, item.Progress.MaxIterations)
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					id, item.Status, iter, item.Progress.ToolCallCount, dash(item.Progress.CurrentTarget), truncate(item.TaskText, 48))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, item := range env.Tasks {
				if item.PendingAction == nil {
					continue
				}
				a := item.PendingAction
				_, _ = fmt.Fprintf(r.out, "pending %s: %s [%s] %s (expires in %ds)\n",
					a.ID, a.ToolName, a.Risk, a.Description, a.TimeoutSeconds)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) historyCommand() *cobra.Command {
	var taskID string
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded tasks, or one task's transitions, and confirmations",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return &usageError{err: fmt.Errorf("--limit must not be negative")}
			}
			ctx := cmd.Context()
			var tasks []model.AgentTask
			var transitions []model.StatusChange
			if taskID != "" {
				env, err := r.client.ListTransitions(ctx, taskID)
				if err != nil {
					return err
				}
				transitions = env.Transitions
			} else {
				env, err := r.client.ListHistory(ctx, limit)
				if err != nil {
					return err
				}
				tasks = env.Tasks
			}
			confirmations, err := r.client.ListConfirmations(ctx, taskID)
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeJSON(struct {
					TaskID        string                 `json:"task_id,omitempty"`
					Tasks         []model.AgentTask      `json:"tasks,omitempty"`
					Transitions   []model.StatusChange   `json:"transitions,omitempty"`
					Confirmations []api.ConfirmationItem `json:"confirmations"`
				}{taskID, tasks, transitions, confirmations.Confirmations})
			}
			for _, task := range tasks {
				_, _ = fmt.Fprintf(r.out, "%s  %s %s %q\n",
					task.CreatedAt.Format(time.RFC3339), task.ID, task.Status, truncate(task.TaskText, 48))
			}
			for _, tr := range transitions {
				line := fmt.Sprintf("%s  %s -> %s", tr.At.Format(time.RFC3339), tr.From, tr.To)
				if tr.Reason != "" {
					line += "  (" + tr.Reason + ")"
				}
				_, _ = fmt.Fprintln(r.out, line)
			}
			for _, item := range confirmations.Confirmations {
				_, _ = fmt.Fprintf(r.out, "%s  %s %s [%s] %s\n",
					item.Action.CreatedAt.Format(time.RFC3339), item.Action.ID, item.Action.ToolName, item.Action.Risk, confirmationVerdict(item.Result))
			}
			if len(tasks) == 0 && len(transitions) == 0 && len(confirmations.Confirmations) == 0 {
				_, _ = fmt.Fprintln(r.out, "no history")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "limit to one task")
	cmd.Flags().IntVar(&limit, "limit", 20, "most recent tasks to list without --task, 0 for all")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func confirmationVerdict(res *model.ConfirmationResult) string {
	switch {
	case res == nil:
		return "pending"
	case res.Approved:
		return "approved by " + string(res.ResolvedBy)
	default:
		return "denied by " + string(res.ResolvedBy)
	}
}

func (r *Runner) triggerCommand() *cobra.Command {
	var origin string
	var menu bool
	cmd := &cobra.Command{
		Use:   "trigger <key-chord|command>",
		Short: "Send a key chord, or a menu command with --menu",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.TriggerRequest{Source: "key", Key: args[0], Origin: origin}
			if menu {
				req = api.TriggerRequest{Source: "menu", Command: args[0], Origin: origin}
			}
			resp, err := r.client.Trigger(cmd.Context(), req)
			if err != nil {
				return err
			}
			r.printTrigger(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "", "focus context the trigger came from")
	cmd.Flags().BoolVar(&menu, "menu", false, "treat the argument as a command name")
	return cmd
}

func (r *Runner) printTrigger(resp api.TriggerResponse) {
	if resp.Ignored {
		_, _ = fmt.Fprintf(r.out, "ignored (%s)\n", resp.Reason)
		return
	}
	r.printOutcome(resp.Command, resp.Outcome)
}

func (r *Runner) configCommand() *cobra.Command {
	var path string
	root := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the effective daemon configuration as YAML",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(path, nil)
			if err != nil {
				return err
			}
			data, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			_, err = r.out.Write(data)
			return err
		},
	}
	dump.Flags().StringVar(&path, "config", "", "config file to layer over defaults")
	root.AddCommand(dump)
	return root
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
