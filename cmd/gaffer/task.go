package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gafferdev/gaffer/internal/state"
)

func newTaskCommand(a *app) *cobra.Command {
	var background bool
	cmd := &cobra.Command{
		Use:   "task <project> <description...>",
		Short: "Run a coding task against a project",
		Long: `Runs a task end to end: plan, execute the chosen agents on an isolated
branch inside a container, then push the result and open a pull request.
With --background the task runs detached and the command returns at once.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(); err != nil {
				return err
			}
			project := args[0]
			description := strings.Join(args[1:], " ")
			if background {
				return a.startBackground(cmd.Context(), project, description)
			}
			return a.runForeground(cmd.Context(), project, description)
		},
	}
	cmd.Flags().BoolVarP(&background, "background", "b", false, "run detached and return immediately")
	return cmd
}

// startBackground hands the task to the supervisor, which spawns a detached
// worker process.
func (a *app) startBackground(ctx context.Context, project, description string) error {
	// Fail on an unknown project here; the detached worker would only
	// record it after this command already returned.
	if _, err := a.cfg.LoadProject(project); err != nil {
		return err
	}
	task, err := a.supervisor(ctx, true).Start(ctx, project, description)
	if err != nil {
		return err
	}
	fmt.Printf("Task %s started in the background (pid %d).\n", bold(task.ID), task.PID)
	fmt.Printf("  Log:           %s\n", task.LogFile)
	fmt.Printf("  Follow along:  gaffer logs %s -f\n", task.ID)
	return nil
}

// runForeground executes the task in this process, reacting to Ctrl+C by
// cancelling it cleanly.
func (a *app) runForeground(ctx context.Context, project, description string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, cleanup, err := a.orchestrator()
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("Running task on %s: %s\n", bold(project), description)
	task, err := orch.Run(ctx, project, description)
	if err != nil {
		return err
	}
	return reportOutcome(task)
}

// reportOutcome prints a finished task and maps its status to the process
// exit code: 0 completed, 1 failed, 130 cancelled.
func reportOutcome(task *state.Task) error {
	elapsed := "-"
	if task.CompletedAt != nil {
		elapsed = fmtDuration(task.CompletedAt.Sub(task.StartedAt))
	}

	switch task.Status {
	case state.StatusCompleted:
		fmt.Printf("\nTask %s %s in %s.\n", bold(task.ID), green("completed"), elapsed)
		if task.Branch != "" {
			fmt.Printf("  Branch: %s\n", task.Branch)
		}
		if task.PRURL != "" {
			fmt.Printf("  PR:     %s\n", task.PRURL)
		}
		if len(task.CompletedAgents) > 0 {
			fmt.Printf("  Agents: %s\n", strings.Join(task.CompletedAgents, ", "))
		}
		if task.Cost != nil {
			fmt.Printf("  Cost:   %s\n", fmtCost(task.Cost))
		}
		if task.Branch != "" && task.PRURL == "" {
			fmt.Printf("  Open a pull request later with %s.\n", bold("gaffer approve "+task.ID))
		}
		return nil

	case state.StatusCancelled:
		fmt.Printf("\nTask %s %s.\n", bold(task.ID), yellow("cancelled"))
		return &exitCodeError{code: 130}

	default:
		fmt.Printf("\nTask %s %s", bold(task.ID), red(string(task.Status)))
		if task.FailureCause != "" {
			fmt.Printf(" (%s)", task.FailureCause)
		}
		fmt.Println(".")
		if task.Error != "" {
			fmt.Printf("  %s\n", task.Error)
		}
		if task.Branch != "" {
			fmt.Printf("  Work so far is kept on branch %s.\n", task.Branch)
		}
		if task.Cost != nil && task.Cost.Dollars > 0 {
			fmt.Printf("  Cost: %s\n", fmtCost(task.Cost))
		}
		fmt.Printf("  If containers or branches were left behind, run %s.\n", bold("gaffer cleanup --all"))
		return &exitCodeError{code: 1}
	}
}

func fmtDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

func fmtCost(c *state.CostSummary) string {
	s := fmt.Sprintf("$%.2f", c.Dollars)
	if len(c.PerAgent) == 0 {
		return s
	}
	names := make([]string, 0, len(c.PerAgent))
	for name := range c.PerAgent {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s $%.2f", name, c.PerAgent[name]))
	}
	return s + " (" + strings.Join(parts, ", ") + ")"
}

func fmtAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%02dm ago", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours())/24)
	}
}

func fmtETA(seconds int) string {
	if seconds <= 0 {
		return "-"
	}
	return "~" + (time.Duration(seconds) * time.Second).String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
