package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRestartCommand(a *app) *cobra.Command {
	var background bool
	cmd := &cobra.Command{
		Use:   "restart <task-id>",
		Short: "Run a finished task again from scratch",
		Long: `Creates a fresh task with the same project and description as a finished
one and runs it. The new task starts from the current base branch; nothing
from the old attempt is inherited beyond the restarted_from link.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(); err != nil {
				return err
			}
			ctx := cmd.Context()

			if background {
				task, err := a.supervisor(ctx, true).Restart(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Task %s restarted as %s in the background (pid %d).\n",
					args[0], bold(task.ID), task.PID)
				fmt.Printf("  Log:           %s\n", task.LogFile)
				fmt.Printf("  Follow along:  gaffer logs %s -f\n", task.ID)
				return nil
			}

			old, err := a.store.Load(args[0])
			if err != nil {
				return err
			}
			if !old.Status.Terminal() {
				return fmt.Errorf("task %s is still running, cancel it first", old.ID)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			orch, cleanup, err := a.orchestrator()
			if err != nil {
				return err
			}
			defer cleanup()

			fmt.Printf("Restarting task %s on %s: %s\n", old.ID, bold(old.Project), old.Description)
			task, err := orch.RunFrom(ctx, old)
			if err != nil {
				return err
			}
			return reportOutcome(task)
		},
	}
	cmd.Flags().BoolVarP(&background, "background", "b", false, "run detached and return immediately")
	return cmd
}
