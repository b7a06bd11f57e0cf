package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gafferdev/gaffer/internal/state"
)

// newWorkerCommand is the hidden entry point the supervisor spawns for
// background tasks. The project and description arguments are informational
// so the task is identifiable in process listings; the persisted record is
// authoritative.
func newWorkerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    "worker <task-id> <project> <description...>",
		Short:  "Run a spawned task worker (internal)",
		Hidden: true,
		Args:   cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, cleanup, err := a.orchestrator()
			if err != nil {
				return err
			}
			defer cleanup()

			task, err := orch.Resume(ctx, args[0])
			if err != nil {
				return err
			}
			switch task.Status {
			case state.StatusCompleted:
				return nil
			case state.StatusCancelled:
				return &exitCodeError{code: 130}
			default:
				return &exitCodeError{code: 1}
			}
		},
	}
}
