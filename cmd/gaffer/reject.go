package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRejectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Discard a finished task's branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(); err != nil {
				return err
			}
			orch, cleanup, err := a.orchestrator()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := orch.Reject(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Discarded the work branch of task %s.\n", bold(args[0]))
			return nil
		},
	}
}
