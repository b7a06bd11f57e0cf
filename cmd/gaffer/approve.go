package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newApproveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Open a pull request from a finished task's branch",
		Long: `Opens a pull request for a task whose branch was kept but whose pull
request was never created, either because creation failed or because the
project has automatic pull requests disabled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(); err != nil {
				return err
			}
			orch, cleanup, err := a.orchestrator()
			if err != nil {
				return err
			}
			defer cleanup()

			url, err := orch.Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Pull request: %s\n", green(url))
			return nil
		},
	}
}
