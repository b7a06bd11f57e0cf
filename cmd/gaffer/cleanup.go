package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCommand(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove containers left behind by dead or finished tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(); err != nil {
				return err
			}
			n, err := a.supervisor(cmd.Context(), true).Sweep(cmd.Context(), all)
			if err != nil {
				return err
			}
			switch n {
			case 0:
				fmt.Println("Nothing to clean up.")
			case 1:
				fmt.Println("Removed 1 orphaned container.")
			default:
				fmt.Printf("Removed %d orphaned containers.\n", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove every managed container, including ones of running tasks")
	return cmd
}
