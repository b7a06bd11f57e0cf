package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [project]",
		Short: "List running tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(); err != nil {
				return err
			}
			project := ""
			if len(args) == 1 {
				project = args[0]
			}
			tasks, err := a.supervisor(cmd.Context(), false).ListRunning(cmd.Context(), project)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No running tasks.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tPROJECT\tAGENT\tPROGRESS\tETA\tSTARTED")
			for _, task := range tasks {
				agent := task.CurrentAgent
				if agent == "" {
					agent = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
					task.ID,
					task.Project,
					agent,
					task.Progress.Percent,
					fmtETA(task.Progress.ETASeconds),
					fmtAgo(task.StartedAt))
			}
			return w.Flush()
		},
	}
}
