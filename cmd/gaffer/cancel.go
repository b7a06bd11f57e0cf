package main

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/gafferdev/gaffer/internal/state"
	"github.com/gafferdev/gaffer/internal/supervisor"
)

func newCancelCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [task-id]",
		Short: "Stop a running task",
		Long: `Stops a running task, tears down its containers and deletes its branches.
Without an id the running tasks are offered for selection.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(); err != nil {
				return err
			}
			ctx := cmd.Context()
			sup := a.supervisor(ctx, true)

			id := ""
			if len(args) == 1 {
				id = args[0]
			} else {
				running, err := sup.ListRunning(ctx, "")
				if err != nil {
					return err
				}
				if len(running) == 0 {
					fmt.Println("No running tasks.")
					return nil
				}
				if id, err = pickTask("Cancel which task", running); err != nil {
					return err
				}
			}

			task, err := sup.Cancel(ctx, id)
			if errors.Is(err, supervisor.ErrTaskNotRunning) {
				fmt.Printf("Task %s already finished (%s), nothing to cancel.\n", task.ID, task.Status)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Task %s cancelled.\n", bold(task.ID))
			return nil
		},
	}
}

// pickTask asks which of the given tasks to act on and returns its id.
func pickTask(label string, tasks []*state.Task) (string, error) {
	items := make([]string, len(tasks))
	for i, t := range tasks {
		items[i] = fmt.Sprintf("%s  %s  %s", t.ID, t.Project, truncate(t.Description, 60))
	}
	sel := promptui.Select{
		Label: label,
		Items: items,
		Size:  10,
	}
	i, _, err := sel.Run()
	if err != nil {
		return "", err
	}
	return tasks[i].ID, nil
}
