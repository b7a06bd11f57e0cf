package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/manifoldco/promptui"
	"golang.org/x/term"

	"github.com/gafferdev/gaffer/internal/common/config"
)

// runInteractive is the no-argument flow: pick a project, describe the task,
// run it in the foreground. With no projects configured it offers to
// register one first.
func (a *app) runInteractive(ctx context.Context) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("no task given and stdin is not a terminal, see gaffer --help")
	}
	if err := a.setup(); err != nil {
		return err
	}

	projects, err := a.cfg.ListProjects()
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("No projects configured yet.")
		if _, err := (&promptui.Prompt{Label: "Register one now", IsConfirm: true}).Run(); err != nil {
			return fmt.Errorf("nothing to do without a project")
		}
		proj, err := a.createProjectPrompt()
		if err != nil {
			return err
		}
		projects = []string{proj.Name}
	}

	project := projects[0]
	if len(projects) > 1 {
		sel := promptui.Select{
			Label: "Project",
			Items: projects,
			Size:  10,
		}
		if _, project, err = sel.Run(); err != nil {
			return err
		}
	}

	description, err := (&promptui.Prompt{
		Label: "Task description",
		Validate: func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("description must not be empty")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return err
	}

	return a.runForeground(ctx, project, strings.TrimSpace(description))
}

// createProjectPrompt registers a project interactively and saves its
// configuration under the config directory.
func (a *app) createProjectPrompt() (*config.ProjectConfig, error) {
	name, err := (&promptui.Prompt{
		Label: "Project name",
		Validate: func(s string) error {
			s = strings.TrimSpace(s)
			if s == "" {
				return fmt.Errorf("name must not be empty")
			}
			if strings.ContainsAny(s, "/\\ ") {
				return fmt.Errorf("name must not contain slashes or spaces")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return nil, err
	}

	repoPath, err := (&promptui.Prompt{
		Label: "Repository path",
		Validate: func(s string) error {
			info, err := os.Stat(strings.TrimSpace(s))
			if err != nil {
				return fmt.Errorf("path does not exist")
			}
			if !info.IsDir() {
				return fmt.Errorf("path is not a directory")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(strings.TrimSpace(repoPath))
	if err != nil {
		return nil, err
	}

	baseBranch, err := (&promptui.Prompt{Label: "Base branch", Default: "main"}).Run()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(baseBranch) == "" {
		baseBranch = "main"
	}

	testCommand, err := (&promptui.Prompt{Label: "Test command (optional)"}).Run()
	if err != nil {
		return nil, err
	}

	// IsConfirm prompts answer through the error: nil means yes.
	prEnabled := false
	if _, err := (&promptui.Prompt{Label: "Open pull requests when tasks finish", IsConfirm: true}).Run(); err == nil {
		prEnabled = true
	}

	proj := &config.ProjectConfig{
		Name:        strings.TrimSpace(name),
		RepoPath:    abs,
		BaseBranch:  strings.TrimSpace(baseBranch),
		TestCommand: strings.TrimSpace(testCommand),
		PullRequest: config.PullRequestConfig{Enabled: prEnabled},
	}
	if err := a.cfg.SaveProject(proj); err != nil {
		return nil, err
	}
	fmt.Printf("Project %s registered (%s).\n",
		bold(proj.Name), faint(filepath.Join(a.cfg.ConfigDir, proj.Name+".yaml")))
	return proj, nil
}
