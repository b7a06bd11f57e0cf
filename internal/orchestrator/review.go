package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/runtime/host"
	"github.com/gafferdev/gaffer/internal/state"
)

// Approve opens a pull request from a finished task's kept branch. It covers
// the cases where automatic creation was skipped (pull requests disabled for
// the project) or failed after the push. Approving a task that already has a
// pull request returns the existing URL.
func (o *Orchestrator) Approve(ctx context.Context, taskID string) (string, error) {
	task, err := o.store.Load(taskID)
	if err != nil {
		return "", err
	}
	if task.Status == state.StatusRunning {
		return "", fmt.Errorf("task %s is still running", taskID)
	}
	if task.PRURL != "" {
		return task.PRURL, nil
	}
	if task.Branch == "" {
		return "", fmt.Errorf("task %s kept no branch to open a pull request from", taskID)
	}

	proj, err := o.cfg.LoadProject(task.Project)
	if err != nil {
		return "", err
	}
	repo, err := o.git(proj)
	if err != nil {
		return "", fmt.Errorf("failed to open repository for %s: %w", task.Project, err)
	}
	if !repo.BranchExists(ctx, task.Branch) {
		return "", fmt.Errorf("branch %s no longer exists", task.Branch)
	}
	if err := repo.Push(ctx, proj.Remote, task.Branch); err != nil {
		return "", fmt.Errorf("failed to push %s: %w", task.Branch, err)
	}

	// An explicit approval overrides a project that has automatic pull
	// requests switched off.
	hostProj := *proj
	hostProj.PullRequest.Enabled = true
	pr, err := o.host(&hostProj).CreatePR(ctx, host.CreatePRRequest{
		Head:      task.Branch,
		Base:      proj.BaseBranch,
		Title:     prTitle(task),
		Body:      prBody(task, nil, ""),
		Draft:     proj.PullRequest.Draft,
		Labels:    proj.PullRequest.Labels,
		Reviewers: proj.PullRequest.Reviewers,
	})
	if err != nil {
		return "", fmt.Errorf("failed to open pull request for %s: %w", task.Branch, err)
	}

	if updated, err := o.store.Update(task.ID, func(t *state.Task) error {
		t.PRURL = pr.URL
		return nil
	}); err != nil {
		o.logger.Warn("pull request opened but task record not updated",
			zap.String("task_id", task.ID),
			zap.Error(err))
	} else {
		task = updated
	}
	o.logger.Info("pull request opened on approval",
		zap.String("task_id", task.ID),
		zap.String("url", pr.URL))
	return pr.URL, nil
}

// Reject discards a finished task's kept branch. The work is lost locally;
// anything already pushed stays on the remote.
func (o *Orchestrator) Reject(ctx context.Context, taskID string) error {
	task, err := o.store.Load(taskID)
	if err != nil {
		return err
	}
	if task.Status == state.StatusRunning {
		return fmt.Errorf("task %s is still running, cancel it first", taskID)
	}
	if task.Branch == "" {
		return fmt.Errorf("task %s kept no branch", taskID)
	}

	proj, err := o.cfg.LoadProject(task.Project)
	if err != nil {
		return err
	}
	if proj.IsProtected(task.Branch) {
		return fmt.Errorf("branch %s is protected", task.Branch)
	}
	repo, err := o.git(proj)
	if err != nil {
		return fmt.Errorf("failed to open repository for %s: %w", task.Project, err)
	}

	branch := task.Branch
	if repo.BranchExists(ctx, branch) {
		if cur, err := repo.CurrentBranch(ctx); err == nil && cur == branch {
			if err := repo.Checkout(ctx, proj.BaseBranch); err != nil {
				return fmt.Errorf("failed to leave branch %s: %w", branch, err)
			}
		}
		if err := repo.DeleteBranch(ctx, branch); err != nil {
			return fmt.Errorf("failed to delete branch %s: %w", branch, err)
		}
	}

	if _, err := o.store.Update(task.ID, func(t *state.Task) error {
		t.Branch = ""
		return nil
	}); err != nil {
		o.logger.Warn("branch deleted but task record not updated",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	o.logger.Info("task branch rejected",
		zap.String("task_id", task.ID),
		zap.String("branch", branch))
	return nil
}
