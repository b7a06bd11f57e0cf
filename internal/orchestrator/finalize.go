package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/agent/conversation"
	"github.com/gafferdev/gaffer/internal/common/config"
	"github.com/gafferdev/gaffer/internal/common/logger"
	"github.com/gafferdev/gaffer/internal/executor"
	"github.com/gafferdev/gaffer/internal/runtime/container"
	"github.com/gafferdev/gaffer/internal/runtime/git"
	"github.com/gafferdev/gaffer/internal/runtime/host"
	"github.com/gafferdev/gaffer/internal/state"
)

// runTests executes the project's test command inside the task container and
// records the outcome in the transcript. A failing command does not fail the
// task; reviewers see the result in the pull request body.
func (o *Orchestrator) runTests(ctx context.Context, proj *config.ProjectConfig, containerID string, convLog *conversation.Log, log *logger.Logger) string {
	if proj.TestCommand == "" {
		return ""
	}

	res, err := o.containers.Exec(ctx, containerID, []string{"sh", "-c", proj.TestCommand})
	if err != nil {
		note := fmt.Sprintf("Test command %q could not run: %v", proj.TestCommand, err)
		convLog.AppendNote("tests", note, true)
		log.Warn("test command did not run", zap.Error(err))
		return note
	}

	var note string
	if res.ExitCode == 0 {
		note = fmt.Sprintf("Test command %q passed.", proj.TestCommand)
	} else {
		note = fmt.Sprintf("Test command %q failed with exit code %d:\n%s",
			proj.TestCommand, res.ExitCode, tail(res.Stdout+res.Stderr, 2000))
	}
	convLog.AppendNote("tests", note, true)
	log.Info("test command finished",
		zap.String("command", proj.TestCommand),
		zap.Int("exit_code", res.ExitCode))
	return note
}

// finalize publishes a completed task's work: push the branch and, when the
// project asks for it, open a pull request. Failures here never demote the
// completed status; the branch stays on the record for manual follow-up.
// Returns the pull request URL and whether the branch is to be kept.
func (o *Orchestrator) finalize(ctx context.Context, repo git.Runtime, hostAdapter host.Adapter, proj *config.ProjectConfig, task *state.Task, res *executor.Result, workBranch, testNote string, log *logger.Logger) (string, bool) {
	has, err := repo.HasCommits(ctx, workBranch, proj.BaseBranch)
	if err != nil {
		log.Warn("could not inspect work branch, keeping it", zap.Error(err))
		has = true
	}
	if !has {
		// Analysis-style outcome: nothing to push or review.
		log.Info("task produced no commits, skipping push and pull request")
		return "", false
	}

	if err := repo.Push(ctx, proj.Remote, workBranch); err != nil {
		log.Warn("failed to push work branch; it remains local",
			zap.String("branch", workBranch),
			zap.Error(err))
		return "", true
	}

	if !proj.PullRequest.Enabled {
		return "", true
	}

	pr, err := hostAdapter.CreatePR(ctx, host.CreatePRRequest{
		Head:      workBranch,
		Base:      proj.BaseBranch,
		Title:     prTitle(task),
		Body:      prBody(task, res, testNote),
		Draft:     proj.PullRequest.Draft,
		Labels:    proj.PullRequest.Labels,
		Reviewers: proj.PullRequest.Reviewers,
	})
	switch {
	case errors.Is(err, host.ErrPRExists):
		log.Info("pull request already open for branch", zap.String("branch", workBranch))
		return "", true
	case errors.Is(err, host.ErrNoHost):
		log.Debug("no code host configured, branch pushed only")
		return "", true
	case err != nil:
		log.Warn("pull request creation failed; open one manually from the branch",
			zap.String("branch", workBranch),
			zap.Error(err))
		return "", true
	}

	log.Info("pull request opened", zap.String("url", pr.URL))
	return pr.URL, true
}

// prTitle derives the pull request title from the task description.
func prTitle(task *state.Task) string {
	title := strings.TrimSpace(task.Description)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if len(title) > 72 {
		title = title[:69] + "..."
	}
	return title
}

// prBody summarizes the run for reviewers. res is nil when a pull request is
// opened after the fact for an already finished task.
func prBody(task *state.Task, res *executor.Result, testNote string) string {
	agents := task.CompletedAgents
	var merges int
	var finalText string
	if res != nil {
		agents = res.AgentsRun
		merges = len(res.Merges)
		finalText = res.FinalText
	}

	var b strings.Builder
	b.WriteString(task.Description)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "Task `%s` on project `%s`.\n", task.ID, task.Project)
	if len(agents) > 0 {
		fmt.Fprintf(&b, "Agents: %s.\n", strings.Join(agents, ", "))
	}
	if merges > 0 {
		fmt.Fprintf(&b, "Combined from %d parallel part branches.\n", merges)
	}
	if testNote != "" {
		b.WriteString(testNote)
		b.WriteString("\n")
	}
	if text := finalSummary(finalText); text != "" {
		b.WriteString("\n")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

// finalSummary trims an agent's closing response for the PR body, dropping
// the hand-off directive lines.
func finalSummary(text string) string {
	var kept []string
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		upper := strings.ToUpper(strings.TrimSpace(line))
		if strings.HasPrefix(upper, "NEXT:") || strings.HasPrefix(upper, "REASON:") {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if len(out) > 2000 {
		out = out[:2000] + "\n..."
	}
	return out
}

// survivingBranch reports which branch outlives a failed run: the work
// branch when it carries commits, otherwise nothing.
func (o *Orchestrator) survivingBranch(repo git.Runtime, proj *config.ProjectConfig, workBranch string) string {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if !repo.BranchExists(ctx, workBranch) {
		return ""
	}
	has, err := repo.HasCommits(ctx, workBranch, proj.BaseBranch)
	if err != nil || has {
		return workBranch // keep when carrying work, or when unsure
	}
	return ""
}

// taskBranches enumerates the task's branches that currently exist: the
// working branch, the coordination branch and any part branches.
func (o *Orchestrator) taskBranches(ctx context.Context, repo git.Runtime, task *state.Task) []string {
	candidates := []string{git.TaskBranch(task.ID), git.CoordinationBranch(task.ID)}
	if subs, err := o.store.LoadSubtasks(task.ID); err == nil {
		for _, sub := range subs {
			candidates = append(candidates, sub.Branch)
		}
	}
	var existing []string
	for _, b := range candidates {
		if b != "" && repo.BranchExists(ctx, b) {
			existing = append(existing, b)
		}
	}
	return existing
}

// cleanupBranches deletes the task's leftover branches according to the
// outcome. A completed task keeps only keepBranch, which backs its pull
// request. A cancelled task keeps nothing. A failed task keeps any branch
// carrying commits so partial work stays inspectable. Protected branches
// are never touched.
func (o *Orchestrator) cleanupBranches(repo git.Runtime, proj *config.ProjectConfig, task *state.Task, keepBranch string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	// Move the working tree off the task branches so they can be deleted.
	if err := repo.Checkout(ctx, proj.BaseBranch); err != nil {
		log.Warn("failed to return working tree to base branch", zap.Error(err))
	}

	for _, branch := range o.taskBranches(ctx, repo, task) {
		if branch == keepBranch || repo.IsProtected(branch) {
			continue
		}
		if task.Status == state.StatusFailed {
			has, err := repo.HasCommits(ctx, branch, proj.BaseBranch)
			if err != nil || has {
				continue
			}
		}
		if err := repo.DeleteBranch(ctx, branch); err != nil {
			log.Warn("failed to delete leftover branch",
				zap.String("branch", branch),
				zap.Error(err))
			continue
		}
		log.Debug("deleted leftover branch", zap.String("branch", branch))
	}
}

// destroyContainers removes every container labeled for the task. Part
// containers go down as their parts finish; this pass catches the task
// container and anything an interrupted path left behind.
func (o *Orchestrator) destroyContainers(taskID string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	infos, err := o.containers.ListByLabel(ctx, map[string]string{
		container.LabelManaged: "true",
		container.LabelTask:    taskID,
	})
	if err != nil {
		log.Warn("failed to list task containers", zap.Error(err))
		return
	}
	for _, info := range infos {
		if err := o.containers.Destroy(ctx, info.ID); err != nil && !errors.Is(err, container.ErrContainerNotFound) {
			log.Warn("failed to destroy task container",
				zap.String("container_id", info.ID),
				zap.Error(err))
		}
	}
}

// tail keeps the trailing n bytes of command output.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
