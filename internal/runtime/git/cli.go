package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/common/logger"
)

// CLIRuntime implements Runtime by shelling out to the git CLI against a
// single repository.
type CLIRuntime struct {
	repoPath  string
	protected []string
	logger    *logger.Logger
}

// NewCLIRuntime creates a Runtime for the repository at repoPath. The
// protected list is matched exactly by DeleteBranch and IsProtected.
func NewCLIRuntime(repoPath string, protected []string, log *logger.Logger) (*CLIRuntime, error) {
	info, err := os.Stat(filepath.Join(repoPath, ".git"))
	if err != nil || !(info.IsDir() || info.Mode().IsRegular()) {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, repoPath)
	}
	return &CLIRuntime{
		repoPath:  repoPath,
		protected: protected,
		logger:    log.WithFields(zap.String("component", "git"), zap.String("repo", repoPath)),
	}, nil
}

func (g *CLIRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (g *CLIRuntime) CreateBranch(ctx context.Context, branch, base string) error {
	if g.BranchExists(ctx, branch) {
		return fmt.Errorf("%w: %s", ErrBranchExists, branch)
	}
	if _, err := g.run(ctx, "branch", branch, base); err != nil {
		g.logger.Error("failed to create branch",
			zap.String("branch", branch),
			zap.String("base", base),
			zap.Error(err))
		return fmt.Errorf("%w: create %s off %s", ErrCommandFailed, branch, base)
	}
	g.logger.Debug("created branch", zap.String("branch", branch), zap.String("base", base))
	return nil
}

func (g *CLIRuntime) Checkout(ctx context.Context, branch string) error {
	if !g.BranchExists(ctx, branch) {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	if _, err := g.run(ctx, "checkout", branch); err != nil {
		return fmt.Errorf("%w: checkout %s: %v", ErrCommandFailed, branch, err)
	}
	return nil
}

func (g *CLIRuntime) MergeNoFF(ctx context.Context, branch, message string) (string, error) {
	if _, err := g.run(ctx, "merge", "--no-ff", "--no-edit", "-m", message, branch); err != nil {
		conflicts, cErr := g.ConflictingFiles(ctx)
		if cErr == nil && len(conflicts) > 0 {
			return "", fmt.Errorf("%w: merging %s", ErrMergeConflict, branch)
		}
		return "", fmt.Errorf("%w: merge %s: %v", ErrCommandFailed, branch, err)
	}
	return g.Head(ctx)
}

func (g *CLIRuntime) AbortMerge(ctx context.Context) error {
	if _, err := g.run(ctx, "merge", "--abort"); err != nil {
		return fmt.Errorf("%w: merge --abort: %v", ErrCommandFailed, err)
	}
	return nil
}

func (g *CLIRuntime) Push(ctx context.Context, remote, branch string) error {
	if _, err := g.run(ctx, "push", remote, branch); err != nil {
		g.logger.Error("failed to push branch",
			zap.String("remote", remote),
			zap.String("branch", branch),
			zap.Error(err))
		return fmt.Errorf("%w: push %s to %s: %v", ErrCommandFailed, branch, remote, err)
	}
	g.logger.Info("pushed branch", zap.String("remote", remote), zap.String("branch", branch))
	return nil
}

func (g *CLIRuntime) DeleteBranch(ctx context.Context, branch string) error {
	if g.IsProtected(branch) {
		return fmt.Errorf("%w: %s", ErrProtectedBranch, branch)
	}
	if _, err := g.run(ctx, "branch", "-D", branch); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrCommandFailed, branch, err)
	}
	g.logger.Debug("deleted branch", zap.String("branch", branch))
	return nil
}

func (g *CLIRuntime) IsProtected(branch string) bool {
	for _, p := range g.protected {
		if p == branch {
			return true
		}
	}
	return false
}

func (g *CLIRuntime) BranchExists(ctx context.Context, branch string) bool {
	_, err := g.run(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (g *CLIRuntime) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: current branch: %v", ErrCommandFailed, err)
	}
	return strings.TrimSpace(out), nil
}

func (g *CLIRuntime) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: rev-parse HEAD: %v", ErrCommandFailed, err)
	}
	return strings.TrimSpace(out), nil
}

func (g *CLIRuntime) ChangedFiles(ctx context.Context, from, to string) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", from+".."+to)
	if err != nil {
		return nil, fmt.Errorf("%w: diff %s..%s: %v", ErrCommandFailed, from, to, err)
	}
	return splitLines(out), nil
}

func (g *CLIRuntime) ConflictingFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("%w: list conflicts: %v", ErrCommandFailed, err)
	}
	return splitLines(out), nil
}

func (g *CLIRuntime) HasCommits(ctx context.Context, branch, base string) (bool, error) {
	out, err := g.run(ctx, "rev-list", "--count", base+".."+branch)
	if err != nil {
		return false, fmt.Errorf("%w: rev-list %s..%s: %v", ErrCommandFailed, base, branch, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return false, fmt.Errorf("failed to parse rev-list count %q: %w", out, err)
	}
	return n > 0, nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
