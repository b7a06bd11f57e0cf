package host

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/common/logger"
)

// GHAdapter implements Adapter using the gh CLI. Authentication and remote
// resolution are gh's; the working directory decides the default repo.
type GHAdapter struct {
	workdir string
	logger  *logger.Logger
}

// NewGHAdapter creates a gh-backed adapter running in workdir.
func NewGHAdapter(workdir string, log *logger.Logger) *GHAdapter {
	return &GHAdapter{
		workdir: workdir,
		logger:  log.WithFields(zap.String("component", "gh")),
	}
}

// GHAvailable reports whether the gh CLI is installed.
func GHAvailable() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

func (c *GHAdapter) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = c.workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (c *GHAdapter) CreatePR(ctx context.Context, req CreatePRRequest) (*PullRequest, error) {
	args := []string{"pr", "create",
		"--head", req.Head,
		"--base", req.Base,
		"--title", req.Title,
		"--body", req.Body,
	}
	if req.Repo != "" {
		args = append(args, "--repo", req.Repo)
	}
	if req.Draft {
		args = append(args, "--draft")
	}
	for _, label := range req.Labels {
		args = append(args, "--label", label)
	}
	for _, reviewer := range req.Reviewers {
		args = append(args, "--reviewer", reviewer)
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("%w: %s", ErrPRExists, req.Head)
		}
		c.logger.Error("failed to create pull request",
			zap.String("head", req.Head),
			zap.String("base", req.Base),
			zap.Error(err))
		return nil, fmt.Errorf("create PR for %s: %w", req.Head, err)
	}

	url := lastURL(out)
	if url == "" {
		return nil, fmt.Errorf("gh pr create returned no URL: %q", strings.TrimSpace(out))
	}
	c.logger.Info("created pull request",
		zap.String("head", req.Head),
		zap.String("url", url))
	return &PullRequest{URL: url}, nil
}

func (c *GHAdapter) CheckAccess(ctx context.Context, repo string) (bool, error) {
	if _, err := c.run(ctx, "auth", "status", "--hostname", "github.com"); err != nil {
		// gh auth status exits non-zero when not authenticated.
		errMsg := err.Error()
		if strings.Contains(errMsg, "not logged") || strings.Contains(errMsg, "no accounts") {
			return false, nil
		}
		return false, err
	}
	if repo == "" {
		return true, nil
	}
	if _, err := c.run(ctx, "repo", "view", repo, "--json", "nameWithOwner"); err != nil {
		if strings.Contains(err.Error(), "Could not resolve") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// lastURL returns the last line of out that looks like an https URL. gh pr
// create prints the PR URL as its final line.
func lastURL(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "https://") {
			return line
		}
	}
	return ""
}
