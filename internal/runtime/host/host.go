// Package host talks to the external code host for pull request creation
// and access checks.
package host

import (
	"context"
	"errors"
)

var (
	// ErrNoHost is returned by the noop adapter for operations that need a host.
	ErrNoHost = errors.New("code host not configured")

	// ErrPRExists is returned when an open pull request already exists for the branch.
	ErrPRExists = errors.New("pull request already exists for branch")
)

// PullRequest is a created or found pull request.
type PullRequest struct {
	URL string `json:"url"`
}

// CreatePRRequest describes the pull request to open.
type CreatePRRequest struct {
	// Repo is the owner/name on the host. Empty means the repository the
	// working directory's remote points at.
	Repo      string
	Head      string
	Base      string
	Title     string
	Body      string
	Draft     bool
	Labels    []string
	Reviewers []string
}

// Adapter is the code-host surface the orchestrator and CLI consume.
type Adapter interface {
	// CreatePR opens a pull request and returns it.
	CreatePR(ctx context.Context, req CreatePRRequest) (*PullRequest, error)

	// CheckAccess reports whether the host is reachable and the caller is
	// authorized for repo (or authenticated at all when repo is empty).
	CheckAccess(ctx context.Context, repo string) (bool, error)
}
