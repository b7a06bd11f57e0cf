// Package git runs the repository operations behind task isolation and
// branch merging.
package git

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProtectedBranch is returned when an operation would delete a protected branch.
	ErrProtectedBranch = errors.New("branch is protected")

	// ErrBranchExists is returned when the branch to create already exists.
	ErrBranchExists = errors.New("branch already exists")

	// ErrBranchNotFound is returned when the named branch does not exist.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrMergeConflict is returned when a merge stops on conflicting files.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrNotRepository is returned when the configured path is not a git repository.
	ErrNotRepository = errors.New("not a git repository")

	// ErrCommandFailed is returned when a git command fails for any other reason.
	ErrCommandFailed = errors.New("git command failed")
)

// Runtime is the repository surface the executors, merger and orchestrator
// operate through. Implementations must be safe for concurrent use.
type Runtime interface {
	// CreateBranch creates branch off base without switching to it.
	CreateBranch(ctx context.Context, branch, base string) error
	// Checkout switches the working tree to branch.
	Checkout(ctx context.Context, branch string) error
	// MergeNoFF merges branch into the current branch with a merge commit
	// and returns the resulting commit ref. A conflicted merge returns
	// ErrMergeConflict wrapped; the index is left mid-merge for inspection
	// until AbortMerge.
	MergeNoFF(ctx context.Context, branch, message string) (string, error)
	// AbortMerge abandons an in-progress merge and restores the working tree.
	AbortMerge(ctx context.Context) error
	// Push publishes branch to the named remote.
	Push(ctx context.Context, remote, branch string) error
	// DeleteBranch force-deletes a local branch. Protected branches are refused.
	DeleteBranch(ctx context.Context, branch string) error
	// IsProtected reports whether branch is on the protected list.
	IsProtected(branch string) bool

	// BranchExists reports whether a local branch exists.
	BranchExists(ctx context.Context, branch string) bool
	// CurrentBranch returns the checked-out branch name.
	CurrentBranch(ctx context.Context) (string, error)
	// Head returns the commit ref the working tree is at.
	Head(ctx context.Context) (string, error)
	// ChangedFiles lists the files that differ between two refs.
	ChangedFiles(ctx context.Context, from, to string) ([]string, error)
	// ConflictingFiles lists unmerged paths of an in-progress merge.
	ConflictingFiles(ctx context.Context) ([]string, error)
	// HasCommits reports whether branch carries commits beyond base.
	HasCommits(ctx context.Context, branch, base string) (bool, error)
}

// TaskBranch is the working branch of a sequential task.
func TaskBranch(taskID string) string {
	return "task-" + taskID
}

// CoordinationBranch is the merge target of a parallel task.
func CoordinationBranch(taskID string) string {
	return "task-" + taskID + "-main"
}

// PartBranch is the working branch of one parallel part. Part indices are
// 1-based.
func PartBranch(taskID string, part int) string {
	return fmt.Sprintf("task-%s-part%d", taskID, part)
}

// TaskBranchPrefix returns the prefix shared by every branch a task owns,
// used when sweeping leftover branches.
func TaskBranchPrefix(taskID string) string {
	return "task-" + taskID
}
