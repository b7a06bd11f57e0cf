package git

import (
	"context"
	"errors"
	"testing"

	"github.com/gafferdev/gaffer/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestBranchNames(t *testing.T) {
	if got := TaskBranch("a1b2c3d4e5f6"); got != "task-a1b2c3d4e5f6" {
		t.Errorf("TaskBranch = %q", got)
	}
	if got := CoordinationBranch("a1b2c3d4e5f6"); got != "task-a1b2c3d4e5f6-main" {
		t.Errorf("CoordinationBranch = %q", got)
	}
	if got := PartBranch("a1b2c3d4e5f6", 2); got != "task-a1b2c3d4e5f6-part2" {
		t.Errorf("PartBranch = %q", got)
	}
}

func TestMockCreateAndCheckout(t *testing.T) {
	ctx := context.Background()
	m := NewMockRuntime("main")

	if err := m.CreateBranch(ctx, "task-abc", "main"); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	if err := m.CreateBranch(ctx, "task-abc", "main"); !errors.Is(err, ErrBranchExists) {
		t.Errorf("duplicate create = %v, want ErrBranchExists", err)
	}
	if err := m.CreateBranch(ctx, "x", "missing"); !errors.Is(err, ErrBranchNotFound) {
		t.Errorf("create off missing base = %v, want ErrBranchNotFound", err)
	}

	if err := m.Checkout(ctx, "task-abc"); err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	cur, _ := m.CurrentBranch(ctx)
	if cur != "task-abc" {
		t.Errorf("CurrentBranch = %q", cur)
	}
}

func TestMockMergeAdvancesHead(t *testing.T) {
	ctx := context.Background()
	m := NewMockRuntime("main")
	m.CreateBranch(ctx, "feature", "main")
	m.Commit("feature", "a.go", "b.go")

	before, _ := m.Head(ctx)
	ref, err := m.MergeNoFF(ctx, "feature", "merge feature")
	if err != nil {
		t.Fatalf("MergeNoFF failed: %v", err)
	}
	after, _ := m.Head(ctx)
	if ref != after || ref == before {
		t.Errorf("merge ref %q, head before %q after %q", ref, before, after)
	}
	if merged := m.Merged(); len(merged) != 1 || merged[0] != "feature" {
		t.Errorf("Merged = %v", merged)
	}

	files, err := m.ChangedFiles(ctx, before, "main")
	if err != nil {
		t.Fatalf("ChangedFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("ChangedFiles = %v", files)
	}
}

func TestMockConflictAndAbortPreservesHead(t *testing.T) {
	ctx := context.Background()
	m := NewMockRuntime("main")
	m.CreateBranch(ctx, "feature", "main")
	m.Commit("feature", "shared.go")
	m.SetConflict("feature", "shared.go")

	before, _ := m.Head(ctx)
	_, err := m.MergeNoFF(ctx, "feature", "merge feature")
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("expected ErrMergeConflict, got %v", err)
	}

	conflicts, err := m.ConflictingFiles(ctx)
	if err != nil {
		t.Fatalf("ConflictingFiles failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0] != "shared.go" {
		t.Errorf("conflicts = %v", conflicts)
	}

	if err := m.AbortMerge(ctx); err != nil {
		t.Fatalf("AbortMerge failed: %v", err)
	}
	after, _ := m.Head(ctx)
	if after != before {
		t.Errorf("head changed across aborted merge: %q -> %q", before, after)
	}
	if err := m.AbortMerge(ctx); err == nil {
		t.Error("expected error aborting with no merge in progress")
	}
}

func TestMockDeleteRefusesProtected(t *testing.T) {
	ctx := context.Background()
	m := NewMockRuntime("main", "main", "master")
	m.CreateBranch(ctx, "task-abc", "main")

	if err := m.DeleteBranch(ctx, "main"); !errors.Is(err, ErrProtectedBranch) {
		t.Errorf("delete main = %v, want ErrProtectedBranch", err)
	}
	if err := m.DeleteBranch(ctx, "task-abc"); err != nil {
		t.Errorf("delete task branch failed: %v", err)
	}
	if !m.IsProtected("master") {
		t.Error("master should be protected")
	}
	if m.IsProtected("task-xyz") {
		t.Error("task-xyz should not be protected")
	}
}

func TestMockHasCommits(t *testing.T) {
	ctx := context.Background()
	m := NewMockRuntime("main")
	m.CreateBranch(ctx, "task-abc", "main")

	has, err := m.HasCommits(ctx, "task-abc", "main")
	if err != nil {
		t.Fatalf("HasCommits failed: %v", err)
	}
	if has {
		t.Error("fresh branch should have no commits beyond base")
	}

	m.Commit("task-abc", "a.go")
	has, _ = m.HasCommits(ctx, "task-abc", "main")
	if !has {
		t.Error("branch with a commit should report commits")
	}
}

func TestMockPushRecordsAndFails(t *testing.T) {
	ctx := context.Background()
	m := NewMockRuntime("main")

	if err := m.Push(ctx, "origin", "main"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if pushes := m.Pushes(); len(pushes) != 1 || pushes[0] != "origin/main" {
		t.Errorf("Pushes = %v", pushes)
	}

	m.FailPushWith(errors.New("remote unreachable"))
	if err := m.Push(ctx, "origin", "main"); err == nil {
		t.Error("expected injected push failure")
	}
}

func TestCLIRuntimeRejectsNonRepository(t *testing.T) {
	log := testLogger(t)
	_, err := NewCLIRuntime(t.TempDir(), nil, log)
	if !errors.Is(err, ErrNotRepository) {
		t.Errorf("expected ErrNotRepository, got %v", err)
	}
}

func TestCLIRuntimeIsProtected(t *testing.T) {
	g := &CLIRuntime{protected: []string{"main", "release"}}
	if !g.IsProtected("main") || !g.IsProtected("release") {
		t.Error("protected branches not recognized")
	}
	if g.IsProtected("task-abc") {
		t.Error("task-abc should not be protected")
	}
}

func TestSplitLines(t *testing.T) {
	lines := splitLines("a.go\nb.go\n\n  \nc.go\n")
	if len(lines) != 3 || lines[0] != "a.go" || lines[2] != "c.go" {
		t.Errorf("splitLines = %v", lines)
	}
	if got := splitLines(""); len(got) != 0 {
		t.Errorf("splitLines(\"\") = %v", got)
	}
}
