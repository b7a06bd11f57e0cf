package git

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// branchState tracks one branch of the in-memory repository.
type branchState struct {
	head    string
	commits int      // commits unique to this branch
	files   []string // files those commits touched
}

// MockRuntime implements Runtime with an in-memory branch graph for tests.
// Conflicts and push failures are injectable, and merges, pushes and
// deletions are recorded for assertions.
type MockRuntime struct {
	mu        sync.Mutex
	branches  map[string]*branchState
	current   string
	protected []string
	seq       int
	conflicts map[string][]string
	inMerge   string
	merged    []string
	pushes    []string
	deleted   []string
	pushErr   error
}

// NewMockRuntime creates a repository with base checked out at an initial
// commit.
func NewMockRuntime(base string, protected ...string) *MockRuntime {
	m := &MockRuntime{
		branches:  make(map[string]*branchState),
		protected: protected,
		conflicts: make(map[string][]string),
	}
	m.branches[base] = &branchState{head: m.nextRef()}
	m.current = base
	return m
}

// nextRef mints a fake commit ref. Callers hold mu.
func (m *MockRuntime) nextRef() string {
	m.seq++
	return fmt.Sprintf("c%d", m.seq)
}

func (m *MockRuntime) CreateBranch(_ context.Context, branch, base string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[branch]; ok {
		return fmt.Errorf("%w: %s", ErrBranchExists, branch)
	}
	b, ok := m.branches[base]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, base)
	}
	m.branches[branch] = &branchState{head: b.head}
	return nil
}

func (m *MockRuntime) Checkout(_ context.Context, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[branch]; !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	m.current = branch
	return nil
}

func (m *MockRuntime) MergeNoFF(_ context.Context, branch, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.branches[branch]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	if files := m.conflicts[branch]; len(files) > 0 {
		m.inMerge = branch
		return "", fmt.Errorf("%w: merging %s", ErrMergeConflict, branch)
	}
	dst := m.branches[m.current]
	dst.commits += src.commits + 1
	dst.files = append(dst.files, src.files...)
	dst.head = m.nextRef()
	m.merged = append(m.merged, branch)
	return dst.head, nil
}

func (m *MockRuntime) AbortMerge(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inMerge == "" {
		return fmt.Errorf("%w: no merge in progress", ErrCommandFailed)
	}
	m.inMerge = ""
	return nil
}

func (m *MockRuntime) Push(_ context.Context, remote, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushErr != nil {
		return m.pushErr
	}
	m.pushes = append(m.pushes, remote+"/"+branch)
	return nil
}

func (m *MockRuntime) DeleteBranch(_ context.Context, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.protected {
		if p == branch {
			return fmt.Errorf("%w: %s", ErrProtectedBranch, branch)
		}
	}
	if _, ok := m.branches[branch]; !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	delete(m.branches, branch)
	m.deleted = append(m.deleted, branch)
	return nil
}

func (m *MockRuntime) IsProtected(branch string) bool {
	for _, p := range m.protected {
		if p == branch {
			return true
		}
	}
	return false
}

func (m *MockRuntime) BranchExists(_ context.Context, branch string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.branches[branch]
	return ok
}

func (m *MockRuntime) CurrentBranch(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

func (m *MockRuntime) Head(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.branches[m.current].head, nil
}

func (m *MockRuntime) ChangedFiles(_ context.Context, _, to string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, to)
	}
	return append([]string(nil), b.files...), nil
}

func (m *MockRuntime) ConflictingFiles(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inMerge == "" {
		return nil, nil
	}
	return append([]string(nil), m.conflicts[m.inMerge]...), nil
}

func (m *MockRuntime) HasCommits(_ context.Context, branch, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[branch]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	return b.commits > 0, nil
}

// Commit simulates agent work: one commit on branch touching files.
func (m *MockRuntime) Commit(branch string, files ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[branch]
	if !ok {
		return
	}
	b.commits++
	b.files = append(b.files, files...)
	b.head = m.nextRef()
}

// SetConflict makes future merges of branch stop on the given files.
func (m *MockRuntime) SetConflict(branch string, files ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[branch] = files
}

// FailPushWith makes Push return err.
func (m *MockRuntime) FailPushWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushErr = err
}

// Merged returns the branches merged so far, in order.
func (m *MockRuntime) Merged() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.merged...)
}

// Pushes returns the recorded pushes as "remote/branch".
func (m *MockRuntime) Pushes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.pushes...)
}

// Deleted returns the branches deleted so far, in order.
func (m *MockRuntime) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// Branches returns the live branch names, sorted.
func (m *MockRuntime) Branches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.branches))
	for name := range m.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
