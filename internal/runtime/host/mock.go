package host

import (
	"context"
	"fmt"
	"sync"
)

// MockAdapter implements Adapter with configurable outcomes for tests.
// CreatePR calls are recorded for assertions.
type MockAdapter struct {
	mu        sync.Mutex
	created   []CreatePRRequest
	seq       int
	createErr error
	access    bool
	accessErr error
}

// NewMockAdapter creates a mock with access granted.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{access: true}
}

func (m *MockAdapter) CreatePR(_ context.Context, req CreatePRRequest) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, req)
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.seq++
	return &PullRequest{URL: fmt.Sprintf("https://example.test/pr/%d", m.seq)}, nil
}

func (m *MockAdapter) CheckAccess(context.Context, string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access, m.accessErr
}

// FailCreateWith makes CreatePR return err.
func (m *MockAdapter) FailCreateWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// DenyAccess makes CheckAccess report false.
func (m *MockAdapter) DenyAccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access = false
}

// FailAccessWith makes CheckAccess return err.
func (m *MockAdapter) FailAccessWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessErr = err
}

// Created returns the recorded CreatePR requests in order.
func (m *MockAdapter) Created() []CreatePRRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CreatePRRequest(nil), m.created...)
}
