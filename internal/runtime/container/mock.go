package container

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ExecCall records one Exec invocation against the mock.
type ExecCall struct {
	ContainerID string
	Cmd         []string
}

// execScript is one queued Exec outcome.
type execScript struct {
	result *ExecResult
	err    error
}

// MockRuntime implements Runtime with in-memory containers for tests.
// Exec outcomes are scripted; creations, execs and destroys are recorded.
type MockRuntime struct {
	mu        sync.Mutex
	seq       int
	live      map[string]Info
	script    []execScript
	calls     []ExecCall
	destroyed []string
	createErr error
	pingErr   error
}

// NewMockRuntime creates an empty mock runtime.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{live: make(map[string]Info)}
}

func (m *MockRuntime) Create(_ context.Context, spec Spec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.seq++
	id := fmt.Sprintf("ctr-%d", m.seq)
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	m.live[id] = Info{
		ID:     id,
		Name:   spec.Name,
		Image:  spec.Image,
		State:  "running",
		Labels: labels,
	}
	return id, nil
}

func (m *MockRuntime) Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	m.calls = append(m.calls, ExecCall{ContainerID: id, Cmd: append([]string(nil), cmd...)})
	if len(m.script) > 0 {
		next := m.script[0]
		m.script = m.script[1:]
		return next.result, next.err
	}
	return &ExecResult{ExitCode: 0}, nil
}

func (m *MockRuntime) Destroy(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[id]; !ok {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	delete(m.live, id)
	m.destroyed = append(m.destroyed, id)
	return nil
}

func (m *MockRuntime) ListByLabel(_ context.Context, labels map[string]string) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var infos []Info
	for _, info := range m.live {
		match := true
		for k, v := range labels {
			if info.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (m *MockRuntime) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *MockRuntime) Close() error { return nil }

// QueueExecResult scripts the next Exec outcome.
func (m *MockRuntime) QueueExecResult(result *ExecResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, execScript{result: result})
}

// QueueExecError scripts the next Exec to fail.
func (m *MockRuntime) QueueExecError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, execScript{err: err})
}

// FailCreateWith makes Create return err.
func (m *MockRuntime) FailCreateWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// FailPingWith makes Ping return err.
func (m *MockRuntime) FailPingWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// ExecCalls returns the recorded Exec invocations in order.
func (m *MockRuntime) ExecCalls() []ExecCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecCall(nil), m.calls...)
}

// Destroyed returns the destroyed container ids in order.
func (m *MockRuntime) Destroyed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.destroyed...)
}

// Live returns the ids of containers not yet destroyed, sorted.
func (m *MockRuntime) Live() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
