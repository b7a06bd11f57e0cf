package model

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter for testing. Responses are scripted in
// order; each Invoke consumes the next entry.
type MockAdapter struct {
	mu     sync.Mutex
	script []func(req Request) (*Response, error)
	calls  []Request
}

// NewMockAdapter creates an empty scripted adapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

// Queue schedules a successful response with the given text and cost.
func (m *MockAdapter) Queue(text string, dollars float64) {
	m.QueueFunc(func(Request) (*Response, error) {
		return &Response{
			Text:      text,
			Dollars:   dollars,
			TokensIn:  100,
			TokensOut: 50,
			Duration:  10 * time.Millisecond,
		}, nil
	})
}

// QueueError schedules a failure.
func (m *MockAdapter) QueueError(err error) {
	m.QueueFunc(func(Request) (*Response, error) {
		return nil, err
	})
}

// QueueFunc schedules an arbitrary handler for one invocation.
func (m *MockAdapter) QueueFunc(fn func(req Request) (*Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, fn)
}

// Invoke consumes the next scripted entry.
func (m *MockAdapter) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(KindPermanent, err)
	}

	m.mu.Lock()
	m.calls = append(m.calls, req)
	if len(m.script) == 0 {
		m.mu.Unlock()
		return nil, NewError(KindPermanent, fmt.Errorf("mock adapter script exhausted after %d calls", len(m.calls)))
	}
	fn := m.script[0]
	m.script = m.script[1:]
	m.mu.Unlock()

	return fn(req)
}

// Calls returns every request seen so far.
func (m *MockAdapter) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
