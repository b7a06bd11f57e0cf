// Package cost tracks per-task spend against a hard ceiling.
package cost

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBudgetExceeded is returned when a charge crosses the task's cost ceiling.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Usage is the measured cost of one agent turn.
type Usage struct {
	Dollars   float64       `json:"dollars"`
	TokensIn  int64         `json:"tokens_in"`
	TokensOut int64         `json:"tokens_out"`
	Duration  time.Duration `json:"duration"`
}

// AgentTotals is the accumulated spend of one agent.
type AgentTotals struct {
	Dollars  float64       `json:"dollars"`
	Turns    int           `json:"turns"`
	Duration time.Duration `json:"duration"`
}

// Totals is a snapshot of accumulated spend.
type Totals struct {
	Dollars   float64                `json:"dollars"`
	TokensIn  int64                  `json:"tokens_in"`
	TokensOut int64                  `json:"tokens_out"`
	Elapsed   time.Duration          `json:"elapsed"`
	PerAgent  map[string]AgentTotals `json:"per_agent"`
}

// Account accumulates the cost of a task. Parallel parts hold slices of the
// parent account: a slice keeps its own breakdown while every charge and
// affordability check goes against the shared parent totals, so the ceiling
// is enforced globally across parts.
type Account struct {
	mu     sync.Mutex
	totals Totals

	ceiling float64  // only meaningful on the root
	root    *Account // self when this account is the root
}

// NewAccount creates a root account with the given dollar ceiling.
// A ceiling of zero or less disables enforcement.
func NewAccount(ceiling float64) *Account {
	a := &Account{ceiling: ceiling}
	a.root = a
	return a
}

// Slice creates a child account sharing this account's ceiling and totals.
func (a *Account) Slice() *Account {
	return &Account{root: a.root}
}

// Ceiling returns the shared dollar ceiling.
func (a *Account) Ceiling() float64 {
	r := a.root
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ceiling
}

// CanAfford reports whether a turn with the given estimated cost fits under
// the shared ceiling.
func (a *Account) CanAfford(estimate float64) bool {
	r := a.root
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ceiling <= 0 {
		return true
	}
	return r.totals.Dollars+estimate <= r.ceiling
}

// Charge records the actual cost of a turn. The spend is always recorded,
// even when it crosses the ceiling; the returned ErrBudgetExceeded tells the
// caller to stop starting new turns.
func (a *Account) Charge(agent string, u Usage) error {
	r := a.root
	r.mu.Lock()
	r.add(agent, u)
	crossed := r.ceiling > 0 && r.totals.Dollars > r.ceiling
	total := r.totals.Dollars
	ceiling := r.ceiling
	r.mu.Unlock()

	if a != r {
		a.mu.Lock()
		a.add(agent, u)
		a.mu.Unlock()
	}

	if crossed {
		return fmt.Errorf("task spend $%.4f exceeds ceiling $%.2f: %w", total, ceiling, ErrBudgetExceeded)
	}
	return nil
}

// add records usage into this account's totals. Caller holds the lock.
func (a *Account) add(agent string, u Usage) {
	a.totals.Dollars += u.Dollars
	a.totals.TokensIn += u.TokensIn
	a.totals.TokensOut += u.TokensOut
	a.totals.Elapsed += u.Duration

	if a.totals.PerAgent == nil {
		a.totals.PerAgent = make(map[string]AgentTotals)
	}
	at := a.totals.PerAgent[agent]
	at.Dollars += u.Dollars
	at.Turns++
	at.Duration += u.Duration
	a.totals.PerAgent[agent] = at
}

// Totals returns a snapshot of this account's accumulated spend. For the
// root that is the whole task; for a slice it is the part's own share.
func (a *Account) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := a.totals
	snapshot.PerAgent = make(map[string]AgentTotals, len(a.totals.PerAgent))
	for k, v := range a.totals.PerAgent {
		snapshot.PerAgent[k] = v
	}
	return snapshot
}

// SharedTotals returns a snapshot of the root account's totals, which for a
// slice includes the spend of every sibling.
func (a *Account) SharedTotals() Totals {
	return a.root.Totals()
}
