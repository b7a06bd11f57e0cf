package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/agent/conversation"
	"github.com/gafferdev/gaffer/internal/agent/cost"
	"github.com/gafferdev/gaffer/internal/agent/invoker"
	"github.com/gafferdev/gaffer/internal/common/logger"
	"github.com/gafferdev/gaffer/internal/events"
	"github.com/gafferdev/gaffer/internal/events/bus"
	"github.com/gafferdev/gaffer/internal/planner"
	"github.com/gafferdev/gaffer/internal/state"
)

// MaxIterations bounds the hand-off loop of one sequential run.
const MaxIterations = 10

// Sequential drives dynamic agent hand-off: one agent at a time, each
// choosing its successor until one declares the task complete. An agent
// never runs twice within one task.
type Sequential struct {
	invoker       *invoker.Invoker
	bus           bus.EventBus
	logger        *logger.Logger
	maxIterations int
}

// SequentialOption configures a Sequential executor.
type SequentialOption func(*Sequential)

// WithMaxIterations overrides the hand-off iteration bound.
func WithMaxIterations(n int) SequentialOption {
	return func(s *Sequential) { s.maxIterations = n }
}

// NewSequential creates a sequential executor.
func NewSequential(inv *invoker.Invoker, eventBus bus.EventBus, log *logger.Logger, opts ...SequentialOption) *Sequential {
	s := &Sequential{
		invoker:       inv,
		bus:           eventBus,
		logger:        log.WithFields(zap.String("component", "executor.sequential")),
		maxIterations: MaxIterations,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the plan's agent chain. The first planned agent starts; after
// that each turn's hand-off directive picks the next agent. The run stops on
// COMPLETE, on a hand-off to an agent that already ran (cycle), after
// maxIterations turns, or when the budget is crossed.
func (s *Sequential) Run(ctx context.Context, plan *planner.Plan, tc TaskContext, convLog *conversation.Log, account *cost.Account) (*Result, error) {
	if len(plan.Agents) == 0 {
		return nil, fmt.Errorf("plan names no agents")
	}

	log := s.logger.WithTaskID(tc.TaskID)
	res := &Result{}
	visited := make(map[string]bool)
	current := plan.Agents[0]
	iterations := 0
	var elapsed time.Duration

	for {
		// No new turn starts once the task context ended.
		if stopped(ctx, res) {
			break
		}
		if iterations >= s.maxIterations {
			res.fail(state.CauseMaxIterations,
				fmt.Sprintf("no completion after %d agent turns", iterations))
			break
		}
		if visited[current] {
			res.fail(state.CauseCycle,
				fmt.Sprintf("hand-off back to %s, which already ran", current))
			break
		}
		visited[current] = true
		iterations++

		publish(ctx, s.bus, log, events.AgentSubject(tc.TaskID), bus.NewEvent(
			events.AgentTurnStarted, "executor.sequential", map[string]interface{}{
				"task_id":     tc.TaskID,
				"agent":       current,
				"iteration":   iterations,
				"percent":     s.percent(len(plan.Agents), len(res.AgentsRun)),
				"eta_seconds": etaSeconds(elapsed, len(res.AgentsRun), remaining(len(plan.Agents), len(res.AgentsRun))),
			}))

		turn, err := s.invoker.Run(ctx, current, invoker.TurnContext{
			TaskID:      tc.TaskID,
			Description: tc.Description,
			ContainerID: tc.ContainerID,
			Workdir:     tc.Workdir,
		}, convLog, account)
		if err != nil && turn == nil {
			if errors.Is(err, cost.ErrBudgetExceeded) {
				res.fail(state.CauseBudgetExceeded, err.Error())
				break
			}
			if stopped(ctx, res) {
				break
			}
			publish(ctx, s.bus, log, events.AgentSubject(tc.TaskID), bus.NewEvent(
				events.AgentTurnFailed, "executor.sequential", map[string]interface{}{
					"task_id": tc.TaskID,
					"agent":   current,
					"error":   err.Error(),
				}))
			return nil, fmt.Errorf("sequential run stopped at %s: %w", current, err)
		}

		res.AgentsRun = append(res.AgentsRun, current)
		res.FinalText = turn.Response
		elapsed += turn.Duration

		publish(ctx, s.bus, log, events.AgentSubject(tc.TaskID), bus.NewEvent(
			events.AgentTurnCompleted, "executor.sequential", map[string]interface{}{
				"task_id":     tc.TaskID,
				"agent":       current,
				"iteration":   iterations,
				"terminal":    turn.Decision.Terminal,
				"dollars":     turn.Cost,
				"percent":     s.percent(len(plan.Agents), len(res.AgentsRun)),
				"eta_seconds": etaSeconds(elapsed, len(res.AgentsRun), remaining(len(plan.Agents), len(res.AgentsRun))),
			}))

		if err != nil {
			// The turn ran and was recorded but its charge crossed the
			// ceiling; no further turn starts.
			res.fail(state.CauseBudgetExceeded, err.Error())
			break
		}

		if turn.Decision.Terminal {
			res.Success = true
			res.Reason = turn.Decision.Reason
			if res.Reason == "" {
				res.Reason = "complete"
			}
			break
		}

		publish(ctx, s.bus, log, events.AgentSubject(tc.TaskID), bus.NewEvent(
			events.AgentHandoff, "executor.sequential", map[string]interface{}{
				"task_id": tc.TaskID,
				"from":    current,
				"to":      turn.Decision.NextAgent,
				"reason":  turn.Decision.Reason,
			}))
		current = turn.Decision.NextAgent
	}

	log.Info("sequential run finished",
		zap.Bool("success", res.Success),
		zap.Int("turns", iterations),
		zap.String("reason", res.Reason),
		zap.String("cause", res.FailureCause))
	return res, nil
}

// percent estimates completion against the planned chain length. Hand-offs
// can exceed the plan, so the estimate saturates below 100.
func (s *Sequential) percent(planned, completed int) int {
	if planned < completed+1 {
		planned = completed + 1
	}
	p := completed * 100 / planned
	if p > 95 {
		p = 95
	}
	return p
}

func remaining(planned, completed int) int {
	if r := planned - completed; r > 1 {
		return r
	}
	return 1
}

// etaSeconds projects the remaining time from the average turn duration.
func etaSeconds(elapsed time.Duration, completed, left int) int {
	if completed == 0 {
		return 0
	}
	avg := elapsed / time.Duration(completed)
	return int((avg * time.Duration(left)).Seconds())
}

// stopped records a finished context into the result: deadline expiry fails
// the run with cause=timeout, cancellation marks it cancelled.
func stopped(ctx context.Context, res *Result) bool {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		res.fail(state.CauseTimeout, "task deadline exceeded")
		return true
	case context.Canceled:
		res.Cancelled = true
		res.Reason = "task cancelled"
		return true
	}
	return false
}
