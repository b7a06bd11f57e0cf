// Package executor drives the agent work of one task: the sequential
// hand-off loop and the parallel fan-out with branch merging.
package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/common/logger"
	"github.com/gafferdev/gaffer/internal/events/bus"
	"github.com/gafferdev/gaffer/internal/merge"
)

// TaskContext carries the isolation handles an executor works inside.
type TaskContext struct {
	TaskID      string
	Description string
	// ContainerID is the task-level container. Sequential turns run in it;
	// the parallel path uses it for the finalizing review after the merge.
	ContainerID string
	Workdir     string
}

// Result is the outcome of an executor run. FailureCause is one of the
// task failure cause constants when Success is false; infrastructure
// breakage is returned as an error instead.
type Result struct {
	Success      bool
	Reason       string
	FailureCause string
	// Cancelled marks a run stopped by task cancellation rather than failure.
	Cancelled bool
	// AgentsRun lists the agents that completed turns, in order.
	AgentsRun []string
	// FinalText is the last agent response, used for the PR body.
	FinalText string
	// Merges records the part branches folded into the coordination branch.
	Merges []merge.Record
	// Conflict is set when the merge stopped on conflicting files.
	Conflict *merge.ConflictError
}

func (r *Result) fail(cause, reason string) {
	r.Success = false
	r.FailureCause = cause
	r.Reason = reason
}

// publish sends a lifecycle event, logging instead of failing the task when
// the bus is down.
func publish(ctx context.Context, eventBus bus.EventBus, log *logger.Logger, subject string, event *bus.Event) {
	if eventBus == nil {
		return
	}
	if err := eventBus.Publish(ctx, subject, event); err != nil {
		log.Debug("failed to publish event",
			zap.String("subject", subject),
			zap.String("type", event.Type),
			zap.Error(err))
	}
}
