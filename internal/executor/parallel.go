package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gafferdev/gaffer/internal/agent/conversation"
	"github.com/gafferdev/gaffer/internal/agent/cost"
	"github.com/gafferdev/gaffer/internal/agent/invoker"
	"github.com/gafferdev/gaffer/internal/common/config"
	"github.com/gafferdev/gaffer/internal/common/logger"
	"github.com/gafferdev/gaffer/internal/common/tracing"
	"github.com/gafferdev/gaffer/internal/events"
	"github.com/gafferdev/gaffer/internal/events/bus"
	"github.com/gafferdev/gaffer/internal/merge"
	"github.com/gafferdev/gaffer/internal/planner"
	"github.com/gafferdev/gaffer/internal/runtime/container"
	"github.com/gafferdev/gaffer/internal/runtime/git"
	"github.com/gafferdev/gaffer/internal/state"
)

// FinalReviewer closes out every parallel task on the merged tree.
const FinalReviewer = "reviewer"

// destroyTimeout bounds container teardown of a finished part.
const destroyTimeout = 30 * time.Second

// ParallelContext carries the fan-out inputs beyond the shared TaskContext.
type ParallelContext struct {
	TaskContext
	Project *config.ProjectConfig
	// ContainerSpec is the template for part containers; the executor
	// adjusts name, labels and branch env per part.
	ContainerSpec container.Spec
}

// Parallel fans a plan's parts out onto their own branches and containers,
// joins them, merges the branches in part order and runs a finalizing
// review on the merged tree.
type Parallel struct {
	invoker    *invoker.Invoker
	repo       git.Runtime
	containers container.Runtime
	merger     *merge.Merger
	store      *state.Store
	bus        bus.EventBus
	logger     *logger.Logger
	tracer     trace.Tracer
}

// NewParallel creates a parallel executor.
func NewParallel(inv *invoker.Invoker, repo git.Runtime, containers container.Runtime, merger *merge.Merger, store *state.Store, eventBus bus.EventBus, log *logger.Logger) *Parallel {
	return &Parallel{
		invoker:    inv,
		repo:       repo,
		containers: containers,
		merger:     merger,
		store:      store,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "executor.parallel")),
		tracer:     tracing.Tracer("executor"),
	}
}

// partOutcome is what one part hands back to the join.
type partOutcome struct {
	sub    *state.Subtask
	log    *conversation.Log
	err    error
	budget bool
}

// Run executes the plan's parts. Parts run in dependency waves, fully
// fanned out within a wave. A part failing permanently cancels its running
// siblings; any failed or over-budget part keeps later waves from starting,
// and budget overruns are resolved into the task outcome at join. After a
// clean join the part branches are merged in index order and the finalizing
// reviewer runs on the result.
func (p *Parallel) Run(ctx context.Context, plan *planner.Plan, pc ParallelContext, convLog *conversation.Log, account *cost.Account) (*Result, error) {
	if !plan.Parallel || len(plan.Parts) == 0 {
		return nil, fmt.Errorf("plan is not parallel")
	}

	taskID := pc.TaskID
	log := p.logger.WithTaskID(taskID)
	ctx, span := p.tracer.Start(ctx, "executor.parallel", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.Int("task.parts", len(plan.Parts)),
	))
	defer span.End()

	coord := git.CoordinationBranch(taskID)
	if err := p.repo.CreateBranch(ctx, coord, pc.Project.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to create coordination branch: %w", err)
	}

	partBranches := make([]string, len(plan.Parts))
	for i := range plan.Parts {
		branch := git.PartBranch(taskID, i+1)
		if err := p.repo.CreateBranch(ctx, branch, coord); err != nil {
			return nil, fmt.Errorf("failed to create part branch %s: %w", branch, err)
		}
		partBranches[i] = branch
	}

	outcomes := make([]*partOutcome, len(plan.Parts))
	waves := planner.ExecutionWaves(plan.Parts)
	log.Info("starting parallel fan-out",
		zap.Int("parts", len(plan.Parts)),
		zap.Int("waves", len(waves)))

	for _, wave := range waves {
		if ctx.Err() != nil || anyFailed(outcomes) {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, idx := range wave {
			idx := idx
			g.Go(func() error {
				out := p.runPart(gctx, plan.Parts[idx], idx+1, pc, convLog, account)
				outcomes[idx] = out
				if out.err != nil && !out.budget && out.sub.Status == state.StatusFailed {
					// Permanent failure: cancel the rest of the wave.
					return out.err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			log.Warn("wave stopped on part failure", zap.Error(err))
		}
	}

	// Reassemble the transcript in part index order, regardless of outcome,
	// so the log shows each part's turns contiguously.
	for _, out := range outcomes {
		if out != nil {
			convLog.AppendFrom(out.log)
		}
	}

	res := &Result{}
	for _, out := range outcomes {
		if out != nil && out.sub.Status == state.StatusCompleted {
			res.AgentsRun = append(res.AgentsRun, out.sub.Agent)
		}
	}

	if stopped(ctx, res) {
		return res, nil
	}
	if cause, reason := joinFailure(outcomes, len(plan.Parts)); cause != "" {
		res.fail(cause, reason)
		return res, nil
	}

	records, err := p.mergeParts(ctx, coord, partBranches, pc, convLog)
	res.Merges = records
	if err != nil {
		var conflict *merge.ConflictError
		if errors.As(err, &conflict) {
			res.Conflict = conflict
			res.fail(state.CauseMergeConflict, conflict.Error())
			return res, nil
		}
		return nil, err
	}

	turn, err := p.invoker.Run(ctx, FinalReviewer, invoker.TurnContext{
		TaskID:      taskID,
		Description: reviewDescription(pc.Description, records),
		ContainerID: pc.ContainerID,
		Workdir:     pc.Workdir,
	}, convLog, account)
	if err != nil {
		if errors.Is(err, cost.ErrBudgetExceeded) {
			res.fail(state.CauseBudgetExceeded, err.Error())
			return res, nil
		}
		if stopped(ctx, res) {
			return res, nil
		}
		return nil, fmt.Errorf("finalizing review failed: %w", err)
	}
	res.AgentsRun = append(res.AgentsRun, FinalReviewer)
	res.FinalText = turn.Response
	res.Success = true
	res.Reason = "complete"

	log.Info("parallel run finished",
		zap.Int("parts", len(plan.Parts)),
		zap.Int("merged", len(records)))
	return res, nil
}

// runPart executes one part: state record, container, a single turn of the
// assigned agent against a clone of the parent transcript and a slice of
// the parent budget.
func (p *Parallel) runPart(ctx context.Context, part planner.Part, partNum int, pc ParallelContext, parentLog *conversation.Log, account *cost.Account) *partOutcome {
	branch := git.PartBranch(pc.TaskID, partNum)
	out := &partOutcome{log: parentLog.Clone()}
	log := p.logger.WithTaskID(pc.TaskID).WithFields(zap.Int("part", partNum))

	sub := &state.Subtask{
		ID:          state.SubtaskID(pc.TaskID, partNum),
		TaskID:      pc.TaskID,
		Part:        partNum,
		Description: part.Description,
		Agent:       part.Agent,
		Files:       part.AssignedFiles,
		Branch:      branch,
		Status:      state.StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	out.sub = sub
	p.saveSubtask(sub, log)
	publish(ctx, p.bus, log, events.TaskSubject(pc.TaskID), bus.NewEvent(
		events.SubtaskStarted, "executor.parallel", map[string]interface{}{
			"task_id":    pc.TaskID,
			"subtask_id": sub.ID,
			"agent":      part.Agent,
			"branch":     branch,
		}))

	spec := pc.ContainerSpec
	spec.Name = fmt.Sprintf("gaffer-%s-part%d", pc.TaskID, partNum)
	spec.Labels = container.PartLabels(pc.Project.Name, pc.TaskID, partNum)
	spec.Env = envWithBranch(pc.ContainerSpec.Env, branch)

	containerID, err := p.containers.Create(ctx, spec)
	if err != nil {
		p.finishPart(ctx, out, state.StatusFailed, fmt.Sprintf("container allocation failed: %v", err), log)
		out.err = fmt.Errorf("part %d container: %w", partNum, err)
		return out
	}
	sub.ContainerID = containerID
	p.saveSubtask(sub, log)
	defer func() {
		// The group context may already be cancelled; teardown gets its own.
		dctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		if err := p.containers.Destroy(dctx, containerID); err != nil && !errors.Is(err, container.ErrContainerNotFound) {
			log.Warn("failed to destroy part container", zap.Error(err))
		}
	}()

	slice := account.Slice()
	turn, err := p.invoker.Run(ctx, part.Agent, invoker.TurnContext{
		TaskID:      sub.ID,
		Description: partDescription(pc.Description, part),
		ContainerID: containerID,
		Workdir:     spec.Workdir,
	}, out.log, slice)

	switch {
	case err != nil && errors.Is(err, cost.ErrBudgetExceeded):
		out.budget = true
		out.err = err
		p.finishPart(ctx, out, state.StatusFailed, err.Error(), log)
	case err != nil && ctx.Err() != nil:
		out.err = ctx.Err()
		p.finishPart(ctx, out, state.StatusCancelled, "cancelled", log)
	case err != nil:
		out.err = err
		p.finishPart(ctx, out, state.StatusFailed, err.Error(), log)
	default:
		sub.Result = turn.Decision.Reason
		if sub.Result == "" {
			sub.Result = firstLine(turn.Response)
		}
		p.finishPart(ctx, out, state.StatusCompleted, "", log)
	}
	return out
}

// finishPart stamps and persists the subtask's terminal state and publishes
// the matching event.
func (p *Parallel) finishPart(ctx context.Context, out *partOutcome, status state.Status, detail string, log *logger.Logger) {
	sub := out.sub
	now := time.Now().UTC()
	sub.Status = status
	sub.CompletedAt = &now
	if detail != "" && sub.Result == "" {
		sub.Result = detail
	}
	p.saveSubtask(sub, log)

	eventType := events.SubtaskCompleted
	if status != state.StatusCompleted {
		eventType = events.SubtaskFailed
	}
	publish(ctx, p.bus, log, events.TaskSubject(sub.TaskID), bus.NewEvent(
		eventType, "executor.parallel", map[string]interface{}{
			"task_id":    sub.TaskID,
			"subtask_id": sub.ID,
			"status":     string(status),
			"detail":     detail,
		}))
	log.Info("part finished", zap.String("status", string(status)))
}

func (p *Parallel) saveSubtask(sub *state.Subtask, log *logger.Logger) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveSubtask(sub); err != nil {
		log.Warn("failed to persist subtask state", zap.Error(err))
	}
}

// mergeParts folds the part branches into the coordination branch and notes
// the outcome in the transcript.
func (p *Parallel) mergeParts(ctx context.Context, coord string, branches []string, pc ParallelContext, convLog *conversation.Log) ([]merge.Record, error) {
	log := p.logger.WithTaskID(pc.TaskID)
	publish(ctx, p.bus, log, events.MergeSubject(pc.TaskID), bus.NewEvent(
		events.MergeStarted, "executor.parallel", map[string]interface{}{
			"task_id":  pc.TaskID,
			"target":   coord,
			"branches": len(branches),
		}))

	records, err := p.merger.Merge(ctx, coord, branches)
	if err != nil {
		var conflict *merge.ConflictError
		if errors.As(err, &conflict) {
			convLog.AppendNote("merger", conflictNote(conflict), true)
			publish(ctx, p.bus, log, events.MergeSubject(pc.TaskID), bus.NewEvent(
				events.MergeConflict, "executor.parallel", map[string]interface{}{
					"task_id": pc.TaskID,
					"part":    conflict.Part,
					"files":   strings.Join(conflict.Files, ","),
				}))
		}
		return records, err
	}

	convLog.AppendNote("merger", mergeNote(records), true)
	publish(ctx, p.bus, log, events.MergeSubject(pc.TaskID), bus.NewEvent(
		events.MergeCompleted, "executor.parallel", map[string]interface{}{
			"task_id": pc.TaskID,
			"merged":  len(records),
		}))
	return records, nil
}

// anyFailed reports whether a finished part failed for any reason.
func anyFailed(outcomes []*partOutcome) bool {
	for _, out := range outcomes {
		if out != nil && out.err != nil {
			return true
		}
	}
	return false
}

// joinFailure resolves the outcomes of all parts into a task failure cause,
// or "" when every part completed. A permanent failure names its part even
// when siblings were cancelled in its wake.
func joinFailure(outcomes []*partOutcome, total int) (cause, reason string) {
	budget := false
	cancelled := ""
	for i, out := range outcomes {
		switch {
		case out == nil:
			if cancelled == "" {
				cancelled = fmt.Sprintf("part %d never started", i+1)
			}
		case out.budget:
			budget = true
		case out.sub.Status == state.StatusCancelled:
			if cancelled == "" {
				cancelled = fmt.Sprintf("part %d was cancelled", i+1)
			}
		case out.err != nil:
			return state.CausePartFailed, fmt.Sprintf("part %d failed: %v", i+1, out.err)
		}
	}
	if budget {
		return state.CauseBudgetExceeded, "shared budget exhausted across parts"
	}
	if cancelled != "" {
		return state.CausePartFailed, cancelled
	}
	if countDone(outcomes) != total {
		return state.CausePartFailed, "not every part completed"
	}
	return "", ""
}

func countDone(outcomes []*partOutcome) int {
	n := 0
	for _, out := range outcomes {
		if out != nil && out.sub.Status == state.StatusCompleted {
			n++
		}
	}
	return n
}

// envWithBranch copies env and records the branch the part works on.
func envWithBranch(env []string, branch string) []string {
	out := make([]string, 0, len(env)+1)
	out = append(out, env...)
	return append(out, "GAFFER_TASK_BRANCH="+branch)
}

// partDescription scopes the task description down to one part.
func partDescription(taskDesc string, part planner.Part) string {
	var b strings.Builder
	b.WriteString(taskDesc)
	b.WriteString("\n\nYour part of this task: ")
	b.WriteString(part.Description)
	if len(part.AssignedFiles) > 0 {
		b.WriteString("\nOnly modify these files: ")
		b.WriteString(strings.Join(part.AssignedFiles, ", "))
	}
	b.WriteString("\nOther parts run in parallel on their own branches; do not touch files outside your assignment.")
	return b.String()
}

// reviewDescription frames the finalizing review.
func reviewDescription(taskDesc string, records []merge.Record) string {
	var b strings.Builder
	b.WriteString(taskDesc)
	fmt.Fprintf(&b, "\n\nAll %d parts of this task are merged into the working tree. ", len(records))
	b.WriteString("Review the combined result for consistency and correctness across part boundaries.")
	return b.String()
}

func conflictNote(conflict *merge.ConflictError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merge stopped: part %d (%s) conflicts in %s.",
		conflict.Part, conflict.Branch, strings.Join(conflict.Files, ", "))
	if len(conflict.Merged) > 0 {
		b.WriteString(" Already merged:")
		for _, rec := range conflict.Merged {
			fmt.Fprintf(&b, " part %d (%s)", rec.Part, rec.Commit)
		}
		b.WriteString(".")
	}
	b.WriteString(" All part branches are preserved for manual resolution.")
	return b.String()
}

func mergeNote(records []merge.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merged %d part branches:", len(records))
	for _, rec := range records {
		fmt.Fprintf(&b, " part %d at %s (%d files)", rec.Part, rec.Commit, len(rec.Files))
	}
	return b.String()
}

// firstLine trims a response down to a one-line result summary.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
