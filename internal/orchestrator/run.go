package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/agent/conversation"
	"github.com/gafferdev/gaffer/internal/agent/cost"
	"github.com/gafferdev/gaffer/internal/agent/invoker"
	"github.com/gafferdev/gaffer/internal/common/config"
	"github.com/gafferdev/gaffer/internal/common/logger"
	"github.com/gafferdev/gaffer/internal/events"
	"github.com/gafferdev/gaffer/internal/events/bus"
	"github.com/gafferdev/gaffer/internal/executor"
	"github.com/gafferdev/gaffer/internal/merge"
	"github.com/gafferdev/gaffer/internal/planner"
	"github.com/gafferdev/gaffer/internal/runtime/container"
	"github.com/gafferdev/gaffer/internal/runtime/git"
	"github.com/gafferdev/gaffer/internal/runtime/host"
	"github.com/gafferdev/gaffer/internal/state"
)

// execute drives one task through its whole lifecycle. It always returns the
// task in a terminal state; errors are reserved for failures to persist it.
func (o *Orchestrator) execute(ctx context.Context, task *state.Task) (*state.Task, error) {
	log := o.logger.WithTaskID(task.ID)
	ctx, span := o.tracer.Start(ctx, "task.run", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.project", task.Project),
	))
	defer span.End()

	o.publish(ctx, events.TaskSubject(task.ID), events.TaskStarted, map[string]interface{}{
		"task_id":     task.ID,
		"project":     task.Project,
		"description": task.Description,
	})
	log.Info("task started", zap.String("project", task.Project))

	proj, err := o.cfg.LoadProject(task.Project)
	if err != nil {
		return o.finishFailed(ctx, task, state.CauseConfig, err.Error(), nil, log)
	}

	repo, err := o.git(proj)
	if err != nil {
		return o.finishFailed(ctx, task, state.CausePreflight, err.Error(), nil, log)
	}
	hostAdapter := o.host(proj)

	runCtx, cancel := context.WithTimeout(ctx, proj.Safety.MaxDuration())
	defer cancel()

	if err := o.preflight(runCtx, proj, repo, hostAdapter, task.ID); err != nil {
		return o.finishFailed(ctx, task, state.CausePreflight, err.Error(), nil, log)
	}

	account := cost.NewAccount(proj.Safety.MaxCostPerTask)
	convLog := conversation.NewLog()

	// Mirror progress events into the record so status listings track the
	// live run.
	if sub := o.watchProgress(task.ID); sub != nil {
		defer func() { _ = sub.Unsubscribe() }()
	}

	// Isolation: working branch checked out, container over the workspace.
	branch := git.TaskBranch(task.ID)
	if err := repo.CreateBranch(runCtx, branch, proj.BaseBranch); err != nil {
		return o.finishFailed(ctx, task, state.CausePreflight,
			fmt.Sprintf("failed to create task branch: %v", err), account, log)
	}
	if err := repo.Checkout(runCtx, branch); err != nil {
		o.cleanupBranches(repo, proj, task, "", log)
		return o.finishFailed(ctx, task, state.CausePreflight,
			fmt.Sprintf("failed to check out task branch: %v", err), account, log)
	}
	if _, err := o.store.Update(task.ID, func(t *state.Task) error {
		t.Branch = branch
		return nil
	}); err != nil {
		log.Warn("failed to record task branch", zap.Error(err))
	}

	spec := o.taskContainerSpec(proj, task)
	containerID, err := o.containers.Create(runCtx, spec)
	if err != nil {
		o.cleanupBranches(repo, proj, task, "", log)
		return o.finishFailed(ctx, task, state.CausePreflight,
			fmt.Sprintf("failed to create task container: %v", err), account, log)
	}
	log.Info("task isolated",
		zap.String("branch", branch),
		zap.String("container_id", containerID))

	// Planning. The planner degrades to the default chain on any failure.
	plan := planner.New(o.registry, o.model, o.logger).Plan(runCtx, task.Description, account)
	o.publish(ctx, events.TaskSubject(task.ID), events.TaskPlanned, map[string]interface{}{
		"task_id":    task.ID,
		"task_type":  string(plan.TaskType),
		"agents":     strings.Join(plan.Agents, ","),
		"complexity": plan.Complexity,
		"parallel":   plan.Parallel,
		"fallback":   plan.Fallback,
	})
	span.SetAttributes(
		attribute.Bool("plan.parallel", plan.Parallel),
		attribute.Int("plan.complexity", plan.Complexity),
	)

	inv := invoker.New(o.registry, o.model, o.logger,
		invoker.WithTurnTimeout(proj.Safety.TurnTimeout()))
	tc := executor.TaskContext{
		TaskID:      task.ID,
		Description: task.Description,
		ContainerID: containerID,
		Workdir:     workspaceDir,
	}

	var res *executor.Result
	var runErr error
	workBranch := branch
	if plan.Parallel {
		workBranch = git.CoordinationBranch(task.ID)
		par := executor.NewParallel(inv, repo, o.containers,
			merge.NewMerger(repo, o.logger), o.store, o.bus, o.logger)
		res, runErr = par.Run(runCtx, plan, executor.ParallelContext{
			TaskContext:   tc,
			Project:       proj,
			ContainerSpec: spec,
		}, convLog, account)
	} else {
		seq := executor.NewSequential(inv, o.bus, o.logger)
		res, runErr = seq.Run(runCtx, plan, tc, convLog, account)
	}

	// Outcome mapping. The branch surviving cleanup is decided here so the
	// record can name it before anything is deleted.
	var keepBranch string
	switch {
	case runErr != nil:
		task.Fail(state.CauseAgentFailed, runErr.Error())
		keepBranch = o.survivingBranch(repo, proj, workBranch)
	case res.Cancelled:
		task.Finish(state.StatusCancelled)
	case !res.Success:
		task.Fail(res.FailureCause, res.Reason)
		keepBranch = o.survivingBranch(repo, proj, workBranch)
	default:
		testNote := o.runTests(runCtx, proj, containerID, convLog, log)
		prURL, kept := o.finalize(runCtx, repo, hostAdapter, proj, task, res, workBranch, testNote, log)
		task.PRURL = prURL
		if kept {
			keepBranch = workBranch
		}
		task.Finish(state.StatusCompleted)
	}
	task.Branch = keepBranch

	final, finishErr := o.finishTask(ctx, task, res, account, log)

	// Cleanup always runs, after the outcome is durable. Failures here are
	// logged; the supervisor's sweep is the backstop.
	o.destroyContainers(task.ID, log)
	o.cleanupBranches(repo, proj, task, keepBranch, log)

	return final, finishErr
}

// preflight refuses a task before any cost is incurred: the container
// runtime must answer, the base branch must exist, the generated branch
// names must not collide with protected ones, and projects that open pull
// requests need code-host access.
func (o *Orchestrator) preflight(ctx context.Context, proj *config.ProjectConfig, repo git.Runtime, hostAdapter host.Adapter, taskID string) error {
	if proj.Safety.MaxCostPerTask < 0 {
		return fmt.Errorf("%w: maxCostPerTask is negative", ErrPreflight)
	}
	if err := o.containers.Ping(ctx); err != nil {
		return fmt.Errorf("%w: container runtime unreachable: %v", ErrPreflight, err)
	}
	if !repo.BranchExists(ctx, proj.BaseBranch) {
		return fmt.Errorf("%w: base branch %q does not exist in %s", ErrPreflight, proj.BaseBranch, proj.RepoPath)
	}
	for _, branch := range []string{git.TaskBranch(taskID), git.CoordinationBranch(taskID)} {
		if proj.IsProtected(branch) {
			return fmt.Errorf("%w: generated branch %q is protected", ErrPreflight, branch)
		}
	}
	if proj.PullRequest.Enabled {
		ok, err := hostAdapter.CheckAccess(ctx, "")
		if err != nil {
			return fmt.Errorf("%w: code host check failed: %v", ErrPreflight, err)
		}
		if !ok {
			return fmt.Errorf("%w: not authenticated with the code host", ErrPreflight)
		}
	}
	return nil
}

// taskContainerSpec builds the task container: repository mounted at the
// workspace, shared tools read-only, project env plus task identity.
func (o *Orchestrator) taskContainerSpec(proj *config.ProjectConfig, task *state.Task) container.Spec {
	env := []string{
		"GAFFER_TASK_ID=" + task.ID,
		"GAFFER_PROJECT=" + proj.Name,
		"GAFFER_TASK_BRANCH=" + git.TaskBranch(task.ID),
	}
	for _, k := range sortedKeys(proj.Container.Env) {
		env = append(env, k+"="+proj.Container.Env[k])
	}

	mounts := []container.Mount{
		{Source: proj.RepoPath, Target: workspaceDir},
	}
	if o.cfg.ToolsDir != "" {
		if _, err := os.Stat(o.cfg.ToolsDir); err == nil {
			mounts = append(mounts, container.Mount{
				Source:   o.cfg.ToolsDir,
				Target:   toolsMount,
				ReadOnly: true,
			})
		}
	}

	return container.Spec{
		Name:  "gaffer-" + task.ID,
		Image: proj.Container.Image,
		Limits: container.Limits{
			MemoryMB: proj.Container.MemoryMB,
			CPUs:     proj.Container.CPUs,
		},
		Mounts:  mounts,
		Env:     env,
		Workdir: workspaceDir,
		Network: o.cfg.Docker.Network,
		Labels:  container.TaskLabels(proj.Name, task.ID),
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// watchProgress mirrors agent turn events into the task record so status
// listings show the live run. Returns nil when there is no bus.
func (o *Orchestrator) watchProgress(taskID string) bus.Subscription {
	if o.bus == nil {
		return nil
	}
	sub, err := o.bus.Subscribe(events.AgentSubject(taskID), func(_ context.Context, e *bus.Event) error {
		switch e.Type {
		case events.AgentTurnStarted:
			agent, _ := e.Data["agent"].(string)
			progress := state.Progress{
				Percent:    asInt(e.Data["percent"]),
				ETASeconds: asInt(e.Data["eta_seconds"]),
			}
			if _, err := o.store.Update(taskID, func(t *state.Task) error {
				t.CurrentAgent = agent
				t.Progress = progress
				return nil
			}); err != nil {
				o.logger.Debug("failed to record turn start", zap.Error(err))
			}
		case events.AgentTurnCompleted:
			agent, _ := e.Data["agent"].(string)
			progress := state.Progress{
				Percent:    asInt(e.Data["percent"]),
				ETASeconds: asInt(e.Data["eta_seconds"]),
			}
			if _, err := o.store.Update(taskID, func(t *state.Task) error {
				t.CurrentAgent = ""
				t.Progress = progress
				if agent != "" && !containsString(t.CompletedAgents, agent) {
					t.CompletedAgents = append(t.CompletedAgents, agent)
				}
				return nil
			}); err != nil {
				o.logger.Debug("failed to record turn completion", zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		o.logger.Debug("progress subscription unavailable", zap.Error(err))
		return nil
	}
	return sub
}

// asInt reads a numeric event field that may arrive as an int or, after JSON
// transport, a float64.
func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// finishFailed stamps a failure onto the task and persists it.
func (o *Orchestrator) finishFailed(ctx context.Context, task *state.Task, cause, message string, account *cost.Account, log *logger.Logger) (*state.Task, error) {
	task.Fail(cause, message)
	return o.finishTask(ctx, task, nil, account, log)
}

// finishTask persists the terminal state and publishes the matching event.
// The record is updated in place so progress fields written concurrently by
// the watcher are not lost to a stale overwrite.
func (o *Orchestrator) finishTask(ctx context.Context, task *state.Task, res *executor.Result, account *cost.Account, log *logger.Logger) (*state.Task, error) {
	if account != nil {
		task.Cost = costSummary(account.Totals())
	}
	task.CurrentAgent = ""
	if res != nil && len(res.AgentsRun) > 0 {
		task.CompletedAgents = res.AgentsRun
	}
	if task.Status == state.StatusCompleted {
		task.Progress = state.Progress{Percent: 100}
	}
	if subs, err := o.store.LoadSubtasks(task.ID); err == nil && len(subs) > 0 {
		ids := make([]string, len(subs))
		for i, sub := range subs {
			ids[i] = sub.ID
		}
		task.Subtasks = ids
	}

	final := *task
	updated, err := o.store.Update(task.ID, func(t *state.Task) error {
		t.Status = final.Status
		t.CompletedAt = final.CompletedAt
		t.FailureCause = final.FailureCause
		t.Error = final.Error
		t.Cost = final.Cost
		t.CurrentAgent = final.CurrentAgent
		if len(final.CompletedAgents) > 0 {
			t.CompletedAgents = final.CompletedAgents
		}
		t.Progress = final.Progress
		t.Branch = final.Branch
		t.PRURL = final.PRURL
		t.Subtasks = final.Subtasks
		return nil
	})
	if err != nil {
		log.Error("failed to persist terminal task state", zap.Error(err))
		if saveErr := o.store.Save(task); saveErr != nil {
			return task, fmt.Errorf("failed to persist task %s: %w", task.ID, saveErr)
		}
		updated = task
	}

	o.publish(ctx, events.TaskSubject(task.ID), terminalEvent(task.Status), map[string]interface{}{
		"task_id": task.ID,
		"status":  string(task.Status),
		"cause":   task.FailureCause,
		"error":   task.Error,
	})
	log.Info("task finished",
		zap.String("status", string(task.Status)),
		zap.String("cause", task.FailureCause),
		zap.String("branch", task.Branch),
		zap.String("pr_url", task.PRURL))
	return updated, nil
}

func terminalEvent(s state.Status) string {
	switch s {
	case state.StatusCompleted:
		return events.TaskCompleted
	case state.StatusCancelled:
		return events.TaskCancelled
	default:
		return events.TaskFailed
	}
}

// costSummary converts account totals into the persisted form.
func costSummary(t cost.Totals) *state.CostSummary {
	per := make(map[string]float64, len(t.PerAgent))
	for agent, at := range t.PerAgent {
		per[agent] = at.Dollars
	}
	return &state.CostSummary{
		Dollars:   t.Dollars,
		TokensIn:  int(t.TokensIn),
		TokensOut: int(t.TokensOut),
		PerAgent:  per,
	}
}
