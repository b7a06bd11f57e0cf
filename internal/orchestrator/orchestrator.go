// Package orchestrator runs one task end to end: preflight, isolation,
// planning, agent execution, branch merging, finalization and cleanup.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/agent/registry"
	"github.com/gafferdev/gaffer/internal/common/config"
	"github.com/gafferdev/gaffer/internal/common/logger"
	"github.com/gafferdev/gaffer/internal/common/tracing"
	"github.com/gafferdev/gaffer/internal/events/bus"
	"github.com/gafferdev/gaffer/internal/runtime/container"
	"github.com/gafferdev/gaffer/internal/runtime/git"
	"github.com/gafferdev/gaffer/internal/runtime/host"
	"github.com/gafferdev/gaffer/internal/runtime/model"
	"github.com/gafferdev/gaffer/internal/state"
)

const (
	// workspaceDir is where the repository is mounted inside containers.
	workspaceDir = "/workspace"
	// toolsMount is where the shared read-only tools land inside containers.
	toolsMount = "/opt/gaffer/tools"
	// recordWait bounds how long a worker waits for the supervisor to
	// persist its task record after spawning it.
	recordWait = 10 * time.Second
	// cleanupTimeout bounds each teardown step after the run context is gone.
	cleanupTimeout = 30 * time.Second
)

// ErrPreflight wraps every check that refuses a task before any spend.
var ErrPreflight = errors.New("preflight check failed")

// GitFactory builds the repository runtime for one project.
type GitFactory func(proj *config.ProjectConfig) (git.Runtime, error)

// HostFactory builds the code-host adapter for one project.
type HostFactory func(proj *config.ProjectConfig) host.Adapter

// Deps carries the orchestrator's collaborators. Git and Host default to the
// CLI-backed implementations; everything else is required except Bus, which
// may be nil to run without events.
type Deps struct {
	Config     *config.GlobalConfig
	Registry   *registry.Registry
	Model      model.Adapter
	Containers container.Runtime
	Store      *state.Store
	Bus        bus.EventBus
	Logger     *logger.Logger
	Git        GitFactory
	Host       HostFactory
}

// Orchestrator owns the lifecycle of individual tasks. One instance serves
// one process; workers and the foreground CLI both run tasks through it.
type Orchestrator struct {
	cfg        *config.GlobalConfig
	registry   *registry.Registry
	model      model.Adapter
	containers container.Runtime
	store      *state.Store
	bus        bus.EventBus
	logger     *logger.Logger
	git        GitFactory
	host       HostFactory
	tracer     trace.Tracer
}

// New validates deps and creates an Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("orchestrator needs a config")
	case deps.Registry == nil:
		return nil, fmt.Errorf("orchestrator needs an agent registry")
	case deps.Model == nil:
		return nil, fmt.Errorf("orchestrator needs a model adapter")
	case deps.Containers == nil:
		return nil, fmt.Errorf("orchestrator needs a container runtime")
	case deps.Store == nil:
		return nil, fmt.Errorf("orchestrator needs a task store")
	case deps.Logger == nil:
		return nil, fmt.Errorf("orchestrator needs a logger")
	}

	o := &Orchestrator{
		cfg:        deps.Config,
		registry:   deps.Registry,
		model:      deps.Model,
		containers: deps.Containers,
		store:      deps.Store,
		bus:        deps.Bus,
		logger:     deps.Logger.WithFields(zap.String("component", "orchestrator")),
		git:        deps.Git,
		host:       deps.Host,
		tracer:     tracing.Tracer("orchestrator"),
	}
	if o.git == nil {
		o.git = func(proj *config.ProjectConfig) (git.Runtime, error) {
			return git.NewCLIRuntime(proj.RepoPath, proj.ProtectedBranches, o.logger)
		}
	}
	if o.host == nil {
		o.host = func(proj *config.ProjectConfig) host.Adapter {
			if proj.PullRequest.Enabled && host.GHAvailable() {
				return host.NewGHAdapter(proj.RepoPath, o.logger)
			}
			return host.NoopAdapter{}
		}
	}
	return o, nil
}

// Run executes a new task in the calling process and blocks until it reaches
// a terminal state. The returned task carries the outcome; an error is
// reserved for breakage that prevented recording one.
func (o *Orchestrator) Run(ctx context.Context, project, description string) (*state.Task, error) {
	task, err := state.NewTask(project, description)
	if err != nil {
		return nil, err
	}
	task.PID = os.Getpid()
	if err := o.store.Save(task); err != nil {
		return nil, fmt.Errorf("failed to persist task %s: %w", task.ID, err)
	}
	return o.execute(ctx, task)
}

// RunFrom executes a fresh task copying a finished one's project and
// description, linked back through restarted_from. The prior conversation is
// not inherited.
func (o *Orchestrator) RunFrom(ctx context.Context, old *state.Task) (*state.Task, error) {
	task, err := state.NewTask(old.Project, old.Description)
	if err != nil {
		return nil, err
	}
	task.RestartedFrom = old.ID
	task.PID = os.Getpid()
	if err := o.store.Save(task); err != nil {
		return nil, fmt.Errorf("failed to persist task %s: %w", task.ID, err)
	}
	return o.execute(ctx, task)
}

// Resume loads the task record a supervisor created for this worker process
// and executes it. The supervisor persists the record just after the spawn,
// so the first loads may race it.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) (*state.Task, error) {
	deadline := time.Now().Add(recordWait)
	for {
		task, err := o.store.Load(taskID)
		if err == nil {
			return o.execute(ctx, task)
		}
		if !errors.Is(err, state.ErrTaskNotFound) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("task record %s never appeared: %w", taskID, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// publish sends a lifecycle event, logging instead of failing the task when
// the bus is down.
func (o *Orchestrator) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, subject, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		o.logger.Debug("failed to publish event",
			zap.String("subject", subject),
			zap.String("type", eventType),
			zap.Error(err))
	}
}
