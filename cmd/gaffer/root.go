package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/agent/registry"
	"github.com/gafferdev/gaffer/internal/common/config"
	"github.com/gafferdev/gaffer/internal/common/logger"
	"github.com/gafferdev/gaffer/internal/common/tracing"
	"github.com/gafferdev/gaffer/internal/events"
	"github.com/gafferdev/gaffer/internal/orchestrator"
	"github.com/gafferdev/gaffer/internal/runtime/container"
	"github.com/gafferdev/gaffer/internal/runtime/model"
	"github.com/gafferdev/gaffer/internal/state"
	"github.com/gafferdev/gaffer/internal/supervisor"
)

// version is set by the release build.
var version = "dev"

var (
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

// exitCodeError carries a specific process exit status up to main. A nil
// inner error means the command already reported the outcome itself.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "gaffer",
		Short: "Run multi-agent coding tasks in isolated containers",
		Long: `gaffer takes a plain-language task description, plans which agents should
work on it, and runs them against the project inside an isolated container
on a dedicated git branch. Finished work is pushed and offered as a pull
request; nothing ever lands on a protected branch.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runInteractive(cmd.Context())
		},
	}
	root.AddCommand(
		newTaskCommand(a),
		newStatusCommand(a),
		newLogsCommand(a),
		newCancelCommand(a),
		newRestartCommand(a),
		newApproveCommand(a),
		newRejectCommand(a),
		newCleanupCommand(a),
		newWorkerCommand(a),
	)
	return root
}

// app holds the pieces every subcommand needs. setup builds the cheap parts
// once; the orchestrator graph and the container runtime are constructed on
// demand because most commands never touch them.
type app struct {
	cfg   *config.GlobalConfig
	log   *logger.Logger
	store *state.Store
}

func (a *app) setup() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	store, err := state.NewStore(cfg.TasksDir, log)
	if err != nil {
		return err
	}
	a.cfg, a.log, a.store = cfg, log, store
	return nil
}

// supervisor builds the background-worker manager. Commands that only read
// task state pass withDocker=false to skip probing the daemon; the
// supervisor tolerates a nil container runtime.
func (a *app) supervisor(ctx context.Context, withDocker bool) *supervisor.Supervisor {
	var containers container.Runtime
	if withDocker {
		containers = a.connectDocker(ctx)
	}
	return supervisor.New(a.cfg, a.store, containers, a.log)
}

// connectDocker returns a reachable container runtime or nil.
func (a *app) connectDocker(ctx context.Context) container.Runtime {
	docker, err := container.NewDockerRuntime(a.cfg.Docker, a.log)
	if err != nil {
		a.log.Warn("container runtime unavailable", zap.Error(err))
		return nil
	}
	if err := docker.Ping(ctx); err != nil {
		a.log.Warn("container runtime unreachable", zap.Error(err))
		return nil
	}
	return docker
}

// orchestrator builds the full task-running graph. The Docker client is
// constructed lazily and not pinged here; the orchestrator's own preflight
// reports an unreachable daemon against the task record, where it belongs.
func (a *app) orchestrator() (*orchestrator.Orchestrator, func(), error) {
	docker, err := container.NewDockerRuntime(a.cfg.Docker, a.log)
	if err != nil {
		return nil, nil, fmt.Errorf("container runtime unavailable: %w", err)
	}

	reg := registry.NewRegistry(a.log)
	if err := reg.LoadDefaults(); err != nil {
		return nil, nil, err
	}
	if path := filepath.Join(a.cfg.ConfigDir, "agents.json"); fileExists(path) {
		if err := reg.LoadFromFile(path); err != nil {
			return nil, nil, fmt.Errorf("failed to load agent overrides: %w", err)
		}
	}

	eventBus := events.Provide(a.cfg, a.log)
	orch, err := orchestrator.New(orchestrator.Deps{
		Config:     a.cfg,
		Registry:   reg,
		Model:      model.NewRunnerAdapter(a.cfg.Runner, a.log),
		Containers: docker,
		Store:      a.store,
		Bus:        eventBus,
		Logger:     a.log,
	})
	if err != nil {
		eventBus.Close()
		return nil, nil, err
	}
	cleanup := func() {
		eventBus.Close()
		if err := tracing.Shutdown(context.Background()); err != nil {
			a.log.Debug("tracing shutdown failed", zap.Error(err))
		}
		_ = a.log.Sync()
	}
	return orch, cleanup, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
