// Package supervisor manages background task workers: detached spawn under a
// concurrency cap, cancellation, restart, and the sweep that reclaims
// resources of workers that died without cleaning up.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/common/config"
	"github.com/gafferdev/gaffer/internal/common/logger"
	"github.com/gafferdev/gaffer/internal/runtime/container"
	"github.com/gafferdev/gaffer/internal/state"
)

var (
	// ErrCapacityExceeded is returned when the running-task cap is reached.
	ErrCapacityExceeded = errors.New("maximum parallel tasks reached")
	// ErrTaskNotRunning is returned when cancelling a task that already finished.
	ErrTaskNotRunning = errors.New("task is not running")
	// ErrTaskStillRunning is returned when restarting a task that has not finished.
	ErrTaskStillRunning = errors.New("task is still running")
)

const (
	// gracefulWait is how long a cancelled worker gets to clean up after
	// SIGTERM before it is killed.
	gracefulWait = 5 * time.Second
	// forceWait bounds the wait after SIGKILL.
	forceWait = 1 * time.Second
	// pollInterval is the pid probe cadence while waiting for an exit.
	pollInterval = 100 * time.Millisecond
)

// WorkerCommand builds the executable and argv of a detached worker process.
type WorkerCommand func(task *state.Task) (string, []string)

// Supervisor spawns and manages detached task workers. It communicates with
// them exclusively through the state store and their log files; there is no
// IPC channel, which keeps workers alive across supervisor restarts.
type Supervisor struct {
	cfg        *config.GlobalConfig
	store      *state.Store
	containers container.Runtime // nil when the container runtime is unreachable
	logger     *logger.Logger
	worker     WorkerCommand
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithWorkerCommand overrides how worker processes are spawned. Tests use it
// to substitute a stand-in process for the real worker binary.
func WithWorkerCommand(fn WorkerCommand) Option {
	return func(s *Supervisor) { s.worker = fn }
}

// New creates a Supervisor. The container runtime may be nil, in which case
// sweeps are skipped; everything else still works.
func New(cfg *config.GlobalConfig, store *state.Store, containers container.Runtime, log *logger.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		store:      store,
		containers: containers,
		logger:     log.WithFields(zap.String("component", "supervisor")),
		worker:     defaultWorkerCommand,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// defaultWorkerCommand re-invokes the current binary with the hidden worker
// subcommand.
func defaultWorkerCommand(task *state.Task) (string, []string) {
	exe, err := os.Executable()
	if err != nil {
		exe = "gaffer"
	}
	return exe, []string{"worker", task.ID, task.Project, task.Description}
}

// Start spawns a detached worker for a new background task and returns its
// record with id, pid and log path filled in.
func (s *Supervisor) Start(ctx context.Context, project, description string) (*state.Task, error) {
	return s.launch(ctx, project, description, "")
}

// Restart creates a fresh task copying the project and description of a
// finished one, pointing back at it via restarted_from, and starts it in the
// background. The prior conversation is not inherited.
func (s *Supervisor) Restart(ctx context.Context, id string) (*state.Task, error) {
	old, err := s.store.Load(id)
	if err != nil {
		return nil, err
	}
	if old.Status == state.StatusRunning {
		return nil, fmt.Errorf("%w: %s; cancel it first", ErrTaskStillRunning, id)
	}
	return s.launch(ctx, old.Project, old.Description, old.ID)
}

func (s *Supervisor) launch(ctx context.Context, project, description, restartedFrom string) (*state.Task, error) {
	// Reconcile first so dead workers do not hold capacity slots, and sweep
	// whatever they left behind.
	if _, err := s.store.Sync(); err != nil {
		return nil, fmt.Errorf("failed to reconcile task state: %w", err)
	}
	s.sweepFinished(ctx)

	running, err := s.store.ListRunning()
	if err != nil {
		return nil, err
	}
	if len(running) >= s.cfg.MaxParallelTasks {
		return nil, fmt.Errorf("%w: %d of %d", ErrCapacityExceeded, len(running), s.cfg.MaxParallelTasks)
	}

	task, err := state.NewTask(project, description)
	if err != nil {
		return nil, err
	}
	task.RestartedFrom = restartedFrom

	if err := os.MkdirAll(s.cfg.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	logPath := filepath.Join(s.cfg.LogsDir, task.ID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	exe, args := s.worker(task)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	// Own process group: the worker survives this process and never receives
	// the terminal's Ctrl+C; cancellation is always an explicit signal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn worker: %w", err)
	}

	task.PID = cmd.Process.Pid
	task.LogFile = logPath
	if err := s.store.Save(task); err != nil {
		// The worker waits for this record before doing anything; without it
		// the process is useless, so take it down again.
		_ = syscall.Kill(-task.PID, syscall.SIGKILL)
		_ = cmd.Wait()
		return nil, fmt.Errorf("failed to persist task %s: %w", task.ID, err)
	}
	// Reap the worker if it exits while this process is still around, e.g.
	// under interactive mode. When this process exits first the worker is
	// re-parented and init reaps it.
	go func() { _ = cmd.Wait() }()

	s.logger.Info("spawned background worker",
		zap.String("task_id", task.ID),
		zap.String("project", project),
		zap.Int("pid", task.PID),
		zap.String("log", logPath))
	return task, nil
}

// Cancel stops a running background task: SIGTERM, a graceful window for the
// worker's own cleanup, then SIGKILL. The task transitions to cancelled and
// any containers the worker left behind are destroyed.
func (s *Supervisor) Cancel(ctx context.Context, id string) (*state.Task, error) {
	task, err := s.store.Load(id)
	if err != nil {
		return nil, err
	}
	if task.Status != state.StatusRunning {
		return task, fmt.Errorf("%w: %s is %s", ErrTaskNotRunning, id, task.Status)
	}

	if task.PID > 0 {
		s.terminate(task.PID)
	}

	updated, err := s.store.Update(id, func(t *state.Task) error {
		if t.Status == state.StatusRunning {
			t.Finish(state.StatusCancelled)
			t.CurrentAgent = ""
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record cancellation of %s: %w", id, err)
	}

	// A force-killed worker never reached its own cleanup handlers.
	s.sweepTask(ctx, id)

	s.logger.Info("cancelled task", zap.String("task_id", id), zap.Int("pid", task.PID))
	return updated, nil
}

// terminate signals the worker's process group and escalates to SIGKILL when
// the graceful window passes without an exit.
func (s *Supervisor) terminate(pid int) {
	target := -pid // process group created at spawn
	if err := syscall.Kill(target, syscall.SIGTERM); err != nil {
		target = pid
		if err := syscall.Kill(target, syscall.SIGTERM); err != nil {
			return // already gone
		}
	}
	if waitGone(pid, gracefulWait) {
		return
	}
	s.logger.Warn("worker ignored SIGTERM, killing", zap.Int("pid", pid))
	_ = syscall.Kill(target, syscall.SIGKILL)
	if !waitGone(pid, forceWait) {
		s.logger.Error("worker did not exit after SIGKILL", zap.Int("pid", pid))
	}
}

// waitGone polls until the pid disappears or the window closes.
func waitGone(pid int, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if !state.PIDAlive(pid) {
			return true
		}
		time.Sleep(pollInterval)
	}
	return !state.PIDAlive(pid)
}

// ListRunning reconciles recorded state against live processes and returns
// the tasks still running, oldest first. An empty project matches all.
func (s *Supervisor) ListRunning(ctx context.Context, project string) ([]*state.Task, error) {
	if _, err := s.store.Sync(); err != nil {
		return nil, fmt.Errorf("failed to reconcile task state: %w", err)
	}
	s.sweepFinished(ctx)

	tasks, err := s.store.ListRunning()
	if err != nil {
		return nil, err
	}
	if project == "" {
		return tasks, nil
	}
	matched := tasks[:0]
	for _, t := range tasks {
		if t.Project == project {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// Sweep destroys managed containers whose owning task is no longer running.
// With all=true every managed container goes, whatever its task's state.
// Returns how many containers were removed.
func (s *Supervisor) Sweep(ctx context.Context, all bool) (int, error) {
	if s.containers == nil {
		return 0, nil
	}
	infos, err := s.containers.ListByLabel(ctx, map[string]string{container.LabelManaged: "true"})
	if err != nil {
		return 0, fmt.Errorf("failed to list managed containers: %w", err)
	}

	removed := 0
	for _, info := range infos {
		if !all && s.taskRunning(info.Labels[container.LabelTask]) {
			continue
		}
		if err := s.containers.Destroy(ctx, info.ID); err != nil {
			if errors.Is(err, container.ErrContainerNotFound) {
				continue
			}
			s.logger.Warn("failed to destroy orphan container",
				zap.String("container_id", info.ID),
				zap.Error(err))
			continue
		}
		s.logger.Info("destroyed orphan container",
			zap.String("container_id", info.ID),
			zap.String("task_id", info.Labels[container.LabelTask]))
		removed++
	}
	return removed, nil
}

// taskRunning reports whether the recorded owner of a container is a task
// that is still running. Unlabeled or unknown owners count as not running.
func (s *Supervisor) taskRunning(taskID string) bool {
	if taskID == "" {
		return false
	}
	task, err := s.store.Load(taskID)
	if err != nil {
		return false
	}
	return task.Status == state.StatusRunning
}

// sweepFinished is the best-effort sweep run on list and start calls.
func (s *Supervisor) sweepFinished(ctx context.Context) {
	n, err := s.Sweep(ctx, false)
	if err != nil {
		s.logger.Debug("container sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("swept orphan containers", zap.Int("count", n))
	}
}

// sweepTask destroys the containers labeled as belonging to one task.
func (s *Supervisor) sweepTask(ctx context.Context, taskID string) {
	if s.containers == nil {
		return
	}
	infos, err := s.containers.ListByLabel(ctx, map[string]string{
		container.LabelManaged: "true",
		container.LabelTask:    taskID,
	})
	if err != nil {
		s.logger.Debug("failed to list task containers", zap.Error(err))
		return
	}
	for _, info := range infos {
		if err := s.containers.Destroy(ctx, info.ID); err != nil && !errors.Is(err, container.ErrContainerNotFound) {
			s.logger.Warn("failed to destroy task container",
				zap.String("container_id", info.ID),
				zap.Error(err))
		}
	}
}
