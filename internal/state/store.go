package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/common/logger"
)

var (
	// ErrTaskNotFound is returned when no state exists for a task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrSubtaskNotFound is returned when no state exists for a subtask id.
	ErrSubtaskNotFound = errors.New("subtask not found")
)

const (
	stateFile    = "state.json"
	lockFile     = ".lock"
	subtasksDir  = "subtasks"
	readRetryGap = 50 * time.Millisecond
)

// Store persists task and subtask records as JSON files under a state
// directory, one subdirectory per task. Concurrent writers from separate
// processes are serialized with a per-task advisory file lock.
type Store struct {
	dir    string
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*flock.Flock
}

// NewStore opens (and creates if needed) a store rooted at dir.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "state"), zap.String("dir", dir)),
		locks:  make(map[string]*flock.Flock),
	}, nil
}

// Dir returns the root state directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) taskDir(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.taskDir(id), stateFile)
}

func (s *Store) subtaskPath(taskID, subtaskID string) string {
	return filepath.Join(s.taskDir(taskID), subtasksDir, subtaskID+".json")
}

// fileLock returns the advisory lock for a task, creating its directory on
// first use so the lock file has somewhere to live.
func (s *Store) fileLock(id string) (*flock.Flock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fl, ok := s.locks[id]; ok {
		return fl, nil
	}
	if err := os.MkdirAll(s.taskDir(id), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create task directory: %w", err)
	}
	fl := flock.New(filepath.Join(s.taskDir(id), lockFile))
	s.locks[id] = fl
	return fl, nil
}

// withLock runs fn while holding the task's exclusive file lock.
func (s *Store) withLock(id string, fn func() error) error {
	fl, err := s.fileLock(id)
	if err != nil {
		return err
	}
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("failed to lock task %s: %w", id, err)
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("failed to unlock task", zap.String("task_id", id), zap.Error(err))
		}
	}()
	return fn()
}

// writeAtomic writes data to path via a temp file and rename so readers never
// observe a truncated file.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Save persists a task record, replacing any previous version.
func (s *Store) Save(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	return s.withLock(task.ID, func() error {
		return s.saveLocked(task)
	})
}

func (s *Store) saveLocked(task *Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}
	if err := writeAtomic(s.statePath(task.ID), data); err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

// Load reads one task record. Readers retry once after a short pause when the
// file fails to parse, in case a writer without the lock (an older CLI) was
// mid-write.
func (s *Store) Load(id string) (*Task, error) {
	task, err := s.readTask(id)
	if err == nil || errors.Is(err, ErrTaskNotFound) {
		return task, err
	}
	time.Sleep(readRetryGap)
	return s.readTask(id)
}

func (s *Store) readTask(id string) (*Task, error) {
	data, err := os.ReadFile(s.statePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task %s: %w", id, err)
	}
	return &task, nil
}

// Update applies fn to the stored record under the task's lock and persists
// the result. fn sees the latest on-disk state, so concurrent updaters merge
// field by field instead of clobbering each other.
func (s *Store) Update(id string, fn func(*Task) error) (*Task, error) {
	var updated *Task
	err := s.withLock(id, func() error {
		task, err := s.Load(id)
		if err != nil {
			return err
		}
		if err := fn(task); err != nil {
			return err
		}
		if err := s.saveLocked(task); err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a task's directory, including subtask records.
func (s *Store) Delete(id string) error {
	err := s.withLock(id, func() error {
		entries, err := os.ReadDir(s.taskDir(id))
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
			}
			return fmt.Errorf("failed to read task directory: %w", err)
		}
		// Remove everything except the lock file we are holding.
		for _, e := range entries {
			if e.Name() == lockFile {
				continue
			}
			if err := os.RemoveAll(filepath.Join(s.taskDir(id), e.Name())); err != nil {
				return fmt.Errorf("failed to delete task %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return os.RemoveAll(s.taskDir(id))
}

// List returns all task records, oldest first. Records that fail to parse are
// skipped with a warning rather than failing the listing.
func (s *Store) List() ([]*Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}
	tasks := make([]*Task, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		task, err := s.Load(e.Name())
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				continue
			}
			s.logger.Warn("skipping unreadable task state",
				zap.String("task_id", e.Name()),
				zap.Error(err))
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].StartedAt.Before(tasks[j].StartedAt)
	})
	return tasks, nil
}

// ListByProject returns all tasks recorded for one project path.
func (s *Store) ListByProject(project string) ([]*Task, error) {
	tasks, err := s.List()
	if err != nil {
		return nil, err
	}
	matched := tasks[:0]
	for _, t := range tasks {
		if t.Project == project {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// ListRunning returns all tasks whose recorded status is running. Callers
// that need live truth should Sync first.
func (s *Store) ListRunning() ([]*Task, error) {
	tasks, err := s.List()
	if err != nil {
		return nil, err
	}
	running := tasks[:0]
	for _, t := range tasks {
		if t.Status == StatusRunning {
			running = append(running, t)
		}
	}
	return running, nil
}

// Sync reconciles recorded state with reality: every task recorded as
// running whose worker process is gone is marked interrupted. This is the
// only path that moves a task out of running from outside its own worker.
// It returns the ids that transitioned.
func (s *Store) Sync() ([]string, error) {
	tasks, err := s.List()
	if err != nil {
		return nil, err
	}
	var transitioned []string
	for _, t := range tasks {
		if t.Status != StatusRunning {
			continue
		}
		if t.PID > 0 && PIDAlive(t.PID) {
			continue
		}
		id := t.ID
		_, err := s.Update(id, func(task *Task) error {
			if task.Status != StatusRunning {
				return nil // worker finished between List and Update
			}
			task.Finish(StatusInterrupted)
			return nil
		})
		if err != nil {
			s.logger.Warn("failed to mark task interrupted",
				zap.String("task_id", id),
				zap.Error(err))
			continue
		}
		s.logger.Info("marked orphaned task interrupted",
			zap.String("task_id", id),
			zap.Int("pid", t.PID))
		transitioned = append(transitioned, id)
	}
	return transitioned, nil
}

// PIDAlive probes a process with signal 0.
func PIDAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}

// SaveSubtask persists a subtask record under its parent task.
func (s *Store) SaveSubtask(sub *Subtask) error {
	if sub.TaskID == "" || sub.ID == "" {
		return fmt.Errorf("subtask id is incomplete")
	}
	return s.withLock(sub.TaskID, func() error {
		data, err := json.MarshalIndent(sub, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal subtask %s: %w", sub.ID, err)
		}
		if err := writeAtomic(s.subtaskPath(sub.TaskID, sub.ID), data); err != nil {
			return fmt.Errorf("failed to save subtask %s: %w", sub.ID, err)
		}
		return nil
	})
}

// LoadSubtask reads one subtask record by id. The parent task id is the
// prefix before "-part".
func (s *Store) LoadSubtask(subtaskID string) (*Subtask, error) {
	taskID, ok := parentTaskID(subtaskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubtaskNotFound, subtaskID)
	}
	data, err := os.ReadFile(s.subtaskPath(taskID, subtaskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSubtaskNotFound, subtaskID)
		}
		return nil, fmt.Errorf("failed to read subtask %s: %w", subtaskID, err)
	}
	var sub Subtask
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to parse subtask %s: %w", subtaskID, err)
	}
	return &sub, nil
}

// LoadSubtasks returns a task's subtask records ordered by part index.
func (s *Store) LoadSubtasks(taskID string) ([]*Subtask, error) {
	dir := filepath.Join(s.taskDir(taskID), subtasksDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read subtasks of %s: %w", taskID, err)
	}
	subs := make([]*Subtask, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable subtask state",
				zap.String("file", e.Name()),
				zap.Error(err))
			continue
		}
		var sub Subtask
		if err := json.Unmarshal(data, &sub); err != nil {
			s.logger.Warn("skipping unparsable subtask state",
				zap.String("file", e.Name()),
				zap.Error(err))
			continue
		}
		subs = append(subs, &sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].Part < subs[j].Part
	})
	return subs, nil
}

// parentTaskID extracts the task id from a subtask id of the form
// "<task>-part<k>".
func parentTaskID(subtaskID string) (string, bool) {
	idx := strings.LastIndex(subtaskID, "-part")
	if idx <= 0 {
		return "", false
	}
	return subtaskID[:idx], true
}
