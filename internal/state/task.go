// Package state persists task records under the state directory, one
// subdirectory per task id.
package state

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Failure causes persisted with status=failed.
const (
	CauseBudgetExceeded = "budget-exceeded"
	CauseMergeConflict  = "merge-conflict"
	CauseTimeout        = "timeout"
	CauseCycle          = "cycle"
	CauseMaxIterations  = "max-iterations"
	CausePartFailed     = "part-failed"
	CauseConfig         = "config"
	CausePreflight      = "preflight"
	CauseAgentFailed    = "agent-failed"
)

// Progress is the coarse completion estimate shown by status listings.
type Progress struct {
	Percent    int `json:"percent"`
	ETASeconds int `json:"eta_seconds"`
}

// CostSummary is the final spend breakdown stored with a finished task.
type CostSummary struct {
	Dollars   float64            `json:"dollars"`
	TokensIn  int                `json:"tokens_in"`
	TokensOut int                `json:"tokens_out"`
	PerAgent  map[string]float64 `json:"per_agent,omitempty"`
}

// Task is the persisted task document.
type Task struct {
	ID              string       `json:"id"`
	Project         string       `json:"project"`
	Description     string       `json:"description"`
	Status          Status       `json:"status"`
	PID             int          `json:"pid,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	LogFile         string       `json:"log_file,omitempty"`
	Branch          string       `json:"branch,omitempty"`
	CurrentAgent    string       `json:"current_agent,omitempty"`
	CompletedAgents []string     `json:"completed_agents,omitempty"`
	Progress        Progress     `json:"progress"`
	RestartedFrom   string       `json:"restarted_from,omitempty"`
	ParentID        string       `json:"parent_id,omitempty"`
	Subtasks        []string     `json:"subtasks,omitempty"`
	FailureCause    string       `json:"failure_cause,omitempty"`
	Error           string       `json:"error,omitempty"`
	Cost            *CostSummary `json:"cost,omitempty"`
	PRURL           string       `json:"pr_url,omitempty"`
}

// Subtask is the persisted record of one parallel part.
type Subtask struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	Part        int        `json:"part"`
	Description string     `json:"description"`
	Agent       string     `json:"agent"`
	Files       []string   `json:"files,omitempty"`
	Branch      string     `json:"branch"`
	ContainerID string     `json:"container_id,omitempty"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
}

// NewTaskID generates a 12-character lowercase hex id.
func NewTaskID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate task id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SubtaskID derives the id of part k (1-based) of a task.
func SubtaskID(taskID string, part int) string {
	return fmt.Sprintf("%s-part%d", taskID, part)
}

// NewTask creates a running task with a fresh id.
func NewTask(project, description string) (*Task, error) {
	id, err := NewTaskID()
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:          id,
		Project:     project,
		Description: description,
		Status:      StatusRunning,
		StartedAt:   time.Now().UTC(),
	}, nil
}

// Finish transitions the task to a terminal status and stamps completed_at.
func (t *Task) Finish(status Status) {
	now := time.Now().UTC()
	t.Status = status
	t.CompletedAt = &now
}

// Fail transitions to failed with a cause and message.
func (t *Task) Fail(cause, message string) {
	t.Finish(StatusFailed)
	t.FailureCause = cause
	t.Error = message
}

// Age returns how long ago the task started.
func (t *Task) Age() time.Duration {
	return time.Since(t.StartedAt)
}
