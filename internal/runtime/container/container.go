// Package container manages the isolated containers agents and test
// commands run in.
package container

import (
	"context"
	"errors"
	"strconv"
)

var (
	// ErrContainerNotFound is returned when the handle does not name a live container.
	ErrContainerNotFound = errors.New("container not found")

	// ErrUnavailable is returned when the container runtime cannot be reached.
	ErrUnavailable = errors.New("container runtime unavailable")
)

// Ownership labels attached to every container the system creates. The
// supervisor's sweep matches on them to find leftovers.
const (
	LabelManaged = "gaffer.managed"
	LabelTask    = "gaffer.task"
	LabelPart    = "gaffer.part"
	LabelProject = "gaffer.project"
)

// Limits bounds a container's resources.
type Limits struct {
	MemoryMB int64
	CPUs     float64
}

// Mount binds a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes a container to create.
type Spec struct {
	Name    string
	Image   string
	Limits  Limits
	Mounts  []Mount
	Env     []string
	Workdir string
	Network string
	Labels  map[string]string
}

// ExecResult is the outcome of one command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Info describes a live container.
type Info struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// Runtime is the container surface the orchestrator and executors operate
// through. Create returns a handle to a started container that stays up
// until Destroy.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (string, error)
	Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error)
	Destroy(ctx context.Context, id string) error
	ListByLabel(ctx context.Context, labels map[string]string) ([]Info, error)
	Ping(ctx context.Context) error
	Close() error
}

// TaskLabels returns the ownership labels for a task's container.
func TaskLabels(project, taskID string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelProject: project,
		LabelTask:    taskID,
	}
}

// PartLabels returns the ownership labels for one parallel part's container.
func PartLabels(project, taskID string, part int) map[string]string {
	labels := TaskLabels(project, taskID)
	labels[LabelPart] = strconv.Itoa(part)
	return labels
}
