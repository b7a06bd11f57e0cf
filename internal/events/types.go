// Package events provides event types and utilities for the gaffer event system.
package events

// Event types for tasks
const (
	TaskStarted     = "task.started"
	TaskPlanned     = "task.planned"
	TaskCompleted   = "task.completed"
	TaskFailed      = "task.failed"
	TaskCancelled   = "task.cancelled"
	TaskInterrupted = "task.interrupted"
	TaskRestarted   = "task.restarted"
)

// Event types for subtasks
const (
	SubtaskStarted   = "subtask.started"
	SubtaskCompleted = "subtask.completed"
	SubtaskFailed    = "subtask.failed"
)

// Event types for agent turns
const (
	AgentTurnStarted   = "agent.turn.started"
	AgentTurnCompleted = "agent.turn.completed"
	AgentTurnFailed    = "agent.turn.failed"
	AgentHandoff       = "agent.handoff"
)

// Event types for branch merging
const (
	MergeStarted   = "merge.started"
	MergeCompleted = "merge.completed"
	MergeConflict  = "merge.conflict"
)

// Event types for cost accounting
const (
	CostCharged  = "cost.charged"
	CostExceeded = "cost.exceeded"
)

// Subject prefixes used when publishing scoped events.
const (
	SubjectTasks  = "gaffer.tasks"
	SubjectAgents = "gaffer.agents"
	SubjectMerge  = "gaffer.merge"
	SubjectCost   = "gaffer.cost"
)

// TaskSubject returns the subject for events about one task.
func TaskSubject(taskID string) string {
	return SubjectTasks + "." + taskID
}

// AgentSubject returns the subject for agent turn events within one task.
func AgentSubject(taskID string) string {
	return SubjectAgents + "." + taskID
}

// MergeSubject returns the subject for merge events within one task.
func MergeSubject(taskID string) string {
	return SubjectMerge + "." + taskID
}
