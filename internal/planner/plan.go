// Package planner classifies a task and chooses the agent sequence and
// parallelization strategy.
package planner

import "fmt"

// TaskType classifies what kind of work a task is.
type TaskType string

const (
	TaskImplementation TaskType = "implementation"
	TaskAnalysis       TaskType = "analysis"
	TaskDocumentation  TaskType = "documentation"
	TaskMixed          TaskType = "mixed"
)

// ComplexityLabel buckets the numeric complexity score.
type ComplexityLabel string

const (
	ComplexitySimple  ComplexityLabel = "simple"
	ComplexityMedium  ComplexityLabel = "medium"
	ComplexityComplex ComplexityLabel = "complex"
)

// Parallelization bounds for a plan.
const (
	MinParts              = 2
	MaxParts              = 5
	minParallelComplexity = 3
)

// Part is one independent subtask of a parallelizable plan.
type Part struct {
	Description   string   `json:"description"`
	AssignedFiles []string `json:"assigned_files"`
	Agent         string   `json:"agent"`
	// Dependencies are zero-based indices of parts that must finish first.
	Dependencies []int `json:"dependencies,omitempty"`
}

// Plan is the planner's decision for one task.
type Plan struct {
	TaskType        TaskType        `json:"task_type"`
	Agents          []string        `json:"agents"`
	Reasoning       string          `json:"reasoning,omitempty"`
	Complexity      int             `json:"complexity"`
	ComplexityLabel ComplexityLabel `json:"complexity_label"`
	Parallel        bool            `json:"parallel"`
	Parts           []Part          `json:"parts,omitempty"`
	// SerialReason records why parallel execution was ruled out.
	SerialReason string `json:"serial_reason,omitempty"`
	// Fallback marks plans produced without a usable planner response.
	Fallback bool `json:"fallback,omitempty"`
}

// DefaultPlan is used when the planning agent fails or returns garbage.
func DefaultPlan() *Plan {
	return &Plan{
		TaskType:        TaskImplementation,
		Agents:          []string{"architect", "coder", "reviewer"},
		Complexity:      5,
		ComplexityLabel: ComplexityMedium,
		Parallel:        false,
		Fallback:        true,
	}
}

// labelFor buckets a 1-10 score.
func labelFor(score int) ComplexityLabel {
	switch {
	case score <= 3:
		return ComplexitySimple
	case score <= 7:
		return ComplexityMedium
	default:
		return ComplexityComplex
	}
}

// applyParallelGuard downgrades a parallel plan to serial unless it meets
// every precondition: sufficient complexity, a sane part count, pairwise
// disjoint file sets and an acyclic dependency graph.
func applyParallelGuard(p *Plan) {
	if !p.Parallel {
		return
	}

	switch {
	case p.Complexity < minParallelComplexity:
		p.serializeBecause(fmt.Sprintf("complexity %d below parallel threshold %d", p.Complexity, minParallelComplexity))
	case len(p.Parts) < MinParts || len(p.Parts) > MaxParts:
		p.serializeBecause(fmt.Sprintf("%d parts outside allowed range %d-%d", len(p.Parts), MinParts, MaxParts))
	case !filesDisjoint(p.Parts):
		p.serializeBecause("parts share assigned files")
	case !dependenciesValid(p.Parts):
		p.serializeBecause("part dependencies are out of range or cyclic")
	}
}

func (p *Plan) serializeBecause(reason string) {
	p.Parallel = false
	p.Parts = nil
	p.SerialReason = reason
}

// filesDisjoint reports whether every file appears in at most one part.
func filesDisjoint(parts []Part) bool {
	seen := make(map[string]bool)
	for _, part := range parts {
		for _, f := range part.AssignedFiles {
			if seen[f] {
				return false
			}
			seen[f] = true
		}
	}
	return true
}

// dependenciesValid reports whether every dependency index is in range and
// the dependency graph over parts has no cycle.
func dependenciesValid(parts []Part) bool {
	n := len(parts)
	for _, part := range parts {
		for _, d := range part.Dependencies {
			if d < 0 || d >= n {
				return false
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make([]int, n)

	var visit func(i int) bool
	visit = func(i int) bool {
		switch state[i] {
		case visiting:
			return false
		case done:
			return true
		}
		state[i] = visiting
		for _, d := range parts[i].Dependencies {
			if !visit(d) {
				return false
			}
		}
		state[i] = done
		return true
	}

	for i := 0; i < n; i++ {
		if !visit(i) {
			return false
		}
	}
	return true
}

// ExecutionWaves groups part indices into dependency layers: wave k holds
// parts whose dependencies are all in earlier waves. Independent parts land
// in wave 0 and run fully fanned out. Assumes dependenciesValid.
func ExecutionWaves(parts []Part) [][]int {
	n := len(parts)
	assigned := make([]bool, n)
	var waves [][]int

	for remaining := n; remaining > 0; {
		var wave []int
		for i := 0; i < n; i++ {
			if assigned[i] {
				continue
			}
			ready := true
			for _, d := range parts[i].Dependencies {
				if !assigned[d] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, i)
			}
		}
		if len(wave) == 0 {
			// Cyclic input; guarded against upstream.
			break
		}
		for _, i := range wave {
			assigned[i] = true
		}
		remaining -= len(wave)
		waves = append(waves, wave)
	}
	return waves
}
