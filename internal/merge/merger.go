// Package merge recombines the part branches of a parallel task into its
// coordination branch.
package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/common/logger"
	"github.com/gafferdev/gaffer/internal/common/tracing"
	"github.com/gafferdev/gaffer/internal/runtime/git"
)

// Record describes one successful part merge.
type Record struct {
	Part   int      `json:"part"`
	Branch string   `json:"branch"`
	Files  []string `json:"files,omitempty"`
	Commit string   `json:"commit"`
}

// ConflictError reports the part whose merge stopped on conflicting files,
// along with the merges that had already landed cleanly. The conflicted
// merge itself is aborted; the landed ones stay.
type ConflictError struct {
	Part   int
	Branch string
	Files  []string
	Merged []Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merging %s (part %d) conflicts in [%s] after %d clean merges",
		e.Branch, e.Part, strings.Join(e.Files, ", "), len(e.Merged))
}

// Unwrap lets errors.Is match git.ErrMergeConflict.
func (e *ConflictError) Unwrap() error { return git.ErrMergeConflict }

// Merger folds part branches into a coordination branch one at a time, in
// part index order. It is the only component that combines task branches,
// and it never invents conflict resolutions.
type Merger struct {
	git    git.Runtime
	logger *logger.Logger
	tracer trace.Tracer
}

// NewMerger creates a Merger over the given repository runtime.
func NewMerger(g git.Runtime, log *logger.Logger) *Merger {
	return &Merger{
		git:    g,
		logger: log.WithFields(zap.String("component", "merger")),
		tracer: tracing.Tracer("merger"),
	}
}

// Merge checks out target and merges branches into it in order, branch k
// being part k+1's work. Given the same target head and the same branches
// in the same order, the resulting history is the same on every run.
//
// On conflict the in-progress merge is aborted, the pre-attempt head is
// restored, and a *ConflictError is returned carrying the offending files
// and the records of merges that already landed. Landed merges are never
// rolled back.
func (m *Merger) Merge(ctx context.Context, target string, branches []string) ([]Record, error) {
	ctx, span := m.tracer.Start(ctx, "merge.run", trace.WithAttributes(
		attribute.String("merge.target", target),
		attribute.Int("merge.branches", len(branches)),
	))
	defer span.End()

	if err := m.git.Checkout(ctx, target); err != nil {
		return nil, fmt.Errorf("failed to checkout %s: %w", target, err)
	}

	merged := make([]Record, 0, len(branches))
	for i, branch := range branches {
		rec, err := m.mergeOne(ctx, target, branch, i+1)
		if err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				conflict.Merged = merged
				span.SetStatus(codes.Error, "merge conflict")
				span.SetAttributes(attribute.Int("merge.conflict_part", conflict.Part))
				return merged, conflict
			}
			span.SetStatus(codes.Error, err.Error())
			return merged, err
		}
		merged = append(merged, *rec)
	}

	m.logger.Info("all part branches merged",
		zap.String("target", target),
		zap.Int("parts", len(merged)))
	return merged, nil
}

func (m *Merger) mergeOne(ctx context.Context, target, branch string, part int) (*Record, error) {
	before, err := m.git.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read head of %s: %w", target, err)
	}
	files, err := m.git.ChangedFiles(ctx, target, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s against %s: %w", branch, target, err)
	}

	commit, err := m.git.MergeNoFF(ctx, branch, fmt.Sprintf("Merge %s into %s", branch, target))
	if err == nil {
		m.logger.Info("part branch merged",
			zap.String("branch", branch),
			zap.Int("part", part),
			zap.Int("files", len(files)),
			zap.String("commit", commit))
		return &Record{Part: part, Branch: branch, Files: files, Commit: commit}, nil
	}
	if !errors.Is(err, git.ErrMergeConflict) {
		return nil, fmt.Errorf("failed to merge %s: %w", branch, err)
	}

	conflicting, listErr := m.git.ConflictingFiles(ctx)
	if listErr != nil {
		m.logger.Warn("failed to list conflicting files", zap.Error(listErr))
	}
	if abortErr := m.git.AbortMerge(ctx); abortErr != nil {
		m.logger.Error("failed to abort conflicted merge",
			zap.String("branch", branch),
			zap.Error(abortErr))
	} else if head, headErr := m.git.Head(ctx); headErr == nil && head != before {
		m.logger.Error("head moved across an aborted merge",
			zap.String("expected", before),
			zap.String("actual", head))
	}

	m.logger.Warn("merge conflict",
		zap.String("branch", branch),
		zap.Int("part", part),
		zap.Strings("conflicting_files", conflicting))
	return nil, &ConflictError{Part: part, Branch: branch, Files: conflicting}
}
