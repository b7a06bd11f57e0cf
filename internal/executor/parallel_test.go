package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gafferdev/gaffer/internal/agent/conversation"
	"github.com/gafferdev/gaffer/internal/agent/cost"
	"github.com/gafferdev/gaffer/internal/agent/invoker"
	"github.com/gafferdev/gaffer/internal/common/config"
	"github.com/gafferdev/gaffer/internal/events"
	"github.com/gafferdev/gaffer/internal/events/bus"
	"github.com/gafferdev/gaffer/internal/merge"
	"github.com/gafferdev/gaffer/internal/planner"
	"github.com/gafferdev/gaffer/internal/runtime/container"
	"github.com/gafferdev/gaffer/internal/runtime/git"
	"github.com/gafferdev/gaffer/internal/runtime/model"
	"github.com/gafferdev/gaffer/internal/state"
)

const parallelTaskID = "a1b2c3d4e5f6"

type parallelFixture struct {
	adapter *model.MockAdapter
	repo    *git.MockRuntime
	cont    *container.MockRuntime
	store   *state.Store
	bus     *bus.MemoryEventBus
	exec    *Parallel
	proj    *config.ProjectConfig
}

func newParallelFixture(t *testing.T) *parallelFixture {
	t.Helper()
	log := testLogger(t)
	f := &parallelFixture{
		adapter: model.NewMockAdapter(),
		repo:    git.NewMockRuntime("main", "main"),
		cont:    container.NewMockRuntime(),
		bus:     bus.NewMemoryEventBus(log),
		proj: &config.ProjectConfig{
			Name:              "demo",
			RepoPath:          "/work/demo",
			BaseBranch:        "main",
			ProtectedBranches: []string{"main"},
		},
	}
	store, err := state.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	f.store = store

	inv := invoker.New(testRegistry(t), f.adapter, log)
	f.exec = NewParallel(inv, f.repo, f.cont, merge.NewMerger(f.repo, log), store, f.bus, log)
	return f
}

func (f *parallelFixture) parallelContext() ParallelContext {
	return ParallelContext{
		TaskContext: TaskContext{
			TaskID:      parallelTaskID,
			Description: "build the api",
			ContainerID: "ctr-task",
			Workdir:     "/workspace",
		},
		Project: f.proj,
		ContainerSpec: container.Spec{
			Image:   "gaffer/worker:latest",
			Workdir: "/workspace",
		},
	}
}

func threeParts() []planner.Part {
	return []planner.Part{
		{Description: "users endpoint", AssignedFiles: []string{"users.go"}, Agent: "coder"},
		{Description: "posts endpoint", AssignedFiles: []string{"posts.go"}, Agent: "coder"},
		{Description: "comments endpoint", AssignedFiles: []string{"comments.go"}, Agent: "coder"},
	}
}

func parallelPlan(parts []planner.Part) *planner.Plan {
	return &planner.Plan{
		TaskType:        planner.TaskImplementation,
		Agents:          []string{"coder"},
		Complexity:      7,
		ComplexityLabel: planner.ComplexityComplex,
		Parallel:        true,
		Parts:           parts,
	}
}

// respondByPrompt answers each invocation based on whose prompt it is, so
// concurrent parts stay deterministic regardless of scheduling.
func respondByPrompt(req model.Request) (*model.Response, error) {
	text := ""
	switch {
	case strings.Contains(req.UserPrompt, "users endpoint"):
		text = "implemented /users\nNEXT: COMPLETE\nREASON: users done"
	case strings.Contains(req.UserPrompt, "posts endpoint"):
		text = "implemented /posts with pagination\nNEXT: COMPLETE\nREASON: posts done"
	case strings.Contains(req.UserPrompt, "comments endpoint"):
		text = "implemented /comments with moderation hooks\nNEXT: COMPLETE\nREASON: comments done"
	case strings.Contains(req.UserPrompt, "merged into the working tree"):
		text = "reviewed the combined endpoints\nNEXT: COMPLETE\nREASON: consistent"
	default:
		return nil, model.NewError(model.KindPermanent, errors.New("unexpected prompt"))
	}
	return &model.Response{Text: text, Dollars: 0.05, TokensIn: 100, TokensOut: 50, Duration: 5 * time.Millisecond}, nil
}

func TestParallelCleanThreePartRun(t *testing.T) {
	f := newParallelFixture(t)
	for i := 0; i < 4; i++ {
		f.adapter.QueueFunc(respondByPrompt)
	}
	taskEvents := recordEvents(t, f.bus, "gaffer.tasks.>")
	mergeEvents := recordEvents(t, f.bus, "gaffer.merge.>")

	convLog := conversation.NewLog()
	account := cost.NewAccount(5.00)
	res, err := f.exec.Run(context.Background(), parallelPlan(threeParts()), f.parallelContext(), convLog, account)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !res.Success {
		t.Fatalf("Success = false, reason %q cause %q", res.Reason, res.FailureCause)
	}
	if len(res.Merges) != 3 {
		t.Fatalf("Merges = %d records, want 3", len(res.Merges))
	}
	for i, rec := range res.Merges {
		if rec.Part != i+1 || rec.Branch != git.PartBranch(parallelTaskID, i+1) {
			t.Errorf("Merges[%d] = part %d branch %s", i, rec.Part, rec.Branch)
		}
	}
	wantAgents := []string{"coder", "coder", "coder", "reviewer"}
	if len(res.AgentsRun) != len(wantAgents) {
		t.Fatalf("AgentsRun = %v, want %v", res.AgentsRun, wantAgents)
	}

	// Transcript: three contiguous part transcripts in index order, then
	// the merge note, then the finalizing review.
	turns := convLog.Turns()
	if len(turns) != 5 {
		t.Fatalf("conversation has %d turns, want 5", len(turns))
	}
	markers := []string{"/users", "/posts", "/comments"}
	for i, marker := range markers {
		if !strings.Contains(turns[i].Response, marker) {
			t.Errorf("turns[%d] = %q, want part %d's transcript", i, turns[i].Response, i+1)
		}
	}
	if turns[3].Speaker != "merger" || turns[4].Speaker != "reviewer" {
		t.Errorf("tail speakers = %s, %s; want merger then reviewer", turns[3].Speaker, turns[4].Speaker)
	}

	// Child branches survive until cleanup.
	ctx := context.Background()
	for part := 1; part <= 3; part++ {
		if !f.repo.BranchExists(ctx, git.PartBranch(parallelTaskID, part)) {
			t.Errorf("part %d branch was deleted", part)
		}
	}
	if got := f.repo.Merged(); len(got) != 3 {
		t.Errorf("repo recorded %d merges, want 3", len(got))
	}

	subs, err := f.store.LoadSubtasks(parallelTaskID)
	if err != nil {
		t.Fatalf("LoadSubtasks failed: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("store has %d subtasks, want 3", len(subs))
	}
	for i, sub := range subs {
		if sub.Status != state.StatusCompleted {
			t.Errorf("subtask %d status = %s, want completed", i+1, sub.Status)
		}
		if sub.ContainerID == "" || sub.Branch == "" {
			t.Errorf("subtask %d missing isolation handles: %+v", i+1, sub)
		}
	}

	if destroyed := f.cont.Destroyed(); len(destroyed) != 3 {
		t.Errorf("destroyed %d part containers, want 3", len(destroyed))
	}
	if live := f.cont.Live(); len(live) != 0 {
		t.Errorf("containers still live after join: %v", live)
	}

	if got := account.Totals().Dollars; got < 0.199 || got > 0.201 {
		t.Errorf("total spend = %.4f, want 0.20", got)
	}

	if n := taskEvents.countType(events.SubtaskStarted); n != 3 {
		t.Errorf("saw %d subtask-started events, want 3", n)
	}
	if n := taskEvents.countType(events.SubtaskCompleted); n != 3 {
		t.Errorf("saw %d subtask-completed events, want 3", n)
	}
	if mergeEvents.countType(events.MergeStarted) != 1 || mergeEvents.countType(events.MergeCompleted) != 1 {
		t.Errorf("merge events missing: %v", mergeEvents.events)
	}
}

func TestParallelPartFailureFailsTask(t *testing.T) {
	f := newParallelFixture(t)
	respond := func(req model.Request) (*model.Response, error) {
		if strings.Contains(req.UserPrompt, "posts endpoint") {
			return nil, model.NewError(model.KindPermanent, errors.New("workspace corrupted"))
		}
		return respondByPrompt(req)
	}
	for i := 0; i < 3; i++ {
		f.adapter.QueueFunc(respond)
	}

	res, err := f.exec.Run(context.Background(), parallelPlan(threeParts()), f.parallelContext(),
		conversation.NewLog(), cost.NewAccount(5.00))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Success || res.FailureCause != state.CausePartFailed {
		t.Errorf("cause = %q, want %q", res.FailureCause, state.CausePartFailed)
	}
	if len(res.Merges) != 0 || len(f.repo.Merged()) != 0 {
		t.Errorf("merging ran despite a failed part")
	}
	for _, req := range f.adapter.Calls() {
		if strings.Contains(req.UserPrompt, "merged into the working tree") {
			t.Errorf("finalizing review ran despite a failed part")
		}
	}

	sub, err := f.store.LoadSubtask(state.SubtaskID(parallelTaskID, 2))
	if err != nil {
		t.Fatalf("LoadSubtask failed: %v", err)
	}
	if sub.Status != state.StatusFailed {
		t.Errorf("part 2 status = %s, want failed", sub.Status)
	}

	// Branches are preserved for inspection.
	if deleted := f.repo.Deleted(); len(deleted) != 0 {
		t.Errorf("branches deleted on failure: %v", deleted)
	}
	if live := f.cont.Live(); len(live) != 0 {
		t.Errorf("part containers leaked: %v", live)
	}
}

func TestParallelMergeConflictFailsTask(t *testing.T) {
	f := newParallelFixture(t)
	for i := 0; i < 3; i++ {
		f.adapter.QueueFunc(respondByPrompt)
	}
	f.repo.SetConflict(git.PartBranch(parallelTaskID, 2), "shared.go")
	mergeEvents := recordEvents(t, f.bus, "gaffer.merge.>")

	convLog := conversation.NewLog()
	res, err := f.exec.Run(context.Background(), parallelPlan(threeParts()), f.parallelContext(),
		convLog, cost.NewAccount(5.00))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Success || res.FailureCause != state.CauseMergeConflict {
		t.Errorf("cause = %q, want %q", res.FailureCause, state.CauseMergeConflict)
	}
	if res.Conflict == nil {
		t.Fatalf("Conflict report missing")
	}
	if res.Conflict.Part != 2 {
		t.Errorf("Conflict.Part = %d, want 2", res.Conflict.Part)
	}
	if len(res.Conflict.Files) != 1 || res.Conflict.Files[0] != "shared.go" {
		t.Errorf("Conflict.Files = %v, want the offending file", res.Conflict.Files)
	}
	if len(res.Conflict.Merged) != 1 || res.Conflict.Merged[0].Part != 1 {
		t.Errorf("Conflict.Merged = %+v, want part 1's prior success", res.Conflict.Merged)
	}

	if deleted := f.repo.Deleted(); len(deleted) != 0 {
		t.Errorf("branches deleted on merge conflict: %v", deleted)
	}
	if mergeEvents.countType(events.MergeConflict) != 1 {
		t.Errorf("merge-conflict event missing")
	}

	// The conflict is on the record for whoever picks the task up.
	noted := false
	for _, turn := range convLog.Turns() {
		if turn.Speaker == "merger" && strings.Contains(turn.Response, "shared.go") {
			noted = true
		}
	}
	if !noted {
		t.Errorf("conflict report missing from the transcript")
	}
}

func TestParallelBudgetExhaustedBeforeTurns(t *testing.T) {
	f := newParallelFixture(t)

	res, err := f.exec.Run(context.Background(), parallelPlan(threeParts()), f.parallelContext(),
		conversation.NewLog(), cost.NewAccount(0.001))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Success || res.FailureCause != state.CauseBudgetExceeded {
		t.Errorf("cause = %q, want budget-exceeded", res.FailureCause)
	}
	if calls := f.adapter.Calls(); len(calls) != 0 {
		t.Errorf("adapter called %d times despite exhausted budget", len(calls))
	}
	if live := f.cont.Live(); len(live) != 0 {
		t.Errorf("part containers leaked: %v", live)
	}
}

func TestParallelDependencyWavesRunInOrder(t *testing.T) {
	f := newParallelFixture(t)
	parts := []planner.Part{
		{Description: "users endpoint", AssignedFiles: []string{"users.go"}, Agent: "coder"},
		{Description: "posts endpoint", AssignedFiles: []string{"posts.go"}, Agent: "coder", Dependencies: []int{0}},
	}
	for i := 0; i < 3; i++ {
		f.adapter.QueueFunc(respondByPrompt)
	}

	res, err := f.exec.Run(context.Background(), parallelPlan(parts), f.parallelContext(),
		conversation.NewLog(), cost.NewAccount(5.00))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, cause %q", res.FailureCause)
	}

	calls := f.adapter.Calls()
	if len(calls) != 3 {
		t.Fatalf("adapter saw %d calls, want 3", len(calls))
	}
	if !strings.Contains(calls[0].UserPrompt, "users endpoint") {
		t.Errorf("wave 1 ran the wrong part")
	}
	if !strings.Contains(calls[1].UserPrompt, "posts endpoint") {
		t.Errorf("wave 2 ran the wrong part")
	}
}

func TestParallelRejectsSerialPlan(t *testing.T) {
	f := newParallelFixture(t)
	plan := parallelPlan(threeParts())
	plan.Parallel = false

	if _, err := f.exec.Run(context.Background(), plan, f.parallelContext(),
		conversation.NewLog(), cost.NewAccount(5.00)); err == nil {
		t.Fatalf("Run accepted a serial plan")
	}
}

func TestParallelCancelledBeforeStart(t *testing.T) {
	f := newParallelFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.exec.Run(ctx, parallelPlan(threeParts()), f.parallelContext(),
		conversation.NewLog(), cost.NewAccount(5.00))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Cancelled {
		t.Errorf("Cancelled = false, want true")
	}
	if len(f.adapter.Calls()) != 0 {
		t.Errorf("agents ran on a cancelled context")
	}
}
