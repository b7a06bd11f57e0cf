package invoker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gafferdev/gaffer/internal/agent/conversation"
	"github.com/gafferdev/gaffer/internal/agent/cost"
	"github.com/gafferdev/gaffer/internal/agent/registry"
	"github.com/gafferdev/gaffer/internal/common/logger"
	"github.com/gafferdev/gaffer/internal/runtime/model"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func testRegistry(t *testing.T) *registry.Registry {
	r := registry.NewRegistry(testLogger(t))
	if err := r.LoadDefaults(); err != nil {
		t.Fatalf("LoadDefaults failed: %v", err)
	}
	return r
}

func noSleep(time.Duration) {}

func TestParseDirectiveHandoff(t *testing.T) {
	d, explicit := parseDirective("I made the change.\nNEXT: reviewer\nREASON: needs review")
	if !explicit {
		t.Error("expected explicit directive")
	}
	if d.Terminal || d.NextAgent != "reviewer" || d.Reason != "needs review" {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestParseDirectiveComplete(t *testing.T) {
	d, explicit := parseDirective("All done.\nNEXT: COMPLETE\nREASON: everything passes")
	if !explicit || !d.Terminal {
		t.Errorf("expected terminal decision, got %+v", d)
	}
	if d.Reason != "everything passes" {
		t.Errorf("unexpected reason: %q", d.Reason)
	}
}

func TestParseDirectiveCaseInsensitive(t *testing.T) {
	d, explicit := parseDirective("next: Tester\nreason: check it")
	if !explicit || d.NextAgent != "tester" {
		t.Errorf("expected case-insensitive parse to tester, got %+v", d)
	}

	d, _ = parseDirective("NEXT: complete\nREASON: ok")
	if !d.Terminal {
		t.Errorf("lowercase complete should be terminal, got %+v", d)
	}
}

func TestParseDirectiveAbsent(t *testing.T) {
	d, explicit := parseDirective("I did some work but forgot the directive.")
	if explicit {
		t.Error("expected no explicit directive")
	}
	if d.Terminal || d.NextAgent != DefaultRoute {
		t.Errorf("expected default route, got %+v", d)
	}
	if d.Reason != "no explicit decision found" {
		t.Errorf("unexpected reason: %q", d.Reason)
	}
}

func TestParseDirectiveLastOccurrenceWins(t *testing.T) {
	text := "Earlier I considered NEXT: coder but changed my mind.\n" +
		"NEXT: tester\nREASON: first\nNEXT: security\nREASON: final call"
	d, _ := parseDirective(text)
	if d.NextAgent != "security" || d.Reason != "final call" {
		t.Errorf("expected last directive to win, got %+v", d)
	}
}

func TestRunAppendsAndCharges(t *testing.T) {
	adapter := model.NewMockAdapter()
	adapter.Queue("Implemented the fix.\nNEXT: reviewer\nREASON: done", 0.05)

	inv := New(testRegistry(t), adapter, testLogger(t), withSleep(noSleep))
	convLog := conversation.NewLog()
	account := cost.NewAccount(1.0)

	turn, err := inv.Run(context.Background(), "coder", TurnContext{
		TaskID:      "a1b2c3d4e5f6",
		Description: "fix the bug",
	}, convLog, account)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if turn.Speaker != "coder" {
		t.Errorf("expected speaker coder, got %s", turn.Speaker)
	}
	if turn.Decision.Terminal || turn.Decision.NextAgent != "reviewer" {
		t.Errorf("unexpected decision: %+v", turn.Decision)
	}
	if convLog.Len() != 1 {
		t.Errorf("expected 1 turn in log, got %d", convLog.Len())
	}
	if got := account.Totals().Dollars; got != 0.05 {
		t.Errorf("expected 0.05 charged, got %f", got)
	}
}

func TestRunPromptContents(t *testing.T) {
	adapter := model.NewMockAdapter()
	adapter.Queue("ok\nNEXT: COMPLETE\nREASON: done", 0.01)

	inv := New(testRegistry(t), adapter, testLogger(t), withSleep(noSleep))
	convLog := conversation.NewLog()
	convLog.AppendNote("architect", "use the existing parser", true)

	_, err := inv.Run(context.Background(), "coder", TurnContext{
		TaskID:      "a1b2c3d4e5f6",
		Description: "add csv export",
		Peers:       []string{"coder", "reviewer", "tester"},
	}, convLog, cost.NewAccount(1.0))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	calls := adapter.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 adapter call, got %d", len(calls))
	}
	prompt := calls[0].UserPrompt
	for _, want := range []string{
		"add csv export",
		"use the existing parser",
		"- reviewer:",
		"- tester:",
		"NEXT: <agent-name> | COMPLETE",
		"REASON: <one line",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "- coder:") {
		t.Error("prompt should not offer the current agent as a peer")
	}
	if calls[0].SystemPrompt == "" {
		t.Error("expected system prompt from capability record")
	}
}

func TestRunNormalizesUnknownHandoff(t *testing.T) {
	adapter := model.NewMockAdapter()
	adapter.Queue("done\nNEXT: wizard\nREASON: magic", 0.01)

	inv := New(testRegistry(t), adapter, testLogger(t), withSleep(noSleep))

	turn, err := inv.Run(context.Background(), "coder", TurnContext{Description: "x"},
		conversation.NewLog(), cost.NewAccount(1.0))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if turn.Decision.NextAgent != DefaultRoute {
		t.Errorf("expected normalization to %s, got %s", DefaultRoute, turn.Decision.NextAgent)
	}
}

func TestRunRefusesUnaffordableTurn(t *testing.T) {
	adapter := model.NewMockAdapter() // Empty script: a call would fail the test.

	inv := New(testRegistry(t), adapter, testLogger(t), withSleep(noSleep))
	account := cost.NewAccount(0.10)
	if err := account.Charge("coder", cost.Usage{Dollars: 0.07}); err != nil {
		t.Fatalf("setup charge failed: %v", err)
	}

	// coder's estimate is 0.08; 0.07 + 0.08 > 0.10.
	_, err := inv.Run(context.Background(), "coder", TurnContext{Description: "x"},
		conversation.NewLog(), account)
	if !errors.Is(err, cost.ErrBudgetExceeded) {
		t.Fatalf("expected budget refusal, got %v", err)
	}
	if len(adapter.Calls()) != 0 {
		t.Error("model must not be called when the turn is unaffordable")
	}
}

func TestRunRetriesTransient(t *testing.T) {
	adapter := model.NewMockAdapter()
	adapter.QueueError(model.NewError(model.KindTransient, errors.New("rate limit")))
	adapter.QueueError(model.NewError(model.KindTransient, errors.New("timeout")))
	adapter.Queue("recovered\nNEXT: COMPLETE\nREASON: ok", 0.01)

	var delays []time.Duration
	inv := New(testRegistry(t), adapter, testLogger(t), withSleep(func(d time.Duration) {
		delays = append(delays, d)
	}))

	turn, err := inv.Run(context.Background(), "coder", TurnContext{Description: "x"},
		conversation.NewLog(), cost.NewAccount(1.0))
	if err != nil {
		t.Fatalf("Run failed after retries: %v", err)
	}
	if !turn.Decision.Terminal {
		t.Errorf("unexpected decision: %+v", turn.Decision)
	}
	if len(delays) != 2 || delays[0] != 2*time.Second || delays[1] != 4*time.Second {
		t.Errorf("unexpected backoff schedule: %v", delays)
	}
}

func TestRunGivesUpAfterExhaustedRetries(t *testing.T) {
	adapter := model.NewMockAdapter()
	for i := 0; i < 4; i++ {
		adapter.QueueError(model.NewError(model.KindTransient, errors.New("down")))
	}

	var delays []time.Duration
	inv := New(testRegistry(t), adapter, testLogger(t), withSleep(func(d time.Duration) {
		delays = append(delays, d)
	}))

	_, err := inv.Run(context.Background(), "coder", TurnContext{Description: "x"},
		conversation.NewLog(), cost.NewAccount(1.0))
	if err == nil {
		t.Fatal("expected failure after exhausted retries")
	}
	// Initial call plus three retries.
	if len(adapter.Calls()) != 4 {
		t.Errorf("expected exactly 4 attempts, got %d", len(adapter.Calls()))
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("unexpected backoff schedule: %v", delays)
	}
	for i, d := range delays {
		if d != want[i] {
			t.Errorf("delay %d = %v, want %v", i, d, want[i])
		}
	}
}

func TestRunPermanentErrorNotRetried(t *testing.T) {
	adapter := model.NewMockAdapter()
	adapter.QueueError(model.NewError(model.KindPermanent, errors.New("bad auth")))

	inv := New(testRegistry(t), adapter, testLogger(t), withSleep(noSleep))

	_, err := inv.Run(context.Background(), "coder", TurnContext{Description: "x"},
		conversation.NewLog(), cost.NewAccount(1.0))
	if err == nil {
		t.Fatal("expected permanent error to surface")
	}
	if len(adapter.Calls()) != 1 {
		t.Errorf("permanent errors must not be retried, got %d calls", len(adapter.Calls()))
	}
}

func TestRunChargeCrossingReturnsTurnAndError(t *testing.T) {
	adapter := model.NewMockAdapter()
	adapter.Queue("expensive work\nNEXT: COMPLETE\nREASON: done", 0.20)

	inv := New(testRegistry(t), adapter, testLogger(t), withSleep(noSleep))
	convLog := conversation.NewLog()
	account := cost.NewAccount(0.10)

	turn, err := inv.Run(context.Background(), "documenter", TurnContext{Description: "x"},
		convLog, account)
	if !errors.Is(err, cost.ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	if turn == nil {
		t.Fatal("the overrunning turn should still be returned")
	}
	if convLog.Len() != 1 {
		t.Error("the overrunning turn should still be logged")
	}
}

func TestRunUnknownAgent(t *testing.T) {
	inv := New(testRegistry(t), model.NewMockAdapter(), testLogger(t), withSleep(noSleep))

	_, err := inv.Run(context.Background(), "ghost", TurnContext{Description: "x"},
		conversation.NewLog(), cost.NewAccount(1.0))
	if !errors.Is(err, registry.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}
