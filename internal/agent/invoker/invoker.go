// Package invoker performs single agent turns: prompt construction, model
// invocation with retry, hand-off parsing, cost charging.
package invoker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/agent/conversation"
	"github.com/gafferdev/gaffer/internal/agent/cost"
	"github.com/gafferdev/gaffer/internal/agent/registry"
	"github.com/gafferdev/gaffer/internal/common/logger"
	"github.com/gafferdev/gaffer/internal/common/tracing"
	"github.com/gafferdev/gaffer/internal/runtime/model"
)

const (
	// maxAttempts is the initial call plus up to three transient retries.
	maxAttempts = 4
	// retryBaseDelay is multiplied by the attempt number: 2s, 4s, 6s.
	retryBaseDelay = 2 * time.Second
)

// TurnContext carries the task-level inputs of one agent turn.
type TurnContext struct {
	TaskID      string
	Description string
	ContainerID string
	Workdir     string
	// Peers are the agent names offered in the hand-off instruction.
	Peers []string
}

// Invoker runs agent turns against the model adapter.
type Invoker struct {
	registry      *registry.Registry
	adapter       model.Adapter
	logger        *logger.Logger
	tracer        trace.Tracer
	turnTimeout   time.Duration
	historyTokens int
	sleep         func(time.Duration)
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithTurnTimeout overrides the per-turn deadline (default 300s).
func WithTurnTimeout(d time.Duration) Option {
	return func(i *Invoker) { i.turnTimeout = d }
}

// WithHistoryTokens overrides the rendered-history token budget.
func WithHistoryTokens(n int) Option {
	return func(i *Invoker) { i.historyTokens = n }
}

// withSleep replaces the retry delay function in tests.
func withSleep(fn func(time.Duration)) Option {
	return func(i *Invoker) { i.sleep = fn }
}

// New creates an Invoker.
func New(reg *registry.Registry, adapter model.Adapter, log *logger.Logger, opts ...Option) *Invoker {
	inv := &Invoker{
		registry:      reg,
		adapter:       adapter,
		logger:        log.WithFields(zap.String("component", "invoker")),
		tracer:        tracing.Tracer("invoker"),
		turnTimeout:   300 * time.Second,
		historyTokens: conversation.DefaultHistoryTokens,
		sleep:         time.Sleep,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Run performs exactly one turn of the named agent and returns its record.
// The turn is appended to the log and charged to the account even when the
// charge crosses the budget; in that case the turn is returned together with
// the budget error so the caller can stop.
func (inv *Invoker) Run(ctx context.Context, agentName string, tc TurnContext, convLog *conversation.Log, account *cost.Account) (*conversation.Turn, error) {
	ctx, span := inv.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("agent.name", agentName),
		attribute.String("task.id", tc.TaskID),
	))
	defer span.End()

	cap, err := inv.registry.Get(agentName)
	if err != nil {
		return nil, err
	}

	if !account.CanAfford(cap.CostEstimate) {
		return nil, fmt.Errorf("refusing turn for %s (estimate $%.2f): %w",
			agentName, cap.CostEstimate, cost.ErrBudgetExceeded)
	}

	userPrompt := inv.buildPrompt(cap, tc, convLog)
	req := model.Request{
		SystemPrompt: cap.SystemPrompt,
		UserPrompt:   userPrompt,
		ToolScopes:   cap.ToolScopes,
		ContainerID:  tc.ContainerID,
		Workdir:      tc.Workdir,
		ModelTier:    cap.ModelTier,
	}

	log := inv.logger.WithTaskID(tc.TaskID).WithAgent(agentName)
	started := time.Now().UTC()

	resp, err := inv.invokeWithRetry(ctx, req, log)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("agent %s turn failed: %w", agentName, err)
	}
	ended := time.Now().UTC()
	span.SetAttributes(
		attribute.Float64("turn.dollars", resp.Dollars),
		attribute.Int64("turn.tokens_in", resp.TokensIn),
		attribute.Int64("turn.tokens_out", resp.TokensOut),
	)

	decision, explicit := parseDirective(resp.Text)
	if !explicit {
		log.Warn("no hand-off directive in response, routing to default",
			zap.String("default", DefaultRoute))
	}
	if !decision.Terminal && !inv.registry.Exists(decision.NextAgent) {
		log.Warn("hand-off names unknown agent, routing to default",
			zap.String("requested", decision.NextAgent),
			zap.String("default", DefaultRoute))
		decision.NextAgent = DefaultRoute
	}

	turn := conversation.Turn{
		Speaker:   agentName,
		Prompt:    userPrompt,
		Response:  resp.Text,
		Decision:  decision,
		Cost:      resp.Dollars,
		Duration:  resp.Duration,
		StartedAt: started,
		EndedAt:   ended,
		Visible:   true,
	}
	convLog.Append(turn)

	chargeErr := account.Charge(agentName, cost.Usage{
		Dollars:   resp.Dollars,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		Duration:  resp.Duration,
	})

	log.Info("agent turn completed",
		zap.Bool("terminal", decision.Terminal),
		zap.String("next", decision.NextAgent),
		zap.Float64("dollars", resp.Dollars),
		zap.Duration("duration", resp.Duration))

	if chargeErr != nil {
		return &turn, chargeErr
	}
	return &turn, nil
}

// invokeWithRetry calls the adapter, retrying transient failures with the
// 2s/4s/6s backoff schedule. A cancelled parent context stops retries.
func (inv *Invoker) invokeWithRetry(ctx context.Context, req model.Request, log *logger.Logger) (*model.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		turnCtx, cancel := context.WithTimeout(ctx, inv.turnTimeout)
		resp, err := inv.adapter.Invoke(turnCtx, req)
		cancel()

		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !model.IsTransient(err) {
			return nil, err
		}
		if attempt < maxAttempts {
			delay := time.Duration(attempt) * retryBaseDelay
			log.Warn("transient model error, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			inv.sleep(delay)
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", maxAttempts, lastErr)
}

// buildPrompt assembles the user prompt: task, bounded history, peers, and
// the literal hand-off instruction the models are trained against.
func (inv *Invoker) buildPrompt(cap *registry.Capability, tc TurnContext, convLog *conversation.Log) string {
	var b strings.Builder

	b.WriteString("# Task\n")
	b.WriteString(tc.Description)
	b.WriteString("\n")

	if history := convLog.RenderForAgent(cap.Name, inv.historyTokens); history != "" {
		b.WriteString("\n# Conversation so far\n")
		b.WriteString(history)
		b.WriteString("\n")
	}

	peers := tc.Peers
	if len(peers) == 0 {
		peers = inv.registry.Names()
	}
	b.WriteString("\n# Available agents\n")
	for _, name := range peers {
		if name == cap.Name {
			continue
		}
		if peer, err := inv.registry.Get(name); err == nil {
			fmt.Fprintf(&b, "- %s: %s\n", peer.Name, peer.Description)
		}
	}

	b.WriteString("\nWhen you are finished, end your response with exactly these two lines:\n")
	b.WriteString("NEXT: <agent-name> | COMPLETE\n")
	b.WriteString("REASON: <one line explaining your decision>\n")
	b.WriteString("Use COMPLETE when the task needs no further agents.\n")

	return b.String()
}
