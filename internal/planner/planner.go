package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/agent/cost"
	"github.com/gafferdev/gaffer/internal/agent/registry"
	"github.com/gafferdev/gaffer/internal/common/logger"
	"github.com/gafferdev/gaffer/internal/runtime/model"
)

// plannerAgent is the registry entry used for planning turns.
const plannerAgent = "planner"

// planDocument is the JSON shape demanded from the planning agent.
type planDocument struct {
	TaskType   string   `json:"taskType"`
	Agents     []string `json:"agents"`
	Reasoning  string   `json:"reasoning"`
	Complexity struct {
		Score int    `json:"score"`
		Label string `json:"label"`
	} `json:"complexity"`
	Parallel struct {
		CanParallelize bool           `json:"canParallelize"`
		Parts          []partDocument `json:"parts"`
	} `json:"parallel"`
}

type partDocument struct {
	Description string   `json:"description"`
	Files       []string `json:"files"`
	Agent       string   `json:"agent"`
	DependsOn   []int    `json:"dependsOn"`
}

// Planner produces a Plan for a task by invoking the planning agent once.
// Any failure, from the model call to the JSON parse, degrades to the
// default plan; planning never fails a task.
type Planner struct {
	registry *registry.Registry
	adapter  model.Adapter
	logger   *logger.Logger
	timeout  time.Duration
}

// Option configures a Planner.
type Option func(*Planner)

// WithTimeout overrides the planning turn deadline (default 120s).
func WithTimeout(d time.Duration) Option {
	return func(p *Planner) { p.timeout = d }
}

// New creates a Planner.
func New(reg *registry.Registry, adapter model.Adapter, log *logger.Logger, opts ...Option) *Planner {
	p := &Planner{
		registry: reg,
		adapter:  adapter,
		logger:   log.WithFields(zap.String("component", "planner")),
		timeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan analyzes the task description and returns the execution plan. The
// planning turn is charged to the account under the planner agent.
func (p *Planner) Plan(ctx context.Context, description string, account *cost.Account) *Plan {
	cap, err := p.registry.Get(plannerAgent)
	if err != nil {
		p.logger.Warn("planner agent not registered, using default plan", zap.Error(err))
		return p.sanitize(DefaultPlan())
	}

	if !account.CanAfford(cap.CostEstimate) {
		p.logger.Warn("cannot afford planning turn, using default plan",
			zap.Float64("estimate", cap.CostEstimate))
		return p.sanitize(DefaultPlan())
	}

	planCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.adapter.Invoke(planCtx, model.Request{
		SystemPrompt: cap.SystemPrompt,
		UserPrompt:   p.buildPrompt(description),
		ToolScopes:   cap.ToolScopes,
		ModelTier:    cap.ModelTier,
	})
	if err != nil {
		p.logger.Warn("planning turn failed, using default plan", zap.Error(err))
		return p.sanitize(DefaultPlan())
	}

	if err := account.Charge(plannerAgent, cost.Usage{
		Dollars:   resp.Dollars,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		Duration:  resp.Duration,
	}); err != nil {
		// The planning spend crossed the ceiling. Record it and let the
		// executor refuse the first turn.
		p.logger.Warn("planning turn crossed the budget ceiling", zap.Error(err))
	}

	doc, err := extractPlanDocument(resp.Text)
	if err != nil {
		p.logger.Warn("malformed plan JSON, using default plan",
			zap.Error(err),
			zap.String("response_head", head(resp.Text, 120)))
		return p.sanitize(DefaultPlan())
	}

	plan := p.fromDocument(doc)
	applyParallelGuard(plan)
	if plan.SerialReason != "" {
		p.logger.Info("parallel plan downgraded to serial",
			zap.String("reason", plan.SerialReason))
	}
	return p.sanitize(plan)
}

// buildPrompt asks for strict JSON with the exact schema the parser expects.
func (p *Planner) buildPrompt(description string) string {
	var b strings.Builder

	b.WriteString("Analyze this coding task and respond with a single JSON object, no prose.\n\n")
	b.WriteString("Task: ")
	b.WriteString(description)
	b.WriteString("\n\nAvailable agents:\n")
	for _, cap := range p.registry.ListEnabled() {
		if cap.Name == plannerAgent {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", cap.Name, cap.Description)
	}

	b.WriteString(`
Respond with exactly this shape:
{
  "taskType": "implementation|analysis|documentation|mixed",
  "agents": ["..."],
  "reasoning": "one sentence",
  "complexity": {"score": 1-10, "label": "simple|medium|complex"},
  "parallel": {
    "canParallelize": false,
    "parts": [
      {"description": "...", "files": ["path"], "agent": "coder", "dependsOn": []}
    ]
  }
}

Rules:
- agents must come from the list above, in execution order.
- set canParallelize true only when the work splits into 2-5 parts touching disjoint files.
- dependsOn holds zero-based part indices and must not form cycles.
`)
	return b.String()
}

// fromDocument converts the wire document into a Plan, normalizing the
// complexity score and label.
func (p *Planner) fromDocument(doc *planDocument) *Plan {
	score := doc.Complexity.Score
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}

	label := ComplexityLabel(strings.ToLower(doc.Complexity.Label))
	switch label {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex:
	default:
		label = labelFor(score)
	}

	taskType := TaskType(strings.ToLower(doc.TaskType))
	switch taskType {
	case TaskImplementation, TaskAnalysis, TaskDocumentation, TaskMixed:
	default:
		taskType = TaskImplementation
	}

	plan := &Plan{
		TaskType:        taskType,
		Agents:          doc.Agents,
		Reasoning:       doc.Reasoning,
		Complexity:      score,
		ComplexityLabel: label,
		Parallel:        doc.Parallel.CanParallelize,
	}
	for _, pd := range doc.Parallel.Parts {
		plan.Parts = append(plan.Parts, Part{
			Description:   pd.Description,
			AssignedFiles: pd.Files,
			Agent:         strings.ToLower(pd.Agent),
			Dependencies:  pd.DependsOn,
		})
	}
	return plan
}

// sanitize drops unknown agents from the sequence and the parts. An empty
// sequence falls back to the default one.
func (p *Planner) sanitize(plan *Plan) *Plan {
	var agents []string
	for _, name := range plan.Agents {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == plannerAgent {
			continue
		}
		if !p.registry.Exists(name) {
			p.logger.Warn("dropping unknown agent from plan", zap.String("agent", name))
			continue
		}
		agents = append(agents, name)
	}
	if len(agents) == 0 {
		agents = DefaultPlan().Agents
	}
	plan.Agents = agents

	for i := range plan.Parts {
		if !p.registry.Exists(plan.Parts[i].Agent) {
			p.logger.Warn("part names unknown agent, assigning coder",
				zap.Int("part", i+1),
				zap.String("agent", plan.Parts[i].Agent))
			plan.Parts[i].Agent = "coder"
		}
	}
	return plan
}

// extractPlanDocument pulls the JSON object out of the response, tolerating
// fenced code blocks, surrounding prose and minor syntax damage.
func extractPlanDocument(text string) (*planDocument, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var doc planDocument
	if err := json.Unmarshal([]byte(raw), &doc); err == nil {
		return &doc, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to repair plan JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse repaired plan JSON: %w", err)
	}
	return &doc, nil
}

// extractJSON returns the candidate JSON object substring: the content of
// the first fenced code block if present, otherwise the outermost braces.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			fenced := strings.TrimSpace(rest[:end])
			if strings.HasPrefix(fenced, "{") {
				return fenced
			}
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func head(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
