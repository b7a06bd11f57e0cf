// Package conversation maintains the append-only transcript shared by the
// agents of one task.
package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultHistoryTokens bounds the rendered history included in an agent's
// prompt.
const DefaultHistoryTokens = 8000

// Decision is the parsed hand-off directive of one agent turn: either
// terminal or a hand-off to a named agent.
type Decision struct {
	Terminal  bool   `json:"terminal"`
	NextAgent string `json:"next_agent,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Turn is one agent invocation: what was asked, what came back, and what the
// agent decided should happen next.
type Turn struct {
	Speaker   string            `json:"speaker"`
	Prompt    string            `json:"prompt,omitempty"`
	Response  string            `json:"response"`
	Decision  Decision          `json:"decision"`
	Cost      float64           `json:"cost"`
	Duration  time.Duration     `json:"duration"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Visible   bool              `json:"visible"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Log is the ordered transcript of a task. Appends only; existing turns are
// never rewritten.
type Log struct {
	mu    sync.Mutex
	turns []Turn
}

// NewLog creates an empty conversation log
func NewLog() *Log {
	return &Log{}
}

// Append adds a turn to the end of the transcript
func (l *Log) Append(turn Turn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, turn)
}

// AppendNote records a non-agent message (test results, merge outcomes) so
// that later agents can see it.
func (l *Log) AppendNote(speaker, text string, visible bool) {
	now := time.Now().UTC()
	l.Append(Turn{
		Speaker:   speaker,
		Response:  text,
		StartedAt: now,
		EndedAt:   now,
		Visible:   visible,
	})
}

// Turns returns a copy of the transcript
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len returns the number of turns
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Clone returns an independent copy of the log. Parallel parts are seeded
// with a clone of the parent transcript.
func (l *Log) Clone() *Log {
	l.mu.Lock()
	defer l.mu.Unlock()

	clone := &Log{turns: make([]Turn, len(l.turns))}
	copy(clone.turns, l.turns)
	for i := range clone.turns {
		if l.turns[i].Metadata != nil {
			md := make(map[string]string, len(l.turns[i].Metadata))
			for k, v := range l.turns[i].Metadata {
				md[k] = v
			}
			clone.turns[i].Metadata = md
		}
	}
	return clone
}

// AppendFrom appends every turn of other that is not already present in this
// log. The join of a parallel task calls this once per part, in part index
// order, so each part's turns land contiguously.
func (l *Log) AppendFrom(other *Log) {
	seen := make(map[turnKey]bool)
	l.mu.Lock()
	for _, t := range l.turns {
		seen[keyOf(t)] = true
	}
	l.mu.Unlock()

	for _, t := range other.Turns() {
		if seen[keyOf(t)] {
			continue
		}
		l.Append(t)
	}
}

type turnKey struct {
	speaker string
	started int64
	length  int
}

func keyOf(t Turn) turnKey {
	return turnKey{speaker: t.Speaker, started: t.StartedAt.UnixNano(), length: len(t.Response)}
}

// RenderForAgent produces the bounded textual history included in an agent's
// prompt. Turns marked not visible are skipped. When the transcript exceeds
// maxTokens, the oldest turns are dropped and the omission is noted.
func (l *Log) RenderForAgent(agentName string, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = DefaultHistoryTokens
	}

	turns := l.Turns()
	if len(turns) == 0 {
		return ""
	}

	// Walk backwards so the most recent turns survive the budget.
	var kept []string
	budget := maxTokens
	omitted := false
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if !t.Visible {
			continue
		}
		entry := renderTurn(t)
		cost := countTokens(entry)
		if cost > budget {
			omitted = i > 0
			break
		}
		budget -= cost
		kept = append(kept, entry)
	}

	if len(kept) == 0 {
		return ""
	}

	// Reverse back to chronological order.
	var b strings.Builder
	if omitted {
		b.WriteString("(earlier turns omitted)\n\n")
	}
	for i := len(kept) - 1; i >= 0; i-- {
		b.WriteString(kept[i])
		if i > 0 {
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

// renderTurn formats one turn for inclusion in a prompt.
func renderTurn(t Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s ---\n", t.Speaker)
	b.WriteString(strings.TrimSpace(t.Response))
	if t.Decision.Terminal {
		fmt.Fprintf(&b, "\n[%s declared the task complete: %s]", t.Speaker, t.Decision.Reason)
	} else if t.Decision.NextAgent != "" {
		fmt.Fprintf(&b, "\n[%s handed off to %s: %s]", t.Speaker, t.Decision.NextAgent, t.Decision.Reason)
	}
	return b.String()
}
