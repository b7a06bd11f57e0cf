package invoker

import (
	"strings"

	"github.com/gafferdev/gaffer/internal/agent/conversation"
)

// DefaultRoute is the agent a turn is routed to when the hand-off directive
// is missing or names an unknown agent.
const DefaultRoute = "reviewer"

const (
	nextPrefix   = "NEXT:"
	reasonPrefix = "REASON:"
)

// parseDirective extracts the hand-off directive from the tail of a
// response. Prefix matching is case-insensitive; when a prefix appears more
// than once the last occurrence wins. A missing directive yields a
// non-terminal decision routed to DefaultRoute.
func parseDirective(response string) (conversation.Decision, bool) {
	var next, reason string
	var found bool

	for _, line := range strings.Split(response, "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, nextPrefix):
			next = strings.TrimSpace(trimmed[len(nextPrefix):])
			found = true
		case strings.HasPrefix(upper, reasonPrefix):
			reason = strings.TrimSpace(trimmed[len(reasonPrefix):])
		}
	}

	if !found {
		return conversation.Decision{
			NextAgent: DefaultRoute,
			Reason:    "no explicit decision found",
		}, false
	}

	if strings.EqualFold(next, "COMPLETE") {
		return conversation.Decision{
			Terminal: true,
			Reason:   reason,
		}, true
	}

	return conversation.Decision{
		NextAgent: strings.ToLower(next),
		Reason:    reason,
	}, true
}
