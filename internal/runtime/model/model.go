// Package model defines the adapter through which agent turns reach an AI
// model, plus the error classification that drives retry policy.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies adapter failures for retry decisions.
type ErrorKind string

const (
	// KindTransient covers network errors, rate limits and model-side
	// timeouts. Transient errors are retried.
	KindTransient ErrorKind = "transient"
	// KindPermanent covers auth failures, unknown models and invalid
	// responses. Permanent errors are surfaced immediately.
	KindPermanent ErrorKind = "permanent"
)

// Error is an adapter failure with a retry classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s model error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with the given classification.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// IsTransient reports whether err is classified transient. Unclassified
// errors count as permanent.
func IsTransient(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == KindTransient
	}
	return false
}

// Request carries one agent turn to the model.
type Request struct {
	SystemPrompt string   `json:"system_prompt"`
	UserPrompt   string   `json:"user_prompt"`
	ToolScopes   []string `json:"tool_scopes,omitempty"`
	ContainerID  string   `json:"container_id,omitempty"`
	Workdir      string   `json:"workdir,omitempty"`
	ModelTier    string   `json:"model_tier,omitempty"`
}

// Response is the completed turn: the model's final text after any tool use,
// plus what it cost.
type Response struct {
	Text      string        `json:"text"`
	Dollars   float64       `json:"dollars"`
	TokensIn  int64         `json:"tokens_in"`
	TokensOut int64         `json:"tokens_out"`
	Duration  time.Duration `json:"duration"`
}

// Adapter executes one agent turn against a model. The deadline for the turn
// travels on the context. Implementations run the model's tool use against
// the isolated workspace named in the request and return the final text.
type Adapter interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}
