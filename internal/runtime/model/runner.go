package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/common/config"
	"github.com/gafferdev/gaffer/internal/common/logger"
)

// RunnerAdapter talks to the agent runner service over HTTP. The runner owns
// the model transport and tool execution; this client only ships turns and
// classifies failures.
type RunnerAdapter struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// runnerResponse is the runner's wire format for a completed turn.
type runnerResponse struct {
	Text       string  `json:"text"`
	Dollars    float64 `json:"dollars"`
	TokensIn   int64   `json:"tokens_in"`
	TokensOut  int64   `json:"tokens_out"`
	DurationMS int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// NewRunnerAdapter creates an adapter for the configured runner service.
func NewRunnerAdapter(cfg config.RunnerConfig, log *logger.Logger) *RunnerAdapter {
	return &RunnerAdapter{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		logger: log.WithFields(zap.String("component", "model-runner")),
	}
}

// Invoke posts the turn to the runner and waits for the final response.
func (a *RunnerAdapter) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, NewError(KindPermanent, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/turns", bytes.NewReader(payload))
	if err != nil {
		return nil, NewError(KindPermanent, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		// Deadline expiry is the turn timeout and retries like any
		// network failure; an explicit cancel must not retry.
		if errors.Is(err, context.Canceled) {
			return nil, NewError(KindPermanent, err)
		}
		return nil, NewError(KindTransient, fmt.Errorf("runner request failed: %w", err))
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			a.logger.Warn("failed to close response body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(KindTransient, fmt.Errorf("failed to read response: %w", err))
	}

	if kind, ok := classifyStatus(resp.StatusCode); ok {
		return nil, NewError(kind, fmt.Errorf("runner returned %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	var rr runnerResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, NewError(KindPermanent, fmt.Errorf("invalid runner response: %w", err))
	}
	if rr.Error != "" {
		return nil, NewError(KindPermanent, fmt.Errorf("runner error: %s", rr.Error))
	}

	duration := time.Duration(rr.DurationMS) * time.Millisecond
	if duration == 0 {
		duration = time.Since(start)
	}

	a.logger.Debug("turn completed",
		zap.Float64("dollars", rr.Dollars),
		zap.Int64("tokens_out", rr.TokensOut),
		zap.Duration("duration", duration))

	return &Response{
		Text:      rr.Text,
		Dollars:   rr.Dollars,
		TokensIn:  rr.TokensIn,
		TokensOut: rr.TokensOut,
		Duration:  duration,
	}, nil
}

// classifyStatus maps an HTTP status to an error kind. The second return is
// false for success statuses.
func classifyStatus(status int) (ErrorKind, bool) {
	switch {
	case status >= 200 && status < 300:
		return "", false
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return KindPermanent, true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindTransient, true
	case status >= 500:
		return KindTransient, true
	default:
		return KindPermanent, true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
