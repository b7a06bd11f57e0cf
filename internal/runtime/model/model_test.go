package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gafferdev/gaffer/internal/common/config"
	"github.com/gafferdev/gaffer/internal/common/logger"
)

func TestIsTransient(t *testing.T) {
	transient := NewError(KindTransient, errors.New("rate limited"))
	permanent := NewError(KindPermanent, errors.New("bad auth"))
	plain := errors.New("plain")

	if !IsTransient(transient) {
		t.Error("transient error should be transient")
	}
	if IsTransient(permanent) {
		t.Error("permanent error should not be transient")
	}
	if IsTransient(plain) {
		t.Error("unclassified error should count as permanent")
	}
	if IsTransient(fmt.Errorf("wrapped: %w", transient)) != true {
		t.Error("classification should survive wrapping")
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
		isErr  bool
	}{
		{200, "", false},
		{201, "", false},
		{401, KindPermanent, true},
		{403, KindPermanent, true},
		{404, KindPermanent, true},
		{408, KindTransient, true},
		{429, KindTransient, true},
		{500, KindTransient, true},
		{503, KindTransient, true},
		{422, KindPermanent, true},
	}

	for _, tc := range cases {
		kind, isErr := classifyStatus(tc.status)
		if isErr != tc.isErr {
			t.Errorf("status %d: expected isErr=%v, got %v", tc.status, tc.isErr, isErr)
		}
		if isErr && kind != tc.kind {
			t.Errorf("status %d: expected kind %s, got %s", tc.status, tc.kind, kind)
		}
	}
}

func runnerTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestRunnerAdapterInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/turns" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"NEXT: COMPLETE\nREASON: done","dollars":0.03,"tokens_in":500,"tokens_out":120,"duration_ms":1500}`)
	}))
	defer srv.Close()

	adapter := NewRunnerAdapter(config.RunnerConfig{BaseURL: srv.URL, RequestTimeout: 5}, runnerTestLogger(t))

	resp, err := adapter.Invoke(context.Background(), Request{
		SystemPrompt: "You are the coder.",
		UserPrompt:   "fix the bug",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if resp.Dollars != 0.03 {
		t.Errorf("expected dollars 0.03, got %f", resp.Dollars)
	}
	if resp.TokensOut != 120 {
		t.Errorf("expected 120 tokens out, got %d", resp.TokensOut)
	}
	if resp.Duration.Milliseconds() != 1500 {
		t.Errorf("expected 1500ms duration, got %v", resp.Duration)
	}
}

func TestRunnerAdapterClassifiesServerErrors(t *testing.T) {
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	adapter := NewRunnerAdapter(config.RunnerConfig{BaseURL: srv.URL, RequestTimeout: 5}, runnerTestLogger(t))

	status = http.StatusTooManyRequests
	_, err := adapter.Invoke(context.Background(), Request{UserPrompt: "x"})
	if !IsTransient(err) {
		t.Errorf("429 should be transient, got %v", err)
	}

	status = http.StatusUnauthorized
	_, err = adapter.Invoke(context.Background(), Request{UserPrompt: "x"})
	if err == nil || IsTransient(err) {
		t.Errorf("401 should be permanent, got %v", err)
	}
}

func TestRunnerAdapterInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json at all")
	}))
	defer srv.Close()

	adapter := NewRunnerAdapter(config.RunnerConfig{BaseURL: srv.URL, RequestTimeout: 5}, runnerTestLogger(t))

	_, err := adapter.Invoke(context.Background(), Request{UserPrompt: "x"})
	if err == nil || IsTransient(err) {
		t.Errorf("invalid JSON should be a permanent error, got %v", err)
	}
}

func TestRunnerAdapterNetworkFailureIsTransient(t *testing.T) {
	// Point at a closed server.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	adapter := NewRunnerAdapter(config.RunnerConfig{BaseURL: url, RequestTimeout: 1}, runnerTestLogger(t))

	_, err := adapter.Invoke(context.Background(), Request{UserPrompt: "x"})
	if !IsTransient(err) {
		t.Errorf("connection failure should be transient, got %v", err)
	}
}

func TestMockAdapterScript(t *testing.T) {
	m := NewMockAdapter()
	m.Queue("first", 0.01)
	m.QueueError(NewError(KindTransient, errors.New("flaky")))
	m.Queue("second", 0.02)

	ctx := context.Background()

	resp, err := m.Invoke(ctx, Request{UserPrompt: "a"})
	if err != nil || resp.Text != "first" {
		t.Fatalf("unexpected first result: %v %v", resp, err)
	}

	if _, err := m.Invoke(ctx, Request{UserPrompt: "b"}); !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	resp, err = m.Invoke(ctx, Request{UserPrompt: "c"})
	if err != nil || resp.Text != "second" {
		t.Fatalf("unexpected third result: %v %v", resp, err)
	}

	if len(m.Calls()) != 3 {
		t.Errorf("expected 3 recorded calls, got %d", len(m.Calls()))
	}

	if _, err := m.Invoke(ctx, Request{}); err == nil {
		t.Error("exhausted script should error")
	}
}
