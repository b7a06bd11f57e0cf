package registry

import (
	"errors"
	"testing"

	"github.com/gafferdev/gaffer/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func testCapability(name string, tags ...string) *Capability {
	return &Capability{
		Name:         name,
		Description:  name + " agent",
		Capabilities: tags,
		ToolScopes:   []string{"read"},
		CostEstimate: 0.05,
		SystemPrompt: "You are the " + name + " agent.",
		ModelTier:    "standard",
		Enabled:      true,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry(testLogger(t))

	cap := testCapability("coder", "implementation")
	if err := r.Register(cap); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := r.Get("coder")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "coder" {
		t.Errorf("expected coder, got %s", got.Name)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(testLogger(t))

	if err := r.Register(testCapability("coder")); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	err := r.Register(testCapability("coder"))
	if !errors.Is(err, ErrDuplicateAgent) {
		t.Errorf("expected ErrDuplicateAgent, got %v", err)
	}
}

func TestGetUnknown(t *testing.T) {
	r := NewRegistry(testLogger(t))

	_, err := r.Get("ghost")
	if !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestFindByCapabilityInsertionOrder(t *testing.T) {
	r := NewRegistry(testLogger(t))

	for _, name := range []string{"architect", "coder", "tester"} {
		tags := []string{"implementation"}
		if name == "architect" {
			tags = []string{"planning", "implementation"}
		}
		if err := r.Register(testCapability(name, tags...)); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}

	found := r.FindByCapability("implementation")
	if len(found) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(found))
	}
	want := []string{"architect", "coder", "tester"}
	for i, cap := range found {
		if cap.Name != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], cap.Name)
		}
	}

	if got := r.FindByCapability("nonexistent"); len(got) != 0 {
		t.Errorf("expected no agents for unknown tag, got %d", len(got))
	}
}

func TestListPreservesOrder(t *testing.T) {
	r := NewRegistry(testLogger(t))

	names := []string{"zeta", "alpha", "mid"}
	for _, n := range names {
		if err := r.Register(testCapability(n)); err != nil {
			t.Fatalf("Register(%s) failed: %v", n, err)
		}
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(list))
	}
	for i, cap := range list {
		if cap.Name != names[i] {
			t.Errorf("position %d: expected %s, got %s", i, names[i], cap.Name)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	r := NewRegistry(testLogger(t))

	if err := r.LoadDefaults(); err != nil {
		t.Fatalf("LoadDefaults failed: %v", err)
	}

	for _, name := range []string{"architect", "coder", "reviewer", "security", "documenter", "tester", "performance", "planner"} {
		if !r.Exists(name) {
			t.Errorf("expected default agent %s to be registered", name)
		}
	}

	coder, err := r.Get("coder")
	if err != nil {
		t.Fatalf("Get(coder) failed: %v", err)
	}
	if !coder.HasCapability("implementation") {
		t.Error("coder should carry the implementation capability")
	}
	if coder.SystemPrompt == "" {
		t.Error("coder should have a system prompt")
	}

	planners := r.FindByCapability("planning")
	if len(planners) == 0 {
		t.Fatal("expected at least one planning-capable agent")
	}
	if planners[0].Name != "architect" {
		t.Errorf("expected architect first by insertion order, got %s", planners[0].Name)
	}
}

func TestValidateCapability(t *testing.T) {
	cases := []struct {
		name    string
		cap     *Capability
		wantErr bool
	}{
		{"valid", testCapability("ok"), false},
		{"missing name", &Capability{Description: "d", SystemPrompt: "p"}, true},
		{"missing description", &Capability{Name: "n", SystemPrompt: "p"}, true},
		{"missing prompt", &Capability{Name: "n", Description: "d"}, true},
		{"negative cost", &Capability{Name: "n", Description: "d", SystemPrompt: "p", CostEstimate: -1}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCapability(tc.cap)
			if tc.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateDefaultsModelTier(t *testing.T) {
	cap := &Capability{Name: "n", Description: "d", SystemPrompt: "p"}
	if err := ValidateCapability(cap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cap.ModelTier != "standard" {
		t.Errorf("expected default model tier standard, got %s", cap.ModelTier)
	}
}
