// Package registry manages the capability records of available agents.
package registry

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/common/logger"
)

//go:embed agents.json
var agentsFS embed.FS

var (
	// ErrDuplicateAgent is returned when registering a name that already exists.
	ErrDuplicateAgent = errors.New("agent already registered")
	// ErrUnknownAgent is returned when looking up a name that is not registered.
	ErrUnknownAgent = errors.New("unknown agent")
)

// agentsConfig is the structure of the agents.json file
type agentsConfig struct {
	Version string        `json:"version"`
	Agents  []*Capability `json:"agents"`
}

// Capability describes one agent: what it is for, which tool scopes it may
// use, what a turn is expected to cost, and the system prompt that shapes it.
type Capability struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	ToolScopes   []string `json:"tool_scopes"`
	CostEstimate float64  `json:"cost_estimate"` // Dollars per expected turn
	SystemPrompt string   `json:"system_prompt"`
	ModelTier    string   `json:"model_tier"` // light, standard, heavy
	Enabled      bool     `json:"enabled"`
}

// HasCapability reports whether the capability record carries the given tag.
func (c *Capability) HasCapability(tag string) bool {
	for _, t := range c.Capabilities {
		if t == tag {
			return true
		}
	}
	return false
}

// Registry maps agent names to capability records. It is populated once at
// process start and read-only afterwards; the lock exists for tests that
// build and mutate isolated registries.
type Registry struct {
	agents map[string]*Capability
	order  []string // Insertion order, drives List and FindByCapability
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewRegistry creates an empty agent registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Capability),
		logger: log,
	}
}

// LoadDefaults registers the standard agents from the embedded agents.json
func (r *Registry) LoadDefaults() error {
	defaults, err := DefaultAgents()
	if err != nil {
		return err
	}
	for _, cap := range defaults {
		if err := r.Register(cap); err != nil {
			return err
		}
	}
	return nil
}

// LoadFromFile merges additional agent definitions from a JSON file.
// Entries whose names collide with registered agents replace them in place,
// preserving their original position.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read agents file: %w", err)
	}

	var cfg agentsConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse agents file %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cap := range cfg.Agents {
		if err := ValidateCapability(cap); err != nil {
			r.logger.Warn("skipping invalid agent definition",
				zap.String("agent", cap.Name),
				zap.Error(err))
			continue
		}
		if _, exists := r.agents[cap.Name]; !exists {
			r.order = append(r.order, cap.Name)
		}
		r.agents[cap.Name] = cap
		r.logger.Info("loaded agent definition",
			zap.String("agent", cap.Name),
			zap.String("source", path))
	}

	return nil
}

// Register adds a new agent capability
func (r *Registry) Register(cap *Capability) error {
	if err := ValidateCapability(cap); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[cap.Name]; exists {
		return fmt.Errorf("agent %q: %w", cap.Name, ErrDuplicateAgent)
	}

	r.agents[cap.Name] = cap
	r.order = append(r.order, cap.Name)
	return nil
}

// Get returns the capability record for an agent name
func (r *Registry) Get(name string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cap, exists := r.agents[name]
	if !exists {
		return nil, fmt.Errorf("agent %q: %w", name, ErrUnknownAgent)
	}

	return cap, nil
}

// FindByCapability returns all agents carrying the given tag, in the order
// they were registered
func (r *Registry) FindByCapability(tag string) []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Capability
	for _, name := range r.order {
		if cap := r.agents[name]; cap.HasCapability(tag) {
			result = append(result, cap)
		}
	}
	return result
}

// List returns all registered agents in registration order
func (r *Registry) List() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Capability, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.agents[name])
	}
	return result
}

// ListEnabled returns only enabled agents, in registration order
func (r *Registry) ListEnabled() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Capability
	for _, name := range r.order {
		if cap := r.agents[name]; cap.Enabled {
			result = append(result, cap)
		}
	}
	return result
}

// Exists checks if an agent name is registered
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.agents[name]
	return exists
}

// Names returns the registered agent names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// ValidateCapability validates an agent capability record
func ValidateCapability(cap *Capability) error {
	if cap.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if cap.Description == "" {
		return fmt.Errorf("agent description is required")
	}
	if cap.SystemPrompt == "" {
		return fmt.Errorf("agent system prompt is required")
	}
	if cap.CostEstimate < 0 {
		return fmt.Errorf("cost estimate must not be negative")
	}
	if cap.ModelTier == "" {
		cap.ModelTier = "standard"
	}
	return nil
}

// DefaultAgents returns the standard agent set from the embedded agents.json
func DefaultAgents() ([]*Capability, error) {
	data, err := agentsFS.ReadFile("agents.json")
	if err != nil {
		return nil, fmt.Errorf("read agents config: %w", err)
	}

	var cfg agentsConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agents config: %w", err)
	}

	return cfg.Agents, nil
}
