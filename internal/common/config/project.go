package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProjectConfig describes one registered project: where its repository
// lives, how to isolate work on it, and what limits apply to tasks.
type ProjectConfig struct {
	Name              string            `yaml:"name"`
	RepoPath          string            `yaml:"repoPath"`
	Remote            string            `yaml:"remote"`
	BaseBranch        string            `yaml:"baseBranch"`
	ProtectedBranches []string          `yaml:"protectedBranches"`
	Container         ContainerConfig   `yaml:"container"`
	Safety            *SafetyConfig     `yaml:"safety,omitempty"`
	TestCommand       string            `yaml:"testCommand,omitempty"`
	PullRequest       PullRequestConfig `yaml:"pullRequest"`
}

// ContainerConfig holds per-project container settings. Zero values fall
// back to the global Docker defaults.
type ContainerConfig struct {
	Image    string            `yaml:"image"`
	MemoryMB int64             `yaml:"memoryMb"`
	CPUs     float64           `yaml:"cpus"`
	Env      map[string]string `yaml:"env,omitempty"`
}

// PullRequestConfig holds metadata applied to pull requests opened when a
// task finishes.
type PullRequestConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Labels    []string `yaml:"labels,omitempty"`
	Reviewers []string `yaml:"reviewers,omitempty"`
	Draft     bool     `yaml:"draft"`
}

// LoadProject reads <configDir>/<name>.yaml and applies defaults from the
// global configuration for fields the project leaves unset.
func (c *GlobalConfig) LoadProject(name string) (*ProjectConfig, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is empty")
	}
	path := filepath.Join(c.ConfigDir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("project %q is not configured (no %s)", name, path)
		}
		return nil, fmt.Errorf("failed to read project config: %w", err)
	}

	var proj ProjectConfig
	if err := yaml.Unmarshal(data, &proj); err != nil {
		return nil, fmt.Errorf("failed to parse project config %s: %w", path, err)
	}

	if proj.Name == "" {
		proj.Name = name
	}
	c.applyProjectDefaults(&proj)

	if err := proj.Validate(); err != nil {
		return nil, fmt.Errorf("project config %s invalid: %w", path, err)
	}

	return &proj, nil
}

// SaveProject writes the project configuration to <configDir>/<name>.yaml.
func (c *GlobalConfig) SaveProject(proj *ProjectConfig) error {
	if err := proj.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(proj)
	if err != nil {
		return fmt.Errorf("failed to marshal project config: %w", err)
	}
	if err := os.MkdirAll(c.ConfigDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	path := filepath.Join(c.ConfigDir, proj.Name+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write project config: %w", err)
	}
	return nil
}

// ListProjects returns the names of all configured projects, sorted.
func (c *GlobalConfig) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(c.ConfigDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") {
			names = append(names, strings.TrimSuffix(name, ".yaml"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// applyProjectDefaults fills unset project fields from global defaults.
func (c *GlobalConfig) applyProjectDefaults(proj *ProjectConfig) {
	if proj.Remote == "" {
		proj.Remote = "origin"
	}
	if proj.BaseBranch == "" {
		proj.BaseBranch = "main"
	}
	if len(proj.ProtectedBranches) == 0 {
		proj.ProtectedBranches = []string{"main", "master"}
	}
	if proj.Container.Image == "" {
		proj.Container.Image = c.Docker.DefaultImage
	}
	if proj.Container.MemoryMB == 0 {
		proj.Container.MemoryMB = c.Docker.MemoryMB
	}
	if proj.Container.CPUs == 0 {
		proj.Container.CPUs = c.Docker.CPUs
	}
	if proj.Safety == nil {
		safety := c.Safety
		proj.Safety = &safety
	} else {
		if proj.Safety.MaxCostPerTask == 0 {
			proj.Safety.MaxCostPerTask = c.Safety.MaxCostPerTask
		}
		if proj.Safety.MaxDurationMinutes == 0 {
			proj.Safety.MaxDurationMinutes = c.Safety.MaxDurationMinutes
		}
		if proj.Safety.TurnTimeoutSeconds == 0 {
			proj.Safety.TurnTimeoutSeconds = c.Safety.TurnTimeoutSeconds
		}
	}
}

// Validate checks that the project configuration is usable.
func (p *ProjectConfig) Validate() error {
	var errs []string

	if p.Name == "" {
		errs = append(errs, "name is required")
	}
	if strings.ContainsAny(p.Name, "/\\ ") {
		errs = append(errs, "name must not contain slashes or spaces")
	}
	if p.RepoPath == "" {
		errs = append(errs, "repoPath is required")
	}
	if p.BaseBranch == "" {
		errs = append(errs, "baseBranch is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// IsProtected reports whether the given branch name is one the project
// forbids direct writes to.
func (p *ProjectConfig) IsProtected(branch string) bool {
	for _, b := range p.ProtectedBranches {
		if b == branch {
			return true
		}
	}
	return false
}
