// Package config provides configuration management for gaffer.
// The global configuration lives at <install_dir>/config.json and can be
// overridden through GAFFER_* environment variables; per-project
// configuration lives in <config_dir>/<project>.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gafferdev/gaffer/internal/common/logger"
)

// GlobalConfig holds all process-wide configuration sections.
type GlobalConfig struct {
	ConfigDir        string               `mapstructure:"configDir" json:"configDir"`
	TasksDir         string               `mapstructure:"tasksDir" json:"tasksDir"`
	LogsDir          string               `mapstructure:"logsDir" json:"logsDir"`
	ToolsDir         string               `mapstructure:"toolsDir" json:"toolsDir"`
	MaxParallelTasks int                  `mapstructure:"maxParallelTasks" json:"maxParallelTasks"`
	Docker           DockerConfig         `mapstructure:"docker" json:"docker"`
	Safety           SafetyConfig         `mapstructure:"safety" json:"safety"`
	Runner           RunnerConfig         `mapstructure:"runner" json:"runner"`
	Events           EventsConfig         `mapstructure:"events" json:"events"`
	Logging          logger.LoggingConfig `mapstructure:"logging" json:"logging"`
}

// DockerConfig holds Docker client defaults applied when a project does not
// override them.
type DockerConfig struct {
	Host         string  `mapstructure:"host" json:"host"`
	APIVersion   string  `mapstructure:"apiVersion" json:"apiVersion"`
	Network      string  `mapstructure:"network" json:"network"`
	DefaultImage string  `mapstructure:"defaultImage" json:"defaultImage"`
	MemoryMB     int64   `mapstructure:"memoryMb" json:"memoryMb"`
	CPUs         float64 `mapstructure:"cpus" json:"cpus"`
}

// SafetyConfig holds the default safety limits for task execution.
type SafetyConfig struct {
	MaxCostPerTask     float64 `mapstructure:"maxCostPerTask" json:"maxCostPerTask"`
	MaxDurationMinutes int     `mapstructure:"maxDurationMinutes" json:"maxDurationMinutes"`
	TurnTimeoutSeconds int     `mapstructure:"turnTimeoutSeconds" json:"turnTimeoutSeconds"`
}

// MaxDuration returns the task deadline as a time.Duration.
func (s SafetyConfig) MaxDuration() time.Duration {
	return time.Duration(s.MaxDurationMinutes) * time.Minute
}

// TurnTimeout returns the per-turn deadline as a time.Duration.
func (s SafetyConfig) TurnTimeout() time.Duration {
	return time.Duration(s.TurnTimeoutSeconds) * time.Second
}

// RunnerConfig holds the connection settings for the agent runner service
// that executes model turns against isolated workspaces.
type RunnerConfig struct {
	BaseURL        string `mapstructure:"baseUrl" json:"baseUrl"`
	RequestTimeout int    `mapstructure:"requestTimeoutSeconds" json:"requestTimeoutSeconds"`
}

// EventsConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type EventsConfig struct {
	NATSUrl       string `mapstructure:"natsUrl" json:"natsUrl"`
	ClientID      string `mapstructure:"clientId" json:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects" json:"maxReconnects"`
}

// InstallDir returns the gaffer home directory: $GAFFER_HOME if set,
// otherwise ~/.gaffer.
func InstallDir() string {
	if home := os.Getenv("GAFFER_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".gaffer"
	}
	return filepath.Join(userHome, ".gaffer")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper, installDir string) {
	v.SetDefault("configDir", filepath.Join(installDir, "projects"))
	v.SetDefault("tasksDir", filepath.Join(installDir, "tasks"))
	v.SetDefault("logsDir", filepath.Join(installDir, "logs"))
	v.SetDefault("toolsDir", filepath.Join(installDir, "tools"))
	v.SetDefault("maxParallelTasks", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.network", "bridge")
	v.SetDefault("docker.defaultImage", "gaffer/workspace:latest")
	v.SetDefault("docker.memoryMb", 2048)
	v.SetDefault("docker.cpus", 2.0)

	// Safety defaults
	v.SetDefault("safety.maxCostPerTask", 5.0)
	v.SetDefault("safety.maxDurationMinutes", 60)
	v.SetDefault("safety.turnTimeoutSeconds", 300)

	// Agent runner defaults
	v.SetDefault("runner.baseUrl", "http://localhost:7333")
	v.SetDefault("runner.requestTimeoutSeconds", 300)

	// Events defaults - empty URL means use the in-memory bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "gaffer")
	v.SetDefault("events.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads the global configuration from <install_dir>/config.json,
// environment variables with the GAFFER_ prefix, and defaults.
func Load() (*GlobalConfig, error) {
	return LoadFrom(InstallDir())
}

// LoadFrom reads the global configuration rooted at the given install
// directory. Tests use this to build isolated configurations.
func LoadFrom(installDir string) (*GlobalConfig, error) {
	v := viper.New()

	setDefaults(v, installDir)

	v.SetEnvPrefix("GAFFER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(installDir)

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg GlobalConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *GlobalConfig) error {
	var errs []string

	if cfg.MaxParallelTasks <= 0 {
		errs = append(errs, "maxParallelTasks must be positive")
	}
	if cfg.Safety.MaxCostPerTask < 0 {
		errs = append(errs, "safety.maxCostPerTask must not be negative")
	}
	if cfg.Safety.MaxDurationMinutes <= 0 {
		errs = append(errs, "safety.maxDurationMinutes must be positive")
	}
	if cfg.Safety.TurnTimeoutSeconds <= 0 {
		errs = append(errs, "safety.turnTimeoutSeconds must be positive")
	}
	if cfg.Runner.RequestTimeout <= 0 {
		errs = append(errs, "runner.requestTimeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// EnsureDirs creates the state, log and project config directories if they
// do not exist yet.
func (c *GlobalConfig) EnsureDirs() error {
	for _, dir := range []string{c.ConfigDir, c.TasksDir, c.LogsDir, c.ToolsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
