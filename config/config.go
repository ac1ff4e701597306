package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/foundry-works/drover/log"
)

const ConfigFileName = "config.json"

// ProjectDirName is the project-local hidden directory holding the work
// registry, lock table, and completion history. It lives at the repo root so
// state survives coordinator restarts.
const ProjectDirName = ".drover"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".drover"), nil
}

// ProjectDir returns the project-local state directory under the repo root.
func ProjectDir(repoRoot string) string {
	return filepath.Join(repoRoot, ProjectDirName)
}

// Config represents the application configuration.
type Config struct {
	// DefaultProgram is the worker program to run in new sessions (e.g. "claude").
	DefaultProgram string `json:"default_program"`
	// MaxAgents caps the worker pool size regardless of backlog.
	MaxAgents int `json:"max_agents"`
	// DefaultAgents is the pool size used when autoscaling is disabled.
	DefaultAgents int `json:"default_agents"`
	// StaggerDelaySeconds spaces successive worker launches to avoid
	// simultaneous resource contention.
	StaggerDelaySeconds int `json:"stagger_delay_seconds"`
	// ContextClearThresholdPercent is the context usage above which a worker
	// is told to clear its accumulated context.
	ContextClearThresholdPercent int `json:"context_clear_threshold_percent"`
	// AutoRestart restarts crashed or stuck workers automatically.
	AutoRestart bool `json:"auto_restart"`
	// HealthCheckIntervalSeconds is the monitor loop period.
	HealthCheckIntervalSeconds int `json:"health_check_interval_seconds"`
	// CoordinationEnabled turns on the shared lock table between workers.
	CoordinationEnabled bool `json:"coordination_enabled"`
	// AutoStart launches the default pool on `drover run` even with no
	// detected backlog.
	AutoStart bool `json:"auto_start"`
	// AutoDetectWork runs the problem probes on a timer.
	AutoDetectWork bool `json:"auto_detect_work"`
	// AutoScale grows the pool toward the suggested worker count.
	AutoScale bool `json:"auto_scale"`
	// AutoShutdown stops the pool once no pending or assigned work remains.
	AutoShutdown bool `json:"auto_shutdown"`
	// WorkDetectionIntervalSeconds is the autoscale loop period.
	WorkDetectionIntervalSeconds int `json:"work_detection_interval_seconds"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultProgram:               "claude",
		MaxAgents:                    50,
		DefaultAgents:                2,
		StaggerDelaySeconds:          5,
		ContextClearThresholdPercent: 80,
		AutoRestart:                  true,
		HealthCheckIntervalSeconds:   30,
		CoordinationEnabled:          true,
		AutoStart:                    false,
		AutoDetectWork:               true,
		AutoScale:                    true,
		AutoShutdown:                 true,
		WorkDetectionIntervalSeconds: 120,
	}
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := saveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}
	config.normalize()

	return &config
}

// normalize clamps nonsensical values back to defaults so a hand-edited
// config cannot wedge the orchestrator.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxAgents <= 0 {
		c.MaxAgents = def.MaxAgents
	}
	if c.DefaultAgents <= 0 {
		c.DefaultAgents = def.DefaultAgents
	}
	if c.DefaultAgents > c.MaxAgents {
		c.DefaultAgents = c.MaxAgents
	}
	if c.StaggerDelaySeconds < 0 {
		c.StaggerDelaySeconds = def.StaggerDelaySeconds
	}
	if c.ContextClearThresholdPercent <= 0 || c.ContextClearThresholdPercent > 100 {
		c.ContextClearThresholdPercent = def.ContextClearThresholdPercent
	}
	if c.HealthCheckIntervalSeconds <= 0 {
		c.HealthCheckIntervalSeconds = def.HealthCheckIntervalSeconds
	}
	if c.WorkDetectionIntervalSeconds <= 0 {
		c.WorkDetectionIntervalSeconds = def.WorkDetectionIntervalSeconds
	}
	if c.DefaultProgram == "" {
		c.DefaultProgram = def.DefaultProgram
	}
}

// saveConfig saves the configuration to disk
func saveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// SaveConfig exports the saveConfig function for use by other packages
func SaveConfig(config *Config) error {
	return saveConfig(config)
}
