package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// ScheduleEntry configures one cron-scheduled workflow for serve mode.
type ScheduleEntry struct {
	Name      string         `json:"name"`
	Workflow  string         `json:"workflow"`
	Flow      string         `json:"flow,omitempty"`
	Cron      string         `json:"cron"`
	Workspace string         `json:"workspace"`
	Params    map[string]any `json:"params,omitempty"`
}

// Config holds CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Workspace  string          `json:"workspace"`
	LogLevel   string          `json:"log_level"`
	LogFormat  string          `json:"log_format"` // "text" or "json"
	MaxRetries int             `json:"max_retries"`
	Schedules  []ScheduleEntry `json:"schedules,omitempty"`
}

func defaultConfig() Config {
	return Config{
		Workspace:  filepath.Join(configDir(), "runs", "default"),
		LogLevel:   "info",
		LogFormat:  "text",
		MaxRetries: 3,
	}
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".yaml-workflow"
	}
	return filepath.Join(home, ".yaml-workflow")
}

func settingsPath() string {
	return filepath.Join(configDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("YAML_WORKFLOW_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("YAML_WORKFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("YAML_WORKFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("YAML_WORKFLOW_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}

	return cfg
}
