package config

import (
	"os"
	"path/filepath"
)

// OverseerPath returns the root directory for overseer data.
// It uses $OVERSEER_PATH if set, otherwise defaults to ~/.overseer.
func OverseerPath() string {
	if v := os.Getenv("OVERSEER_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".overseer")
	}
	return filepath.Join(home, ".overseer")
}

// ConfigPath returns the path to the overseer config file.
func ConfigPath() string {
	return filepath.Join(OverseerPath(), "config.jsonc")
}

// DotenvPath returns the path to the overseer .env file.
func DotenvPath() string {
	return filepath.Join(OverseerPath(), ".env")
}

// HeartbeatPath returns the path to the gateway heartbeat file.
func HeartbeatPath() string {
	return filepath.Join(OverseerPath(), "heartbeat.json")
}

// DataDir returns the directory for one component's persisted state
// (tasks, convoys, approvals, budget, rollback, events).
func DataDir(component string) string {
	return filepath.Join(OverseerPath(), component)
}
