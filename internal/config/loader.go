package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			applyDefaults(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes JSONC content into a Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	// Expand environment variable templates (before standardizing, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18430
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.LogLevel == "" {
		cfg.Events.LogLevel = "info"
	}
	if cfg.Tasks.DefaultMaxIterations <= 0 {
		cfg.Tasks.DefaultMaxIterations = 3
	}
	if cfg.Budget.HourlyLimit <= 0 {
		cfg.Budget.HourlyLimit = 10
	}
	if cfg.Budget.Window <= 0 {
		cfg.Budget.Window = Duration(time.Hour)
	}
	if cfg.Budget.History <= 0 {
		cfg.Budget.History = Duration(24 * time.Hour)
	}
	if cfg.Agents.MaxParallel <= 0 {
		cfg.Agents.MaxParallel = 5
	}
	if cfg.Approvals.TTL <= 0 {
		cfg.Approvals.TTL = Duration(24 * time.Hour)
	}
	if cfg.Approvals.Sweep == "" {
		cfg.Approvals.Sweep = "@every 1m"
	}
	if cfg.Rollback.Timeout <= 0 {
		cfg.Rollback.Timeout = Duration(30 * time.Second)
	}
}

// LogLevel maps the configured level name to a slog.Level (info when unknown).
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Events.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
