package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	content := `{
	// This is a JSONC comment
	"gateway": {
		"host": "0.0.0.0",
		"port": 9999,
		"token": "${{ .Env.OVERSEER_TOKEN }}",
	},
	"budget": {
		"hourly_limit": 25.5,
		"window": "30m",
	},
	"agents": {"max_parallel": 8},
	"rollback": {
		"repo_dir": "/srv/repo",
		"ignore": ["**/*.log", "tmp/**"],
		"clean_untracked": true,
	},
}`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("OVERSEER_TOKEN", "test-token-123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Addr() != "0.0.0.0:9999" {
		t.Errorf("expected addr 0.0.0.0:9999, got %s", cfg.Gateway.Addr())
	}
	if cfg.Gateway.Token != "test-token-123" {
		t.Errorf("expected token test-token-123, got %s", cfg.Gateway.Token)
	}
	if cfg.Budget.HourlyLimit != 25.5 {
		t.Errorf("expected hourly_limit 25.5, got %v", cfg.Budget.HourlyLimit)
	}
	if cfg.Budget.Window.Duration() != 30*time.Minute {
		t.Errorf("expected window 30m, got %s", cfg.Budget.Window.Duration())
	}
	if cfg.Agents.MaxParallel != 8 {
		t.Errorf("expected max_parallel 8, got %d", cfg.Agents.MaxParallel)
	}
	if cfg.Rollback.RepoDir != "/srv/repo" || !cfg.Rollback.CleanUntracked {
		t.Errorf("unexpected rollback config %+v", cfg.Rollback)
	}
	if len(cfg.Rollback.Ignore) != 2 {
		t.Errorf("expected 2 ignore patterns, got %v", cfg.Rollback.Ignore)
	}
}

func TestLoadDefaults(t *testing.T) {
	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 18430 {
		t.Errorf("expected default port 18430, got %d", cfg.Gateway.Port)
	}
	if cfg.Events.BufferSize != 1024 {
		t.Errorf("expected default buffer 1024, got %d", cfg.Events.BufferSize)
	}
	if cfg.Events.LogLevel != "info" {
		t.Errorf("expected default log_level 'info', got %q", cfg.Events.LogLevel)
	}
	if cfg.Tasks.DefaultMaxIterations != 3 {
		t.Errorf("expected default_max_iterations 3, got %d", cfg.Tasks.DefaultMaxIterations)
	}
	if cfg.Budget.HourlyLimit != 10 {
		t.Errorf("expected hourly_limit 10, got %v", cfg.Budget.HourlyLimit)
	}
	if cfg.Budget.Window.Duration() != time.Hour {
		t.Errorf("expected window 1h, got %s", cfg.Budget.Window.Duration())
	}
	if cfg.Agents.MaxParallel != 5 {
		t.Errorf("expected max_parallel 5, got %d", cfg.Agents.MaxParallel)
	}
	if cfg.Approvals.TTL.Duration() != 24*time.Hour {
		t.Errorf("expected approval ttl 24h, got %s", cfg.Approvals.TTL.Duration())
	}
	if cfg.Approvals.Sweep != "@every 1m" {
		t.Errorf("expected sweep '@every 1m', got %q", cfg.Approvals.Sweep)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.jsonc"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.MaxParallel != 5 {
		t.Errorf("expected defaults, got max_parallel %d", cfg.Agents.MaxParallel)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", `{"gateway": `},
		{"bad duration", `{"budget": {"window": "soon"}}`},
		{"wrong type", `{"agents": {"max_parallel": "five"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"chatty", slog.LevelInfo},
	}
	for _, tt := range tests {
		cfg := &Config{Events: EventsConfig{LogLevel: tt.in}}
		if got := cfg.LogLevel(); got != tt.want {
			t.Errorf("LogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("TEST_KEY", "my-secret")
	result := expandEnvTemplates(`{"key": "${{ .Env.TEST_KEY }}"}`)
	expected := `{"key": "my-secret"}`
	if result != expected {
		t.Errorf("expected %s, got %s", expected, result)
	}
}

func TestLoadExampleConfig(t *testing.T) {
	t.Setenv("OVERSEER_GATEWAY_TOKEN", "s3cret")

	cfg, err := Load(filepath.Join("..", "..", "examples", "config.jsonc"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Token != "s3cret" {
		t.Errorf("Gateway.Token = %q, want s3cret", cfg.Gateway.Token)
	}
	if cfg.Rollback.Timeout.Duration() != 30*time.Second {
		t.Errorf("Rollback.Timeout = %v, want 30s", cfg.Rollback.Timeout.Duration())
	}
	if len(cfg.Rollback.Ignore) != 2 {
		t.Errorf("Rollback.Ignore = %v", cfg.Rollback.Ignore)
	}
}
