// Package config loads the overseer JSONC configuration and keeps it hot-reloadable.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for overseer.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Events    EventsConfig    `json:"events"`
	Tasks     TasksConfig     `json:"tasks"`
	Budget    BudgetConfig    `json:"budget"`
	Agents    AgentsConfig    `json:"agents"`
	Approvals ApprovalsConfig `json:"approvals"`
	Rollback  RollbackConfig  `json:"rollback"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Token, when set, is required as a bearer token on every /api route
	// except health. May be an ENC[age:...] blob.
	Token string `json:"token,omitempty"`
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogLevel   string `json:"log_level"` // debug, info, warn, error
}

// TasksConfig holds task defaults.
type TasksConfig struct {
	DefaultMaxIterations int `json:"default_max_iterations"`
}

// BudgetConfig configures the cost ledger.
type BudgetConfig struct {
	HourlyLimit float64  `json:"hourly_limit"`
	Window      Duration `json:"window"`
	History     Duration `json:"history"` // in-memory retention of cost entries
}

// AgentsConfig configures agent admission.
type AgentsConfig struct {
	MaxParallel int `json:"max_parallel"`
}

// ApprovalsConfig configures the approval workflow.
type ApprovalsConfig struct {
	TTL   Duration `json:"ttl"`
	Sweep string   `json:"sweep"` // cron spec for the maintenance sweep
}

// RollbackConfig configures the rollback coordinator.
type RollbackConfig struct {
	RepoDir        string   `json:"repo_dir"` // empty disables rollback
	Ignore         []string `json:"ignore,omitempty"`
	CleanUntracked bool     `json:"clean_untracked"`
	Timeout        Duration `json:"timeout,omitempty"`
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
