// Package config loads the supervisor settings file. Unknown keys are
// ignored and missing keys fall back to compiled defaults, so old and new
// settings files keep working.
package config

import (
	"time"
)

// Config is the root settings document.
type Config struct {
	Execution    ExecutionConfig    `json:"execution" yaml:"execution"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Intervention InterventionConfig `json:"intervention" yaml:"intervention"`
	Verbose      bool               `json:"verbose" yaml:"verbose"`
}

// ExecutionConfig tunes the PTY supervisor and the decomposer.
type ExecutionConfig struct {
	// AgentPath is the external agent binary. Overridden by the
	// CLAUDE_CODE_PATH environment variable when empty.
	AgentPath string `json:"agent_path" yaml:"agent_path"`

	StartupTimeoutSec int `json:"startup_timeout_sec" yaml:"startup_timeout_sec"`
	IdleTimeoutSec    int `json:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	HeartbeatSec      int `json:"heartbeat_sec" yaml:"heartbeat_sec"`

	// TaskTimeoutSec bounds one subtask attempt in the decomposer.
	TaskTimeoutSec int `json:"task_timeout_sec" yaml:"task_timeout_sec"`
	MaxParallel    int `json:"max_parallel" yaml:"max_parallel"`
	MaxRetries     int `json:"max_retries" yaml:"max_retries"`

	// UseWorktree isolates subtasks in git worktrees.
	UseWorktree bool   `json:"use_worktree" yaml:"use_worktree"`
	BaseBranch  string `json:"base_branch" yaml:"base_branch"`
	AutoMerge   bool   `json:"auto_merge" yaml:"auto_merge"`
	RepoPath    string `json:"repo_path" yaml:"repo_path"`

	// ReadySentinel optionally signals agent readiness via the
	// filesystem.
	ReadySentinel string `json:"ready_sentinel" yaml:"ready_sentinel"`
}

// LoggingConfig controls the event log and console output.
type LoggingConfig struct {
	// Dir is where JSONL event logs rotate. Empty disables the log.
	Dir string `json:"dir" yaml:"dir"`

	// Level is loaded from the settings file but the process logger does
	// not consult it; the console level comes from LOG_LEVEL alone.
	Level string `json:"level" yaml:"level"`

	// Database is the SQLite path for the persistence sink. Empty
	// disables it.
	Database string `json:"database" yaml:"database"`
}

// InterventionConfig tunes the pattern scanner and controller.
type InterventionConfig struct {
	PlanningGraceSec  int `json:"planning_grace_sec" yaml:"planning_grace_sec"`
	ActionCooldownSec int `json:"action_cooldown_sec" yaml:"action_cooldown_sec"`
	VerifyWindowSec   int `json:"verify_window_sec" yaml:"verify_window_sec"`

	// Messages overrides the injected text per action name.
	Messages map[string]string `json:"messages" yaml:"messages"`
}

// Default returns the compiled defaults.
func Default() *Config {
	return &Config{
		Execution: ExecutionConfig{
			StartupTimeoutSec: 30,
			IdleTimeoutSec:    30,
			HeartbeatSec:      10,
			TaskTimeoutSec:    600,
			MaxParallel:       10,
			MaxRetries:        2,
			BaseBranch:        "main",
		},
		Intervention: InterventionConfig{
			PlanningGraceSec:  30,
			ActionCooldownSec: 5,
			VerifyWindowSec:   10,
		},
	}
}

// StartupTimeout returns the execution startup budget.
func (c *ExecutionConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSec) * time.Second
}

// IdleTimeout returns the idle watchdog window.
func (c *ExecutionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// Heartbeat returns the keep-alive interval.
func (c *ExecutionConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// TaskTimeout returns the per-subtask budget.
func (c *ExecutionConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSec) * time.Second
}
