// Package botman supervises external trading-engine processes: it starts,
// monitors, pauses, and tears down one long-running process per bot, with a
// bounded graceful-stop path and per-bot monitor loops.
//
// The process handle is exclusively owned by the Manager that spawned it;
// it is never handed to other components. Everything other components need
// (status, cause) flows through the record store and the status channel.
package botman

import (
	"time"
)

// Status is the bot lifecycle state. Start guards entry with startable;
// Stop, Pause, and Resume each check the exact states they accept, so no
// transition outside the table exists.
type Status string

const (
	StatusStopped     Status = "stopped"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusStopping    Status = "stopping"
	StatusError       Status = "error"
	StatusMaintenance Status = "maintenance"
)

// startable reports whether Start may begin from this state. Leaving error
// requires an explicit Start call; that is the only path back.
func (s Status) startable() bool {
	return s == StatusStopped || s == StatusError || s == StatusMaintenance || s == ""
}

// Config controls the Manager.
type Config struct {
	// WorkRoot is the directory under which per-bot workspaces are
	// materialized.
	WorkRoot string

	// StrategyDir holds the strategy source files, one <name>.py each.
	StrategyDir string

	// EngineBin is the external trading engine executable.
	EngineBin string
	// EngineArgs are prepended fixed arguments (e.g. "trade").
	EngineArgs []string
	// Env entries are appended to the child process environment.
	Env []string

	// GracePeriod bounds the wait after a graceful stop signal before the
	// process is force-killed.
	GracePeriod time.Duration

	// MonitorInterval is the per-bot liveness poll interval.
	MonitorInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkRoot == "" {
		c.WorkRoot = "./bots"
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 2 * time.Second
	}
	return c
}

// StartResult is returned to the caller of Start.
type StartResult struct {
	BotID  string
	Status Status
	PID    int
}

// StopResult is returned to the caller of Stop.
type StopResult struct {
	BotID  string
	Status Status
	// Forced reports that the grace period was exceeded (or force was
	// requested) and the process was killed.
	Forced bool
}

// StatusEvent is published on the store channel for every transition.
type StatusEvent struct {
	BotID  string    `json:"bot_id"`
	UserID string    `json:"user_id,omitempty"`
	Status Status    `json:"status"`
	Cause  string    `json:"cause,omitempty"`
	At     time.Time `json:"at"`
}

const statusChannel = "bots:events"
