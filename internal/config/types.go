// Package config loads, validates, and hot-reloads the daemon configuration
// from a YAML or JSON file. Decoding is strict: unknown fields are rejected
// so a typo fails loudly at load instead of silently using a default.
package config

import (
	"fmt"
	"strings"
)

// Config is the full on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "5m"); empty means "use the default".
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Queue    QueueConfig    `json:"queue"`
	Records  RecordsConfig  `json:"records"`
	Bots     BotsConfig     `json:"bots"`
	Jobs     JobsConfig     `json:"jobs"`
	Telegram TelegramConfig `json:"telegram,omitempty"`

	// Schedules are cron expressions for the periodic sweeps.
	Schedules SchedulesConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn+ records onto the event bus, rate limited.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// QueueConfig selects and configures the queue store driver.
type QueueConfig struct {
	Driver string `json:"driver"` // "redis" | "memory"

	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`

	ConnTimeout string `json:"conn_timeout,omitempty"`
}

// RecordsConfig selects and configures the record store driver.
type RecordsConfig struct {
	Driver      string `json:"driver"` // "sqlite" | "none"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// BotsConfig controls the bot process manager.
type BotsConfig struct {
	WorkRoot    string `json:"work_root"`
	StrategyDir string `json:"strategy_dir"`

	EngineBin  string   `json:"engine_bin"`
	EngineArgs []string `json:"engine_args,omitempty"`
	Env        []string `json:"env,omitempty"`

	GracePeriod     string `json:"grace_period,omitempty"`
	MonitorInterval string `json:"monitor_interval,omitempty"`
}

// JobsConfig controls the dispatcher.
type JobsConfig struct {
	Workers      int    `json:"workers,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`

	JobTimeout        string `json:"job_timeout,omitempty"`
	StuckTimeout      string `json:"stuck_timeout,omitempty"`
	TerminalRetention string `json:"terminal_retention,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

// SchedulesConfig holds cron expressions (robfig/cron syntax, with @every
// shorthand) for the background sweeps. Empty entries use the defaults.
type SchedulesConfig struct {
	StuckSweep      string `json:"stuck_sweep,omitempty"`
	TerminalCleanup string `json:"terminal_cleanup,omitempty"`
	MetricsRefresh  string `json:"metrics_refresh,omitempty"`
	HealthCheck     string `json:"health_check,omitempty"`
}

const (
	DefaultStuckSweepSpec      = "@every 1m"
	DefaultTerminalCleanupSpec = "@every 10m"
	DefaultMetricsRefreshSpec  = "@every 5m"
	DefaultHealthCheckSpec     = "@every 1m"
)

func (s SchedulesConfig) withDefaults() SchedulesConfig {
	if strings.TrimSpace(s.StuckSweep) == "" {
		s.StuckSweep = DefaultStuckSweepSpec
	}
	if strings.TrimSpace(s.TerminalCleanup) == "" {
		s.TerminalCleanup = DefaultTerminalCleanupSpec
	}
	if strings.TrimSpace(s.MetricsRefresh) == "" {
		s.MetricsRefresh = DefaultMetricsRefreshSpec
	}
	if strings.TrimSpace(s.HealthCheck) == "" {
		s.HealthCheck = DefaultHealthCheckSpec
	}
	return s
}

// Normalize fills defaults in place. Called after every successful parse so
// the rest of the program never sees a half-empty config.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Queue.Driver) == "" {
		c.Queue.Driver = "memory"
	}
	if strings.TrimSpace(c.Records.Driver) == "" {
		c.Records.Driver = "sqlite"
	}
	if c.Records.Driver == "sqlite" && strings.TrimSpace(c.Records.Path) == "" {
		c.Records.Path = "./tradefleet.db"
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 4
	}
	c.Schedules = c.Schedules.withDefaults()
}

// Validate rejects configs that cannot possibly run. Duration strings are
// parsed here so a bad value is caught at load, not at first use.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Queue.Driver)) {
	case "redis":
		if strings.TrimSpace(c.Queue.Addr) == "" {
			return fmt.Errorf("queue: addr is required for the redis driver")
		}
	case "memory", "":
	default:
		return fmt.Errorf("queue: unknown driver %q", c.Queue.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(c.Records.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Records.Path) == "" {
			return fmt.Errorf("records: path is required for the sqlite driver")
		}
	case "none", "":
	default:
		return fmt.Errorf("records: unknown driver %q", c.Records.Driver)
	}

	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram: token is required when enabled")
	}

	for _, f := range []struct{ path, raw string }{
		{"queue.conn_timeout", c.Queue.ConnTimeout},
		{"records.busy_timeout", c.Records.BusyTimeout},
		{"bots.grace_period", c.Bots.GracePeriod},
		{"bots.monitor_interval", c.Bots.MonitorInterval},
		{"jobs.poll_interval", c.Jobs.PollInterval},
		{"jobs.job_timeout", c.Jobs.JobTimeout},
		{"jobs.stuck_timeout", c.Jobs.StuckTimeout},
		{"jobs.terminal_retention", c.Jobs.TerminalRetention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
