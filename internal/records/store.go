// Package records persists the business rows the orchestration core reads
// and writes: bot configuration/status rows and trade rows (read-only here,
// aggregated into metrics snapshots). The wider CRUD surface around these
// tables belongs to the API layer; only the fields the scheduler needs are
// modeled.
package records

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("records: not found")

// Bot is the configuration and status row for one supervised bot.
type Bot struct {
	ID     string
	UserID string

	Strategy      string
	Exchange      string
	Pair          string
	Timeframe     string
	StakeAmount   float64
	MaxOpenTrades int
	DryRun        bool
	StopLoss      *float64
	TakeProfit    *float64

	Status    string
	UpdatedAt time.Time
}

// Trade is one executed or open trade, read for metrics aggregation.
type Trade struct {
	ID       int64
	BotID    string
	Pair     string
	Profit   float64
	IsOpen   bool
	OpenedAt time.Time
	ClosedAt time.Time
}

// Metrics is the periodically recomputed aggregate snapshot for one bot.
// It is always rebuilt from trade rows, never mutated incrementally.
type Metrics struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	Profit        float64
	WinRate       float64
	UpdatedAt     time.Time
}

// Store is the record-store API used by the core.
type Store interface {
	GetBot(ctx context.Context, id string) (*Bot, error)
	UpsertBot(ctx context.Context, b *Bot) error
	// UpdateBotStatus is a single keyed write; concurrent supervisors
	// rely on its atomicity instead of in-process locks.
	UpdateBotStatus(ctx context.Context, id, status string) error
	ListBots(ctx context.Context) ([]Bot, error)

	TradesForBot(ctx context.Context, botID string) ([]Trade, error)

	PutMetrics(ctx context.Context, botID string, m Metrics) error
	GetMetrics(ctx context.Context, botID string) (*Metrics, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config configures the record store.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the store is disabled and Open returns
// (nil, nil); callers treat a nil store as a missing dependency.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg)
	default:
		return nil, errors.New("records: unknown driver: " + cfg.Driver)
	}
}
