package records

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db *sql.DB
}

func openSQLite(cfg Config) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("records: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) GetBot(ctx context.Context, id string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, strategy, exchange, pair, timeframe, stake_amount,
		        max_open_trades, dry_run, stop_loss, take_profit, status, updated_at
		 FROM bots WHERE id = ?`, id)
	var b Bot
	var dryRun int
	var updatedAt string
	var stopLoss, takeProfit sql.NullFloat64
	err := row.Scan(&b.ID, &b.UserID, &b.Strategy, &b.Exchange, &b.Pair, &b.Timeframe,
		&b.StakeAmount, &b.MaxOpenTrades, &dryRun, &stopLoss, &takeProfit, &b.Status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.DryRun = dryRun != 0
	if stopLoss.Valid {
		b.StopLoss = &stopLoss.Float64
	}
	if takeProfit.Valid {
		b.TakeProfit = &takeProfit.Float64
	}
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &b, nil
}

func (s *sqliteStore) UpsertBot(ctx context.Context, b *Bot) error {
	var stopLoss, takeProfit any
	if b.StopLoss != nil {
		stopLoss = *b.StopLoss
	}
	if b.TakeProfit != nil {
		takeProfit = *b.TakeProfit
	}
	status := b.Status
	if status == "" {
		status = "stopped"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bots(id, user_id, strategy, exchange, pair, timeframe, stake_amount,
		                  max_open_trades, dry_run, stop_loss, take_profit, status, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id=excluded.user_id, strategy=excluded.strategy, exchange=excluded.exchange,
		   pair=excluded.pair, timeframe=excluded.timeframe, stake_amount=excluded.stake_amount,
		   max_open_trades=excluded.max_open_trades, dry_run=excluded.dry_run,
		   stop_loss=excluded.stop_loss, take_profit=excluded.take_profit,
		   status=excluded.status, updated_at=excluded.updated_at`,
		b.ID, b.UserID, b.Strategy, b.Exchange, b.Pair, b.Timeframe, b.StakeAmount,
		b.MaxOpenTrades, boolInt(b.DryRun), stopLoss, takeProfit, status,
		time.Now().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) UpdateBotStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListBots(ctx context.Context) ([]Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, status, updated_at FROM bots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bot
	for rows.Next() {
		var b Bot
		var updatedAt string
		if err := rows.Scan(&b.ID, &b.UserID, &b.Status, &updatedAt); err != nil {
			return nil, err
		}
		b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TradesForBot(ctx context.Context, botID string) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, pair, profit, is_open, opened_at, closed_at
		 FROM trades WHERE bot_id = ?`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		var isOpen int
		var openedAt, closedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.BotID, &t.Pair, &t.Profit, &isOpen, &openedAt, &closedAt); err != nil {
			return nil, err
		}
		t.IsOpen = isOpen != 0
		if openedAt.Valid {
			t.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt.String)
		}
		if closedAt.Valid {
			t.ClosedAt, _ = time.Parse(time.RFC3339Nano, closedAt.String)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutMetrics(ctx context.Context, botID string, m Metrics) error {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_metrics(bot_id, total_trades, winning_trades, losing_trades, profit, win_rate, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(bot_id) DO UPDATE SET
		   total_trades=excluded.total_trades, winning_trades=excluded.winning_trades,
		   losing_trades=excluded.losing_trades, profit=excluded.profit,
		   win_rate=excluded.win_rate, updated_at=excluded.updated_at`,
		botID, m.TotalTrades, m.WinningTrades, m.LosingTrades, m.Profit, m.WinRate,
		m.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) GetMetrics(ctx context.Context, botID string) (*Metrics, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT total_trades, winning_trades, losing_trades, profit, win_rate, updated_at
		 FROM bot_metrics WHERE bot_id = ?`, botID)
	var m Metrics
	var updatedAt string
	err := row.Scan(&m.TotalTrades, &m.WinningTrades, &m.LosingTrades, &m.Profit, &m.WinRate, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
