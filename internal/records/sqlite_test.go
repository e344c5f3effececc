package records

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "records.db"),
		BusyTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabledDriver(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"})
	if err != nil || st != nil {
		t.Fatalf("Open(none) = (%v, %v), want (nil, nil)", st, err)
	}
	if _, err := Open(Config{Driver: "postgres"}); err == nil {
		t.Fatal("unknown driver must be rejected")
	}
}

func TestBotRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetBot(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing bot: got %v, want ErrNotFound", err)
	}

	stop := -0.05
	in := &Bot{
		ID: "b1", UserID: "u1",
		Strategy: "Momentum", Exchange: "kraken", Pair: "BTC/USD",
		Timeframe: "5m", StakeAmount: 250, MaxOpenTrades: 3,
		DryRun: true, StopLoss: &stop,
	}
	if err := st.UpsertBot(ctx, in); err != nil {
		t.Fatalf("UpsertBot: %v", err)
	}

	got, err := st.GetBot(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBot: %v", err)
	}
	if got.Strategy != "Momentum" || got.StakeAmount != 250 || !got.DryRun {
		t.Fatalf("bot = %+v", got)
	}
	if got.StopLoss == nil || *got.StopLoss != -0.05 {
		t.Fatalf("stop loss = %v", got.StopLoss)
	}
	if got.TakeProfit != nil {
		t.Fatalf("take profit should stay null, got %v", *got.TakeProfit)
	}
	if got.Status != "stopped" {
		t.Fatalf("empty status must default to stopped, got %q", got.Status)
	}

	// Upsert is an update on conflict.
	in.Pair = "ETH/USD"
	if err := st.UpsertBot(ctx, in); err != nil {
		t.Fatalf("UpsertBot update: %v", err)
	}
	got, _ = st.GetBot(ctx, "b1")
	if got.Pair != "ETH/USD" {
		t.Fatalf("pair = %q after upsert", got.Pair)
	}
}

func TestUpdateBotStatus(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.UpdateBotStatus(ctx, "ghost", "running"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing bot: got %v, want ErrNotFound", err)
	}

	_ = st.UpsertBot(ctx, &Bot{ID: "b1", UserID: "u1", Strategy: "S", Exchange: "e", Pair: "p", StakeAmount: 1, MaxOpenTrades: 1})
	if err := st.UpdateBotStatus(ctx, "b1", "running"); err != nil {
		t.Fatalf("UpdateBotStatus: %v", err)
	}

	bots, err := st.ListBots(ctx)
	if err != nil {
		t.Fatalf("ListBots: %v", err)
	}
	if len(bots) != 1 || bots[0].Status != "running" {
		t.Fatalf("bots = %+v", bots)
	}
}

func TestMetricsRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetMetrics(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing metrics: got %v, want ErrNotFound", err)
	}

	m := Metrics{TotalTrades: 10, WinningTrades: 6, LosingTrades: 4, Profit: 12.5, WinRate: 0.6}
	if err := st.PutMetrics(ctx, "b1", m); err != nil {
		t.Fatalf("PutMetrics: %v", err)
	}
	got, err := st.GetMetrics(ctx, "b1")
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if got.TotalTrades != 10 || got.WinRate != 0.6 || got.UpdatedAt.IsZero() {
		t.Fatalf("metrics = %+v", got)
	}

	// Overwrite on conflict.
	m.TotalTrades = 11
	_ = st.PutMetrics(ctx, "b1", m)
	got, _ = st.GetMetrics(ctx, "b1")
	if got.TotalTrades != 11 {
		t.Fatalf("total trades = %d after overwrite", got.TotalTrades)
	}
}

func TestTradesForBotEmpty(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	trades, err := st.TradesForBot(context.Background(), "b1")
	if err != nil {
		t.Fatalf("TradesForBot: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("trades = %v, want none", trades)
	}
}
