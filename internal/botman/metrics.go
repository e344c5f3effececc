package botman

import (
	"context"
	"fmt"

	"tradefleet/internal/records"
	"tradefleet/pkg/logx"
)

// ComputeMetrics rebuilds the aggregate snapshot from trade rows. Open
// trades count toward the total but not toward the win rate.
func ComputeMetrics(trades []records.Trade) records.Metrics {
	var m records.Metrics
	closed := 0
	for _, t := range trades {
		m.TotalTrades++
		if t.IsOpen {
			continue
		}
		closed++
		m.Profit += t.Profit
		if t.Profit > 0 {
			m.WinningTrades++
		} else {
			m.LosingTrades++
		}
	}
	if closed > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(closed)
	}
	return m
}

// RefreshMetrics recomputes and persists the metrics snapshot for one bot.
// It runs as a periodic job, deliberately decoupled from the monitor loop:
// a metrics failure never affects process supervision.
func (m *Manager) RefreshMetrics(ctx context.Context, botID string) (records.Metrics, error) {
	trades, err := m.recs.TradesForBot(ctx, botID)
	if err != nil {
		return records.Metrics{}, fmt.Errorf("botman: load trades for %s: %w", botID, err)
	}
	agg := ComputeMetrics(trades)
	if err := m.recs.PutMetrics(ctx, botID, agg); err != nil {
		return records.Metrics{}, fmt.Errorf("botman: store metrics for %s: %w", botID, err)
	}
	m.log.Debug("metrics refreshed",
		logx.String("bot", botID), logx.Int("trades", agg.TotalTrades), logx.Float64("profit", agg.Profit))
	return agg, nil
}
