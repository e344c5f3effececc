package handlers

import (
	"context"
	"encoding/json"
	"strconv"

	"tradefleet/internal/botman"
	"tradefleet/internal/jobs"
)

type botSetupRequest struct {
	BotID  string
	UserID string
}

func botSetup(mgr *botman.Manager) jobs.HandlerFunc {
	return func(ctx context.Context, j *jobs.Job) (string, error) {
		var req botSetupRequest
		var err error
		if req.BotID, err = field(j, "bot_id"); err != nil {
			return "", err
		}
		if req.UserID, err = field(j, "user_id"); err != nil {
			return "", err
		}

		res, err := mgr.Start(ctx, req.BotID, req.UserID)
		if err != nil {
			return "", err
		}
		out, _ := json.Marshal(map[string]any{
			"bot_id": res.BotID,
			"status": res.Status,
			"pid":    res.PID,
		})
		return string(out), nil
	}
}

type botCleanupRequest struct {
	BotID  string
	UserID string
	Force  bool
}

func botCleanup(mgr *botman.Manager) jobs.HandlerFunc {
	return func(ctx context.Context, j *jobs.Job) (string, error) {
		var req botCleanupRequest
		var err error
		if req.BotID, err = field(j, "bot_id"); err != nil {
			return "", err
		}
		if req.UserID, err = field(j, "user_id"); err != nil {
			return "", err
		}
		req.Force, _ = strconv.ParseBool(j.Payload["force"])

		res, err := mgr.Stop(ctx, req.BotID, req.UserID, req.Force)
		if err != nil {
			return "", err
		}
		out, _ := json.Marshal(map[string]any{
			"bot_id": res.BotID,
			"status": res.Status,
			"forced": res.Forced,
		})
		return string(out), nil
	}
}

func metricsUpdate(mgr *botman.Manager) jobs.HandlerFunc {
	return func(ctx context.Context, j *jobs.Job) (string, error) {
		botID, err := field(j, "bot_id")
		if err != nil {
			return "", err
		}
		m, err := mgr.RefreshMetrics(ctx, botID)
		if err != nil {
			return "", err
		}
		out, _ := json.Marshal(map[string]any{
			"bot_id":       botID,
			"total_trades": m.TotalTrades,
			"winning":      m.WinningTrades,
			"losing":       m.LosingTrades,
			"profit":       m.Profit,
			"win_rate":     m.WinRate,
		})
		return string(out), nil
	}
}
