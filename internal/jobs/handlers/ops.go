package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"tradefleet/internal/botman"
	"tradefleet/internal/health"
	"tradefleet/internal/jobs"
	"tradefleet/internal/notify"
	"tradefleet/pkg/logx"
)

func healthCheck(svc *health.Service) jobs.HandlerFunc {
	return func(ctx context.Context, _ *jobs.Job) (string, error) {
		// A degraded report is a finding, not a handler failure; the job
		// succeeds and carries the report as its result.
		report := svc.Check(ctx)
		out, err := json.Marshal(report)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

// strategyValidation checks that the strategy source exists and declares
// the expected strategy class, before a bot is ever started with it.
func strategyValidation(mgr *botman.Manager) jobs.HandlerFunc {
	return func(_ context.Context, j *jobs.Job) (string, error) {
		name, err := field(j, "strategy")
		if err != nil {
			return "", err
		}
		path := mgr.StrategyPath(name)
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("strategy %q: %w", name, err)
		}
		src := string(b)
		if strings.TrimSpace(src) == "" {
			return "", fmt.Errorf("strategy %q: file is empty", name)
		}
		if !strings.Contains(src, "class "+name) {
			return "", fmt.Errorf("strategy %q: no class %s declared", name, name)
		}
		out, _ := json.Marshal(map[string]any{"strategy": name, "valid": true})
		return string(out), nil
	}
}

func exchangeSync(ec ExchangeClient) jobs.HandlerFunc {
	return func(ctx context.Context, j *jobs.Job) (string, error) {
		exchange, err := field(j, "exchange")
		if err != nil {
			return "", err
		}
		pair := j.Payload["pair"]
		if err := ec.SyncMarkets(ctx, exchange, pair); err != nil {
			return "", fmt.Errorf("sync %s %s: %w", exchange, pair, err)
		}
		out, _ := json.Marshal(map[string]string{"exchange": exchange, "pair": pair})
		return string(out), nil
	}
}

// dataCleanup reaps expired terminal job records and workspaces with no
// tracked bot (left behind when a host dies mid-run).
func dataCleanup(cli *jobs.Client, mgr *botman.Manager, log logx.Logger) jobs.HandlerFunc {
	return func(ctx context.Context, _ *jobs.Job) (string, error) {
		removedJobs, err := cli.CleanupTerminal(ctx, 0)
		if err != nil {
			return "", err
		}

		stale, err := botman.StaleWorkspaces(mgr.WorkRoot(), mgr.TrackedBots())
		if err != nil {
			return "", err
		}
		removedDirs := 0
		for _, dir := range stale {
			if err := os.RemoveAll(dir); err != nil {
				log.Warn("cleanup: remove stale workspace", logx.String("dir", dir), logx.Err(err))
				continue
			}
			removedDirs++
		}

		out, _ := json.Marshal(map[string]int{
			"jobs_removed":       removedJobs,
			"workspaces_removed": removedDirs,
		})
		return string(out), nil
	}
}

func notificationSend(sender notify.Sender) jobs.HandlerFunc {
	return func(ctx context.Context, j *jobs.Job) (string, error) {
		msg, err := field(j, "message")
		if err != nil {
			return "", err
		}
		chatID, _ := strconv.ParseInt(j.Payload["chat_id"], 10, 64)
		if err := sender.Send(ctx, chatID, msg); err != nil {
			return "", err
		}
		return `{"delivered":true}`, nil
	}
}
