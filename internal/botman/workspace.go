package botman

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"tradefleet/internal/records"
)

// Workspace is the isolated on-disk state for one bot attempt: data, log,
// and state directories plus the generated engine config artifact. It is a
// scoped resource: acquire it, and release it on every exit path, including
// spawn failure, so partial setups never leak.
type Workspace struct {
	Root         string
	DataDir      string
	LogDir       string
	StateDir     string
	ConfigPath   string
	StrategyPath string
	LogPath      string
}

// engineConfig is the configuration artifact handed to the trading engine.
// Field names follow the engine's expected schema.
type engineConfig struct {
	Exchange      string   `json:"exchange"`
	PairWhitelist []string `json:"pair_whitelist"`
	Timeframe     string   `json:"timeframe"`
	StakeAmount   float64  `json:"stake_amount"`
	MaxOpenTrades int      `json:"max_open_trades"`
	DryRun        bool     `json:"dry_run"`
	StopLoss      *float64 `json:"stop_loss,omitempty"`
	TakeProfit    *float64 `json:"take_profit,omitempty"`
	Strategy      string   `json:"strategy"`
	DataDir       string   `json:"data_dir"`
	StateDir      string   `json:"state_dir"`
}

// acquireWorkspace materializes the workspace for bot. A stale workspace
// from a previous attempt is removed first.
func acquireWorkspace(cfg Config, bot *records.Bot) (*Workspace, error) {
	root := filepath.Join(cfg.WorkRoot, bot.ID)
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("clear stale workspace: %w", err)
	}

	ws := &Workspace{
		Root:         root,
		DataDir:      filepath.Join(root, "data"),
		LogDir:       filepath.Join(root, "logs"),
		StateDir:     filepath.Join(root, "state"),
		ConfigPath:   filepath.Join(root, "config.json"),
		StrategyPath: filepath.Join(cfg.StrategyDir, bot.Strategy+".py"),
	}
	ws.LogPath = filepath.Join(ws.LogDir, "engine.log")

	for _, dir := range []string{ws.DataDir, ws.LogDir, ws.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			ws.Release()
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	ec := engineConfig{
		Exchange:      bot.Exchange,
		PairWhitelist: []string{bot.Pair},
		Timeframe:     bot.Timeframe,
		StakeAmount:   bot.StakeAmount,
		MaxOpenTrades: bot.MaxOpenTrades,
		DryRun:        bot.DryRun,
		StopLoss:      bot.StopLoss,
		TakeProfit:    bot.TakeProfit,
		Strategy:      bot.Strategy,
		DataDir:       ws.DataDir,
		StateDir:      ws.StateDir,
	}
	b, err := json.MarshalIndent(ec, "", "  ")
	if err != nil {
		ws.Release()
		return nil, err
	}
	if err := os.WriteFile(ws.ConfigPath, b, 0o644); err != nil {
		ws.Release()
		return nil, fmt.Errorf("write config artifact: %w", err)
	}
	return ws, nil
}

// Release removes the workspace. Safe to call more than once.
func (w *Workspace) Release() {
	if w == nil || w.Root == "" {
		return
	}
	_ = os.RemoveAll(w.Root)
}

// StaleWorkspaces lists workspace directories under root with no entry in
// known. Used by the data_cleanup job to reap leftovers from hosts that
// died mid-run.
func StaleWorkspaces(root string, known map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var stale []string
	for _, e := range entries {
		if e.IsDir() && !known[e.Name()] {
			stale = append(stale, filepath.Join(root, e.Name()))
		}
	}
	return stale, nil
}
