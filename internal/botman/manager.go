package botman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"tradefleet/internal/eventbus"
	"tradefleet/internal/queue"
	"tradefleet/internal/records"
	rtsup "tradefleet/internal/runtime/supervisor"
	"tradefleet/pkg/logx"
)

// CredentialChecker verifies that exchange credentials for a user are
// available and usable. External collaborator; nil means no credential
// source, which rejects live (non-dry-run) bots at validation time.
type CredentialChecker func(ctx context.Context, userID, exchange string) error

// Manager owns the mapping from bot id to process handle, workspace, and
// status, and runs one monitor loop per active bot.
type Manager struct {
	cfg      Config
	recs     records.Store
	store    queue.Store
	bus      eventbus.Bus
	log      logx.Logger
	sup      *rtsup.Supervisor
	launcher Launcher
	creds    CredentialChecker

	mu   sync.Mutex
	bots map[string]*botRuntime
}

type botRuntime struct {
	bot    *records.Bot
	status Status
	cause  string
	proc   Process
	ws     *Workspace
	// busy serializes start/stop on the same bot id.
	busy bool
}

type ManagerOption func(*Manager)

// WithLauncher overrides the process launcher (tests use a fake).
func WithLauncher(l Launcher) ManagerOption {
	return func(m *Manager) { m.launcher = l }
}

func WithCredentialChecker(c CredentialChecker) ManagerOption {
	return func(m *Manager) { m.creds = c }
}

func NewManager(cfg Config, recs records.Store, store queue.Store, bus eventbus.Bus, sup *rtsup.Supervisor, log logx.Logger, opts ...ManagerOption) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		recs:     recs,
		store:    store,
		bus:      bus,
		sup:      sup,
		log:      log.With(logx.String("comp", "botman")),
		launcher: ExecLauncher{},
		bots:     map[string]*botRuntime{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start validates the bot's configuration, materializes its workspace,
// spawns the trading engine, and attaches a monitor loop. Validation
// failures are rejected before any state transition: the bot never passes
// through starting and no process is left behind.
func (m *Manager) Start(ctx context.Context, botID, userID string) (*StartResult, error) {
	const op = "start"

	m.mu.Lock()
	rt := m.bots[botID]
	if rt != nil {
		if rt.busy {
			m.mu.Unlock()
			return nil, newErr(CategoryTransient, op, botID, errors.New("operation in progress"))
		}
		if !rt.status.startable() {
			m.mu.Unlock()
			return nil, newErr(CategoryConfig, op, botID, fmt.Errorf("%w (status %s)", ErrAlreadyRunning, rt.status))
		}
	}
	rt = &botRuntime{status: StatusStopped, busy: true}
	m.bots[botID] = rt
	m.mu.Unlock()

	res, err := m.start(ctx, op, botID, userID, rt)

	m.mu.Lock()
	rt.busy = false
	if err != nil && rt.status == StatusStopped {
		// Rejected before any transition; drop the reservation.
		delete(m.bots, botID)
	}
	m.mu.Unlock()
	return res, err
}

func (m *Manager) start(ctx context.Context, op, botID, userID string, rt *botRuntime) (*StartResult, error) {
	bot, err := m.recs.GetBot(ctx, botID)
	if errors.Is(err, records.ErrNotFound) {
		return nil, newErr(CategoryConfig, op, botID, ErrBotNotFound)
	}
	if err != nil {
		return nil, newErr(CategoryTransient, op, botID, fmt.Errorf("load bot row: %w", err))
	}
	if bot.UserID != userID {
		return nil, newErr(CategoryConfig, op, botID, ErrNotOwner)
	}
	if err := m.validate(ctx, bot); err != nil {
		return nil, newErr(CategoryConfig, op, botID, err)
	}

	rt.bot = bot
	m.setStatus(ctx, rt, botID, StatusStarting, "")

	ws, err := acquireWorkspace(m.cfg, bot)
	if err != nil {
		m.setStatus(ctx, rt, botID, StatusError, err.Error())
		return nil, newErr(CategoryInternal, op, botID, err)
	}

	spec := ProcessSpec{
		Bin:     m.cfg.EngineBin,
		Args:    append(append([]string(nil), m.cfg.EngineArgs...), "--config", ws.ConfigPath, "--strategy-path", ws.StrategyPath),
		Dir:     ws.Root,
		Env:     m.cfg.Env,
		LogPath: ws.LogPath,
	}
	proc, err := m.launcher.Launch(ctx, spec)
	if err != nil {
		ws.Release()
		m.setStatus(ctx, rt, botID, StatusError, err.Error())
		return nil, newErr(CategoryProcess, op, botID, err)
	}

	m.mu.Lock()
	rt.proc = proc
	rt.ws = ws
	m.mu.Unlock()
	m.setStatus(ctx, rt, botID, StatusRunning, "")
	m.spawnMonitor(botID)

	m.log.Info("bot started",
		logx.String("bot", botID), logx.String("user", userID),
		logx.String("strategy", bot.Strategy), logx.Int("pid", proc.PID()))
	return &StartResult{BotID: botID, Status: StatusRunning, PID: proc.PID()}, nil
}

func (m *Manager) validate(ctx context.Context, bot *records.Bot) error {
	switch {
	case bot.Strategy == "":
		return errors.New("strategy is required")
	case bot.Exchange == "":
		return errors.New("exchange is required")
	case bot.Pair == "":
		return errors.New("pair is required")
	case bot.StakeAmount <= 0:
		return errors.New("stake amount must be positive")
	case bot.MaxOpenTrades < 1:
		return errors.New("max open trades must be at least 1")
	}
	strategyPath := filepath.Join(m.cfg.StrategyDir, bot.Strategy+".py")
	if _, err := os.Stat(strategyPath); err != nil {
		return fmt.Errorf("strategy %q not found: %w", bot.Strategy, err)
	}
	if !bot.DryRun {
		if m.creds == nil {
			return errors.New("no credential source configured for live trading")
		}
		if err := m.creds(ctx, bot.UserID, bot.Exchange); err != nil {
			return fmt.Errorf("exchange credentials: %w", err)
		}
	}
	return nil
}

// Stop sends the graceful stop signal, waits up to the grace period, and
// force-kills on timeout or when force is set. Workspace and in-memory
// tracking are removed on every path. Stopping an already-stopped bot is a
// no-op success.
func (m *Manager) Stop(ctx context.Context, botID, userID string, force bool) (*StopResult, error) {
	const op = "stop"

	m.mu.Lock()
	rt := m.bots[botID]
	if rt != nil && rt.busy {
		m.mu.Unlock()
		return nil, newErr(CategoryTransient, op, botID, errors.New("operation in progress"))
	}
	if rt != nil {
		rt.busy = true
	}
	m.mu.Unlock()

	if rt == nil {
		return m.stopUntracked(ctx, op, botID, userID)
	}
	defer func() {
		m.mu.Lock()
		rt.busy = false
		m.mu.Unlock()
	}()

	if rt.bot != nil && rt.bot.UserID != userID {
		return nil, newErr(CategoryConfig, op, botID, ErrNotOwner)
	}
	if rt.status == StatusStopped {
		return &StopResult{BotID: botID, Status: StatusStopped}, nil
	}

	m.mu.Lock()
	proc := rt.proc
	ws := rt.ws
	m.mu.Unlock()

	forced := force
	if proc != nil {
		m.setStatus(ctx, rt, botID, StatusStopping, "")
		if force {
			_ = proc.Kill()
		} else {
			// Terminate can fail if the process already exited; the wait
			// below resolves either way.
			_ = proc.Terminate()
			select {
			case <-proc.Done():
			case <-time.After(m.cfg.GracePeriod):
				m.log.Warn("grace period exceeded, force-killing",
					logx.String("bot", botID), logx.Duration("grace", m.cfg.GracePeriod))
				_ = proc.Kill()
				forced = true
			}
		}
		// Bounded wait for the kill to land.
		select {
		case <-proc.Done():
		case <-time.After(5 * time.Second):
			m.log.Error("process did not exit after kill", logx.String("bot", botID))
		}
	}

	ws.Release()
	m.mu.Lock()
	delete(m.bots, botID)
	m.mu.Unlock()

	cause := ""
	if forced {
		cause = "force-killed"
	}
	m.publishStatus(ctx, botID, userID, StatusStopped, cause)
	if err := m.recs.UpdateBotStatus(ctx, botID, string(StatusStopped)); err != nil {
		m.log.Warn("stop: persist status", logx.String("bot", botID), logx.Err(err))
	}

	m.log.Info("bot stopped", logx.String("bot", botID), logx.Bool("forced", forced))
	return &StopResult{BotID: botID, Status: StatusStopped, Forced: forced}, nil
}

// stopUntracked handles bots known only to the record store (e.g. after a
// daemon restart the process handle is gone). The row is reconciled to
// stopped and any leftover workspace is removed.
func (m *Manager) stopUntracked(ctx context.Context, op, botID, userID string) (*StopResult, error) {
	bot, err := m.recs.GetBot(ctx, botID)
	if errors.Is(err, records.ErrNotFound) {
		return nil, newErr(CategoryConfig, op, botID, ErrBotNotFound)
	}
	if err != nil {
		return nil, newErr(CategoryTransient, op, botID, err)
	}
	if bot.UserID != userID {
		return nil, newErr(CategoryConfig, op, botID, ErrNotOwner)
	}
	if bot.Status == string(StatusStopped) {
		return &StopResult{BotID: botID, Status: StatusStopped}, nil
	}

	_ = os.RemoveAll(filepath.Join(m.cfg.WorkRoot, botID))
	if err := m.recs.UpdateBotStatus(ctx, botID, string(StatusStopped)); err != nil {
		return nil, newErr(CategoryTransient, op, botID, err)
	}
	m.publishStatus(ctx, botID, userID, StatusStopped, "no tracked process")
	return &StopResult{BotID: botID, Status: StatusStopped}, nil
}

// Pause flips the logical flag only; the process keeps running. Strategy
// level pause semantics are out of the supervisor's scope.
func (m *Manager) Pause(ctx context.Context, botID, userID string) error {
	const op = "pause"
	m.mu.Lock()
	rt := m.bots[botID]
	if rt == nil || rt.status != StatusRunning {
		m.mu.Unlock()
		return newErr(CategoryConfig, op, botID, ErrNotRunning)
	}
	if rt.bot.UserID != userID {
		m.mu.Unlock()
		return newErr(CategoryConfig, op, botID, ErrNotOwner)
	}
	m.mu.Unlock()
	m.setStatus(ctx, rt, botID, StatusPaused, "")
	m.log.Info("bot paused", logx.String("bot", botID))
	return nil
}

// Resume re-enters running and re-attaches the monitor loop.
func (m *Manager) Resume(ctx context.Context, botID, userID string) error {
	const op = "resume"
	m.mu.Lock()
	rt := m.bots[botID]
	if rt == nil || rt.status != StatusPaused {
		m.mu.Unlock()
		return newErr(CategoryConfig, op, botID, ErrNotPaused)
	}
	if rt.bot.UserID != userID {
		m.mu.Unlock()
		return newErr(CategoryConfig, op, botID, ErrNotOwner)
	}
	m.mu.Unlock()
	m.setStatus(ctx, rt, botID, StatusRunning, "")
	m.spawnMonitor(botID)
	m.log.Info("bot resumed", logx.String("bot", botID))
	return nil
}

// Status returns the in-memory status for botID, or stopped if untracked.
func (m *Manager) Status(botID string) (Status, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.bots[botID]
	if rt == nil {
		return StatusStopped, ""
	}
	return rt.status, rt.cause
}

// TrackedBots returns the ids the manager currently tracks.
func (m *Manager) TrackedBots() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.bots))
	for id := range m.bots {
		out[id] = true
	}
	return out
}

// Shutdown gracefully stops every tracked bot. Used on daemon shutdown;
// each stop runs independently so one slow bot cannot stall the rest.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	type target struct{ id, user string }
	targets := make([]target, 0, len(m.bots))
	for id, rt := range m.bots {
		user := ""
		if rt.bot != nil {
			user = rt.bot.UserID
		}
		targets = append(targets, target{id, user})
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			if _, err := m.Stop(ctx, t.id, t.user, false); err != nil {
				m.log.Warn("shutdown: stop bot", logx.String("bot", t.id), logx.Err(err))
			}
		}(t)
	}
	wg.Wait()
}

// WorkRoot exposes the workspace root for the cleanup job.
func (m *Manager) WorkRoot() string { return m.cfg.WorkRoot }

// StrategyPath resolves the on-disk source file for a strategy name.
func (m *Manager) StrategyPath(strategy string) string {
	return filepath.Join(m.cfg.StrategyDir, strategy+".py")
}

func (m *Manager) spawnMonitor(botID string) {
	m.sup.Go0("botman.monitor."+botID, func(ctx context.Context) {
		m.monitor(ctx, botID)
	})
}

// monitor polls process liveness while the bot is logically starting or
// running and reports an unexpected exit as an error transition. It ends
// itself as soon as the status leaves that set.
func (m *Manager) monitor(ctx context.Context, botID string) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		rt := m.bots[botID]
		if rt == nil || (rt.status != StatusRunning && rt.status != StatusStarting) {
			m.mu.Unlock()
			return
		}
		proc := rt.proc
		m.mu.Unlock()
		if proc == nil {
			return
		}

		select {
		case <-proc.Done():
			cause := "process exited unexpectedly"
			if err := proc.ExitErr(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					cause = fmt.Sprintf("process exited unexpectedly: exit code %d", exitErr.ExitCode())
				} else {
					cause = fmt.Sprintf("process exited unexpectedly: %v", err)
				}
			}

			m.mu.Lock()
			rt = m.bots[botID]
			if rt == nil || (rt.status != StatusRunning && rt.status != StatusStarting) {
				// Stopped concurrently; the exit was expected after all.
				m.mu.Unlock()
				return
			}
			rt.proc = nil
			m.mu.Unlock()

			m.setStatus(ctx, rt, botID, StatusError, cause)
			m.log.Error("bot process died", logx.String("bot", botID), logx.String("cause", cause))
			return
		default:
		}
	}
}

// setStatus is the single place bot state transitions are committed: the
// in-memory runtime, the persisted row, and the status channel all move
// together.
func (m *Manager) setStatus(ctx context.Context, rt *botRuntime, botID string, s Status, cause string) {
	m.mu.Lock()
	rt.status = s
	rt.cause = cause
	userID := ""
	if rt.bot != nil {
		userID = rt.bot.UserID
	}
	m.mu.Unlock()

	if err := m.recs.UpdateBotStatus(ctx, botID, string(s)); err != nil && !errors.Is(err, records.ErrNotFound) {
		m.log.Warn("persist bot status", logx.String("bot", botID), logx.String("status", string(s)), logx.Err(err))
	}
	m.publishStatus(ctx, botID, userID, s, cause)
}

func (m *Manager) publishStatus(ctx context.Context, botID, userID string, s Status, cause string) {
	ev := StatusEvent{BotID: botID, UserID: userID, Status: s, Cause: cause, At: time.Now()}
	if msg, err := json.Marshal(ev); err == nil && m.store != nil {
		if perr := m.store.Publish(context.WithoutCancel(ctx), statusChannel, string(msg)); perr != nil {
			m.log.Warn("publish bot status", logx.String("bot", botID), logx.Err(perr))
		}
	}
	if m.bus != nil {
		typ := "bot.status"
		if s == StatusError {
			typ = "bot.error"
		}
		m.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
	}
}
