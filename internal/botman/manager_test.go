package botman

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tradefleet/internal/queue"
	"tradefleet/internal/records"
	rtsup "tradefleet/internal/runtime/supervisor"
	"tradefleet/pkg/logx"
)

type fakeRecords struct {
	mu      sync.Mutex
	bots    map[string]*records.Bot
	trades  map[string][]records.Trade
	metrics map[string]records.Metrics
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		bots:    map[string]*records.Bot{},
		trades:  map[string][]records.Trade{},
		metrics: map[string]records.Metrics{},
	}
}

func (f *fakeRecords) GetBot(_ context.Context, id string) (*records.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[id]
	if !ok {
		return nil, records.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeRecords) UpsertBot(_ context.Context, b *records.Bot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *b
	f.bots[b.ID] = &cp
	return nil
}

func (f *fakeRecords) UpdateBotStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[id]
	if !ok {
		return records.ErrNotFound
	}
	b.Status = status
	return nil
}

func (f *fakeRecords) ListBots(context.Context) ([]records.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]records.Bot, 0, len(f.bots))
	for _, b := range f.bots {
		out = append(out, *b)
	}
	return out, nil
}

func (f *fakeRecords) TradesForBot(_ context.Context, botID string) ([]records.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]records.Trade(nil), f.trades[botID]...), nil
}

func (f *fakeRecords) PutMetrics(_ context.Context, botID string, m records.Metrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[botID] = m
	return nil
}

func (f *fakeRecords) GetMetrics(_ context.Context, botID string) (*records.Metrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.metrics[botID]
	if !ok {
		return nil, records.ErrNotFound
	}
	return &m, nil
}

func (f *fakeRecords) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bots[id]; ok {
		return b.Status
	}
	return ""
}

func (f *fakeRecords) Ping(context.Context) error { return nil }
func (f *fakeRecords) Close() error               { return nil }

type fakeProcess struct {
	pid        int
	ignoreTerm bool

	mu      sync.Mutex
	done    chan struct{}
	exited  bool
	exitErr error
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.exitErr = err
	close(p.done)
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	if p.ignoreTerm {
		return nil
	}
	p.exit(nil)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit(errors.New("killed"))
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

type fakeLauncher struct {
	mu         sync.Mutex
	ignoreTerm bool
	launchErr  error
	procs      []*fakeProcess
}

func (l *fakeLauncher) Launch(context.Context, ProcessSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	p := newFakeProcess(1000 + len(l.procs))
	p.ignoreTerm = l.ignoreTerm
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

type env struct {
	mgr      *Manager
	recs     *fakeRecords
	launcher *fakeLauncher
	sup      *rtsup.Supervisor
	workRoot string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	workRoot := t.TempDir()
	strategyDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(strategyDir, "Momentum.py"), []byte("class Momentum:\n    pass\n"), 0o644); err != nil {
		t.Fatalf("write strategy: %v", err)
	}

	recs := newFakeRecords()
	launcher := &fakeLauncher{}
	sup := rtsup.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})

	mgr := NewManager(Config{
		WorkRoot:        workRoot,
		StrategyDir:     strategyDir,
		EngineBin:       "/usr/bin/true",
		GracePeriod:     50 * time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
	}, recs, queue.NewMemory(), nil, sup, logx.Nop(), WithLauncher(launcher))

	return &env{mgr: mgr, recs: recs, launcher: launcher, sup: sup, workRoot: workRoot}
}

func (e *env) seedBot(t *testing.T, id, user string) {
	t.Helper()
	err := e.recs.UpsertBot(context.Background(), &records.Bot{
		ID: id, UserID: user,
		Strategy: "Momentum", Exchange: "kraken", Pair: "BTC/USD",
		Timeframe: "5m", StakeAmount: 100, MaxOpenTrades: 3, DryRun: true,
		Status: string(StatusStopped),
	})
	if err != nil {
		t.Fatalf("seed bot: %v", err)
	}
}

func waitBotStatus(t *testing.T, mgr *Manager, botID string, want Status) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, cause := mgr.Status(botID)
		if s == want {
			return cause
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, cause := mgr.Status(botID)
	t.Fatalf("bot %s never reached %s (at %s, cause %q)", botID, want, s, cause)
	return ""
}

func TestStartHappyPath(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedBot(t, "b1", "u1")

	res, err := e.mgr.Start(context.Background(), "b1", "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Status != StatusRunning || res.PID == 0 {
		t.Fatalf("result = %+v", res)
	}
	if got := e.recs.status("b1"); got != string(StatusRunning) {
		t.Fatalf("persisted status = %q, want running", got)
	}
	if _, err := os.Stat(filepath.Join(e.workRoot, "b1", "config.json")); err != nil {
		t.Fatalf("config artifact missing: %v", err)
	}
}

func TestStartRejectsUnknownAndForeignBots(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedBot(t, "b1", "u1")

	_, err := e.mgr.Start(context.Background(), "ghost", "u1")
	if !errors.Is(err, ErrBotNotFound) {
		t.Fatalf("unknown bot: got %v, want ErrBotNotFound", err)
	}
	_, err = e.mgr.Start(context.Background(), "b1", "intruder")
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("foreign bot: got %v, want ErrNotOwner", err)
	}
	if CategoryOf(err) != CategoryConfig {
		t.Fatalf("category = %v, want config", CategoryOf(err))
	}
}

func TestStartValidationFailureDoesNotTransition(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedBot(t, "b1", "u1")
	// Break the config: strategy file missing.
	e.recs.mu.Lock()
	e.recs.bots["b1"].Strategy = "Missing"
	e.recs.mu.Unlock()

	_, err := e.mgr.Start(context.Background(), "b1", "u1")
	if err == nil {
		t.Fatal("Start must fail for a missing strategy file")
	}
	if CategoryOf(err) != CategoryConfig {
		t.Fatalf("category = %v, want config", CategoryOf(err))
	}
	if s, _ := e.mgr.Status("b1"); s != StatusStopped {
		t.Fatalf("status = %s, want stopped (no transition)", s)
	}
	if len(e.mgr.TrackedBots()) != 0 {
		t.Fatal("rejected bot must not stay tracked")
	}
	if got := e.recs.status("b1"); got != string(StatusStopped) {
		t.Fatalf("persisted status = %q, validation failures must not touch it", got)
	}
}

func TestStartLiveTradingRequiresCredentials(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedBot(t, "b1", "u1")
	e.recs.mu.Lock()
	e.recs.bots["b1"].DryRun = false
	e.recs.mu.Unlock()

	_, err := e.mgr.Start(context.Background(), "b1", "u1")
	if err == nil || CategoryOf(err) != CategoryConfig {
		t.Fatalf("live start without credentials: got %v, want a config error", err)
	}
}

func TestStartTwiceRejected(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedBot(t, "b1", "u1")

	if _, err := e.mgr.Start(context.Background(), "b1", "u1"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	_, err := e.mgr.Start(context.Background(), "b1", "u1")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start: got %v, want ErrAlreadyRunning", err)
	}
}

func TestSpawnFailureEntersError(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedBot(t, "b1", "u1")
	e.launcher.launchErr = errors.New("no such binary")

	_, err := e.mgr.Start(context.Background(), "b1", "u1")
	if err == nil || CategoryOf(err) != CategoryProcess {
		t.Fatalf("got %v, want a process error", err)
	}
	if s, _ := e.mgr.Status("b1"); s != StatusError {
		t.Fatalf("status = %s, want error", s)
	}
	// The half-built workspace must not leak.
	if _, err := os.Stat(filepath.Join(e.workRoot, "b1")); !os.IsNotExist(err) {
		t.Fatalf("workspace left behind: %v", err)
	}
}

func TestMonitorDetectsUnexpectedExit(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedBot(t, "b1", "u1")

	if _, err := e.mgr.Start(context.Background(), "b1", "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.launcher.last().exit(errors.New("exit status 2"))

	cause := waitBotStatus(t, e.mgr, "b1", StatusError)
	if cause == "" {
		t.Fatal("error transition carries no cause")
	}
	if got := e.recs.status("b1"); got != string(StatusError) {
		t.Fatalf("persisted status = %q, want error", got)
	}
}

func TestStopGraceful(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedBot(t, "b1", "u1")

	if _, err := e.mgr.Start(context.Background(), "b1", "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := e.mgr.Stop(context.Background(), "b1", "u1", false)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Forced {
		t.Fatal("graceful stop reported forced")
	}
	if s, _ := e.mgr.Status("b1"); s != StatusStopped {
		t.Fatalf("status = %s, want stopped", s)
	}
	if _, err := os.Stat(filepath.Join(e.workRoot, "b1")); !os.IsNotExist(err) {
		t.Fatal("workspace not released on stop")
	}

	// Idempotent: stopping a stopped bot succeeds.
	res, err = e.mgr.Stop(context.Background(), "b1", "u1", false)
	if err != nil || res.Status != StatusStopped {
		t.Fatalf("second Stop = (%+v, %v), want clean no-op", res, err)
	}
}

func TestStopForceKillsAfterGrace(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedBot(t, "b1", "u1")
	e.launcher.ignoreTerm = true

	if _, err := e.mgr.Start(context.Background(), "b1", "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := e.mgr.Stop(context.Background(), "b1", "u1", false)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !res.Forced {
		t.Fatal("stop of a terminate-ignoring process must report forced")
	}
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedBot(t, "b1", "u1")

	if _, err := e.mgr.Start(context.Background(), "b1", "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.mgr.Pause(context.Background(), "b1", "u1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if s, _ := e.mgr.Status("b1"); s != StatusPaused {
		t.Fatalf("status = %s, want paused", s)
	}
	// Pause is logical: the process must still be alive.
	select {
	case <-e.launcher.last().Done():
		t.Fatal("pause stopped the process")
	default:
	}
	if err := e.mgr.Pause(context.Background(), "b1", "u1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("double pause: got %v, want ErrNotRunning", err)
	}

	if err := e.mgr.Resume(context.Background(), "b1", "u1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s, _ := e.mgr.Status("b1"); s != StatusRunning {
		t.Fatalf("status = %s, want running", s)
	}
	if err := e.mgr.Resume(context.Background(), "b1", "u1"); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("double resume: got %v, want ErrNotPaused", err)
	}
}

func TestStopUntrackedReconcilesRecord(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedBot(t, "b1", "u1")
	e.recs.mu.Lock()
	e.recs.bots["b1"].Status = string(StatusRunning) // stale row, no process
	e.recs.mu.Unlock()

	res, err := e.mgr.Stop(context.Background(), "b1", "u1", false)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Status != StatusStopped {
		t.Fatalf("result = %+v", res)
	}
	if got := e.recs.status("b1"); got != string(StatusStopped) {
		t.Fatalf("persisted status = %q, want stopped", got)
	}
}

func TestShutdownStopsAllBots(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedBot(t, "b1", "u1")
	e.seedBot(t, "b2", "u2")

	for _, pair := range [][2]string{{"b1", "u1"}, {"b2", "u2"}} {
		if _, err := e.mgr.Start(context.Background(), pair[0], pair[1]); err != nil {
			t.Fatalf("Start %s: %v", pair[0], err)
		}
	}

	e.mgr.Shutdown(context.Background())
	if n := len(e.mgr.TrackedBots()); n != 0 {
		t.Fatalf("%d bots still tracked after shutdown", n)
	}
}

func TestStaleWorkspaces(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	for _, d := range []string{"b1", "b2", "b3"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	stale, err := StaleWorkspaces(root, map[string]bool{"b2": true})
	if err != nil {
		t.Fatalf("StaleWorkspaces: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("stale = %v, want b1 and b3", stale)
	}

	stale, err = StaleWorkspaces(filepath.Join(root, "missing"), nil)
	if err != nil || stale != nil {
		t.Fatalf("missing root = (%v, %v), want (nil, nil)", stale, err)
	}
}
