package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"tradefleet/internal/botman"
	"tradefleet/internal/jobs"
	"tradefleet/internal/queue"
	rtsup "tradefleet/internal/runtime/supervisor"
	"tradefleet/pkg/logx"
)

type fakeSender struct {
	mu     sync.Mutex
	chatID int64
	text   string
	err    error
}

func (f *fakeSender) Send(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.chatID = chatID
	f.text = text
	return nil
}

type fakeExchange struct {
	exchange string
	pair     string
	err      error
}

func (f *fakeExchange) SyncMarkets(_ context.Context, exchange, pair string) error {
	if f.err != nil {
		return f.err
	}
	f.exchange = exchange
	f.pair = pair
	return nil
}

func job(t jobs.Type, payload map[string]string) *jobs.Job {
	return &jobs.Job{ID: "j1", Type: t, Payload: payload}
}

func newManager(t *testing.T) *botman.Manager {
	t.Helper()
	return botman.NewManager(botman.Config{
		WorkRoot:    t.TempDir(),
		StrategyDir: t.TempDir(),
	}, nil, queue.NewMemory(), nil, rtsup.New(context.Background()), logx.Nop())
}

func TestNotificationSend(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	h := notificationSend(sender)

	res, err := h(context.Background(), job(jobs.TypeNotificationSend,
		map[string]string{"chat_id": "42", "message": "position closed"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res != `{"delivered":true}` {
		t.Fatalf("result = %q", res)
	}
	if sender.chatID != 42 || sender.text != "position closed" {
		t.Fatalf("sent (%d, %q)", sender.chatID, sender.text)
	}
}

func TestNotificationSendRejectsEmptyMessage(t *testing.T) {
	t.Parallel()
	h := notificationSend(&fakeSender{})
	if _, err := h(context.Background(), job(jobs.TypeNotificationSend, nil)); err == nil {
		t.Fatal("missing message must fail the job")
	}
}

func TestNotificationSendPropagatesDeliveryError(t *testing.T) {
	t.Parallel()
	h := notificationSend(&fakeSender{err: errors.New("telegram down")})
	_, err := h(context.Background(), job(jobs.TypeNotificationSend,
		map[string]string{"message": "x"}))
	if err == nil {
		t.Fatal("delivery failure must fail the job")
	}
}

func TestExchangeSync(t *testing.T) {
	t.Parallel()
	ec := &fakeExchange{}
	h := exchangeSync(ec)

	res, err := h(context.Background(), job(jobs.TypeExchangeSync,
		map[string]string{"exchange": "kraken", "pair": "BTC/USD"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if ec.exchange != "kraken" || ec.pair != "BTC/USD" {
		t.Fatalf("synced (%q, %q)", ec.exchange, ec.pair)
	}
	if !strings.Contains(res, "kraken") {
		t.Fatalf("result = %q", res)
	}

	if _, err := h(context.Background(), job(jobs.TypeExchangeSync, nil)); err == nil {
		t.Fatal("missing exchange must fail the job")
	}
}

func TestStrategyValidation(t *testing.T) {
	t.Parallel()
	mgr := newManager(t)
	h := strategyValidation(mgr)
	ctx := context.Background()

	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(mgr.StrategyPath(name), []byte(content), 0o644); err != nil {
			t.Fatalf("write strategy: %v", err)
		}
	}

	write("Momentum", "class Momentum:\n    pass\n")
	res, err := h(ctx, job(jobs.TypeStrategyValidation, map[string]string{"strategy": "Momentum"}))
	if err != nil {
		t.Fatalf("valid strategy rejected: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res), &out); err != nil || out["valid"] != true {
		t.Fatalf("result = %q", res)
	}

	if _, err := h(ctx, job(jobs.TypeStrategyValidation, map[string]string{"strategy": "Ghost"})); err == nil {
		t.Fatal("missing file must fail validation")
	}

	write("Empty", "   \n")
	if _, err := h(ctx, job(jobs.TypeStrategyValidation, map[string]string{"strategy": "Empty"})); err == nil {
		t.Fatal("empty file must fail validation")
	}

	write("Mismatch", "class SomethingElse:\n    pass\n")
	if _, err := h(ctx, job(jobs.TypeStrategyValidation, map[string]string{"strategy": "Mismatch"})); err == nil {
		t.Fatal("wrong class name must fail validation")
	}
}

func TestDataCleanup(t *testing.T) {
	t.Parallel()
	mgr := newManager(t)
	store := queue.NewMemory()
	cli := jobs.NewClient(store, nil, logx.Nop())
	ctx := context.Background()

	// One stale workspace with no tracked bot.
	stale := filepath.Join(mgr.WorkRoot(), "dead-bot")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// One expired terminal job. The terminal set scores by completion time,
	// so an hour-old entry is past the default retention.
	id, _ := cli.Enqueue(ctx, jobs.TypeHealthCheck, nil)

	h := dataCleanup(cli, mgr, logx.Nop())
	res, err := h(ctx, job(jobs.TypeDataCleanup, nil))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	var out map[string]int
	if err := json.Unmarshal([]byte(res), &out); err != nil {
		t.Fatalf("result %q: %v", res, err)
	}
	if out["workspaces_removed"] != 1 {
		t.Fatalf("workspaces_removed = %d, want 1", out["workspaces_removed"])
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale workspace not removed")
	}
	// The pending job is untouched: it is not terminal.
	if _, err := cli.Get(ctx, id); err != nil {
		t.Fatalf("pending job record removed: %v", err)
	}
}

func TestNewRegistryBindsAllTypes(t *testing.T) {
	t.Parallel()
	mgr := newManager(t)
	cli := jobs.NewClient(queue.NewMemory(), nil, logx.Nop())

	reg := NewRegistry(Deps{
		Manager: mgr,
		Jobs:    cli,
		Notify:  &fakeSender{},
	}, logx.Nop())

	// A complete table passes dispatcher construction.
	if _, err := jobs.NewDispatcher(jobs.DispatcherConfig{}, cli, reg, logx.Nop()); err != nil {
		t.Fatalf("registry incomplete: %v", err)
	}
}

func TestNopExchange(t *testing.T) {
	t.Parallel()
	if err := (NopExchange{}).SyncMarkets(context.Background(), "any", "any"); err != nil {
		t.Fatalf("NopExchange must always succeed: %v", err)
	}
}
