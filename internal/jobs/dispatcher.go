package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradefleet/internal/queue"
	rtsup "tradefleet/internal/runtime/supervisor"
	"tradefleet/pkg/logx"
)

// DispatcherConfig controls the dispatch loop and its sweeps.
type DispatcherConfig struct {
	// PollInterval bounds dispatch latency when the ready set is empty.
	// Sub-second by default so delayed promotion stays timely without
	// busy-spinning the store.
	PollInterval time.Duration

	// Workers bounds concurrent handler executions. Handlers run off the
	// poll loop's critical path; claiming waits for a free worker slot so
	// a claimed job is never left in limbo.
	Workers int

	// JobTimeout is the context deadline handed to each handler. It is a
	// mitigation, not a cancellation guarantee; the stuck sweep is the
	// backstop for handlers that ignore it.
	JobTimeout time.Duration

	StuckTimeout      time.Duration
	TerminalRetention time.Duration

	HistorySize int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 4 * time.Minute
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = StuckTimeout
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = TerminalRetention
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// HistoryItem is one processed job, kept in a bounded ring for diagnostics.
type HistoryItem struct {
	JobID    string
	Type     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// Stats is a point-in-time view of the queue and the dispatcher.
type Stats struct {
	Ready   int64
	Delayed int64
	Active  int

	Processed uint64
	Succeeded uint64
	Failed    uint64
	TimedOut  uint64

	AvgProcessing time.Duration

	History []HistoryItem
}

// Dispatcher is the single logical scheduler: it pulls eligible jobs,
// executes the matching handler with bounded concurrency, records outcomes,
// and promotes delayed jobs when their eligibility time arrives.
type Dispatcher struct {
	cli *Client
	reg Registry
	cfg DispatcherConfig
	log logx.Logger

	sem    chan struct{}
	active int32

	processed uint64
	succeeded uint64
	failed    uint64
	timedOut  uint64

	avgMu sync.Mutex
	avg   time.Duration
	avgN  uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// NewDispatcher validates the handler table and builds the dispatcher.
func NewDispatcher(cfg DispatcherConfig, cli *Client, reg Registry, log logx.Logger) (*Dispatcher, error) {
	if cli == nil {
		return nil, fmt.Errorf("jobs: client is required")
	}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cli: cli,
		reg: reg,
		cfg: cfg,
		log: log.With(logx.String("comp", "dispatcher")),
		sem: make(chan struct{}, cfg.Workers),
	}, nil
}

// Run is the dispatch loop. It returns only when ctx is canceled; handler
// goroutines are started on sup so shutdown waits for in-flight work.
func (d *Dispatcher) Run(ctx context.Context, sup *rtsup.Supervisor) error {
	d.log.Info("dispatcher started",
		logx.Int("workers", d.cfg.Workers), logx.Duration("poll", d.cfg.PollInterval))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := d.promoteDelayed(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn("promote delayed jobs", logx.Err(err))
		}

		claimed, err := d.claimNext(ctx, sup)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			d.log.Warn("claim job", logx.Err(err))
		}
		if claimed {
			// Something was ready; poll again immediately.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// promoteDelayed moves delayed jobs whose eligibility time has passed into
// the ready set. Remove-first keeps a crashing loop from promoting twice.
func (d *Dispatcher) promoteDelayed(ctx context.Context) error {
	now := d.cli.now()
	ids, err := d.cli.store.ZRangeByScore(ctx, delayedSet, float64(now.Unix()), 100)
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := d.cli.store.ZRem(ctx, delayedSet, id)
		if err != nil || !removed {
			continue
		}
		j, err := d.cli.Get(ctx, id)
		if err != nil {
			d.log.Warn("promote: load record", logx.String("job", id), logx.Err(err))
			continue
		}
		if j.Status != StatusPending {
			continue
		}
		if err := d.cli.store.ZAdd(ctx, readySet, id, readyScore(j.Priority, now)); err != nil {
			d.log.Error("promote: ready add", logx.String("job", id), logx.Err(err))
			continue
		}
		d.log.Debug("delayed job promoted", logx.String("job", id), logx.String("type", j.Type.String()))
	}
	return nil
}

// claimNext acquires a worker slot, pops the lowest-scored ready job, marks
// it running, and spawns its handler. Reports whether a job was claimed.
func (d *Dispatcher) claimNext(ctx context.Context, sup *rtsup.Supervisor) (bool, error) {
	// Slot first: never pop a job we cannot execute.
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	id, score, err := d.cli.store.ZPopMin(ctx, readySet)
	if err != nil {
		<-d.sem
		if errors.Is(err, queue.ErrNoMember) {
			return false, nil
		}
		return false, err
	}

	j, err := d.cli.Get(ctx, id)
	if err != nil {
		<-d.sem
		if errors.Is(err, ErrNotFound) {
			// Record already cleaned up; the set entry was stale.
			return true, nil
		}
		d.unclaim(ctx, id, score)
		return false, fmt.Errorf("load %s: %w", id, err)
	}
	if j.Status != StatusPending {
		// Cancelled or otherwise finished after entering the ready set.
		<-d.sem
		return true, nil
	}

	now := d.cli.now()
	if err := d.cli.store.HSet(ctx, jobKey(id), map[string]string{
		"status":     string(StatusRunning),
		"started_at": now.Format(timeLayout),
	}); err != nil {
		<-d.sem
		d.unclaim(ctx, id, score)
		return false, fmt.Errorf("mark running %s: %w", id, err)
	}
	if err := d.cli.store.ZAdd(ctx, runningSet, id, float64(now.Unix())); err != nil {
		<-d.sem
		d.unclaim(ctx, id, score)
		return false, fmt.Errorf("track running %s: %w", id, err)
	}

	atomic.AddInt32(&d.active, 1)
	sup.Go0("jobs.exec", func(c context.Context) {
		defer func() {
			atomic.AddInt32(&d.active, -1)
			<-d.sem
		}()
		d.execute(c, j, now)
	})
	return true, nil
}

// unclaim returns a popped job to the ready set after a failed claim. A
// non-terminal job must always sit in one of the sets; re-adding with the
// popped score preserves its queue position.
func (d *Dispatcher) unclaim(ctx context.Context, id string, score float64) {
	ctx = context.WithoutCancel(ctx)
	if err := d.cli.store.ZAdd(ctx, readySet, id, score); err != nil {
		d.log.Error("unclaim: ready add", logx.String("job", id), logx.Err(err))
	}
	if err := d.cli.store.HSet(ctx, jobKey(id), map[string]string{
		"status": string(StatusPending),
	}); err != nil {
		d.log.Error("unclaim: reset status", logx.String("job", id), logx.Err(err))
	}
}

func (d *Dispatcher) execute(ctx context.Context, j *Job, startedAt time.Time) {
	id := j.ID

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.JobTimeout)
	result, runErr := d.runHandler(runCtx, j)
	cancel()

	duration := d.cli.now().Sub(startedAt)
	d.recordOutcome(j, startedAt, duration, runErr)

	now := d.cli.now()
	_, _ = d.cli.store.ZRem(ctx, runningSet, id)

	// The stuck sweep may have force-failed the record while the handler
	// was stuck, and a caller may have already retried it. A late outcome
	// must not overwrite that state.
	cur, err := d.cli.Get(context.WithoutCancel(ctx), id)
	if errors.Is(err, ErrNotFound) {
		d.log.Warn("job record gone before outcome write", logx.String("job", id))
		return
	}
	if err == nil && cur.Status != StatusRunning {
		d.log.Warn("late job outcome discarded",
			logx.String("job", id), logx.String("status", string(cur.Status)))
		return
	}

	if runErr != nil {
		atomic.AddUint64(&d.failed, 1)
		fields := map[string]string{
			"status":    string(StatusFailed),
			"failed_at": now.Format(timeLayout),
			"error":     runErr.Error(),
		}
		if err := d.cli.store.HSet(context.WithoutCancel(ctx), jobKey(id), fields); err != nil {
			d.log.Error("execute: mark failed", logx.String("job", id), logx.Err(err))
		}
		_ = d.cli.store.ZAdd(context.WithoutCancel(ctx), terminalSet, id, float64(now.Unix()))
		d.cli.publishEvent(context.WithoutCancel(ctx), Event{
			Event: "failed", JobID: id, Type: j.Type.String(),
			Status: string(StatusFailed), Error: runErr.Error(), At: now,
		})
		d.log.Warn("job failed",
			logx.String("job", id), logx.String("type", j.Type.String()),
			logx.Duration("took", duration), logx.Err(runErr))
		return
	}

	atomic.AddUint64(&d.succeeded, 1)
	fields := map[string]string{
		"status":       string(StatusCompleted),
		"completed_at": now.Format(timeLayout),
		"result":       result,
	}
	if err := d.cli.store.HSet(context.WithoutCancel(ctx), jobKey(id), fields); err != nil {
		d.log.Error("execute: mark completed", logx.String("job", id), logx.Err(err))
	}
	_ = d.cli.store.ZAdd(context.WithoutCancel(ctx), terminalSet, id, float64(now.Unix()))
	_ = d.cli.store.Expire(context.WithoutCancel(ctx), jobKey(id), d.cfg.TerminalRetention+time.Minute)
	d.cli.publishEvent(context.WithoutCancel(ctx), Event{
		Event: "completed", JobID: id, Type: j.Type.String(),
		Status: string(StatusCompleted), At: now,
	})
	d.log.Info("job completed",
		logx.String("job", id), logx.String("type", j.Type.String()), logx.Duration("took", duration))
}

// runHandler converts handler panics into errors so a misbehaving handler
// can never take down the dispatch loop.
func (d *Dispatcher) runHandler(ctx context.Context, j *Job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	h := d.reg.handler(j.Type)
	return h(ctx, j)
}

func (d *Dispatcher) recordOutcome(j *Job, started time.Time, duration time.Duration, runErr error) {
	atomic.AddUint64(&d.processed, 1)

	d.avgMu.Lock()
	d.avgN++
	n := d.avgN
	d.avg = time.Duration((int64(d.avg)*int64(n-1) + int64(duration)) / int64(n))
	d.avgMu.Unlock()

	item := HistoryItem{JobID: j.ID, Type: j.Type.String(), Started: started, Duration: duration}
	if runErr != nil {
		item.Error = runErr.Error()
	}
	d.hmu.Lock()
	d.history = append(d.history, item)
	if len(d.history) > d.cfg.HistorySize {
		d.history = d.history[len(d.history)-d.cfg.HistorySize:]
	}
	d.hmu.Unlock()
}

// SweepStuck runs the stuck-job sweep and counts timeouts distinctly from
// handler failures.
func (d *Dispatcher) SweepStuck(ctx context.Context) error {
	events, err := d.cli.SweepStuck(ctx, d.cfg.StuckTimeout)
	if err != nil {
		return err
	}
	if n := len(events); n > 0 {
		atomic.AddUint64(&d.timedOut, uint64(n))
		atomic.AddUint64(&d.failed, uint64(n))
	}
	return nil
}

// CleanupTerminal runs the terminal-record retention sweep.
func (d *Dispatcher) CleanupTerminal(ctx context.Context) error {
	n, err := d.cli.CleanupTerminal(ctx, d.cfg.TerminalRetention)
	if err != nil {
		return err
	}
	if n > 0 {
		d.log.Debug("terminal jobs cleaned", logx.Int("count", n))
	}
	return nil
}

// Stats reports queue depths and cumulative dispatcher counters.
func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	ready, delayed, err := d.cli.Depths(ctx)
	if err != nil {
		return Stats{}, err
	}
	d.avgMu.Lock()
	avg := d.avg
	d.avgMu.Unlock()

	d.hmu.Lock()
	hist := make([]HistoryItem, len(d.history))
	copy(hist, d.history)
	d.hmu.Unlock()

	return Stats{
		Ready:         ready,
		Delayed:       delayed,
		Active:        int(atomic.LoadInt32(&d.active)),
		Processed:     atomic.LoadUint64(&d.processed),
		Succeeded:     atomic.LoadUint64(&d.succeeded),
		Failed:        atomic.LoadUint64(&d.failed),
		TimedOut:      atomic.LoadUint64(&d.timedOut),
		AvgProcessing: avg,
		History:       hist,
	}, nil
}
