package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradefleet/internal/eventbus"
	"tradefleet/internal/queue"
	"tradefleet/pkg/logx"
)

const (
	// DefaultMaxRetries bounds explicit retries per job.
	DefaultMaxRetries = 3
	// DefaultPriority is used when the caller does not specify one.
	// Lower numbers dispatch first.
	DefaultPriority = 5

	// StuckTimeout is how long a job may stay running before the sweep
	// force-fails its record.
	StuckTimeout = 5 * time.Minute
	// TerminalRetention is how long terminal job records are kept before
	// the cleanup sweep deletes them.
	TerminalRetention = time.Hour
)

// Client enqueues, cancels, retries, and inspects jobs against the queue
// store. It holds no job state of its own; every operation is a keyed store
// write, so any number of clients can run concurrently.
type Client struct {
	store queue.Store
	bus   eventbus.Bus
	log   logx.Logger

	now func() time.Time
}

// NewClient builds a queue client. bus may be nil.
func NewClient(store queue.Store, bus eventbus.Bus, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{store: store, bus: bus, log: log, now: time.Now}
}

// EnqueueOption customizes a single enqueue.
type EnqueueOption func(*enqueueOpts)

type enqueueOpts struct {
	priority   int
	delay      time.Duration
	maxRetries int
}

func WithPriority(p int) EnqueueOption { return func(o *enqueueOpts) { o.priority = p } }
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOpts) { o.delay = d }
}
func WithMaxRetries(n int) EnqueueOption { return func(o *enqueueOpts) { o.maxRetries = n } }

// Enqueue writes a pending Job Record and makes it visible to the
// dispatcher: immediately via the ready set, or via the delayed set when a
// positive delay is given. Returns the generated job id.
func (c *Client) Enqueue(ctx context.Context, t Type, payload map[string]string, opts ...EnqueueOption) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidType, t)
	}
	o := enqueueOpts{priority: DefaultPriority, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	if o.delay < 0 {
		return "", ErrInvalidDelay
	}
	if o.maxRetries <= 0 {
		o.maxRetries = DefaultMaxRetries
	}

	now := c.now()
	j := &Job{
		ID:          uuid.NewString(),
		Type:        t,
		Payload:     payload,
		Priority:    o.priority,
		Status:      StatusPending,
		MaxRetries:  o.maxRetries,
		CreatedAt:   now,
		AvailableAt: now.Add(o.delay),
	}

	if err := c.store.HSet(ctx, jobKey(j.ID), j.fields()); err != nil {
		return "", fmt.Errorf("jobs: write record: %w", err)
	}
	var err error
	if o.delay > 0 {
		err = c.store.ZAdd(ctx, delayedSet, j.ID, float64(j.AvailableAt.Unix()))
	} else {
		err = c.store.ZAdd(ctx, readySet, j.ID, readyScore(j.Priority, j.AvailableAt))
	}
	if err != nil {
		return "", fmt.Errorf("jobs: enqueue %s: %w", j.ID, err)
	}

	c.log.Debug("job enqueued",
		logx.String("job", j.ID), logx.String("type", t.String()),
		logx.Int("priority", o.priority), logx.Duration("delay", o.delay))
	return j.ID, nil
}

// Get returns the current Job Record.
func (c *Client) Get(ctx context.Context, id string) (*Job, error) {
	f, err := c.store.HGetAll(ctx, jobKey(id))
	if errors.Is(err, queue.ErrNoMember) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobFromFields(f)
}

// Cancel removes a pending job from both ordering sets and marks it
// cancelled. Running jobs cannot be cancelled (see ErrNotCancellable).
func (c *Client) Cancel(ctx context.Context, id string) error {
	j, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != StatusPending {
		return fmt.Errorf("%w (status %s)", ErrNotCancellable, j.Status)
	}

	// Status first. If the write fails the job is still pending and still a
	// member of its set, so it stays claimable and a later Cancel can retry.
	// The dispatcher skips non-pending members it pops, so a leftover set
	// entry after a partial cancel is inert.
	now := c.now()
	if err := c.store.HSet(ctx, jobKey(id), map[string]string{
		"status":    string(StatusCancelled),
		"failed_at": now.Format(timeLayout),
	}); err != nil {
		return fmt.Errorf("jobs: cancel %s: %w", id, err)
	}
	_, _ = c.store.ZRem(ctx, readySet, id)
	_, _ = c.store.ZRem(ctx, delayedSet, id)
	if err := c.store.ZAdd(ctx, terminalSet, id, float64(now.Unix())); err != nil {
		return err
	}
	c.publishEvent(ctx, Event{Event: "cancelled", JobID: id, Type: j.Type.String(), Status: string(StatusCancelled), At: now})
	c.log.Info("job cancelled", logx.String("job", id), logx.String("type", j.Type.String()))
	return nil
}

// Retry re-enqueues a failed job one priority tier lower, so retried work
// cannot starve fresh work. Retries never exceed MaxRetries.
func (c *Client) Retry(ctx context.Context, id string) error {
	j, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != StatusFailed {
		return fmt.Errorf("%w (status %s)", ErrNotRetryable, j.Status)
	}
	if j.Retries >= j.MaxRetries {
		return fmt.Errorf("%w (%d/%d)", ErrRetriesExhausted, j.Retries, j.MaxRetries)
	}

	now := c.now()
	j.Retries++
	j.Priority++
	j.Status = StatusPending
	j.AvailableAt = now
	j.Error = ""

	_, _ = c.store.ZRem(ctx, terminalSet, id)
	if err := c.store.HSet(ctx, jobKey(id), map[string]string{
		"status":       string(StatusPending),
		"retries":      fmt.Sprint(j.Retries),
		"priority":     fmt.Sprint(j.Priority),
		"available_at": now.Format(timeLayout),
		"error":        "",
	}); err != nil {
		return fmt.Errorf("jobs: retry %s: %w", id, err)
	}
	if err := c.store.ZAdd(ctx, readySet, id, readyScore(j.Priority, now)); err != nil {
		return err
	}
	c.log.Info("job retried",
		logx.String("job", id), logx.Int("attempt", j.Retries), logx.Int("priority", j.Priority))
	return nil
}

// SweepStuck force-fails running jobs whose StartedAt is older than timeout
// and drops them from in-flight tracking. This bounds worst-case resource
// leakage only: the underlying handler work is not stopped, it has no
// cancellation signal beyond its own context timeout.
func (c *Client) SweepStuck(ctx context.Context, timeout time.Duration) ([]Event, error) {
	if timeout <= 0 {
		timeout = StuckTimeout
	}
	now := c.now()
	cutoff := float64(now.Add(-timeout).Unix())
	ids, err := c.store.ZRangeByScore(ctx, runningSet, cutoff, 100)
	if err != nil {
		return nil, fmt.Errorf("jobs: scan running set: %w", err)
	}

	var events []Event
	for _, id := range ids {
		removed, err := c.store.ZRem(ctx, runningSet, id)
		if err != nil || !removed {
			continue
		}
		j, err := c.Get(ctx, id)
		if err != nil || j.Status != StatusRunning {
			continue
		}
		cause := fmt.Sprintf("timeout: running longer than %s", timeout)
		if err := c.store.HSet(ctx, jobKey(id), map[string]string{
			"status":    string(StatusFailed),
			"failed_at": now.Format(timeLayout),
			"error":     cause,
		}); err != nil {
			c.log.Error("stuck sweep: mark failed", logx.String("job", id), logx.Err(err))
			continue
		}
		_ = c.store.ZAdd(ctx, terminalSet, id, float64(now.Unix()))
		ev := Event{Event: "timeout", JobID: id, Type: j.Type.String(), Status: string(StatusFailed), Error: cause, At: now}
		c.publishEvent(ctx, ev)
		events = append(events, ev)
		c.log.Warn("stuck job force-failed",
			logx.String("job", id), logx.String("type", j.Type.String()), logx.Time("started_at", j.StartedAt))
	}
	return events, nil
}

// CleanupTerminal deletes terminal job records older than retention.
func (c *Client) CleanupTerminal(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = TerminalRetention
	}
	cutoff := float64(c.now().Add(-retention).Unix())
	ids, err := c.store.ZRangeByScore(ctx, terminalSet, cutoff, 200)
	if err != nil {
		return 0, fmt.Errorf("jobs: scan terminal set: %w", err)
	}
	removed := 0
	for _, id := range ids {
		if _, err := c.store.ZRem(ctx, terminalSet, id); err != nil {
			continue
		}
		if err := c.store.Del(ctx, jobKey(id)); err != nil {
			c.log.Warn("cleanup: delete record", logx.String("job", id), logx.Err(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// Depths returns the ready and delayed set sizes.
func (c *Client) Depths(ctx context.Context) (ready, delayed int64, err error) {
	if ready, err = c.store.ZCard(ctx, readySet); err != nil {
		return 0, 0, err
	}
	if delayed, err = c.store.ZCard(ctx, delayedSet); err != nil {
		return 0, 0, err
	}
	return ready, delayed, nil
}

func (c *Client) publishEvent(ctx context.Context, ev Event) {
	msg, err := json.Marshal(ev)
	if err == nil {
		if perr := c.store.Publish(ctx, eventChannel, string(msg)); perr != nil {
			c.log.Warn("publish job event", logx.String("job", ev.JobID), logx.Err(perr))
		}
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: "job." + ev.Event, Time: ev.At, Data: ev})
	}
}
