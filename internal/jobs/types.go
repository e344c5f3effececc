// Package jobs implements the durable, priority-aware background job queue:
// the queue client (enqueue/cancel/retry/inspect), the dispatch loop, and
// the periodic sweeps for stuck and expired jobs.
//
// All job state lives in the queue store. A job is in exactly one of the
// ready set, the delayed set, or the running set at any time; its status
// field and set membership are reconciled within one dispatch cycle.
package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Type identifies the handler a job is dispatched to. The set is closed;
// values outside the enum are rejected at enqueue time.
type Type int

const (
	TypeBotSetup Type = iota
	TypeBotCleanup
	TypeMetricsUpdate
	TypeHealthCheck
	TypeStrategyValidation
	TypeExchangeSync
	TypeDataCleanup
	TypeNotificationSend

	numTypes
)

var typeNames = [...]string{
	TypeBotSetup:           "bot_setup",
	TypeBotCleanup:         "bot_cleanup",
	TypeMetricsUpdate:      "metrics_update",
	TypeHealthCheck:        "health_check",
	TypeStrategyValidation: "strategy_validation",
	TypeExchangeSync:       "exchange_sync",
	TypeDataCleanup:        "data_cleanup",
	TypeNotificationSend:   "notification_send",
}

func (t Type) Valid() bool { return t >= 0 && t < numTypes }

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType maps a wire name back to a Type.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if s == name {
			return Type(t), nil
		}
	}
	return 0, fmt.Errorf("jobs: unknown job type %q", s)
}

// Status is the job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible without an
// explicit Retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is the unit of schedulable work.
//
// Payload is opaque at the queue boundary; each handler decodes it into its
// own typed request on entry.
type Job struct {
	ID         string
	Type       Type
	Payload    map[string]string
	Priority   int
	Status     Status
	Retries    int
	MaxRetries int

	CreatedAt   time.Time
	AvailableAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	FailedAt    time.Time

	Result string
	Error  string
}

// Store key layout. Grounded on the shared Redis convention: one hash per
// job, sorted sets for ordering, one publish channel for events.
const (
	readySet    = "jobs:ready"
	delayedSet  = "jobs:delayed"
	runningSet  = "jobs:running"
	terminalSet = "jobs:terminal"

	eventChannel = "jobs:events"

	jobKeyPrefix = "job:"
)

func jobKey(id string) string { return jobKeyPrefix + id }

// readyScore encodes priority plus a time fraction so that within one
// priority tier jobs dequeue FIFO by availability, without a secondary
// index. The fraction stays well below 1 for any realistic clock value, so
// tiers never overlap.
func readyScore(priority int, availableAt time.Time) float64 {
	return float64(priority) + float64(availableAt.UnixMilli())/1e14
}

const timeLayout = time.RFC3339Nano

func (j *Job) fields() map[string]string {
	payload, _ := json.Marshal(j.Payload)
	f := map[string]string{
		"id":          j.ID,
		"type":        j.Type.String(),
		"payload":     string(payload),
		"priority":    strconv.Itoa(j.Priority),
		"status":      string(j.Status),
		"retries":     strconv.Itoa(j.Retries),
		"max_retries": strconv.Itoa(j.MaxRetries),
		"created_at":  j.CreatedAt.Format(timeLayout),
	}
	setTime := func(k string, t time.Time) {
		if !t.IsZero() {
			f[k] = t.Format(timeLayout)
		}
	}
	setTime("available_at", j.AvailableAt)
	setTime("started_at", j.StartedAt)
	setTime("completed_at", j.CompletedAt)
	setTime("failed_at", j.FailedAt)
	if j.Result != "" {
		f["result"] = j.Result
	}
	if j.Error != "" {
		f["error"] = j.Error
	}
	return f
}

func jobFromFields(f map[string]string) (*Job, error) {
	t, err := ParseType(f["type"])
	if err != nil {
		return nil, err
	}
	j := &Job{
		ID:     f["id"],
		Type:   t,
		Status: Status(f["status"]),
		Result: f["result"],
		Error:  f["error"],
	}
	if j.ID == "" {
		return nil, fmt.Errorf("jobs: record missing id")
	}
	if raw := f["payload"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &j.Payload); err != nil {
			return nil, fmt.Errorf("jobs: decode payload for %s: %w", j.ID, err)
		}
	}
	j.Priority, _ = strconv.Atoi(f["priority"])
	j.Retries, _ = strconv.Atoi(f["retries"])
	j.MaxRetries, _ = strconv.Atoi(f["max_retries"])

	parseTime := func(k string) time.Time {
		if v := f[k]; v != "" {
			ts, err := time.Parse(timeLayout, v)
			if err == nil {
				return ts
			}
		}
		return time.Time{}
	}
	j.CreatedAt = parseTime("created_at")
	j.AvailableAt = parseTime("available_at")
	j.StartedAt = parseTime("started_at")
	j.CompletedAt = parseTime("completed_at")
	j.FailedAt = parseTime("failed_at")
	return j, nil
}

// Event is the JSON message published on the store channel (and mirrored on
// the in-process bus) for job lifecycle transitions.
type Event struct {
	Event  string    `json:"event"` // completed | failed | timeout | cancelled
	JobID  string    `json:"job_id"`
	Type   string    `json:"type"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}
