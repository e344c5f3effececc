package botman

import (
	"errors"
	"fmt"
)

// Category classifies supervisor failures for callers. Configuration errors
// are rejected synchronously and never touch a process; process and timeout
// errors describe what happened to an attempt that was already under way.
type Category string

const (
	CategoryConfig    Category = "config"
	CategoryTransient Category = "transient"
	CategoryProcess   Category = "process"
	CategoryTimeout   Category = "timeout"
	CategoryInternal  Category = "internal"
)

// Error carries the failure category alongside the cause.
type Error struct {
	Category Category
	Op       string
	BotID    string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("botman: %s %s: %s: %v", e.Op, e.BotID, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(cat Category, op, botID string, err error) *Error {
	return &Error{Category: cat, Op: op, BotID: botID, Err: err}
}

// CategoryOf extracts the category from err, or CategoryInternal if err is
// not a supervisor error.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

var (
	ErrBotNotFound    = errors.New("bot not found")
	ErrNotOwner       = errors.New("bot does not belong to user")
	ErrAlreadyRunning = errors.New("bot is already running")
	ErrNotRunning     = errors.New("bot is not running")
	ErrNotPaused      = errors.New("bot is not paused")
)
