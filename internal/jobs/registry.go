package jobs

import (
	"context"
	"fmt"
)

// HandlerFunc executes one job. The context carries the per-job timeout; a
// handler doing long blocking work must honor it, the dispatcher cannot
// interrupt it otherwise. The returned result string is stored verbatim on
// the Job Record.
type HandlerFunc func(ctx context.Context, job *Job) (result string, err error)

// Registry is the fixed handler table: one field per job type, checked at
// dispatcher construction. A missing handler is a construction-time error,
// not a runtime lookup failure.
type Registry struct {
	BotSetup           HandlerFunc
	BotCleanup         HandlerFunc
	MetricsUpdate      HandlerFunc
	HealthCheck        HandlerFunc
	StrategyValidation HandlerFunc
	ExchangeSync       HandlerFunc
	DataCleanup        HandlerFunc
	NotificationSend   HandlerFunc
}

func (r Registry) handler(t Type) HandlerFunc {
	switch t {
	case TypeBotSetup:
		return r.BotSetup
	case TypeBotCleanup:
		return r.BotCleanup
	case TypeMetricsUpdate:
		return r.MetricsUpdate
	case TypeHealthCheck:
		return r.HealthCheck
	case TypeStrategyValidation:
		return r.StrategyValidation
	case TypeExchangeSync:
		return r.ExchangeSync
	case TypeDataCleanup:
		return r.DataCleanup
	case TypeNotificationSend:
		return r.NotificationSend
	default:
		return nil
	}
}

func (r Registry) validate() error {
	for t := Type(0); t < numTypes; t++ {
		if r.handler(t) == nil {
			return fmt.Errorf("jobs: no handler registered for %s", t)
		}
	}
	return nil
}
