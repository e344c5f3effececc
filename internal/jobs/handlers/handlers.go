// Package handlers provides the fixed handler table for the job queue.
// Each handler decodes the opaque job payload into its own typed request
// and validates it before doing any work; malformed payloads fail the job
// synchronously instead of leaking partial state.
package handlers

import (
	"context"
	"fmt"

	"tradefleet/internal/botman"
	"tradefleet/internal/health"
	"tradefleet/internal/jobs"
	"tradefleet/internal/notify"
	"tradefleet/pkg/logx"
)

// ExchangeClient refreshes exchange market metadata. The real client lives
// with the API layer's exchange integration; this core only schedules the
// refresh.
type ExchangeClient interface {
	SyncMarkets(ctx context.Context, exchange, pair string) error
}

// NopExchange satisfies ExchangeClient when no exchange integration is
// wired (e.g. dry-run-only deployments).
type NopExchange struct{}

func (NopExchange) SyncMarkets(context.Context, string, string) error { return nil }

// Deps are the collaborators the handler table needs.
type Deps struct {
	Manager  *botman.Manager
	Jobs     *jobs.Client
	Health   *health.Service
	Notify   notify.Sender
	Exchange ExchangeClient
}

// NewRegistry builds the complete handler table. All eight job types are
// bound here; the dispatcher rejects a partial table at construction.
func NewRegistry(d Deps, log logx.Logger) jobs.Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Exchange == nil {
		d.Exchange = NopExchange{}
	}
	log = log.With(logx.String("comp", "handlers"))
	return jobs.Registry{
		BotSetup:           botSetup(d.Manager),
		BotCleanup:         botCleanup(d.Manager),
		MetricsUpdate:      metricsUpdate(d.Manager),
		HealthCheck:        healthCheck(d.Health),
		StrategyValidation: strategyValidation(d.Manager),
		ExchangeSync:       exchangeSync(d.Exchange),
		DataCleanup:        dataCleanup(d.Jobs, d.Manager, log),
		NotificationSend:   notificationSend(d.Notify),
	}
}

// field reads a required payload key.
func field(j *jobs.Job, key string) (string, error) {
	v := j.Payload[key]
	if v == "" {
		return "", fmt.Errorf("payload missing %q", key)
	}
	return v, nil
}
