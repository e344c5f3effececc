// Package app assembles the daemon: configuration, logging, stores, the bot
// manager, the job dispatcher, and the cron sweeps, with explicit
// construction order and a bounded shutdown path.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tradefleet/internal/botman"
	"tradefleet/internal/config"
	"tradefleet/internal/eventbus"
	"tradefleet/internal/health"
	"tradefleet/internal/jobs"
	"tradefleet/internal/jobs/handlers"
	"tradefleet/internal/notify"
	"tradefleet/internal/queue"
	"tradefleet/internal/records"
	rtsup "tradefleet/internal/runtime/supervisor"
	"tradefleet/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store queue.Store
	recs  records.Store

	notifier notify.Sender

	mgr  *botman.Manager
	cli  *jobs.Client
	disp *jobs.Dispatcher
	hc   *health.Service

	cronMu sync.Mutex
	cron   *cron.Cron
	sched  config.SchedulesConfig
}

// New loads the config and constructs every component. Nothing is running
// yet; Start spawns the loops.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	bus := eventbus.New()
	logs, log := logx.New(logConfig(cfg.Logging), bus)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))

	connTimeout, _ := config.ParseDurationField("queue.conn_timeout", cfg.Queue.ConnTimeout)
	store, err := queue.Open(queue.Config{
		Driver:      cfg.Queue.Driver,
		Addr:        cfg.Queue.Addr,
		Password:    cfg.Queue.Password,
		DB:          cfg.Queue.DB,
		ConnTimeout: connTimeout,
	})
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	busyTimeout, _ := config.ParseDurationField("records.busy_timeout", cfg.Records.BusyTimeout)
	recs, err := records.Open(records.Config{
		Driver:      cfg.Records.Driver,
		Path:        cfg.Records.Path,
		BusyTimeout: busyTimeout,
	})
	if err == nil && recs == nil {
		err = fmt.Errorf("records: a record store is required (driver %q disables it)", cfg.Records.Driver)
	}
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, fmt.Errorf("open record store: %w", err)
	}

	notifier, err := notify.New(notify.Config{
		Enabled: cfg.Telegram.Enabled,
		Token:   cfg.Telegram.Token,
		ChatID:  cfg.Telegram.ChatID,
	}, logs.Logger())
	if err != nil {
		_ = store.Close()
		if recs != nil {
			_ = recs.Close()
		}
		_ = logs.Close()
		return nil, err
	}

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logs,
		bus:      bus,
		store:    store,
		recs:     recs,
		notifier: notifier,
		cli:      jobs.NewClient(store, bus, logs.Logger()),
		hc:       health.New(recs, store, logs.Logger()),
	}, nil
}

// Jobs exposes the queue client for an embedding API layer.
func (a *App) Jobs() *jobs.Client { return a.cli }

// Bots exposes the bot manager for an embedding API layer.
func (a *App) Bots() *botman.Manager { return a.mgr }

// Health exposes the health service.
func (a *App) Health() *health.Service { return a.hc }

// Dispatcher exposes dispatcher stats. Nil before Start.
func (a *App) Dispatcher() *jobs.Dispatcher { return a.disp }

// Done is closed when the run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.logs.Logger().With(logx.String("comp", "supervisor"))))

	// Store drivers cannot be swapped live; reject such reloads instead of
	// half-applying them.
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		if next.Queue.Driver != cfg.Queue.Driver {
			return fmt.Errorf("queue.driver cannot change at runtime (restart required)")
		}
		if next.Records.Driver != cfg.Records.Driver {
			return fmt.Errorf("records.driver cannot change at runtime (restart required)")
		}
		return nil
	})

	grace, _ := config.ParseDurationField("bots.grace_period", cfg.Bots.GracePeriod)
	monitor, _ := config.ParseDurationField("bots.monitor_interval", cfg.Bots.MonitorInterval)
	a.mgr = botman.NewManager(botman.Config{
		WorkRoot:        cfg.Bots.WorkRoot,
		StrategyDir:     cfg.Bots.StrategyDir,
		EngineBin:       cfg.Bots.EngineBin,
		EngineArgs:      cfg.Bots.EngineArgs,
		Env:             cfg.Bots.Env,
		GracePeriod:     grace,
		MonitorInterval: monitor,
	}, a.recs, a.store, a.bus, a.sup, a.logs.Logger())

	reg := handlers.NewRegistry(handlers.Deps{
		Manager: a.mgr,
		Jobs:    a.cli,
		Health:  a.hc,
		Notify:  a.notifier,
	}, a.logs.Logger())

	poll, _ := config.ParseDurationField("jobs.poll_interval", cfg.Jobs.PollInterval)
	jobTimeout, _ := config.ParseDurationField("jobs.job_timeout", cfg.Jobs.JobTimeout)
	stuck, _ := config.ParseDurationField("jobs.stuck_timeout", cfg.Jobs.StuckTimeout)
	retention, _ := config.ParseDurationField("jobs.terminal_retention", cfg.Jobs.TerminalRetention)
	disp, err := jobs.NewDispatcher(jobs.DispatcherConfig{
		PollInterval:      poll,
		Workers:           cfg.Jobs.Workers,
		JobTimeout:        jobTimeout,
		StuckTimeout:      stuck,
		TerminalRetention: retention,
		HistorySize:       cfg.Jobs.HistorySize,
	}, a.cli, reg, a.logs.Logger())
	if err != nil {
		return err
	}
	a.disp = disp

	a.sup.GoRestart("jobs.dispatch", func(c context.Context) error {
		return a.disp.Run(c, a.sup)
	}, rtsup.WithPublishFirstError(true))

	if err := a.startCron(cfg); err != nil {
		return err
	}

	a.sup.Go0("alerts.forward", func(c context.Context) { a.forwardAlerts(c) })
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("started",
		logx.String("queue_driver", cfg.Queue.Driver),
		logx.String("records_driver", cfg.Records.Driver),
		logx.Int("workers", cfg.Jobs.Workers))
	return nil
}

// startCron schedules the periodic sweeps, replacing any previous schedule
// set. The sweeps run through the job queue where they touch bots, so their
// work shows up in job history and respects worker limits like any other job.
func (a *App) startCron(cfg *config.Config) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))

	add := func(name, spec string, fn func(ctx context.Context)) error {
		_, err := c.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
			defer cancel()
			fn(ctx)
		})
		if err != nil {
			return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
		}
		return nil
	}

	if err := add("stuck_sweep", cfg.Schedules.StuckSweep, func(ctx context.Context) {
		if err := a.disp.SweepStuck(ctx); err != nil {
			a.log.Warn("stuck sweep failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	if err := add("terminal_cleanup", cfg.Schedules.TerminalCleanup, func(ctx context.Context) {
		if err := a.disp.CleanupTerminal(ctx); err != nil {
			a.log.Warn("terminal cleanup failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	if err := add("metrics_refresh", cfg.Schedules.MetricsRefresh, func(ctx context.Context) {
		for botID := range a.mgr.TrackedBots() {
			_, err := a.cli.Enqueue(ctx, jobs.TypeMetricsUpdate,
				map[string]string{"bot_id": botID})
			if err != nil {
				a.log.Warn("enqueue metrics_update failed", logx.String("bot", botID), logx.Err(err))
			}
		}
	}); err != nil {
		return err
	}
	if err := add("health_check", cfg.Schedules.HealthCheck, func(ctx context.Context) {
		_, err := a.cli.Enqueue(ctx, jobs.TypeHealthCheck, nil, jobs.WithPriority(1))
		if err != nil {
			a.log.Warn("enqueue health_check failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}

	c.Start()

	a.cronMu.Lock()
	old := a.cron
	a.cron = c
	a.sched = cfg.Schedules
	a.cronMu.Unlock()
	if old != nil {
		stopCtx := old.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
		}
	}
	return nil
}

// forwardAlerts pushes rate-limited log alerts and bot errors to the
// operator channel. Best effort: a delivery failure is logged and dropped.
func (a *App) forwardAlerts(ctx context.Context) {
	events, cancel := a.bus.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var text string
			switch ev.Type {
			case "log.alert":
				if al, ok := ev.Data.(logx.Alert); ok {
					text = fmt.Sprintf("[%s] %s", al.Level, al.Message)
				}
			case "bot.error":
				if se, ok := ev.Data.(botman.StatusEvent); ok {
					text = fmt.Sprintf("bot %s entered error: %s", se.BotID, se.Cause)
				}
			}
			if text == "" {
				continue
			}
			sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
			err := a.notifier.Send(sctx, 0, text)
			scancel()
			if err != nil && !errors.Is(err, notify.ErrDisabled) {
				a.log.Debug("alert delivery failed", logx.Err(err))
			}
		}
	}
}

// reloadLoop applies committed config reloads. Logging settings and sweep
// schedules apply live; everything else took effect at construction and
// needs a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto apply
				}
			}
		apply:
			a.logs.Apply(logConfig(cfg.Logging))
			a.cronMu.Lock()
			schedChanged := cfg.Schedules != a.sched
			a.cronMu.Unlock()
			if schedChanged {
				if err := a.startCron(cfg); err != nil {
					a.log.Warn("schedule reload failed", logx.Err(err))
				}
			}
			a.log.Info("config applied", logx.String("log_level", cfg.Logging.Level))
		}
	}
}

// Stop unwinds in reverse construction order, each step bounded so one
// component cannot stall the whole shutdown.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	a.cronMu.Lock()
	c := a.cron
	a.cron = nil
	a.cronMu.Unlock()
	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
		}
	}

	// Cancel loops first so the dispatcher stops claiming, then stop the
	// bots, then wait for everything to unwind.
	a.sup.Cancel()
	if a.mgr != nil {
		a.mgr.Shutdown(ctx)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.sup.Wait(waitCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("shutdown incomplete", logx.Err(err))
	}

	if a.recs != nil {
		_ = a.recs.Close()
	}
	_ = a.store.Close()
	a.log.Info("stopped")
	return a.logs.Close()
}

func logConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Alerts.Enabled,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}
}
