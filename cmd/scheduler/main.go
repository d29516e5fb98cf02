// Package main is the entrypoint of the report scheduler.
//
// On every cron tick the scheduler tries the distributed run lock. The
// instance that wins pages through every active user id and publishes one
// UserProcessingCommand per user; the others skip the tick. An ops server
// exposes /healthz and /metrics while the process runs.
//
// Usage:
//
//	scheduler                 # run on SCHEDULER_CRON until SIGINT/SIGTERM
//	scheduler --run-once      # trigger a single run now and exit
//	scheduler --migrate       # create the lock and run history tables, then continue
//	scheduler --history=20    # print the 20 most recent runs and exit
//	scheduler --lock-status   # print the current holder of the run lock and exit
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"taskreports/internal/app"
	"taskreports/internal/config"
	"taskreports/internal/db"
	"taskreports/internal/lock"
	"taskreports/internal/ops"
	"taskreports/internal/queue"
	"taskreports/internal/scheduler"
)

type options struct {
	runOnce    bool
	migrate    bool
	history    int
	lockStatus bool
}

func main() {
	var opts options
	flag.BoolVar(&opts.runOnce, "run-once", false, "Trigger a single run immediately and exit")
	flag.BoolVar(&opts.migrate, "migrate", false, "Create the shedlock and report_runs tables before starting")
	flag.IntVar(&opts.history, "history", 0, "Print the N most recent runs and exit (postgres lock backend only)")
	flag.BoolVar(&opts.lockStatus, "lock-status", false, "Print the current run lock holder and exit (postgres lock backend only)")
	flag.Parse()

	cfg, logger, err := app.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("scheduler failed", "error", err)
		os.Exit(1)
	}
}

// lockBackend is the lock store plus what comes with it: run history on
// postgres, a health check and a cleanup hook.
type lockBackend struct {
	store   lock.Store
	history scheduler.RunHistory
	repo    *db.ShedLockRepository
	runs    *db.RunHistoryRepository
	ping    func(ctx context.Context) error
	close   func()
}

func openLockBackend(ctx context.Context, cfg *config.Config, migrate bool, logger *slog.Logger) (*lockBackend, error) {
	switch cfg.Lock.Backend {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := db.EnsureSchema(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
			logger.Info("database schema ensured")
		}
		repo := db.NewShedLockRepository(pool)
		runs := db.NewRunHistoryRepository(pool)
		return &lockBackend{
			store:   repo,
			history: runs,
			repo:    repo,
			runs:    runs,
			ping:    repo.Ping,
			close:   pool.Close,
		}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Unmask(),
			DB:       cfg.Redis.DB,
		})
		store := lock.NewRedisStore(client, cfg.Redis.KeyPrefix)
		return &lockBackend{
			store:   store,
			history: scheduler.NopHistory{},
			ping:    store.Ping,
			close:   func() { _ = client.Close() },
		}, nil

	case "memory":
		logger.Warn("using in-process lock store; runs are not coordinated across instances")
		store := lock.NewMemoryStore()
		return &lockBackend{
			store:   store,
			history: scheduler.NopHistory{},
			ping:    store.Ping,
			close:   func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	locks, err := openLockBackend(ctx, cfg, opts.migrate, logger)
	if err != nil {
		return fmt.Errorf("opening lock store: %w", err)
	}
	defer locks.close()

	if opts.history > 0 || opts.lockStatus {
		return inspect(ctx, cfg, opts, locks)
	}

	rec, gatherer, err := app.NewMetrics(ctx, cfg, logger)
	if err != nil {
		return err
	}

	client, err := app.NewBackendClient(cfg, cfg.ProducerRetry, rec, logger)
	if err != nil {
		return fmt.Errorf("creating backend client: %w", err)
	}

	broker, err := queue.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening broker: %w", err)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Warn("failed to close broker", "error", err)
		}
	}()

	trigger, err := scheduler.NewReportTrigger(scheduler.ReportTriggerConfig{
		Locks: lock.NewProvider(locks.store,
			lock.WithAcquireTimeout(cfg.Lock.AcquireTimeout),
			lock.WithLogger(logger),
		),
		Lock: lock.Config{
			Name:       cfg.Lock.Name,
			AtMostFor:  cfg.Lock.AtMostFor,
			AtLeastFor: cfg.Lock.AtLeastFor,
		},
		Source:          client,
		Producer:        scheduler.NewProducer(broker.Publisher, cfg.Broker.UserCommandsTopic, rec, logger),
		History:         locks.history,
		PageSize:        cfg.Scheduler.PageSize,
		Location:        cfg.Scheduler.Location(),
		ReportDayOffset: cfg.Scheduler.ReportDayOffset,
		RunTimeout:      cfg.Scheduler.RunTimeout,
		Metrics:         rec,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if opts.runOnce {
		res, err := trigger.Run(ctx, time.Now())
		if err != nil {
			return err
		}
		logger.Info("run-once finished",
			"skipped", res.Skipped,
			"job_run_id", res.JobRunID,
			"report_date", res.ReportDate,
			"pages", res.Pages,
			"published", res.Published,
		)
		return nil
	}

	runner, err := scheduler.NewCronRunner(cfg.Scheduler.Cron, cfg.Scheduler.Location(), trigger, logger)
	if err != nil {
		return err
	}

	opsOpts := []ops.Option{ops.WithProbes(
		ops.ProbeFunc{ProbeName: "lock_store", Fn: locks.ping},
		ops.ProbeFunc{ProbeName: "broker", Fn: broker.Ping},
	)}
	if gatherer != nil {
		opsOpts = append(opsOpts, ops.WithGatherer(gatherer))
	}
	opsServer := ops.NewServer(cfg.Observability.OpsAddr, cfg.Build, logger, opsOpts...)

	logger.Info("scheduler started",
		"cron", cfg.Scheduler.Cron,
		"time_zone", cfg.Scheduler.TimeZone,
		"lock_backend", cfg.Lock.Backend,
		"lock_name", cfg.Lock.Name,
		"broker", cfg.Broker.Kind,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return opsServer.Run(gctx) })
	err = g.Wait()
	logger.Info("scheduler stopped")
	return err
}

// inspect prints run history or the lock holder as JSON on stdout.
func inspect(ctx context.Context, cfg *config.Config, opts options, locks *lockBackend) error {
	if locks.repo == nil {
		return fmt.Errorf("--history and --lock-status need LOCK_BACKEND=postgres, got %q", cfg.Lock.Backend)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if opts.lockStatus {
		owner, until, ok, err := locks.repo.HeldBy(ctx, cfg.Lock.Name)
		if err != nil {
			return err
		}
		status := map[string]any{"name": cfg.Lock.Name, "held": ok && until.After(time.Now())}
		if ok {
			status["lockedBy"] = owner
			status["lockUntil"] = until
		}
		if err := enc.Encode(status); err != nil {
			return err
		}
	}

	if opts.history > 0 {
		runs, err := locks.runs.Recent(ctx, opts.history)
		if err != nil {
			return err
		}
		return enc.Encode(runs)
	}
	return nil
}
