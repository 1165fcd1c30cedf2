// Package main is the entry point for the benchmate daemon.
// It runs the scheduler, the worker pool, the sync reconciler and the HTTP
// API in one process; locks are process-local.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"benchmate/internal/config"
	"benchmate/internal/controller"
	"benchmate/internal/driver"
	"benchmate/internal/event"
	"benchmate/internal/lock"
	"benchmate/internal/logger"
	"benchmate/internal/observability"
	"benchmate/internal/orchestrator"
	"benchmate/internal/reconciler"
	"benchmate/internal/store"
	"benchmate/internal/store/memory"
	"benchmate/internal/store/postgres"
	"benchmate/internal/worker"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file (default: benchmate.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("benchmated exited", "error", err)
		os.Exit(1)
	}
	log.Info("benchmated exited properly")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := openStore(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer st.Close()

	identity := observability.Identity{
		Service: "benchmated",
		Version: version,
		Driver:  cfg.Driver,
		Store:   storeKind(cfg.DatabaseURL),
	}

	// Tracing
	if cfg.TracingEnabled {
		shutdownTracer, err := observability.InitTracer(ctx, identity, cfg.OTELEndpoint)
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Warn("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	bus := event.NewBus(log)
	locks := lock.NewManager()
	sched := orchestrator.New(st, locks, bus, orchestrator.Config{
		MaxRetries: cfg.MaxRetries(),
		Logger:     log,
	})

	jobMetrics, err := observability.NewJobMetrics(otel.Meter(observability.MeterName), observability.ActiveDepth(st))
	if err != nil {
		return err
	}
	jobMetrics.Attach(bus)
	bus.Subscribe(event.TypeStateCorrected, func(e event.Event) {
		if ce, ok := e.(event.StateCorrectedEvent); ok {
			log.Info("state corrected", "target", ce.Target.String(), "from", ce.From, "to", ce.To, "reason", ce.Reason)
		}
	})

	// Jobs that were running when the previous process died are failed
	// before anything else can claim their targets.
	interrupted, err := sched.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	if interrupted > 0 {
		log.Warn("interrupted jobs marked failed", "count", interrupted)
	}

	d, err := buildDriver(cfg, log)
	if err != nil {
		return err
	}

	rec := reconciler.New(st, locks, d, bus, log)
	handlers := worker.DriverHandlers(d, st)
	handlers[store.KindSyncBenchDetails] = rec.Handle

	agent := worker.New(sched, handlers, worker.DriverAbort(d, st), worker.AgentConfig{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.SchedulerTick,
		MaxBackoff:   cfg.MaxIdleBackoff,
		Timeouts:     cfg.JobTimeouts(),
		Logger:       log,
	})

	srv := controller.New(controller.Config{
		Addr:        cfg.Addr(),
		Metrics:     metricsHandler,
		SubmitRate:  cfg.SubmitRateLimit,
		SubmitBurst: cfg.SubmitRateBurst,
		Logger:      log,
	}, sched, st)

	var wg conc.WaitGroup
	serverErr := make(chan error, 1)

	wg.Go(func() { agent.Run(ctx) })
	wg.Go(func() { reconciler.RunPeriodic(ctx, sched, cfg.SyncInterval, log) })
	wg.Go(func() { sched.RunSweeper(ctx, cfg.LockSweepInterval) })
	wg.Go(func() {
		if err := srv.Run(ctx); err != nil {
			serverErr <- err
		}
	})

	if cfg.WatchRoot && cfg.Driver == "exec" {
		watcher, err := reconciler.NewWatcher(cfg.BenchesRoot, sched, cfg.WatchDebounce, log)
		if err != nil {
			log.Warn("benches root watch disabled", "root", cfg.BenchesRoot, "error", err)
		} else {
			wg.Go(func() { watcher.Run(ctx) })
		}
	}

	log.Info("benchmated started",
		"addr", cfg.Addr(),
		"driver", cfg.Driver,
		"workers", cfg.WorkerConcurrency,
		"sync_interval", cfg.SyncInterval,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down, waiting for in-flight jobs")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server failed: %w", err)
		cancel()
	}

	wg.Wait()
	return runErr
}

// openStore selects PostgreSQL when a URL is configured and the in-memory
// store otherwise.
func storeKind(databaseURL string) string {
	if databaseURL == "" {
		return "memory"
	}
	return "postgres"
}

func openStore(ctx context.Context, databaseURL string, log *slog.Logger) (store.Store, error) {
	if databaseURL == "" {
		log.Warn("database_url not set; job records are kept in memory only")
		return memory.New(), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pg, err := postgres.New(connectCtx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	return pg, nil
}

func buildDriver(cfg *config.Config, log *slog.Logger) (driver.Driver, error) {
	switch cfg.Driver {
	case "docker":
		d, err := driver.NewDockerDriver(driver.DockerConfig{
			BenchDir:       cfg.DockerBenchDir,
			BenchBin:       cfg.BenchBin,
			DBRootPassword: cfg.DBRootPassword,
			AdminPassword:  cfg.AdminPassword,
		})
		if err != nil {
			return nil, err
		}
		log.Info("using docker driver")
		return d, nil
	case "exec":
		log.Info("using exec driver", "benches_root", cfg.BenchesRoot, "bench_bin", cfg.BenchBin)
		return driver.NewExecDriver(driver.ExecConfig{
			BenchBin:       cfg.BenchBin,
			Root:           cfg.BenchesRoot,
			SudoPassword:   cfg.SudoPassword,
			DBRootPassword: cfg.DBRootPassword,
			AdminPassword:  cfg.AdminPassword,
			Logger:         log,
		}, afero.NewOsFs(), driver.NewOSRunner()), nil
	}
	return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
}
