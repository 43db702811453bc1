// cmd/dispatcher/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"refresh-dispatcher/internal/config"
	"refresh-dispatcher/internal/dispatch"
	"refresh-dispatcher/internal/domain"
	"refresh-dispatcher/internal/events"
	etcd_infra "refresh-dispatcher/internal/infra/etcd"
	http_infra "refresh-dispatcher/internal/infra/http"
	"refresh-dispatcher/internal/metrics"
	"refresh-dispatcher/internal/retry"
	"refresh-dispatcher/internal/scheduler"
	"refresh-dispatcher/internal/tracing"
	"refresh-dispatcher/internal/usecase"
)

func main() {
	// 1. Initialize logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("refresh-dispatcher")
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	flushTracer := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}
	defer flushTracer()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Setup graceful shutdown
	setupGracefulShutdown(cancel)

	// 5. "history" mode queries persisted batch summaries instead of
	// dispatching, so the jobs file is only required for a dispatch run.
	historyMode := len(os.Args) > 1 && os.Args[1] == "history"

	var jobs []domain.JobDescriptor
	if !historyMode {
		// Load and validate the job set. Malformed jobs fail here, before
		// dispatch starts.
		jobs, err = usecase.LoadJobs(cfg.JobsFile, cfg.Namespace)
		if err != nil {
			log.Fatalf("Failed to load jobs: %v", err)
		}
		logger.Info("loaded jobs", "count", len(jobs), "jobs_file", cfg.JobsFile)
	}

	// 6. Instantiate components
	metrics.Register()

	limiter, err := dispatch.NewLimiter(cfg.ConcurrencyLimit)
	if err != nil {
		log.Fatalf("Invalid concurrency limit: %v", err)
	}

	client := http_infra.NewDownstreamClient(http_infra.Options{
		TargetURL:      cfg.TargetURL,
		RequestTimeout: cfg.RequestTimeout,
		RateLimit:      cfg.RateLimit,
	})

	policy := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
	}

	dispatcher, err := dispatch.New(client, limiter, policy, cfg.GracePeriod, events.NewSlogSink(logger), logger)
	if err != nil {
		log.Fatalf("Failed to build dispatcher: %v", err)
	}

	// 7. Optional batch history backed by etcd
	var history domain.HistoryRepository
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err := etcd_infra.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		history = etcd_infra.NewBatchHistoryRepository(etcdClient, logger)
		log.Println("Connected to etcd, batch history enabled.")
	}

	service := usecase.NewRefreshService(dispatcher, history, jobs, cfg.Timeout, logger)

	// 8. History mode: print stored batch summaries and exit.
	if historyMode {
		if err := runHistory(rootCtx, service, os.Args[2:]); err != nil {
			log.Fatalf("History query failed: %v", err)
		}
		return
	}

	if cfg.TraceID != "" {
		rootCtx = domain.WithTraceID(rootCtx, cfg.TraceID)
	}

	// 9. Scheduled mode: re-run the batch on the configured cron expression
	// until interrupted.
	if cfg.Schedule != "" {
		runScheduled(rootCtx, cfg, service, logger)
		return
	}

	// 10. One-shot mode: dispatch once and report via the exit status.
	res, err := service.RunBatch(rootCtx)
	if err != nil {
		log.Fatalf("Dispatch failed: %v", err)
	}
	if res.Failed > 0 {
		logger.Error("refresh batch finished with failures",
			"batch_id", res.BatchID, "total", res.Total, "succeeded", res.Succeeded, "failed", res.Failed)
		flushTracer()
		os.Exit(1)
	}
	logger.Info("refresh batch succeeded", "batch_id", res.BatchID, "total", res.Total)
}

const historyPageSize = 20

// runHistory prints stored batch summaries as JSON. With a batch id argument
// it fetches that record; without one it lists the most recent batches.
func runHistory(ctx context.Context, service *usecase.RefreshService, args []string) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if len(args) > 0 {
		record, err := service.GetBatch(ctx, args[0])
		if err != nil {
			return err
		}
		return enc.Encode(record)
	}

	records, err := service.ListHistory(ctx, 1, historyPageSize)
	if err != nil {
		return err
	}
	return enc.Encode(records)
}

// runScheduled blocks until shutdown, dispatching a batch per cron tick and
// serving /metrics when a listen address is configured.
func runScheduled(ctx context.Context, cfg *config.Config, service *usecase.RefreshService, logger *slog.Logger) {
	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux}
		go func() {
			log.Printf("Starting metrics server on %s", cfg.MetricsListenAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Metrics server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown failed", "error", err)
			}
		}()
	}

	sched := scheduler.NewCronScheduler(service, logger)
	if err := sched.Schedule(cfg.Schedule); err != nil {
		log.Fatalf("Failed to register schedule: %v", err)
	}
	if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Scheduler stopped with error: %v", err)
	}
	log.Println("Dispatcher shut down.")
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
}
