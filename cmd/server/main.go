// Command server starts the conversion orchestrator HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipforge/orchestrator/internal/adapter/blob"
	"github.com/clipforge/orchestrator/internal/adapter/events/redpanda"
	"github.com/clipforge/orchestrator/internal/adapter/httpserver"
	"github.com/clipforge/orchestrator/internal/adapter/observability"
	"github.com/clipforge/orchestrator/internal/adapter/processor"
	"github.com/clipforge/orchestrator/internal/adapter/repo/postgres"
	"github.com/clipforge/orchestrator/internal/adapter/seq"
	"github.com/clipforge/orchestrator/internal/adapter/ws"
	"github.com/clipforge/orchestrator/internal/app"
	"github.com/clipforge/orchestrator/internal/config"
	"github.com/clipforge/orchestrator/internal/domain"
	"github.com/clipforge/orchestrator/internal/pipeline"
	"github.com/clipforge/orchestrator/internal/queue"
	"github.com/clipforge/orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, queue and pipeline instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Infra: DB pool
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	store := postgres.NewJobRepo(pool)

	// Sequence allocator. Redis keeps queue positions dense across instances;
	// without it the allocator is process local.
	var sequencer domain.Sequencer
	var redisPing func(domain.Context) error
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rdb.Close() }()
		rseq := seq.NewRedisSequencer(rdb)
		sequencer = rseq
		redisPing = rseq.Ping
		slog.Info("redis sequencer enabled", slog.String("addr", cfg.RedisAddr))
	} else {
		sequencer = seq.NewLocalSequencer()
		slog.Warn("REDIS_ADDR empty, using in-process sequencer")
	}

	// Processor sidecar client.
	proc := processor.New(cfg.ProcessorBaseURL, cfg.PublicCallbackURL,
		cfg.MetadataTimeout, cfg.ProcessingTimeout, cfg.HealthProbeTimeout)

	// Presigner for download URLs.
	var signer domain.URLSigner
	if cfg.S3AccessKey != "" {
		signer, err = blob.NewMinioSigner(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey,
			cfg.S3Bucket, cfg.S3UseSSL, cfg.PresignTimeout)
		if err != nil {
			slog.Error("blob signer init failed", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		signer = &blob.StaticSigner{BaseURL: fmt.Sprintf("http://%s/%s", cfg.S3Endpoint, cfg.S3Bucket)}
		slog.Warn("S3 credentials empty, serving static download URLs")
	}

	// Optional lifecycle event stream.
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.JobEventsTopic)
	if err != nil {
		slog.Error("event producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	catalog, err := config.LoadPlatformCatalog("")
	if err != nil {
		slog.Error("platform catalog load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// The hub is the notifier for the pipeline and monitor, and the hub's
	// snapshot and submit callbacks resolve through the usecases constructed
	// below. The closures break the cycle.
	var submitSvc *usecase.SubmitService
	var statusSvc *usecase.StatusService
	origin, err := ws.NewOriginChecker(cfg.WSAllowedOrigins)
	if err != nil {
		slog.Error("invalid WS_ALLOWED_ORIGINS", slog.Any("error", err))
		os.Exit(1)
	}
	hub := ws.NewHub(origin,
		func(ctx domain.Context, id string) (domain.Job, error) { return statusSvc.Snapshot(ctx, id) },
		func(ctx domain.Context, url, format, quality string) (domain.Job, error) {
			return submitSvc.Submit(ctx, url, format, quality)
		},
		ws.Options{
			QueueSize:     cfg.WSOutboundQueue,
			Heartbeat:     cfg.WSHeartbeat,
			TerminalGrace: cfg.WSTerminalGrace,
			ShutdownDrain: cfg.WSShutdownDrain,
		})

	bus := pipeline.NewBus()
	runner := pipeline.NewRunner(store, proc, signer, hub, bus, producer, pipeline.Config{
		ProcessingTimeout:    cfg.ProcessingTimeout,
		ProgressStaleAfter:   cfg.ProgressStaleAfter,
		ProgressPollInterval: cfg.ProgressPollInterval,
		DownloadURLTTL:       cfg.DownloadURLTTL,
	})
	manager := queue.NewManager(store, sequencer, hub, runner.Run, queue.Config{
		MaxConcurrent:     cfg.MaxConcurrentConversions,
		HardCap:           cfg.HardCap,
		ProcessingTimeout: cfg.ProcessingTimeout,
	})

	submitSvc = usecase.NewSubmitService(manager, proc, catalog, cfg.ResultTTL)
	statusSvc = usecase.NewStatusService(store, manager, signer, hub, cfg.DownloadURLTTL, cfg.RefreshWindow)

	monitor := app.NewMonitor(store, proc, manager, hub, hub, app.MonitorConfig{
		Interval:       cfg.MonitorInterval,
		StuckThreshold: cfg.StuckThreshold,
		MaxAttempts:    cfg.MaxAttempts,
	})

	probes := map[string]func(domain.Context) error{
		"db":        pool.Ping,
		"processor": proc.Health,
	}
	if redisPing != nil {
		probes["redis"] = redisPing
	}

	srv := httpserver.NewServer(submitSvc, statusSvc, bus)
	handler := app.BuildRouter(cfg, srv, hub, probes)

	workCtx, stopWork := context.WithCancel(ctx)
	go hub.Run(workCtx)
	go manager.Run(workCtx)
	go monitor.Run(workCtx)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	// Stop accepting, drain push clients, then cancel workers. In-flight jobs
	// interrupted here stay in processing and the next instance's monitor
	// requeues them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	hub.Shutdown(shutdownCtx)
	stopWork()
}
