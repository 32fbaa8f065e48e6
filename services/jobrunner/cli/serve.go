package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-ingest-flow/internal/fetch"
	"github.com/ramiqadoumi/go-ingest-flow/internal/handlers"
	"github.com/ramiqadoumi/go-ingest-flow/internal/jobs"
	"github.com/ramiqadoumi/go-ingest-flow/internal/kafka"
	"github.com/ramiqadoumi/go-ingest-flow/internal/playlist"
	"github.com/ramiqadoumi/go-ingest-flow/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-ingest-flow/internal/redis"
	"github.com/ramiqadoumi/go-ingest-flow/internal/sink"
	"github.com/ramiqadoumi/go-ingest-flow/internal/version"
	"github.com/ramiqadoumi/go-ingest-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-ingest-flow/services/jobrunner"
	"github.com/ramiqadoumi/go-ingest-flow/services/jobrunner/config"
	"github.com/ramiqadoumi/go-ingest-flow/services/jobrunner/handler"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job runner",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("jobs-topic", "ingest.jobs", "topic job requests are consumed from")
	f.String("events-topic", kafka.DefaultEventsTopic, "topic task events are published to")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.String("metrics-addr", ":9091", "metrics, health and status API address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.String("output-dir", "./output", "directory job output is written to")
	f.String("fallback-dir", "", "directory used when output-dir is not writable")
	f.Int("max-workers", 8, "upper bound on concurrent workers per pool")
	f.Int("download-workers", 4, "upper bound on concurrent PDF downloads per scrape job")
	f.Int("retry-max-attempts", 3, "attempts per item including the first")
	f.Duration("retry-base-delay", time.Second, "backoff after the first failed attempt")
	f.Float64("retry-multiplier", 2, "backoff growth per attempt")
	f.Float64("retry-jitter", 0.1, "backoff jitter fraction (0-1)")
	f.Duration("emit-interval", 500*time.Millisecond, "minimum gap between progress events; 0 disables throttling")
	f.Duration("job-timeout", 0, "default job timeout; 0 means none")
	f.String("inflight-policy", "await", "what running calls see on cancel: await | abandon")
	f.Duration("fetch-timeout", 30*time.Second, "HTTP request timeout")
	f.Int("rate-limit-per-host", 0, "requests per second per host across all runners; 0 disables")

	for _, name := range []string{
		"kafka-brokers", "jobs-topic", "events-topic", "redis-addr", "metrics-addr", "otel-endpoint",
		"output-dir", "fallback-dir", "max-workers", "download-workers",
		"retry-max-attempts", "retry-base-delay", "retry-multiplier", "retry-jitter",
		"emit-interval", "job-timeout", "inflight-policy", "fetch-timeout", "rate-limit-per-host",
	} {
		bindFlag(strings.ReplaceAll(name, "-", "_"), f, name)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.LogLevel, "jobrunner")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "jobrunner", version.Version, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	consumer := kafka.NewConsumer(brokers, cfg.JobsTopic, "jobrunner-group", logger)
	defer func() { _ = consumer.Close() }()

	producer := kafka.NewEventProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pgPool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pgPool.Close()

	fetchOpts := []fetch.Option{fetch.WithTimeout(cfg.FetchTimeout), fetch.WithLogger(logger)}
	if cfg.RateLimitPerHost > 0 {
		fetchOpts = append(fetchOpts, fetch.WithLimiter(redisstore.NewRateLimiter(redisClient, cfg.RateLimitPerHost, time.Second)))
	}
	fetcher := fetch.New(fetchOpts...)

	sinkOpts := []sink.Option{sink.WithLogger(logger)}
	if cfg.FallbackDir != "" {
		sinkOpts = append(sinkOpts, sink.WithFallback(cfg.FallbackDir))
	}

	factory := jobs.NewFactory(jobs.Deps{
		Processor:       handlers.Default(),
		Fetcher:         fetcher,
		Playlists:       playlist.NewYTDLP(playlist.DefaultEnumerateTimeout, 0),
		Transcripts:     playlist.NewTimedText(fetcher, "", ""),
		Sink:            sink.New(cfg.OutputDir, sinkOpts...),
		Retry:           cfg.RetryPolicy(),
		MaxWorkers:      cfg.MaxWorkers,
		DownloadWorkers: cfg.DownloadWorkers,
		InFlight:        cfg.InFlight(),
		Logger:          logger,
	})

	store := redisstore.NewStateStore(redisClient)
	runs := postgres.NewRepository(pgPool)
	svc := jobrunner.NewService(consumer, factory,
		jobrunner.WithLogger(logger),
		jobrunner.WithJobTimeout(cfg.JobTimeout),
		jobrunner.WithEmitInterval(cfg.EmitInterval),
		jobrunner.WithObservers(
			kafka.NewEventPublisher(producer, cfg.EventsTopic),
			redisstore.NewMirror(store),
			postgres.NewHistory(runs, logger),
		),
	)

	scheduler, err := jobrunner.NewScheduler(svc, cfg.Schedules, logger)
	if err != nil {
		return fmt.Errorf("schedules: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go scheduler.Run(runCtx)
	router := telemetry.NewRouter(logger, map[string]telemetry.CheckFunc{
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		"postgres": pgPool.Ping,
	})
	router.Mount("/api/v1", handler.NewREST(svc.Registry(), store, runs, logger).Routes())
	telemetry.StartServer(runCtx, cfg.MetricsAddr, router, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, cancelling live jobs...")
		runCancel()
	}()

	logger.Info("job runner starting",
		slog.String("topic", cfg.JobsTopic),
		slog.Any("kinds", factory.Kinds()),
		slog.String("inflight_policy", cfg.InFlightPolicy),
		slog.Duration("job_timeout", cfg.JobTimeout),
		slog.Int("schedules", len(cfg.Schedules)),
	)

	if err := svc.Run(runCtx); err != nil {
		return fmt.Errorf("jobrunner: %w", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer drainCancel()
	if err := svc.Shutdown(drainCtx); err != nil {
		logger.Warn("jobs still running at shutdown", slog.Int("live", svc.Registry().Len()))
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped cleanly")
	return nil
}
