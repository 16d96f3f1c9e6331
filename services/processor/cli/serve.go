package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devlikebear/aiapps-sub000/internal/events"
	"github.com/devlikebear/aiapps-sub000/internal/handlers"
	"github.com/devlikebear/aiapps-sub000/internal/kafka"
	"github.com/devlikebear/aiapps-sub000/internal/queue"
	"github.com/devlikebear/aiapps-sub000/internal/rabbitmq"
	redisstore "github.com/devlikebear/aiapps-sub000/internal/redis"
	"github.com/devlikebear/aiapps-sub000/internal/version"
	"github.com/devlikebear/aiapps-sub000/pkg/telemetry"
	"github.com/devlikebear/aiapps-sub000/services/processor"
	"github.com/devlikebear/aiapps-sub000/services/processor/config"
	"github.com/devlikebear/aiapps-sub000/services/processor/handler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the processor and REST API",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.Duration("poll-interval", time.Second, "how often pending jobs are checked")
	f.Int("max-concurrent", 3, "maximum jobs processed at once")
	f.Duration("job-timeout", 5*time.Minute, "per-job handler timeout")
	f.String("selection-order", "fifo", "order free slots are filled: fifo | priority")
	f.String("recover-policy", "fail", "jobs left processing at startup: fail | leave")
	f.Int("max-queue-size", queue.DefaultMaxQueueSize, "jobs kept before the oldest are evicted")
	f.Duration("retention", queue.DefaultRetention, "how long completed jobs are kept")
	f.Int("default-max-retries", queue.DefaultMaxRetries, "retry bound for new jobs")
	f.Int("default-priority", queue.DefaultPriority, "priority for new jobs (1-10)")

	f.String("store-driver", "file", "memory | file | redis | postgres | sqlite | mongo")
	f.String("store-path", "./jobqueue.json", "snapshot file for the file driver")
	f.String("queue-name", "default", "snapshot key for shared backends")
	f.String("redis-addr", "", "Redis address (host:port)")
	f.String("postgres-dsn", "", "PostgreSQL DSN")
	f.String("sqlite-path", "./jobqueue.db", "SQLite database path")
	f.String("mongo-uri", "", "MongoDB connection URI")
	f.String("mongo-database", "jobqueue", "MongoDB database name")

	f.Int("rate-limit", 0, "dispatches per job type per window; 0 disables (requires redis)")
	f.Duration("rate-window", time.Minute, "rate limit window")

	f.String("http-addr", ":8080", "REST API address")
	f.String("metrics-addr", ":9091", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	f.String("kafka-brokers", "", "comma-separated Kafka broker addresses")
	f.String("kafka-events-topic", "", "forward queue events to this Kafka topic")
	f.String("kafka-intake-topic", "", "accept job submissions from this Kafka topic")
	f.String("kafka-group-id", "jobqueue-intake", "consumer group for the intake topic")
	f.String("amqp-url", "", "forward queue events to RabbitMQ at this URL")
	f.String("amqp-exchange", "jobqueue.events", "RabbitMQ topic exchange for events")
	f.Int("event-buffer", 256, "events buffered for the forwarder before dropping")

	f.String("provider-url", "", "base URL of the generation provider")
	f.String("provider-token", "", "bearer token for the generation provider")
	f.String("maintenance-schedule", processor.DefaultMaintenanceSchedule, "cron schedule for compaction; empty disables")

	for _, key := range []string{
		"poll_interval", "max_concurrent", "job_timeout", "selection_order", "recover_policy",
		"max_queue_size", "retention", "default_max_retries", "default_priority",
		"store_driver", "store_path", "queue_name", "redis_addr", "postgres_dsn", "sqlite_path",
		"mongo_uri", "mongo_database", "rate_limit", "rate_window",
		"http_addr", "metrics_addr", "otel_endpoint",
		"kafka_brokers", "kafka_events_topic", "kafka_intake_topic", "kafka_group_id",
		"amqp_url", "amqp_exchange", "event_buffer",
		"provider_url", "provider_token", "maintenance_schedule",
	} {
		bindFlag(key, f, flagName(key))
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	instanceID := uuid.New().String()[:8]
	logger := buildLogger(cfg.LogLevel, cfg.LogFormat, "jobqueue").With(
		slog.String("instance_id", instanceID),
		slog.String("queue", cfg.QueueName),
	)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "jobqueue", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	b, err := openBackend(initCtx, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer b.Close()

	bus := events.NewBus(logger)
	q := queue.NewManager(b.store, bus,
		queue.WithLogger(logger),
		queue.WithMaxQueueSize(cfg.MaxQueueSize),
		queue.WithRetention(cfg.Retention),
		queue.WithDefaultMaxRetries(cfg.DefaultMaxRetries),
		queue.WithDefaultPriority(cfg.DefaultPriority),
	)

	registry := handlers.NewRegistry()
	if cfg.ProviderURL != "" {
		handlers.RegisterRemote(registry, cfg.ProviderURL, cfg.ProviderToken, nil)
	} else {
		logger.Warn("provider_url not set; jobs will fail with no handler registered")
	}

	opts := []processor.Option{
		processor.WithLogger(logger),
		processor.WithMaxConcurrent(cfg.MaxConcurrent),
		processor.WithPollInterval(cfg.PollInterval),
		processor.WithTimeout(cfg.JobTimeout),
		processor.WithSelectionOrder(processor.SelectionOrder(cfg.SelectionOrder)),
		processor.WithRecoverPolicy(processor.RecoverPolicy(cfg.RecoverPolicy)),
	}
	if cfg.RateLimit > 0 {
		limiter := redisstore.NewRateLimiter(b.redisClient(cfg.RedisAddr), cfg.RateLimit, cfg.RateWindow)
		opts = append(opts, processor.WithLimiter(limiter))
	}
	proc := processor.NewProcessor(q, registry, opts...)
	defer proc.Close()

	var maint *processor.Maintenance
	if cfg.MaintenanceSchedule != "" {
		if maint, err = processor.NewMaintenance(q, cfg.MaintenanceSchedule, logger); err != nil {
			return err
		}
	}

	sinkCtx, sinkCancel := context.WithTimeout(context.Background(), 30*time.Second)
	sink, err := openSink(sinkCtx, cfg, logger)
	sinkCancel()
	if err != nil {
		return err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, b.Ready, logger)

	var bg sync.WaitGroup
	background := func(fn func(context.Context)) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn(runCtx)
		}()
	}

	if maint != nil {
		background(maint.Run)
	}
	// The forwarder outlives runCtx so events published by draining
	// handlers still reach the sink.
	fwdCtx, fwdCancel := context.WithCancel(context.Background())
	defer fwdCancel()
	var fwd *processor.EventForwarder
	if sink != nil {
		fwd = processor.NewEventForwarder(bus, sink, cfg.EventBuffer, logger)
		go fwd.Run(fwdCtx)
	}

	if cfg.KafkaIntakeTopic != "" {
		consumer := kafka.NewConsumer(cfg.Brokers(), cfg.KafkaIntakeTopic, cfg.KafkaGroupID, logger)
		defer func() { _ = consumer.Close() }()
		intake := processor.NewIntake(consumer, q, logger)
		background(func(ctx context.Context) {
			if err := intake.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("intake stopped", slog.String("error", err.Error()))
			}
		})
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.NewRouter(handler.NewREST(q, b.Ready, logger), logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server starting", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			runCancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-quit:
			logger.Info("shutting down, draining in-flight jobs...")
			runCancel()
		case <-runCtx.Done():
		}
	}()

	if n := proc.Recover(runCtx); n > 0 {
		logger.Info("recovered interrupted jobs", slog.Int("count", n))
	}

	logger.Info("processor starting",
		slog.String("version", version.Version),
		slog.String("store_driver", cfg.StoreDriver),
		slog.Int("max_concurrent", cfg.MaxConcurrent),
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Duration("job_timeout", cfg.JobTimeout),
		slog.Any("handlers", registry.Types()),
	)

	runErr := proc.Run(runCtx)
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("http server shutdown", slog.String("error", err.Error()))
	}

	proc.Wait()
	bg.Wait()
	fwdCancel()
	if fwd != nil {
		if err := fwd.Close(); err != nil {
			logger.Warn("close event sink", slog.String("error", err.Error()))
		}
	}
	if runErr != nil {
		return fmt.Errorf("processor: %w", runErr)
	}
	logger.Info("stopped cleanly")
	return nil
}

// openSink returns the configured event sink, or nil when forwarding is off.
func openSink(ctx context.Context, cfg config.Config, logger *slog.Logger) (processor.Sink, error) {
	switch {
	case cfg.KafkaEventsTopic != "":
		return kafka.NewEventSink(cfg.Brokers(), cfg.KafkaEventsTopic), nil
	case cfg.AMQPURL != "":
		pub, err := rabbitmq.Dial(ctx, cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		return pub, nil
	}
	return nil, nil
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}
