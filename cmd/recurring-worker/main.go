package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/taskloop/taskloop/internal/config"
	"github.com/taskloop/taskloop/internal/consumer"
	"github.com/taskloop/taskloop/internal/dapr"
	"github.com/taskloop/taskloop/internal/database"
	"github.com/taskloop/taskloop/internal/derived"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/middleware"
	"github.com/taskloop/taskloop/internal/monitoring"
	"github.com/taskloop/taskloop/internal/publisher"
	"github.com/taskloop/taskloop/internal/recurring"
	sentrypkg "github.com/taskloop/taskloop/internal/sentry"
	"github.com/taskloop/taskloop/internal/state"
	"github.com/taskloop/taskloop/internal/tasks"
	"github.com/taskloop/taskloop/internal/telemetry"
)

const serviceVersion = "1.0.0"

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	cfg := config.Load("recurring-task-worker")
	if err := cfg.Validate(true); err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	if err := telemetry.InitGlobalLogger(logConfig(cfg)); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	logger := telemetry.GetGlobalLogger()

	// Initialize Sentry (graceful degradation if disabled or DSN not set)
	if err := sentrypkg.Init(&cfg); err != nil {
		logger.WithError(err).Warn("Sentry initialization failed")
	}
	defer sentrypkg.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := telemetry.InitializeOpenTelemetry(ctx, telemetry.LoadConfigFromEnv())
	if err != nil {
		logger.WithError(err).Warn("OpenTelemetry initialization failed, continuing without export")
	} else {
		defer shutdownOtel()
	}

	db, err := database.NewInstrumentedConnection(cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(2)
	}
	defer db.Close()

	daprClient := dapr.NewClient(dapr.Config{
		BaseURL: cfg.DaprBaseURL(),
		AppID:   cfg.AppID,
	})

	mon := monitoring.NewMonitoringMiddleware(cfg.AppID, serviceVersion, nil)
	health := mon.GetHealth()
	health.RegisterDatabaseCheck("postgres", db.DB)
	health.RegisterHTTPServiceCheck("dapr-sidecar", cfg.DaprBaseURL()+"/v1.0/healthz", 5*time.Second, http.StatusNoContent)

	// State backend: the sidecar store by default, Redis directly when
	// STATE_STORE_BACKEND=redis.
	var st *state.Service
	if cfg.StateStoreBackend == config.StateBackendRedis {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("Invalid REDIS_URL")
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		if err := telemetry.InstrumentRedisClient(redisClient); err != nil {
			logger.WithError(err).Warn("Redis instrumentation failed")
		}
		health.RegisterRedisCheck("redis", redisClient)
		st = state.NewService(state.NewRedisStoreFromClient(redisClient))
	} else {
		st = state.NewService(state.NewDaprStore(daprClient, cfg.StateStoreName))
	}

	if err := waitHealthy(ctx, health, logger); err != nil {
		logger.WithError(err).Error("Dependencies did not become healthy")
		os.Exit(2)
	}

	taskService := tasks.NewService(db)

	pub := publisher.New(daprClient, publisher.Config{
		Enabled:    cfg.EventPublishingEnabled,
		PubsubName: cfg.PubsubName,
		Workers:    cfg.PublishWorkers,
		QueueSize:  cfg.PublishQueueSize,
	})
	defer pub.Close()

	derivedHandler := derived.NewHandler(st, pub)
	recurringHandler := recurring.NewHandler(st, taskService, pub)

	runtime := consumer.NewRuntime(consumer.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		HandlerTimeout: cfg.HandlerTimeout,
		Audit:          pub,
	})
	// Cache maintenance runs before the spawner so a spawn failure
	// redelivers into an already-consistent cache.
	runtime.Subscribe(consumer.Route{
		PubsubName: cfg.PubsubName,
		Topic:      events.TopicTaskEvents,
		Handlers: []consumer.Handler{
			consumer.TaskEventHandler(derivedHandler.HandleTaskEvent, recurringHandler.HandleTaskEvent),
		},
	})

	metrics := mon.GetMetrics()
	metrics.RegisterGaugeFunc("consumer_acked_total",
		"Deliveries acknowledged",
		func() float64 { return float64(runtime.Acked()) })
	metrics.RegisterGaugeFunc("consumer_nacked_total",
		"Deliveries returned for redelivery",
		func() float64 { return float64(runtime.Nacked()) })
	metrics.RegisterGaugeFunc("consumer_rejected_total",
		"Undeliverable messages dropped",
		func() float64 { return float64(runtime.Rejected()) })
	metrics.RegisterGaugeFunc("recurring_tasks_spawned_total",
		"Next occurrences created from completed recurring tasks",
		func() float64 { return float64(recurringHandler.Spawned()) })
	metrics.RegisterGaugeFunc("lifecycle_events_dropped_total",
		"Lifecycle events dropped because the publish queue was full",
		func() float64 { return float64(pub.Dropped()) })
	metrics.RegisterGaugeFunc("lifecycle_publish_failures_total",
		"Lifecycle publishes that failed after retries",
		func() float64 { return float64(pub.Failures()) })

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(sentrypkg.GinMiddleware())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(cfg.AppID))
	router.Use(mon.GinMiddleware())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.ErrorHandler())

	mon.RegisterRoutes(router)
	runtime.Attach(router)

	logger.WithFields(map[string]interface{}{
		"port":        cfg.Port,
		"environment": cfg.Environment,
	}).Info("Recurring task worker starting")

	if err := consumer.Serve(ctx, ":"+cfg.Port, router, cfg.ShutdownGrace); err != nil {
		logger.WithError(err).Error("Recurring task worker exited with error")
		sentrypkg.Flush(2 * time.Second)
		os.Exit(1)
	}
	logger.Info("Recurring task worker stopped")
}

// logConfig maps the service configuration onto the telemetry logger. A
// LOG_FILE turns on rotation; everything else keeps the defaults.
func logConfig(cfg config.Config) *telemetry.LogConfig {
	lc := telemetry.DefaultLogConfig()
	lc.Level = telemetry.LogLevel(cfg.LogLevel)
	lc.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		lc.Output = cfg.LogFile
		lc.Rotation = true
	}
	return lc
}

// waitHealthy retries the startup probe until every registered dependency
// answers, the attempts run out, or the process is signalled.
func waitHealthy(ctx context.Context, health *monitoring.HealthChecker, logger *telemetry.Logger) error {
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		if err = health.Probe(); err == nil {
			return nil
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("Waiting for dependencies")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Second):
		}
	}
	return err
}
