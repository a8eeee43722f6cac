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
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/taskloop/taskloop/internal/config"
	"github.com/taskloop/taskloop/internal/consumer"
	"github.com/taskloop/taskloop/internal/dapr"
	"github.com/taskloop/taskloop/internal/database"
	"github.com/taskloop/taskloop/internal/middleware"
	"github.com/taskloop/taskloop/internal/monitoring"
	"github.com/taskloop/taskloop/internal/publisher"
	"github.com/taskloop/taskloop/internal/scheduler"
	sentrypkg "github.com/taskloop/taskloop/internal/sentry"
	"github.com/taskloop/taskloop/internal/taskapi"
	"github.com/taskloop/taskloop/internal/tasks"
	"github.com/taskloop/taskloop/internal/telemetry"
)

const serviceVersion = "1.0.0"

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	cfg := config.Load("task-service")
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
	if err := waitHealthy(ctx, health, logger); err != nil {
		logger.WithError(err).Error("Dependencies did not become healthy")
		os.Exit(2)
	}

	// Initialize services
	taskService := tasks.NewService(db)
	schedulerService := scheduler.NewService(db)

	pub := publisher.New(daprClient, publisher.Config{
		Enabled:    cfg.EventPublishingEnabled,
		PubsubName: cfg.PubsubName,
		Workers:    cfg.PublishWorkers,
		QueueSize:  cfg.PublishQueueSize,
	})
	defer pub.Close()

	sweeper := scheduler.NewSweeper(db, daprClient, scheduler.SweeperConfig{
		PubsubName: cfg.PubsubName,
		Interval:   cfg.ReminderSweepInterval,
		BatchLimit: cfg.SweepBatchLimit,
	})

	// The runtime serves the subscribe manifest (empty here) and the job
	// endpoint the cron binding calls.
	runtime := consumer.NewRuntime(consumer.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		HandlerTimeout: cfg.HandlerTimeout,
		Audit:          pub,
	})
	runtime.RegisterJob("reminder-sweep", func(ctx context.Context) error {
		_, err := sweeper.SweepOnce(ctx)
		return err
	})

	metrics := mon.GetMetrics()
	metrics.RegisterGaugeFunc("lifecycle_events_dropped_total",
		"Lifecycle events dropped because the publish queue was full",
		func() float64 { return float64(pub.Dropped()) })
	metrics.RegisterGaugeFunc("lifecycle_publish_failures_total",
		"Lifecycle publishes that failed after retries",
		func() float64 { return float64(pub.Failures()) })
	metrics.RegisterGaugeFunc("reminder_sweeps_total",
		"Sweep passes over due reminders",
		func() float64 { return float64(sweeper.Sweeps()) })
	metrics.RegisterGaugeFunc("reminders_published_total",
		"Due reminders claimed and published",
		func() float64 { return float64(sweeper.Published()) })
	metrics.RegisterGaugeFunc("reminder_sweep_failures_total",
		"Due reminders that failed to process and stayed pending",
		func() float64 { return float64(sweeper.Failures()) })

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
	taskapi.NewHandler(taskService, schedulerService, pub).RegisterRoutes(router)
	runtime.Attach(router)

	logger.WithFields(map[string]interface{}{
		"port":        cfg.Port,
		"environment": cfg.Environment,
	}).Info("Task service starting")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})
	group.Go(func() error {
		return consumer.Serve(groupCtx, ":"+cfg.Port, router, cfg.ShutdownGrace)
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("Task service exited with error")
		sentrypkg.Flush(2 * time.Second)
		os.Exit(1)
	}
	logger.Info("Task service stopped")
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
