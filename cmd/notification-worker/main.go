package main

import (
	"context"
	"fmt"
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
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/middleware"
	"github.com/taskloop/taskloop/internal/monitoring"
	"github.com/taskloop/taskloop/internal/notifications"
	sentrypkg "github.com/taskloop/taskloop/internal/sentry"
	"github.com/taskloop/taskloop/internal/state"
	"github.com/taskloop/taskloop/internal/telemetry"
)

const serviceVersion = "1.0.0"

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	cfg := config.Load("notification-service")
	if err := cfg.Validate(false); err != nil {
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

	daprClient := dapr.NewClient(dapr.Config{
		BaseURL: cfg.DaprBaseURL(),
		AppID:   cfg.AppID,
	})

	mon := monitoring.NewMonitoringMiddleware(cfg.AppID, serviceVersion, nil)
	health := mon.GetHealth()
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

	// Provider credentials come from the secret store. A channel whose URL
	// or credential is missing stays unregistered; deliveries for it are
	// recorded as failed rather than retried forever.
	var senders []notifications.Sender
	if cfg.EmailAPIURL != "" {
		if key, err := secretValue(ctx, daprClient, cfg.SecretStoreName, cfg.EmailKeySecret); err != nil {
			logger.WithError(err).Warn("Email credential unavailable, email channel disabled")
		} else {
			senders = append(senders, notifications.NewEmailSender(notifications.EmailSenderConfig{
				APIURL: cfg.EmailAPIURL,
				APIKey: key,
			}))
			logger.Info("Email sender registered")
		}
	} else {
		logger.Warn("EMAIL_API_URL not set, email channel disabled")
	}
	if cfg.PushAPIURL != "" {
		if key, err := secretValue(ctx, daprClient, cfg.SecretStoreName, cfg.PushKeySecret); err != nil {
			logger.WithError(err).Warn("Push credential unavailable, push channel disabled")
		} else {
			senders = append(senders, notifications.NewPushSender(notifications.PushSenderConfig{
				APIURL: cfg.PushAPIURL,
				APIKey: key,
			}))
			logger.Info("Push sender registered")
		}
	} else {
		logger.Warn("PUSH_API_URL not set, push channel disabled")
	}

	notificationHandler := notifications.NewHandler(st, senders...)

	runtime := consumer.NewRuntime(consumer.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		HandlerTimeout: cfg.HandlerTimeout,
	})
	runtime.Subscribe(consumer.Route{
		PubsubName: cfg.PubsubName,
		Topic:      events.TopicReminders,
		Handlers: []consumer.Handler{
			consumer.ReminderEventHandler(notificationHandler.HandleReminderEvent),
		},
	})
	runtime.Subscribe(consumer.Route{
		PubsubName: cfg.PubsubName,
		Topic:      events.TopicAuditLogs,
		Handlers: []consumer.Handler{
			consumer.AuditEntryHandler(logAuditEntry),
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
	metrics.RegisterGaugeFunc("reminders_delivered_total",
		"Reminders delivered across all channels",
		func() float64 { return float64(notificationHandler.Delivered()) })
	metrics.RegisterGaugeFunc("reminder_deliveries_failed_total",
		"Reminder deliveries recorded as failed",
		func() float64 { return float64(notificationHandler.Failed()) })

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
		"senders":     len(senders),
	}).Info("Notification service starting")

	if err := consumer.Serve(ctx, ":"+cfg.Port, router, cfg.ShutdownGrace); err != nil {
		logger.WithError(err).Error("Notification service exited with error")
		sentrypkg.Flush(2 * time.Second)
		os.Exit(1)
	}
	logger.Info("Notification service stopped")
}

// secretValue resolves one credential from the secret store. Stores return a
// map; the value under the secret's own name wins, a single-entry map is
// accepted as-is.
func secretValue(ctx context.Context, client *dapr.Client, store, name string) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secret, err := client.GetSecret(fetchCtx, store, name)
	if err != nil {
		return "", err
	}
	if value, ok := secret[name]; ok && value != "" {
		return value, nil
	}
	if len(secret) == 1 {
		for _, value := range secret {
			if value != "" {
				return value, nil
			}
		}
	}
	return "", fmt.Errorf("secret %s has no usable value", name)
}

// logAuditEntry is the audit-logs consumer: entries are logged, not
// persisted.
func logAuditEntry(ctx context.Context, entry *events.AuditEntry) error {
	telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"event_type":    entry.EventType,
		"resource_type": entry.ResourceType,
		"resource_id":   entry.ResourceID,
		"user_id":       entry.UserID,
		"action":        entry.Action,
		"operation":     "audit_log",
	}).Info("Audit entry recorded")
	return nil
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
