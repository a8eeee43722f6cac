// Package consumer is the HTTP runtime the pubsub sidecar drives. It serves
// the subscription list, decodes incoming CloudEvents, runs each topic's
// handler chain, and maps the outcome onto the ack protocol: 200 acks the
// message, 500 asks the broker to redeliver it.
package consumer

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskloop/taskloop/internal/dapr"
	apperrors "github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/telemetry"
)

const (
	DefaultMaxConcurrency = 8
	DefaultHandlerTimeout = 30 * time.Second
)

// Handler processes one decoded message.
type Handler func(ctx context.Context, env *events.Envelope) error

// Job is a callback the sidecar's cron binding (or an operator) invokes by
// name through POST /api/jobs/<name>.
type Job func(ctx context.Context) error

// Audit receives rejection entries for undeliverable messages. Satisfied by
// publisher.Publisher.
type Audit interface {
	EnqueueAudit(entry *events.AuditEntry)
}

// Route binds one topic to its handler chain. Handlers run in order; the
// first error stops the chain. Path defaults to "/events/<topic>".
type Route struct {
	PubsubName string
	Topic      string
	Path       string
	Handlers   []Handler
}

// Options tune the runtime. Zero values fall back to the defaults.
type Options struct {
	MaxConcurrency int
	HandlerTimeout time.Duration
	Audit          Audit
}

// Runtime owns the subscribed routes and registered jobs. Configure it fully
// before calling Attach; it is not safe to add routes while serving.
type Runtime struct {
	routes  []Route
	jobs    map[string]Job
	options Options

	acked    atomic.Int64
	nacked   atomic.Int64
	rejected atomic.Int64
}

func NewRuntime(options Options) *Runtime {
	if options.MaxConcurrency <= 0 {
		options.MaxConcurrency = DefaultMaxConcurrency
	}
	if options.HandlerTimeout <= 0 {
		options.HandlerTimeout = DefaultHandlerTimeout
	}
	return &Runtime{
		jobs:    make(map[string]Job),
		options: options,
	}
}

// Subscribe adds a topic route.
func (rt *Runtime) Subscribe(route Route) {
	if route.Path == "" {
		route.Path = "/events/" + route.Topic
	}
	rt.routes = append(rt.routes, route)
}

// RegisterJob exposes a named job through POST /api/jobs/<name>.
func (rt *Runtime) RegisterJob(name string, job Job) {
	rt.jobs[name] = job
}

// Subscriptions returns the list served at GET /dapr/subscribe.
func (rt *Runtime) Subscriptions() []dapr.Subscription {
	subs := make([]dapr.Subscription, 0, len(rt.routes))
	for _, route := range rt.routes {
		subs = append(subs, dapr.Subscription{
			PubsubName: route.PubsubName,
			Topic:      route.Topic,
			Route:      route.Path,
		})
	}
	return subs
}

// Attach registers the subscribe, message, and job endpoints on a router.
func (rt *Runtime) Attach(router gin.IRouter) {
	router.GET("/dapr/subscribe", func(c *gin.Context) {
		c.JSON(http.StatusOK, rt.Subscriptions())
	})
	for _, route := range rt.routes {
		router.POST(route.Path, rt.messageHandler(route))
	}
	router.POST("/api/jobs/:name", rt.jobHandler)
}

// messageHandler builds the gin handler for one route. Each route gets its
// own slot pool, so a slow topic cannot starve the others.
func (rt *Runtime) messageHandler(route Route) gin.HandlerFunc {
	slots := make(chan struct{}, rt.options.MaxConcurrency)
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false})
			return
		}

		select {
		case slots <- struct{}{}:
		case <-c.Request.Context().Done():
			c.JSON(http.StatusInternalServerError, gin.H{"success": false})
			return
		}
		defer func() { <-slots }()

		env, wrapped, err := events.Decode(body)
		if err != nil {
			rt.finish(c, route, nil, err)
			return
		}
		if !wrapped {
			telemetry.GetContextualLogger(c.Request.Context()).WithField("topic", route.Topic).
				Warn("Message arrived without a CloudEvents envelope")
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), rt.options.HandlerTimeout)
		defer cancel()

		var handlerErr error
		for _, handle := range route.Handlers {
			if handlerErr = handle(ctx, env); handlerErr != nil {
				break
			}
		}
		rt.finish(c, route, env, handlerErr)
	}
}

// finish maps a handler outcome onto the ack protocol. Undeliverable
// messages are acked with an audit trail; every other non-retryable error is
// acked with a log line; anything retryable asks for redelivery.
func (rt *Runtime) finish(c *gin.Context, route Route, env *events.Envelope, err error) {
	fields := map[string]interface{}{
		"topic":     route.Topic,
		"operation": "consume " + route.Topic,
	}
	if env != nil {
		fields["event_id"] = env.ID
		fields["event_type"] = env.Type
	}
	logger := telemetry.GetContextualLogger(c.Request.Context()).WithFields(fields)

	switch {
	case err == nil:
		rt.acked.Add(1)
		c.JSON(http.StatusOK, gin.H{"success": true})
	case apperrors.IsErrorType(err, apperrors.ErrorTypeBadEvent):
		rt.rejected.Add(1)
		logger.WithError(err).Warn("Rejecting undeliverable message")
		rt.auditRejection(route, env, err)
		c.JSON(http.StatusOK, gin.H{"success": true})
	case !apperrors.IsRetryable(err):
		rt.acked.Add(1)
		logger.WithError(err).Warn("Acking message after non-retryable failure")
		c.JSON(http.StatusOK, gin.H{"success": true})
	default:
		rt.nacked.Add(1)
		logger.WithError(err).Error("Handler failed, requesting redelivery")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false})
	}
}

func (rt *Runtime) auditRejection(route Route, env *events.Envelope, cause error) {
	if rt.options.Audit == nil {
		return
	}
	resourceID := route.Topic
	changes := map[string]interface{}{
		"topic":  route.Topic,
		"reason": cause.Error(),
	}
	if env != nil {
		if env.ID != "" {
			resourceID = env.ID
		}
		changes["event_type"] = env.Type
	}
	rt.options.Audit.EnqueueAudit(events.NewAuditEntry("event", resourceID, "", "rejected", changes))
}

func (rt *Runtime) jobHandler(c *gin.Context) {
	name := c.Param("name")
	logger := telemetry.GetContextualLogger(c.Request.Context()).WithFields(map[string]interface{}{
		"job":       name,
		"operation": "run_job",
	})

	job, ok := rt.jobs[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job: " + name})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), rt.options.HandlerTimeout)
	defer cancel()

	if err := job(ctx); err != nil {
		logger.WithError(err).Error("Job failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false})
		return
	}
	logger.Info("Job completed")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Acked reports messages acknowledged since startup, including non-retryable
// failures that were acked to stop redelivery.
func (rt *Runtime) Acked() int64 { return rt.acked.Load() }

// Nacked reports messages returned to the broker for redelivery.
func (rt *Runtime) Nacked() int64 { return rt.nacked.Load() }

// Rejected reports undeliverable messages acked with an audit entry.
func (rt *Runtime) Rejected() int64 { return rt.rejected.Load() }
