package dapr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/telemetry"
)

// Subscription declares one topic route; the broker fetches the full list
// from GET /dapr/subscribe at startup.
type Subscription struct {
	PubsubName string `json:"pubsubname"`
	Topic      string `json:"topic"`
	Route      string `json:"route"`
}

// Publish wraps payload in a CloudEvents envelope and hands it to the broker
// through the sidecar. It returns nil only once the broker has accepted the
// message. Transient failures are retried with exponential backoff; after the
// final attempt the error is logged and returned. The partition key, when
// non-empty, gives per-entity FIFO ordering within the topic.
func (c *Client) Publish(ctx context.Context, pubsub, topic string, payload events.Payload, partitionKey string) error {
	env, err := events.NewEnvelope(c.appID, payload)
	if err != nil {
		return errors.NewInternalError("encode event envelope", err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return errors.NewInternalError("encode event envelope", err)
	}

	publishURL := fmt.Sprintf("%s/v1.0/publish/%s/%s", c.baseURL, pubsub, topic)
	if partitionKey != "" {
		publishURL += "?metadata.partitionKey=" + url.QueryEscape(partitionKey)
	}

	operation := "publish " + topic
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, publishURL, bytes.NewReader(body))
		if err != nil {
			return errors.NewInternalError("build publish request", err)
		}
		req.Header.Set("Content-Type", "application/cloudevents+json")

		status, respBody, _, err := c.do(req)
		switch {
		case err != nil:
			lastErr = err
		case status < 300:
			return nil
		case retryableStatus(status):
			lastErr = fmt.Errorf("sidecar returned %d: %s", status, respBody)
		default:
			// Component misconfiguration and similar; retrying cannot help.
			return errors.NewInternalError(operation,
				fmt.Errorf("sidecar returned %d: %s", status, respBody))
		}

		if attempt < c.maxAttempts {
			if err := c.sleepRetry(ctx, operation, attempt, lastErr); err != nil {
				return errors.NewTransientError(operation, err)
			}
		}
	}

	telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"operation": operation,
		"pubsub":    pubsub,
		"topic":     topic,
		"event_id":  env.ID,
		"attempts":  c.maxAttempts,
	}).Error("Publish failed after all attempts")

	return errors.NewTransientError(operation, lastErr)
}
