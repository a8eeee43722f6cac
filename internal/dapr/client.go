package dapr

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/telemetry"
)

// Config holds sidecar client configuration.
type Config struct {
	// BaseURL of the sidecar HTTP API, e.g. http://127.0.0.1:3500.
	BaseURL string

	// AppID identifies this service; published events carry source "/<AppID>".
	AppID string

	// Timeout for every sidecar call.
	Timeout time.Duration

	// Retry policy for publish and state operations.
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffFactor float64
}

// Client talks to the local Dapr-style sidecar over HTTP. All pub/sub, state
// store and secret traffic goes through it.
type Client struct {
	baseURL       string
	appID         string
	httpClient    *http.Client
	maxAttempts   int
	backoffBase   time.Duration
	backoffFactor float64
}

// NewClient creates a sidecar client.
func NewClient(config Config) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	backoffBase := config.BackoffBase
	if backoffBase == 0 {
		backoffBase = 100 * time.Millisecond
	}
	backoffFactor := config.BackoffFactor
	if backoffFactor == 0 {
		backoffFactor = 4.0
	}

	return &Client{
		baseURL:       config.BaseURL,
		appID:         config.AppID,
		httpClient:    &http.Client{Timeout: timeout},
		maxAttempts:   maxAttempts,
		backoffBase:   backoffBase,
		backoffFactor: backoffFactor,
	}
}

// AppID returns the service identity this client publishes as.
func (c *Client) AppID() string {
	return c.appID
}

// Healthz probes the sidecar. Used by the startup dependency probe and the
// readiness check.
func (c *Client) Healthz(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1.0/healthz", nil)
	if err != nil {
		return errors.NewTransientError("sidecar healthz", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NewTransientError("sidecar healthz", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return errors.NewTransientError("sidecar healthz",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

// backoff returns the delay before the given retry (1-based attempt that just
// failed): base, base*factor, base*factor^2, ...
func (c *Client) backoff(attempt int) time.Duration {
	return time.Duration(float64(c.backoffBase) * math.Pow(c.backoffFactor, float64(attempt-1)))
}

// retryableStatus reports whether a sidecar response status is worth retrying.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// do runs one sidecar request and returns the response body and status.
func (c *Client) do(req *http.Request) (int, []byte, http.Header, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, resp.Header, err
	}
	return resp.StatusCode, body, resp.Header, nil
}

// sleepRetry waits out the backoff for the failed attempt, honoring ctx.
func (c *Client) sleepRetry(ctx context.Context, operation string, attempt int, cause error) error {
	delay := c.backoff(attempt)
	fields := map[string]interface{}{
		"operation": operation,
		"attempt":   attempt,
		"backoff":   delay.String(),
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	telemetry.GetContextualLogger(ctx).WithFields(fields).Warn("Sidecar call failed, retrying")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
