// Package notifications fans reminder.due events out to their delivery
// channel and tracks per-reminder delivery state so redeliveries never send
// twice. Email and push ride external HTTP providers; in_app lands directly
// in the state store.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Channel is the transport a reminder notification goes out on.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// Delivery is one reminder to put in front of a user.
type Delivery struct {
	ReminderID string
	TaskID     string
	UserID     string
	TaskTitle  string
	Message    string
	RemindAt   time.Time
}

// SendResult reports one delivery attempt. Permanent failures must not be
// retried: the credential is bad or the provider rejected the payload.
type SendResult struct {
	Success   bool
	Permanent bool
	Err       error
}

// Sender delivers on one channel.
type Sender interface {
	Send(ctx context.Context, delivery Delivery) SendResult
	Channel() Channel
}

const defaultSendTimeout = 10 * time.Second

// permanentStatus classifies a provider response code. 401/403 mean the
// credential is wrong; 408/429/5xx are worth another delivery; every other
// 4xx is a payload the provider will keep rejecting.
func permanentStatus(code int) bool {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return true
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return false
	case code >= 500:
		return false
	default:
		return true
	}
}

// maskKey keeps enough of a credential to correlate log lines without
// leaking it.
func maskKey(key string) string {
	if len(key) > 5 {
		return key[:5] + "***"
	}
	return "***"
}

// postJSON runs one provider call and classifies the outcome.
func postJSON(ctx context.Context, client *http.Client, url, apiKey, maskedKey, provider string, payload interface{}) SendResult {
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{Permanent: true, Err: fmt.Errorf("failed to marshal %s payload: %w", provider, err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{Permanent: true, Err: fmt.Errorf("failed to build %s request: %w", provider, err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return SendResult{Err: fmt.Errorf("%s request failed (key %s): %w", provider, maskedKey, err)}
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return SendResult{Success: true}
	}
	return SendResult{
		Permanent: permanentStatus(resp.StatusCode),
		Err:       fmt.Errorf("%s provider returned %d: %s", provider, resp.StatusCode, string(respBody)),
	}
}
