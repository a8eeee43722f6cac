package dapr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/taskloop/taskloop/internal/errors"
)

// stateItem is the sidecar state API save shape.
type stateItem struct {
	Key      string            `json:"key"`
	Value    json.RawMessage   `json:"value"`
	ETag     *string           `json:"etag,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Options  *stateOptions     `json:"options,omitempty"`
}

type stateOptions struct {
	Concurrency string `json:"concurrency,omitempty"`
}

// GetState reads a key. A missing key returns (nil, "", nil); the second
// return value is the ETag for optimistic concurrency on the next save.
func (c *Client) GetState(ctx context.Context, store, key string) ([]byte, string, error) {
	getURL := fmt.Sprintf("%s/v1.0/state/%s/%s", c.baseURL, store, url.PathEscape(key))
	operation := "state get " + key
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, getURL, nil)
		if err != nil {
			return nil, "", errors.NewInternalError(operation, err)
		}

		status, body, header, err := c.do(req)
		switch {
		case err != nil:
			lastErr = err
		case status == http.StatusNoContent || status == http.StatusNotFound:
			return nil, "", nil
		case status == http.StatusOK:
			if len(body) == 0 {
				return nil, "", nil
			}
			return body, header.Get("ETag"), nil
		case retryableStatus(status):
			lastErr = fmt.Errorf("sidecar returned %d: %s", status, body)
		default:
			return nil, "", errors.NewStateStoreError(operation,
				fmt.Errorf("sidecar returned %d: %s", status, body))
		}

		if attempt < c.maxAttempts {
			if err := c.sleepRetry(ctx, operation, attempt, lastErr); err != nil {
				return nil, "", errors.NewStateStoreError(operation, err)
			}
		}
	}

	return nil, "", errors.NewStateStoreError(operation, lastErr)
}

// SaveState writes a key. ttlSeconds <= 0 means no expiry. A non-empty etag
// requests first-write concurrency; a stale etag fails with a conflict.
func (c *Client) SaveState(ctx context.Context, store, key string, value []byte, ttlSeconds int, etag string) error {
	item := stateItem{
		Key:   key,
		Value: value,
	}
	if ttlSeconds > 0 {
		item.Metadata = map[string]string{"ttlInSeconds": strconv.Itoa(ttlSeconds)}
	}
	if etag != "" {
		item.ETag = &etag
		item.Options = &stateOptions{Concurrency: "first-write"}
	}

	body, err := json.Marshal([]stateItem{item})
	if err != nil {
		return errors.NewInternalError("encode state item", err)
	}

	saveURL := fmt.Sprintf("%s/v1.0/state/%s", c.baseURL, store)
	operation := "state set " + key
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, saveURL, bytes.NewReader(body))
		if err != nil {
			return errors.NewInternalError(operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		status, respBody, _, err := c.do(req)
		switch {
		case err != nil:
			lastErr = err
		case status < 300:
			return nil
		case status == http.StatusConflict:
			return errors.NewConflictError("state key changed concurrently: " + key)
		case retryableStatus(status):
			lastErr = fmt.Errorf("sidecar returned %d: %s", status, respBody)
		default:
			return errors.NewStateStoreError(operation,
				fmt.Errorf("sidecar returned %d: %s", status, respBody))
		}

		if attempt < c.maxAttempts {
			if err := c.sleepRetry(ctx, operation, attempt, lastErr); err != nil {
				return errors.NewStateStoreError(operation, err)
			}
		}
	}

	return errors.NewStateStoreError(operation, lastErr)
}

// DeleteState removes a key. Deleting a missing key is a no-op. A non-empty
// etag turns the delete conditional.
func (c *Client) DeleteState(ctx context.Context, store, key, etag string) error {
	deleteURL := fmt.Sprintf("%s/v1.0/state/%s/%s", c.baseURL, store, url.PathEscape(key))
	operation := "state delete " + key
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, deleteURL, nil)
		if err != nil {
			return errors.NewInternalError(operation, err)
		}
		if etag != "" {
			req.Header.Set("If-Match", etag)
		}

		status, respBody, _, err := c.do(req)
		switch {
		case err != nil:
			lastErr = err
		case status < 300 || status == http.StatusNotFound:
			return nil
		case status == http.StatusConflict:
			return errors.NewConflictError("state key changed concurrently: " + key)
		case retryableStatus(status):
			lastErr = fmt.Errorf("sidecar returned %d: %s", status, respBody)
		default:
			return errors.NewStateStoreError(operation,
				fmt.Errorf("sidecar returned %d: %s", status, respBody))
		}

		if attempt < c.maxAttempts {
			if err := c.sleepRetry(ctx, operation, attempt, lastErr); err != nil {
				return errors.NewStateStoreError(operation, err)
			}
		}
	}

	return errors.NewStateStoreError(operation, lastErr)
}
