package state

import (
	"context"
	"strconv"
	"time"

	"github.com/taskloop/taskloop/internal/dapr"
	"github.com/taskloop/taskloop/internal/errors"
)

// incrementAttempts bounds the read-modify-write loop used to emulate
// counters on top of the sidecar state API.
const incrementAttempts = 5

// DaprStore implements Store on top of the sidecar state API. The component
// named by storeName decides the actual backing engine.
type DaprStore struct {
	client    *dapr.Client
	storeName string
}

// NewDaprStore wraps a sidecar client for the given state component.
func NewDaprStore(client *dapr.Client, storeName string) *DaprStore {
	return &DaprStore{
		client:    client,
		storeName: storeName,
	}
}

// Get returns the stored value and etag, or (nil, "", nil) on a miss.
func (s *DaprStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	return s.client.GetState(ctx, s.storeName, key)
}

// Set writes value under key, conditionally when etag is non-empty.
func (s *DaprStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration, etag string) error {
	return s.client.SaveState(ctx, s.storeName, key, value, int(ttl/time.Second), etag)
}

// Delete removes key. Missing keys are not an error.
func (s *DaprStore) Delete(ctx context.Context, key string, etag string) error {
	return s.client.DeleteState(ctx, s.storeName, key, etag)
}

// Increment emulates an atomic counter with a conditional read-modify-write
// loop. Contention past incrementAttempts gives up with a conflict, which is
// acceptable for the approximate counting this supports.
func (s *DaprStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < incrementAttempts; attempt++ {
		value, etag, err := s.client.GetState(ctx, s.storeName, key)
		if err != nil {
			return 0, err
		}

		var count int64
		if value != nil {
			count, err = strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return 0, errors.NewStateStoreError("increment", err)
			}
		}
		count++

		next := []byte(strconv.FormatInt(count, 10))
		err = s.client.SaveState(ctx, s.storeName, key, next, int(window/time.Second), etag)
		if err == nil {
			return count, nil
		}
		if !errors.IsErrorType(err, errors.ErrorTypeConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

// Ping checks sidecar health.
func (s *DaprStore) Ping(ctx context.Context) error {
	return s.client.Healthz(ctx)
}

// Close is a no-op; the sidecar owns the underlying connections.
func (s *DaprStore) Close() error {
	return nil
}
