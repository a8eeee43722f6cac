package state

import (
	"context"
	"time"
)

// Store is the backend-agnostic contract for keyed application state.
//
// Values are opaque byte slices; callers that need structure marshal JSON
// before writing. Every read returns the version tag (etag) current at read
// time. Writes and deletes optionally pass that tag back: an empty tag means
// unconditional last-write-wins, a non-empty tag means the operation only
// succeeds when the stored version still matches (first-write-wins). A
// mismatch surfaces as a conflict error so callers can re-read and decide.
type Store interface {
	// Get returns the stored value and its etag. A missing key is not an
	// error: it returns (nil, "", nil).
	Get(ctx context.Context, key string) ([]byte, string, error)

	// Set writes value under key. A ttl of zero means no expiry. A non-empty
	// etag makes the write conditional on the stored version.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, etag string) error

	// Delete removes key. Deleting a missing key succeeds. A non-empty etag
	// makes the delete conditional on the stored version.
	Delete(ctx context.Context, key string, etag string) error

	// Increment atomically bumps a numeric counter and returns the new
	// value. The window TTL is applied when the counter is created, so the
	// count resets once the window elapses. Counting is approximate across
	// window boundaries.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
