package telemetry

import (
	"fmt"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// InstrumentRedisClient hooks tracing and metrics into a Redis client so
// state store commands show up alongside the HTTP and SQL spans.
func InstrumentRedisClient(client *redis.Client) error {
	if err := redisotel.InstrumentTracing(client); err != nil {
		return fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := redisotel.InstrumentMetrics(client); err != nil {
		return fmt.Errorf("failed to instrument redis metrics: %w", err)
	}

	return nil
}
