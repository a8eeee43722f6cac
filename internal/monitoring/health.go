// Package monitoring carries the process-local observability surface the
// services expose over HTTP: a metrics registry with Prometheus text and
// JSON endpoints, and a health checker that probes the database, the Redis
// state backend, and the pubsub sidecar.
package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// statusRank orders statuses from best to worst so aggregation can take the
// maximum.
func statusRank(s HealthStatus) int {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	default:
		return 2
	}
}

// ComponentHealth is the outcome of one dependency check.
type ComponentHealth struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	Latency     *int64       `json:"latency_ms,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
	Details     interface{}  `json:"details,omitempty"`
}

// HealthResponse is the body of the full health endpoint.
type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Service    string                     `json:"service"`
	Version    string                     `json:"version"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     time.Duration              `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
	System     SystemInfo                 `json:"system"`
}

type SystemInfo struct {
	MemoryUsage MemoryInfo `json:"memory"`
	Goroutines  int        `json:"goroutines"`
	CPUCount    int        `json:"cpu_count"`
	GoVersion   string     `json:"go_version"`
}

type MemoryInfo struct {
	Allocated     uint64  `json:"allocated_bytes"`
	TotalAlloc    uint64  `json:"total_alloc_bytes"`
	Sys           uint64  `json:"sys_bytes"`
	NumGC         uint32  `json:"num_gc"`
	GCCPUFraction float64 `json:"gc_cpu_fraction"`
}

func checkFailed(message string, latencyMS int64, details interface{}) ComponentHealth {
	return ComponentHealth{
		Status:      HealthStatusUnhealthy,
		Message:     message,
		Latency:     &latencyMS,
		LastChecked: time.Now(),
		Details:     details,
	}
}

func checkPassed(message string, latencyMS int64, degraded bool, details interface{}) ComponentHealth {
	status := HealthStatusHealthy
	if degraded {
		status = HealthStatusDegraded
	}
	return ComponentHealth{
		Status:      status,
		Message:     message,
		Latency:     &latencyMS,
		LastChecked: time.Now(),
		Details:     details,
	}
}

// HealthChecker runs registered dependency checks and caches the results for
// the health endpoints.
type HealthChecker struct {
	mu        sync.RWMutex
	startTime time.Time
	service   string
	version   string
	checks    map[string]func() ComponentHealth
	results   map[string]ComponentHealth
	checkedAt time.Time
	ttl       time.Duration
}

func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		service:   service,
		version:   version,
		checks:    make(map[string]func() ComponentHealth),
		results:   make(map[string]ComponentHealth),
		ttl:       30 * time.Second,
	}
}

func (hc *HealthChecker) registerCheck(name string, check func() ComponentHealth) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// RegisterDatabaseCheck pings the pool and reports connection statistics.
// A ping slower than a second degrades the component.
func (hc *HealthChecker) RegisterDatabaseCheck(name string, db *sql.DB) {
	hc.registerCheck(name, func() ComponentHealth {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		start := time.Now()
		err := db.PingContext(ctx)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return checkFailed(fmt.Sprintf("Database connection failed: %v", err), latency, nil)
		}

		stats := db.Stats()
		return checkPassed("Database connection successful", latency, latency > 1000, map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"wait_count":       stats.WaitCount,
			"wait_duration":    stats.WaitDuration.String(),
		})
	})
}

// RegisterRedisCheck pings the Redis state backend and reports pool
// statistics.
func (hc *HealthChecker) RegisterRedisCheck(name string, client *redis.Client) {
	hc.registerCheck(name, func() ComponentHealth {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		start := time.Now()
		err := client.Ping(ctx).Err()
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return checkFailed(fmt.Sprintf("Redis connection failed: %v", err), latency, nil)
		}

		pool := client.PoolStats()
		return checkPassed("Redis connection successful", latency, latency > 500, map[string]interface{}{
			"hits":        pool.Hits,
			"misses":      pool.Misses,
			"timeouts":    pool.Timeouts,
			"total_conns": pool.TotalConns,
			"idle_conns":  pool.IdleConns,
		})
	})
}

// RegisterHTTPServiceCheck probes an HTTP endpoint and compares the status
// code. The pubsub sidecar's healthz endpoint answers 204, so the expected
// status is configurable.
func (hc *HealthChecker) RegisterHTTPServiceCheck(name, url string, timeout time.Duration, expectedStatus int) {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if expectedStatus == 0 {
		expectedStatus = http.StatusOK
	}
	client := &http.Client{Timeout: timeout}

	hc.registerCheck(name, func() ComponentHealth {
		start := time.Now()
		resp, err := client.Get(url)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return checkFailed(fmt.Sprintf("HTTP service check failed: %v", err), latency,
				map[string]interface{}{"url": url})
		}
		defer resp.Body.Close()

		details := map[string]interface{}{
			"url":             url,
			"status_code":     resp.StatusCode,
			"expected_status": expectedStatus,
		}
		if resp.StatusCode != expectedStatus {
			return checkFailed(fmt.Sprintf("Unexpected status code: %d (expected %d)", resp.StatusCode, expectedStatus), latency, details)
		}
		if latency > 5000 {
			return checkPassed("HTTP service is slow", latency, true, details)
		}
		return checkPassed("HTTP service is healthy", latency, false, details)
	})
}

// RegisterCustomCheck registers a caller-supplied health check function.
func (hc *HealthChecker) RegisterCustomCheck(name string, check func() ComponentHealth) {
	hc.registerCheck(name, check)
}

// RunChecks executes all registered health checks. Checks run outside the
// lock so a slow dependency does not block the health endpoints.
func (hc *HealthChecker) RunChecks() {
	hc.mu.RLock()
	checks := make(map[string]func() ComponentHealth, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(checks))
	for name, check := range checks {
		results[name] = check()
	}

	hc.mu.Lock()
	for name, result := range results {
		hc.results[name] = result
	}
	hc.checkedAt = time.Now()
	hc.mu.Unlock()
}

// Probe runs every check once and reports the components that are unhealthy.
// Meant for startup, where a dead dependency should fail fast.
func (hc *HealthChecker) Probe() error {
	hc.RunChecks()

	hc.mu.RLock()
	defer hc.mu.RUnlock()

	var failed []string
	for name, component := range hc.results {
		if component.Status == HealthStatusUnhealthy {
			failed = append(failed, fmt.Sprintf("%s (%s)", name, component.Message))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.Strings(failed)
	return fmt.Errorf("unhealthy components: %s", strings.Join(failed, "; "))
}

func systemInfo() SystemInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return SystemInfo{
		MemoryUsage: MemoryInfo{
			Allocated:     memStats.Alloc,
			TotalAlloc:    memStats.TotalAlloc,
			Sys:           memStats.Sys,
			NumGC:         memStats.NumGC,
			GCCPUFraction: memStats.GCCPUFraction,
		},
		Goroutines: runtime.NumGoroutine(),
		CPUCount:   runtime.NumCPU(),
		GoVersion:  runtime.Version(),
	}
}

// GetHealth returns the current health status, re-running checks when the
// cached results are older than their ttl.
func (hc *HealthChecker) GetHealth() HealthResponse {
	hc.mu.RLock()
	stale := time.Since(hc.checkedAt) > hc.ttl
	hc.mu.RUnlock()

	if stale {
		hc.RunChecks()
	}

	hc.mu.RLock()
	defer hc.mu.RUnlock()

	overall := HealthStatusHealthy
	components := make(map[string]ComponentHealth, len(hc.results))
	for name, component := range hc.results {
		components[name] = component
		if statusRank(component.Status) > statusRank(overall) {
			overall = component.Status
		}
	}

	return HealthResponse{
		Status:     overall,
		Service:    hc.service,
		Version:    hc.version,
		Timestamp:  time.Now(),
		Uptime:     time.Since(hc.startTime),
		Components: components,
		System:     systemInfo(),
	}
}

// HealthHandler serves the full health report. Degraded still answers 200;
// only unhealthy turns into a 503.
func (hc *HealthChecker) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.GetHealth()

		code := http.StatusOK
		if health.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, health)
	}
}

// ReadinessHandler reports whether the service should receive traffic.
func (hc *HealthChecker) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if hc.GetHealth().Status == HealthStatusUnhealthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not ready",
				"message": "Service is unhealthy",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ready",
			"message": "Service is ready to accept traffic",
		})
	}
}

// LivenessHandler answers 200 as long as the process serves requests.
func (hc *HealthChecker) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"uptime":    time.Since(hc.startTime).String(),
			"timestamp": time.Now(),
		})
	}
}
