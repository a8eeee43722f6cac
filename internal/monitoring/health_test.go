package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyCheck() ComponentHealth {
	return ComponentHealth{Status: HealthStatusHealthy, LastChecked: time.Now()}
}

func degradedCheck() ComponentHealth {
	return ComponentHealth{Status: HealthStatusDegraded, Message: "slow", LastChecked: time.Now()}
}

func unhealthyCheck() ComponentHealth {
	return ComponentHealth{Status: HealthStatusUnhealthy, Message: "down", LastChecked: time.Now()}
}

func TestHealthChecker_DatabaseCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	hc := NewHealthChecker("task-service", "1.0.0")
	hc.RegisterDatabaseCheck("database", db)
	hc.RunChecks()

	health := hc.GetHealth()
	require.Contains(t, health.Components, "database")
	component := health.Components["database"]
	assert.Equal(t, HealthStatusHealthy, component.Status)
	assert.NotNil(t, component.Latency)

	details, ok := component.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, details, "open_connections")
}

func TestHealthChecker_DatabaseDown(t *testing.T) {
	db, _, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	db.Close()

	hc := NewHealthChecker("task-service", "1.0.0")
	hc.RegisterDatabaseCheck("database", db)
	hc.RunChecks()

	health := hc.GetHealth()
	assert.Equal(t, HealthStatusUnhealthy, health.Status)
	assert.Contains(t, health.Components["database"].Message, "Database connection failed")
}

func TestHealthChecker_RedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hc := NewHealthChecker("notification-service", "1.0.0")
	hc.RegisterRedisCheck("state-store", client)
	hc.RunChecks()

	health := hc.GetHealth()
	assert.Equal(t, HealthStatusHealthy, health.Components["state-store"].Status)

	mr.Close()
	hc.RunChecks()

	health = hc.GetHealth()
	assert.Equal(t, HealthStatusUnhealthy, health.Components["state-store"].Status)
}

func TestHealthChecker_HTTPServiceCheck(t *testing.T) {
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sidecar.Close()

	hc := NewHealthChecker("recurring-task-worker", "1.0.0")
	hc.RegisterHTTPServiceCheck("dapr-sidecar", sidecar.URL+"/v1.0/healthz", time.Second, http.StatusNoContent)
	hc.RunChecks()

	health := hc.GetHealth()
	assert.Equal(t, HealthStatusHealthy, health.Components["dapr-sidecar"].Status)
}

func TestHealthChecker_HTTPServiceUnexpectedStatus(t *testing.T) {
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sidecar.Close()

	hc := NewHealthChecker("recurring-task-worker", "1.0.0")
	hc.RegisterHTTPServiceCheck("dapr-sidecar", sidecar.URL+"/v1.0/healthz", time.Second, http.StatusNoContent)
	hc.RunChecks()

	component := hc.GetHealth().Components["dapr-sidecar"]
	assert.Equal(t, HealthStatusUnhealthy, component.Status)
	assert.Contains(t, component.Message, "Unexpected status code: 500")
}

func TestHealthChecker_OverallStatusAggregation(t *testing.T) {
	hc := NewHealthChecker("task-service", "1.0.0")
	hc.RegisterCustomCheck("database", healthyCheck)
	hc.RegisterCustomCheck("state-store", degradedCheck)
	hc.RunChecks()

	health := hc.GetHealth()
	assert.Equal(t, HealthStatusDegraded, health.Status, "one degraded component degrades the service")

	hc.RegisterCustomCheck("sidecar", unhealthyCheck)
	hc.RunChecks()

	health = hc.GetHealth()
	assert.Equal(t, HealthStatusUnhealthy, health.Status, "one dead component outweighs a degraded one")
	assert.Equal(t, "task-service", health.Service)
	assert.Greater(t, health.System.Goroutines, 0)
}

func TestHealthChecker_Probe(t *testing.T) {
	hc := NewHealthChecker("task-service", "1.0.0")
	hc.RegisterCustomCheck("database", healthyCheck)
	require.NoError(t, hc.Probe())

	hc.RegisterCustomCheck("sidecar", unhealthyCheck)
	err := hc.Probe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sidecar")
	assert.Contains(t, err.Error(), "down")
}

func TestHealthHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hc := NewHealthChecker("task-service", "1.0.0")
	hc.RegisterCustomCheck("database", healthyCheck)

	router := gin.New()
	router.GET("/health", hc.HealthHandler())
	router.GET("/health/live", hc.LivenessHandler())
	router.GET("/health/ready", hc.ReadinessHandler())

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)

	hc.RegisterCustomCheck("sidecar", unhealthyCheck)
	hc.RunChecks()

	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code, "liveness ignores dependency state")
}
