package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/license-sync/pkg/logging"
)

type fakeDB struct {
	err   error
	stats sql.DBStats
}

func (f *fakeDB) Health(ctx context.Context) error { return f.err }
func (f *fakeDB) Stats() sql.DBStats                { return f.stats }

func staticChecker(status Status, err error) *CustomChecker {
	return NewCustomChecker("static", func(ctx context.Context) (Status, string, error) {
		return status, string(status), err
	})
}

func TestService_CheckHealth(t *testing.T) {
	tests := []struct {
		name     string
		critical Status
		optional Status
		want     Status
	}{
		{"all healthy", StatusHealthy, StatusHealthy, StatusHealthy},
		{"optional unhealthy degrades", StatusHealthy, StatusUnhealthy, StatusDegraded},
		{"optional degraded", StatusHealthy, StatusDegraded, StatusDegraded},
		{"critical unhealthy", StatusUnhealthy, StatusHealthy, StatusUnhealthy},
		{"critical wins over degraded", StatusUnhealthy, StatusDegraded, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewService(logging.NewNopLogger(), nil)
			s.RegisterChecker("database", staticChecker(tt.critical, nil), true)
			s.RegisterChecker("external", staticChecker(tt.optional, nil), false)

			resp := s.CheckHealth(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, 2)
			assert.True(t, resp.Checks["database"].Critical)
			assert.False(t, resp.Checks["external"].Critical)
		})
	}
}

func TestService_Unregister(t *testing.T) {
	s := NewService(logging.NewNopLogger(), nil)
	s.RegisterChecker("database", staticChecker(StatusUnhealthy, nil), true)
	s.UnregisterChecker("database")

	assert.Equal(t, StatusHealthy, s.CheckHealth(context.Background()).Status)
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	s := NewService(logging.NewNopLogger(), nil)
	s.RegisterChecker("database", staticChecker(StatusUnhealthy, errors.New("down")), true)

	router := gin.New()
	router.GET("/health", s.Handler())
	router.GET("/health/live", s.LivenessHandler())
	router.GET("/health/ready", s.ReadinessHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "down", body.Checks["database"].Error)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"ready":false`)
}

func TestDatabaseChecker(t *testing.T) {
	tests := []struct {
		name string
		db   DatabasePinger
		want Status
	}{
		{"nil", nil, StatusUnhealthy},
		{"ping fails", &fakeDB{err: errors.New("connection refused")}, StatusUnhealthy},
		{"healthy", &fakeDB{stats: sql.DBStats{MaxOpenConnections: 10, InUse: 2}}, StatusHealthy},
		{"pool exhausted", &fakeDB{stats: sql.DBStats{MaxOpenConnections: 10, InUse: 9}}, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var checker *DatabaseChecker
			if tt.db == nil {
				checker = NewDatabaseChecker(nil, "database")
			} else {
				checker = NewDatabaseChecker(tt.db, "database")
			}
			assert.Equal(t, tt.want, checker.Check(context.Background()).Status)
		})
	}
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	check := NewRedisChecker(client, "redis").Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Contains(t, check.Metadata, "total_connections")

	mr.Close()
	check = NewRedisChecker(client, "redis").Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.NotEmpty(t, check.Error)
}

func TestCustomChecker_ErrorForcesUnhealthy(t *testing.T) {
	check := staticChecker(StatusHealthy, errors.New("boom")).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "boom", check.Error)
}
