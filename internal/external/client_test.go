package external

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jarcoal/httpmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/license-sync/internal/cache"
	"github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
	"github.com/NikhilSetiya/license-sync/pkg/resilience"
	"github.com/NikhilSetiya/license-sync/pkg/types"
)

const baseURL = "http://licenses.test/v1"

type testEnv struct {
	client      *Client
	transport   *httpmock.MockTransport
	monitor     *resilience.ErrorMonitor
	degradation *resilience.DegradationManager
	snapshots   *cache.SnapshotCache
}

func fastPolicy(maxRetries int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries:        maxRetries,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func newTestEnv(t *testing.T, cfg Config, breaker resilience.CircuitBreakerConfig) *testEnv {
	t.Helper()

	transport := httpmock.NewMockTransport()
	logger := logging.NewNopLogger()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	snapshots := cache.NewSnapshotCache(cache.NewService(cache.NewRedisClientFromClient(rdb), nil, nil))

	monitorCfg := resilience.DefaultMonitorConfig()
	monitorCfg.Logger = logger
	monitor := resilience.NewErrorMonitor(monitorCfg, nil)
	degradation := resilience.NewDegradationManager(logger)

	breaker.Logger = logger
	cfg.BaseURL = baseURL
	cfg.APIKey = "secret"

	client := NewClient(cfg, Dependencies{
		Breakers:    resilience.NewRegistry(breaker),
		Monitor:     monitor,
		Degradation: degradation,
		Snapshots:   snapshots,
		Logger:      logger,
		HTTPClient:  &http.Client{Transport: transport},
	})

	return &testEnv{
		client:      client,
		transport:   transport,
		monitor:     monitor,
		degradation: degradation,
		snapshots:   snapshots,
	}
}

func TestClient_FetchPage(t *testing.T) {
	env := newTestEnv(t, Config{Retry: fastPolicy(0)}, resilience.DefaultCircuitBreakerConfig())

	env.transport.RegisterResponder(http.MethodGet, baseURL+"/licenses",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
			assert.Equal(t, "secret", req.Header.Get("X-API-Key"))
			assert.Equal(t, "c1", req.URL.Query().Get("cursor"))
			assert.Equal(t, "50", req.URL.Query().Get("limit"))
			return httpmock.NewStringResponse(200,
				`{"records":[{"appid":"a1","name":"Acme","plan":"pro","sms_balance":10}],"next_cursor":"c2"}`), nil
		})

	page, err := env.client.FetchPage(context.Background(), "c1", 50)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "a1", page.Records[0].AppID)
	assert.Equal(t, int64(10), page.Records[0].SMSBalance)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "c2", *page.NextCursor)

	cached, err := env.snapshots.LoadPage(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "a1", cached.Page.Records[0].AppID)
}

func TestClient_FetchPage_LastPage(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"null cursor", `{"records":[],"next_cursor":null}`},
		{"empty cursor", `{"records":[],"nextCursor":""}`},
		{"missing cursor", `{"records":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{Retry: fastPolicy(0)}, resilience.DefaultCircuitBreakerConfig())
			env.transport.RegisterResponder(http.MethodGet, baseURL+"/licenses",
				httpmock.NewStringResponder(200, tt.body))

			page, err := env.client.FetchPage(context.Background(), "", 100)
			require.NoError(t, err)
			assert.Nil(t, page.NextCursor)
			assert.NotNil(t, page.Records)
		})
	}
}

func TestClient_FetchPage_CamelCaseCursor(t *testing.T) {
	env := newTestEnv(t, Config{Retry: fastPolicy(0)}, resilience.DefaultCircuitBreakerConfig())
	env.transport.RegisterResponder(http.MethodGet, baseURL+"/licenses",
		httpmock.NewStringResponder(200, `{"records":[],"nextCursor":"next"}`))

	page, err := env.client.FetchPage(context.Background(), "", 10)
	require.NoError(t, err)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "next", *page.NextCursor)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantType  errors.ErrorType
		wantCalls int
	}{
		{"not found", 404, `{"error":"no such license"}`, errors.ErrorTypeNotFound, 1},
		{"bad request", 400, `{"error":"bad"}`, errors.ErrorTypeValidation, 1},
		{"unprocessable", 422, `{"error":"bad"}`, errors.ErrorTypeValidation, 1},
		{"request timeout", 408, ``, errors.ErrorTypeTimeout, 3},
		{"rate limited", 429, ``, errors.ErrorTypeRateLimit, 3},
		{"server error", 503, `upstream down`, errors.ErrorTypeExternal, 3},
		{"malformed json", 200, `{"appid":`, errors.ErrorTypeValidation, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{Retry: fastPolicy(2)}, resilience.CircuitBreakerConfig{FailureThreshold: 100})
			env.transport.RegisterResponder(http.MethodGet, baseURL+"/licenses/a1",
				httpmock.NewStringResponder(tt.status, tt.body))

			_, err := env.client.FetchOne(context.Background(), "a1")
			require.Error(t, err)
			assert.Equal(t, tt.wantType, errors.GetType(err))
			assert.Equal(t, tt.wantCalls, env.transport.GetTotalCallCount())
		})
	}
}

func TestClient_FetchOne_NotFoundCarriesAppID(t *testing.T) {
	env := newTestEnv(t, Config{Retry: fastPolicy(2)}, resilience.DefaultCircuitBreakerConfig())
	env.transport.RegisterResponder(http.MethodGet, baseURL+"/licenses/missing",
		httpmock.NewStringResponder(404, ``))

	_, err := env.client.FetchOne(context.Background(), "missing")
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "missing", appErr.Details["appid"])
	assert.Equal(t, 404, appErr.StatusCode)

	// a 404 is an answer from a healthy API
	assert.True(t, env.degradation.IsAvailable(FeatureName))
	assert.Equal(t, resilience.StateClosed, env.client.Breaker().State())
	assert.Equal(t, int64(1), env.monitor.Stats().Totals["low"])
}

func TestClient_TransportErrorIsRetried(t *testing.T) {
	env := newTestEnv(t, Config{Retry: fastPolicy(1)}, resilience.CircuitBreakerConfig{FailureThreshold: 100})
	env.transport.RegisterResponder(http.MethodGet, baseURL+"/licenses/a1",
		httpmock.NewErrorResponder(assert.AnError))

	_, err := env.client.FetchOne(context.Background(), "a1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))
	assert.Equal(t, 2, env.transport.GetTotalCallCount())
}

func TestClient_BreakerOpensInsideRetryLoop(t *testing.T) {
	env := newTestEnv(t, Config{Retry: fastPolicy(5)}, resilience.CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Hour,
	})
	env.transport.RegisterResponder(http.MethodGet, baseURL+"/licenses/a1",
		httpmock.NewStringResponder(503, `down`))

	_, err := env.client.FetchOne(context.Background(), "a1")
	require.Error(t, err)
	assert.True(t, resilience.IsCircuitOpen(err))
	assert.Equal(t, 3, env.transport.GetTotalCallCount())
	assert.Equal(t, resilience.StateOpen, env.client.Breaker().State())

	// subsequent calls fail fast without touching the network
	_, err = env.client.FetchOne(context.Background(), "a1")
	assert.True(t, resilience.IsCircuitOpen(err))
	assert.Equal(t, 3, env.transport.GetTotalCallCount())
}

func TestClient_FetchPageWithFallback(t *testing.T) {
	env := newTestEnv(t, Config{Retry: fastPolicy(0), MaxFailures: 1}, resilience.CircuitBreakerConfig{FailureThreshold: 100})
	ctx := context.Background()

	env.transport.RegisterResponder(http.MethodGet, baseURL+"/licenses",
		httpmock.NewStringResponder(200, `{"records":[{"appid":"a1"}],"next_cursor":null}`))

	result, err := env.client.FetchPageWithFallback(ctx, "", 100)
	require.NoError(t, err)
	assert.False(t, result.Stale)
	assert.Nil(t, result.StoredAt)

	env.transport.RegisterResponder(http.MethodGet, baseURL+"/licenses",
		httpmock.NewStringResponder(502, `bad gateway`))

	result, err = env.client.FetchPageWithFallback(ctx, "", 100)
	require.NoError(t, err)
	assert.True(t, result.Stale)
	require.NotNil(t, result.StoredAt)
	assert.Equal(t, "a1", result.Page.Records[0].AppID)
	assert.False(t, env.degradation.IsAvailable(FeatureName))

	calls := env.transport.GetTotalCallCount()
	result, err = env.client.FetchPageWithFallback(ctx, "", 100)
	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.Equal(t, calls, env.transport.GetTotalCallCount(), "degraded fetch should not hit the API")

	_, err = env.client.FetchPageWithFallback(ctx, "unknown-cursor", 100)
	require.Error(t, err)
}

func TestClient_PushUpdate(t *testing.T) {
	env := newTestEnv(t, Config{Retry: fastPolicy(0)}, resilience.DefaultCircuitBreakerConfig())

	env.transport.RegisterResponder(http.MethodPatch, baseURL+"/licenses/a-1",
		func(req *http.Request) (*http.Response, error) {
			var patch types.LicensePatch
			require.NoError(t, json.NewDecoder(req.Body).Decode(&patch))
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			assert.Equal(t, "enterprise", patch.Plan)
			return httpmock.NewStringResponse(200, `{"accepted":true,"version":"7"}`), nil
		})

	ack, err := env.client.PushUpdate(context.Background(), "a-1", types.LicensePatch{Plan: "enterprise"})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, "a-1", ack.AppID)
	assert.Equal(t, "7", ack.Version)
}

func TestClient_Health(t *testing.T) {
	env := newTestEnv(t, Config{Retry: fastPolicy(3), MaxFailures: 2}, resilience.CircuitBreakerConfig{FailureThreshold: 100})

	env.transport.RegisterResponder(http.MethodGet, baseURL+"/health", httpmock.NewStringResponder(200, `{"status":"ok"}`))
	require.NoError(t, env.client.Health(context.Background()))

	env.transport.RegisterResponder(http.MethodGet, baseURL+"/health", httpmock.NewStringResponder(500, `boom`))
	for i := 0; i < 2; i++ {
		err := env.client.Health(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, 3, env.transport.GetTotalCallCount(), "health is never retried")
	assert.False(t, env.degradation.IsAvailable(FeatureName))

	env.transport.RegisterResponder(http.MethodGet, baseURL+"/health", httpmock.NewStringResponder(204, ``))
	require.NoError(t, env.client.Health(context.Background()))
	assert.True(t, env.degradation.IsAvailable(FeatureName))
}

func TestClient_CanceledContextIsNotAFailure(t *testing.T) {
	env := newTestEnv(t, Config{Retry: fastPolicy(3)}, resilience.CircuitBreakerConfig{FailureThreshold: 1})
	env.transport.RegisterResponder(http.MethodGet, baseURL+"/licenses/a1", httpmock.NewStringResponder(200, `{}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.client.FetchOne(ctx, "a1")
	require.Error(t, err)
	assert.Equal(t, resilience.StateClosed, env.client.Breaker().State())
	assert.True(t, env.degradation.IsAvailable(FeatureName))
}
