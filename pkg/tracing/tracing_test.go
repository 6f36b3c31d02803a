package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingService() (*TracingService, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return NewTracingServiceWithProvider("test", tp), recorder
}

func TestNewTracingService_Disabled(t *testing.T) {
	ts, err := NewTracingService(&Config{ServiceName: "x", Enabled: false})
	require.NoError(t, err)

	ctx, span := ts.StartSpan(context.Background(), "noop")
	span.End()
	assert.Empty(t, GetTraceID(ctx))
	assert.NoError(t, ts.Shutdown(context.Background()))
}

func TestNilService(t *testing.T) {
	var ts *TracingService
	_, span := ts.StartSyncSpan(context.Background(), "comprehensive", "run-1")
	span.End()
	assert.NoError(t, ts.Shutdown(context.Background()))
}

func TestStartSyncSpan(t *testing.T) {
	ts, recorder := newRecordingService()

	ctx, span := ts.StartSyncSpan(context.Background(), "batch", "run-42")
	assert.NotEmpty(t, GetTraceID(ctx))
	End(span, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "licensesync.batch", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "run-42", attrs["sync.run_id"])
}

func TestTrace_RecordsError(t *testing.T) {
	ts, recorder := newRecordingService()

	_, err := Trace(context.Background(), ts, "external.fetch_page", func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

func TestTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts, recorder := newRecordingService()

	router := gin.New()
	router.Use(ts.TracingMiddleware())
	router.GET("/api/v1/licenses/sync/status", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/licenses/sync/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/v1/licenses/sync/status", spans[0].Name())
}

func TestInstrumentHTTPClient(t *testing.T) {
	ts, recorder := newRecordingService()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := ts.InstrumentHTTPClient(&http.Client{})
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "HTTP GET", recorder.Ended()[0].Name())
}
