// Package external is the client for the third-party license management API.
// Every call is rate limited and passes through the shared "external_apis"
// circuit breaker with a per-operation retry policy and timeout.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/NikhilSetiya/license-sync/internal/cache"
	"github.com/NikhilSetiya/license-sync/pkg/config"
	"github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
	"github.com/NikhilSetiya/license-sync/pkg/metrics"
	"github.com/NikhilSetiya/license-sync/pkg/resilience"
	"github.com/NikhilSetiya/license-sync/pkg/tracing"
	"github.com/NikhilSetiya/license-sync/pkg/types"
)

// FeatureName is the breaker and degradation feature guarding the external API
const FeatureName = "external_apis"

// Operation names used for breakers, metrics, spans and monitor keys
const (
	OpFetchPage = "fetch_page"
	OpFetchOne  = "fetch_one"
	OpPush      = "push_update"
	OpHealth    = "health"
)

// Config configures the client
type Config struct {
	BaseURL        string
	APIKey         string
	ListTimeout    time.Duration
	FetchTimeout   time.Duration
	PushTimeout    time.Duration
	HealthTimeout  time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	Retry          resilience.RetryPolicy
	// MaxFailures is how many consecutive dependency failures mark the feature unavailable
	MaxFailures int
}

// ConfigFromApp builds the client config from application configuration
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		BaseURL:        cfg.ExternalAPI.BaseURL,
		APIKey:         cfg.ExternalAPI.APIKey,
		ListTimeout:    cfg.ExternalAPI.Timeout,
		FetchTimeout:   cfg.ExternalAPI.FetchTimeout,
		PushTimeout:    cfg.ExternalAPI.PushTimeout,
		HealthTimeout:  cfg.HealthCheck.Timeout,
		RateLimitRPS:   cfg.ExternalAPI.RateLimitRPS,
		RateLimitBurst: cfg.ExternalAPI.RateLimitBurst,
		Retry: resilience.RetryPolicy{
			MaxRetries:        cfg.Retry.MaxRetries,
			InitialDelay:      cfg.Retry.InitialDelay,
			MaxDelay:          cfg.Retry.MaxDelay,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			Jitter:            cfg.Retry.Jitter,
		},
		MaxFailures: cfg.HealthCheck.FailureThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.ListTimeout <= 0 {
		c.ListTimeout = 30 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 20 * time.Second
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 45 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 10 * time.Second
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 1
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry = resilience.DefaultRetryPolicy()
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Dependencies are the collaborators of the client. Nil fields are skipped.
type Dependencies struct {
	Breakers    *resilience.Registry
	Monitor     *resilience.ErrorMonitor
	Degradation *resilience.DegradationManager
	Snapshots   *cache.SnapshotCache
	Metrics     *metrics.Metrics
	Tracing     *tracing.TracingService
	Logger      *logging.Logger
	HTTPClient  *http.Client
}

// Client talks to the external license API
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.CircuitBreaker

	list  *resilience.RetryableOperation
	fetch *resilience.RetryableOperation
	push  *resilience.RetryableOperation

	monitor     *resilience.ErrorMonitor
	degradation *resilience.DegradationManager
	snapshots   *cache.SnapshotCache
	metrics     *metrics.Metrics
	tracing     *tracing.TracingService
	logger      *logging.Logger
}

// NewClient creates a new external license API client
func NewClient(cfg Config, deps Dependencies) *Client {
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	httpClient = deps.Tracing.InstrumentHTTPClient(httpClient)

	limit := rate.Limit(cfg.RateLimitRPS)
	if cfg.RateLimitRPS <= 0 {
		limit = rate.Inf
	}

	registry := deps.Breakers
	if registry == nil {
		registry = resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig())
	}
	breaker := registry.GetWithConfig(FeatureName, breakerConfig(registry))

	if deps.Degradation != nil {
		deps.Degradation.RegisterFeature(FeatureName, cfg.MaxFailures, resilience.FallbackCachedData, resilience.LevelPartial)
	}

	return &Client{
		config:      cfg,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(limit, cfg.RateLimitBurst),
		breaker:     breaker,
		list:        resilience.NewRetryableOperation(OpFetchPage, breaker, cfg.Retry, cfg.ListTimeout),
		fetch:       resilience.NewRetryableOperation(OpFetchOne, breaker, cfg.Retry, cfg.FetchTimeout),
		push:        resilience.NewRetryableOperation(OpPush, breaker, cfg.Retry, cfg.PushTimeout),
		monitor:     deps.Monitor,
		degradation: deps.Degradation,
		snapshots:   deps.Snapshots,
		metrics:     deps.Metrics,
		tracing:     deps.Tracing,
		logger:      logger,
	}
}

// breakerConfig keeps the registry defaults but only counts dependency failures
func breakerConfig(registry *resilience.Registry) resilience.CircuitBreakerConfig {
	cfg := registry.Defaults()
	cfg.IsFailure = isDependencyFailure
	return cfg
}

// Breaker returns the breaker guarding the API
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// pageResponse accepts both cursor spellings seen on the wire
type pageResponse struct {
	Records         []types.ExternalLicense `json:"records"`
	NextCursor      *string                 `json:"next_cursor"`
	NextCursorCamel *string                 `json:"nextCursor"`
}

// FetchPage retrieves one page of the external catalog. An empty cursor
// starts at the beginning; a nil NextCursor marks the last page.
func (c *Client) FetchPage(ctx context.Context, cursor string, pageSize int) (*types.LicensePage, error) {
	ctx, span := c.tracing.StartExternalSpan(ctx, OpFetchPage,
		attribute.String("external.cursor", cursor),
		attribute.Int("external.page_size", pageSize),
	)

	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if pageSize > 0 {
		query.Set("limit", strconv.Itoa(pageSize))
	}

	page, err := resilience.RunOperation(ctx, c.list, func(ctx context.Context) (*types.LicensePage, error) {
		var resp pageResponse
		if err := c.do(ctx, OpFetchPage, http.MethodGet, "/licenses", query, nil, &resp); err != nil {
			return nil, err
		}
		next := resp.NextCursor
		if next == nil {
			next = resp.NextCursorCamel
		}
		if next != nil && *next == "" {
			next = nil
		}
		records := resp.Records
		if records == nil {
			records = []types.ExternalLicense{}
		}
		return &types.LicensePage{Records: records, NextCursor: next}, nil
	}, c.retryOptions(OpFetchPage)...)

	c.report(ctx, OpFetchPage, err)
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}

	if c.snapshots != nil {
		if serr := c.snapshots.SavePage(ctx, cursor, page); serr != nil {
			c.logger.Warn("Failed to store catalog snapshot", "cursor", cursor, "error", serr)
		}
	}
	return page, nil
}

// PageResult is a page that may have been served from the snapshot cache
type PageResult struct {
	Page     *types.LicensePage
	Stale    bool
	StoredAt *time.Time
}

// FetchPageWithFallback fetches a page, serving the last known copy from the
// snapshot cache while the external API is marked unavailable or the
// breaker rejects the call.
func (c *Client) FetchPageWithFallback(ctx context.Context, cursor string, pageSize int) (*PageResult, error) {
	if c.useCachedData() {
		if result, ok := c.cachedPage(ctx, cursor); ok {
			return result, nil
		}
	}

	page, err := c.FetchPage(ctx, cursor, pageSize)
	if err == nil {
		return &PageResult{Page: page}, nil
	}

	if resilience.IsCircuitOpen(err) || c.useCachedData() {
		if result, ok := c.cachedPage(ctx, cursor); ok {
			return result, nil
		}
	}
	return nil, err
}

func (c *Client) useCachedData() bool {
	return c.snapshots != nil &&
		c.degradation != nil &&
		!c.degradation.IsAvailable(FeatureName) &&
		c.degradation.Fallback(FeatureName) == resilience.FallbackCachedData
}

func (c *Client) cachedPage(ctx context.Context, cursor string) (*PageResult, bool) {
	if c.snapshots == nil {
		return nil, false
	}
	cached, err := c.snapshots.LoadPage(ctx, cursor)
	if err != nil {
		return nil, false
	}
	c.logger.Warn("Serving catalog page from snapshot",
		"cursor", cursor,
		"stored_at", cached.StoredAt,
	)
	storedAt := cached.StoredAt
	return &PageResult{Page: &cached.Page, Stale: true, StoredAt: &storedAt}, true
}

// FetchOne retrieves a single license. A missing license is a not_found error.
func (c *Client) FetchOne(ctx context.Context, appID string) (*types.ExternalLicense, error) {
	ctx, span := c.tracing.StartExternalSpan(ctx, OpFetchOne, attribute.String("license.appid", appID))

	license, err := resilience.RunOperation(ctx, c.fetch, func(ctx context.Context) (*types.ExternalLicense, error) {
		var license types.ExternalLicense
		if err := c.do(ctx, OpFetchOne, http.MethodGet, "/licenses/"+url.PathEscape(appID), nil, nil, &license); err != nil {
			return nil, err
		}
		if license.AppID == "" {
			license.AppID = appID
		}
		return &license, nil
	}, c.retryOptions(OpFetchOne)...)

	if appErr, ok := errors.As(err); ok && appErr.Type == errors.ErrorTypeNotFound {
		appErr.WithDetail("appid", appID)
	}

	c.report(ctx, OpFetchOne, err)
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}

	if c.snapshots != nil {
		if serr := c.snapshots.SaveLicense(ctx, license); serr != nil {
			c.logger.Warn("Failed to store license snapshot", "appid", appID, "error", serr)
		}
	}
	return license, nil
}

// PushUpdate sends an internal change back to the external API
func (c *Client) PushUpdate(ctx context.Context, appID string, patch types.LicensePatch) (*types.PushAck, error) {
	ctx, span := c.tracing.StartExternalSpan(ctx, OpPush, attribute.String("license.appid", appID))

	ack, err := resilience.RunOperation(ctx, c.push, func(ctx context.Context) (*types.PushAck, error) {
		var ack types.PushAck
		if err := c.do(ctx, OpPush, http.MethodPatch, "/licenses/"+url.PathEscape(appID), nil, patch, &ack); err != nil {
			return nil, err
		}
		if ack.AppID == "" {
			ack.AppID = appID
		}
		return &ack, nil
	}, c.retryOptions(OpPush)...)

	c.report(ctx, OpPush, err)
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// Health probes the API once through the breaker, without retries
func (c *Client) Health(ctx context.Context) error {
	ctx, span := c.tracing.StartExternalSpan(ctx, OpHealth)

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.config.HealthTimeout)
		defer cancel()
		return c.do(ctx, OpHealth, http.MethodGet, "/health", nil, nil, nil)
	})

	c.report(ctx, OpHealth, err)
	tracing.End(span, err)
	return err
}

func (c *Client) retryOptions(operation string) []resilience.RetryOption {
	return []resilience.RetryOption{
		resilience.WithRetryLogger(c.logger),
		resilience.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			c.metrics.RecordExternalRetry(operation)
			c.logger.Warn("Retrying external call",
				"operation", operation,
				"attempt", attempt,
				"delay", delay.String(),
				"error", err,
			)
		}),
	}
}

// report feeds the final outcome of an operation to the monitor and the
// degradation manager
func (c *Client) report(ctx context.Context, operation string, err error) {
	if stderrors.Is(err, context.Canceled) {
		return
	}
	if err != nil && c.monitor != nil {
		c.monitor.RecordError(ctx, "external."+operation, err)
	}
	if c.degradation == nil {
		return
	}
	switch {
	case err == nil || !isDependencyFailure(err):
		c.degradation.ReportSuccess(FeatureName)
	default:
		c.degradation.ReportFailure(FeatureName, err)
	}
}

// do performs one HTTP attempt and decodes a JSON response into out
func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return transportError(operation, ctx.Err())
		}
		return errors.NewRateLimitError("client rate limit exceeded").WithCause(err)
	}

	endpoint := c.config.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.NewInternalError("failed to marshal request body").WithCause(err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return errors.NewInternalError(fmt.Sprintf("failed to create %s request", operation)).WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		req.Header.Set("X-API-Key", c.config.APIKey)
	}
	if requestID := logging.GetCorrelationID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.metrics.RecordExternalRequest(operation, 0, duration)
		c.logger.LogExternalCall(ctx, operation, 0, duration, err)
		return transportError(operation, err)
	}
	defer resp.Body.Close()

	c.metrics.RecordExternalRequest(operation, resp.StatusCode, duration)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.LogExternalCall(ctx, operation, resp.StatusCode, duration, err)
		return transportError(operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := statusError(operation, resp.StatusCode, data)
		c.logger.LogExternalCall(ctx, operation, resp.StatusCode, duration, serr)
		return serr
	}
	c.logger.LogExternalCall(ctx, operation, resp.StatusCode, duration, nil)

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return decodeError(operation, err)
	}
	return nil
}
