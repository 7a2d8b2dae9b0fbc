// Package client provides a caching HTTP client for third-party APIs.
//
// Every request is looked up in the response cache first. On a miss the
// client's rate limit is checked, the attempt is recorded, the live request
// is executed with retries and successful responses are stored.
package client

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/api-cache/pkg/cache"
)

// Prometheus metrics for upstream requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apicache_upstream_requests_total",
		Help: "Total upstream requests by client and status",
	}, []string{"client", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apicache_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by client",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"client"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apicache_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"client", "class"})

	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apicache_client_lookups_total",
		Help: "Client calls by outcome (hit, miss, rate_limited)",
	}, []string{"client", "result"})
)

// RequestIDHeader carries the per-call request ID upstream.
const RequestIDHeader = "X-Request-Id"

// Cache is the subset of cache.Manager the client uses.
type Cache interface {
	GenerateCacheKey(client, endpoint string, params map[string]any, method, version string) (string, error)
	GetCachedResponse(ctx context.Context, client, key string) (*cache.Envelope, error)
	StoreResponse(ctx context.Context, client, key string, params map[string]any, result *cache.Envelope, endpoint string) error
	AllowRequest(ctx context.Context, client string) (bool, error)
	AvailableIn(ctx context.Context, client string) (time.Duration, error)
	IncrementAttempts(ctx context.Context, client string, amount int) error
}

// Config holds the client configuration.
type Config struct {
	// Name identifies the client in cache keys, tables and rate limits.
	Name string

	// BaseURL is the API root, e.g. "https://api.dataforseo.com".
	BaseURL string

	// Version is inserted as the first path segment and appended to cache keys.
	Version string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// UserAgent header sent with every request.
	UserAgent string

	// Header holds static headers added to every request.
	Header http.Header

	// Timeout bounds a single attempt.
	Timeout time.Duration

	Retry RetryConfig

	// Cache is required.
	Cache Cache

	// HTTPClient overrides the default http.Client.
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(name, baseURL string, c Cache) Config {
	return Config{
		Name:      name,
		BaseURL:   baseURL,
		UserAgent: "api-cache/1.0",
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryConfig(),
		Cache:     c,
	}
}

// Client is a caching, rate-limited HTTP client for one API.
type Client struct {
	httpClient *http.Client
	cache      Cache
	config     Config
	baseURL    *url.URL
	logger     zerolog.Logger
}

// New creates a new client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("client name is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		cache:      cfg.Cache,
		config:     cfg,
		baseURL:    base,
		logger:     logger.With().Str("component", "api-client").Str("client", cfg.Name).Logger(),
	}, nil
}

// Name returns the client name.
func (c *Client) Name() string {
	return c.config.Name
}

// Request describes one API call.
type Request struct {
	// Method defaults to GET.
	Method   string
	Endpoint string
	// Params are sent as the query string for GET and DELETE and as a JSON
	// body otherwise, unless Body is set.
	Params map[string]any
	Body   []byte
	Header http.Header
	// Refresh bypasses the cache lookup; the response is still stored.
	Refresh bool
}

// Do performs req through the cache and the rate limiter.
// Returns *RateLimitError when the client's limit is exhausted.
func (c *Client) Do(ctx context.Context, req Request) (*cache.Envelope, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	name := c.config.Name

	key, err := c.cache.GenerateCacheKey(name, req.Endpoint, keyParams(req), method, c.config.Version)
	if err != nil {
		return nil, fmt.Errorf("generate cache key: %w", err)
	}

	// Step 1: Check cache
	if !req.Refresh {
		env, err := c.cache.GetCachedResponse(ctx, name, key)
		if err == nil {
			lookupsTotal.WithLabelValues(name, "hit").Inc()
			return env, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("key", key).Msg("Cache get error")
		}
	}
	lookupsTotal.WithLabelValues(name, "miss").Inc()

	// Step 2: Check rate limit
	allowed, err := c.cache.AllowRequest(ctx, name)
	if err != nil {
		c.logger.Error().Err(err).Msg("Rate limit check failed")
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		wait, err := c.cache.AvailableIn(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("rate limit check: %w", err)
		}
		lookupsTotal.WithLabelValues(name, "rate_limited").Inc()
		c.logger.Warn().
			Str("endpoint", req.Endpoint).
			Dur("available_in", wait).
			Msg("Request blocked by rate limiter")
		return nil, &RateLimitError{Client: name, AvailableIn: wait}
	}

	// Step 3: Record the attempt before it is made
	if err := c.cache.IncrementAttempts(ctx, name, 1); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	// Step 4: Execute live request
	env, err := c.execute(ctx, method, req)
	if err != nil {
		return nil, err
	}

	// Step 5: Store successful responses
	if env.IsSuccess() {
		env.Version = c.config.Version
		if err := c.cache.StoreResponse(ctx, name, key, req.Params, env, req.Endpoint); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
		}
	}
	env.Key = key
	return env, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]any) (*cache.Envelope, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Endpoint: endpoint, Params: params})
}

// Post performs a POST request with params as JSON body.
func (c *Client) Post(ctx context.Context, endpoint string, params map[string]any) (*cache.Envelope, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Endpoint: endpoint, Params: params})
}

func (c *Client) execute(ctx context.Context, method string, req Request) (*cache.Envelope, error) {
	target, err := c.buildURL(method, req)
	if err != nil {
		return nil, err
	}
	body, err := requestBody(method, req)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	logger := c.logger.With().Str("request_id", requestID).Str("endpoint", req.Endpoint).Logger()
	name := c.config.Name

	logger.Debug().Str("method", method).Str("url", target).Msg("Executing upstream request")

	var env *cache.Envelope
	retryErr := retryWithBackoff(ctx, c.config.Retry, logger, func() (ErrorClass, error) {
		httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		c.setHeaders(httpReq, req, requestID, body != nil)

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		elapsed := time.Since(start)
		requestDuration.WithLabelValues(name).Observe(elapsed.Seconds())

		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			errorsTotal.WithLabelValues(name, string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(name, "network_error").Inc()
			logger.Error().Err(err).Msg("HTTP request failed")
			return ErrorClassNetwork, &APIError{Client: name, ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
		}

		env, err = cache.ResponseToEnvelope(resp, body, elapsed)
		if err != nil {
			return ErrorClassNetwork, &APIError{Client: name, StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Message: "read body", Err: err}
		}
		requestsTotal.WithLabelValues(name, strconv.Itoa(resp.StatusCode)).Inc()

		errClass := classifyError(resp, nil)
		if errClass == "" {
			return "", nil
		}

		errorsTotal.WithLabelValues(name, string(errClass)).Inc()
		logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Upstream request error")

		if !shouldRetry(errClass) {
			// Let the caller handle the status
			return errClass, nil
		}
		return errClass, &APIError{
			Client:     name,
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    resp.Status,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return env, nil
}

func (c *Client) buildURL(method string, req Request) (string, error) {
	u := *c.baseURL
	segments := []string{strings.TrimSuffix(u.Path, "/")}
	if c.config.Version != "" {
		segments = append(segments, c.config.Version)
	}
	segments = append(segments, strings.TrimPrefix(req.Endpoint, "/"))
	u.Path = strings.Join(segments, "/")

	if sendsQuery(method) && len(req.Params) > 0 {
		q, err := encodeQuery(req.Params)
		if err != nil {
			return "", err
		}
		u.RawQuery = q
	}
	return u.String(), nil
}

func (c *Client) setHeaders(httpReq *http.Request, req Request, requestID string, hasBody bool) {
	for k, vals := range c.config.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	for k, vals := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if c.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if hasBody && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" && httpReq.Header.Get("Authorization") == "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set(RequestIDHeader, requestID)
}

// BodyDigestParam is the key parameter that carries the SHA-1 of an
// explicit request body.
const BodyDigestParam = "_body"

// keyParams returns the parameters that identify req in the cache.
func keyParams(req Request) map[string]any {
	if req.Body == nil {
		return req.Params
	}
	params := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	sum := sha1.Sum(req.Body)
	params[BodyDigestParam] = hex.EncodeToString(sum[:])
	return params
}

func sendsQuery(method string) bool {
	return method == http.MethodGet || method == http.MethodDelete || method == http.MethodHead
}

func requestBody(method string, req Request) ([]byte, error) {
	if req.Body != nil {
		return req.Body, nil
	}
	if sendsQuery(method) || len(req.Params) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return body, nil
}

// encodeQuery renders params as a sorted query string. Slices become
// repeated keys and nested structures are sent as JSON.
func encodeQuery(params map[string]any) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		switch v := params[k].(type) {
		case nil:
			q.Add(k, "")
		case string:
			q.Add(k, v)
		case []string:
			for _, s := range v {
				q.Add(k, s)
			}
		case []any:
			for _, item := range v {
				s, err := queryValue(item)
				if err != nil {
					return "", err
				}
				q.Add(k, s)
			}
		default:
			s, err := queryValue(v)
			if err != nil {
				return "", err
			}
			q.Add(k, s)
		}
	}
	return q.Encode(), nil
}

func queryValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(val), nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode query value: %w", err)
	}
	return string(out), nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
