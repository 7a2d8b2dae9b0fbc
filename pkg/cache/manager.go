package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/api-cache/pkg/store"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache or has expired
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a stored entry could not be decoded
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// CacheStore persists cache entries per client.
type CacheStore interface {
	TableName(client string) (string, error)
	Store(ctx context.Context, client, key string, entry *store.Entry, ttl time.Duration, opts ...store.StoreOption) error
	Get(ctx context.Context, client, key string) (*store.Entry, error)
	Cleanup(ctx context.Context, client string) (int64, error)
	ClearTable(ctx context.Context, client string) error
}

// RateLimiter gates live requests per client.
type RateLimiter interface {
	AllowRequest(ctx context.Context, client string) (bool, error)
	RemainingAttempts(ctx context.Context, client string) (int, error)
	AvailableIn(ctx context.Context, client string) (time.Duration, error)
	IncrementAttempts(ctx context.Context, client string, amount int) error
	Clear(ctx context.Context, client string) error
}

// Config configures a Manager.
type Config struct {
	// TTLs sets the cache lifetime per client. Zero means entries never expire.
	TTLs map[string]time.Duration
	// DefaultTTL applies to clients missing from TTLs.
	DefaultTTL time.Duration
}

// Manager ties key generation, response storage and rate limiting together.
type Manager struct {
	store   CacheStore
	limiter RateLimiter
	ttls    map[string]time.Duration
	defTTL  time.Duration
	logger  zerolog.Logger
}

// NewManager creates a new cache manager.
func NewManager(cacheStore CacheStore, limiter RateLimiter, cfg Config, logger zerolog.Logger) *Manager {
	if cacheStore == nil {
		panic("cache store cannot be nil")
	}
	if limiter == nil {
		panic("rate limiter cannot be nil")
	}

	ttls := make(map[string]time.Duration, len(cfg.TTLs))
	for client, ttl := range cfg.TTLs {
		ttls[client] = ttl
	}
	return &Manager{
		store:   cacheStore,
		limiter: limiter,
		ttls:    ttls,
		defTTL:  cfg.DefaultTTL,
		logger:  logger,
	}
}

// GenerateCacheKey returns the deterministic key for a request.
func (m *Manager) GenerateCacheKey(client, endpoint string, params map[string]any, method, version string) (string, error) {
	return CacheKey{
		Client:   client,
		Endpoint: endpoint,
		Params:   params,
		Method:   method,
		Version:  version,
	}.Build()
}

// TTL returns the cache lifetime configured for client.
func (m *Manager) TTL(client string) time.Duration {
	if ttl, ok := m.ttls[client]; ok {
		return ttl
	}
	return m.defTTL
}

// StoreResponse persists result under key.
func (m *Manager) StoreResponse(ctx context.Context, client, key string, params map[string]any, result *Envelope, endpoint string) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}

	entry, err := envelopeToEntry(result, endpoint, params)
	if err != nil {
		CacheErrors.WithLabelValues(client, "store").Inc()
		return err
	}

	if err := m.store.Store(ctx, client, key, entry, m.TTL(client)); err != nil {
		CacheErrors.WithLabelValues(client, "store").Inc()
		return fmt.Errorf("store response: %w", err)
	}

	CacheStores.WithLabelValues(client).Inc()
	CacheBytes.WithLabelValues(client).Add(float64(len(entry.ResponseBody)))

	m.logger.Info().
		Str("client", client).
		Str("key", key).
		Str("endpoint", endpoint).
		Int("status", entry.ResponseStatusCode).
		Int("bytes", len(entry.ResponseBody)).
		Msg("Response cached")
	return nil
}

// GetCachedResponse returns the envelope stored under key.
// Returns ErrCacheMiss if the key does not exist or the entry has expired.
func (m *Manager) GetCachedResponse(ctx context.Context, client, key string) (*Envelope, error) {
	entry, err := m.store.Get(ctx, client, key)
	if errors.Is(err, store.ErrNotFound) {
		CacheMisses.WithLabelValues(client).Inc()
		m.logger.Debug().Str("client", client).Str("key", key).Msg("Cache miss")
		return nil, ErrCacheMiss
	}
	if err != nil {
		CacheErrors.WithLabelValues(client, "get").Inc()
		return nil, fmt.Errorf("get cached response: %w", err)
	}

	env, err := entryToEnvelope(entry)
	if err != nil {
		CacheErrors.WithLabelValues(client, "get").Inc()
		return nil, err
	}

	CacheHits.WithLabelValues(client).Inc()
	m.logger.Debug().Str("client", client).Str("key", key).Msg("Cache hit")
	return env, nil
}

// AllowRequest reports whether client may issue a live request.
func (m *Manager) AllowRequest(ctx context.Context, client string) (bool, error) {
	return m.limiter.AllowRequest(ctx, client)
}

// RemainingAttempts returns the attempts left in client's window.
func (m *Manager) RemainingAttempts(ctx context.Context, client string) (int, error) {
	return m.limiter.RemainingAttempts(ctx, client)
}

// AvailableIn returns how long client must wait before the next request.
func (m *Manager) AvailableIn(ctx context.Context, client string) (time.Duration, error) {
	return m.limiter.AvailableIn(ctx, client)
}

// IncrementAttempts records amount live requests for client.
func (m *Manager) IncrementAttempts(ctx context.Context, client string, amount int) error {
	return m.limiter.IncrementAttempts(ctx, client, amount)
}

// ClearRateLimit resets client's rate limit window.
func (m *Manager) ClearRateLimit(ctx context.Context, client string) error {
	return m.limiter.Clear(ctx, client)
}

// TableName returns the table holding client's responses.
func (m *Manager) TableName(client string) (string, error) {
	return m.store.TableName(client)
}

// ClearTable deletes all of client's cached responses.
func (m *Manager) ClearTable(ctx context.Context, client string) error {
	return m.store.ClearTable(ctx, client)
}

// Cleanup deletes client's expired responses.
func (m *Manager) Cleanup(ctx context.Context, client string) (int64, error) {
	return m.store.Cleanup(ctx, client)
}

func envelopeToEntry(env *Envelope, endpoint string, params map[string]any) (*store.Entry, error) {
	reqHeaders, err := encodeHeaders(env.Request.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode request headers: %w", err)
	}

	entry := &store.Entry{
		Endpoint:             endpoint,
		BaseURL:              env.Request.BaseURL,
		FullURL:              env.Request.FullURL,
		Method:               env.Request.Method,
		Version:              env.Version,
		Attributes:           env.Attributes,
		Credits:              env.Credits,
		Cost:                 env.Cost,
		RequestHeaders:       reqHeaders,
		RequestBody:          env.Request.Body,
		ResponseTime:         env.ResponseTime,
		RequestParamsSummary: SummarizeParams(params),
	}

	if resp := env.Response; resp != nil {
		respHeaders, err := encodeHeaders(resp.Header)
		if err != nil {
			return nil, fmt.Errorf("encode response headers: %w", err)
		}
		entry.ResponseHeaders = respHeaders
		entry.ResponseBody = resp.Data
		entry.ResponseStatusCode = resp.StatusCode
	}
	return entry, nil
}

func entryToEnvelope(e *store.Entry) (*Envelope, error) {
	reqHeaders, err := decodeHeaders(e.RequestHeaders)
	if err != nil {
		return nil, fmt.Errorf("%w: request headers of %s: %v", ErrInvalidEntry, e.Key, err)
	}
	respHeaders, err := decodeHeaders(e.ResponseHeaders)
	if err != nil {
		return nil, fmt.Errorf("%w: response headers of %s: %v", ErrInvalidEntry, e.Key, err)
	}

	return &Envelope{
		Response:     NewResponse(e.ResponseStatusCode, respHeaders, e.ResponseBody),
		ResponseTime: e.ResponseTime,
		Request: RequestInfo{
			BaseURL: e.BaseURL,
			FullURL: e.FullURL,
			Method:  e.Method,
			Headers: reqHeaders,
			Body:    e.RequestBody,
		},
		Version:    e.Version,
		Attributes: e.Attributes,
		Credits:    e.Credits,
		Cost:       e.Cost,
		FromCache:  true,
		Key:        e.Key,
		CachedAt:   e.UpdatedAt,
		ExpiresAt:  e.ExpiresAt,
	}, nil
}

func encodeHeaders(h http.Header) ([]byte, error) {
	if h == nil {
		return nil, nil
	}
	return json.Marshal(h)
}

func decodeHeaders(data []byte) (http.Header, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var h http.Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return h, nil
}
