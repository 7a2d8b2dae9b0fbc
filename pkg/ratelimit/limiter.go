package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	attemptsRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "apicache_rate_limit_remaining",
		Help: "Attempts remaining in the current rate limit window",
	}, []string{"client"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apicache_rate_limit_attempts_total",
		Help: "Total number of attempts recorded against rate limits",
	}, []string{"client"})

	blocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apicache_rate_limit_blocks_total",
		Help: "Total number of requests refused because the limit was reached",
	}, []string{"client"})
)

// Config configures a Limiter.
type Config struct {
	// Prefix namespaces counter keys: {prefix}:rate-limit:{client}.
	Prefix string
	// Default applies to clients missing from Clients.
	Default Limit
	Clients map[string]Limit
}

// Limiter enforces per-client fixed-window limits.
type Limiter struct {
	store  CounterStore
	prefix string
	def    Limit
	limits map[string]Limit
	logger zerolog.Logger
}

// NewLimiter creates a limiter over store.
func NewLimiter(store CounterStore, cfg Config, logger zerolog.Logger) *Limiter {
	if store == nil {
		panic("ratelimit: counter store must not be nil")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	limits := make(map[string]Limit, len(cfg.Clients))
	for name, l := range cfg.Clients {
		limits[name] = l
	}
	return &Limiter{
		store:  store,
		prefix: prefix,
		def:    cfg.Default,
		limits: limits,
		logger: logger,
	}
}

// Key returns the counter key of client.
func (l *Limiter) Key(client string) string {
	return fmt.Sprintf("%s:rate-limit:%s", l.prefix, client)
}

// Limit returns the effective limit of client.
func (l *Limiter) Limit(client string) Limit {
	lim, ok := l.limits[client]
	if !ok {
		lim = l.def
	}
	if lim.Decay <= 0 {
		lim.Decay = DefaultDecay
	}
	return lim
}

// RemainingAttempts returns the attempts left in the current window, or
// Unlimited when the client has no limit.
func (l *Limiter) RemainingAttempts(ctx context.Context, client string) (int, error) {
	lim := l.Limit(client)
	if lim.Unlimited() {
		return Unlimited, nil
	}

	attempts, err := l.store.Get(ctx, l.Key(client))
	if err != nil {
		return 0, fmt.Errorf("get attempts for %s: %w", client, err)
	}

	left := remaining(*lim.MaxAttempts, attempts)
	attemptsRemaining.WithLabelValues(client).Set(float64(left))
	return left, nil
}

// AllowRequest reports whether client may issue another request now.
func (l *Limiter) AllowRequest(ctx context.Context, client string) (bool, error) {
	left, err := l.RemainingAttempts(ctx, client)
	if err != nil {
		return false, err
	}
	if left > 0 {
		return true, nil
	}

	blocksTotal.WithLabelValues(client).Inc()
	l.logger.Warn().
		Str("client", client).
		Msg("Rate limit reached - request refused")
	return false, nil
}

// IncrementAttempts records amount attempts for client. Over-limit attempts
// are recorded too; unlimited clients are not counted.
func (l *Limiter) IncrementAttempts(ctx context.Context, client string, amount int) error {
	lim := l.Limit(client)
	if lim.Unlimited() {
		return nil
	}
	if amount <= 0 {
		return fmt.Errorf("increment amount must be positive, got %d", amount)
	}

	count, err := l.store.Increment(ctx, l.Key(client), int64(amount), lim.Decay)
	if err != nil {
		return fmt.Errorf("increment attempts for %s: %w", client, err)
	}

	attemptsTotal.WithLabelValues(client).Add(float64(amount))
	attemptsRemaining.WithLabelValues(client).Set(float64(remaining(*lim.MaxAttempts, count)))

	l.logger.Debug().
		Str("client", client).
		Int64("attempts", count).
		Int("max_attempts", *lim.MaxAttempts).
		Msg("Rate limit attempt recorded")
	return nil
}

// AvailableIn returns how long until client may issue requests again, or 0
// when it is not currently limited.
func (l *Limiter) AvailableIn(ctx context.Context, client string) (time.Duration, error) {
	left, err := l.RemainingAttempts(ctx, client)
	if err != nil {
		return 0, err
	}
	if left > 0 {
		return 0, nil
	}

	ttl, err := l.store.TTL(ctx, l.Key(client))
	if err != nil {
		return 0, fmt.Errorf("get window ttl for %s: %w", client, err)
	}
	return ttl, nil
}

// Clear resets client's counter immediately.
// Unlimited clients have no counter and are left alone.
func (l *Limiter) Clear(ctx context.Context, client string) error {
	lim := l.Limit(client)
	if lim.Unlimited() {
		return nil
	}
	if err := l.store.Reset(ctx, l.Key(client)); err != nil {
		return fmt.Errorf("clear rate limit for %s: %w", client, err)
	}

	attemptsRemaining.WithLabelValues(client).Set(float64(*lim.MaxAttempts))
	l.logger.Info().Str("client", client).Msg("Rate limit cleared")
	return nil
}

// State returns a snapshot of client's window.
func (l *Limiter) State(ctx context.Context, client string) (*State, error) {
	lim := l.Limit(client)
	state := &State{
		Client:      client,
		MaxAttempts: lim.MaxAttempts,
		Decay:       lim.Decay,
		Remaining:   Unlimited,
	}
	if lim.Unlimited() {
		return state, nil
	}

	key := l.Key(client)
	attempts, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get attempts for %s: %w", client, err)
	}
	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get window ttl for %s: %w", client, err)
	}

	state.Attempts = attempts
	state.Remaining = remaining(*lim.MaxAttempts, attempts)
	if ttl > 0 {
		state.ResetAt = time.Now().Add(ttl)
	}
	return state, nil
}
