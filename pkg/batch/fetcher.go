// Package batch runs many requests through a caching client with a bounded
// worker pool, for example to warm the cache from a request list.
//
// Dispatch stops at the first local rate limit refusal: the remaining
// requests are reported as skipped rather than hammering the limiter.
package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/api-cache/pkg/cache"
	"github.com/Sternrassler/api-cache/pkg/client"
)

// ErrSkipped marks requests never sent because the client was rate limited.
var ErrSkipped = errors.New("skipped after rate limit")

// Doer performs one request; *client.Client implements it.
type Doer interface {
	Do(ctx context.Context, req client.Request) (*cache.Envelope, error)
}

// Config holds fetcher configuration.
type Config struct {
	// MaxConcurrency is the number of parallel workers.
	MaxConcurrency int
	// Timeout bounds each request.
	Timeout time.Duration
}

// DefaultConfig returns 4 workers with a 60s per-request timeout.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        60 * time.Second,
	}
}

// Result is the outcome of one request, at the request's input index.
type Result struct {
	Index    int
	Envelope *cache.Envelope
	Err      error
}

// Stats summarizes a run.
type Stats struct {
	Total       int `json:"total"`
	Hits        int `json:"hits"`
	Misses      int `json:"misses"`
	Failed      int `json:"failed"`
	RateLimited int `json:"rate_limited"`
	Skipped     int `json:"skipped"`
}

// Fetcher runs requests concurrently.
type Fetcher struct {
	doer   Doer
	config Config
	logger zerolog.Logger
}

// NewFetcher creates a fetcher over doer.
func NewFetcher(doer Doer, config Config, logger zerolog.Logger) *Fetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Fetcher{doer: doer, config: config, logger: logger}
}

// Run performs reqs and returns one Result per request in input order.
func (f *Fetcher) Run(ctx context.Context, reqs []client.Request) ([]Result, Stats) {
	start := time.Now()
	results := make([]Result, len(reqs))
	for i := range results {
		results[i] = Result{Index: i, Err: ErrSkipped}
	}

	var limited atomic.Bool
	queue := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < f.config.MaxConcurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			processed := 0
			for i := range queue {
				if limited.Load() || ctx.Err() != nil {
					continue
				}
				reqCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
				env, err := f.doer.Do(reqCtx, reqs[i])
				cancel()

				// Each worker writes only its own indexes.
				results[i] = Result{Index: i, Envelope: env, Err: err}
				if errors.Is(err, client.ErrRateLimited) {
					limited.Store(true)
				}
				processed++
			}
			f.logger.Debug().Int("worker_id", workerID).Int("processed", processed).Msg("Worker completed")
		}(w)
	}

dispatch:
	for i := range reqs {
		if limited.Load() || ctx.Err() != nil {
			break
		}
		select {
		case queue <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(queue)
	wg.Wait()

	stats := summarize(results)
	f.logger.Info().
		Int("total", stats.Total).
		Int("hits", stats.Hits).
		Int("misses", stats.Misses).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")
	return results, stats
}

func summarize(results []Result) Stats {
	stats := Stats{Total: len(results)}
	for _, r := range results {
		switch {
		case errors.Is(r.Err, ErrSkipped):
			stats.Skipped++
		case errors.Is(r.Err, client.ErrRateLimited):
			stats.RateLimited++
		case r.Err != nil:
			stats.Failed++
		case r.Envelope.FromCache:
			stats.Hits++
		default:
			stats.Misses++
		}
	}
	return stats
}
