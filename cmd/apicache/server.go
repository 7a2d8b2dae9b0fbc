package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/api-cache/pkg/cache"
	"github.com/Sternrassler/api-cache/pkg/client"
	"github.com/Sternrassler/api-cache/pkg/metrics"
)

// hopHeaders are not copied from cached or upstream responses.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// pinger reports backend readiness.
type pinger interface {
	PingContext(ctx context.Context) error
}

type server struct {
	clients map[string]*client.Client
	db      pinger
	timeout time.Duration
	logger  zerolog.Logger
}

// newHandler returns the HTTP routes of the serve command.
func newHandler(clients map[string]*client.Client, db pinger, logger zerolog.Logger) http.Handler {
	s := &server{clients: clients, db: db, timeout: 2 * time.Minute, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("GET /health", metrics.Instrument("health", http.HandlerFunc(s.health)))
	mux.Handle("GET /ready", metrics.Instrument("ready", http.HandlerFunc(s.ready)))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /api/{client}/{endpoint...}", metrics.Instrument("api", http.HandlerFunc(s.proxy)))
	mux.Handle("POST /api/{client}/{endpoint...}", metrics.Instrument("api", http.HandlerFunc(s.proxy)))
	return mux
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness check failed")
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprint(w, "READY")
}

// proxy serves /api/{client}/{endpoint...} through the caching client.
// GET query parameters and POST JSON bodies become request params.
func (s *server) proxy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("client")
	c, ok := s.clients[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown client %q", name))
		return
	}

	params, err := requestParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	env, err := c.Do(ctx, client.Request{
		Method:   r.Method,
		Endpoint: r.PathValue("endpoint"),
		Params:   params,
		Refresh:  r.Header.Get("Cache-Control") == "no-cache",
	})

	var rlErr *client.RateLimitError
	switch {
	case errors.As(err, &rlErr):
		secs := int(math.Ceil(rlErr.AvailableIn.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, rlErr.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Str("client", name).Str("endpoint", r.PathValue("endpoint")).Msg("Upstream request failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeEnvelope(w, env)
}

func requestParams(r *http.Request) (map[string]any, error) {
	params := make(map[string]any)
	for key, vals := range r.URL.Query() {
		if len(vals) == 1 {
			params[key] = vals[0]
			continue
		}
		list := make([]any, len(vals))
		for i, v := range vals {
			list[i] = v
		}
		params[key] = list
	}

	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			var fields map[string]any
			if err := json.Unmarshal(body, &fields); err != nil {
				return nil, fmt.Errorf("body must be a JSON object: %w", err)
			}
			for k, v := range fields {
				params[k] = v
			}
		}
	}
	return params, nil
}

func writeEnvelope(w http.ResponseWriter, env *cache.Envelope) {
	for key, values := range env.Response.Headers() {
		if hopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if env.FromCache {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	if env.Key != "" {
		w.Header().Set("X-Cache-Key", env.Key)
	}
	w.WriteHeader(env.Response.Status())
	w.Write(env.Response.Body())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
