// Package testutil provides a configurable fake upstream API for tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Response defines one canned upstream response.
type Response struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Upstream is a fake third-party API. Unknown paths echo the request back
// as JSON.
type Upstream struct {
	server *httptest.Server

	mu        sync.Mutex
	responses map[string][]Response
	counts    map[string]int
	total     int
	last      *http.Request
	lastBody  []byte
}

// NewUpstream starts a fake upstream server.
func NewUpstream() *Upstream {
	u := &Upstream{
		responses: make(map[string][]Response),
		counts:    make(map[string]int),
	}
	u.server = httptest.NewServer(http.HandlerFunc(u.serve))
	return u
}

// URL returns the server base URL.
func (u *Upstream) URL() string {
	return u.server.URL
}

// Close shuts down the server.
func (u *Upstream) Close() {
	u.server.Close()
}

// SetResponse always answers path with resp.
func (u *Upstream) SetResponse(path string, resp Response) {
	u.SetSequence(path, resp)
}

// SetSequence answers successive requests to path with resps in order; the
// last one repeats.
func (u *Upstream) SetSequence(path string, resps ...Response) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.responses[path] = resps
}

// Requests returns the number of requests to path, or to any path when
// path is empty.
func (u *Upstream) Requests(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if path == "" {
		return u.total
	}
	return u.counts[path]
}

// LastRequest returns the most recent request and its body.
func (u *Upstream) LastRequest() (*http.Request, []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last, u.lastBody
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	n := u.counts[r.URL.Path]
	u.counts[r.URL.Path]++
	u.total++
	u.last = r.Clone(r.Context())
	u.lastBody = body
	seq, ok := u.responses[r.URL.Path]
	u.mu.Unlock()

	if !ok || len(seq) == 0 {
		echo(w, r, body)
		return
	}

	resp := seq[len(seq)-1]
	if n < len(seq) {
		resp = seq[n]
	}
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func echo(w http.ResponseWriter, r *http.Request, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
		"body":   string(body),
	})
}

// JSON returns a 200 response with body.
func JSON(body string) Response {
	return Response{StatusCode: http.StatusOK, Body: body}
}

// Status returns a JSON error response with code.
func Status(code int) Response {
	return Response{StatusCode: code, Body: `{"error":"` + http.StatusText(code) + `"}`}
}
