package cache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Response is a reconstructed upstream HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Data       []byte
}

// NewResponse builds a Response from its parts.
func NewResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = http.Header{}
	}
	return &Response{StatusCode: status, Header: header, Data: body}
}

// Status returns the HTTP status code.
func (r *Response) Status() int { return r.StatusCode }

// Headers returns all response headers.
func (r *Response) Headers() http.Header { return r.Header }

// HeaderValue returns the first value of the named header.
func (r *Response) HeaderValue(name string) string { return r.Header.Get(name) }

// Body returns the response body.
func (r *Response) Body() []byte { return r.Data }

// HTTPResponse converts r to a *http.Response with a fresh body reader.
func (r *Response) HTTPResponse() *http.Response {
	return &http.Response{
		Status:        strconv.Itoa(r.StatusCode) + " " + http.StatusText(r.StatusCode),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.Data)),
		ContentLength: int64(len(r.Data)),
	}
}

// RequestInfo describes the request that produced a response.
type RequestInfo struct {
	BaseURL string
	FullURL string
	Method  string
	Headers http.Header
	Body    []byte
}

// Envelope is a response together with its request and billing metadata.
// It is what callers store and what a cache hit returns.
type Envelope struct {
	Response *Response
	// ResponseTime is the upstream round trip in seconds.
	ResponseTime float64
	Request      RequestInfo

	Version    string
	Attributes string
	Credits    *int
	Cost       *float64

	// Set on envelopes read from the cache.
	FromCache bool
	Key       string
	CachedAt  time.Time
	ExpiresAt *time.Time
}

// IsSuccess reports a 2xx response.
func (e *Envelope) IsSuccess() bool {
	return e.Response != nil && e.Response.StatusCode >= 200 && e.Response.StatusCode < 300
}
