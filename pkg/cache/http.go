package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// sensitiveHeaders are masked before request headers are persisted.
var sensitiveHeaders = []string{"Authorization", "Proxy-Authorization", "X-Api-Key", "Api-Key", "Cookie"}

const redacted = "[REDACTED]"

// ResponseToEnvelope converts an upstream HTTP response to an Envelope.
// reqBody is the body that was sent, since resp.Request.Body is consumed.
// The response body is restored after reading.
func ResponseToEnvelope(resp *http.Response, reqBody []byte, elapsed time.Duration) (*Envelope, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	env := &Envelope{
		Response:     NewResponse(resp.StatusCode, resp.Header.Clone(), body),
		ResponseTime: elapsed.Seconds(),
	}

	if req := resp.Request; req != nil {
		env.Request = RequestInfo{
			Method:  req.Method,
			Headers: RedactHeaders(req.Header),
			Body:    reqBody,
		}
		if req.URL != nil {
			env.Request.FullURL = req.URL.String()
			env.Request.BaseURL = req.URL.Scheme + "://" + req.URL.Host
		}
	}
	return env, nil
}

// RedactHeaders returns a copy of h with credentials masked.
func RedactHeaders(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for _, name := range sensitiveHeaders {
		if out.Get(name) != "" {
			out.Set(name, redacted)
		}
	}
	return out
}

// IsRedacted reports whether value was masked by RedactHeaders.
func IsRedacted(value string) bool {
	return strings.EqualFold(value, redacted)
}
