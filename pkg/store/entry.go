package store

import (
	"time"

	"github.com/Sternrassler/api-cache/pkg/compression"
)

// Entry is one cached API response.
type Entry struct {
	ID       int64  `json:"id"`
	Client   string `json:"client"`
	Key      string `json:"key"`
	Endpoint string `json:"endpoint" validate:"required"`
	BaseURL  string `json:"base_url,omitempty"`
	FullURL  string `json:"full_url,omitempty"`
	Method   string `json:"method"`
	Version  string `json:"version,omitempty"`
	// Attributes is a free-form JSON document.
	Attributes string   `json:"attributes,omitempty"`
	Credits    *int     `json:"credits,omitempty"`
	Cost       *float64 `json:"cost,omitempty"`

	RequestHeaders  []byte `json:"request_headers,omitempty"`
	RequestBody     []byte `json:"request_body,omitempty"`
	ResponseHeaders []byte `json:"response_headers,omitempty"`
	ResponseBody    []byte `json:"response_body" validate:"required"`

	ResponseStatusCode   int     `json:"response_status_code"`
	ResponseSize         int     `json:"response_size"`
	ResponseTime         float64 `json:"response_time"`
	RequestParamsSummary string  `json:"request_params_summary,omitempty"`

	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	ProcessedStatus *string    `json:"processed_status,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Payload returns a pointer to the column holding field.
func (e *Entry) Payload(field compression.Field) *[]byte {
	switch field {
	case compression.FieldRequestHeaders:
		return &e.RequestHeaders
	case compression.FieldRequestBody:
		return &e.RequestBody
	case compression.FieldResponseHeaders:
		return &e.ResponseHeaders
	case compression.FieldResponseBody:
		return &e.ResponseBody
	}
	return nil
}

// Expired reports whether the entry's TTL has passed at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	for _, f := range compression.Fields {
		if p := e.Payload(f); *p != nil {
			*c.Payload(f) = append([]byte(nil), (*p)...)
		}
	}
	if e.Credits != nil {
		v := *e.Credits
		c.Credits = &v
	}
	if e.Cost != nil {
		v := *e.Cost
		c.Cost = &v
	}
	if e.ExpiresAt != nil {
		v := *e.ExpiresAt
		c.ExpiresAt = &v
	}
	if e.ProcessedAt != nil {
		v := *e.ProcessedAt
		c.ProcessedAt = &v
	}
	if e.ProcessedStatus != nil {
		v := *e.ProcessedStatus
		c.ProcessedStatus = &v
	}
	return &c
}
