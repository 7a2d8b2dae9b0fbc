package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// columns lists every writable column in insert order.
var columns = []string{
	`"key"`, "client", "endpoint", "base_url", "full_url", "method", "version",
	"attributes", "credits", "cost",
	"request_headers", "request_body", "response_headers", "response_body",
	"response_status_code", "response_size", "response_time", "request_params_summary",
	"expires_at", "processed_at", "processed_status", "created_at", "updated_at",
}

var selectColumns = "id, " + strings.Join(columns, ", ")

func (r *Repository) upsert(ctx context.Context, table string, e *Entry, resetProcessing, raw bool) error {
	var updates []string
	for _, col := range columns {
		switch col {
		case `"key"`:
			continue
		case "created_at", "processed_at", "processed_status":
			if raw {
				updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
			} else if resetProcessing && col != "created_at" {
				updates = append(updates, col+" = NULL")
			}
		default:
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT ("key") DO UPDATE SET %s`,
		table,
		strings.Join(columns, ", "),
		r.dialect.placeholders(1, len(columns)),
		strings.Join(updates, ", "),
	)

	if _, err := r.db.ExecContext(ctx, query, values(e)...); err != nil {
		return fmt.Errorf("upsert %s into %s: %w", e.Key, table, err)
	}
	return nil
}

func values(e *Entry) []any {
	return []any{
		e.Key, e.Client, e.Endpoint, nullString(e.BaseURL), nullString(e.FullURL), e.Method, nullString(e.Version),
		nullString(e.Attributes), nullInt(e.Credits), nullFloat(e.Cost),
		nullBytes(e.RequestHeaders), nullBytes(e.RequestBody), nullBytes(e.ResponseHeaders), nullBytes(e.ResponseBody),
		e.ResponseStatusCode, e.ResponseSize, e.ResponseTime, nullString(e.RequestParamsSummary),
		nullTime(e.ExpiresAt), nullTime(e.ProcessedAt), nullStringPtr(e.ProcessedStatus), e.CreatedAt, e.UpdatedAt,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e                                Entry
		baseURL, fullURL, version, attrs sql.NullString
		summary, processedStatus         sql.NullString
		credits                          sql.NullInt64
		cost                             sql.NullFloat64
		expiresAt, processedAt           sql.NullTime
	)
	err := s.Scan(
		&e.ID, &e.Key, &e.Client, &e.Endpoint, &baseURL, &fullURL, &e.Method, &version,
		&attrs, &credits, &cost,
		&e.RequestHeaders, &e.RequestBody, &e.ResponseHeaders, &e.ResponseBody,
		&e.ResponseStatusCode, &e.ResponseSize, &e.ResponseTime, &summary,
		&expiresAt, &processedAt, &processedStatus, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.BaseURL = baseURL.String
	e.FullURL = fullURL.String
	e.Version = version.String
	e.Attributes = attrs.String
	e.RequestParamsSummary = summary.String
	if credits.Valid {
		v := int(credits.Int64)
		e.Credits = &v
	}
	if cost.Valid {
		e.Cost = &cost.Float64
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		e.ExpiresAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		e.ProcessedAt = &t
	}
	if processedStatus.Valid {
		e.ProcessedStatus = &processedStatus.String
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
