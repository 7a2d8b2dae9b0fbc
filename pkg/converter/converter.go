// Package converter migrates a client's cached responses from the
// uncompressed table into its compressed counterpart and verifies the copy.
//
// Conversion runs in offset batches over the source table, which is never
// modified, so an interrupted run can be repeated: rows already present in
// the destination are skipped unless Overwrite is set.
package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/api-cache/pkg/compression"
	"github.com/Sternrassler/api-cache/pkg/store"
)

// DefaultBatchSize is used when Options.BatchSize is not positive.
const DefaultBatchSize = 100

// maxRecordedErrors caps Stats.Errors; ErrorCount keeps counting.
const maxRecordedErrors = 50

var rowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "apicache_converter_rows_total",
	Help: "Rows handled by the compression converter by operation and result",
}, []string{"client", "operation", "result"})

// Repository is the raw table access the converter needs.
type Repository interface {
	TableNameFor(client string, compressed bool) (string, error)
	EnsureTable(ctx context.Context, table string) error
	Rows(ctx context.Context, table string, limit, offset int) ([]store.Entry, error)
	Row(ctx context.Context, table, key string) (*store.Entry, error)
	Write(ctx context.Context, table string, entry *store.Entry) error
}

// Compressor compresses payloads regardless of client settings.
type Compressor interface {
	ForceCompress(data []byte) ([]byte, error)
	ForceDecompress(data []byte) ([]byte, error)
	FieldEnabled(client string, field compression.Field) bool
}

// Options configures a Converter.
type Options struct {
	BatchSize int
	// Overwrite replaces rows already present in the destination.
	Overwrite bool
	// CopyProcessingState copies processed_at and processed_status; otherwise
	// they are reset so processors handle the rows again.
	CopyProcessingState bool
}

// Converter copies one client's uncompressed table into its compressed table.
type Converter struct {
	repo   Repository
	comp   Compressor
	client string
	opts   Options
	logger zerolog.Logger
}

// New creates a converter for client.
func New(repo Repository, comp Compressor, client string, opts Options, logger zerolog.Logger) *Converter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Converter{
		repo:   repo,
		comp:   comp,
		client: client,
		opts:   opts,
		logger: logger.With().Str("client", client).Logger(),
	}
}

// RowError is a failure on a single row. It never aborts a batch.
type RowError struct {
	Key string
	Op  string
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s row %s: %v", e.Op, e.Key, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Stats summarizes a conversion run.
type Stats struct {
	TotalCount     int         `json:"total_count"`
	ProcessedCount int         `json:"processed_count"`
	SkippedCount   int         `json:"skipped_count"`
	ErrorCount     int         `json:"error_count"`
	Errors         []*RowError `json:"-"`
}

func (s *Stats) add(o Stats) {
	s.TotalCount += o.TotalCount
	s.ProcessedCount += o.ProcessedCount
	s.SkippedCount += o.SkippedCount
	s.ErrorCount += o.ErrorCount
	s.Errors = appendErrors(s.Errors, o.Errors...)
}

func appendErrors(dst []*RowError, errs ...*RowError) []*RowError {
	for _, e := range errs {
		if len(dst) >= maxRecordedErrors {
			break
		}
		dst = append(dst, e)
	}
	return dst
}

func (c *Converter) tables() (src, dst string, err error) {
	src, err = c.repo.TableNameFor(c.client, false)
	if err != nil {
		return "", "", err
	}
	dst, err = c.repo.TableNameFor(c.client, true)
	if err != nil {
		return "", "", err
	}
	return src, dst, nil
}

// ConvertBatch converts up to batchSize source rows starting at offset.
// A non-positive batchSize uses the configured batch size.
func (c *Converter) ConvertBatch(ctx context.Context, batchSize, offset int) (Stats, error) {
	var stats Stats
	if batchSize <= 0 {
		batchSize = c.opts.BatchSize
	}

	src, dst, err := c.tables()
	if err != nil {
		return stats, err
	}
	if err := c.repo.EnsureTable(ctx, dst); err != nil {
		return stats, err
	}

	rows, err := c.repo.Rows(ctx, src, batchSize, offset)
	if err != nil {
		return stats, fmt.Errorf("read batch at offset %d: %w", offset, err)
	}
	stats.TotalCount = len(rows)

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		row := &rows[i]

		skipped, err := c.convertRow(ctx, dst, row)
		switch {
		case err != nil:
			stats.ErrorCount++
			rerr := &RowError{Key: row.Key, Op: "convert", Err: err}
			stats.Errors = appendErrors(stats.Errors, rerr)
			rowsTotal.WithLabelValues(c.client, "convert", "error").Inc()
			c.logger.Warn().Err(err).Str("key", row.Key).Msg("Row conversion failed")
		case skipped:
			stats.SkippedCount++
			rowsTotal.WithLabelValues(c.client, "convert", "skipped").Inc()
		default:
			stats.ProcessedCount++
			rowsTotal.WithLabelValues(c.client, "convert", "processed").Inc()
		}
	}

	c.logger.Info().
		Int("offset", offset).
		Int("total", stats.TotalCount).
		Int("processed", stats.ProcessedCount).
		Int("skipped", stats.SkippedCount).
		Int("errors", stats.ErrorCount).
		Msg("Conversion batch finished")
	return stats, nil
}

func (c *Converter) convertRow(ctx context.Context, dst string, row *store.Entry) (bool, error) {
	if !c.opts.Overwrite {
		_, err := c.repo.Row(ctx, dst, row.Key)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}

	out := row.Clone()
	for _, f := range compression.Fields {
		if !c.comp.FieldEnabled(c.client, f) {
			continue
		}
		p := out.Payload(f)
		if *p == nil {
			continue
		}
		packed, err := c.comp.ForceCompress(*p)
		if err != nil {
			return false, fmt.Errorf("compress %s: %w", f, err)
		}
		*p = packed
	}
	out.ResponseSize = len(out.ResponseBody)

	if !c.opts.CopyProcessingState {
		out.ProcessedAt = nil
		out.ProcessedStatus = nil
	}

	return false, c.repo.Write(ctx, dst, out)
}

// ConvertAll converts the whole table batch by batch until a batch comes
// back empty.
func (c *Converter) ConvertAll(ctx context.Context) (Stats, error) {
	var total Stats
	for offset := 0; ; offset += c.opts.BatchSize {
		stats, err := c.ConvertBatch(ctx, c.opts.BatchSize, offset)
		total.add(stats)
		if err != nil {
			return total, err
		}
		if stats.TotalCount == 0 {
			return total, nil
		}
	}
}

// ValidationStats summarizes a validation run.
type ValidationStats struct {
	TotalCount     int         `json:"total_count"`
	ValidatedCount int         `json:"validated_count"`
	MismatchCount  int         `json:"mismatch_count"`
	MissingCount   int         `json:"missing_count"`
	ErrorCount     int         `json:"error_count"`
	Errors         []*RowError `json:"-"`
}

func (s *ValidationStats) add(o ValidationStats) {
	s.TotalCount += o.TotalCount
	s.ValidatedCount += o.ValidatedCount
	s.MismatchCount += o.MismatchCount
	s.MissingCount += o.MissingCount
	s.ErrorCount += o.ErrorCount
	s.Errors = appendErrors(s.Errors, o.Errors...)
}

// ValidateBatch compares up to batchSize source rows starting at offset with
// their compressed copies.
func (c *Converter) ValidateBatch(ctx context.Context, batchSize, offset int) (ValidationStats, error) {
	var stats ValidationStats
	if batchSize <= 0 {
		batchSize = c.opts.BatchSize
	}

	src, dst, err := c.tables()
	if err != nil {
		return stats, err
	}

	rows, err := c.repo.Rows(ctx, src, batchSize, offset)
	if err != nil {
		return stats, fmt.Errorf("read batch at offset %d: %w", offset, err)
	}
	stats.TotalCount = len(rows)

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		row := &rows[i]

		packed, err := c.repo.Row(ctx, dst, row.Key)
		if errors.Is(err, store.ErrNotFound) {
			stats.MissingCount++
			rowsTotal.WithLabelValues(c.client, "validate", "missing").Inc()
			continue
		}
		if err == nil {
			var ok bool
			ok, err = c.ValidateRow(row, packed)
			if err == nil && !ok {
				stats.MismatchCount++
				rowsTotal.WithLabelValues(c.client, "validate", "mismatch").Inc()
				c.logger.Warn().Str("key", row.Key).Msg("Compressed row does not match source")
				continue
			}
		}
		if err != nil {
			stats.ErrorCount++
			stats.Errors = appendErrors(stats.Errors, &RowError{Key: row.Key, Op: "validate", Err: err})
			rowsTotal.WithLabelValues(c.client, "validate", "error").Inc()
			continue
		}
		stats.ValidatedCount++
		rowsTotal.WithLabelValues(c.client, "validate", "ok").Inc()
	}

	c.logger.Info().
		Int("offset", offset).
		Int("total", stats.TotalCount).
		Int("validated", stats.ValidatedCount).
		Int("mismatches", stats.MismatchCount).
		Int("missing", stats.MissingCount).
		Int("errors", stats.ErrorCount).
		Msg("Validation batch finished")
	return stats, nil
}

// ValidateAll validates the whole table batch by batch.
func (c *Converter) ValidateAll(ctx context.Context) (ValidationStats, error) {
	var total ValidationStats
	for offset := 0; ; offset += c.opts.BatchSize {
		stats, err := c.ValidateBatch(ctx, c.opts.BatchSize, offset)
		total.add(stats)
		if err != nil {
			return total, err
		}
		if stats.TotalCount == 0 {
			return total, nil
		}
	}
}

// ValidateRow reports whether packed is a faithful compressed copy of src.
// A payload that fails to decompress yields false and the error.
func (c *Converter) ValidateRow(src, packed *store.Entry) (bool, error) {
	if !sameDescriptors(src, packed) || !c.sameProcessingState(src, packed) {
		return false, nil
	}

	for _, f := range compression.Fields {
		want, got := *src.Payload(f), *packed.Payload(f)
		if (want == nil) != (got == nil) {
			return false, nil
		}
		if want == nil {
			continue
		}
		if c.comp.FieldEnabled(c.client, f) {
			out, err := c.comp.ForceDecompress(got)
			if err != nil {
				return false, fmt.Errorf("decompress %s: %w", f, err)
			}
			got = out
		}
		if !bytes.Equal(want, got) {
			return false, nil
		}
	}

	return packed.ResponseSize == len(packed.ResponseBody), nil
}

func sameDescriptors(a, b *store.Entry) bool {
	return a.Key == b.Key &&
		a.Client == b.Client &&
		a.Endpoint == b.Endpoint &&
		a.BaseURL == b.BaseURL &&
		a.FullURL == b.FullURL &&
		a.Method == b.Method &&
		a.Version == b.Version &&
		a.Attributes == b.Attributes &&
		equalPtr(a.Credits, b.Credits) &&
		equalPtr(a.Cost, b.Cost) &&
		a.ResponseStatusCode == b.ResponseStatusCode &&
		a.ResponseTime == b.ResponseTime &&
		a.RequestParamsSummary == b.RequestParamsSummary &&
		equalTime(a.ExpiresAt, b.ExpiresAt) &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

// sameProcessingState checks packed against src when the state is copied,
// and that it was cleared otherwise.
func (c *Converter) sameProcessingState(src, packed *store.Entry) bool {
	if !c.opts.CopyProcessingState {
		return packed.ProcessedAt == nil && packed.ProcessedStatus == nil
	}
	return equalTime(src.ProcessedAt, packed.ProcessedAt) &&
		equalPtr(src.ProcessedStatus, packed.ProcessedStatus)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
