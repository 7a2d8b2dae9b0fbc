// Package store persists cached API responses in per-client SQL tables.
//
// Each client gets its own table, named {prefix}_{client}_responses with a
// _compressed suffix when payload compression is enabled for the client.
// Tables are created on first use. SQLite (modernc.org/sqlite) and Postgres
// (pgx) are supported through database/sql.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/api-cache/pkg/compression"
)

// DefaultPrefix is the table prefix used when Options.Prefix is empty.
const DefaultPrefix = "api_cache"

const compressedSuffix = "_compressed"

var (
	validClient = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	nonAlnum    = regexp.MustCompile(`[^a-z0-9]`)
)

// Compressor compresses payload fields per client.
type Compressor interface {
	IsEnabled(client string, fields ...compression.Field) bool
	Compress(client string, field compression.Field, data []byte) ([]byte, error)
	Decompress(client string, field compression.Field, data []byte) ([]byte, error)
}

type noCompression struct{}

func (noCompression) IsEnabled(string, ...compression.Field) bool { return false }

func (noCompression) Compress(_ string, _ compression.Field, data []byte) ([]byte, error) {
	return data, nil
}

func (noCompression) Decompress(_ string, _ compression.Field, data []byte) ([]byte, error) {
	return data, nil
}

// Options configures a Repository.
type Options struct {
	Dialect Dialect
	// Prefix starts every table name. Defaults to DefaultPrefix.
	Prefix     string
	Compressor Compressor
	Logger     zerolog.Logger
	// Now overrides the clock. Intended for tests.
	Now func() time.Time
}

// Repository stores cache entries in per-client tables.
type Repository struct {
	db      *sql.DB
	dialect Dialect
	prefix  string
	comp    Compressor
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	ensured map[string]bool
}

// NewRepository creates a repository over db.
func NewRepository(db *sql.DB, opts Options) (*Repository, error) {
	if db == nil {
		return nil, errors.New("store: db must not be nil")
	}
	if opts.Dialect == "" {
		opts.Dialect = SQLite
	}
	if opts.Dialect != SQLite && opts.Dialect != Postgres {
		return nil, fmt.Errorf("store: unsupported dialect %q", opts.Dialect)
	}

	prefix := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(opts.Prefix), "_"), "_")
	if opts.Prefix == "" {
		prefix = DefaultPrefix
	}
	comp := opts.Compressor
	if comp == nil {
		comp = noCompression{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Repository{
		db:      db,
		dialect: opts.Dialect,
		prefix:  prefix,
		comp:    comp,
		logger:  opts.Logger,
		now:     func() time.Time { return now().UTC() },
		ensured: make(map[string]bool),
	}, nil
}

// DB returns the underlying database handle.
func (r *Repository) DB() *sql.DB {
	return r.db
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// TableName returns client's table under its current compression setting.
func (r *Repository) TableName(client string) (string, error) {
	return r.TableNameFor(client, r.comp.IsEnabled(client))
}

// TableNameFor returns client's compressed or uncompressed table name.
func (r *Repository) TableNameFor(client string, compressed bool) (string, error) {
	if !validClient.MatchString(client) {
		return "", &ValidationError{
			Fields: []string{"client"},
			Reason: fmt.Sprintf("%q may only contain letters, digits, underscore and dash", client),
			Err:    ErrInvalidClient,
		}
	}

	suffix := "_responses"
	if compressed {
		suffix += compressedSuffix
	}
	head := ""
	if r.prefix != "" {
		head = r.prefix + "_"
	}

	name := nonAlnum.ReplaceAllString(strings.ToLower(client), "_")
	if room := maxIdentifierLength - len(head) - len(suffix); len(name) > room {
		name = name[:room]
	}
	return head + name + suffix, nil
}

// EnsureTable creates table and its indexes if missing.
func (r *Repository) EnsureTable(ctx context.Context, table string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ensured[table] {
		return nil
	}
	for _, stmt := range r.dialect.createTable(table) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}
	r.ensured[table] = true
	return nil
}

// StoreOption adjusts a single Store call.
type StoreOption func(*storeOptions)

type storeOptions struct {
	resetProcessing bool
}

// ResetProcessing clears processed_at and processed_status on upsert so
// downstream processors pick the entry up again.
func ResetProcessing() StoreOption {
	return func(o *storeOptions) { o.resetProcessing = true }
}

// Store validates entry, compresses its payload fields where enabled and
// upserts it under key. A ttl of zero or less stores the entry without expiry.
// Processing state of an existing row is kept unless ResetProcessing is given.
func (r *Repository) Store(ctx context.Context, client, key string, entry *Entry, ttl time.Duration, opts ...StoreOption) error {
	if entry == nil {
		return &ValidationError{Reason: "entry must not be nil", Err: errors.New("nil entry")}
	}
	if key == "" {
		return &ValidationError{Fields: []string{"key"}, Reason: "required field missing"}
	}
	if err := validateEntry(entry); err != nil {
		return err
	}

	var so storeOptions
	for _, opt := range opts {
		opt(&so)
	}

	table, err := r.TableName(client)
	if err != nil {
		return err
	}
	if err := r.EnsureTable(ctx, table); err != nil {
		return err
	}

	row := entry.Clone()
	row.Client = client
	row.Key = key
	if row.Method == "" {
		row.Method = "GET"
	}
	now := r.now()
	row.CreatedAt = now
	row.UpdatedAt = now
	row.ExpiresAt = nil
	if ttl > 0 {
		exp := now.Add(ttl)
		row.ExpiresAt = &exp
	}

	for _, f := range compression.Fields {
		p := row.Payload(f)
		if *p == nil {
			continue
		}
		out, err := r.comp.Compress(client, f, *p)
		if err != nil {
			return fmt.Errorf("compress %s: %w", f, err)
		}
		*p = out
	}
	row.ResponseSize = len(row.ResponseBody)

	if err := r.upsert(ctx, table, row, so.resetProcessing, false); err != nil {
		return err
	}

	r.logger.Debug().
		Str("client", client).
		Str("key", key).
		Str("table", table).
		Int("response_size", row.ResponseSize).
		Msg("Cache entry stored")
	return nil
}

// Get returns the entry stored under key with payloads decompressed.
// Absent and expired entries yield ErrNotFound.
func (r *Repository) Get(ctx context.Context, client, key string) (*Entry, error) {
	table, err := r.TableName(client)
	if err != nil {
		return nil, err
	}
	if err := r.EnsureTable(ctx, table); err != nil {
		return nil, err
	}

	entry, err := r.Row(ctx, table, key)
	if err != nil {
		return nil, err
	}
	if entry.Expired(r.now()) {
		return nil, ErrNotFound
	}

	for _, f := range compression.Fields {
		p := entry.Payload(f)
		if *p == nil {
			continue
		}
		out, err := r.comp.Decompress(client, f, *p)
		if err != nil {
			return nil, fmt.Errorf("decompress %s of %s: %w", f, key, err)
		}
		*p = out
	}
	return entry, nil
}

// Cleanup deletes client's expired entries and returns how many were removed.
func (r *Repository) Cleanup(ctx context.Context, client string) (int64, error) {
	table, err := r.TableName(client)
	if err != nil {
		return 0, err
	}
	if err := r.EnsureTable(ctx, table); err != nil {
		return 0, err
	}

	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= %s`, table, r.dialect.placeholder(1)),
		r.now())
	if err != nil {
		return 0, fmt.Errorf("cleanup %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup %s: %w", table, err)
	}

	r.logger.Info().Str("client", client).Int64("deleted", n).Msg("Expired cache entries removed")
	return n, nil
}

// ClearTable deletes every entry of client.
func (r *Repository) ClearTable(ctx context.Context, client string) error {
	table, err := r.TableName(client)
	if err != nil {
		return err
	}
	if err := r.EnsureTable(ctx, table); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}

	r.logger.Info().Str("client", client).Str("table", table).Msg("Cache table cleared")
	return nil
}

// Count returns the number of rows in table.
func (r *Repository) Count(ctx context.Context, table string) (int64, error) {
	if err := r.EnsureTable(ctx, table); err != nil {
		return 0, err
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Rows returns up to limit raw rows of table ordered by id, starting at offset.
// Payloads are returned as stored.
func (r *Repository) Rows(ctx context.Context, table string, limit, offset int) ([]Entry, error) {
	if err := r.EnsureTable(ctx, table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id LIMIT %s OFFSET %s`,
		selectColumns, table, r.dialect.placeholder(1), r.dialect.placeholder(2))
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

// Row returns the raw row stored under key in table, or ErrNotFound.
// Expiry is not checked.
func (r *Repository) Row(ctx context.Context, table, key string) (*Entry, error) {
	if err := r.EnsureTable(ctx, table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE "key" = %s`, selectColumns, table, r.dialect.placeholder(1))
	e, err := scanEntry(r.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s from %s: %w", key, table, err)
	}
	return e, nil
}

// Write upserts a raw row into table, overwriting every column including
// processing state and timestamps. Payloads are written as given.
func (r *Repository) Write(ctx context.Context, table string, entry *Entry) error {
	if entry == nil || entry.Key == "" {
		return &ValidationError{Fields: []string{"key"}, Reason: "required field missing"}
	}
	if err := r.EnsureTable(ctx, table); err != nil {
		return err
	}

	row := entry.Clone()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = r.now()
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	return r.upsert(ctx, table, row, false, true)
}

// Delete removes key from table.
func (r *Repository) Delete(ctx context.Context, table, key string) error {
	if err := r.EnsureTable(ctx, table); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE "key" = %s`, table, r.dialect.placeholder(1))
	if _, err := r.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("delete %s from %s: %w", key, table, err)
	}
	return nil
}
