package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL syntax for a database backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// maxIdentifierLength is the Postgres identifier limit; SQLite has none but
// names stay portable between backends.
const maxIdentifierLength = 63

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d Dialect) placeholders(from, count int) string {
	ph := make([]string, count)
	for i := range ph {
		ph[i] = d.placeholder(from + i)
	}
	return strings.Join(ph, ",")
}

func (d Dialect) createTable(table string) []string {
	idCol := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	blob, ts, float := "BLOB", "DATETIME", "REAL"
	if d == Postgres {
		idCol = "id BIGSERIAL PRIMARY KEY"
		blob, ts, float = "BYTEA", "TIMESTAMPTZ", "DOUBLE PRECISION"
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s,
			"key" TEXT NOT NULL UNIQUE,
			client TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			base_url TEXT,
			full_url TEXT,
			method TEXT NOT NULL,
			version TEXT,
			attributes TEXT,
			credits INTEGER,
			cost %s,
			request_headers %s,
			request_body %s,
			response_headers %s,
			response_body %s,
			response_status_code INTEGER NOT NULL DEFAULT 0,
			response_size INTEGER NOT NULL DEFAULT 0,
			response_time %s NOT NULL DEFAULT 0,
			request_params_summary TEXT,
			expires_at %s,
			processed_at %s,
			processed_status TEXT,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, table, idCol, float, blob, blob, blob, blob, float, ts, ts, ts, ts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expires_at_idx ON %s(expires_at)`, indexBase(table), table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_processed_at_idx ON %s(processed_at)`, indexBase(table), table),
	}
}

// indexBase shortens table so derived index names fit the identifier limit.
func indexBase(table string) string {
	const suffix = len("_processed_at_idx")
	if len(table)+suffix > maxIdentifierLength {
		return table[:maxIdentifierLength-suffix]
	}
	return table
}

// Open opens a database for driver ("sqlite" or "postgres") and dsn.
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, "", err
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == SQLite {
		// Single writer; avoids SQLITE_BUSY across pooled connections.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("enable wal: %w", err)
		}
	}
	return db, dialect, nil
}
