//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/api-cache/pkg/compression"
)

// setupPostgres starts a Postgres container and returns a repository on it.
func setupPostgres(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "apicache",
			"POSTGRES_PASSWORD": "apicache",
			"POSTGRES_DB":       "apicache",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Postgres endpoint: %v", err)
	}

	dsn := fmt.Sprintf("postgres://apicache:apicache@%s/apicache?sslmode=disable", endpoint)
	db, dialect, err := Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	comp, err := compression.NewService(compression.Config{
		Algorithm: compression.Zstd,
		Clients:   map[string]compression.Options{"packed": {Enabled: true}},
	})
	require.NoError(t, err)

	repo, err := NewRepository(db, Options{Dialect: dialect, Compressor: comp, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return repo
}

func TestRepository_Integration_Postgres(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()

	for _, client := range []string{"openai", "packed"} {
		in := sampleEntry()
		require.NoError(t, repo.Store(ctx, client, "k1", in, time.Hour))
		require.NoError(t, repo.Store(ctx, client, "k1", in, time.Hour))

		got, err := repo.Get(ctx, client, "k1")
		require.NoError(t, err)
		assert.Equal(t, in.ResponseBody, got.ResponseBody)
		assert.Equal(t, in.RequestBody, got.RequestBody)
		require.NotNil(t, got.ExpiresAt)

		require.NoError(t, repo.Store(ctx, client, "old", in, time.Millisecond))
		time.Sleep(10 * time.Millisecond)

		_, err = repo.Get(ctx, client, "old")
		assert.True(t, errors.Is(err, ErrNotFound))

		n, err := repo.Cleanup(ctx, client)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		require.NoError(t, repo.ClearTable(ctx, client))
		table, _ := repo.TableName(client)
		count, err := repo.Count(ctx, table)
		require.NoError(t, err)
		assert.Zero(t, count)
	}
}
