package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/api-cache/pkg/compression"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestRepository(t *testing.T) (*Repository, *testClock) {
	t.Helper()

	db, dialect, err := Open("sqlite", filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	comp, err := compression.NewService(compression.Config{
		Clients: map[string]compression.Options{
			"packed": {Enabled: true},
		},
	})
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	repo, err := NewRepository(db, Options{
		Dialect:    dialect,
		Compressor: comp,
		Logger:     zerolog.Nop(),
		Now:        clock.Now,
	})
	require.NoError(t, err)
	return repo, clock
}

func sampleEntry() *Entry {
	credits := 2
	cost := 0.0125
	return &Entry{
		Endpoint:             "serp/google/organic/live",
		BaseURL:              "https://api.example.com",
		FullURL:              "https://api.example.com/v3/serp/google/organic/live",
		Method:               "POST",
		Version:              "v3",
		Attributes:           `{"location":"US"}`,
		Credits:              &credits,
		Cost:                 &cost,
		RequestHeaders:       []byte(`{"Content-Type":["application/json"]}`),
		RequestBody:          []byte(`[{"keyword":"golang"}]`),
		ResponseHeaders:      []byte(`{"Content-Type":["application/json"]}`),
		ResponseBody:         []byte(`{"status_code":20000,"tasks":[{"result":[1,2,3]}]}`),
		ResponseStatusCode:   200,
		ResponseTime:         0.42,
		RequestParamsSummary: "keyword=golang",
	}
}

func TestTableName(t *testing.T) {
	repo, _ := newTestRepository(t)

	tests := []struct {
		name    string
		client  string
		want    string
		wantErr bool
	}{
		{name: "plain", client: "openai", want: "api_cache_openai_responses"},
		{name: "dash lowered", client: "Test-Client", want: "api_cache_test_client_responses"},
		{name: "compressed suffix", client: "packed", want: "api_cache_packed_responses_compressed"},
		{name: "space rejected", client: "bad client", wantErr: true},
		{name: "dot rejected", client: "bad.client", wantErr: true},
		{name: "empty rejected", client: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.TableName(tt.client)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidClient))
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTableName_LengthCapped(t *testing.T) {
	repo, _ := newTestRepository(t)

	long := strings.Repeat("x", 100)
	plain, err := repo.TableNameFor(long, false)
	require.NoError(t, err)
	packed, err := repo.TableNameFor(long, true)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(plain), maxIdentifierLength)
	assert.LessOrEqual(t, len(packed), maxIdentifierLength)
	assert.True(t, strings.HasSuffix(plain, "_responses"))
	assert.True(t, strings.HasSuffix(packed, "_responses_compressed"))
	assert.NotEqual(t, plain, packed)
}

func TestStoreAndGet(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	in := sampleEntry()
	require.NoError(t, repo.Store(ctx, "openai", "openai.post.chat.abc", in, 0))

	got, err := repo.Get(ctx, "openai", "openai.post.chat.abc")
	require.NoError(t, err)

	assert.Equal(t, "openai", got.Client)
	assert.Equal(t, "openai.post.chat.abc", got.Key)
	assert.Equal(t, in.Endpoint, got.Endpoint)
	assert.Equal(t, in.BaseURL, got.BaseURL)
	assert.Equal(t, in.FullURL, got.FullURL)
	assert.Equal(t, in.Method, got.Method)
	assert.Equal(t, in.Version, got.Version)
	assert.Equal(t, in.Attributes, got.Attributes)
	assert.Equal(t, *in.Credits, *got.Credits)
	assert.InDelta(t, *in.Cost, *got.Cost, 1e-9)
	assert.Equal(t, in.RequestHeaders, got.RequestHeaders)
	assert.Equal(t, in.RequestBody, got.RequestBody)
	assert.Equal(t, in.ResponseHeaders, got.ResponseHeaders)
	assert.Equal(t, in.ResponseBody, got.ResponseBody)
	assert.Equal(t, 200, got.ResponseStatusCode)
	assert.Equal(t, len(in.ResponseBody), got.ResponseSize)
	assert.InDelta(t, 0.42, got.ResponseTime, 1e-9)
	assert.Nil(t, got.ExpiresAt)
	assert.Nil(t, got.ProcessedAt)
}

func TestStore_DefaultsMethod(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	e := sampleEntry()
	e.Method = ""
	require.NoError(t, repo.Store(ctx, "openai", "k", e, 0))

	got, err := repo.Get(ctx, "openai", "k")
	require.NoError(t, err)
	assert.Equal(t, "GET", got.Method)
}

func TestStore_NullableFields(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	e := &Entry{Endpoint: "models", ResponseBody: []byte(`[]`), ResponseStatusCode: 200}
	require.NoError(t, repo.Store(ctx, "openai", "k", e, 0))

	got, err := repo.Get(ctx, "openai", "k")
	require.NoError(t, err)
	assert.Nil(t, got.Credits)
	assert.Nil(t, got.Cost)
	assert.Nil(t, got.RequestHeaders)
	assert.Nil(t, got.RequestBody)
	assert.Empty(t, got.Version)
}

func TestStore_Validation(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(e *Entry)
		field  string
	}{
		{name: "missing endpoint", mutate: func(e *Entry) { e.Endpoint = "" }, field: "Endpoint"},
		{name: "missing response body", mutate: func(e *Entry) { e.ResponseBody = nil }, field: "ResponseBody"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := sampleEntry()
			tt.mutate(e)
			err := repo.Store(ctx, "openai", "k", e, 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Fields, tt.field)
		})
	}

	err := repo.Store(ctx, "bad client", "k", sampleEntry(), 0)
	assert.True(t, errors.Is(err, ErrInvalidClient))
}

func TestStore_Compressed(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	in := sampleEntry()
	require.NoError(t, repo.Store(ctx, "packed", "packed.get.x.1", in, 0))

	table, err := repo.TableName("packed")
	require.NoError(t, err)
	raw, err := repo.Row(ctx, table, "packed.get.x.1")
	require.NoError(t, err)

	assert.False(t, bytes.Equal(in.ResponseBody, raw.ResponseBody), "body stored uncompressed")
	assert.Equal(t, len(raw.ResponseBody), raw.ResponseSize)

	got, err := repo.Get(ctx, "packed", "packed.get.x.1")
	require.NoError(t, err)
	assert.Equal(t, in.ResponseBody, got.ResponseBody)
	assert.Equal(t, in.RequestHeaders, got.RequestHeaders)
}

func TestGet_CorruptCompressedPayload(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	table, err := repo.TableName("packed")
	require.NoError(t, err)
	e := sampleEntry()
	e.Key = "corrupt"
	e.Client = "packed"
	require.NoError(t, repo.Write(ctx, table, e))

	_, err = repo.Get(ctx, "packed", "corrupt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, compression.ErrInvalidData))
}

func TestGet_Missing(t *testing.T) {
	repo, _ := newTestRepository(t)
	_, err := repo.Get(context.Background(), "openai", "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_TTLExpiry(t *testing.T) {
	repo, clock := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, "openai", "short", sampleEntry(), time.Minute))
	require.NoError(t, repo.Store(ctx, "openai", "forever", sampleEntry(), 0))

	got, err := repo.Get(ctx, "openai", "short")
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(clock.now.Add(time.Minute)))

	clock.now = clock.now.Add(2 * time.Minute)

	_, err = repo.Get(ctx, "openai", "short")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = repo.Get(ctx, "openai", "forever")
	assert.NoError(t, err)

	n, err := repo.Cleanup(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	table, _ := repo.TableName("openai")
	count, err := repo.Count(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStore_UpsertPreservesProcessing(t *testing.T) {
	repo, clock := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, "openai", "k", sampleEntry(), 0))

	table, _ := repo.TableName("openai")
	row, err := repo.Row(ctx, table, "k")
	require.NoError(t, err)
	processed := clock.now
	status := `{"status":"OK"}`
	row.ProcessedAt = &processed
	row.ProcessedStatus = &status
	require.NoError(t, repo.Write(ctx, table, row))

	updated := sampleEntry()
	updated.ResponseBody = []byte(`{"fresh":true}`)
	require.NoError(t, repo.Store(ctx, "openai", "k", updated, 0))

	got, err := repo.Get(ctx, "openai", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"fresh":true}`), got.ResponseBody)
	require.NotNil(t, got.ProcessedAt)
	require.NotNil(t, got.ProcessedStatus)
	assert.Equal(t, status, *got.ProcessedStatus)

	count, _ := repo.Count(ctx, table)
	assert.Equal(t, int64(1), count)

	require.NoError(t, repo.Store(ctx, "openai", "k", updated, 0, ResetProcessing()))
	got, err = repo.Get(ctx, "openai", "k")
	require.NoError(t, err)
	assert.Nil(t, got.ProcessedAt)
	assert.Nil(t, got.ProcessedStatus)
}

func TestClearTable(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Store(ctx, "openai", k, sampleEntry(), 0))
	}
	require.NoError(t, repo.Store(ctx, "youtube", "a", sampleEntry(), 0))

	require.NoError(t, repo.ClearTable(ctx, "openai"))

	_, err := repo.Get(ctx, "openai", "a")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = repo.Get(ctx, "youtube", "a")
	assert.NoError(t, err)
}

func TestRows_Paging(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	keys := []string{"k1", "k2", "k3", "k4", "k5"}
	for _, k := range keys {
		require.NoError(t, repo.Store(ctx, "openai", k, sampleEntry(), 0))
	}
	table, _ := repo.TableName("openai")

	first, err := repo.Rows(ctx, table, 2, 0)
	require.NoError(t, err)
	second, err := repo.Rows(ctx, table, 2, 2)
	require.NoError(t, err)
	last, err := repo.Rows(ctx, table, 2, 4)
	require.NoError(t, err)
	empty, err := repo.Rows(ctx, table, 2, 6)
	require.NoError(t, err)

	require.Len(t, first, 2)
	require.Len(t, second, 2)
	require.Len(t, last, 1)
	assert.Empty(t, empty)
	assert.Equal(t, "k1", first[0].Key)
	assert.Equal(t, "k3", second[0].Key)
	assert.Equal(t, "k5", last[0].Key)
}
