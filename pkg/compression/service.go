// Package compression compresses cached request/response payloads per client.
//
// Compression is opt-in per client and can be narrowed per payload field.
// Decompression sniffs the frame header, so data written with gzip stays
// readable after a client switches to zstd and vice versa.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Field names a compressible payload column.
type Field string

// Payload fields stored by the cache repository.
const (
	FieldRequestHeaders  Field = "request_headers"
	FieldRequestBody     Field = "request_body"
	FieldResponseHeaders Field = "response_headers"
	FieldResponseBody    Field = "response_body"
)

// Fields lists every compressible payload field in column order.
var Fields = []Field{FieldRequestHeaders, FieldRequestBody, FieldResponseHeaders, FieldResponseBody}

// Algorithm selects the codec used for new data.
type Algorithm string

const (
	Gzip Algorithm = "gzip"
	Zstd Algorithm = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apicache_compression_operations_total",
		Help: "Total number of compression operations by op and algorithm",
	}, []string{"op", "algorithm"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apicache_compression_errors_total",
		Help: "Total number of failed compression operations",
	}, []string{"op"})
)

// Options holds the compression settings of a single client.
type Options struct {
	Enabled bool
	// Fields overrides enablement per payload field. Missing fields follow Enabled.
	Fields map[Field]bool
}

// Config configures a Service.
type Config struct {
	Clients   map[string]Options
	Algorithm Algorithm
	// Level is the gzip level (1-9). Zero picks the codec default.
	Level int
}

// Service compresses and decompresses payloads according to per-client settings.
type Service struct {
	clients   map[string]Options
	algorithm Algorithm
	level     int

	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
}

// NewService validates cfg and returns a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = Gzip
	}
	if cfg.Algorithm != Gzip && cfg.Algorithm != Zstd {
		return nil, fmt.Errorf("unknown compression algorithm %q", cfg.Algorithm)
	}
	if cfg.Level == 0 {
		cfg.Level = gzip.DefaultCompression
	}
	if cfg.Algorithm == Gzip && (cfg.Level < gzip.HuffmanOnly || cfg.Level > gzip.BestCompression) {
		return nil, fmt.Errorf("gzip level %d out of range", cfg.Level)
	}

	clients := make(map[string]Options, len(cfg.Clients))
	for name, opts := range cfg.Clients {
		clients[name] = opts
	}

	return &Service{
		clients:   clients,
		algorithm: cfg.Algorithm,
		level:     cfg.Level,
	}, nil
}

// IsEnabled reports whether client has compression enabled. When fields are
// given, every one of them must be enabled as well.
func (s *Service) IsEnabled(client string, fields ...Field) bool {
	opts, ok := s.clients[client]
	if !ok || !opts.Enabled {
		return false
	}
	for _, f := range fields {
		if !s.FieldEnabled(client, f) {
			return false
		}
	}
	return true
}

// FieldEnabled reports the per-field override for client, ignoring the
// client-level switch. Fields without an override are enabled.
func (s *Service) FieldEnabled(client string, field Field) bool {
	opts, ok := s.clients[client]
	if !ok || opts.Fields == nil {
		return true
	}
	enabled, ok := opts.Fields[field]
	if !ok {
		return true
	}
	return enabled
}

// Compress compresses data when compression is enabled for client and field.
// Otherwise data is returned unchanged.
func (s *Service) Compress(client string, field Field, data []byte) ([]byte, error) {
	if !s.IsEnabled(client, field) {
		return data, nil
	}
	return s.ForceCompress(data)
}

// Decompress reverses Compress for client and field.
func (s *Service) Decompress(client string, field Field, data []byte) ([]byte, error) {
	if !s.IsEnabled(client, field) {
		return data, nil
	}
	return s.ForceDecompress(data)
}

// ForceCompress compresses data with the configured algorithm regardless of
// client settings. Empty input yields empty output.
func (s *Service) ForceCompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	var (
		out []byte
		err error
	)
	switch s.algorithm {
	case Zstd:
		out, err = s.zstdCompress(data)
	default:
		out, err = s.gzipCompress(data)
	}
	if err != nil {
		errorsTotal.WithLabelValues("compress").Inc()
		return nil, &Error{Op: "compress", Err: err}
	}

	operationsTotal.WithLabelValues("compress", string(s.algorithm)).Inc()
	return out, nil
}

// ForceDecompress decompresses data regardless of client settings. The codec
// is chosen by the frame magic; anything else fails with ErrInvalidData.
func (s *Service) ForceDecompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	var (
		out  []byte
		err  error
		algo Algorithm
	)
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		algo = Gzip
		out, err = gunzip(data)
	case bytes.HasPrefix(data, zstdMagic):
		algo = Zstd
		out, err = s.zstdDecompress(data)
	default:
		err = ErrInvalidData
	}
	if err != nil {
		errorsTotal.WithLabelValues("decompress").Inc()
		return nil, &Error{Op: "decompress", Err: err}
	}

	operationsTotal.WithLabelValues("decompress", string(algo)).Inc()
	return out, nil
}

func (s *Service) gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, s.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return out, nil
}

func (s *Service) initZstd() error {
	s.zstdOnce.Do(func() {
		s.zstdEnc, s.zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if s.zstdErr != nil {
			return
		}
		s.zstdDec, s.zstdErr = zstd.NewReader(nil)
	})
	return s.zstdErr
}

func (s *Service) zstdCompress(data []byte) ([]byte, error) {
	if err := s.initZstd(); err != nil {
		return nil, err
	}
	return s.zstdEnc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (s *Service) zstdDecompress(data []byte) ([]byte, error) {
	if err := s.initZstd(); err != nil {
		return nil, err
	}
	out, err := s.zstdDec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return out, nil
}
