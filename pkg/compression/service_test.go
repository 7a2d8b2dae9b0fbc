package compression

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestService(t *testing.T, algo Algorithm) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Algorithm: algo,
		Clients: map[string]Options{
			"enabled":  {Enabled: true},
			"disabled": {Enabled: false},
			"partial": {
				Enabled: true,
				Fields:  map[Field]bool{FieldRequestHeaders: false},
			},
		},
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestNewService_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}},
		{name: "zstd", cfg: Config{Algorithm: Zstd}},
		{name: "gzip best", cfg: Config{Algorithm: Gzip, Level: 9}},
		{name: "unknown algorithm", cfg: Config{Algorithm: "brotli"}, wantErr: true},
		{name: "gzip level too high", cfg: Config{Algorithm: Gzip, Level: 12}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewService() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestService_IsEnabled(t *testing.T) {
	svc := newTestService(t, Gzip)

	tests := []struct {
		name   string
		client string
		fields []Field
		want   bool
	}{
		{name: "enabled client", client: "enabled", want: true},
		{name: "disabled client", client: "disabled", want: false},
		{name: "unknown client defaults off", client: "unknown", want: false},
		{name: "enabled client any field", client: "enabled", fields: []Field{FieldResponseBody}, want: true},
		{name: "field override off", client: "partial", fields: []Field{FieldRequestHeaders}, want: false},
		{name: "field without override", client: "partial", fields: []Field{FieldResponseBody}, want: true},
		{name: "disabled client ignores fields", client: "disabled", fields: []Field{FieldResponseBody}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.IsEnabled(tt.client, tt.fields...); got != tt.want {
				t.Errorf("IsEnabled(%q, %v) = %v, want %v", tt.client, tt.fields, got, tt.want)
			}
		})
	}
}

func TestService_RoundTrip(t *testing.T) {
	inputs := [][]byte{
		[]byte("a"),
		[]byte(`{"tasks":[{"id":"1","result":[{"keyword":"go","volume":1000}]}]}`),
		[]byte(strings.Repeat("repetitive payload ", 500)),
		{0x00, 0x01, 0xff, 0x1f, 0x8b},
	}

	for _, algo := range []Algorithm{Gzip, Zstd} {
		t.Run(string(algo), func(t *testing.T) {
			svc := newTestService(t, algo)
			for _, in := range inputs {
				compressed, err := svc.Compress("enabled", FieldResponseBody, in)
				if err != nil {
					t.Fatalf("Compress() error = %v", err)
				}
				if bytes.Equal(compressed, in) {
					t.Errorf("Compress() returned input unchanged")
				}
				out, err := svc.Decompress("enabled", FieldResponseBody, compressed)
				if err != nil {
					t.Fatalf("Decompress() error = %v", err)
				}
				if !bytes.Equal(out, in) {
					t.Errorf("round trip = %q, want %q", out, in)
				}
			}
		})
	}
}

func TestService_EmptyInput(t *testing.T) {
	svc := newTestService(t, Gzip)

	out, err := svc.Compress("enabled", FieldResponseBody, []byte{})
	if err != nil || len(out) != 0 {
		t.Errorf("Compress(empty) = %q, %v; want empty, nil", out, err)
	}
	out, err = svc.Decompress("enabled", FieldResponseBody, []byte{})
	if err != nil || len(out) != 0 {
		t.Errorf("Decompress(empty) = %q, %v; want empty, nil", out, err)
	}
}

func TestService_DisabledPassthrough(t *testing.T) {
	svc := newTestService(t, Gzip)
	in := []byte("plain text")

	for _, client := range []string{"disabled", "unknown"} {
		out, err := svc.Compress(client, FieldResponseBody, in)
		if err != nil || !bytes.Equal(out, in) {
			t.Errorf("Compress(%q) = %q, %v; want passthrough", client, out, err)
		}
		// Not compressed data is fine when disabled.
		out, err = svc.Decompress(client, FieldResponseBody, in)
		if err != nil || !bytes.Equal(out, in) {
			t.Errorf("Decompress(%q) = %q, %v; want passthrough", client, out, err)
		}
	}

	out, err := svc.Compress("partial", FieldRequestHeaders, in)
	if err != nil || !bytes.Equal(out, in) {
		t.Errorf("Compress(partial, request_headers) = %q, %v; want passthrough", out, err)
	}
}

func TestService_DecompressInvalid(t *testing.T) {
	svc := newTestService(t, Gzip)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "plain text", data: []byte("not compressed")},
		{name: "truncated gzip", data: []byte{0x1f, 0x8b, 0x08}},
		{name: "corrupt zstd", data: []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Decompress("enabled", FieldResponseBody, tt.data)
			if err == nil {
				t.Fatal("Decompress() expected error")
			}
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Errorf("error type = %T, want *Error", err)
			}
			if !errors.Is(err, ErrInvalidData) {
				t.Errorf("errors.Is(err, ErrInvalidData) = false for %v", err)
			}
		})
	}
}

func TestService_ForceIgnoresConfig(t *testing.T) {
	svc := newTestService(t, Gzip)
	in := []byte(`{"forced":true}`)

	compressed, err := svc.ForceCompress(in)
	if err != nil {
		t.Fatalf("ForceCompress() error = %v", err)
	}
	if !bytes.HasPrefix(compressed, gzipMagic) {
		t.Errorf("ForceCompress() output lacks gzip header")
	}

	out, err := svc.ForceDecompress(compressed)
	if err != nil {
		t.Fatalf("ForceDecompress() error = %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Errorf("ForceDecompress() = %q, want %q", out, in)
	}
}

func TestService_ReadsOtherCodec(t *testing.T) {
	gz := newTestService(t, Gzip)
	zs := newTestService(t, Zstd)
	in := []byte("written before the codec switch")

	compressed, err := gz.ForceCompress(in)
	if err != nil {
		t.Fatalf("ForceCompress() error = %v", err)
	}
	out, err := zs.ForceDecompress(compressed)
	if err != nil {
		t.Fatalf("ForceDecompress() error = %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Errorf("ForceDecompress() = %q, want %q", out, in)
	}
}
