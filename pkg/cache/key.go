package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"

	json "github.com/goccy/go-json"
)

// CacheKey identifies a cached API response.
type CacheKey struct {
	// Client is the API client name (e.g. "dataforseo").
	Client string

	// Endpoint is the API path, with or without a leading slash.
	Endpoint string

	// Params are the request parameters. Map key order does not matter.
	Params map[string]any

	// Method is the HTTP method, GET when empty.
	Method string

	// Version is appended as the last key segment when set.
	Version string
}

// Build generates the deterministic cache key string.
// Format: {client}.{method}.{endpoint}.{sha1(params)}[.{version}]
//
// Example:
//
//	dataforseo.post.serp/google/organic/live.3f786850e387550fdab836ed7e6dc881de23001b.v3
func (k CacheKey) Build() (string, error) {
	hash, err := hashParams(k.Params)
	if err != nil {
		return "", err
	}

	method := k.Method
	if method == "" {
		method = "GET"
	}

	parts := []string{
		k.Client,
		strings.ToLower(method),
		strings.TrimPrefix(k.Endpoint, "/"),
		hash,
	}
	if k.Version != "" {
		parts = append(parts, k.Version)
	}
	return strings.Join(parts, "."), nil
}

// hashParams returns the SHA-1 of the canonical JSON encoding of params.
func hashParams(params map[string]any) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ErrKeyCollision is returned when two keys of a params map render to the
// same string, e.g. 1 and "1".
var ErrKeyCollision = errors.New("params map keys collide")

// CanonicalJSON encodes params with map keys sorted at every depth. Slices
// keep their order and scalars keep their JSON type, so 25 and "25" differ.
func CanonicalJSON(params map[string]any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	normalized, err := normalize(reflect.ValueOf(params))
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return out, nil
}

// normalize converts maps of any key type to map[string]any and slices to
// []any so equal content encodes identically regardless of Go types.
func normalize(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Map:
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			name := fmt.Sprint(iter.Key().Interface())
			if _, dup := out[name]; dup {
				return nil, fmt.Errorf("%w: %q", ErrKeyCollision, name)
			}
			val, err := normalize(iter.Value())
			if err != nil {
				return nil, err
			}
			out[name] = val
		}
		return out, nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return string(v.Bytes()), nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, v.Len())
		for i := range out {
			val, err := normalize(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	}
	return v.Interface(), nil
}
