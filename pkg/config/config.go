// Package config loads the api-cache configuration from YAML with
// environment overrides and turns it into component configurations.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/api-cache/pkg/cache"
	"github.com/Sternrassler/api-cache/pkg/client"
	"github.com/Sternrassler/api-cache/pkg/compression"
	"github.com/Sternrassler/api-cache/pkg/logging"
	"github.com/Sternrassler/api-cache/pkg/ratelimit"
)

// DefaultPath is used when no config file is given.
const DefaultPath = "apicache.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "APICACHE_"

// DefaultCacheTTLSeconds is the cache lifetime used when
// cache.default_ttl_seconds is omitted.
const DefaultCacheTTLSeconds = 86400

var clientNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite sqlite3 postgres postgresql pgx"`
	DSN    string `yaml:"dsn" validate:"required"`
}

// RedisConfig selects the rate limit counter store. An empty Addr keeps
// counters in process memory.
type RedisConfig struct {
	Addr      string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Pretty bool   `yaml:"pretty"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type CompressionConfig struct {
	Algorithm string `yaml:"algorithm" validate:"oneof=gzip zstd"`
	Level     int    `yaml:"level" validate:"gte=-2,lte=9"`
}

type CacheConfig struct {
	// DefaultTTLSeconds applies to clients without cache_ttl_seconds. Zero
	// stores entries without expiry; omitted means one day.
	DefaultTTLSeconds *int `yaml:"default_ttl_seconds" validate:"omitempty,gte=0"`
}

type ConverterConfig struct {
	BatchSize           int  `yaml:"batch_size" validate:"gt=0"`
	Overwrite           bool `yaml:"overwrite"`
	CopyProcessingState bool `yaml:"copy_processing_state"`
}

// ClientConfig holds the settings of one upstream API.
type ClientConfig struct {
	BaseURL   string `yaml:"base_url" validate:"omitempty,url"`
	Version   string `yaml:"version"`
	APIKey    string `yaml:"api_key"`
	UserAgent string `yaml:"user_agent"`

	// RateLimitMaxAttempts is nil for unlimited clients.
	RateLimitMaxAttempts  *int `yaml:"rate_limit_max_attempts" validate:"omitempty,gte=0"`
	RateLimitDecaySeconds int  `yaml:"rate_limit_decay_seconds" validate:"gte=0"`

	CompressionEnabled bool            `yaml:"compression_enabled"`
	CompressFields     map[string]bool `yaml:"compress_fields" validate:"dive,keys,oneof=request_headers request_body response_headers response_body,endkeys"`

	CacheTTLSeconds *int `yaml:"cache_ttl_seconds" validate:"omitempty,gte=0"`
	TimeoutSeconds  int  `yaml:"timeout_seconds" validate:"gte=0"`
}

type Config struct {
	TablePrefix string                  `yaml:"table_prefix" validate:"required,clientname"`
	Database    DatabaseConfig          `yaml:"database"`
	Redis       RedisConfig             `yaml:"redis"`
	Log         LogConfig               `yaml:"log"`
	Server      ServerConfig            `yaml:"server"`
	Compression CompressionConfig       `yaml:"compression"`
	Cache       CacheConfig             `yaml:"cache"`
	Converter   ConverterConfig         `yaml:"converter"`
	Clients     map[string]ClientConfig `yaml:"clients" validate:"dive,keys,clientname,endkeys"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("clientname", func(fl validator.FieldLevel) bool {
		return clientNamePattern.MatchString(fl.Field().String())
	})
	return v
}

// Load reads path (DefaultPath when empty), applies defaults and
// environment overrides and validates the result. A missing file is not an
// error: defaults and the environment still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		path = DefaultPath
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.SetDefaults()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills unset values.
func (c *Config) SetDefaults() {
	if c.TablePrefix == "" {
		c.TablePrefix = "api_cache"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "apicache.db"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = ratelimit.DefaultPrefix
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Compression.Algorithm == "" {
		c.Compression.Algorithm = string(compression.Gzip)
	}
	if c.Cache.DefaultTTLSeconds == nil {
		ttl := DefaultCacheTTLSeconds
		c.Cache.DefaultTTLSeconds = &ttl
	}
	if c.Converter.BatchSize == 0 {
		c.Converter.BatchSize = 100
	}
	if c.Clients == nil {
		c.Clients = map[string]ClientConfig{}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ClientNames returns the configured client names in sorted order.
func (c *Config) ClientNames() []string {
	names := make([]string, 0, len(c.Clients))
	for name := range c.Clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// CompressionService returns the compression service configuration.
func (c *Config) CompressionService() compression.Config {
	clients := make(map[string]compression.Options, len(c.Clients))
	for name, cc := range c.Clients {
		opts := compression.Options{Enabled: cc.CompressionEnabled}
		if len(cc.CompressFields) > 0 {
			opts.Fields = make(map[compression.Field]bool, len(cc.CompressFields))
			for field, on := range cc.CompressFields {
				opts.Fields[compression.Field(field)] = on
			}
		}
		clients[name] = opts
	}
	return compression.Config{
		Clients:   clients,
		Algorithm: compression.Algorithm(c.Compression.Algorithm),
		Level:     c.Compression.Level,
	}
}

// RateLimits returns the limiter configuration. Clients missing from the
// file are unlimited.
func (c *Config) RateLimits() ratelimit.Config {
	limits := make(map[string]ratelimit.Limit, len(c.Clients))
	for name, cc := range c.Clients {
		limits[name] = ratelimit.Limit{
			MaxAttempts: cc.RateLimitMaxAttempts,
			Decay:       time.Duration(cc.RateLimitDecaySeconds) * time.Second,
		}
	}
	return ratelimit.Config{
		Prefix:  c.Redis.KeyPrefix,
		Default: ratelimit.Limit{Decay: ratelimit.DefaultDecay},
		Clients: limits,
	}
}

// CacheManager returns the cache TTL configuration.
func (c *Config) CacheManager() cache.Config {
	ttls := make(map[string]time.Duration)
	for name, cc := range c.Clients {
		if cc.CacheTTLSeconds != nil {
			ttls[name] = time.Duration(*cc.CacheTTLSeconds) * time.Second
		}
	}
	cfg := cache.Config{TTLs: ttls, DefaultTTL: DefaultCacheTTLSeconds * time.Second}
	if c.Cache.DefaultTTLSeconds != nil {
		cfg.DefaultTTL = time.Duration(*c.Cache.DefaultTTLSeconds) * time.Second
	}
	return cfg
}

// APIClient returns the caching client configuration of name.
func (c *Config) APIClient(name string, store client.Cache) (client.Config, error) {
	cc, ok := c.Clients[name]
	if !ok {
		return client.Config{}, fmt.Errorf("unknown client %q", name)
	}
	if cc.BaseURL == "" {
		return client.Config{}, fmt.Errorf("client %q has no base_url", name)
	}

	cfg := client.DefaultConfig(name, cc.BaseURL, store)
	cfg.Version = cc.Version
	cfg.APIKey = cc.APIKey
	if cc.UserAgent != "" {
		cfg.UserAgent = cc.UserAgent
	}
	if cc.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(cc.TimeoutSeconds) * time.Second
	}
	return cfg, nil
}

func applyEnvOverrides(c *Config) {
	setString(&c.TablePrefix, EnvPrefix+"TABLE_PREFIX")
	setString(&c.Database.Driver, EnvPrefix+"DATABASE_DRIVER")
	setString(&c.Database.DSN, EnvPrefix+"DATABASE_DSN")
	setString(&c.Redis.Addr, EnvPrefix+"REDIS_ADDR")
	setString(&c.Redis.Password, EnvPrefix+"REDIS_PASSWORD")
	setInt(&c.Redis.DB, EnvPrefix+"REDIS_DB")
	setString(&c.Log.Level, EnvPrefix+"LOG_LEVEL")
	setBool(&c.Log.Pretty, EnvPrefix+"LOG_PRETTY")
	setString(&c.Server.Addr, EnvPrefix+"SERVER_ADDR")
	setString(&c.Compression.Algorithm, EnvPrefix+"COMPRESSION_ALGORITHM")
	if v, ok := os.LookupEnv(EnvPrefix + "CACHE_DEFAULT_TTL_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.DefaultTTLSeconds = &n
		}
	}

	// Credentials stay out of the file: APICACHE_CLIENT_<NAME>_API_KEY.
	for name, cc := range c.Clients {
		setString(&cc.APIKey, clientEnvKey(name, "API_KEY"))
		setString(&cc.BaseURL, clientEnvKey(name, "BASE_URL"))
		c.Clients[name] = cc
	}
}

func clientEnvKey(client, suffix string) string {
	name := strings.ToUpper(strings.ReplaceAll(client, "-", "_"))
	return EnvPrefix + "CLIENT_" + name + "_" + suffix
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
