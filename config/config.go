// Package config provides configuration management for the application.
//
// Configuration is layered: built-in defaults, then config.yaml (with ${VAR}
// and ${VAR:-default} expansion), then environment variables. A .env file in
// the working directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when Load is called with an empty path.
const DefaultConfigPath = "config.yaml"

// Config holds the application configuration
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Logging   LogConfig                 `yaml:"logging"`
	HTTP      HTTPConfig                `yaml:"http"`
	Embedding EmbeddingConfig           `yaml:"embedding"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Cache     CacheConfig               `yaml:"cache"`
	Usage     UsageConfig               `yaml:"usage"`
	Storage   StorageConfig             `yaml:"storage"`
	Metrics   MetricsConfig             `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// MasterKey enables bearer auth when non-empty
	MasterKey string `yaml:"master_key"`
	// BodySizeLimit accepts plain bytes or K/M/G suffixes, e.g. "10M"
	BodySizeLimit string `yaml:"body_size_limit"`
	// StreamPoolSize bounds concurrently running chat stream producers
	StreamPoolSize int `yaml:"stream_pool_size"`
}

// LogConfig controls the process logger
type LogConfig struct {
	// Format is "json" or "pretty"
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// HTTPConfig tunes outbound provider requests
type HTTPConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
}

// EmbeddingConfig holds batch embedding defaults
type EmbeddingConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// DefaultModel is used when a request names no model
	DefaultModel string `yaml:"default_model"`
}

// ProviderConfig describes one named upstream
type ProviderConfig struct {
	// Type selects the adapter: "openai" or "langchain-openai"
	Type      string `yaml:"type"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	ChatModel string `yaml:"chat_model"`
	// MaxPerCall caps values per embedding call; 0 uses the adapter default
	MaxPerCall int `yaml:"max_per_call"`
}

// CacheConfig selects the embedding cache
type CacheConfig struct {
	// Type is "none", "memory" or "redis"
	Type   string            `yaml:"type"`
	TTL    time.Duration     `yaml:"ttl"`
	Memory MemoryCacheConfig `yaml:"memory"`
	Redis  RedisCacheConfig  `yaml:"redis"`
}

// MemoryCacheConfig bounds the in-process cache
type MemoryCacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// RedisCacheConfig holds Redis connection settings
type RedisCacheConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// UsageConfig controls usage accounting
type UsageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// RetentionDays is how long entries are kept; 0 keeps them forever
	RetentionDays int `yaml:"retention_days"`
}

// StorageConfig selects the usage backend
type StorageConfig struct {
	// Type is "sqlite", "postgresql" or "mongodb"
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL settings
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB settings
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// buildDefaultConfig returns the configuration used when nothing is set
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			BodySizeLimit:  "10M",
			StreamPoolSize: 64,
		},
		Logging: LogConfig{Format: "json", Level: "info"},
		HTTP: HTTPConfig{
			Timeout:               10 * time.Minute,
			ResponseHeaderTimeout: 2 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			MaxRetries:     2,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Providers: map[string]ProviderConfig{},
		Cache: CacheConfig{
			Type:   "none",
			TTL:    24 * time.Hour,
			Memory: MemoryCacheConfig{MaxEntries: 10000},
			Redis:  RedisCacheConfig{KeyPrefix: "embedstream:emb:"},
		},
		Usage: UsageConfig{
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			RetentionDays: 30,
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: "data/embedstream.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "embedstream"},
		},
		Metrics: MetricsConfig{Endpoint: "/metrics"},
	}
}

// Load builds the configuration from defaults, the YAML file at path and the
// environment. An empty path reads DefaultConfigPath if it exists.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default}. A variable that is unset
// or empty takes its default; without a default the placeholder is kept.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := envPattern.FindStringSubmatch(m)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		if parts[2] != "" {
			return parts[3]
		}
		return m
	})
}

// applyEnvOverrides applies well-known environment variables over cfg
func applyEnvOverrides(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}
	setBool := func(key string, dst *bool) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = b
		return nil
	}

	setString("PORT", &cfg.Server.Port)
	setString("EMBEDSTREAM_MASTER_KEY", &cfg.Server.MasterKey)
	setString("BODY_SIZE_LIMIT", &cfg.Server.BodySizeLimit)
	setString("LOG_FORMAT", &cfg.Logging.Format)
	setString("LOG_LEVEL", &cfg.Logging.Level)
	setString("EMBED_DEFAULT_MODEL", &cfg.Embedding.DefaultModel)
	setString("CACHE_TYPE", &cfg.Cache.Type)
	setString("REDIS_URL", &cfg.Cache.Redis.URL)
	setString("STORAGE_TYPE", &cfg.Storage.Type)
	setString("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	setString("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	setString("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	setString("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)
	setString("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	for key, dst := range map[string]*int{
		"EMBED_MAX_RETRIES":      &cfg.Embedding.MaxRetries,
		"STREAM_POOL_SIZE":       &cfg.Server.StreamPoolSize,
		"POSTGRES_MAX_CONNS":     &cfg.Storage.PostgreSQL.MaxConns,
		"USAGE_RETENTION_DAYS":   &cfg.Usage.RetentionDays,
		"CACHE_MEMORY_MAX_ITEMS": &cfg.Cache.Memory.MaxEntries,
	} {
		if err := setInt(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*bool{
		"USAGE_ENABLED":   &cfg.Usage.Enabled,
		"METRICS_ENABLED": &cfg.Metrics.Enabled,
	} {
		if err := setBool(key, dst); err != nil {
			return err
		}
	}

	// OPENAI_API_KEY alone is enough to get a working "openai" provider.
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p, ok := cfg.Providers["openai"]
		if !ok {
			p = ProviderConfig{Type: "openai", Model: "text-embedding-3-small", ChatModel: "gpt-4o-mini"}
		}
		if p.APIKey == "" {
			p.APIKey = key
		}
		setString("OPENAI_BASE_URL", &p.BaseURL)
		cfg.Providers["openai"] = p
	}
	return nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if err := ValidateBodySizeLimit(c.Server.BodySizeLimit); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "json", "pretty":
	default:
		return fmt.Errorf("logging.format must be json or pretty, got %q", c.Logging.Format)
	}
	if c.Embedding.MaxRetries < 0 {
		return fmt.Errorf("embedding.max_retries must be >= 0, got %d", c.Embedding.MaxRetries)
	}
	if c.Embedding.InitialBackoff <= 0 || c.Embedding.MaxBackoff < c.Embedding.InitialBackoff {
		return fmt.Errorf("embedding backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	for name, p := range c.Providers {
		if p.Type == "" {
			return fmt.Errorf("provider %q: type is required", name)
		}
		if p.MaxPerCall < 0 {
			return fmt.Errorf("provider %q: max_per_call must be >= 0", name)
		}
	}
	if c.Embedding.DefaultModel != "" {
		if _, ok := c.Providers[c.Embedding.DefaultModel]; !ok {
			return fmt.Errorf("embedding.default_model %q is not a configured provider", c.Embedding.DefaultModel)
		}
	}
	switch c.Cache.Type {
	case "", "none", "memory":
	case "redis":
		if c.Cache.Redis.URL == "" {
			return errors.New("cache.redis.url is required when cache.type is redis")
		}
	default:
		return fmt.Errorf("unknown cache.type %q", c.Cache.Type)
	}
	if c.Usage.Enabled {
		switch c.Storage.Type {
		case "sqlite", "postgresql", "mongodb":
		default:
			return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
		}
	}
	return nil
}

var bodySizePattern = regexp.MustCompile(`^(\d+)([KMG]B?)?$`)

const (
	minBodySize = 1 << 10
	maxBodySize = 100 << 20
)

// DefaultBodySizeLimit applies when server.body_size_limit is empty.
const DefaultBodySizeLimit int64 = 10 << 20

// ParseBodySizeLimit converts "10M", "512KB" or "1048576" into bytes
func ParseBodySizeLimit(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	m := bodySizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid body size limit %q", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid body size limit %q: %w", s, err)
	}
	switch strings.TrimSuffix(m[2], "B") {
	case "K":
		n <<= 10
	case "M":
		n <<= 20
	case "G":
		n <<= 30
	}
	if n < minBodySize || n > maxBodySize {
		return 0, fmt.Errorf("body size limit %q must be between 1K and 100M", s)
	}
	return n, nil
}

// ValidateBodySizeLimit accepts an empty string as "use the default"
func ValidateBodySizeLimit(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	_, err := ParseBodySizeLimit(s)
	return err
}
