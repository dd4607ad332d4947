// Package config provides configuration management for fanout.
// Settings start from built-in defaults, are optionally overlaid by a YAML
// file named by FANOUT_CONFIG_FILE, and are finally overridden by
// environment variables with the FANOUT_ prefix. Every setting has a
// default so the pipeline runs with no configuration at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the fanout service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bus       BusConfig       `yaml:"bus"`
	Records   RecordsConfig   `yaml:"records"`
	Vectors   VectorsConfig   `yaml:"vectors"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Workers   WorkersConfig   `yaml:"workers"`
	Recommend RecommendConfig `yaml:"recommend"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port      int     `yaml:"port"`       // Server port (default: 6464)
	Host      string  `yaml:"host"`       // Server host (default: 127.0.0.1)
	RateLimit float64 `yaml:"rate_limit"` // Sustained requests per second (default: 50)
	RateBurst int     `yaml:"rate_burst"` // Burst size (default: 100)
}

// BusConfig contains fan-out bus configuration.
type BusConfig struct {
	Backend         string `yaml:"backend"`          // memory or redis (default: memory)
	RedisURL        string `yaml:"redis_url"`        // Redis URL (default: redis://localhost:6379/0)
	Topic           string `yaml:"topic"`            // Topic / stream name (default: events)
	MaxDeliveries   int    `yaml:"max_deliveries"`   // Attempts before dead-lettering (default: 5)
	BatchSize       int    `yaml:"batch_size"`       // Deliveries per handler invocation (default: 10)
	HandlerTimeout  string `yaml:"handler_timeout"`  // Deadline per handler invocation (default: 30s)
	RedeliveryDelay string `yaml:"redelivery_delay"` // Base redrive backoff (default: 1s)
}

// RecordsConfig contains record store configuration.
type RecordsConfig struct {
	Backend string `yaml:"backend"` // sqlite or postgres (default: sqlite)
	DSN     string `yaml:"dsn"`     // SQLite path or Postgres DSN (default: ./data/records.db)
	Table   string `yaml:"table"`   // Table name (default: events)
}

// VectorsConfig contains vector index configuration.
type VectorsConfig struct {
	Backend      string `yaml:"backend"`        // sqlite, pgvector or qdrant (default: sqlite)
	DSN          string `yaml:"dsn"`            // SQLite path or Postgres DSN (default: ./data/vectors.db)
	QdrantURL    string `yaml:"qdrant_url"`     // Qdrant REST endpoint (default: http://localhost:6333)
	QdrantAPIKey string `yaml:"qdrant_api_key"` // Optional Qdrant API key
	Collection   string `yaml:"collection"`     // Collection name (default: events_collection)
	Dimension    int    `yaml:"dimension"`      // Fixed vector dimension (default: 384)
}

// EmbeddingConfig contains embedding provider configuration. The provider is
// chosen by which credentials are present: an OpenAI key wins, then an
// Ollama URL, otherwise the deterministic hash embedder is used alone.
type EmbeddingConfig struct {
	OpenAIAPIKey   string `yaml:"openai_api_key"`  // OpenAI API key
	OpenAIBaseURL  string `yaml:"openai_base_url"` // OpenAI base URL (default: https://api.openai.com)
	OpenAIModel    string `yaml:"openai_model"`    // OpenAI embedding model (default: text-embedding-3-small)
	OllamaURL      string `yaml:"ollama_url"`      // Ollama API URL (default: disabled)
	OllamaModel    string `yaml:"ollama_model"`    // Ollama embedding model (default: all-minilm)
	RequestTimeout string `yaml:"request_timeout"` // Per-request timeout (default: 10s)
}

// WorkersConfig contains consumer configuration.
type WorkersConfig struct {
	Concurrency int `yaml:"concurrency"` // Max concurrent per-record operations per batch (default: 8)
}

// RecommendConfig contains recommendation settings.
type RecommendConfig struct {
	DefaultLimit int  `yaml:"default_limit"` // Default result count (default: 5)
	MaxLimit     int  `yaml:"max_limit"`     // Upper bound on result count (default: 100)
	HistoryLimit int  `yaml:"history_limit"` // Recent events used for the subject vector (default: 20)
	ExcludeOwn   bool `yaml:"exclude_own"`   // Drop the subject's own events from results (default: false)
}

// LoggingConfig contains structured logging settings.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // text or json (default: text)
	Environment string `yaml:"environment"` // development or production (default: development)
}

// Default returns a Config populated with built-in defaults only.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      6464,
			Host:      "127.0.0.1",
			RateLimit: 50,
			RateBurst: 100,
		},
		Bus: BusConfig{
			Backend:         "memory",
			RedisURL:        "redis://localhost:6379/0",
			Topic:           "events",
			MaxDeliveries:   5,
			BatchSize:       10,
			HandlerTimeout:  "30s",
			RedeliveryDelay: "1s",
		},
		Records: RecordsConfig{
			Backend: "sqlite",
			DSN:     "./data/records.db",
			Table:   "events",
		},
		Vectors: VectorsConfig{
			Backend:    "sqlite",
			DSN:        "./data/vectors.db",
			QdrantURL:  "http://localhost:6333",
			Collection: "events_collection",
			Dimension:  384,
		},
		Embedding: EmbeddingConfig{
			OpenAIBaseURL:  "https://api.openai.com",
			OpenAIModel:    "text-embedding-3-small",
			OllamaModel:    "all-minilm",
			RequestTimeout: "10s",
		},
		Workers: WorkersConfig{
			Concurrency: 8,
		},
		Recommend: RecommendConfig{
			DefaultLimit: 5,
			MaxLimit:     100,
			HistoryLimit: 20,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "text",
			Environment: "development",
		},
	}
}

// LoadConfig loads configuration from defaults, the optional YAML file named
// by FANOUT_CONFIG_FILE, and FANOUT_ environment variables, in that order.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("FANOUT_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays the YAML document at path onto cfg. Keys absent from the
// file keep their current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides settings with environment variables. The current value
// is the fallback, so file settings survive when a variable is unset.
func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("FANOUT_PORT", c.Server.Port)
	c.Server.Host = getEnv("FANOUT_HOST", c.Server.Host)
	c.Server.RateLimit = getEnvFloat("FANOUT_RATE_LIMIT", c.Server.RateLimit)
	c.Server.RateBurst = getEnvInt("FANOUT_RATE_BURST", c.Server.RateBurst)

	c.Bus.Backend = getEnv("FANOUT_BUS_BACKEND", c.Bus.Backend)
	c.Bus.RedisURL = getEnv("FANOUT_REDIS_URL", c.Bus.RedisURL)
	c.Bus.Topic = getEnv("FANOUT_TOPIC", c.Bus.Topic)
	c.Bus.MaxDeliveries = getEnvInt("FANOUT_BUS_MAX_DELIVERIES", c.Bus.MaxDeliveries)
	c.Bus.BatchSize = getEnvInt("FANOUT_BUS_BATCH_SIZE", c.Bus.BatchSize)
	c.Bus.HandlerTimeout = getEnv("FANOUT_BUS_HANDLER_TIMEOUT", c.Bus.HandlerTimeout)
	c.Bus.RedeliveryDelay = getEnv("FANOUT_BUS_REDELIVERY_DELAY", c.Bus.RedeliveryDelay)

	c.Records.Backend = getEnv("FANOUT_RECORD_BACKEND", c.Records.Backend)
	c.Records.DSN = getEnv("FANOUT_RECORD_DSN", c.Records.DSN)
	c.Records.Table = getEnv("FANOUT_RECORD_TABLE", c.Records.Table)

	c.Vectors.Backend = getEnv("FANOUT_VECTOR_BACKEND", c.Vectors.Backend)
	c.Vectors.DSN = getEnv("FANOUT_VECTOR_DSN", c.Vectors.DSN)
	c.Vectors.QdrantURL = getEnv("FANOUT_QDRANT_URL", c.Vectors.QdrantURL)
	c.Vectors.QdrantAPIKey = getEnv("FANOUT_QDRANT_API_KEY", c.Vectors.QdrantAPIKey)
	c.Vectors.Collection = getEnv("FANOUT_VECTOR_COLLECTION", c.Vectors.Collection)
	c.Vectors.Dimension = getEnvInt("FANOUT_EMBEDDING_DIMENSION", c.Vectors.Dimension)

	c.Embedding.OpenAIAPIKey = getEnv("FANOUT_OPENAI_API_KEY", c.Embedding.OpenAIAPIKey)
	c.Embedding.OpenAIBaseURL = getEnv("FANOUT_OPENAI_BASE_URL", c.Embedding.OpenAIBaseURL)
	c.Embedding.OpenAIModel = getEnv("FANOUT_OPENAI_EMBEDDING_MODEL", c.Embedding.OpenAIModel)
	c.Embedding.OllamaURL = getEnv("FANOUT_OLLAMA_URL", c.Embedding.OllamaURL)
	c.Embedding.OllamaModel = getEnv("FANOUT_OLLAMA_EMBEDDING_MODEL", c.Embedding.OllamaModel)
	c.Embedding.RequestTimeout = getEnv("FANOUT_EMBEDDING_TIMEOUT", c.Embedding.RequestTimeout)

	c.Workers.Concurrency = getEnvInt("FANOUT_WORKER_CONCURRENCY", c.Workers.Concurrency)

	c.Recommend.DefaultLimit = getEnvInt("FANOUT_RECOMMEND_DEFAULT_LIMIT", c.Recommend.DefaultLimit)
	c.Recommend.MaxLimit = getEnvInt("FANOUT_RECOMMEND_MAX_LIMIT", c.Recommend.MaxLimit)
	c.Recommend.HistoryLimit = getEnvInt("FANOUT_RECOMMEND_HISTORY_LIMIT", c.Recommend.HistoryLimit)
	c.Recommend.ExcludeOwn = getEnvBool("FANOUT_RECOMMEND_EXCLUDE_OWN", c.Recommend.ExcludeOwn)

	c.Logging.Level = getEnv("FANOUT_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("FANOUT_LOG_FORMAT", c.Logging.Format)
	c.Logging.Environment = getEnv("FANOUT_ENVIRONMENT", c.Logging.Environment)
}

// Validate checks backend names, durations and numeric bounds.
func (c *Config) Validate() error {
	switch c.Bus.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unsupported bus backend %q", c.Bus.Backend)
	}
	switch c.Records.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported record backend %q", c.Records.Backend)
	}
	switch c.Vectors.Backend {
	case "sqlite", "pgvector", "qdrant":
	default:
		return fmt.Errorf("config: unsupported vector backend %q", c.Vectors.Backend)
	}

	if c.Vectors.Dimension < 1 {
		return fmt.Errorf("config: embedding dimension must be >= 1, got %d", c.Vectors.Dimension)
	}
	if c.Bus.MaxDeliveries < 1 {
		return fmt.Errorf("config: bus max deliveries must be >= 1, got %d", c.Bus.MaxDeliveries)
	}
	if c.Bus.BatchSize < 1 {
		return fmt.Errorf("config: bus batch size must be >= 1, got %d", c.Bus.BatchSize)
	}
	if c.Workers.Concurrency < 1 {
		return fmt.Errorf("config: worker concurrency must be >= 1, got %d", c.Workers.Concurrency)
	}
	if c.Recommend.DefaultLimit < 1 || c.Recommend.MaxLimit < c.Recommend.DefaultLimit {
		return fmt.Errorf("config: recommend limits invalid (default %d, max %d)",
			c.Recommend.DefaultLimit, c.Recommend.MaxLimit)
	}

	for name, value := range map[string]string{
		"bus handler timeout":       c.Bus.HandlerTimeout,
		"bus redelivery delay":      c.Bus.RedeliveryDelay,
		"embedding request timeout": c.Embedding.RequestTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("config: invalid %s %q: %w", name, value, err)
		}
	}

	return nil
}

// HandlerTimeoutDuration returns the parsed bus handler deadline.
func (b BusConfig) HandlerTimeoutDuration() time.Duration {
	return parseDuration(b.HandlerTimeout, 30*time.Second)
}

// RedeliveryDelayDuration returns the parsed base redrive backoff.
func (b BusConfig) RedeliveryDelayDuration() time.Duration {
	return parseDuration(b.RedeliveryDelay, time.Second)
}

// RequestTimeoutDuration returns the parsed embedding request timeout.
func (e EmbeddingConfig) RequestTimeoutDuration() time.Duration {
	return parseDuration(e.RequestTimeout, 10*time.Second)
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// IsProduction reports whether the service runs in production mode.
func (l LoggingConfig) IsProduction() bool {
	return strings.EqualFold(l.Environment, "production")
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
