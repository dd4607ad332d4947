package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/fanout/internal/config"
)

func TestLoadConfig_DefaultsAreRunnable(t *testing.T) {
	_ = os.Unsetenv("FANOUT_CONFIG_FILE")
	_ = os.Unsetenv("FANOUT_HOST")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host,
		"Default host must be 127.0.0.1 for security")
	assert.Equal(t, "memory", cfg.Bus.Backend)
	assert.Equal(t, "sqlite", cfg.Records.Backend)
	assert.Equal(t, "sqlite", cfg.Vectors.Backend)
	assert.Equal(t, "events_collection", cfg.Vectors.Collection)
	assert.Equal(t, 384, cfg.Vectors.Dimension)
	assert.Equal(t, 5, cfg.Recommend.DefaultLimit)
	assert.Equal(t, 30*time.Second, cfg.Bus.HandlerTimeoutDuration())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("FANOUT_PORT", "9999")
	t.Setenv("FANOUT_BUS_BACKEND", "redis")
	t.Setenv("FANOUT_EMBEDDING_DIMENSION", "768")
	t.Setenv("FANOUT_RECOMMEND_EXCLUDE_OWN", "yes")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Bus.Backend)
	assert.Equal(t, 768, cfg.Vectors.Dimension)
	assert.True(t, cfg.Recommend.ExcludeOwn)
}

func TestLoadConfig_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("FANOUT_PORT", "not-a-port")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 6464, cfg.Server.Port)
}

// TestLoadConfig_FileThenEnv verifies the layering order: YAML file values
// replace defaults and environment variables replace file values.
func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fanout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
vectors:
  backend: qdrant
  collection: custom_collection
bus:
  max_deliveries: 9
`), 0o600))

	t.Setenv("FANOUT_CONFIG_FILE", path)
	t.Setenv("FANOUT_VECTOR_COLLECTION", "env_collection")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "qdrant", cfg.Vectors.Backend, "file value must replace default")
	assert.Equal(t, 9, cfg.Bus.MaxDeliveries)
	assert.Equal(t, "env_collection", cfg.Vectors.Collection, "env must replace file value")
	assert.Equal(t, 384, cfg.Vectors.Dimension, "keys absent from the file keep defaults")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("FANOUT_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := config.LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"unknown bus", func(c *config.Config) { c.Bus.Backend = "kafka" }},
		{"unknown record backend", func(c *config.Config) { c.Records.Backend = "dynamodb" }},
		{"unknown vector backend", func(c *config.Config) { c.Vectors.Backend = "milvus" }},
		{"zero dimension", func(c *config.Config) { c.Vectors.Dimension = 0 }},
		{"zero deliveries", func(c *config.Config) { c.Bus.MaxDeliveries = 0 }},
		{"bad duration", func(c *config.Config) { c.Bus.HandlerTimeout = "soon" }},
		{"max below default", func(c *config.Config) { c.Recommend.MaxLimit = 2 }},
	}

	require.NoError(t, config.Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
