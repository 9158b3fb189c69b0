package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreTypeLocal, cfg.Store.Type)
	assert.Equal(t, 1000, cfg.Chunking.Size)
	assert.Equal(t, 200, cfg.Chunking.Overlap)
	assert.Equal(t, 5, cfg.Search.Limit)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Equal(t, 20, cfg.Search.RerankTopK)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	require.NoError(t, err)
	assert.Equal(t, StoreTypeLocal, cfg.Store.Type)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
store:
  type: qdrant
  qdrant_url: http://qdrant:6333
chunking:
  size: 500
search:
  limit: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StoreTypeQdrant, cfg.Store.Type)
	assert.Equal(t, "http://qdrant:6333", cfg.Store.QdrantURL)
	assert.Equal(t, 500, cfg.Chunking.Size)
	assert.Equal(t, 10, cfg.Search.Limit)
	// Untouched settings keep their defaults.
	assert.Equal(t, 60, cfg.Search.RRFConstant)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  type: local\n"), 0o644))

	t.Setenv("CHATSPACE_STORE", "qdrant")
	t.Setenv("CHATSPACE_QDRANT_URL", "http://env:6333")
	t.Setenv("CHATSPACE_LOG_LEVEL", "debug")
	t.Setenv("CHATSPACE_CHUNK_SIZE", "750")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StoreTypeQdrant, cfg.Store.Type)
	assert.Equal(t, "http://env:6333", cfg.Store.QdrantURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 750, cfg.Chunking.Size)
}

func TestEnvRerankURLEnablesReranking(t *testing.T) {
	t.Setenv("CHATSPACE_RERANK_URL", "http://rerank:8082")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Rerank.Enabled)
	assert.Equal(t, "http://rerank:8082", cfg.Rerank.BaseURL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store type", func(c *Config) { c.Store.Type = "redis" }},
		{"qdrant without url", func(c *Config) {
			c.Store.Type = StoreTypeQdrant
			c.Store.QdrantURL = ""
		}},
		{"zero chunk size", func(c *Config) { c.Chunking.Size = 0 }},
		{"overlap >= size", func(c *Config) {
			c.Chunking.Size = 100
			c.Chunking.Overlap = 100
		}},
		{"zero limit", func(c *Config) { c.Search.Limit = 0 }},
		{"zero rrf constant", func(c *Config) { c.Search.RRFConstant = 0 }},
		{"threshold above one", func(c *Config) { c.Search.ScoreThreshold = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
