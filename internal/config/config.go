// Package config loads and validates the retrieval engine configuration.
//
// Values are resolved in priority order:
//  1. Environment variables (CHATSPACE_*)
//  2. Config file (YAML)
//  3. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store backend types.
const (
	StoreTypeQdrant = "qdrant"
	StoreTypeLocal  = "local"
)

// Config is the complete configuration for the retrieval engine.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	LLM        LLMConfig        `yaml:"llm"`
	Rerank     RerankConfig     `yaml:"rerank"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Search     SearchConfig     `yaml:"search"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StoreConfig selects and configures the vector store backend.
type StoreConfig struct {
	// Type is the active backend: "qdrant" (hybrid) or "local" (dense-only).
	Type string `yaml:"type"`

	// QdrantURL is the base URL of the Qdrant HTTP API.
	QdrantURL string `yaml:"qdrant_url"`

	// DataDir is where the local store keeps its index files.
	DataDir string `yaml:"data_dir"`
}

// EmbeddingsConfig configures the embedding collaborator.
type EmbeddingsConfig struct {
	// BaseURL is the OpenAI-compatible embeddings endpoint base URL.
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// BatchSize is the number of texts per embedding request.
	BatchSize int `yaml:"batch_size"`
	// CacheSize is the number of query embeddings kept in the LRU cache.
	CacheSize int `yaml:"cache_size"`
}

// LLMConfig configures the text-generation collaborator used for query
// expansion.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
}

// RerankConfig configures the cross-encoder scoring collaborator.
type RerankConfig struct {
	BaseURL string `yaml:"base_url"`
	Enabled bool   `yaml:"enabled"`
}

// ChunkingConfig configures document chunking at ingestion time.
type ChunkingConfig struct {
	// Size is the target maximum chunk size in characters.
	Size int `yaml:"size"`
	// Overlap is the approximate character overlap carried between chunks.
	Overlap int `yaml:"overlap"`
	// MinLength drops emitted chunks shorter than this many characters.
	MinLength int `yaml:"min_length"`
}

// SearchConfig configures query-time retrieval defaults.
type SearchConfig struct {
	Limit int `yaml:"limit"`
	// RRFConstant is the RRF fusion smoothing parameter (k).
	// Default: 60 (industry standard used by Azure AI Search, OpenSearch).
	RRFConstant int `yaml:"rrf_constant"`
	// ScoreThreshold excludes dense results below this cosine similarity.
	// Not applied to hybrid RRF scores, which are ordinal only.
	ScoreThreshold float64 `yaml:"score_threshold"`
	// RerankTopK is how many candidates the reranker returns.
	RerankTopK int `yaml:"rerank_top_k"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Type:      StoreTypeLocal,
			QdrantURL: "http://localhost:6333",
			DataDir:   defaultDataDir(),
		},
		Embeddings: EmbeddingsConfig{
			BaseURL:   "http://localhost:8080",
			Model:     "nomic-embed-text",
			BatchSize: 32,
			CacheSize: 1000,
		},
		LLM: LLMConfig{
			BaseURL: "http://localhost:8081",
			Model:   "llama3.1",
		},
		Rerank: RerankConfig{
			BaseURL: "http://localhost:8082",
			Enabled: false,
		},
		Chunking: ChunkingConfig{
			Size:      1000,
			Overlap:   200,
			MinLength: 50,
		},
		Search: SearchConfig{
			Limit:          5,
			RRFConstant:    60,
			ScoreThreshold: 0,
			RerankTopK:     20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "chatspace")
	}
	return filepath.Join(home, ".chatspace", "data")
}

// Load reads configuration from path, merged over defaults and under
// environment overrides. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv applies CHATSPACE_* environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("CHATSPACE_STORE"); v != "" {
		c.Store.Type = strings.ToLower(v)
	}
	if v := os.Getenv("CHATSPACE_QDRANT_URL"); v != "" {
		c.Store.QdrantURL = v
	}
	if v := os.Getenv("CHATSPACE_DATA_DIR"); v != "" {
		c.Store.DataDir = v
	}
	if v := os.Getenv("CHATSPACE_EMBEDDINGS_URL"); v != "" {
		c.Embeddings.BaseURL = v
	}
	if v := os.Getenv("CHATSPACE_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("CHATSPACE_LLM_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("CHATSPACE_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("CHATSPACE_RERANK_URL"); v != "" {
		c.Rerank.BaseURL = v
		c.Rerank.Enabled = true
	}
	if v := os.Getenv("CHATSPACE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHATSPACE_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Chunking.Size = n
		}
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreTypeQdrant, StoreTypeLocal:
	default:
		return fmt.Errorf("invalid store type %q (want %q or %q)",
			c.Store.Type, StoreTypeQdrant, StoreTypeLocal)
	}

	if c.Store.Type == StoreTypeQdrant && c.Store.QdrantURL == "" {
		return fmt.Errorf("store.qdrant_url is required for the qdrant backend")
	}

	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking.size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap must be in [0, size), got %d", c.Chunking.Overlap)
	}

	if c.Search.Limit <= 0 {
		return fmt.Errorf("search.limit must be positive, got %d", c.Search.Limit)
	}
	if c.Search.RRFConstant <= 0 {
		return fmt.Errorf("search.rrf_constant must be positive, got %d", c.Search.RRFConstant)
	}
	if c.Search.ScoreThreshold < 0 || c.Search.ScoreThreshold > 1 {
		return fmt.Errorf("search.score_threshold must be in [0,1], got %g", c.Search.ScoreThreshold)
	}

	return nil
}
