package cmd

import (
	"fmt"
	"log/slog"

	"github.com/magnusfroste/privateai-chatspace/internal/chunk"
	"github.com/magnusfroste/privateai-chatspace/internal/config"
	"github.com/magnusfroste/privateai-chatspace/internal/embed"
	"github.com/magnusfroste/privateai-chatspace/internal/llm"
	"github.com/magnusfroste/privateai-chatspace/internal/rerank"
	"github.com/magnusfroste/privateai-chatspace/internal/store"
	"github.com/magnusfroste/privateai-chatspace/pkg/retriever"
)

// buildEngine wires the retrieval engine from configuration. The caller
// must Close the engine when done.
func buildEngine(cfg *config.Config) (*retriever.Engine, error) {
	logger := slog.Default()

	backend, err := store.Open(store.Config{
		Backend:     cfg.Store.Type,
		QdrantURL:   cfg.Store.QdrantURL,
		DataDir:     cfg.Store.DataDir,
		RRFConstant: cfg.Search.RRFConstant,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	base, err := embed.NewOpenAIEmbedder(embed.OpenAIConfig{
		BaseURL:   cfg.Embeddings.BaseURL,
		Model:     cfg.Embeddings.Model,
		BatchSize: cfg.Embeddings.BatchSize,
	})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	embedder := embed.NewCachedEmbedder(base, cfg.Embeddings.CacheSize)

	opts := []retriever.Option{
		retriever.WithLogger(logger),
		retriever.WithChunker(chunk.NewChunkerWithOptions(chunk.Options{
			Size:      cfg.Chunking.Size,
			Overlap:   cfg.Chunking.Overlap,
			MinLength: cfg.Chunking.MinLength,
		})),
	}

	if cfg.LLM.BaseURL != "" && cfg.LLM.Model != "" {
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			APIKey:  cfg.LLM.APIKey,
		})
		if err == nil {
			opts = append(opts, retriever.WithExpander(retriever.NewQueryExpander(client, logger)))
		} else {
			logger.Warn("query expansion unavailable", slog.String("error", err.Error()))
		}
	}

	if cfg.Rerank.Enabled && cfg.Rerank.BaseURL != "" {
		scorer, err := rerank.NewHTTPScorer(rerank.HTTPScorerConfig{BaseURL: cfg.Rerank.BaseURL})
		if err == nil {
			opts = append(opts, retriever.WithReranker(rerank.NewReranker(scorer, logger)))
		} else {
			logger.Warn("reranking unavailable", slog.String("error", err.Error()))
		}
	}

	engine, err := retriever.NewEngine(store.NewHandle(backend), embedder, opts...)
	if err != nil {
		backend.Close()
		embedder.Close()
		return nil, err
	}
	return engine, nil
}
