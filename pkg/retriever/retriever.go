// Package retriever orchestrates the full retrieval pipeline: document
// ingestion (chunk, embed, store) and multi-stage query answering
// (expand, search, fuse, dedupe, rerank).
package retriever

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/magnusfroste/privateai-chatspace/internal/chunk"
	"github.com/magnusfroste/privateai-chatspace/internal/embed"
	"github.com/magnusfroste/privateai-chatspace/internal/rerank"
	"github.com/magnusfroste/privateai-chatspace/internal/store"
)

// Defaults applied when an Options field is zero.
const (
	DefaultLimit      = 5
	DefaultRerankTopK = 20
)

// Options controls one retrieval request. Zero values fall back to the
// engine defaults.
type Options struct {
	// Limit is the maximum number of final results.
	Limit int

	// ScoreThreshold excludes dense results below this cosine similarity.
	// Ignored for hybrid RRF scores, which are ordinal only.
	ScoreThreshold float64

	// Hybrid requests dense+sparse fusion on backends that support it.
	Hybrid bool

	// UseQueryExpansion widens recall with LLM-generated query variants.
	UseQueryExpansion bool

	// UseReranking re-orders fused candidates with a cross-encoder.
	UseReranking bool

	// RerankTopK caps how many reranked results are returned.
	RerankTopK int
}

// Engine ties the pipeline stages together. All methods are safe for
// concurrent use; the store backend can be swapped at runtime via
// SwitchBackend.
type Engine struct {
	handle   *store.Handle
	embedder embed.Embedder
	chunker  *chunk.Chunker
	expander *QueryExpander
	reranker *rerank.Reranker
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithChunker overrides the default chunker.
func WithChunker(c *chunk.Chunker) Option {
	return func(e *Engine) { e.chunker = c }
}

// WithExpander enables LLM query expansion.
func WithExpander(x *QueryExpander) Option {
	return func(e *Engine) { e.expander = x }
}

// WithReranker enables cross-encoder reranking.
func WithReranker(r *rerank.Reranker) Option {
	return func(e *Engine) { e.reranker = r }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an engine over a swappable store handle and an
// embedder. Expansion and reranking are off unless configured.
func NewEngine(handle *store.Handle, embedder embed.Embedder, opts ...Option) (*Engine, error) {
	if handle == nil {
		return nil, fmt.Errorf("store handle is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	e := &Engine{
		handle:   handle,
		embedder: embedder,
		chunker:  chunk.NewChunker(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Store returns the currently active backend.
func (e *Engine) Store() store.VectorStore {
	return e.handle.Get()
}

// SwitchBackend swaps the active store and closes the previous one after
// its in-flight requests drain. Already-indexed data does not migrate
// between backends.
func (e *Engine) SwitchBackend(next store.VectorStore) error {
	prev := e.handle.Swap(next)
	e.logger.Info("vector store backend switched",
		slog.String("from", prev.Name()),
		slog.String("to", next.Name()))
	if err := prev.Close(); err != nil {
		return fmt.Errorf("close previous backend: %w", err)
	}
	return nil
}

// IngestDocument chunks, embeds, and stores one document. Returns the
// number of chunks indexed. A document whose entire text falls below
// the chunker's minimum length indexes zero chunks, successfully.
func (e *Engine) IngestDocument(ctx context.Context, workspaceID, documentID, text string, metadata map[string]string) (int, error) {
	chunks := e.chunker.Chunk(text)
	if len(chunks) == 0 {
		e.logger.Debug("document produced no chunks",
			slog.String("workspace", workspaceID),
			slog.String("document", documentID))
		return 0, nil
	}

	embeddings, err := e.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed document %s: %w", documentID, err)
	}

	st, release := e.handle.Acquire()
	defer release()
	if err := st.AddDocument(ctx, workspaceID, documentID, chunks, embeddings, metadata); err != nil {
		return 0, fmt.Errorf("store document %s: %w", documentID, err)
	}
	return len(chunks), nil
}

// Retrieve answers a query through the full pipeline. Per-variant
// search failures degrade gracefully: failing variants are dropped and
// the rest still contribute, but if every variant fails the last error
// is returned.
func (e *Engine) Retrieve(ctx context.Context, workspaceID, query string, opts Options) ([]store.SearchCandidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is empty")
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.RerankTopK <= 0 {
		opts.RerankTopK = DefaultRerankTopK
	}

	variants := []string{query}
	if opts.UseQueryExpansion && e.expander != nil {
		variants = e.expander.Expand(ctx, query)
	}

	// With multiple variants each one over-fetches so the merged pool
	// stays rich enough after deduplication.
	perVariantLimit := opts.Limit
	if len(variants) > 1 {
		perVariantLimit = opts.Limit * 2
	}

	st, release := e.handle.Acquire()
	defer release()
	hybrid := opts.Hybrid && st.SupportsHybrid()

	var (
		mu       sync.Mutex
		results  [][]store.SearchCandidate
		lastErr  error
		failures int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, variant := range variants {
		variant := variant
		g.Go(func() error {
			candidates, err := e.searchVariant(gctx, st, workspaceID, variant, perVariantLimit, opts.ScoreThreshold, hybrid)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				lastErr = err
				e.logger.Warn("query variant failed",
					slog.String("variant", variant),
					slog.String("error", err.Error()))
				return nil
			}
			results = append(results, candidates)
			return nil
		})
	}
	// Goroutines only return nil; Wait surfaces ctx cancellation.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if failures == len(variants) {
		return nil, fmt.Errorf("all query variants failed: %w", lastErr)
	}

	merged := mergeCandidates(results)
	if len(merged) > opts.Limit {
		merged = merged[:opts.Limit]
	}

	if opts.UseReranking && e.reranker != nil {
		// Rerank against the user's original query, not a variant. The
		// pool is already cut to the top-limit candidates; reranking only
		// reorders within it.
		merged = e.reranker.Rerank(ctx, query, merged, opts.RerankTopK)
	}

	e.logger.Debug("retrieval complete",
		slog.String("workspace", workspaceID),
		slog.Int("variants", len(variants)),
		slog.Bool("hybrid", hybrid),
		slog.Int("results", len(merged)))
	return merged, nil
}

func (e *Engine) searchVariant(ctx context.Context, st store.VectorStore, workspaceID, variant string, limit int, scoreThreshold float64, hybrid bool) ([]store.SearchCandidate, error) {
	embedding, err := e.embedder.Embed(ctx, variant)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	candidates, err := st.Search(ctx, workspaceID, variant, embedding, limit, scoreThreshold, hybrid)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return candidates, nil
}

// mergeCandidates deduplicates results from all variants by content and
// sorts them best-first. Duplicate content keeps the higher score; on
// exact ties the earlier-seen candidate wins.
func mergeCandidates(results [][]store.SearchCandidate) []store.SearchCandidate {
	type entry struct {
		candidate store.SearchCandidate
		order     int
	}
	seen := make(map[[32]byte]*entry)
	var seq int
	for _, list := range results {
		for _, c := range list {
			key := contentKey(c.Content)
			if existing, ok := seen[key]; ok {
				if c.Score > existing.candidate.Score {
					existing.candidate = c
				}
				continue
			}
			seen[key] = &entry{candidate: c, order: seq}
			seq++
		}
	}

	entries := make([]entry, 0, len(seen))
	for _, ent := range seen {
		entries = append(entries, *ent)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].candidate.Score != entries[j].candidate.Score {
			return entries[i].candidate.Score > entries[j].candidate.Score
		}
		return entries[i].order < entries[j].order
	})

	out := make([]store.SearchCandidate, len(entries))
	for i, ent := range entries {
		out[i] = ent.candidate
	}
	return out
}

// contentKey hashes whitespace-normalized content so trivially
// reformatted duplicates collapse to one result.
func contentKey(content string) [32]byte {
	normalized := strings.Join(strings.Fields(content), " ")
	return sha256.Sum256([]byte(normalized))
}

// DeleteDocument removes a document from the active backend.
func (e *Engine) DeleteDocument(ctx context.Context, workspaceID, documentID string) error {
	st, release := e.handle.Acquire()
	defer release()
	return st.DeleteDocument(ctx, workspaceID, documentID)
}

// DeleteWorkspace drops a workspace from the active backend.
func (e *Engine) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	st, release := e.handle.Acquire()
	defer release()
	return st.DeleteWorkspace(ctx, workspaceID)
}

// Stats reports workspace statistics from the active backend.
func (e *Engine) Stats(ctx context.Context, workspaceID string) (store.WorkspaceStats, error) {
	st, release := e.handle.Acquire()
	defer release()
	return st.Stats(ctx, workspaceID)
}

// DocumentStats aggregates structural statistics over one document's
// stored chunks.
type DocumentStats struct {
	ChunkCount int `json:"chunk_count"`
	WordCount  int `json:"word_count"`
	CharCount  int `json:"char_count"`
	Tables     int `json:"tables"`
	CodeBlocks int `json:"code_blocks"`
	Lists      int `json:"lists"`
}

// DocumentStats computes aggregates from the document's chunk metadata.
func (e *Engine) DocumentStats(ctx context.Context, workspaceID, documentID string) (DocumentStats, error) {
	chunks, err := e.DocumentChunks(ctx, workspaceID, documentID)
	if err != nil {
		return DocumentStats{}, err
	}
	var stats DocumentStats
	stats.ChunkCount = len(chunks)
	for _, c := range chunks {
		stats.WordCount += c.Meta.WordCount
		stats.CharCount += c.Meta.CharCount
		if c.Meta.HasTable {
			stats.Tables++
		}
		if c.Meta.HasCode {
			stats.CodeBlocks++
		}
		if c.Meta.HasList {
			stats.Lists++
		}
	}
	return stats, nil
}

// DocumentChunks lists a document's stored chunks in order.
func (e *Engine) DocumentChunks(ctx context.Context, workspaceID, documentID string) ([]store.ChunkPayload, error) {
	st, release := e.handle.Acquire()
	defer release()
	return st.DocumentChunks(ctx, workspaceID, documentID)
}

// Close releases the embedder and the active backend.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.embedder.Close(); err != nil {
		firstErr = err
	}
	if err := e.handle.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
