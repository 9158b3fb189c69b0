package retriever

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnusfroste/privateai-chatspace/internal/chunk"
	"github.com/magnusfroste/privateai-chatspace/internal/rerank"
	"github.com/magnusfroste/privateai-chatspace/internal/store"
)

// fakeStore is a function-backed VectorStore for engine tests.
type fakeStore struct {
	name      string
	hybrid    bool
	searchFn  func(ctx context.Context, workspaceID, query string, embedding []float32, limit int, threshold float64, useHybrid bool) ([]store.SearchCandidate, error)
	addFn     func(ctx context.Context, workspaceID, documentID string, chunks []string, embeddings [][]float32, metadata map[string]string) error
	chunksFn  func(ctx context.Context, workspaceID, documentID string) ([]store.ChunkPayload, error)
	closed    atomic.Bool
	searchCnt atomic.Int32
}

func (f *fakeStore) Name() string         { return f.name }
func (f *fakeStore) SupportsHybrid() bool { return f.hybrid }

func (f *fakeStore) EnsureCollection(context.Context, string) error { return nil }

func (f *fakeStore) AddDocument(ctx context.Context, workspaceID, documentID string, chunks []string, embeddings [][]float32, metadata map[string]string) error {
	if f.addFn != nil {
		return f.addFn(ctx, workspaceID, documentID, chunks, embeddings, metadata)
	}
	return nil
}

func (f *fakeStore) Search(ctx context.Context, workspaceID, query string, embedding []float32, limit int, threshold float64, useHybrid bool) ([]store.SearchCandidate, error) {
	f.searchCnt.Add(1)
	return f.searchFn(ctx, workspaceID, query, embedding, limit, threshold, useHybrid)
}

func (f *fakeStore) DeleteDocument(context.Context, string, string) error { return nil }
func (f *fakeStore) DeleteWorkspace(context.Context, string) error        { return nil }

func (f *fakeStore) Stats(context.Context, string) (store.WorkspaceStats, error) {
	return store.WorkspaceStats{}, nil
}

func (f *fakeStore) DocumentChunks(ctx context.Context, workspaceID, documentID string) ([]store.ChunkPayload, error) {
	if f.chunksFn != nil {
		return f.chunksFn(ctx, workspaceID, documentID)
	}
	return nil, nil
}

func (f *fakeStore) Close() error {
	f.closed.Store(true)
	return nil
}

var _ store.VectorStore = (*fakeStore)(nil)

// fakeEmbedder returns a fixed-size vector derived from text length.
type fakeEmbedder struct {
	failFn func(text string) error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.failFn != nil {
		if err := f.failFn(text); err != nil {
			return nil, err
		}
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int                { return 3 }
func (f *fakeEmbedder) ModelName() string              { return "fake" }
func (f *fakeEmbedder) Available(context.Context) bool { return true }
func (f *fakeEmbedder) Close() error                   { return nil }

func cand(content string, score float64) store.SearchCandidate {
	return store.SearchCandidate{Content: content, Score: score, DocumentID: "doc"}
}

func newTestEngine(t *testing.T, fs *fakeStore, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(store.NewHandle(fs), &fakeEmbedder{}, opts...)
	require.NoError(t, err)
	return e
}

func TestRetrieveSimple(t *testing.T) {
	fs := &fakeStore{
		name: "local",
		searchFn: func(_ context.Context, ws, _ string, _ []float32, limit int, _ float64, _ bool) ([]store.SearchCandidate, error) {
			assert.Equal(t, "ws1", ws)
			assert.Equal(t, 5, limit)
			return []store.SearchCandidate{cand("a", 0.9), cand("b", 0.7)}, nil
		},
	}
	e := newTestEngine(t, fs)

	results, err := e.Retrieve(context.Background(), "ws1", "question", Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Content)
	assert.Equal(t, int32(1), fs.searchCnt.Load())
}

func TestRetrieveEmptyQuery(t *testing.T) {
	e := newTestEngine(t, &fakeStore{name: "local"})

	_, err := e.Retrieve(context.Background(), "ws1", "   ", Options{})
	assert.Error(t, err)
}

func TestRetrieveHybridDowngradedWhenUnsupported(t *testing.T) {
	fs := &fakeStore{
		name:   "local",
		hybrid: false,
		searchFn: func(_ context.Context, _, _ string, _ []float32, _ int, _ float64, useHybrid bool) ([]store.SearchCandidate, error) {
			assert.False(t, useHybrid, "hybrid must be downgraded before reaching the store")
			return nil, nil
		},
	}
	e := newTestEngine(t, fs)

	_, err := e.Retrieve(context.Background(), "ws1", "q", Options{Hybrid: true})
	require.NoError(t, err)
}

func TestRetrieveWithExpansionFansOut(t *testing.T) {
	fs := &fakeStore{
		name: "local",
		searchFn: func(_ context.Context, _, variant string, _ []float32, limit int, _ float64, _ bool) ([]store.SearchCandidate, error) {
			// Over-fetch when expanded: 2x the requested limit.
			assert.Equal(t, 10, limit)
			return []store.SearchCandidate{cand("shared result", 0.5), cand("result for "+variant, 0.8)}, nil
		},
	}
	expander := NewQueryExpander(&stubLLM{
		generateFn: func(context.Context, string, float64, int) (string, error) {
			return "variant one\nvariant two\n", nil
		},
	}, nil)
	e := newTestEngine(t, fs, WithExpander(expander))

	results, err := e.Retrieve(context.Background(), "ws1", "original", Options{
		Limit:             5,
		UseQueryExpansion: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(3), fs.searchCnt.Load(), "one search per variant")

	// Three variant-specific results plus one deduplicated shared result.
	require.Len(t, results, 4)
	contents := make(map[string]bool)
	for _, r := range results {
		contents[r.Content] = true
	}
	assert.True(t, contents["shared result"])
}

func TestRetrieveDeduplicatesKeepingHigherScore(t *testing.T) {
	var call atomic.Int32
	fs := &fakeStore{
		name: "local",
		searchFn: func(context.Context, string, string, []float32, int, float64, bool) ([]store.SearchCandidate, error) {
			if call.Add(1) == 1 {
				return []store.SearchCandidate{cand("dup content", 0.6)}, nil
			}
			return []store.SearchCandidate{cand("dup content", 0.9)}, nil
		},
	}
	expander := NewQueryExpander(&stubLLM{
		generateFn: func(context.Context, string, float64, int) (string, error) {
			return "variant\n", nil
		},
	}, nil)
	e := newTestEngine(t, fs, WithExpander(expander))

	results, err := e.Retrieve(context.Background(), "ws1", "q", Options{UseQueryExpansion: true})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, 0.9, results[0].Score)
}

func TestRetrieveDeduplicatesNormalizedWhitespace(t *testing.T) {
	var call atomic.Int32
	fs := &fakeStore{
		name: "local",
		searchFn: func(context.Context, string, string, []float32, int, float64, bool) ([]store.SearchCandidate, error) {
			if call.Add(1) == 1 {
				return []store.SearchCandidate{cand("same   content here", 0.8)}, nil
			}
			return []store.SearchCandidate{cand("same content\nhere", 0.5)}, nil
		},
	}
	expander := NewQueryExpander(&stubLLM{
		generateFn: func(context.Context, string, float64, int) (string, error) {
			return "variant\n", nil
		},
	}, nil)
	e := newTestEngine(t, fs, WithExpander(expander))

	results, err := e.Retrieve(context.Background(), "ws1", "q", Options{UseQueryExpansion: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.8, results[0].Score)
}

func TestRetrievePartialVariantFailure(t *testing.T) {
	fs := &fakeStore{
		name: "local",
		searchFn: func(_ context.Context, _, variant string, _ []float32, _ int, _ float64, _ bool) ([]store.SearchCandidate, error) {
			if variant == "broken variant" {
				return nil, fmt.Errorf("backend hiccup")
			}
			return []store.SearchCandidate{cand("good result", 0.9)}, nil
		},
	}
	expander := NewQueryExpander(&stubLLM{
		generateFn: func(context.Context, string, float64, int) (string, error) {
			return "broken variant\n", nil
		},
	}, nil)
	e := newTestEngine(t, fs, WithExpander(expander))

	results, err := e.Retrieve(context.Background(), "ws1", "q", Options{UseQueryExpansion: true})
	require.NoError(t, err, "one healthy variant is enough")
	require.Len(t, results, 1)
	assert.Equal(t, "good result", results[0].Content)
}

func TestRetrieveAllVariantsFailed(t *testing.T) {
	fs := &fakeStore{
		name: "local",
		searchFn: func(context.Context, string, string, []float32, int, float64, bool) ([]store.SearchCandidate, error) {
			return nil, fmt.Errorf("backend down")
		},
	}
	e := newTestEngine(t, fs)

	_, err := e.Retrieve(context.Background(), "ws1", "q", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all query variants failed")
}

func TestRetrieveTruncatesToLimit(t *testing.T) {
	fs := &fakeStore{
		name: "local",
		searchFn: func(context.Context, string, string, []float32, int, float64, bool) ([]store.SearchCandidate, error) {
			out := make([]store.SearchCandidate, 8)
			for i := range out {
				out[i] = cand(fmt.Sprintf("result %d", i), 1-float64(i)*0.05)
			}
			return out, nil
		},
	}
	e := newTestEngine(t, fs)

	results, err := e.Retrieve(context.Background(), "ws1", "q", Options{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestRetrieveRerankUsesOriginalQuery(t *testing.T) {
	fs := &fakeStore{
		name: "local",
		searchFn: func(context.Context, string, string, []float32, int, float64, bool) ([]store.SearchCandidate, error) {
			return []store.SearchCandidate{cand("a", 0.9), cand("b", 0.8), cand("c", 0.7)}, nil
		},
	}
	var rerankQuery string
	scorer := &stubScorer{scoreFn: func(_ context.Context, query string, passages []string) ([]float64, error) {
		rerankQuery = query
		scores := make([]float64, len(passages))
		for i := range passages {
			scores[i] = float64(i) // reverse order
		}
		return scores, nil
	}}
	e := newTestEngine(t, fs, WithReranker(rerank.NewReranker(scorer, nil)))

	results, err := e.Retrieve(context.Background(), "ws1", "original question", Options{
		Limit:        2,
		UseReranking: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "original question", rerankQuery)

	// The reranker only reorders the top-limit candidates: c never makes
	// the pool, and b outscores a.
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[0].Content)
	assert.Equal(t, "a", results[1].Content)
	require.NotNil(t, results[0].RerankScore)
}

func TestRetrieveRerankPoolCutToLimitFirst(t *testing.T) {
	fs := &fakeStore{
		name: "local",
		searchFn: func(context.Context, string, string, []float32, int, float64, bool) ([]store.SearchCandidate, error) {
			out := make([]store.SearchCandidate, 8)
			for i := range out {
				out[i] = cand(fmt.Sprintf("content %d", i), 0.9-float64(i)*0.05)
			}
			return out, nil
		},
	}
	var scoredPassages []string
	scorer := &stubScorer{scoreFn: func(_ context.Context, _ string, passages []string) ([]float64, error) {
		scoredPassages = passages
		// Strongly favor later passages: a candidate beyond the
		// top-limit pool would win if it were ever scored.
		scores := make([]float64, len(passages))
		for i := range passages {
			scores[i] = float64(i)
		}
		return scores, nil
	}}
	e := newTestEngine(t, fs, WithReranker(rerank.NewReranker(scorer, nil)))

	results, err := e.Retrieve(context.Background(), "ws1", "q", Options{
		Limit:        2,
		UseReranking: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"content 0", "content 1"}, scoredPassages)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, "content 7", r.Content)
		assert.Contains(t, []string{"content 0", "content 1"}, r.Content)
	}
}

func TestIngestDocument(t *testing.T) {
	var gotChunks []string
	var gotMeta map[string]string
	fs := &fakeStore{
		name: "local",
		addFn: func(_ context.Context, ws, doc string, chunks []string, embeddings [][]float32, metadata map[string]string) error {
			assert.Equal(t, "ws1", ws)
			assert.Equal(t, "doc1", doc)
			assert.Equal(t, len(chunks), len(embeddings))
			gotChunks = chunks
			gotMeta = metadata
			return nil
		},
	}
	e := newTestEngine(t, fs)

	n, err := e.IngestDocument(context.Background(), "ws1", "doc1",
		"A short document about billing and refunds that fits in one chunk.",
		map[string]string{"source": "faq"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, gotChunks, 1)
	assert.Equal(t, "faq", gotMeta["source"])
}

func TestIngestEmptyDocument(t *testing.T) {
	e := newTestEngine(t, &fakeStore{name: "local"})

	n, err := e.IngestDocument(context.Background(), "ws1", "doc1", "   ", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDocumentStatsAggregates(t *testing.T) {
	fs := &fakeStore{
		name: "local",
		chunksFn: func(context.Context, string, string) ([]store.ChunkPayload, error) {
			return []store.ChunkPayload{
				{Meta: chunk.Metadata{WordCount: 10, CharCount: 60, HasTable: true}},
				{Meta: chunk.Metadata{WordCount: 20, CharCount: 120, HasCode: true, HasList: true}},
				{Meta: chunk.Metadata{WordCount: 5, CharCount: 30}},
			}, nil
		},
	}
	e := newTestEngine(t, fs)

	stats, err := e.DocumentStats(context.Background(), "ws1", "doc1")
	require.NoError(t, err)

	assert.Equal(t, 3, stats.ChunkCount)
	assert.Equal(t, 35, stats.WordCount)
	assert.Equal(t, 210, stats.CharCount)
	assert.Equal(t, 1, stats.Tables)
	assert.Equal(t, 1, stats.CodeBlocks)
	assert.Equal(t, 1, stats.Lists)
}

func TestSwitchBackendClosesPrevious(t *testing.T) {
	first := &fakeStore{name: "local"}
	second := &fakeStore{name: "qdrant", hybrid: true}
	e := newTestEngine(t, first)

	require.NoError(t, e.SwitchBackend(second))

	assert.True(t, first.closed.Load())
	assert.Equal(t, "qdrant", e.Store().Name())
}

func TestSwitchBackendWaitsForInflightRetrieve(t *testing.T) {
	searchStarted := make(chan struct{})
	searchRelease := make(chan struct{})

	first := &fakeStore{name: "local"}
	first.searchFn = func(context.Context, string, string, []float32, int, float64, bool) ([]store.SearchCandidate, error) {
		close(searchStarted)
		<-searchRelease
		if first.closed.Load() {
			return nil, fmt.Errorf("store is closed")
		}
		return []store.SearchCandidate{cand("result", 0.9)}, nil
	}
	second := &fakeStore{name: "qdrant", hybrid: true}
	e := newTestEngine(t, first)

	retrieveErr := make(chan error, 1)
	go func() {
		_, err := e.Retrieve(context.Background(), "ws1", "q", Options{})
		retrieveErr <- err
	}()

	<-searchStarted
	switchDone := make(chan error, 1)
	go func() { switchDone <- e.SwitchBackend(second) }()

	// The switch must not close the old backend under the running search.
	close(searchRelease)
	require.NoError(t, <-retrieveErr)
	require.NoError(t, <-switchDone)
	assert.True(t, first.closed.Load())
	assert.Equal(t, "qdrant", e.Store().Name())
}

// stubScorer is a function-backed rerank.Scorer.
type stubScorer struct {
	scoreFn func(ctx context.Context, query string, passages []string) ([]float64, error)
}

func (s *stubScorer) ScorePairs(ctx context.Context, query string, passages []string) ([]float64, error) {
	return s.scoreFn(ctx, query, passages)
}

func (s *stubScorer) Available(context.Context) bool { return true }
