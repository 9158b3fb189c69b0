package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalStore(t *testing.T) (*LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewLocalStore(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func seedDocument(t *testing.T, s VectorStore, workspace, document string) {
	t.Helper()
	chunks := []string{
		"How to reset your password using the account settings page for recovery",
		"Billing happens on the first of every month through your saved card",
		"Contact support by email when the dashboard shows persistent errors",
	}
	embeddings := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	}
	err := s.AddDocument(context.Background(), workspace, document, chunks, embeddings, map[string]string{"source": "test"})
	require.NoError(t, err)
}

func TestLocalStoreSearchRoundtrip(t *testing.T) {
	s, _ := newTestLocalStore(t)
	ctx := context.Background()
	seedDocument(t, s, "ws1", "doc1")

	results, err := s.Search(ctx, "ws1", "reset password", []float32{1, 0, 0}, 5, 0, false)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	top := results[0]
	assert.Contains(t, top.Content, "reset your password")
	assert.Equal(t, "doc1", top.DocumentID)
	assert.Equal(t, 0, top.ChunkIndex)
	assert.InDelta(t, 1.0, top.Score, 1e-5)
	assert.Equal(t, "test", top.Metadata["source"])

	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestLocalStoreSearchMissingWorkspace(t *testing.T) {
	s, _ := newTestLocalStore(t)

	results, err := s.Search(context.Background(), "ghost", "anything", []float32{1, 0, 0}, 5, 0, false)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLocalStoreScoreThreshold(t *testing.T) {
	s, _ := newTestLocalStore(t)
	ctx := context.Background()
	seedDocument(t, s, "ws1", "doc1")

	// Orthogonal vectors score 0.5; a 0.9 threshold keeps only the
	// near-exact match.
	results, err := s.Search(ctx, "ws1", "q", []float32{1, 0, 0}, 5, 0.9, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].ChunkIndex)
}

func TestLocalStoreHybridDowngradesToDense(t *testing.T) {
	s, _ := newTestLocalStore(t)
	ctx := context.Background()
	seedDocument(t, s, "ws1", "doc1")

	assert.False(t, s.SupportsHybrid())

	results, err := s.Search(ctx, "ws1", "reset password", []float32{1, 0, 0}, 5, 0, true)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestLocalStoreWorkspaceIsolation(t *testing.T) {
	s, _ := newTestLocalStore(t)
	ctx := context.Background()
	seedDocument(t, s, "tenant-a", "doc1")

	results, err := s.Search(ctx, "tenant-b", "q", []float32{1, 0, 0}, 5, 0, false)
	require.NoError(t, err)
	assert.Empty(t, results)

	stats, err := s.Stats(ctx, "tenant-b")
	require.NoError(t, err)
	assert.Zero(t, stats.VectorCount)
}

func TestLocalStoreDeleteDocument(t *testing.T) {
	s, _ := newTestLocalStore(t)
	ctx := context.Background()
	seedDocument(t, s, "ws1", "doc1")
	seedDocument(t, s, "ws1", "doc2")

	require.NoError(t, s.DeleteDocument(ctx, "ws1", "doc1"))

	stats, err := s.Stats(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.VectorCount)
	assert.Equal(t, 1, stats.DocumentCount)

	results, err := s.Search(ctx, "ws1", "q", []float32{1, 0, 0}, 10, 0, false)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, "doc2", r.DocumentID)
	}
}

func TestLocalStoreDeleteMissingDocumentIsNoop(t *testing.T) {
	s, _ := newTestLocalStore(t)
	ctx := context.Background()

	assert.NoError(t, s.DeleteDocument(ctx, "ws1", "ghost"))
	assert.NoError(t, s.DeleteWorkspace(ctx, "ghost"))
}

func TestLocalStoreDeleteWorkspace(t *testing.T) {
	s, _ := newTestLocalStore(t)
	ctx := context.Background()
	seedDocument(t, s, "ws1", "doc1")

	require.NoError(t, s.DeleteWorkspace(ctx, "ws1"))

	stats, err := s.Stats(ctx, "ws1")
	require.NoError(t, err)
	assert.Zero(t, stats.VectorCount)

	results, err := s.Search(ctx, "ws1", "q", []float32{1, 0, 0}, 5, 0, false)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLocalStoreStats(t *testing.T) {
	s, _ := newTestLocalStore(t)
	ctx := context.Background()
	seedDocument(t, s, "ws1", "doc1")
	seedDocument(t, s, "ws1", "doc2")

	stats, err := s.Stats(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, 6, stats.VectorCount)
	assert.Equal(t, 2, stats.DocumentCount)
}

func TestLocalStoreDocumentChunksOrdered(t *testing.T) {
	s, _ := newTestLocalStore(t)
	ctx := context.Background()
	seedDocument(t, s, "ws1", "doc1")

	payloads, err := s.DocumentChunks(ctx, "ws1", "doc1")
	require.NoError(t, err)
	require.Len(t, payloads, 3)

	for i, p := range payloads {
		assert.Equal(t, i, p.Meta.Index)
		assert.Equal(t, "doc1", p.DocumentID)
		assert.Equal(t, 3, p.TotalChunks)
	}
}

func TestLocalStoreDimensionMismatch(t *testing.T) {
	s, _ := newTestLocalStore(t)
	ctx := context.Background()
	seedDocument(t, s, "ws1", "doc1")

	err := s.AddDocument(ctx, "ws1", "doc2",
		[]string{"four dimensional chunk content for the mismatch case"},
		[][]float32{{1, 0, 0, 0}}, nil)

	var mismatch ErrDimensionMismatch
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 3, mismatch.Expected)
	assert.Equal(t, 4, mismatch.Got)
}

func TestLocalStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewLocalStore(dir, nil)
	require.NoError(t, err)
	seedDocument(t, first, "ws1", "doc1")
	require.NoError(t, first.Close())

	second, err := NewLocalStore(dir, nil)
	require.NoError(t, err)
	defer second.Close()

	results, err := second.Search(ctx, "ws1", "q", []float32{0, 1, 0}, 5, 0, false)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Content, "Billing")

	stats, err := second.Stats(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.VectorCount)
}

func TestLocalStoreChunkEmbeddingCountMismatch(t *testing.T) {
	s, _ := newTestLocalStore(t)

	err := s.AddDocument(context.Background(), "ws1", "doc1",
		[]string{"one", "two"}, [][]float32{{1, 0, 0}}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "mismatch"))
}

func TestLocalStoreClosedOperationsFail(t *testing.T) {
	s, _ := newTestLocalStore(t)
	require.NoError(t, s.Close())

	err := s.EnsureCollection(context.Background(), "ws1")
	assert.Error(t, err)
}

func TestCollectionNameDeterministic(t *testing.T) {
	assert.Equal(t, "workspace_42", CollectionName("42"))
	assert.Equal(t, CollectionName("a"), CollectionName("a"))
	assert.NotEqual(t, CollectionName("a"), CollectionName("b"))
}
