// Package store provides the vector store abstraction and its two
// backends: a Qdrant-backed hybrid store and an embedded dense-only store.
//
// All backends isolate data per workspace: one logical collection per
// workspace id, never comingled or cross-searchable.
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/magnusfroste/privateai-chatspace/internal/chunk"
)

// RRFConstant is the Reciprocal Rank Fusion smoothing parameter (k).
// 60 is the industry standard used by Azure AI Search and OpenSearch.
const RRFConstant = 60

// SearchCandidate is a transient query-time result. Score semantics
// depend on the retrieval mode: cosine similarity in [0,1] for dense
// search, unit-less RRF score for hybrid search. The two are not
// numerically comparable.
type SearchCandidate struct {
	Content    string            `json:"content"`
	Score      float64           `json:"score"`
	DocumentID string            `json:"document_id"`
	ChunkIndex int               `json:"chunk_index"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	// RerankScore is set only after cross-encoder reranking.
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// ChunkPayload is the persisted record shape for one chunk.
type ChunkPayload struct {
	DocumentID  string            `json:"document_id"`
	Content     string            `json:"content"`
	TotalChunks int               `json:"total_chunks"`
	Meta        chunk.Metadata    `json:"meta"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// WorkspaceStats summarizes a workspace collection.
type WorkspaceStats struct {
	VectorCount   int `json:"vector_count"`
	DocumentCount int `json:"document_count"`
}

// VectorStore is the uniform contract both backends implement.
//
// Implementations must be safe for concurrent use. Search on a workspace
// whose collection does not exist returns an empty result, not an error.
type VectorStore interface {
	// Name identifies the backend implementation.
	Name() string

	// SupportsHybrid reports whether the backend can serve hybrid
	// (dense + sparse) search. Callers must not infer this from schema
	// introspection.
	SupportsHybrid() bool

	// EnsureCollection idempotently creates the workspace's backing
	// storage if absent.
	EnsureCollection(ctx context.Context, workspaceID string) error

	// AddDocument inserts all chunks of one document together. Each chunk
	// receives a fresh opaque unique id.
	AddDocument(ctx context.Context, workspaceID, documentID string, chunks []string, embeddings [][]float32, metadata map[string]string) error

	// Search returns at most limit candidates ordered best-first.
	// scoreThreshold applies to cosine scores only; hybrid RRF scores are
	// ordinal and never threshold-filtered. useHybrid is silently
	// downgraded to dense search on backends without hybrid support.
	Search(ctx context.Context, workspaceID, query string, queryEmbedding []float32, limit int, scoreThreshold float64, useHybrid bool) ([]SearchCandidate, error)

	// DeleteDocument removes all chunks tagged with documentID. A missing
	// workspace collection is a successful no-op.
	DeleteDocument(ctx context.Context, workspaceID, documentID string) error

	// DeleteWorkspace drops the entire collection. A missing collection is
	// a successful no-op.
	DeleteWorkspace(ctx context.Context, workspaceID string) error

	// Stats returns vector and document counts for a workspace.
	Stats(ctx context.Context, workspaceID string) (WorkspaceStats, error)

	// DocumentChunks enumerates the persisted payloads of one document in
	// chunk order.
	DocumentChunks(ctx context.Context, workspaceID, documentID string) ([]ChunkPayload, error)

	// Close releases backend resources.
	Close() error
}

// ErrDimensionMismatch indicates a vector dimension conflict with the
// dimension fixed at the workspace's first insertion.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// CollectionName derives the deterministic collection/table name for a
// workspace. The mapping is one-to-one and never reused across
// workspaces.
func CollectionName(workspaceID string) string {
	return "workspace_" + workspaceID
}

// newChunkPayload builds the persisted record for one chunk, extracting
// structural metadata from the text.
func newChunkPayload(documentID, text string, index, total int, extra map[string]string) ChunkPayload {
	return ChunkPayload{
		DocumentID:  documentID,
		Content:     text,
		TotalChunks: total,
		Meta:        chunk.Extract(text, index),
		Extra:       extra,
	}
}

func sortPayloadsByIndex(payloads []ChunkPayload) {
	sort.Slice(payloads, func(i, j int) bool {
		return payloads[i].Meta.Index < payloads[j].Meta.Index
	})
}

// payloadMetadata flattens a chunk payload into the string metadata map
// carried on search candidates.
func payloadMetadata(p ChunkPayload) map[string]string {
	m := map[string]string{
		"content_type":  string(p.Meta.ContentType),
		"section_title": p.Meta.SectionTitle,
		"section_level": strconv.Itoa(p.Meta.SectionLevel),
		"has_table":     strconv.FormatBool(p.Meta.HasTable),
		"has_code":      strconv.FormatBool(p.Meta.HasCode),
		"has_list":      strconv.FormatBool(p.Meta.HasList),
		"has_header":    strconv.FormatBool(p.Meta.HasHeader),
		"word_count":    strconv.Itoa(p.Meta.WordCount),
		"char_count":    strconv.Itoa(p.Meta.CharCount),
		"total_chunks":  strconv.Itoa(p.TotalChunks),
	}
	for k, v := range p.Extra {
		m[k] = v
	}
	return m
}

// payloadToCandidate converts a persisted payload plus a score into the
// uniform SearchCandidate shape. No caller above the store boundary sees
// backend-specific field names.
func payloadToCandidate(p ChunkPayload, score float64) SearchCandidate {
	return SearchCandidate{
		Content:    p.Content,
		Score:      score,
		DocumentID: p.DocumentID,
		ChunkIndex: p.Meta.Index,
		Metadata:   payloadMetadata(p),
	}
}
