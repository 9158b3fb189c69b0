package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/magnusfroste/privateai-chatspace/internal/chunk"
)

const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"

	// qdrantTimeout bounds any single REST call.
	qdrantTimeout = 30 * time.Second

	// scrollPageSize is the page size for payload enumeration.
	scrollPageSize = 256
)

// QdrantStore talks to a Qdrant server over its REST API. Each workspace
// maps to one collection holding named dense and sparse vectors, so the
// backend supports hybrid search.
type QdrantStore struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	rrfK int

	mu sync.Mutex
	// known caches collections verified to exist, avoiding a round trip
	// per insert.
	known map[string]bool
	// dimensions is fixed from the first embedding ever inserted.
	dimensions int
}

var _ VectorStore = (*QdrantStore)(nil)

// QdrantOption configures a QdrantStore.
type QdrantOption func(*QdrantStore)

// WithRRFConstant overrides the RRF smoothing parameter used by hybrid
// fusion.
func WithRRFConstant(k int) QdrantOption {
	return func(s *QdrantStore) {
		if k > 0 {
			s.rrfK = k
		}
	}
}

// NewQdrantStore returns a store client for the given base URL
// (e.g. http://localhost:6333). No connection is made until first use.
func NewQdrantStore(baseURL string, logger *slog.Logger, opts ...QdrantOption) *QdrantStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &QdrantStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: qdrantTimeout},
		logger:  logger,
		rrfK:    RRFConstant,
		known:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the backend.
func (s *QdrantStore) Name() string { return "qdrant" }

// SupportsHybrid reports hybrid capability. Qdrant collections carry a
// sparse vector alongside the dense one.
func (s *QdrantStore) SupportsHybrid() bool { return true }

// EnsureCollection creates the workspace collection if absent. Creation
// is deferred until the embedding dimension is known from a first
// insert; before that this only verifies existence.
func (s *QdrantStore) EnsureCollection(ctx context.Context, workspaceID string) error {
	name := CollectionName(workspaceID)

	s.mu.Lock()
	dims := s.dimensions
	if s.known[name] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	exists, err := s.collectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		if dims == 0 {
			// Nothing to size the dense vector with yet.
			return nil
		}
		if err := s.createCollection(ctx, name, dims); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.known[name] = true
	s.mu.Unlock()
	return nil
}

// AddDocument upserts all chunks of one document, computing sparse
// vectors server-side-compatible from chunk text.
func (s *QdrantStore) AddDocument(ctx context.Context, workspaceID, documentID string, chunks []string, embeddings [][]float32, metadata map[string]string) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chunk/embedding count mismatch: %d vs %d", len(chunks), len(embeddings))
	}
	if len(chunks) == 0 {
		return nil
	}

	dims := len(embeddings[0])
	s.mu.Lock()
	if s.dimensions == 0 {
		s.dimensions = dims
	} else if s.dimensions != dims {
		expected := s.dimensions
		s.mu.Unlock()
		return ErrDimensionMismatch{Expected: expected, Got: dims}
	}
	s.mu.Unlock()

	if err := s.EnsureCollection(ctx, workspaceID); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	points := make([]qdrantPoint, 0, len(chunks))
	for i, text := range chunks {
		payload := newChunkPayload(documentID, text, i, len(chunks), metadata)
		points = append(points, qdrantPoint{
			ID: uuid.NewString(),
			Vector: map[string]any{
				denseVectorName:  embeddings[i],
				sparseVectorName: EncodeSparse(text),
			},
			Payload: payloadToMap(payload),
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", CollectionName(workspaceID))
	if err := s.do(ctx, http.MethodPut, path, map[string]any{"points": points}, nil); err != nil {
		return fmt.Errorf("upsert points: %w", err)
	}

	s.logger.Debug("document indexed",
		slog.String("backend", s.Name()),
		slog.String("workspace", workspaceID),
		slog.String("document", documentID),
		slog.Int("chunks", len(chunks)))
	return nil
}

// Search runs dense or hybrid retrieval against the workspace collection.
func (s *QdrantStore) Search(ctx context.Context, workspaceID, query string, queryEmbedding []float32, limit int, scoreThreshold float64, useHybrid bool) ([]SearchCandidate, error) {
	name := CollectionName(workspaceID)
	exists, err := s.collectionExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []SearchCandidate{}, nil
	}

	if useHybrid {
		return s.hybridSearch(ctx, name, query, queryEmbedding, limit)
	}
	return s.denseSearch(ctx, name, queryEmbedding, limit, scoreThreshold)
}

func (s *QdrantStore) denseSearch(ctx context.Context, collection string, embedding []float32, limit int, scoreThreshold float64) ([]SearchCandidate, error) {
	req := qdrantQueryRequest{
		Query:       embedding,
		Using:       denseVectorName,
		Limit:       limit,
		WithPayload: true,
	}
	if scoreThreshold > 0 {
		req.ScoreThreshold = &scoreThreshold
	}
	points, err := s.queryPoints(ctx, collection, req)
	if err != nil {
		return nil, err
	}

	out := make([]SearchCandidate, 0, len(points))
	for _, pt := range points {
		out = append(out, payloadToCandidate(pt.Payload, pt.Score))
	}
	return out, nil
}

// hybridSearch issues parallel dense and sparse queries over-fetching
// twice the requested limit, then fuses the sublists with RRF. RRF
// scores are ordinal only; no threshold filtering applies here.
func (s *QdrantStore) hybridSearch(ctx context.Context, collection, query string, embedding []float32, limit int) ([]SearchCandidate, error) {
	fetch := limit * 2
	sparse := EncodeSparse(query)

	var densePoints, sparsePoints []scoredPoint
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		densePoints, err = s.queryPoints(gctx, collection, qdrantQueryRequest{
			Query:       embedding,
			Using:       denseVectorName,
			Limit:       fetch,
			WithPayload: true,
		})
		return err
	})
	if !sparse.IsEmpty() {
		g.Go(func() error {
			var err error
			sparsePoints, err = s.queryPoints(gctx, collection, qdrantQueryRequest{
				Query:       sparse,
				Using:       sparseVectorName,
				Limit:       fetch,
				WithPayload: true,
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := fuseRRF(s.rrfK, densePoints, sparsePoints)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	out := make([]SearchCandidate, 0, len(fused))
	for _, pt := range fused {
		out = append(out, payloadToCandidate(pt.Payload, pt.Score))
	}
	return out, nil
}

// DeleteDocument removes every point whose payload matches documentID.
func (s *QdrantStore) DeleteDocument(ctx context.Context, workspaceID, documentID string) error {
	name := CollectionName(workspaceID)
	exists, err := s.collectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	body := map[string]any{"filter": documentFilter(documentID)}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", name)
	if err := s.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// DeleteWorkspace drops the collection.
func (s *QdrantStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	name := CollectionName(workspaceID)
	exists, err := s.collectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := s.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	s.mu.Lock()
	delete(s.known, name)
	s.mu.Unlock()
	return nil
}

// Stats reports vector and distinct document counts.
func (s *QdrantStore) Stats(ctx context.Context, workspaceID string) (WorkspaceStats, error) {
	name := CollectionName(workspaceID)
	exists, err := s.collectionExists(ctx, name)
	if err != nil {
		return WorkspaceStats{}, err
	}
	if !exists {
		return WorkspaceStats{}, nil
	}

	var countResp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", name)
	if err := s.do(ctx, http.MethodPost, path, map[string]any{"exact": true}, &countResp); err != nil {
		return WorkspaceStats{}, err
	}

	docs := make(map[string]struct{})
	err = s.scroll(ctx, name, nil, func(p ChunkPayload) {
		docs[p.DocumentID] = struct{}{}
	})
	if err != nil {
		return WorkspaceStats{}, err
	}

	return WorkspaceStats{
		VectorCount:   countResp.Result.Count,
		DocumentCount: len(docs),
	}, nil
}

// DocumentChunks scrolls all payloads for one document.
func (s *QdrantStore) DocumentChunks(ctx context.Context, workspaceID, documentID string) ([]ChunkPayload, error) {
	name := CollectionName(workspaceID)
	exists, err := s.collectionExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	var out []ChunkPayload
	filter := documentFilter(documentID)
	if err := s.scroll(ctx, name, filter, func(p ChunkPayload) {
		out = append(out, p)
	}); err != nil {
		return nil, err
	}
	sortPayloadsByIndex(out)
	return out, nil
}

// Close is a no-op for the HTTP client.
func (s *QdrantStore) Close() error { return nil }

// ---- REST plumbing ----

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  map[string]any `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type qdrantQueryRequest struct {
	Query          any      `json:"query"`
	Using          string   `json:"using"`
	Limit          int      `json:"limit"`
	WithPayload    bool     `json:"with_payload"`
	ScoreThreshold *float64 `json:"score_threshold,omitempty"`
}

func documentFilter(documentID string) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{"key": "document_id", "match": map[string]any{"value": documentID}},
		},
	}
}

func (s *QdrantStore) collectionExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	if s.known[name] {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/collections/"+name, nil)
	if err != nil {
		return false, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("qdrant unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		s.mu.Lock()
		s.known[name] = true
		s.mu.Unlock()
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("qdrant: unexpected status %d checking collection %s", resp.StatusCode, name)
	}
}

func (s *QdrantStore) createCollection(ctx context.Context, name string, dims int) error {
	body := map[string]any{
		"vectors": map[string]any{
			denseVectorName: map[string]any{
				"size":     dims,
				"distance": "Cosine",
			},
		},
		"sparse_vectors": map[string]any{
			sparseVectorName: map[string]any{
				// IDF down-weights ubiquitous terms at query time.
				"modifier": "idf",
			},
		},
	}
	if err := s.do(ctx, http.MethodPut, "/collections/"+name, body, nil); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	s.logger.Info("collection created",
		slog.String("collection", name), slog.Int("dimensions", dims))
	return nil
}

func (s *QdrantStore) queryPoints(ctx context.Context, collection string, req qdrantQueryRequest) ([]scoredPoint, error) {
	var resp struct {
		Result struct {
			Points []struct {
				ID      any            `json:"id"`
				Score   float64        `json:"score"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/query", collection)
	if err := s.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}

	points := make([]scoredPoint, 0, len(resp.Result.Points))
	for _, pt := range resp.Result.Points {
		points = append(points, scoredPoint{
			ID:      fmt.Sprint(pt.ID),
			Score:   pt.Score,
			Payload: payloadFromMap(pt.Payload),
		})
	}
	return points, nil
}

func (s *QdrantStore) scroll(ctx context.Context, collection string, filter map[string]any, visit func(ChunkPayload)) error {
	var offset any
	for {
		body := map[string]any{
			"limit":        scrollPageSize,
			"with_payload": true,
		}
		if filter != nil {
			body["filter"] = filter
		}
		if offset != nil {
			body["offset"] = offset
		}

		var resp struct {
			Result struct {
				Points []struct {
					Payload map[string]any `json:"payload"`
				} `json:"points"`
				NextPageOffset any `json:"next_page_offset"`
			} `json:"result"`
		}
		path := fmt.Sprintf("/collections/%s/points/scroll", collection)
		if err := s.do(ctx, http.MethodPost, path, body, &resp); err != nil {
			return fmt.Errorf("scroll points: %w", err)
		}
		for _, pt := range resp.Result.Points {
			visit(payloadFromMap(pt.Payload))
		}
		if resp.Result.NextPageOffset == nil {
			return nil
		}
		offset = resp.Result.NextPageOffset
	}
}

// do issues one JSON request and decodes the response into out when
// non-nil. Non-2xx statuses become errors carrying the response body.
func (s *QdrantStore) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant: %s %s returned %d: %s", method, path, resp.StatusCode, truncate(string(data), 200))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ---- payload mapping ----

// payloadToMap flattens a ChunkPayload into the wire payload stored on a
// point. Flat keys keep Qdrant filters simple.
func payloadToMap(p ChunkPayload) map[string]any {
	m := map[string]any{
		"document_id":   p.DocumentID,
		"chunk_index":   p.Meta.Index,
		"content":       p.Content,
		"content_type":  string(p.Meta.ContentType),
		"section_title": p.Meta.SectionTitle,
		"section_level": p.Meta.SectionLevel,
		"has_table":     p.Meta.HasTable,
		"has_code":      p.Meta.HasCode,
		"has_list":      p.Meta.HasList,
		"has_header":    p.Meta.HasHeader,
		"word_count":    p.Meta.WordCount,
		"char_count":    p.Meta.CharCount,
		"total_chunks":  p.TotalChunks,
	}
	for k, v := range p.Extra {
		// Caller metadata never shadows reserved keys.
		if _, reserved := m[k]; !reserved {
			m[k] = v
		}
	}
	return m
}

func payloadFromMap(m map[string]any) ChunkPayload {
	p := ChunkPayload{
		DocumentID:  asString(m["document_id"]),
		Content:     asString(m["content"]),
		TotalChunks: asInt(m["total_chunks"]),
		Meta: chunk.Metadata{
			Index:        asInt(m["chunk_index"]),
			CharCount:    asInt(m["char_count"]),
			WordCount:    asInt(m["word_count"]),
			ContentType:  chunk.ContentType(asString(m["content_type"])),
			HasTable:     asBool(m["has_table"]),
			HasCode:      asBool(m["has_code"]),
			HasList:      asBool(m["has_list"]),
			HasHeader:    asBool(m["has_header"]),
			SectionLevel: asInt(m["section_level"]),
			SectionTitle: asString(m["section_title"]),
		},
	}
	reserved := map[string]bool{
		"document_id": true, "chunk_index": true, "content": true,
		"content_type": true, "section_title": true, "section_level": true,
		"has_table": true, "has_code": true, "has_list": true,
		"has_header": true, "word_count": true, "char_count": true,
		"total_chunks": true,
	}
	for k, v := range m {
		if reserved[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]string)
		}
		p.Extra[k] = asString(v)
	}
	return p
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
