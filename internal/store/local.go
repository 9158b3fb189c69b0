package store

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// LocalStore is the embedded dense-only backend: one HNSW graph per
// workspace for vectors, one shared SQLite database for chunk payloads.
// Graphs persist under the data directory and survive restarts.
type LocalStore struct {
	dataDir string
	db      *sql.DB
	logger  *slog.Logger

	mu     sync.RWMutex
	graphs map[string]*workspaceGraph
	closed bool
}

var _ VectorStore = (*LocalStore)(nil)

// workspaceGraph is one workspace's in-memory HNSW index. Chunk ids map
// to internal uint64 keys; deletion is lazy (the mapping is dropped, the
// node stays in the graph and is filtered out of search results).
type workspaceGraph struct {
	graph      *hnsw.Graph[uint64]
	dimensions int

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

// graphMetadata is the gob sidecar persisted next to each graph file.
type graphMetadata struct {
	IDMap      map[string]uint64
	NextKey    uint64
	Dimensions int
}

// NewLocalStore opens or creates the embedded store under dataDir,
// loading any persisted workspace graphs.
func NewLocalStore(dataDir string, logger *slog.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "payloads.db"))
	if err != nil {
		return nil, fmt.Errorf("open payload db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			id          TEXT PRIMARY KEY,
			collection  TEXT NOT NULL,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			payload     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection);
		CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(collection, document_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init payload schema: %w", err)
	}

	s := &LocalStore{
		dataDir: dataDir,
		db:      db,
		logger:  logger,
		graphs:  make(map[string]*workspaceGraph),
	}
	if err := s.loadGraphs(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Name identifies the backend.
func (s *LocalStore) Name() string { return "local" }

// SupportsHybrid is false: the embedded backend has no sparse index, so
// hybrid requests silently downgrade to dense search.
func (s *LocalStore) SupportsHybrid() bool { return false }

// EnsureCollection creates the in-memory graph for a workspace if
// absent. The vector dimension is fixed by the first insert.
func (s *LocalStore) EnsureCollection(_ context.Context, workspaceID string) error {
	name := CollectionName(workspaceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if _, ok := s.graphs[name]; !ok {
		s.graphs[name] = newWorkspaceGraph(0)
	}
	return nil
}

func newWorkspaceGraph(dims int) *workspaceGraph {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	return &workspaceGraph{
		graph:      g,
		dimensions: dims,
		idMap:      make(map[string]uint64),
		keyMap:     make(map[uint64]string),
	}
}

func (g *workspaceGraph) add(id string, vector []float32) {
	key := g.nextKey
	g.nextKey++

	vec := make([]float32, len(vector))
	copy(vec, vector)
	normalizeVectorInPlace(vec)

	g.graph.Add(hnsw.MakeNode(key, vec))
	g.idMap[id] = key
	g.keyMap[key] = id
}

// remove drops the id mapping, leaving the node orphaned in the graph.
// Removing nodes from coder/hnsw directly can break the graph when the
// last node goes, so orphans are only reclaimed on reload.
func (g *workspaceGraph) remove(id string) {
	if key, ok := g.idMap[id]; ok {
		delete(g.keyMap, key)
		delete(g.idMap, id)
	}
}

// AddDocument inserts all chunks of one document: payload rows in one
// transaction, then graph nodes, then a snapshot to disk.
func (s *LocalStore) AddDocument(ctx context.Context, workspaceID, documentID string, chunks []string, embeddings [][]float32, metadata map[string]string) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chunks and embeddings length mismatch: %d vs %d", len(chunks), len(embeddings))
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := s.EnsureCollection(ctx, workspaceID); err != nil {
		return err
	}

	name := CollectionName(workspaceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	wg := s.graphs[name]

	dims := len(embeddings[0])
	if wg.dimensions == 0 {
		wg.dimensions = dims
	}
	for _, v := range embeddings {
		if len(v) != wg.dimensions {
			return ErrDimensionMismatch{Expected: wg.dimensions, Got: len(v)}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, len(chunks))
	for i, text := range chunks {
		payload := newChunkPayload(documentID, text, i, len(chunks), metadata)
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, collection, document_id, chunk_index, payload) VALUES (?, ?, ?, ?, ?)`,
			id, name, documentID, i, string(raw)); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
		ids[i] = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunks: %w", err)
	}

	for i, id := range ids {
		wg.add(id, embeddings[i])
	}

	if err := s.saveGraphLocked(name, wg); err != nil {
		s.logger.Warn("graph snapshot failed",
			slog.String("collection", name), slog.String("error", err.Error()))
	}
	s.logger.Debug("document indexed",
		slog.String("backend", s.Name()),
		slog.String("workspace", workspaceID),
		slog.String("document", documentID),
		slog.Int("chunks", len(chunks)))
	return nil
}

// Search runs dense cosine retrieval. useHybrid is accepted but ignored.
// Scores are cosine similarity in [0,1]; scoreThreshold filters below.
func (s *LocalStore) Search(ctx context.Context, workspaceID, _ string, queryEmbedding []float32, limit int, scoreThreshold float64, useHybrid bool) ([]SearchCandidate, error) {
	name := CollectionName(workspaceID)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	wg, ok := s.graphs[name]
	if !ok || len(wg.idMap) == 0 {
		s.mu.RUnlock()
		return []SearchCandidate{}, nil
	}
	if useHybrid {
		s.logger.Debug("hybrid search not supported, falling back to dense",
			slog.String("backend", s.Name()))
	}
	if wg.dimensions != 0 && len(queryEmbedding) != wg.dimensions {
		s.mu.RUnlock()
		return nil, ErrDimensionMismatch{Expected: wg.dimensions, Got: len(queryEmbedding)}
	}

	query := make([]float32, len(queryEmbedding))
	copy(query, queryEmbedding)
	normalizeVectorInPlace(query)

	// Over-fetch past orphans so lazy deletion never starves results.
	orphans := wg.graph.Len() - len(wg.idMap)
	nodes := wg.graph.Search(query, limit+orphans)

	type hit struct {
		id    string
		score float64
	}
	hits := make([]hit, 0, len(nodes))
	for _, node := range nodes {
		id, live := wg.keyMap[node.Key]
		if !live {
			continue
		}
		distance := wg.graph.Distance(query, node.Value)
		score := clampScore(1 - float64(distance)/2)
		if score < scoreThreshold {
			continue
		}
		hits = append(hits, hit{id: id, score: score})
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	if len(hits) == 0 {
		return []SearchCandidate{}, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	payloads, err := s.payloadsByID(ctx, name, ids)
	if err != nil {
		return nil, err
	}

	out := make([]SearchCandidate, 0, len(hits))
	for _, h := range hits {
		p, ok := payloads[h.id]
		if !ok {
			continue
		}
		out = append(out, payloadToCandidate(p, h.score))
	}
	return out, nil
}

func clampScore(score float64) float64 {
	return math.Max(0, math.Min(1, score))
}

func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// DeleteDocument removes the document's payload rows and lazily deletes
// its graph nodes.
func (s *LocalStore) DeleteDocument(ctx context.Context, workspaceID, documentID string) error {
	name := CollectionName(workspaceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	wg, ok := s.graphs[name]
	if !ok {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chunks WHERE collection = ? AND document_id = ?`, name, documentID)
	if err != nil {
		return fmt.Errorf("lookup document chunks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE collection = ? AND document_id = ?`, name, documentID); err != nil {
		return fmt.Errorf("delete chunk rows: %w", err)
	}
	for _, id := range ids {
		wg.remove(id)
	}

	if err := s.saveGraphLocked(name, wg); err != nil {
		s.logger.Warn("graph snapshot failed",
			slog.String("collection", name), slog.String("error", err.Error()))
	}
	return nil
}

// DeleteWorkspace drops the graph, its files, and all payload rows.
func (s *LocalStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	name := CollectionName(workspaceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	delete(s.graphs, name)

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE collection = ?`, name); err != nil {
		return fmt.Errorf("delete workspace rows: %w", err)
	}
	for _, path := range []string{s.graphPath(name), s.graphPath(name) + ".meta"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove graph file: %w", err)
		}
	}
	return nil
}

// Stats counts vectors and distinct documents from the payload table.
func (s *LocalStore) Stats(ctx context.Context, workspaceID string) (WorkspaceStats, error) {
	name := CollectionName(workspaceID)
	var stats WorkspaceStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT document_id) FROM chunks WHERE collection = ?`, name).
		Scan(&stats.VectorCount, &stats.DocumentCount)
	if err != nil {
		return WorkspaceStats{}, fmt.Errorf("count chunks: %w", err)
	}
	return stats, nil
}

// DocumentChunks returns payloads in chunk order.
func (s *LocalStore) DocumentChunks(ctx context.Context, workspaceID, documentID string) ([]ChunkPayload, error) {
	name := CollectionName(workspaceID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM chunks WHERE collection = ? AND document_id = ? ORDER BY chunk_index`,
		name, documentID)
	if err != nil {
		return nil, fmt.Errorf("query document chunks: %w", err)
	}
	defer rows.Close()

	var out []ChunkPayload
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p ChunkPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close snapshots every graph and closes the payload database.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for name, wg := range s.graphs {
		if err := s.saveGraphLocked(name, wg); err != nil {
			s.logger.Warn("graph snapshot failed on close",
				slog.String("collection", name), slog.String("error", err.Error()))
		}
	}
	return s.db.Close()
}

// ---- persistence ----

func (s *LocalStore) graphPath(collection string) string {
	return filepath.Join(s.dataDir, collection+".hnsw")
}

// saveGraphLocked writes the graph and its id-mapping sidecar, both
// atomically via temp file + rename.
func (s *LocalStore) saveGraphLocked(collection string, wg *workspaceGraph) error {
	path := s.graphPath(collection)

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := wg.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	metaTmp := path + ".meta.tmp"
	metaFile, err := os.Create(metaTmp)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	meta := graphMetadata{
		IDMap:      wg.idMap,
		NextKey:    wg.nextKey,
		Dimensions: wg.dimensions,
	}
	if err := gob.NewEncoder(metaFile).Encode(meta); err != nil {
		metaFile.Close()
		os.Remove(metaTmp)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := metaFile.Close(); err != nil {
		os.Remove(metaTmp)
		return err
	}
	return os.Rename(metaTmp, path+".meta")
}

// loadGraphs restores all persisted workspace graphs from disk.
func (s *LocalStore) loadGraphs() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".hnsw") {
			continue
		}
		collection := strings.TrimSuffix(entry.Name(), ".hnsw")
		wg, err := s.loadGraph(s.graphPath(collection))
		if err != nil {
			s.logger.Warn("skipping unreadable graph",
				slog.String("collection", collection), slog.String("error", err.Error()))
			continue
		}
		s.graphs[collection] = wg
		s.logger.Debug("graph loaded",
			slog.String("collection", collection), slog.Int("vectors", len(wg.idMap)))
	}
	return nil
}

func (s *LocalStore) loadGraph(path string) (*workspaceGraph, error) {
	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	var meta graphMetadata
	err = gob.NewDecoder(metaFile).Decode(&meta)
	metaFile.Close()
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	wg := newWorkspaceGraph(meta.Dimensions)
	wg.idMap = meta.IDMap
	wg.nextKey = meta.NextKey
	for id, key := range meta.IDMap {
		wg.keyMap[key] = id
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader.
	if err := wg.graph.Import(bufio.NewReader(file)); err != nil {
		return nil, fmt.Errorf("import graph: %w", err)
	}
	return wg, nil
}

// payloadsByID fetches payload rows for a set of chunk ids.
func (s *LocalStore) payloadsByID(ctx context.Context, collection string, ids []string) (map[string]ChunkPayload, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, collection)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM chunks WHERE collection = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query payloads: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ChunkPayload, len(ids))
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var p ChunkPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		out[id] = p
	}
	return out, rows.Err()
}
