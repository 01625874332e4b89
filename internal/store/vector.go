// Package store provides the read-side persistence for retrieval: the dense
// vector store (sqlite-vec), and the parent store holding kapitel-level legal
// text. Both are opened read-only; the ingestion pipeline that writes them
// lives outside this service.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"lagrum/internal/logging"
	"lagrum/internal/types"
)

// =============================================================================
// VECTOR STORE
// =============================================================================

// VectorStore serves nearest-neighbor search over per-collection vec0 tables.
// Schema per collection <name>:
//
//	vec_<name>  USING vec0(embedding float[dim], chunk_id TEXT)
//	docs_<name> (chunk_id TEXT PRIMARY KEY, title, snippet, doc_type, metadata_json)
//
// plus a registry table collections(name TEXT PRIMARY KEY, dimension INTEGER).
type VectorStore struct {
	db *sql.DB

	mu          sync.RWMutex
	collections map[string]int
}

// reCollectionName guards table-name interpolation. Collection names come
// from config and the routing table, never from user input, but the check is
// cheap.
var reCollectionName = regexp.MustCompile(`^[a-z0-9_]+$`)

// OpenVectorStore opens the vector store database read-only.
func OpenVectorStore(path string) (*VectorStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenVectorStore")
	defer timer.Stop()

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify vector store: %w", err)
	}

	s := &VectorStore{db: db}
	if err := s.loadCollections(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("vector store open at %s, %d collections", path, len(s.collections))
	return s, nil
}

func (s *VectorStore) loadCollections() error {
	rows, err := s.db.Query(`SELECT name, dimension FROM collections`)
	if err != nil {
		return fmt.Errorf("read collection registry: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]int)
	for rows.Next() {
		var name string
		var dim int
		if err := rows.Scan(&name, &dim); err != nil {
			return fmt.Errorf("scan collection row: %w", err)
		}
		cols[name] = dim
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.collections = cols
	s.mu.Unlock()
	return nil
}

// ListCollections returns the registered collection names.
func (s *VectorStore) ListCollections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	return names
}

// HasCollection reports whether name is registered.
func (s *VectorStore) HasCollection(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok
}

// Dimension returns the embedding dimension of a collection, 0 when unknown.
func (s *VectorStore) Dimension(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections[name]
}

func validCollection(name string) error {
	if !reCollectionName.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

// Query runs a top-K cosine search against one collection. The optional where
// map filters on metadata_json keys. Distances are converted to similarity in
// [0,1].
func (s *VectorStore) Query(ctx context.Context, collection string, embedding []float32, k int, where map[string]string) ([]types.SearchResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "VectorStore.Query")
	defer timer.Stop()

	if err := validCollection(collection); err != nil {
		return nil, err
	}
	if !s.HasCollection(collection) {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	if k <= 0 {
		k = 10
	}

	queryBlob, err := encodeFloat32SliceToBlob(embedding)
	if err != nil {
		return nil, err
	}

	var filters []string
	args := []interface{}{queryBlob}
	for key, val := range where {
		if !reCollectionName.MatchString(key) {
			return nil, fmt.Errorf("invalid metadata filter key %q", key)
		}
		filters = append(filters, fmt.Sprintf("json_extract(d.metadata_json, '$.%s') = ?", key))
		args = append(args, val)
	}
	whereClause := ""
	if len(filters) > 0 {
		whereClause = "WHERE " + strings.Join(filters, " AND ")
	}
	args = append(args, k)

	// Cosine distance is 1 - similarity for normalized vectors.
	query := fmt.Sprintf(`
		SELECT
			d.chunk_id,
			d.title,
			d.snippet,
			d.doc_type,
			d.metadata_json,
			vec_distance_cosine(v.embedding, ?) AS distance
		FROM vec_%s v
		JOIN docs_%s d ON d.chunk_id = v.chunk_id
		%s
		ORDER BY distance ASC
		LIMIT ?
	`, collection, collection, whereClause)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector query on %s: %w", collection, err)
	}
	defer rows.Close()

	var results []types.SearchResult
	for rows.Next() {
		var r types.SearchResult
		var metadataJSON sql.NullString
		var distance float64

		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.DocType, &metadataJSON, &distance); err != nil {
			logging.Get(logging.CategoryStore).Warn("failed to scan result row: %v", err)
			continue
		}

		r.Score = clamp01(1.0 - distance)
		r.SourceCollection = collection
		r.Retriever = types.RetrieverDense
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &r.Metadata); err != nil {
				logging.StoreDebug("unparseable metadata for %s: %v", r.ID, err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results on %s: %w", collection, err)
	}

	logging.StoreDebug("dense query on %s returned %d results", collection, len(results))
	return results, nil
}

// Get fetches documents without a similarity search, for metadata inspection.
func (s *VectorStore) Get(ctx context.Context, collection string, limit, offset int) ([]types.SearchResult, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	if !s.HasCollection(collection) {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT chunk_id, title, snippet, doc_type, metadata_json
		FROM docs_%s
		ORDER BY chunk_id
		LIMIT ? OFFSET ?
	`, collection)

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get on %s: %w", collection, err)
	}
	defer rows.Close()

	var results []types.SearchResult
	for rows.Next() {
		var r types.SearchResult
		var metadataJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.DocType, &metadataJSON); err != nil {
			continue
		}
		r.SourceCollection = collection
		if metadataJSON.Valid && metadataJSON.String != "" {
			_ = json.Unmarshal([]byte(metadataJSON.String), &r.Metadata)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Count returns the number of documents in a collection.
func (s *VectorStore) Count(ctx context.Context, collection string) (int, error) {
	if err := validCollection(collection); err != nil {
		return 0, err
	}
	if !s.HasCollection(collection) {
		return 0, fmt.Errorf("unknown collection %q", collection)
	}

	var count int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM docs_%s`, collection)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count on %s: %w", collection, err)
	}
	return count, nil
}

// Close releases the database.
func (s *VectorStore) Close() error {
	return s.db.Close()
}

// encodeFloat32SliceToBlob serializes a vector in sqlite-vec's little-endian
// float32 wire format.
func encodeFloat32SliceToBlob(vec []float32) ([]byte, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("encode embedding: %w", err)
	}
	return buf.Bytes(), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
