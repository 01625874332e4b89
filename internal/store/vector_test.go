package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
)

// buildVectorDB writes a small two-collection fixture in the on-disk schema.
func buildVectorDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vectors.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open fixture db: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE collections (name TEXT PRIMARY KEY, dimension INTEGER)`,
		`INSERT INTO collections VALUES ('sfs_lagar', 4), ('diva_forskning', 4)`,
		`CREATE VIRTUAL TABLE vec_sfs_lagar USING vec0(embedding float[4], chunk_id TEXT)`,
		`CREATE TABLE docs_sfs_lagar (chunk_id TEXT PRIMARY KEY, title TEXT, snippet TEXT, doc_type TEXT, metadata_json TEXT)`,
		`CREATE VIRTUAL TABLE vec_diva_forskning USING vec0(embedding float[4], chunk_id TEXT)`,
		`CREATE TABLE docs_diva_forskning (chunk_id TEXT PRIMARY KEY, title TEXT, snippet TEXT, doc_type TEXT, metadata_json TEXT)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("fixture %q: %v", stmt, err)
		}
	}

	docs := []struct {
		id   string
		vec  []float32
		meta string
	}{
		{"sfs_1974_152_2kap_1§_abc123def456", []float32{1, 0, 0, 0}, `{"sfs_nummer":"1974:152","kapitel":"2"}`},
		{"sfs_1974_152_2kap_2§_bcd234efa567", []float32{0.9, 0.1, 0, 0}, `{"sfs_nummer":"1974:152","kapitel":"2"}`},
		{"sfs_1949_105_1kap_1§_cde345fab678", []float32{0, 1, 0, 0}, `{"sfs_nummer":"1949:105","kapitel":"1"}`},
	}
	for _, d := range docs {
		blob, err := encodeFloat32SliceToBlob(d.vec)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(`INSERT INTO vec_sfs_lagar (embedding, chunk_id) VALUES (?, ?)`, blob, d.id); err != nil {
			t.Fatalf("insert vector: %v", err)
		}
		if _, err := db.Exec(`INSERT INTO docs_sfs_lagar VALUES (?, ?, ?, 'paragraf', ?)`,
			d.id, fmt.Sprintf("Titel %s", d.id[:8]), "utdrag", d.meta); err != nil {
			t.Fatalf("insert doc: %v", err)
		}
	}
	return path
}

func TestVectorStore_ListCollections(t *testing.T) {
	s, err := OpenVectorStore(buildVectorDB(t))
	if err != nil {
		t.Fatalf("OpenVectorStore: %v", err)
	}
	defer s.Close()

	names := s.ListCollections()
	if len(names) != 2 {
		t.Fatalf("collections=%v, want 2", names)
	}
	if !s.HasCollection("sfs_lagar") || s.HasCollection("okänd") {
		t.Fatal("HasCollection misreports")
	}
	if s.Dimension("sfs_lagar") != 4 {
		t.Fatalf("dimension=%d, want 4", s.Dimension("sfs_lagar"))
	}
}

func TestVectorStore_QueryOrdersBySimilarity(t *testing.T) {
	s, err := OpenVectorStore(buildVectorDB(t))
	if err != nil {
		t.Fatalf("OpenVectorStore: %v", err)
	}
	defer s.Close()

	results, err := s.Query(context.Background(), "sfs_lagar", []float32{1, 0, 0, 0}, 3, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results=%d, want 3", len(results))
	}
	if results[0].ID != "sfs_1974_152_2kap_1§_abc123def456" {
		t.Fatalf("top result=%s, want exact match first", results[0].ID)
	}
	for i, r := range results {
		if r.Score < 0 || r.Score > 1 {
			t.Fatalf("result %d score=%v, want [0,1]", i, r.Score)
		}
		if i > 0 && r.Score > results[i-1].Score {
			t.Fatalf("results not descending at %d", i)
		}
		if r.Retriever != "dense" || r.SourceCollection != "sfs_lagar" {
			t.Fatalf("result %d tags wrong: %+v", i, r)
		}
	}
	if results[0].Metadata["sfs_nummer"] != "1974:152" {
		t.Fatalf("metadata=%v, want sfs_nummer populated", results[0].Metadata)
	}
}

func TestVectorStore_MetadataFilter(t *testing.T) {
	s, err := OpenVectorStore(buildVectorDB(t))
	if err != nil {
		t.Fatalf("OpenVectorStore: %v", err)
	}
	defer s.Close()

	results, err := s.Query(context.Background(), "sfs_lagar", []float32{1, 0, 0, 0}, 10,
		map[string]string{"sfs_nummer": "1949:105"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].Metadata["sfs_nummer"] != "1949:105" {
		t.Fatalf("results=%v, want only 1949:105 docs", results)
	}
}

func TestVectorStore_UnknownCollection(t *testing.T) {
	s, err := OpenVectorStore(buildVectorDB(t))
	if err != nil {
		t.Fatalf("OpenVectorStore: %v", err)
	}
	defer s.Close()

	if _, err := s.Query(context.Background(), "finns_inte", []float32{1, 0, 0, 0}, 5, nil); err == nil {
		t.Fatal("expected error for unknown collection")
	}
	if _, err := s.Query(context.Background(), "sfs'; DROP TABLE docs_sfs_lagar;--", []float32{1}, 5, nil); err == nil {
		t.Fatal("expected error for invalid collection name")
	}
}

func TestVectorStore_CountAndGet(t *testing.T) {
	s, err := OpenVectorStore(buildVectorDB(t))
	if err != nil {
		t.Fatalf("OpenVectorStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	n, err := s.Count(ctx, "sfs_lagar")
	if err != nil || n != 3 {
		t.Fatalf("Count=%d err=%v, want 3", n, err)
	}

	docs, err := s.Get(ctx, "sfs_lagar", 2, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("Get returned %d docs, want 2", len(docs))
	}
}

func TestEncodeFloat32SliceToBlob(t *testing.T) {
	blob, err := encodeFloat32SliceToBlob([]float32{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(blob) != 8 {
		t.Fatalf("blob len=%d, want 8", len(blob))
	}
	if _, err := encodeFloat32SliceToBlob(nil); err == nil {
		t.Fatal("empty embedding must error")
	}
}
