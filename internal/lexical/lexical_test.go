package lexical

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
)

func TestMorphemeSplitter(t *testing.T) {
	s := NewMorphemeSplitter()

	cases := []struct {
		word string
		want []string
	}{
		{"yttrandefrihetsgrundlagen", []string{"yttrande", "frihet", "grundlag"}},
		{"personuppgiftsbehandling", []string{"personuppgift", "behandling"}},
		{"grundlag", nil},   // already a morpheme
		{"banan", nil},      // too short
		{"xylofonist", nil}, // no known morphemes
	}
	for _, tc := range cases {
		got := s.Split(tc.word)
		if len(got) != len(tc.want) {
			t.Errorf("Split(%q)=%v, want %v", tc.word, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("Split(%q)=%v, want %v", tc.word, got, tc.want)
				break
			}
		}
	}
}

func TestBuildMatchQuery_SanitizesOperators(t *testing.T) {
	r := NewRetriever("unused", nil)

	got := r.buildMatchQuery(`vad säger "2 kap" (OSL) om NOT sekretess*`)
	if strings.ContainsAny(got, `()*`) {
		t.Fatalf("match query retains operators: %q", got)
	}
	if strings.Contains(got, `"NOT"`) {
		t.Fatalf("match query retains reserved token: %q", got)
	}
	for _, tok := range strings.Split(got, " OR ") {
		if !strings.HasPrefix(tok, `"`) || !strings.HasSuffix(tok, `"`) {
			t.Fatalf("unquoted token %q in %q", tok, got)
		}
	}
}

func TestBuildMatchQuery_CompoundExpansion(t *testing.T) {
	r := NewRetriever("unused", NewMorphemeSplitter())

	got := r.buildMatchQuery("yttrandefrihetsgrundlagen")
	for _, want := range []string{`"yttrandefrihetsgrundlagen"`, `"yttrande"`, `"frihet"`, `"grundlag"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("match query %q missing %s", got, want)
		}
	}
}

func buildFTSIndex(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bm25.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE VIRTUAL TABLE chunks USING fts5(chunk_id UNINDEXED, title, content)`); err != nil {
		t.Fatalf("create fts table: %v", err)
	}
	docs := [][3]string{
		{"sfs_1949_105_1kap_1§_aaa111bbb222", "TF 1 kap 1 §", "Tryckfriheten syftar till att säkerställa ett fritt meningsutbyte"},
		{"sfs_1991_1469_1kap_1§_ccc333ddd444", "YGL 1 kap 1 §", "Varje svensk medborgare är gentemot det allmänna tillförsäkrad yttrandefrihet"},
		{"guide_imy_001", "Om dataskydd", "Dataskyddsförordningen ställer krav på samtycke vid behandling av personuppgifter"},
	}
	for _, d := range docs {
		if _, err := db.Exec(`INSERT INTO chunks VALUES (?, ?, ?)`, d[0], d[1], d[2]); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return path
}

func TestSearch(t *testing.T) {
	r := NewRetriever(buildFTSIndex(t), NewMorphemeSplitter())
	defer r.Close()

	results, err := r.Search(context.Background(), "yttrandefrihet medborgare", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].ID != "sfs_1991_1469_1kap_1§_ccc333ddd444" {
		t.Fatalf("top=%s, want YGL chunk", results[0].ID)
	}
	for _, res := range results {
		if res.Retriever != "bm25" {
			t.Fatalf("retriever=%s, want bm25", res.Retriever)
		}
		if res.Score <= 0 {
			t.Fatalf("score=%v, want positive after negation", res.Score)
		}
	}
}

func TestSearch_OperatorInjection(t *testing.T) {
	r := NewRetriever(buildFTSIndex(t), nil)
	defer r.Close()

	// Raw FTS operators in user text must not produce a syntax error.
	if _, err := r.Search(context.Background(), `samtycke AND ("krav" OR NEAR{}) *`, 5); err != nil {
		t.Fatalf("Search with operators: %v", err)
	}
}

func TestDocScores(t *testing.T) {
	r := NewRetriever(buildFTSIndex(t), nil)
	defer r.Close()

	scores, err := r.DocScores(context.Background(), "samtycke personuppgifter", []string{
		"guide_imy_001",
		"sfs_1949_105_1kap_1§_aaa111bbb222",
	})
	if err != nil {
		t.Fatalf("DocScores: %v", err)
	}
	if _, ok := scores["guide_imy_001"]; !ok {
		t.Fatalf("scores=%v, want guide chunk scored", scores)
	}
	if _, ok := scores["sfs_1949_105_1kap_1§_aaa111bbb222"]; ok {
		t.Fatalf("scores=%v, non-matching doc must be absent", scores)
	}
}

func TestSearch_MissingIndex(t *testing.T) {
	r := NewRetriever(filepath.Join(t.TempDir(), "absent", "bm25.db"), nil)
	defer r.Close()

	if _, err := r.Search(context.Background(), "fråga", 5); err == nil {
		t.Fatal("expected error for missing index")
	}
}

func TestSearch_EmptyQueryAfterSanitize(t *testing.T) {
	r := NewRetriever(buildFTSIndex(t), nil)
	defer r.Close()

	results, err := r.Search(context.Background(), `AND OR NOT ()"*`, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Fatalf("results=%v, want nil for operator-only query", results)
	}
}
