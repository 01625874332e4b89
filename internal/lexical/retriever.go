// Package lexical provides BM25 retrieval over a disk-resident SQLite FTS5
// index. The index is written by the ingestion pipeline; this side only
// reads.
package lexical

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"lagrum/internal/logging"
	"lagrum/internal/types"
)

// =============================================================================
// RETRIEVER
// =============================================================================

// Retriever answers BM25 queries against the FTS index. The database opens
// lazily on first query so a missing index degrades to dense-only retrieval
// instead of failing startup.
//
// Index schema: chunks USING fts5(chunk_id UNINDEXED, title, content).
type Retriever struct {
	path     string
	splitter Splitter

	once    sync.Once
	db      *sql.DB
	openErr error
}

// NewRetriever creates a lazy retriever over the index at path. A nil
// splitter disables compound expansion.
func NewRetriever(path string, splitter Splitter) *Retriever {
	return &Retriever{path: path, splitter: splitter}
}

func (r *Retriever) open() (*sql.DB, error) {
	r.once.Do(func() {
		dsn := fmt.Sprintf("%s?mode=ro&_journal_mode=WAL", r.path)
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			r.openErr = fmt.Errorf("open bm25 index: %w", err)
			return
		}
		if err := db.Ping(); err != nil {
			db.Close()
			r.openErr = fmt.Errorf("verify bm25 index: %w", err)
			return
		}
		r.db = db
		logging.Store("bm25 index open at %s", r.path)
	})
	return r.db, r.openErr
}

// Search returns the top-K BM25 matches. FTS5's bm25() ranks lower-is-better
// with negative values; scores are negated so higher is better like every
// other retriever.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]types.SearchResult, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Lexical.Search")
	defer timer.Stop()

	db, err := r.open()
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}

	match := r.buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}

	run := func(matchExpr string) ([]types.SearchResult, error) {
		rows, err := db.QueryContext(ctx, `
			SELECT chunk_id, title, snippet(chunks, 2, '', '', '…', 12), bm25(chunks)
			FROM chunks
			WHERE chunks MATCH ?
			ORDER BY bm25(chunks)
			LIMIT ?
		`, matchExpr, k)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []types.SearchResult
		for rows.Next() {
			var res types.SearchResult
			var rank float64
			if err := rows.Scan(&res.ID, &res.Title, &res.Snippet, &rank); err != nil {
				continue
			}
			res.Score = -rank
			res.Retriever = types.RetrieverBM25
			out = append(out, res)
		}
		return out, rows.Err()
	}

	out, err := run(match)
	if err != nil {
		// Sanitization should make syntax errors impossible, but FTS5 has
		// corners; fall back to the whole query as one quoted phrase.
		logging.Get(logging.CategoryRetrieval).Warn("bm25 match %q failed (%v), retrying as phrase", match, err)
		out, err = run(`"` + strings.ReplaceAll(query, `"`, ``) + `"`)
		if err != nil {
			return nil, fmt.Errorf("bm25 search: %w", err)
		}
	}

	logging.RetrievalDebug("bm25 %q returned %d results", query, len(out))
	return out, nil
}

// DocScores returns BM25 scores for a caller-supplied candidate set, keyed by
// chunk id. Candidates that do not match the query are absent from the map.
func (r *Retriever) DocScores(ctx context.Context, query string, ids []string) (map[string]float64, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	match := r.buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []interface{}{match}
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT chunk_id, bm25(chunks)
		FROM chunks
		WHERE chunks MATCH ? AND chunk_id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("bm25 doc scores: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			continue
		}
		out[id] = -rank
	}
	return out, rows.Err()
}

// Close releases the index database if it was opened.
func (r *Retriever) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// =============================================================================
// QUERY SANITIZATION
// =============================================================================

var ftsOperatorChars = `"'()*^:{}[]~`

var ftsReservedTokens = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "NEAR": true,
}

// buildMatchQuery sanitizes a natural-language query into a safe FTS5 MATCH
// expression: operators stripped, reserved words dropped, compounds expanded,
// every token quoted and joined with OR.
func (r *Retriever) buildMatchQuery(query string) string {
	cleaned := strings.Map(func(c rune) rune {
		if strings.ContainsRune(ftsOperatorChars, c) {
			return ' '
		}
		return c
	}, query)

	var tokens []string
	seen := make(map[string]bool)
	add := func(tok string) {
		if tok == "" || seen[tok] {
			return
		}
		seen[tok] = true
		tokens = append(tokens, `"`+tok+`"`)
	}

	for _, field := range strings.Fields(cleaned) {
		if ftsReservedTokens[strings.ToUpper(field)] {
			continue
		}
		add(field)
		if r.splitter != nil {
			for _, part := range r.splitter.Split(field) {
				add(part)
			}
		}
	}
	return strings.Join(tokens, " OR ")
}
