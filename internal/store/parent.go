package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"lagrum/internal/logging"
	"lagrum/internal/types"
)

// =============================================================================
// PARENT STORE
// =============================================================================

// ParentStore maps child chunk ids to kapitel-level parent contexts. Two
// tables:
//
//	parents(parent_id PK, sfs_nummer, law_name, kortnamn, kapitel,
//	        kapitel_rubrik, full_text, child_count, references_json)
//	child_parent_map(child_chunk_id PK, parent_id)
//
// Uses the pure-Go driver: the parent store is plain relational access with
// no vector extension, so it avoids a second cgo connection pool.
type ParentStore struct {
	db *sql.DB
}

// OpenParentStore opens the parent database read-only. A missing file is the
// caller's concern; the orchestrator treats an absent store as "no expansion".
func OpenParentStore(path string) (*ParentStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenParentStore")
	defer timer.Stop()

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("open parent store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify parent store: %w", err)
	}

	logging.Store("parent store open at %s", path)
	return &ParentStore{db: db}, nil
}

// ResolveParents maps child chunk ids to their parent ids via the
// child→parent table. Unknown children are skipped.
func (s *ParentStore) ResolveParents(ctx context.Context, childIDs []string) (map[string]string, error) {
	if len(childIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(childIDs)), ",")
	args := make([]interface{}, len(childIDs))
	for i, id := range childIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT child_chunk_id, parent_id FROM child_parent_map WHERE child_chunk_id IN (%s)`,
		placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("resolve parents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var child, parent string
		if err := rows.Scan(&child, &parent); err != nil {
			continue
		}
		out[child] = parent
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logging.StoreDebug("resolved %d/%d children to parents", len(out), len(childIDs))
	return out, nil
}

// GetParentsByIDs fetches parent contexts directly by parent id, preserving
// the input order for ids that exist. Used when child ids were reconstructed
// from the chunk-id grammar rather than looked up.
func (s *ParentStore) GetParentsByIDs(ctx context.Context, parentIDs []string) ([]types.ParentContext, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(parentIDs)), ",")
	args := make([]interface{}, len(parentIDs))
	for i, id := range parentIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT parent_id, sfs_nummer, law_name, kortnamn, kapitel,
		       kapitel_rubrik, full_text, child_count, references_json
		FROM parents WHERE parent_id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("get parents: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]types.ParentContext)
	for rows.Next() {
		var p types.ParentContext
		var kortnamn, kapitel, rubrik, refsJSON sql.NullString
		if err := rows.Scan(&p.ParentID, &p.SFSNummer, &p.LawName, &kortnamn,
			&kapitel, &rubrik, &p.FullText, &p.ChildCount, &refsJSON); err != nil {
			logging.Get(logging.CategoryStore).Warn("failed to scan parent row: %v", err)
			continue
		}
		p.Kortnamn = kortnamn.String
		p.Kapitel = kapitel.String
		p.KapitelRubrik = rubrik.String
		if refsJSON.Valid && refsJSON.String != "" {
			if err := json.Unmarshal([]byte(refsJSON.String), &p.References); err != nil {
				logging.StoreDebug("unparseable references_json for %s: %v", p.ParentID, err)
			}
		}
		byID[p.ParentID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []types.ParentContext
	seen := make(map[string]bool)
	for _, id := range parentIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Close releases the database.
func (s *ParentStore) Close() error {
	return s.db.Close()
}
