// Package parents expands paragraf-level chunks to kapitel-level parent
// contexts so the model sees surrounding legal structure, not just the
// matched fragment.
package parents

import (
	"context"
	"regexp"

	"lagrum/internal/logging"
	"lagrum/internal/store"
	"lagrum/internal/types"
)

// reSFSChunkID matches the SFS chunk-id format:
//
//	sfs_<year>_<num>_<kap?><letter?>kap_<par>§_<12-hex-hash>
//
// where the kapitel segment is optional (chapterless laws).
var reSFSChunkID = regexp.MustCompile(`^sfs_(\d{4})_(\d+)_(?:(\d+)([a-z]?)kap_)?(\d+[a-z]?)§_[0-9a-f]{12}$`)

// ChunkIDToParentID derives the parent id from an SFS chunk id. Returns ""
// for non-SFS ids. Pure function: kapitel chunks map to
// "<year>:<num>_<kap><letter?>_kap", chapterless to "<year>:<num>_root".
func ChunkIDToParentID(chunkID string) string {
	m := reSFSChunkID.FindStringSubmatch(chunkID)
	if m == nil {
		return ""
	}
	year, num, kap, letter := m[1], m[2], m[3], m[4]
	if kap == "" {
		return year + ":" + num + "_root"
	}
	return year + ":" + num + "_" + kap + letter + "_kap"
}

// ParentSource is the store surface the resolver needs.
type ParentSource interface {
	ResolveParents(ctx context.Context, childIDs []string) (map[string]string, error)
	GetParentsByIDs(ctx context.Context, parentIDs []string) ([]types.ParentContext, error)
}

// Resolver expands SFS search results to parent contexts.
type Resolver struct {
	source ParentSource
}

// NewResolver builds a resolver. A nil source disables expansion entirely.
func NewResolver(source ParentSource) *Resolver {
	return &Resolver{source: source}
}

// NewResolverFromStore adapts the concrete parent store.
func NewResolverFromStore(s *store.ParentStore) *Resolver {
	if s == nil {
		return &Resolver{}
	}
	return &Resolver{source: s}
}

// Expansion is the outcome of parent resolution for one result set.
type Expansion struct {
	// Parents in order of each parent's first matching child.
	Parents []types.ParentContext
	// Passthrough holds non-SFS results, unchanged.
	Passthrough []types.SearchResult
}

// Expand resolves parents for the SFS results in ranked order. Resolution is
// two-phase: the child→parent map first, then direct lookup by grammar-derived
// parent ids for children the map does not know (id-format drift between
// index generations). Sibling chunks from the same kapitel collapse to one
// parent. A missing store means no expansion, never a failure.
func (r *Resolver) Expand(ctx context.Context, results []types.SearchResult) (Expansion, error) {
	timer := logging.StartTimer(logging.CategoryParents, "Expand")
	defer timer.Stop()

	var exp Expansion

	var sfsChildren []string
	for _, res := range results {
		if ChunkIDToParentID(res.ID) != "" {
			sfsChildren = append(sfsChildren, res.ID)
		} else {
			exp.Passthrough = append(exp.Passthrough, res)
		}
	}
	if r.source == nil || len(sfsChildren) == 0 {
		return exp, nil
	}

	mapped, err := r.source.ResolveParents(ctx, sfsChildren)
	if err != nil {
		logging.Get(logging.CategoryParents).Warn("child map lookup failed: %v", err)
		mapped = nil
	}

	// Parent ids in first-child rank order, deduplicated.
	var parentIDs []string
	seen := make(map[string]bool)
	for _, child := range sfsChildren {
		parentID, ok := mapped[child]
		if !ok {
			parentID = ChunkIDToParentID(child)
		}
		if parentID == "" || seen[parentID] {
			continue
		}
		seen[parentID] = true
		parentIDs = append(parentIDs, parentID)
	}

	parentsFound, err := r.source.GetParentsByIDs(ctx, parentIDs)
	if err != nil {
		logging.Get(logging.CategoryParents).Warn("parent fetch failed: %v", err)
		return exp, nil
	}
	exp.Parents = parentsFound

	logging.Parents("expanded %d SFS chunks into %d parents (%d passthrough)",
		len(sfsChildren), len(exp.Parents), len(exp.Passthrough))
	return exp, nil
}
