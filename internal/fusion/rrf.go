// Package fusion merges ranked result lists with reciprocal rank fusion.
// Dense lists from every query variant and the single BM25 list all feed the
// same accumulator; BM25 contributions carry a configurable weight.
package fusion

import (
	"sort"

	"lagrum/internal/logging"
	"lagrum/internal/types"
)

// DefaultK is the standard RRF rank constant.
const DefaultK = 60

// DefaultBM25Weight scales lexical contributions in hybrid fusion.
const DefaultBM25Weight = 1.5

// minGain is the fusion-gain floor below which fusing is not worth the loss
// of raw score fidelity.
const minGain = 0.05

// Input is one ranked result list entering fusion.
type Input struct {
	Retriever types.RetrieverTag
	Results   []types.SearchResult
}

// Metrics describes what fusion did to the inputs.
type Metrics struct {
	OverlapCount    int     `json:"overlap_count"`
	UniqueBefore    int     `json:"unique_docs_before"`
	UniqueAfter     int     `json:"unique_docs_after"`
	FusionGain      float64 `json:"fusion_gain"`
	NonEmptyInputs  int     `json:"non_empty_inputs"`
	SkippedFusion   bool    `json:"skipped_fusion"`
	LargestInputLen int     `json:"largest_input_len"`
}

type accumulator struct {
	doc         types.SearchResult
	score       float64
	sources     map[types.RetrieverTag]bool
	foundByBM25 bool
	setCount    int
	firstTag    types.RetrieverTag
	firstRank   int
}

// Fuse runs weighted RRF over the inputs. Dense lists contribute 1/(k+rank),
// BM25 lists contribute bm25Weight/(k+rank). Documents without ids are
// skipped. Ties sort by (retriever_tag, original rank) of the doc's first
// appearance, so the output is deterministic for equal input multisets.
func Fuse(inputs []Input, k int, bm25Weight float64) ([]types.SearchResult, Metrics) {
	if k <= 0 {
		k = DefaultK
	}
	if bm25Weight <= 0 {
		bm25Weight = DefaultBM25Weight
	}

	accs := make(map[string]*accumulator)
	var order []string
	var metrics Metrics

	for _, in := range inputs {
		if len(in.Results) == 0 {
			continue
		}
		metrics.NonEmptyInputs++
		if len(in.Results) > metrics.LargestInputLen {
			metrics.LargestInputLen = len(in.Results)
		}

		weight := 1.0
		if in.Retriever == types.RetrieverBM25 {
			weight = bm25Weight
		}

		// setCount measures cross-input overlap, so a doc repeated inside one
		// list must count once for that list.
		seenInInput := make(map[string]bool, len(in.Results))

		for rank, doc := range in.Results {
			if doc.ID == "" {
				continue
			}
			contribution := weight / float64(k+rank+1)

			acc, ok := accs[doc.ID]
			if !ok {
				acc = &accumulator{
					doc:       doc,
					sources:   make(map[types.RetrieverTag]bool),
					firstTag:  in.Retriever,
					firstRank: rank,
				}
				accs[doc.ID] = acc
				order = append(order, doc.ID)
			}
			acc.score += contribution
			acc.sources[in.Retriever] = true
			if !seenInInput[doc.ID] {
				seenInInput[doc.ID] = true
				acc.setCount++
			}
			if in.Retriever == types.RetrieverBM25 {
				acc.foundByBM25 = true
			}
		}
	}

	results := make([]types.SearchResult, 0, len(order))
	for _, id := range order {
		acc := accs[id]
		if acc.setCount >= 2 {
			metrics.OverlapCount++
		}
		doc := acc.doc
		doc.Score = acc.score
		doc.Retriever = types.RetrieverFused
		doc.FoundByBM25 = acc.foundByBM25
		doc.RetrieverSources = sourceList(acc.sources)
		results = append(results, doc)
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := accs[results[i].ID], accs[results[j].ID]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.firstTag != b.firstTag {
			return a.firstTag < b.firstTag
		}
		return a.firstRank < b.firstRank
	})

	metrics.UniqueBefore = unionSize(inputs)
	metrics.UniqueAfter = len(results)
	// Gain is measured against the largest single input: the docs we would
	// have had without fusing at all.
	metrics.FusionGain = float64(metrics.UniqueAfter-metrics.LargestInputLen) /
		float64(max(metrics.LargestInputLen, 1))

	logging.FusionDebug("fused %d inputs: before=%d after=%d overlap=%d gain=%.3f",
		len(inputs), metrics.UniqueBefore, metrics.UniqueAfter, metrics.OverlapCount, metrics.FusionGain)

	return results, metrics
}

// ShouldSkip reports whether the orchestrator should fall back to the best
// single result set instead of using the fused one.
func ShouldSkip(m Metrics) bool {
	return m.NonEmptyInputs < 2 || m.FusionGain < minGain
}

// BestSingle picks the fallback set when fusion is skipped: the largest
// non-empty input, dense preferred over lexical so raw similarity scores
// survive.
func BestSingle(inputs []Input) []types.SearchResult {
	var best []types.SearchResult
	bestDense := false
	for _, in := range inputs {
		if len(in.Results) == 0 {
			continue
		}
		dense := in.Retriever != types.RetrieverBM25
		switch {
		case best == nil:
			best, bestDense = in.Results, dense
		case dense && !bestDense:
			best, bestDense = in.Results, dense
		case dense == bestDense && len(in.Results) > len(best):
			best = in.Results
		}
	}
	return best
}

func sourceList(sources map[types.RetrieverTag]bool) []string {
	out := make([]string, 0, len(sources))
	for tag := range sources {
		out = append(out, string(tag))
	}
	sort.Strings(out)
	return out
}

func unionSize(inputs []Input) int {
	seen := make(map[string]bool)
	for _, in := range inputs {
		for _, doc := range in.Results {
			if doc.ID != "" {
				seen[doc.ID] = true
			}
		}
	}
	return len(seen)
}
