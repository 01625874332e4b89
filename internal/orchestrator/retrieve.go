package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"lagrum/internal/embedding"
	"lagrum/internal/fusion"
	"lagrum/internal/logging"
	"lagrum/internal/types"
)

// retrieve fans out (queries × collections) dense searches plus one BM25
// search, gated by the parallelism cap. Per-leg failures are swallowed and
// counted; the stage returns whatever legs completed inside the budget.
func (o *Orchestrator) retrieve(ctx context.Context, queries []string, lexicalQuery string, route types.RoutingConfig, k int, filter map[string]string, opts Options, metrics *types.StageMetrics) ([]fusion.Input, bool) {
	stageCtx, cancel := stageContext(ctx, opts.Budgets.Retrieve)
	defer cancel()

	var mu sync.Mutex
	var inputs []fusion.Input
	failed := 0

	grp, grpCtx := errgroup.WithContext(stageCtx)
	grp.SetLimit(opts.MaxParallelism)

	// Embed each query once; every collection leg shares the vector.
	vectors := o.embedQueries(grpCtx, queries, opts.MaxParallelism, &mu, &failed)

	denseLegs := 0
	if o.vectors != nil {
		for qi, vec := range vectors {
			if vec == nil {
				continue
			}
			for _, tier := range []struct {
				names []string
				tag   types.Tier
			}{
				{route.Primary, types.TierPrimary},
				{route.Support, types.TierSupport},
				{route.Secondary, types.TierSecondary},
			} {
				for _, name := range tier.names {
					if !o.vectors.HasCollection(name) {
						continue
					}
					denseLegs++
					vec, name, tag, qi := vec, name, tier.tag, qi
					grp.Go(func() error {
						results, err := o.vectors.Query(grpCtx, name, vec, k, filter)
						mu.Lock()
						defer mu.Unlock()
						if err != nil {
							failed++
							logging.Retrieval("dense leg %s/q%d failed: %v", name, qi, err)
							return nil
						}
						for i := range results {
							results[i].Tier = tag
						}
						inputs = append(inputs, fusion.Input{Retriever: types.RetrieverDense, Results: results})
						return nil
					})
				}
			}
		}
	}

	if o.lexical != nil && lexicalQuery != "" {
		grp.Go(func() error {
			results, err := o.lexical.Search(grpCtx, lexicalQuery, k)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				logging.Retrieval("bm25 leg failed: %v", err)
				return nil
			}
			for i := range results {
				results[i].Tier = types.TierPrimary
			}
			inputs = append(inputs, fusion.Input{Retriever: types.RetrieverBM25, Results: results})
			return nil
		})
	}

	grp.Wait()

	metrics.DenseLegs = denseLegs
	metrics.FailedLegs = failed
	partial := failed > 0 || stageCtx.Err() != nil
	logging.Retrieval("fan-out done: %d dense legs, %d inputs, %d failed", denseLegs, len(inputs), failed)
	return inputs, partial
}

// embedQueries embeds every query variant, nil-ing out failures.
func (o *Orchestrator) embedQueries(ctx context.Context, queries []string, parallelism int, mu *sync.Mutex, failed *int) [][]float32 {
	vectors := make([][]float32, len(queries))
	if o.embedder == nil {
		return vectors
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(parallelism)
	for i, q := range queries {
		i, q := i, q
		grp.Go(func() error {
			vec, err := o.embedder.Embed(grpCtx, q, embedding.TaskQuery)
			if err != nil {
				mu.Lock()
				*failed++
				mu.Unlock()
				logging.Retrieval("embedding variant %d failed: %v", i, err)
				return nil
			}
			vectors[i] = vec
			return nil
		})
	}
	grp.Wait()
	return vectors
}
