package main

import (
	"fmt"

	"lagrum/internal/config"
	"lagrum/internal/embedding"
	"lagrum/internal/expand"
	"lagrum/internal/grade"
	"lagrum/internal/intent"
	"lagrum/internal/lexical"
	"lagrum/internal/llm"
	"lagrum/internal/orchestrator"
	"lagrum/internal/parents"
	"lagrum/internal/prompt"
	"lagrum/internal/rerank"
	"lagrum/internal/rewrite"
	"lagrum/internal/store"
)

// pipeline owns the process singletons behind one orchestrator: stores, the
// LLM client and the embedding engine. Close tears them down in reverse
// construction order.
type pipeline struct {
	orch     *orchestrator.Orchestrator
	client   llm.Client
	embedder embedding.Engine
	vectors  *store.VectorStore
	bm25     *lexical.Retriever
	parentDB *store.ParentStore
	reranker *rerank.Reranker
	grader   *grade.Grader
}

// buildPipeline wires the orchestrator from config. Missing optional
// backends (reranker, grader, parent store, BM25 index) disable their stage
// instead of failing startup.
func buildPipeline(cfg *config.Config) (*pipeline, error) {
	p := &pipeline{}

	p.client = llm.NewLlamaClient(llm.Options{
		BaseURL:          cfg.LLM.BaseURL,
		Model:            cfg.LLM.Model,
		Timeout:          cfg.LLMTimeout(),
		Temperature:      cfg.LLM.Temperature,
		TopP:             cfg.LLM.TopP,
		RepeatPenalty:    cfg.LLM.RepeatPenalty,
		TokenIdleTimeout: cfg.TokenIdleTimeout(),
	})

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.Model,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.Model,
		ExpectedDim:    cfg.Embedding.ExpectedDim,
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("embedding engine: %w", err)
	}
	if cfg.Embedding.CachePath != "" {
		cached, err := embedding.NewCachedEngine(embedder, cfg.Embedding.CachePath)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("embedding cache: %w", err)
		}
		embedder = cached
	}
	p.embedder = embedder

	p.vectors, err = store.OpenVectorStore(cfg.Stores.VectorStorePath)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("vector store: %w", err)
	}

	deps := orchestrator.Deps{
		Rewriter:   rewrite.NewRewriter(),
		Classifier: intent.NewClassifier(p.client),
		Expander:   expand.NewExpander(p.client, cfg.Retrieval.ExpansionCount, cfg.Retrieval.ExpansionUseGrammar),
		Embedder:   p.embedder,
		Vectors:    p.vectors,
		Composer:   &prompt.Composer{StructuredOutput: true},
		LLM:        p.client,
	}

	if cfg.Stores.BM25IndexPath != "" {
		p.bm25 = lexical.NewRetriever(cfg.Stores.BM25IndexPath, lexical.NewMorphemeSplitter())
		deps.Lexical = p.bm25
	}
	if cfg.Stores.ParentStorePath != "" {
		p.parentDB, err = store.OpenParentStore(cfg.Stores.ParentStorePath)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("parent store: %w", err)
		}
		deps.Parents = parents.NewResolverFromStore(p.parentDB)
	}
	// Reranker and grader are always constructed so a reload can enable or
	// retune them; disabled stages pass through or are skipped.
	p.reranker = rerank.NewReranker(rerankConfig(cfg))
	deps.Reranker = p.reranker
	p.grader = grade.NewGrader(p.client, gradeConfig(cfg))
	deps.Grader = p.grader

	p.orch = orchestrator.New(deps, orchestratorOptions(cfg))
	return p, nil
}

// applyConfig pushes the reloadable subset of cfg into the running pipeline:
// orchestrator tuning, rerank threshold and endpoint, grading threshold and
// toggle, cutover policy, refusal template. Store paths and the listen
// address stay as booted.
func (p *pipeline) applyConfig(cfg *config.Config) {
	p.orch.UpdateOptions(orchestratorOptions(cfg))
	p.reranker.Update(rerankConfig(cfg))
	p.grader.Update(gradeConfig(cfg))
}

func orchestratorOptions(cfg *config.Config) orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	opts.MaxParallelism = cfg.Retrieval.MaxParallelism
	opts.DefaultK = cfg.Retrieval.DefaultK
	opts.RRFK = cfg.Retrieval.RRFK
	opts.BM25Weight = cfg.Retrieval.BM25Weight
	opts.DefaultCollections = cfg.Retrieval.DefaultCollections
	opts.RefusalTemplate = cfg.Guard.EvidenceRefusalTemplate
	opts.GradingDisabled = !cfg.Grading.Enabled
	opts.Cutover = orchestrator.CutoverPolicy{
		Enforce:           cfg.Cutover.Enforce,
		LegacyCollections: cfg.Cutover.LegacyCollections,
		AllowedFallback:   cfg.Cutover.AllowedFallback,
	}
	return opts
}

func rerankConfig(cfg *config.Config) rerank.Config {
	rcfg := rerank.DefaultConfig()
	if cfg.Reranking.Enabled {
		rcfg.Endpoint = cfg.Reranking.Endpoint
	}
	rcfg.ScoreThreshold = cfg.Reranking.ScoreThreshold
	rcfg.TopN = cfg.Reranking.TopN
	return rcfg
}

func gradeConfig(cfg *config.Config) grade.Config {
	gcfg := grade.DefaultConfig()
	gcfg.Threshold = cfg.Grading.Threshold
	return gcfg
}

// Close releases the singletons in reverse construction order.
func (p *pipeline) Close() {
	if p.parentDB != nil {
		p.parentDB.Close()
	}
	if p.bm25 != nil {
		p.bm25.Close()
	}
	if p.vectors != nil {
		p.vectors.Close()
	}
	if c, ok := p.embedder.(interface{ Close() error }); ok && c != nil {
		c.Close()
	}
	if p.client != nil {
		p.client.Close()
	}
}
