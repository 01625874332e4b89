// Package grade runs corrective retrieval grading: each candidate gets a
// binary relevance verdict from the LLM, and only documents at or above the
// threshold survive into prompt composition.
package grade

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"lagrum/internal/llm"
	"lagrum/internal/logging"
	"lagrum/internal/types"
)

// relevanceGrammar forces the model into a one-field JSON verdict.
const relevanceGrammar = `root ::= "{" "\"relevance\"" ":" value "}"
value ::= "\"yes\"" | "\"no\""`

const gradePromptTemplate = `Du bedömer om ett dokument är relevant för en juridisk fråga.
Svara med JSON: {"relevance":"yes"} eller {"relevance":"no"}.

Fråga: %s

Dokument: %s`

// Config controls the grading stage.
type Config struct {
	// Threshold is the minimum score a doc needs to be kept.
	Threshold float64
	// Parallelism bounds concurrent LLM calls.
	Parallelism int
}

// DefaultConfig returns the standard grading settings.
func DefaultConfig() Config {
	return Config{Threshold: 0.5, Parallelism: 4}
}

// Grader grades candidates with the LLM. The config is swappable at runtime
// via Update.
type Grader struct {
	client llm.Client
	mu     sync.RWMutex
	cfg    Config
}

// NewGrader builds a grader. A nil client makes Grade keep everything.
func NewGrader(client llm.Client, cfg Config) *Grader {
	normalizeConfig(&cfg)
	return &Grader{client: client, cfg: cfg}
}

func normalizeConfig(cfg *Config) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.5
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
}

// Update swaps threshold and parallelism for subsequent calls.
func (g *Grader) Update(cfg Config) {
	normalizeConfig(&cfg)
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

func (g *Grader) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Grade scores every candidate and returns the per-doc verdicts plus the keep
// set. Grading failures on individual docs score 0.0 rather than failing the
// stage. An empty keep set signals "no support" to the orchestrator.
func (g *Grader) Grade(ctx context.Context, question string, candidates []types.SearchResult) types.GradingResult {
	timer := logging.StartTimer(logging.CategoryGrade, "Grade")
	defer timer.Stop()

	result := types.GradingResult{
		PerDoc: make([]types.DocGrade, len(candidates)),
	}
	if len(candidates) == 0 {
		return result
	}
	if g.client == nil {
		for i, c := range candidates {
			result.PerDoc[i] = types.DocGrade{DocID: c.ID, Relevant: true, Score: 1.0, Reason: "grading disabled"}
			result.KeepIDs = append(result.KeepIDs, c.ID)
		}
		result.AggregateConfidence = 1.0
		return result
	}

	cfg := g.config()

	var mu sync.Mutex
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(cfg.Parallelism)

	for i, c := range candidates {
		i, c := i, c
		grp.Go(func() error {
			grade := g.gradeOne(gctx, question, c)
			mu.Lock()
			result.PerDoc[i] = grade
			mu.Unlock()
			return nil
		})
	}
	_ = grp.Wait()

	var sum float64
	for _, d := range result.PerDoc {
		sum += d.Score
		if d.Score >= cfg.Threshold {
			result.KeepIDs = append(result.KeepIDs, d.DocID)
		}
	}
	result.AggregateConfidence = sum / float64(len(result.PerDoc))

	logging.Grade("graded %d candidates, kept %d (aggregate %.2f)",
		len(candidates), len(result.KeepIDs), result.AggregateConfidence)
	return result
}

// Keep filters candidates down to the keep set, preserving order.
func Keep(candidates []types.SearchResult, result types.GradingResult) []types.SearchResult {
	keep := make(map[string]bool, len(result.KeepIDs))
	for _, id := range result.KeepIDs {
		keep[id] = true
	}
	var out []types.SearchResult
	for _, c := range candidates {
		if keep[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func (g *Grader) gradeOne(ctx context.Context, question string, doc types.SearchResult) types.DocGrade {
	snippet := doc.Snippet
	if snippet == "" {
		snippet = doc.Title
	}

	out, err := g.client.Complete(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(gradePromptTemplate, question, snippet)},
	}, &llm.GenerationConfig{
		Temperature: 0,
		NumPredict:  24,
		Grammar:     relevanceGrammar,
	})
	if err != nil {
		logging.Get(logging.CategoryGrade).Warn("grading %s failed: %v", doc.ID, err)
		return types.DocGrade{DocID: doc.ID, Score: 0.0, Reason: "grader unavailable"}
	}

	return parseVerdict(doc.ID, out)
}

// parseVerdict maps the model output onto a score. Non-JSON or unexpected
// values score 0.0 with a low-confidence marker instead of erroring.
func parseVerdict(docID, out string) types.DocGrade {
	var verdict struct {
		Relevance string `json:"relevance"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &verdict); err != nil {
		return types.DocGrade{DocID: docID, Score: 0.0, Reason: "confidence=low: unparseable verdict"}
	}
	switch strings.ToLower(verdict.Relevance) {
	case "yes":
		return types.DocGrade{DocID: docID, Relevant: true, Score: 1.0}
	case "no":
		return types.DocGrade{DocID: docID, Score: 0.0}
	default:
		return types.DocGrade{DocID: docID, Score: 0.0, Reason: "confidence=low: unexpected verdict " + verdict.Relevance}
	}
}
