// Package rerank scores (query, snippet) pairs with a cross-encoder served
// over HTTP (text-embeddings-inference style /rerank endpoint) and filters
// candidates by threshold and top-N.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"lagrum/internal/logging"
	"lagrum/internal/types"
)

// =============================================================================
// CONFIG
// =============================================================================

// Config controls the reranking stage.
type Config struct {
	Endpoint       string
	ScoreThreshold float64
	TopN           int
	Timeout        time.Duration
}

// DefaultConfig returns the standard rerank settings.
func DefaultConfig() Config {
	return Config{
		ScoreThreshold: 0.3,
		TopN:           5,
		Timeout:        10 * time.Second,
	}
}

// =============================================================================
// RERANKER
// =============================================================================

// Reranker calls the cross-encoder service. The config is swappable at
// runtime via Update.
type Reranker struct {
	mu     sync.RWMutex
	cfg    Config
	client *http.Client
}

// NewReranker creates a reranker. An empty endpoint disables reranking;
// Rerank then passes candidates through unchanged.
func NewReranker(cfg Config) *Reranker {
	normalizeConfig(&cfg)
	return &Reranker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func normalizeConfig(cfg *Config) {
	if cfg.ScoreThreshold == 0 {
		cfg.ScoreThreshold = 0.3
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
}

// Update swaps threshold, top-N and endpoint for subsequent calls. The HTTP
// client timeout stays as constructed.
func (r *Reranker) Update(cfg Config) {
	normalizeConfig(&cfg)
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Reranker) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankResponse []struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank scores candidates against the query, drops those below the
// threshold, and keeps the top-N by cross-encoder score. Skipped entirely for
// CHAT mode and for fewer than 2 candidates.
func (r *Reranker) Rerank(ctx context.Context, mode types.Mode, query string, candidates []types.SearchResult) ([]types.SearchResult, error) {
	cfg := r.config()
	if cfg.Endpoint == "" || mode == types.ModeChat || len(candidates) < 2 {
		logging.RerankDebug("rerank skipped: endpoint=%q mode=%s candidates=%d", cfg.Endpoint, mode, len(candidates))
		return candidates, nil
	}

	timer := logging.StartTimer(logging.CategoryRerank, "Rerank")
	defer timer.Stop()

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Snippet
		if texts[i] == "" {
			texts[i] = c.Title
		}
	}

	scores, err := r.score(ctx, cfg.Endpoint, query, texts)
	if err != nil {
		return nil, err
	}

	type scored struct {
		idx   int
		score float64
	}
	var kept []scored
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(candidates) {
			continue
		}
		if s.Score < cfg.ScoreThreshold {
			continue
		}
		kept = append(kept, scored{idx: s.Index, score: s.Score})
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if len(kept) > cfg.TopN {
		kept = kept[:cfg.TopN]
	}

	out := make([]types.SearchResult, 0, len(kept))
	for _, s := range kept {
		doc := candidates[s.idx]
		doc.Score = s.score
		out = append(out, doc)
	}

	logging.Rerank("reranked %d candidates, kept %d above %.2f", len(candidates), len(out), cfg.ScoreThreshold)
	return out, nil
}

func (r *Reranker) score(ctx context.Context, endpoint, query string, texts []string) (rerankResponse, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: reranker: %v", types.ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	return parsed, nil
}
