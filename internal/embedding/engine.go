// Package embedding generates vector embeddings for retrieval. Supports two
// backends: Ollama (local) and Google GenAI (cloud). Queries and passages use
// asymmetric task encodings; mixing them silently degrades recall, so the
// task is an explicit parameter everywhere.
package embedding

import (
	"context"
	"fmt"
	"math"

	"lagrum/internal/logging"
)

// =============================================================================
// TASK TYPES
// =============================================================================

// Task selects the asymmetric encoding side.
type Task string

const (
	TaskQuery   Task = "RETRIEVAL_QUERY"
	TaskPassage Task = "RETRIEVAL_DOCUMENT"
)

// =============================================================================
// ENGINE INTERFACE
// =============================================================================

// Engine generates embeddings for text under a given task encoding.
type Engine interface {
	Embed(ctx context.Context, text string, task Task) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, task Task) ([][]float32, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int

	// Name returns the engine name for logs and diagnostics.
	Name() string
}

// HealthChecker is an optional interface for engines that support probing the
// backing service before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "ollama" or "genai"
	Provider string `json:"provider"`

	OllamaEndpoint string `json:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `json:"ollama_model"`    // Default: "embeddinggemma"

	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"` // Default: "gemini-embedding-001"

	// ExpectedDim rejects engines whose vectors do not match the indexed
	// corpus. 0 disables the check.
	ExpectedDim int `json:"expected_dim"`

	// CachePath enables the on-disk embedding cache when non-empty.
	CachePath string `json:"cache_path"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	var engine Engine
	var err error

	switch cfg.Provider {
	case "ollama", "":
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	if cfg.ExpectedDim > 0 {
		// Engines for unknown models report 0 until they have embedded
		// something; probe once so the mismatch check sees the real width.
		if engine.Dimensions() == 0 {
			if _, err := engine.Embed(context.Background(), "dimensionsprov", TaskPassage); err != nil {
				return nil, fmt.Errorf("probe embedding dimensions: %w", err)
			}
		}
		if engine.Dimensions() != cfg.ExpectedDim {
			return nil, fmt.Errorf("embedding dimension mismatch: engine %s produces %d, index expects %d",
				engine.Name(), engine.Dimensions(), cfg.ExpectedDim)
		}
	}

	logging.Embedding("Embedding engine ready: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// =============================================================================
// VECTOR UTILITIES
// =============================================================================

// Normalize scales v to unit L2 length in place and returns it. Zero vectors
// are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}
