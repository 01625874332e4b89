// Package config holds all lagrum configuration: YAML file, environment
// overrides and hot reload. The composition root loads one Config and passes
// the relevant sections down; nothing else reads the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all lagrum configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Stores    StoresConfig    `yaml:"stores"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Reranking RerankingConfig `yaml:"reranking"`
	Grading   GradingConfig   `yaml:"grading"`
	Cutover   CutoverConfig   `yaml:"cutover"`
	Guard     GuardConfig     `yaml:"guard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	APIKey         string `yaml:"api_key"`          // empty => admin endpoints open (development)
	RequestTimeout string `yaml:"request_timeout"`  // hard per-request budget
	Workspace      string `yaml:"workspace"`        // log/cache root
}

// LLMConfig configures the local model runtime.
type LLMConfig struct {
	BaseURL       string  `yaml:"base_url"`
	Model         string  `yaml:"model"`
	Timeout       string  `yaml:"timeout"`
	Temperature   float64 `yaml:"temperature"`
	TopP          float64 `yaml:"top_p"`
	RepeatPenalty float64 `yaml:"repeat_penalty"`
	// Per-token idle timeout while streaming
	TokenIdleTimeout string `yaml:"token_idle_timeout"`
}

// EmbeddingConfig configures the embedding adapter.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama or genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	Model          string `yaml:"model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	ExpectedDim    int    `yaml:"expected_dim"`
	CachePath      string `yaml:"cache_path"` // empty disables the disk cache
}

// StoresConfig configures the read-side stores.
type StoresConfig struct {
	VectorStorePath string `yaml:"vector_store_path"`
	BM25IndexPath   string `yaml:"bm25_index_path"`
	ParentStorePath string `yaml:"parent_store_path"`
}

// RetrievalConfig configures fan-out and expansion.
type RetrievalConfig struct {
	DefaultCollections []string `yaml:"default_collections"`
	DefaultK           int      `yaml:"default_k"`
	MaxParallelism     int      `yaml:"max_parallelism"`
	ExpansionCount     int      `yaml:"expansion_count"`
	ExpansionUseGrammar bool    `yaml:"expansion_use_grammar"`
	RRFK               int      `yaml:"rrf_k"`
	BM25Weight         float64  `yaml:"bm25_weight"`
}

// RerankingConfig configures the cross-encoder stage.
type RerankingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ScoreThreshold float64 `yaml:"score_threshold"`
	TopN           int     `yaml:"top_n"`
}

// GradingConfig configures the CRAG relevance grader.
type GradingConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
}

// CutoverConfig controls the legacy-collection block.
type CutoverConfig struct {
	Enforce            bool     `yaml:"enforce"`
	LegacyCollections  []string `yaml:"legacy_collections"`
	AllowedFallback    []string `yaml:"allowed_fallback_collections"`
}

// GuardConfig configures policy knobs.
type GuardConfig struct {
	EvidenceRefusalTemplate string `yaml:"evidence_refusal_template"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "lagrum",
		Version: "1.2.0",

		Server: ServerConfig{
			Addr:           ":8080",
			RequestTimeout: "120s",
			Workspace:      ".",
		},

		LLM: LLMConfig{
			BaseURL:          "http://localhost:8081",
			Model:            "qwen2.5-7b-instruct",
			Timeout:          "120s",
			Temperature:      0.1,
			TopP:             0.9,
			RepeatPenalty:    1.1,
			TokenIdleTimeout: "30s",
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			Model:          "bge-m3",
			ExpectedDim:    1024,
		},

		Stores: StoresConfig{
			VectorStorePath: "data/vectors.db",
			BM25IndexPath:   "data/bm25.db",
			ParentStorePath: "data/parents.db",
		},

		Retrieval: RetrievalConfig{
			DefaultCollections:  []string{"sfs_lagar", "riksdagsdokument", "forarbeten"},
			DefaultK:            10,
			MaxParallelism:      8,
			ExpansionCount:      3,
			ExpansionUseGrammar: true,
			RRFK:                60,
			BM25Weight:          1.5,
		},

		Reranking: RerankingConfig{
			Enabled:        true,
			Endpoint:       "http://localhost:8082",
			ScoreThreshold: 0.3,
			TopN:           5,
		},

		Grading: GradingConfig{
			Enabled:   true,
			Threshold: 0.5,
		},

		Cutover: CutoverConfig{
			Enforce:           false,
			LegacyCollections: []string{"sfs_lagar_bge", "diva_bge", "riksdag_v1"},
		},

		Guard: GuardConfig{
			EvidenceRefusalTemplate: "Jag hittar inte tillräckligt stöd i rättskällorna för att besvara frågan. Omformulera gärna frågan eller ange lagrum (t.ex. SFS-nummer).",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path (if it exists), applies defaults for
// missing sections, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Embedding.ExpectedDim <= 0 {
		return fmt.Errorf("embedding.expected_dim must be positive, got %d", c.Embedding.ExpectedDim)
	}
	if c.Retrieval.MaxParallelism <= 0 {
		return fmt.Errorf("retrieval.max_parallelism must be positive, got %d", c.Retrieval.MaxParallelism)
	}
	if c.Retrieval.RRFK <= 0 {
		return fmt.Errorf("retrieval.rrf_k must be positive, got %d", c.Retrieval.RRFK)
	}
	if c.Reranking.TopN < 0 || c.Reranking.ScoreThreshold < 0 || c.Reranking.ScoreThreshold > 1 {
		return fmt.Errorf("reranking thresholds out of range")
	}
	return nil
}

// LLMTimeout parses the LLM timeout with a safe fallback.
func (c *Config) LLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// TokenIdleTimeout parses the per-token idle timeout with a safe fallback.
func (c *Config) TokenIdleTimeout() time.Duration {
	return parseDuration(c.LLM.TokenIdleTimeout, 30*time.Second)
}

// RequestTimeout parses the hard request budget with a safe fallback.
func (c *Config) RequestTimeout() time.Duration {
	return parseDuration(c.Server.RequestTimeout, 120*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
