package config

import (
	"os"
	"strconv"
)

// applyEnvOverrides maps the deployment environment onto the config. Every
// variable name is part of the operational contract; renaming one breaks
// existing deployments.
func applyEnvOverrides(c *Config) {
	setString(&c.LLM.BaseURL, "LLM_BASE_URL")
	setString(&c.LLM.Timeout, "LLM_TIMEOUT")

	setString(&c.Stores.VectorStorePath, "CHROMADB_PATH")
	setString(&c.Stores.BM25IndexPath, "BM25_INDEX_PATH")
	setString(&c.Stores.ParentStorePath, "PARENT_STORE_PATH")

	if v := os.Getenv("DEFAULT_COLLECTIONS"); v != "" {
		c.Retrieval.DefaultCollections = splitList(v)
	}

	setString(&c.Embedding.Model, "EMBEDDING_MODEL")
	setInt(&c.Embedding.ExpectedDim, "EXPECTED_EMBEDDING_DIM")

	setBool(&c.Reranking.Enabled, "RERANKING_ENABLED")
	setFloat(&c.Reranking.ScoreThreshold, "RERANKING_SCORE_THRESHOLD")
	setInt(&c.Reranking.TopN, "RERANKING_TOP_N")

	setBool(&c.Grading.Enabled, "CRAG_ENABLED")

	setBool(&c.Cutover.Enforce, "CUTOVER_ENFORCE")
	if v := os.Getenv("CUTOVER_ALLOWED_FALLBACK_COLLECTIONS"); v != "" {
		c.Cutover.AllowedFallback = splitList(v)
	}

	setBool(&c.Retrieval.ExpansionUseGrammar, "QUERY_EXPANSION_USE_GRAMMAR")

	setString(&c.Guard.EvidenceRefusalTemplate, "EVIDENCE_REFUSAL_TEMPLATE")
	setString(&c.Server.APIKey, "API_KEY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
