// Package types holds the shared data model for the retrieval pipeline:
// the request envelope, search results, routing configuration, grading
// output and the SSE event vocabulary. Everything here is per-request and
// immutable after construction except SearchResult.Score, which fusion and
// rerank stages rewrite.
package types

import "time"

// =============================================================================
// REQUEST ENVELOPE
// =============================================================================

// Mode selects the answering policy.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeChat     Mode = "chat"
	ModeAssist   Mode = "assist"
	ModeEvidence Mode = "evidence"
)

// HistoryTurn is one prior conversation turn.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueryRequest is the immutable per-request envelope.
type QueryRequest struct {
	Question string            `json:"question"`
	Mode     Mode              `json:"mode"`
	History  []HistoryTurn     `json:"history,omitempty"`
	K        int               `json:"k,omitempty"`
	Filter   map[string]string `json:"filter,omitempty"`
}

// =============================================================================
// ENTITIES AND REWRITING
// =============================================================================

// EntityType classifies an entity extracted from a question.
type EntityType string

const (
	EntitySFS       EntityType = "sfs"
	EntityKapitel   EntityType = "kapitel"
	EntityParagraf  EntityType = "paragraf"
	EntityLag       EntityType = "lag"
	EntityMyndighet EntityType = "myndighet"
)

// Entity is a typed value extracted from the question or history.
type Entity struct {
	Type  EntityType `json:"type"`
	Value string     `json:"value"`
}

// RewriteResult is the output of the query rewriter.
type RewriteResult struct {
	Original         string   `json:"original"`
	Standalone       string   `json:"standalone"`
	Expanded         string   `json:"expanded"`
	Lexical          string   `json:"lexical"`
	MustInclude      []string `json:"must_include"`
	DetectedEntities []Entity `json:"detected_entities"`
	NeedsRewrite     bool     `json:"needs_rewrite"`
	LatencyMS        int64    `json:"latency_ms"`
}

// =============================================================================
// INTENTS AND ROUTING
// =============================================================================

// Intent is the fixed intent taxonomy.
type Intent string

const (
	IntentLegalText         Intent = "LEGAL_TEXT"
	IntentParliamentTrace   Intent = "PARLIAMENT_TRACE"
	IntentPolicyArguments   Intent = "POLICY_ARGUMENTS"
	IntentResearchSynthesis Intent = "RESEARCH_SYNTHESIS"
	IntentPracticalProcess  Intent = "PRACTICAL_PROCESS"
	IntentEdgeAbbreviation  Intent = "EDGE_ABBREVIATION"
	IntentEdgeClarification Intent = "EDGE_CLARIFICATION"
	IntentSmalltalk         Intent = "SMALLTALK"
	IntentUnknown           Intent = "UNKNOWN"
)

// RoutingConfig maps an intent to collection tiers.
// RequireSeparation forbids mixing secondary results into the primary block.
type RoutingConfig struct {
	Primary           []string `json:"primary"`
	Support           []string `json:"support"`
	Secondary         []string `json:"secondary"`
	SecondaryBudget   int      `json:"secondary_budget"`
	RequireSeparation bool     `json:"require_separation"`
}

// AllCollections returns every collection across tiers, primary first.
func (r RoutingConfig) AllCollections() []string {
	out := make([]string, 0, len(r.Primary)+len(r.Support)+len(r.Secondary))
	out = append(out, r.Primary...)
	out = append(out, r.Support...)
	out = append(out, r.Secondary...)
	return out
}

// =============================================================================
// SEARCH RESULTS
// =============================================================================

// RetrieverTag identifies which modality produced a result.
type RetrieverTag string

const (
	RetrieverDense RetrieverTag = "dense"
	RetrieverBM25  RetrieverTag = "bm25"
	RetrieverFused RetrieverTag = "fused"
)

// Tier is the routing tier a result was retrieved under.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSupport   Tier = "support"
	TierSecondary Tier = "secondary"
)

// SearchResult is one retrieved document. Metadata may carry the SFS
// structural keys (sfs_nummer, kapitel, paragraf, cross_refs, ...).
type SearchResult struct {
	ID               string                 `json:"id"`
	Title            string                 `json:"title"`
	Snippet          string                 `json:"snippet"`
	Score            float64                `json:"score"`
	SourceCollection string                 `json:"source_collection"`
	DocType          string                 `json:"doc_type"`
	Retriever        RetrieverTag           `json:"retriever"`
	Tier             Tier                   `json:"tier"`
	FoundByBM25      bool                   `json:"found_by_bm25,omitempty"`
	RetrieverSources []string               `json:"retriever_sources,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ParentContext is a kapitel-level expansion of one or more child chunks.
type ParentContext struct {
	ParentID      string   `json:"parent_id"`
	SFSNummer     string   `json:"sfs_nummer"`
	LawName       string   `json:"law_name"`
	Kortnamn      string   `json:"kortnamn,omitempty"`
	Kapitel       string   `json:"kapitel,omitempty"`
	KapitelRubrik string   `json:"kapitel_rubrik,omitempty"`
	FullText      string   `json:"full_text"`
	ChildCount    int      `json:"child_count"`
	References    []string `json:"references,omitempty"`
}

// =============================================================================
// GRADING AND EVIDENCE
// =============================================================================

// DocGrade is the binary relevance verdict for one candidate.
type DocGrade struct {
	DocID    string  `json:"doc_id"`
	Relevant bool    `json:"relevant"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
}

// GradingResult aggregates per-document grades.
type GradingResult struct {
	PerDoc              []DocGrade `json:"per_doc"`
	AggregateConfidence float64    `json:"aggregate_confidence"`
	KeepIDs             []string   `json:"keep_ids"`
}

// EvidenceLevel grades how well the kept sources support an answer.
type EvidenceLevel string

const (
	EvidenceHigh   EvidenceLevel = "HIGH"
	EvidenceMedium EvidenceLevel = "MEDIUM"
	EvidenceLow    EvidenceLevel = "LOW"
	EvidenceNone   EvidenceLevel = "NONE"
)

// =============================================================================
// STREAM EVENTS
// =============================================================================

// EventType discriminates SSE events.
type EventType string

const (
	EventMetadata          EventType = "metadata"
	EventPhase             EventType = "phase"
	EventDecontextualized  EventType = "decontextualized"
	EventToken             EventType = "token"
	EventCorrections       EventType = "corrections"
	EventDone              EventType = "done"
	EventError             EventType = "error"
)

// TermCorrection is one outdated-term substitution applied to the answer.
type TermCorrection struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Confidence float64 `json:"confidence"`
}

// Event is the wire form of one SSE event. Fields are populated per Type;
// unused fields are omitted from the JSON encoding.
type Event struct {
	Type EventType `json:"type"`

	// phase
	Phase string `json:"phase,omitempty"`

	// decontextualized
	Original  string `json:"original,omitempty"`
	Rewritten string `json:"rewritten,omitempty"`

	// metadata
	Mode          Mode           `json:"mode,omitempty"`
	Sources       []SearchResult `json:"sources,omitempty"`
	EvidenceLevel EvidenceLevel  `json:"evidence_level,omitempty"`
	Refusal       bool           `json:"refusal,omitempty"`

	// token
	Token string `json:"token,omitempty"`

	// corrections
	Corrections []TermCorrection `json:"corrections,omitempty"`

	// done
	Answer  string        `json:"answer,omitempty"`
	Metrics *StageMetrics `json:"metrics,omitempty"`

	// error
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// =============================================================================
// METRICS
// =============================================================================

// StageTiming records one pipeline stage's wall time.
type StageTiming struct {
	Stage     string        `json:"stage"`
	Duration  time.Duration `json:"duration_ns"`
	Partial   bool          `json:"partial,omitempty"`
	FailedLeg int           `json:"failed_legs,omitempty"`
}

// StageMetrics is the append-only per-request metrics sheet.
type StageMetrics struct {
	RequestID         string        `json:"request_id"`
	Intent            Intent        `json:"intent,omitempty"`
	Timings           []StageTiming `json:"timings,omitempty"`
	VariantCount      int           `json:"variant_count,omitempty"`
	DenseLegs         int           `json:"dense_legs,omitempty"`
	FailedLegs        int           `json:"failed_legs,omitempty"`
	FusionGain        float64       `json:"fusion_gain,omitempty"`
	FusionSkipped     bool          `json:"fusion_skipped,omitempty"`
	CutoverViolations []string      `json:"cutover_violations,omitempty"`
	TokensStreamed    int           `json:"tokens_streamed,omitempty"`
}

// AddTiming appends one stage timing.
func (m *StageMetrics) AddTiming(stage string, d time.Duration, partial bool) {
	m.Timings = append(m.Timings, StageTiming{Stage: stage, Duration: d, Partial: partial})
}
