package guard

import (
	"fmt"
	"regexp"
	"strconv"

	"lagrum/internal/logging"
	"lagrum/internal/types"
)

// =============================================================================
// EVIDENCE LEVEL
// =============================================================================

// authoritativeDocTypes are source types that can carry a HIGH grade on their
// own.
var authoritativeDocTypes = map[string]bool{
	"sfs":         true,
	"proposition": true,
}

// EvidenceLevelFor grades how well the kept sources support an answer. The
// grade is monotone in source count and average score.
func EvidenceLevelFor(kept []types.SearchResult) types.EvidenceLevel {
	if len(kept) == 0 {
		return types.EvidenceNone
	}

	var sum float64
	authoritative := 0
	for _, r := range kept {
		sum += r.Score
		if authoritativeDocTypes[r.DocType] {
			authoritative++
		}
	}
	avg := sum / float64(len(kept))

	switch {
	case authoritative >= 2 && avg > 0.55:
		return types.EvidenceHigh
	case avg > 0.60:
		return types.EvidenceHigh
	case len(kept) >= 2 && avg > 0.45:
		return types.EvidenceMedium
	case avg > 0.30:
		return types.EvidenceLow
	default:
		return types.EvidenceNone
	}
}

// ShouldRefuse reports whether the orchestrator must emit the refusal
// template instead of generating: evidence mode with no usable support.
func ShouldRefuse(mode types.Mode, level types.EvidenceLevel) bool {
	return mode == types.ModeEvidence && level == types.EvidenceNone
}

// =============================================================================
// CITATION VALIDATION
// =============================================================================

var reCitation = regexp.MustCompile(`\[Källa\s+(\d+)\]`)

// ValidateCitations checks answer citation markers in evidence mode: every
// [Källa N] must reference an existing source (1-indexed). Returns the list
// of invalid markers; empty means well-formed.
func ValidateCitations(answer string, sourceCount int) []string {
	var invalid []string
	seen := make(map[string]bool)

	for _, m := range reCitation.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > sourceCount {
			if !seen[m[0]] {
				seen[m[0]] = true
				invalid = append(invalid, m[0])
			}
		}
	}

	if len(invalid) > 0 {
		logging.Guard("answer cites %d unavailable sources: %v", len(invalid), invalid)
	}
	return invalid
}

// CitationCount returns how many distinct sources the answer cites.
func CitationCount(answer string) int {
	seen := make(map[string]bool)
	for _, m := range reCitation.FindAllStringSubmatch(answer, -1) {
		seen[m[1]] = true
	}
	return len(seen)
}

// RefusalAnswer renders the refusal template. The template may contain a %s
// verb slot for the question; plain templates are returned as-is.
func RefusalAnswer(template, question string) string {
	if template == "" {
		return "Jag hittar inget tillräckligt underlag i källorna för att besvara frågan. " +
			"Omformulera gärna frågan eller ange vilken lag den gäller."
	}
	if containsFormatVerb(template) {
		return fmt.Sprintf(template, question)
	}
	return template
}

func containsFormatVerb(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '%' && s[i+1] == 's' {
			return true
		}
	}
	return false
}
