package expand

import (
	"strings"

	"lagrum/internal/logging"
	"lagrum/internal/rewrite"
	"lagrum/internal/types"
)

// ValidateVariants drops variants containing entities absent from the
// original question and the conversation history. An LLM that invents an SFS
// number or statute name during paraphrasing would otherwise poison retrieval
// for that variant.
func ValidateVariants(original string, history []types.HistoryTurn, variants []string) []string {
	allowed := make(map[string]bool)
	for _, e := range rewrite.ExtractEntities(original) {
		allowed[strings.ToLower(e.Value)] = true
	}
	for _, turn := range history {
		for _, e := range rewrite.ExtractEntities(turn.Content) {
			allowed[strings.ToLower(e.Value)] = true
		}
	}

	var out []string
	for _, v := range variants {
		if invented := inventedEntity(v, allowed); invented != "" {
			logging.Get(logging.CategoryExpand).Warn("variant dropped, invented entity %q: %q", invented, v)
			continue
		}
		out = append(out, v)
	}
	return out
}

func inventedEntity(variant string, allowed map[string]bool) string {
	for _, e := range rewrite.ExtractEntities(variant) {
		if !allowed[strings.ToLower(e.Value)] {
			return e.Value
		}
	}
	return ""
}
