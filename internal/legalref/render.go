package legalref

import "strings"

// Render produces the canonical prose form of a reference list. The output is
// the inverse of Extract: extracting the rendered string yields the same
// multiset of (kind, display) pairs.
func Render(refs []Reference) string {
	parts := make([]string, 0, len(refs))
	for _, r := range refs {
		parts = append(parts, r.Display)
	}
	return strings.Join(parts, "; ")
}

// SeAven renders a "Se även ..." annotation for cross-references carried in
// SFS chunk metadata, used by the prompt composer.
func SeAven(refs []Reference) string {
	if len(refs) == 0 {
		return ""
	}
	return "Se även " + Render(refs)
}
