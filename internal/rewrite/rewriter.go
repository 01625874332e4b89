package rewrite

import (
	"regexp"
	"strings"
	"time"

	"lagrum/internal/logging"
	"lagrum/internal/types"
)

// =============================================================================
// REWRITER
// =============================================================================

// referentialPronouns is the closed set that triggers decontextualization.
// Longer forms first so "den här" wins over "den".
var referentialPronouns = []string{
	"den här", "det där", "ovanstående", "nämnda", "dessa", "detta", "denna", "den", "det",
}

// interrogatives are stripped from the lexical form.
var interrogatives = map[string]bool{
	"vad": true, "vem": true, "vilka": true, "vilken": true, "vilket": true,
	"hur": true, "när": true, "var": true, "varför": true, "säger": true,
	"gäller": true, "betyder": true, "innebär": true, "är": true, "om": true,
}

var reToken = regexp.MustCompile(`[\p{L}\d:§-]+`)

// Rewriter produces standalone queries from conversational turns.
type Rewriter struct {
	// MaxHistoryTurns caps how much history is scanned for entities.
	MaxHistoryTurns int
}

// NewRewriter returns a rewriter with the default history window.
func NewRewriter() *Rewriter {
	return &Rewriter{MaxHistoryTurns: 6}
}

// Rewrite resolves the question against history and derives the expanded and
// lexical forms. It never invents entities: anything in the standalone form
// must come from the original question or the history.
func (r *Rewriter) Rewrite(question string, history []types.HistoryTurn) types.RewriteResult {
	start := time.Now()

	original := strings.TrimSpace(question)
	res := types.RewriteResult{
		Original:         original,
		Standalone:       original,
		DetectedEntities: ExtractEntities(original),
	}

	res.NeedsRewrite = r.needsRewrite(original, res.DetectedEntities)

	if res.NeedsRewrite && len(history) > 0 {
		target := r.historyTarget(history)
		if target != nil {
			standalone := replaceFirstPronoun(original, target.Value)
			if validateRewrite(original, standalone, history) {
				res.Standalone = standalone
				logging.RewriteDebug("decontextualized %q -> %q (target=%s/%s)",
					original, standalone, target.Type, target.Value)
			} else {
				logging.Get(logging.CategoryRewrite).Warn("rewrite rejected by guardrails: %q", standalone)
			}
		}
	}

	res.MustInclude = mustInclude(res.DetectedEntities, res.Standalone, original)
	res.Expanded = expandAbbreviations(res.Standalone)
	res.Lexical = lexicalForm(res.Expanded)
	res.LatencyMS = time.Since(start).Milliseconds()

	return res
}

// needsRewrite: a referential pronoun is present, or the question is very
// short with no detectable entity.
func (r *Rewriter) needsRewrite(question string, entities []types.Entity) bool {
	if findPronoun(question) != "" {
		return true
	}
	tokens := reToken.FindAllString(question, -1)
	return len(tokens) <= 3 && len(entities) == 0
}

// historyTarget picks the highest-priority entity from the history window,
// lag > myndighet > others, most recent turn first.
func (r *Rewriter) historyTarget(history []types.HistoryTurn) *types.Entity {
	window := history
	if r.MaxHistoryTurns > 0 && len(window) > r.MaxHistoryTurns {
		window = window[len(window)-r.MaxHistoryTurns:]
	}

	var best *types.Entity
	for i := len(window) - 1; i >= 0; i-- {
		for _, e := range ExtractEntities(window[i].Content) {
			e := e
			if e.Type == types.EntityLag {
				return &e
			}
			if best == nil || priority(e.Type) > priority(best.Type) {
				best = &e
			}
		}
		if best != nil && best.Type == types.EntityMyndighet {
			// A myndighet in a more recent turn beats anything older.
			return best
		}
	}
	return best
}

func priority(t types.EntityType) int {
	switch t {
	case types.EntityLag:
		return 3
	case types.EntityMyndighet:
		return 2
	default:
		return 1
	}
}

func findPronoun(question string) string {
	lower := strings.ToLower(question)
	for _, p := range referentialPronouns {
		if containsWord(lower, p) {
			return p
		}
	}
	return ""
}

// replaceFirstPronoun substitutes the first referential pronoun with the
// canonical entity value.
func replaceFirstPronoun(question, value string) string {
	lower := strings.ToLower(question)
	for _, p := range referentialPronouns {
		idx := wordIndex(lower, p)
		if idx < 0 {
			continue
		}
		return question[:idx] + value + question[idx+len(p):]
	}
	return question
}

func wordIndex(text, word string) int {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return -1
		}
		start := idx + i
		end := start + len(word)
		if isBoundary(text, start-1) && isBoundary(text, end) {
			return start
		}
		idx = end
	}
}

// validateRewrite enforces the rewrite guardrails: no entity may appear in
// the standalone form that is absent from original+history, and the length
// ratio must stay within [0.5, 3.0].
func validateRewrite(original, standalone string, history []types.HistoryTurn) bool {
	if original == "" || standalone == "" {
		return false
	}
	ratio := float64(len([]rune(standalone))) / float64(len([]rune(original)))
	if ratio < 0.5 || ratio > 3.0 {
		return false
	}

	allowed := make(map[string]bool)
	allow := func(e types.Entity) {
		if allowed[entityKey(e)] {
			return
		}
		allowed[entityKey(e)] = true
		// Canonical entity values can themselves contain entities (an
		// expanded abbreviation contains the spelled-out law name).
		for _, inner := range ExtractEntities(e.Value) {
			allowed[entityKey(inner)] = true
		}
	}
	for _, e := range ExtractEntities(original) {
		allow(e)
	}
	for _, turn := range history {
		for _, e := range ExtractEntities(turn.Content) {
			allow(e)
		}
	}
	for _, e := range ExtractEntities(standalone) {
		if !allowed[entityKey(e)] {
			return false
		}
	}
	return true
}

func entityKey(e types.Entity) string {
	return string(e.Type) + "\x1f" + strings.ToLower(e.Value)
}

// mustInclude collects every entity value from the original plus the
// decontextualization target inserted into the standalone form.
func mustInclude(originalEntities []types.Entity, standalone, original string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(v string) {
		key := strings.ToLower(v)
		if v == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, v)
	}
	for _, e := range originalEntities {
		add(e.Value)
	}
	if standalone != original {
		for _, e := range ExtractEntities(standalone) {
			add(e.Value)
		}
	}
	return out
}

// expandAbbreviations rewrites known abbreviations to their full names.
func expandAbbreviations(text string) string {
	out := text
	for abbr, full := range lawAbbreviations {
		if !containsWord(out, abbr) {
			continue
		}
		if strings.Contains(out, full) {
			continue
		}
		idx := wordIndex(out, abbr)
		if idx >= 0 {
			out = out[:idx] + full + out[idx+len(abbr):]
		}
	}
	return out
}

// lexicalForm strips interrogatives and punctuation, lowercase-folds while
// preserving åäö, for sparse (BM25) matching.
func lexicalForm(text string) string {
	tokens := reToken.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if interrogatives[tok] {
			continue
		}
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}
