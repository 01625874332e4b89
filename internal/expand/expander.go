// Package expand generates paraphrase variants of a standalone question for
// multi-query retrieval. The original question is always retrieved separately;
// this package only produces the extra variants.
package expand

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"lagrum/internal/llm"
	"lagrum/internal/logging"
)

// jsonArrayGrammar constrains the model to a JSON array of strings.
const jsonArrayGrammar = `root ::= "[" ws string (ws "," ws string)* ws "]"
string ::= "\"" char* "\""
char ::= [^"\\] | "\\" ["\\/bfnrt]
ws ::= [ \t\n]*`

const expandPromptTemplate = `Du hjälper ett juridiskt söksystem. Skriv %d alternativa formuleringar
av frågan nedan. Behåll alla lagnamn, SFS-nummer och paragrafhänvisningar
oförändrade. Svara med en JSON-lista av strängar, inget annat.

Fråga: %s`

var (
	reJSONArray    = regexp.MustCompile(`(?s)\[.*\]`)
	reNumberedLine = regexp.MustCompile(`^\s*\d+\s*[.):]\s*(.+)$`)
)

// Expander produces query variants via the LLM.
type Expander struct {
	client     llm.Client
	count      int
	useGrammar bool
}

// NewExpander builds an expander that asks for count variants per query.
func NewExpander(client llm.Client, count int, useGrammar bool) *Expander {
	if count <= 0 {
		count = 3
	}
	return &Expander{client: client, count: count, useGrammar: useGrammar}
}

// Expand returns up to e.count variants of question. Expansion fails open: on
// any failure the result is empty and retrieval proceeds with the original
// question alone.
func (e *Expander) Expand(ctx context.Context, question string) []string {
	if e.client == nil {
		return nil
	}

	prompt := fmt.Sprintf(expandPromptTemplate, e.count, question)
	cfg := &llm.GenerationConfig{
		Temperature: 0.7,
		NumPredict:  512,
	}
	if e.useGrammar {
		cfg.Grammar = jsonArrayGrammar
	}

	out, err := e.client.Complete(ctx, []llm.Message{{Role: "user", Content: prompt}}, cfg)
	if err != nil && cfg.Grammar != "" {
		logging.Get(logging.CategoryExpand).Warn("grammar-constrained expansion failed, retrying unconstrained: %v", err)
		cfg.Grammar = ""
		out, err = e.client.Complete(ctx, []llm.Message{{Role: "user", Content: prompt}}, cfg)
	}
	if err != nil {
		logging.Get(logging.CategoryExpand).Warn("expansion failed, continuing with original only: %v", err)
		return nil
	}

	variants := parseVariants(out)
	variants = dedupe(question, variants, e.count)
	logging.ExpandDebug("expanded %q into %d variants", question, len(variants))
	return variants
}

// parseVariants tries strict JSON, then an embedded JSON array, then numbered
// lines.
func parseVariants(out string) []string {
	out = strings.TrimSpace(out)

	var arr []string
	if err := json.Unmarshal([]byte(out), &arr); err == nil {
		return arr
	}

	if m := reJSONArray.FindString(out); m != "" {
		if err := json.Unmarshal([]byte(m), &arr); err == nil {
			return arr
		}
	}

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if m := reNumberedLine.FindStringSubmatch(line); m != nil {
			lines = append(lines, strings.Trim(m[1], `" `))
		}
	}
	return lines
}

// dedupe drops empties, case-insensitive duplicates, and the original
// question, then caps the result at max.
func dedupe(original string, variants []string, max int) []string {
	seen := map[string]bool{
		strings.ToLower(strings.TrimSpace(original)): true,
	}
	var out []string
	for _, v := range variants {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
		if len(out) == max {
			break
		}
	}
	return out
}
