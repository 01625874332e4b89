// Package prompt composes the generation prompt: mode template, numbered
// source block with SFS annotations, few-shot examples, and the optional
// strict-JSON output contract.
package prompt

import (
	"fmt"
	"strings"

	"lagrum/internal/legalref"
	"lagrum/internal/logging"
	"lagrum/internal/types"
)

// =============================================================================
// MODE TEMPLATES
// =============================================================================

const identityBlock = `Du är Lagrum, en juridisk assistent för svensk rätt. Du svarar på svenska,
sakligt och utan att ge personlig juridisk rådgivning.`

const evidenceTemplate = identityBlock + `

REGLER:
- Citera källtexten ordagrant när du återger lagtext.
- Varje påstående ska hänvisa till en källa med [Källa N].
- Om underlaget inte räcker: säg det uttryckligen i stället för att gissa.

{{CONSTITUTIONAL_EXAMPLES}}

KÄLLOR:
%s%s

Fråga: %s`

const assistTemplate = identityBlock + `

REGLER:
- Använd källorna nedan som stöd och hänvisa direkt med [Källa N] där det passar.
- Du får sammanfatta och förklara med egna ord.

{{CONSTITUTIONAL_EXAMPLES}}

KÄLLOR:
%s

Fråga: %s`

const chatTemplate = identityBlock + `

Du svarar utan källunderlag. Håll dig till allmän information och hänvisa
till relevant myndighet när frågan kräver juridisk bedömning.

Fråga: %s`

// jsonContract is appended in evidence mode when structured output is on.
const jsonContract = `

SVARSFORMAT: svara med exakt ett JSON-objekt:
{"svar": "...", "mode": "evidence", "källor": [1, 2], "saknas_underlag": false}`

// =============================================================================
// COMPOSER
// =============================================================================

// Composer renders generation prompts.
type Composer struct {
	// StructuredOutput injects the strict-JSON contract in evidence mode.
	StructuredOutput bool
	// Examples replaces the {{CONSTITUTIONAL_EXAMPLES}} placeholder.
	Examples string
}

// Compose renders the prompt for a mode. Sources are numbered by rank;
// parents are folded in after the child-derived sources.
func (c *Composer) Compose(mode types.Mode, question string, sources []types.SearchResult, parents []types.ParentContext) string {
	timer := logging.StartTimer(logging.CategoryPrompt, "Compose")
	defer timer.Stop()

	var out string
	switch mode {
	case types.ModeChat:
		out = fmt.Sprintf(chatTemplate, question)
	case types.ModeAssist:
		out = fmt.Sprintf(assistTemplate, c.contextBlock(sources, parents), question)
	default:
		contract := ""
		if c.StructuredOutput {
			contract = jsonContract
		}
		out = fmt.Sprintf(evidenceTemplate, c.contextBlock(sources, parents), contract, question)
	}

	examples := c.Examples
	out = strings.ReplaceAll(out, "{{CONSTITUTIONAL_EXAMPLES}}", examples)

	logging.Get(logging.CategoryPrompt).Debug("composed %s prompt: %d chars, %d sources, %d parents",
		mode, len(out), len(sources), len(parents))
	return out
}

// SecondaryBlock renders research-perspective sources in a delimited section,
// kept apart from authoritative sources so the model cannot conflate them.
func (c *Composer) SecondaryBlock(secondary []types.SearchResult) string {
	if len(secondary) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n--- Forskningsperspektiv (ej rättskälla) ---\n")
	for i, s := range secondary {
		fmt.Fprintf(&b, "[Forskning %d: %s]\n%s\n", i+1, s.Title, s.Snippet)
	}
	b.WriteString("--- Slut forskningsperspektiv ---\n")
	return b.String()
}

// contextBlock renders numbered [Källa i: Title] entries in rank order. SFS
// sources carry a priority marker plus structural annotations.
func (c *Composer) contextBlock(sources []types.SearchResult, parents []types.ParentContext) string {
	var b strings.Builder
	n := 1

	for _, s := range sources {
		fmt.Fprintf(&b, "[Källa %d: %s]", n, s.Title)
		if s.DocType == "sfs" {
			b.WriteString(" ★ FÖRFATTNINGSTEXT")
		}
		b.WriteString("\n")
		writeAnnotations(&b, s.Metadata)
		b.WriteString(s.Snippet)
		b.WriteString("\n\n")
		n++
	}

	for _, p := range parents {
		title := p.LawName
		if p.Kortnamn != "" {
			title += " (" + p.Kortnamn + ")"
		}
		if p.Kapitel != "" {
			title += fmt.Sprintf(", %s kap.", p.Kapitel)
			if p.KapitelRubrik != "" {
				title += " " + p.KapitelRubrik
			}
		}
		fmt.Fprintf(&b, "[Källa %d: %s] ★ FÖRFATTNINGSTEXT\n", n, title)
		if len(p.References) > 0 {
			fmt.Fprintf(&b, "Se även %s\n", strings.Join(p.References, "; "))
		}
		b.WriteString(p.FullText)
		b.WriteString("\n\n")
		n++
	}

	return strings.TrimRight(b.String(), "\n")
}

// writeAnnotations renders SFS metadata as inline source annotations.
func writeAnnotations(b *strings.Builder, metadata map[string]interface{}) {
	if metadata == nil {
		return
	}
	if v, ok := metadata["stycke_count"]; ok {
		fmt.Fprintf(b, "(%v stycken)\n", v)
	}
	if v, ok := metadata["cross_refs"].(string); ok && v != "" {
		refs := legalref.Extract(v)
		if len(refs) > 0 {
			b.WriteString(legalref.SeAven(refs))
			b.WriteString("\n")
		} else {
			fmt.Fprintf(b, "Se även %s\n", v)
		}
	}
	if v, ok := metadata["amendment_ref"].(string); ok && v != "" {
		fmt.Fprintf(b, "Senast ändrad genom %s\n", v)
	}
}
