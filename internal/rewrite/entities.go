// Package rewrite turns a conversational question into a standalone,
// entity-preserving query: pronoun decontextualization against history,
// must-include guarantees and a lexical form for sparse matching.
package rewrite

import (
	"regexp"
	"strings"

	"lagrum/internal/types"
)

// =============================================================================
// ENTITY EXTRACTION
// =============================================================================

var (
	reSFSNummer = regexp.MustCompile(`\d{4}:\d{2,}`)
	reKapitel   = regexp.MustCompile(`(\d+[a-z]?)\s*kap\.?`)
	reParagraf  = regexp.MustCompile(`(\d+[a-z]?)\s*§`)
)

// lawAbbreviations is the closed dictionary of legal abbreviations mapped to
// their canonical full names.
var lawAbbreviations = map[string]string{
	"TF":   "Tryckfrihetsförordningen",
	"YGL":  "Yttrandefrihetsgrundlagen",
	"RF":   "Regeringsformen",
	"OSL":  "Offentlighets- och sekretesslagen",
	"FL":   "Förvaltningslagen",
	"GDPR": "Dataskyddsförordningen (GDPR)",
	"LAS":  "Lagen om anställningsskydd",
	"MBL":  "Medbestämmandelagen",
	"AML":  "Arbetsmiljölagen",
	"BrB":  "Brottsbalken",
	"RB":   "Rättegångsbalken",
	"ÄB":   "Ärvdabalken",
	"JB":   "Jordabalken",
	"FB":   "Föräldrabalken",
}

// authorities is the closed dictionary of authority names. Keys are matched
// case-insensitively as whole words.
var authorities = []string{
	"Integritetsskyddsmyndigheten",
	"IMY",
	"Skatteverket",
	"Försäkringskassan",
	"Arbetsmiljöverket",
	"Justitieombudsmannen",
	"Justitiekanslern",
	"Migrationsverket",
	"Skolverket",
	"Socialstyrelsen",
}

// lawNameSuffixes detect spelled-out law names ("tryckfrihetsförordningen",
// "dataskyddslagen", ...).
var reLawName = regexp.MustCompile(`(?i)\b([a-zåäö-]+(?:lagen|balken|förordningen|grundlagen))\b`)

// ExtractEntities pulls typed entities from free text. Order is stable:
// SFS numbers, kapitel, paragrafer, abbreviations, spelled-out laws,
// authorities.
func ExtractEntities(text string) []types.Entity {
	var out []types.Entity
	seen := make(map[string]bool)

	add := func(t types.EntityType, v string) {
		key := string(t) + "\x1f" + strings.ToLower(v)
		if v == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, types.Entity{Type: t, Value: v})
	}

	for _, m := range reSFSNummer.FindAllString(text, -1) {
		add(types.EntitySFS, m)
	}
	for _, m := range reKapitel.FindAllStringSubmatch(text, -1) {
		add(types.EntityKapitel, m[1])
	}
	for _, m := range reParagraf.FindAllStringSubmatch(text, -1) {
		add(types.EntityParagraf, m[1])
	}

	for abbr, full := range lawAbbreviations {
		if containsWord(text, abbr) {
			add(types.EntityLag, full)
		}
	}
	for _, m := range reLawName.FindAllStringSubmatch(text, -1) {
		add(types.EntityLag, canonicalLawName(m[1]))
	}
	for _, name := range authorities {
		if containsWordFold(text, name) {
			add(types.EntityMyndighet, name)
		}
	}

	return out
}

// ExpandAbbreviation returns the canonical full name for a known legal
// abbreviation, or "" when unknown.
func ExpandAbbreviation(abbr string) string {
	return lawAbbreviations[abbr]
}

// canonicalLawName upcases the first rune of a matched law name.
func canonicalLawName(name string) string {
	runes := []rune(name)
	if len(runes) == 0 {
		return name
	}
	return strings.ToUpper(string(runes[0])) + string(runes[1:])
}

// containsWord matches a case-sensitive whole word (abbreviations are
// case-significant: "las" is a verb, "LAS" is a statute).
func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		if isBoundary(text, start-1) && isBoundary(text, end) {
			return true
		}
		idx = end
	}
}

// containsWordFold matches a case-insensitive whole word.
func containsWordFold(text, word string) bool {
	lower := strings.ToLower(text)
	return containsWord(lower, strings.ToLower(word))
}

func isBoundary(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	c := text[i]
	// ASCII letters/digits continue a word; multi-byte runes (åäö) do too.
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c >= 0x80 {
		return false
	}
	return true
}
