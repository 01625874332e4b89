package lexical

import "strings"

// Splitter decomposes Swedish compound words into known morphemes. Swedish
// legal vocabulary compounds heavily (yttrandefrihetsgrundlagen,
// personuppgiftsbehandling) and FTS tokenizers treat each compound as one
// term, so splitting improves lexical recall.
type Splitter interface {
	Split(word string) []string
}

// MorphemeSplitter splits against a fixed morpheme inventory tuned for the
// legal domain. Splitting is greedy longest-prefix with an optional binding
// "s" between parts.
type MorphemeSplitter struct {
	morphemes map[string]bool
	maxLen    int
}

// legalMorphemes is the built-in inventory. Deliberately small: false splits
// hurt precision more than missed splits hurt recall.
var legalMorphemes = []string{
	"yttrande", "frihet", "grundlag", "tryckfrihet", "förordning",
	"offentlighet", "sekretess", "personuppgift", "behandling", "data",
	"skydd", "arbetsmiljö", "arbetstid", "anställning", "uppsägning",
	"semester", "skatt", "avdrag", "deklaration", "myndighet",
	"förvaltning", "beslut", "överklagande", "ansökan", "tillstånd",
	"miljö", "bygg", "plan", "hyres", "bostads", "konsument", "köp",
	"avtal", "skade", "stånd", "ersättning", "straff", "brott", "påföljd",
	"rättegång", "domstol", "vårdnad", "underhåll", "arvs", "testamente",
	"aktie", "bolag", "konkurs", "utlänning", "medborgarskap", "asyl",
	"social", "försäkring", "bidrag", "pension", "vård", "patient",
	"läkemedel", "livsmedel", "djur", "trafik", "körkort", "fordon",
	"vapen", "ordning", "polis", "tull", "lag", "rätt", "regel",
}

// NewMorphemeSplitter builds the default splitter.
func NewMorphemeSplitter() *MorphemeSplitter {
	m := make(map[string]bool, len(legalMorphemes))
	maxLen := 0
	for _, w := range legalMorphemes {
		m[w] = true
		if len(w) > maxLen {
			maxLen = len(w)
		}
	}
	return &MorphemeSplitter{morphemes: m, maxLen: maxLen}
}

// Split returns the morphemes of a compound, or nil when the word does not
// decompose cleanly. The whole word is never returned as its own split.
func (s *MorphemeSplitter) Split(word string) []string {
	word = strings.ToLower(word)
	if len(word) < 6 || s.morphemes[word] {
		return nil
	}
	parts := s.decompose(word)
	if len(parts) < 2 {
		return nil
	}
	return parts
}

// inflections are noun endings absorbed into the final morpheme
// (grundlag+en, förordning+arna).
var inflections = map[string]bool{
	"": true, "n": true, "t": true, "en": true, "et": true,
	"er": true, "ar": true, "or": true, "na": true, "s": true,
	"ens": true, "ets": true, "arna": true, "erna": true, "orna": true,
}

// decompose greedily matches the longest known prefix, allowing a binding
// "s" between morphemes (yttrandefrihet+s+grundlag) and an inflection suffix
// at the end.
func (s *MorphemeSplitter) decompose(word string) []string {
	if word == "" {
		return nil
	}
	limit := len(word)
	if limit > s.maxLen {
		limit = s.maxLen
	}
	for l := limit; l >= 3; l-- {
		prefix := word[:l]
		if !s.morphemes[prefix] {
			continue
		}
		rest := word[l:]
		if inflections[rest] {
			return []string{prefix}
		}
		if strings.HasPrefix(rest, "s") && len(rest) > 1 {
			if tail := s.decompose(rest[1:]); tail != nil {
				return append([]string{prefix}, tail...)
			}
		}
		if tail := s.decompose(rest); tail != nil {
			return append([]string{prefix}, tail...)
		}
	}
	return nil
}
