// Package legalref extracts typed legal references from Swedish legal prose:
// SFS numbers, kapitel/paragraf citations, government bills, official
// reports, committee reports, case reporters and EU acts. The extractor runs
// an ordered regex battery where earlier (more specific) patterns claim text
// spans and later patterns skip anything overlapping a claimed span.
package legalref

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Kind tags a reference variant.
type Kind string

const (
	KindSFS         Kind = "sfs"
	KindSection     Kind = "section"
	KindProposition Kind = "proposition"
	KindSOU         Kind = "sou"
	KindDs          Kind = "ds"
	KindBetankande  Kind = "betankande"
	KindNJA         Kind = "nja"
	KindHFD         Kind = "hfd"
	KindEU          Kind = "eu"
)

// Reference is one extracted legal reference.
type Reference struct {
	Kind          Kind   `json:"kind"`
	RawMatch      string `json:"raw_match"`
	TargetSFS     string `json:"target_sfs,omitempty"`
	TargetChapter string `json:"target_chapter,omitempty"`
	TargetSection string `json:"target_section,omitempty"`
	Display       string `json:"display"`
}

// =============================================================================
// REGEX BATTERY - ordered most-specific first
// =============================================================================

var (
	// 2 kap. 1 § andra stycket
	reStycke = regexp.MustCompile(`(\d+\s?[a-z]?)\s*kap\.?\s*(\d+\s?[a-z]?)\s*§\s*(första|andra|tredje|fjärde|femte|sjätte|\d+)\s*st(?:ycket)?\b\.?`)

	// 2 kap. 1 §
	reKapPar = regexp.MustCompile(`(\d+\s?[a-z]?)\s*kap\.?\s*(\d+\s?[a-z]?)\s*§`)

	// SFS 1974:152
	reSFSExplicit = regexp.MustCompile(`SFS\s+(\d{4}:\d{2,4})`)

	// prop. 2017/18:105
	reProp = regexp.MustCompile(`(?i)prop(?:osition(?:en)?)?\.?\s*(\d{4}/\d{2,4}:\d+)`)

	// SOU 2020:14
	reSOU = regexp.MustCompile(`SOU\s+(\d{4}:\d+)`)

	// Ds 2019:1
	reDs = regexp.MustCompile(`\bDs\s+(\d{4}:\d+)`)

	// bet. 2019/20:KU12
	reBet = regexp.MustCompile(`(?i)bet(?:änkande(?:t)?)?\.?\s*(\d{4}/\d{2,4}:[A-ZÅÄÖ]{1,4}\d+[a-z]?)`)

	// NJA 2015 s. 512
	reNJA = regexp.MustCompile(`NJA\s+(\d{4})\s+s\.?\s*(\d+)`)

	// HFD 2018 ref. 45
	reHFD = regexp.MustCompile(`HFD\s+(\d{4})\s+ref\.?\s*(\d+)`)

	// direktiv (EU) 2016/680, förordning (EU) 2016/679, förordning (EG) nr 1049/2001
	reEU = regexp.MustCompile(`(?i)(direktiv|förordning(?:en)?)\s*\((EU|EG)\)\s*(?:nr\s+)?(\d{1,4}/\d{2,4})`)

	// 1974:152 with no SFS prefix (implicit)
	reSFSImplicit = regexp.MustCompile(`\b(\d{4}:\d{2,4})\b`)

	// 5 § (bare)
	reBarePar = regexp.MustCompile(`(\d+\s?[a-z]?)\s*§`)
)

type span struct{ start, end int }

func overlaps(claimed []span, start, end int) bool {
	for _, s := range claimed {
		if start < s.end && end > s.start {
			return true
		}
	}
	return false
}

// Extract runs the ordered battery over text and returns deduplicated
// references. Deduplication is by (kind, raw match); bare § citations whose
// section number was already captured by a kap+§ match are suppressed.
func Extract(text string) []Reference {
	var refs []Reference
	var claimed []span
	seen := make(map[string]bool)
	sectionsSeen := make(map[string]bool)

	add := func(r Reference, start, end int) {
		key := string(r.Kind) + "\x1f" + r.RawMatch
		if seen[key] {
			claimed = append(claimed, span{start, end})
			return
		}
		seen[key] = true
		claimed = append(claimed, span{start, end})
		refs = append(refs, r)
	}

	// Stycke-level citations claim the widest spans first.
	for _, m := range reStycke.FindAllStringSubmatchIndex(text, -1) {
		raw := text[m[0]:m[1]]
		kap := normNum(text[m[2]:m[3]])
		par := normNum(text[m[4]:m[5]])
		sectionsSeen[par] = true
		add(Reference{
			Kind:          KindSection,
			RawMatch:      raw,
			TargetChapter: kap,
			TargetSection: par,
			Display:       fmt.Sprintf("%s kap. %s §", kap, par),
		}, m[0], m[1])
	}

	for _, m := range reKapPar.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		raw := text[m[0]:m[1]]
		kap := normNum(text[m[2]:m[3]])
		par := normNum(text[m[4]:m[5]])
		sectionsSeen[par] = true
		add(Reference{
			Kind:          KindSection,
			RawMatch:      raw,
			TargetChapter: kap,
			TargetSection: par,
			Display:       fmt.Sprintf("%s kap. %s §", kap, par),
		}, m[0], m[1])
	}

	for _, m := range reSFSExplicit.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		num := text[m[2]:m[3]]
		add(Reference{
			Kind:      KindSFS,
			RawMatch:  text[m[0]:m[1]],
			TargetSFS: num,
			Display:   "SFS " + num,
		}, m[0], m[1])
	}

	for _, m := range reProp.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		num := text[m[2]:m[3]]
		add(Reference{Kind: KindProposition, RawMatch: text[m[0]:m[1]], Display: "prop. " + num}, m[0], m[1])
	}

	for _, m := range reSOU.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		num := text[m[2]:m[3]]
		add(Reference{Kind: KindSOU, RawMatch: text[m[0]:m[1]], Display: "SOU " + num}, m[0], m[1])
	}

	for _, m := range reDs.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		num := text[m[2]:m[3]]
		add(Reference{Kind: KindDs, RawMatch: text[m[0]:m[1]], Display: "Ds " + num}, m[0], m[1])
	}

	for _, m := range reBet.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		num := text[m[2]:m[3]]
		add(Reference{Kind: KindBetankande, RawMatch: text[m[0]:m[1]], Display: "bet. " + num}, m[0], m[1])
	}

	for _, m := range reNJA.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		year, page := text[m[2]:m[3]], text[m[4]:m[5]]
		add(Reference{Kind: KindNJA, RawMatch: text[m[0]:m[1]], Display: fmt.Sprintf("NJA %s s. %s", year, page)}, m[0], m[1])
	}

	for _, m := range reHFD.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		year, num := text[m[2]:m[3]], text[m[4]:m[5]]
		add(Reference{Kind: KindHFD, RawMatch: text[m[0]:m[1]], Display: fmt.Sprintf("HFD %s ref. %s", year, num)}, m[0], m[1])
	}

	for _, m := range reEU.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		act := strings.ToLower(text[m[2]:m[3]])
		if strings.HasPrefix(act, "förordning") {
			act = "förordning"
		}
		community := strings.ToUpper(text[m[4]:m[5]])
		num := text[m[6]:m[7]]
		add(Reference{Kind: KindEU, RawMatch: text[m[0]:m[1]], Display: fmt.Sprintf("%s (%s) %s", act, community, num)}, m[0], m[1])
	}

	// Implicit SFS: suppressed when immediately preceded by "SFS " (already
	// claimed by the explicit pattern) or inside any claimed span.
	for _, m := range reSFSImplicit.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		if m[0] >= 4 && text[m[0]-4:m[0]] == "SFS " {
			continue
		}
		num := text[m[2]:m[3]]
		add(Reference{
			Kind:      KindSFS,
			RawMatch:  num,
			TargetSFS: num,
			Display:   "SFS " + num,
		}, m[0], m[1])
	}

	// Bare § citations, suppressed when the section number was already
	// captured as part of a kap+§ citation.
	for _, m := range reBarePar.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		par := normNum(text[m[2]:m[3]])
		if sectionsSeen[par] {
			continue
		}
		sectionsSeen[par] = true
		add(Reference{
			Kind:          KindSection,
			RawMatch:      text[m[0]:m[1]],
			TargetSection: par,
			Display:       par + " §",
		}, m[0], m[1])
	}

	return refs
}

// normNum collapses internal whitespace in "2 a"-style numbers.
func normNum(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

// SortStable orders references for deterministic output: by kind, then display.
func SortStable(refs []Reference) {
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].Display < refs[j].Display
	})
}
