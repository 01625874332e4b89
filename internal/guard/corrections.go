package guard

import (
	"strings"

	"lagrum/internal/logging"
	"lagrum/internal/types"
)

// =============================================================================
// OUTDATED-TERM CORRECTIONS
// =============================================================================

// termCorrection is one dictionary entry. Authority renames are
// high-confidence; statute replacements less so since old law may still be
// the right answer for historical questions.
type termCorrection struct {
	from       string
	to         string
	confidence float64
}

var corrections = []termCorrection{
	{"Datainspektionen", "Integritetsskyddsmyndigheten (IMY)", 0.95},
	{"Personuppgiftslagen", "GDPR och Dataskyddslagen (2018:218)", 0.85},
	{"PuL", "GDPR och Dataskyddslagen (2018:218)", 0.80},
	{"Radiotjänst", "Skatteverket (public service-avgift)", 0.90},
	{"Försäkringsöverdomstolen", "Högsta förvaltningsdomstolen", 0.90},
	{"Regeringsrätten", "Högsta förvaltningsdomstolen", 0.95},
}

// ApplyCorrections substitutes outdated legal terms in the final answer.
// Returns the corrected text, the applied corrections, and the mean
// confidence (0 when nothing was corrected). Best-effort: never fails.
func ApplyCorrections(answer string) (string, []types.TermCorrection, float64) {
	var applied []types.TermCorrection
	out := answer

	for _, c := range corrections {
		if !containsToken(out, c.from) {
			continue
		}
		out = replaceToken(out, c.from, c.to)
		applied = append(applied, types.TermCorrection{
			From:       c.from,
			To:         c.to,
			Confidence: c.confidence,
		})
	}

	if len(applied) == 0 {
		return answer, nil, 0
	}

	var sum float64
	for _, c := range applied {
		sum += c.Confidence
	}
	mean := sum / float64(len(applied))

	logging.Guard("applied %d term corrections (mean confidence %.2f)", len(applied), mean)
	return out, applied, mean
}

// containsToken reports a whole-word, case-sensitive match. Case matters:
// "pul" in running text is not the statute.
func containsToken(text, token string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], token)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(token)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		idx = end
	}
}

func replaceToken(text, from, to string) string {
	var b strings.Builder
	idx := 0
	for {
		i := strings.Index(text[idx:], from)
		if i < 0 {
			b.WriteString(text[idx:])
			return b.String()
		}
		start := idx + i
		end := start + len(from)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			b.WriteString(text[idx:start])
			b.WriteString(to)
		} else {
			b.WriteString(text[idx:end])
		}
		idx = end
	}
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	return !isWordByte(text[i-1])
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	return !isWordByte(text[i])
}

// isWordByte treats bytes ≥ 0x80 as word characters so multibyte letters
// (åäö) do not create false boundaries.
func isWordByte(b byte) bool {
	return b >= 0x80 ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
