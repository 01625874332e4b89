package prompt

import (
	"encoding/json"
	"strings"
)

// incompleteListCues are trailing fragments that signal the model stopped
// mid-enumeration.
var incompleteListCues = []string{
	"följande",
	"till exempel",
	"bland annat",
	"såsom",
	"dels",
	"1.",
	"-",
	"•",
}

const shortAnswerLimit = 120

// IsTruncatedAnswer flags answers that look cut off: empty, ending in a
// colon, or short with a trailing incomplete-list cue. JSON-shaped answers
// are judged on their "svar" field.
func IsTruncatedAnswer(answer string) bool {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return true
	}

	if strings.HasPrefix(answer, "{") {
		var shaped struct {
			Svar string `json:"svar"`
		}
		if err := json.Unmarshal([]byte(answer), &shaped); err == nil {
			return IsTruncatedAnswer(shaped.Svar)
		}
		// Unparseable JSON-looking output is itself a truncation symptom.
		return true
	}

	if strings.HasSuffix(answer, ":") {
		return true
	}

	if len(answer) < shortAnswerLimit {
		lower := strings.ToLower(answer)
		for _, cue := range incompleteListCues {
			if strings.HasSuffix(lower, cue) {
				return true
			}
		}
	}
	return false
}
