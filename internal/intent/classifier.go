// Package intent labels queries into the fixed intent taxonomy and maps
// intents to collection routing. Classification is a rule+LLM hybrid: cheap
// deterministic rules first, the model only for the ambiguous remainder.
package intent

import (
	"context"
	"regexp"
	"strings"

	"lagrum/internal/llm"
	"lagrum/internal/logging"
	"lagrum/internal/types"
)

// =============================================================================
// RULE STAGE
// =============================================================================

var (
	reExplicitSFS  = regexp.MustCompile(`\d{4}:\d{2,}`)
	reSectionToken = regexp.MustCompile(`\d+\s*[a-z]?\s*(?:§|kap\.?)`)
)

var parliamentWords = []string{"proposition", "prop.", "motion", "utskott", "betänkande", "riksdagsbeslut", "remiss"}
var researchWords = []string{"forskning", "studie", "avhandling", "uppsats", "vetenskaplig"}
var processWords = []string{"hur ansöker", "hur överklagar", "ansökan", "blankett", "handläggningstid"}
var greetings = []string{"hej", "hejsan", "god morgon", "god kväll", "tjena", "hallå", "tack"}

// classifyByRules returns the intent when a deterministic rule fires, or
// UNKNOWN when the LLM stage should decide.
func classifyByRules(question string) types.Intent {
	q := strings.ToLower(strings.TrimSpace(question))

	if isGreeting(q) {
		return types.IntentSmalltalk
	}
	if reExplicitSFS.MatchString(q) || reSectionToken.MatchString(q) {
		return types.IntentLegalText
	}
	for _, w := range parliamentWords {
		if strings.Contains(q, w) {
			return types.IntentParliamentTrace
		}
	}
	for _, w := range researchWords {
		if strings.Contains(q, w) {
			return types.IntentResearchSynthesis
		}
	}
	for _, w := range processWords {
		if strings.Contains(q, w) {
			return types.IntentPracticalProcess
		}
	}
	return types.IntentUnknown
}

func isGreeting(q string) bool {
	q = strings.TrimRight(q, "!.? ")
	for _, g := range greetings {
		if q == g {
			return true
		}
	}
	return false
}

// =============================================================================
// CLASSIFIER
// =============================================================================

// intentGrammar constrains the LLM to emit exactly one taxonomy label.
const intentGrammar = `root ::= "LEGAL_TEXT" | "PARLIAMENT_TRACE" | "POLICY_ARGUMENTS" | "RESEARCH_SYNTHESIS" | "PRACTICAL_PROCESS" | "EDGE_ABBREVIATION" | "EDGE_CLARIFICATION" | "SMALLTALK" | "UNKNOWN"`

const classifyPrompt = `Du klassificerar juridiska frågor. Svara med exakt en etikett:
LEGAL_TEXT (lagtext/paragrafer), PARLIAMENT_TRACE (riksdagsbehandling),
POLICY_ARGUMENTS (för- och motargument i lagstiftningsärenden),
RESEARCH_SYNTHESIS (rättsvetenskaplig forskning), PRACTICAL_PROCESS
(myndighetsprocesser), EDGE_ABBREVIATION (förkortningsfråga),
EDGE_CLARIFICATION (otydlig fråga), SMALLTALK, UNKNOWN.

Fråga: `

var validIntents = map[types.Intent]bool{
	types.IntentLegalText:         true,
	types.IntentParliamentTrace:   true,
	types.IntentPolicyArguments:   true,
	types.IntentResearchSynthesis: true,
	types.IntentPracticalProcess:  true,
	types.IntentEdgeAbbreviation:  true,
	types.IntentEdgeClarification: true,
	types.IntentSmalltalk:         true,
	types.IntentUnknown:           true,
}

// Classifier is the rule+LLM hybrid intent classifier.
type Classifier struct {
	client llm.Client
}

// NewClassifier builds a classifier. A nil client degrades to rules only.
func NewClassifier(client llm.Client) *Classifier {
	return &Classifier{client: client}
}

// Classify labels one standalone question. Failures never propagate: UNKNOWN
// triggers broad retrieval downstream.
func (c *Classifier) Classify(ctx context.Context, question string) types.Intent {
	if intent := classifyByRules(question); intent != types.IntentUnknown {
		logging.IntentDebug("rule classification: %q -> %s", question, intent)
		return intent
	}

	if c.client == nil {
		return types.IntentUnknown
	}

	out, err := c.client.Complete(ctx, []llm.Message{
		{Role: "user", Content: classifyPrompt + question},
	}, &llm.GenerationConfig{
		Temperature: 0,
		NumPredict:  8,
		Grammar:     intentGrammar,
	})
	if err != nil {
		logging.Get(logging.CategoryIntent).Warn("LLM classification failed, falling back to UNKNOWN: %v", err)
		return types.IntentUnknown
	}

	label := types.Intent(strings.TrimSpace(out))
	if !validIntents[label] {
		logging.Get(logging.CategoryIntent).Warn("LLM returned invalid label %q", out)
		return types.IntentUnknown
	}
	logging.IntentDebug("llm classification: %q -> %s", question, label)
	return label
}
