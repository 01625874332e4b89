package intent

import (
	"lagrum/internal/types"
)

// Canonical collection names.
const (
	CollectionSFS     = "sfs_lagar"
	CollectionRiksdag = "riksdagsdokument"
	CollectionGov     = "forarbeten"
	CollectionDiVA    = "diva_forskning"
	CollectionGuides  = "myndighetsguider"
)

// routingTable is the fixed intent -> collection mapping. DiVA holds academic
// research and is non-authoritative for legal text, so LEGAL_TEXT must never
// touch it in any tier.
var routingTable = map[types.Intent]types.RoutingConfig{
	types.IntentLegalText: {
		Primary: []string{CollectionSFS},
	},
	types.IntentResearchSynthesis: {
		Primary: []string{CollectionDiVA},
	},
	types.IntentParliamentTrace: {
		Primary:         []string{CollectionRiksdag, CollectionGov},
		Secondary:       []string{CollectionDiVA},
		SecondaryBudget: 2,
	},
	types.IntentPolicyArguments: {
		Primary:           []string{CollectionRiksdag, CollectionSFS},
		Secondary:         []string{CollectionDiVA},
		SecondaryBudget:   2,
		RequireSeparation: true,
	},
	types.IntentPracticalProcess: {
		Primary: []string{CollectionGuides, CollectionSFS},
	},
	types.IntentSmalltalk: {},
	types.IntentUnknown: {
		Primary:         []string{CollectionSFS, CollectionRiksdag, CollectionGov},
		Secondary:       []string{CollectionDiVA},
		SecondaryBudget: 2,
	},
}

// RouteFor returns the routing configuration for an intent. Intents without
// an explicit row (edge cases) get the broad UNKNOWN routing.
func RouteFor(intent types.Intent) types.RoutingConfig {
	if cfg, ok := routingTable[intent]; ok {
		return clone(cfg)
	}
	return clone(routingTable[types.IntentUnknown])
}

// clone keeps callers from mutating the shared table.
func clone(cfg types.RoutingConfig) types.RoutingConfig {
	out := cfg
	out.Primary = append([]string(nil), cfg.Primary...)
	out.Support = append([]string(nil), cfg.Support...)
	out.Secondary = append([]string(nil), cfg.Secondary...)
	return out
}
