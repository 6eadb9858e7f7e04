package stage

import "strings"

// transition maps a disjoint set of marker phrases to the stage their
// presence in an assistant reply is evidence for.
type transition struct {
	target  Stage
	markers []string
}

// markerTable is ordered latest stage first so that a reply carrying markers
// for several stages resolves to the furthest one. Marker sets are disjoint
// by construction; keep them that way when editing.
var markerTable = []transition{
	{
		target: StageDecision,
		markers: []string{
			"recommended supplier for this purchase",
			"ready to place the order",
			"final sourcing recommendation",
		},
	},
	{
		target: StageComparison,
		markers: []string{
			"quote comparison",
			"compared the quotations",
			"side-by-side pricing",
		},
	},
	{
		target: StageMatching,
		markers: []string{
			"matched the following suppliers",
			"candidate suppliers",
			"supplier shortlist",
		},
	},
	{
		target: StageRequirements,
		markers: []string{
			"requirement summary",
			"confirmed your requirements",
			"structured requirement list",
		},
	},
}

// MatchTransition scans assistant text for stage markers and returns the
// furthest stage any marker maps to. It is a pure function over the static
// marker table; callers decide whether the returned stage is actually
// reachable from their current position.
func MatchTransition(text string) (Stage, bool) {
	if text == "" {
		return firstStage, false
	}
	lowered := strings.ToLower(text)
	for _, candidate := range markerTable {
		for _, marker := range candidate.markers {
			if strings.Contains(lowered, marker) {
				return candidate.target, true
			}
		}
	}
	return firstStage, false
}
