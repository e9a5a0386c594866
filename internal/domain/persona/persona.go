// Package persona provides the expert persona catalog and deterministic
// panel selection.
package persona

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Persona is a named expert role producing one contribution per round.
type Persona struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Specialty string `json:"specialty"`
}

// Catalog is the fixed set of personas panels are drawn from.
var Catalog = []Persona{
	{Code: "strategy", Name: "Chief Strategy Advisor", Specialty: "market positioning and long-range planning"},
	{Code: "finance", Name: "Finance Director", Specialty: "unit economics, capital allocation, runway"},
	{Code: "operations", Name: "Operations Lead", Specialty: "process design, supply chain, execution risk"},
	{Code: "marketing", Name: "Growth Strategist", Specialty: "demand generation, brand, channel mix"},
	{Code: "technology", Name: "Technology Advisor", Specialty: "build-vs-buy, platform scalability"},
	{Code: "people", Name: "People & Org Advisor", Specialty: "hiring, incentives, org design"},
	{Code: "legal", Name: "Legal & Compliance Counsel", Specialty: "regulatory exposure, contracts"},
	{Code: "risk", Name: "Risk Analyst", Specialty: "downside scenarios, mitigation planning"},
}

// SelectPanel returns the panel of variant personas (3 or 5) assigned to one
// sub-problem. Selection is deterministic in (sessionID, spIndex, variant) so
// recovery replay re-assembles the identical panel without persisting
// assignments.
func SelectPanel(sessionID string, spIndex, variant int) []Persona {
	if variant != 3 && variant != 5 {
		variant = 3
	}

	type scored struct {
		p     Persona
		score uint64
	}
	scoredSet := make([]scored, 0, len(Catalog))
	for _, p := range Catalog {
		h := fnv.New64a()
		_, _ = fmt.Fprintf(h, "%s|%d|%s", sessionID, spIndex, p.Code)
		scoredSet = append(scoredSet, scored{p: p, score: h.Sum64()})
	}

	sort.Slice(scoredSet, func(i, j int) bool {
		if scoredSet[i].score != scoredSet[j].score {
			return scoredSet[i].score < scoredSet[j].score
		}
		return scoredSet[i].p.Code < scoredSet[j].p.Code
	})

	panel := make([]Persona, variant)
	for i := range variant {
		panel[i] = scoredSet[i].p
	}
	return panel
}

// Quorum returns the minimum successful contributions required to resolve a
// round. A configured value > 0 wins (clamped to the panel size); otherwise
// the default is all-but-one for a 3-persona panel and 3-of-5 for a
// 5-persona panel, which is a strict majority in both variants.
func Quorum(panelSize, configured int) int {
	if configured > 0 {
		if configured > panelSize {
			return panelSize
		}
		return configured
	}
	return panelSize/2 + 1
}
