// Package cost defines the immutable cost attribution record and its aggregates.
package cost

import "time"

// Feature classifies which external call produced a cost record.
type Feature string

const (
	FeaturePersonaContribution Feature = "persona_contribution"
	FeatureSynthesis           Feature = "synthesis"
	FeatureDecomposition       Feature = "decomposition"
	FeatureConvergence         Feature = "convergence"
)

// Record is one immutable cost entry, created exactly once per external
// call and tagged with the most specific entity available: the
// contribution for persona calls, the recommendation for synthesis calls,
// otherwise just the sub-problem index (nil for session-level calls such
// as decomposition).
type Record struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	ContributionID   *string   `json:"contribution_id,omitempty"`
	RecommendationID *string   `json:"recommendation_id,omitempty"`
	SPIndex          *int      `json:"sp_index,omitempty"`
	AmountUSD        float64   `json:"amount_usd"`
	Feature          Feature   `json:"feature"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary holds the aggregate cost for one session.
type Summary struct {
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	RecordCount  int     `json:"record_count"`
}
