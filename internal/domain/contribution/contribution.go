// Package contribution defines one persona's output for a (sub-problem, round) pair.
package contribution

import "time"

// Status is the write-protocol state of a contribution. A contribution is
// written in_flight the moment its persona task succeeds and flips to
// committed only inside the checkpoint-advance transaction for its
// sub-problem. Recovery flips abandoned rows to rolled_back. A row never
// re-enters in_flight.
type Status string

const (
	StatusInFlight   Status = "in_flight"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// CanTransition reports whether the write protocol permits the status change.
func CanTransition(from, to Status) bool {
	return from == StatusInFlight && (to == StatusCommitted || to == StatusRolledBack)
}

// Contribution is one persona's output for one (sub_problem, round) pair.
type Contribution struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	PersonaCode string    `json:"persona_code"`
	SPIndex     int       `json:"sp_index"`
	RoundNumber int       `json:"round_number"`
	Status      Status    `json:"status"`
	Content     string    `json:"content"`
	Embedding   []float32 `json:"embedding,omitempty"`
	TokensIn    int64     `json:"tokens_in"`
	TokensOut   int64     `json:"tokens_out"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
