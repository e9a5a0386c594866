package session

import "time"

// SubProblem is one decomposed unit of the problem statement, processed
// sequentially within a session. Written once inside the decomposition
// transaction and never mutated afterwards.
type SubProblem struct {
	SessionID string    `json:"session_id"`
	Index     int       `json:"index"`
	Title     string    `json:"title"`
	FocusArea string    `json:"focus_area"`
	Goal      string    `json:"goal"`
	CreatedAt time.Time `json:"created_at"`
}

// Recommendation is the synthesis output for one sub-problem. One row per
// (session, sub-problem); its existence is what makes a sub-problem count
// toward the best-effort billable portion.
type Recommendation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	SPIndex   int       `json:"sp_index"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
