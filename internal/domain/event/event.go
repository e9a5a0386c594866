// Package event defines the SessionEvent entity for the ordered per-session stream.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of session event.
type Type string

// Lifecycle events (phase transitions, checkpoints, terminations).
const (
	TypeSessionCreated    Type = "session.created"
	TypeSessionStarted    Type = "session.started"
	TypeSessionPaused     Type = "session.paused"
	TypeSessionResumed    Type = "session.resumed"
	TypeSessionDecomposed Type = "session.decomposed"
	TypeSessionCompleted  Type = "session.completed"
	TypeSessionFailed     Type = "session.failed"
	TypeSessionTerminated Type = "session.terminated"
	TypeSessionKilled     Type = "session.killed"
	TypeSessionDeleted    Type = "session.deleted"
)

// Work events (per-round progress).
const (
	TypeSubProblemStarted    Type = "subproblem.started"
	TypeContributionStarted  Type = "contribution.started"
	TypeContributionComplete Type = "contribution.complete"
	TypeRoundResolved        Type = "round.resolved"
	TypeSubProblemCompleted  Type = "subproblem.completed"
)

// SessionEvent is a single immutable event in a session's ordered stream.
// Sequence is strictly increasing per session with no observable gaps; it
// is assigned at the moment the event is durably appended, never before.
type SessionEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ContributionPayload is the payload for contribution.started/complete events.
type ContributionPayload struct {
	PersonaCode    string `json:"persona_code"`
	SPIndex        int    `json:"sp_index"`
	RoundNumber    int    `json:"round_number"`
	ContributionID string `json:"contribution_id,omitempty"`
}

// RoundResolvedPayload is the payload for round.resolved events.
type RoundResolvedPayload struct {
	SPIndex     int  `json:"sp_index"`
	RoundNumber int  `json:"round_number"`
	Succeeded   int  `json:"succeeded"`
	Quorum      int  `json:"quorum"`
	Continue    bool `json:"continue"`
}

// SubProblemPayload is the payload for subproblem.started/completed events.
type SubProblemPayload struct {
	SPIndex          int    `json:"sp_index"`
	Title            string `json:"title,omitempty"`
	RecommendationID string `json:"recommendation_id,omitempty"`
}

// TerminationPayload is the payload for session.terminated/killed events.
type TerminationPayload struct {
	Type            string  `json:"type"`
	Reason          string  `json:"reason,omitempty"`
	Actor           string  `json:"actor,omitempty"`
	BillablePortion float64 `json:"billable_portion"`
}

// FailurePayload is the payload for session.failed events.
type FailurePayload struct {
	Reason string `json:"reason"`
}
