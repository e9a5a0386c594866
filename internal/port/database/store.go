// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/rtfm-si/boardroom/internal/domain/contribution"
	"github.com/rtfm-si/boardroom/internal/domain/session"
)

// Store is the port interface for durable session, sub-problem,
// contribution and recommendation state.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, req session.CreateRequest) (*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListSessions(ctx context.Context) ([]session.Session, error)

	// CasSessionStatus transitions a session from any of the given statuses
	// to the target in a single compare-and-swap. Returns domain.ErrConflict
	// when the current status is not in from (the CAS lost), or
	// domain.ErrNotFound when the session does not exist. This is the only
	// cross-driver mutual-exclusion primitive.
	CasSessionStatus(ctx context.Context, id string, from []session.Status, to session.Status) error

	// SetSessionDecomposed records the decomposition output in one
	// transaction: inserts the sub-problem rows and stamps the session's
	// total_sub_problems, counters and started_at.
	SetSessionDecomposed(ctx context.Context, id string, subs []session.SubProblem, expertCount int) error

	SetSessionRound(ctx context.Context, id string, round int) error
	SetRecoveryNeeded(ctx context.Context, id string, needed bool) error
	IncrementRecoveryAttempts(ctx context.Context, id string) (int, error)
	SetUntrackedCosts(ctx context.Context, id string) error
	SetSessionTotalCost(ctx context.Context, id string, totalUSD float64) error

	// RequestTermination persists a durable in-flight termination request
	// that the session driver observes at its next suspension point.
	RequestTermination(ctx context.Context, id string, ttype session.TerminationType, reason string) error

	// FinalizeTermination CASes the session into terminated or killed and
	// records the termination fields and billable portion.
	FinalizeTermination(ctx context.Context, id string, to session.Status, ttype session.TerminationType, reason string, billable float64) error

	// FailSession CASes running -> failed with a human-readable reason.
	FailSession(ctx context.Context, id string, reason string) error

	// CompleteSession CASes running -> completed and stamps completed_at.
	CompleteSession(ctx context.Context, id string) error

	// SoftDeleteSession CASes a terminal session into deleted.
	SoftDeleteSession(ctx context.Context, id string) error

	// Sub-problems and recommendations
	ListSubProblems(ctx context.Context, sessionID string) ([]session.SubProblem, error)
	ListRecommendations(ctx context.Context, sessionID string) ([]session.Recommendation, error)
	CountRecommendations(ctx context.Context, sessionID string) (int, error)

	// Contributions. CreateContribution inserts as in_flight; a replayed
	// insert for the same (session, persona, sp, round) is a no-op that
	// returns the surviving row.
	CreateContribution(ctx context.Context, c *contribution.Contribution) (*contribution.Contribution, error)
	ListContributions(ctx context.Context, sessionID string, spIndex int) ([]contribution.Contribution, error)
	RoundContributions(ctx context.Context, sessionID string, spIndex, round int) ([]contribution.Contribution, error)

	// RollBackStaleContributions flips every in_flight contribution at or
	// before the given sub-problem index to rolled_back. Returns the number
	// of rows changed.
	RollBackStaleContributions(ctx context.Context, sessionID string, uptoSPIndex int) (int64, error)

	// AdvanceCheckpoint atomically commits a sub-problem: flips its
	// in_flight contributions to committed, upserts the recommendation,
	// advances (last_completed_sp_index, sp_checkpoint_at), resets
	// round_number and recomputes the session counters — one transaction.
	// Returns the recommendation ID.
	AdvanceCheckpoint(ctx context.Context, sessionID string, spIndex int, recommendation string) (string, error)

	// Recovery
	ListRecoverySessions(ctx context.Context) ([]session.Session, error)
	ListRunningSessions(ctx context.Context) ([]session.Session, error)
}
