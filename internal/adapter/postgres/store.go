package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rtfm-si/boardroom/internal/domain"
	"github.com/rtfm-si/boardroom/internal/domain/contribution"
	"github.com/rtfm-si/boardroom/internal/domain/session"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// sessionColumns is the SELECT column list for sessions queries.
const sessionColumns = `id, problem_statement, panel_variant, status, round_number,
	total_sub_problems, last_completed_sp_index, sp_checkpoint_at,
	recovery_needed, recovery_attempts, has_untracked_costs,
	requested_termination_type, requested_termination_reason,
	terminated_at, termination_type, termination_reason, billable_portion, failure_reason,
	expert_count, contribution_count, focus_area_count, task_count,
	total_cost_usd::float8, started_at, completed_at, deleted_at, created_at, updated_at`

func scanSession(row scannable, s *session.Session) error {
	return row.Scan(
		&s.ID, &s.ProblemStatement, &s.PanelVariant, &s.Status, &s.RoundNumber,
		&s.TotalSubProblems, &s.LastCompletedSPIndex, &s.SPCheckpointAt,
		&s.RecoveryNeeded, &s.RecoveryAttempts, &s.HasUntrackedCosts,
		&s.RequestedTerminationType, &s.RequestedTerminationReason,
		&s.TerminatedAt, &s.TerminationType, &s.TerminationReason, &s.BillablePortion, &s.FailureReason,
		&s.ExpertCount, &s.ContributionCount, &s.FocusAreaCount, &s.TaskCount,
		&s.TotalCostUSD, &s.StartedAt, &s.CompletedAt, &s.DeletedAt, &s.CreatedAt, &s.UpdatedAt,
	)
}

// CreateSession inserts a new session in status created.
func (s *Store) CreateSession(ctx context.Context, req session.CreateRequest) (*session.Session, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO sessions (problem_statement, panel_variant, status)
		 VALUES ($1, $2, 'created')
		 RETURNING %s`, sessionColumns),
		req.ProblemStatement, req.PanelVariant)

	var sess session.Session
	if err := scanSession(row, &sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &sess, nil
}

// GetSession returns one session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1`, sessionColumns), id)

	var sess session.Session
	if err := scanSession(row, &sess); err != nil {
		return nil, notFoundWrap(err, "get session %s", id)
	}
	return &sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM sessions ORDER BY created_at DESC`, sessionColumns))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		var sess session.Session
		if err := scanSession(rows, &sess); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CasSessionStatus transitions the session status with compare-and-swap
// semantics. Zero rows affected means either the session is missing
// (ErrNotFound) or another driver won the race (ErrConflict).
func (s *Store) CasSessionStatus(ctx context.Context, id string, from []session.Status, to session.Status) error {
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $3, updated_at = now()
		 WHERE id = $1 AND status = ANY($2)`,
		id, statuses, string(to))
	if err != nil {
		return fmt.Errorf("cas session %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("cas session %s to %s: %w", id, to, domain.ErrConflict)
	}
	return nil
}

// SetSessionDecomposed writes the sub-problem rows and the derived session
// counters in one transaction, and stamps started_at.
func (s *Store) SetSessionDecomposed(ctx context.Context, id string, subs []session.SubProblem, expertCount int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin decomposition tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	focusAreas := make(map[string]bool)
	for i := range subs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sub_problems (session_id, sp_index, title, focus_area, goal)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (session_id, sp_index) DO NOTHING`,
			id, subs[i].Index, subs[i].Title, subs[i].FocusArea, subs[i].Goal); err != nil {
			return fmt.Errorf("insert sub-problem %d: %w", subs[i].Index, err)
		}
		if subs[i].FocusArea != "" {
			focusAreas[subs[i].FocusArea] = true
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET total_sub_problems = $2, expert_count = $3,
		     focus_area_count = $4, task_count = $2,
		     started_at = COALESCE(started_at, now()), updated_at = now()
		 WHERE id = $1`,
		id, len(subs), expertCount, len(focusAreas))
	if err := execExpectOne(tag, err, "stamp decomposition for session %s", id); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit decomposition tx: %w", err)
	}
	return nil
}

// SetSessionRound updates the current round number for the in-progress sub-problem.
func (s *Store) SetSessionRound(ctx context.Context, id string, round int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET round_number = $2, updated_at = now() WHERE id = $1`, id, round)
	return execExpectOne(tag, err, "set session %s round", id)
}

// SetRecoveryNeeded flips the recovery flag.
func (s *Store) SetRecoveryNeeded(ctx context.Context, id string, needed bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET recovery_needed = $2, updated_at = now() WHERE id = $1`, id, needed)
	return execExpectOne(tag, err, "set session %s recovery_needed", id)
}

// IncrementRecoveryAttempts bumps and returns the recovery attempt counter.
func (s *Store) IncrementRecoveryAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE sessions SET recovery_attempts = recovery_attempts + 1, updated_at = now()
		 WHERE id = $1 RETURNING recovery_attempts`, id).Scan(&attempts)
	if err != nil {
		return 0, notFoundWrap(err, "increment recovery attempts for session %s", id)
	}
	return attempts, nil
}

// SetUntrackedCosts marks the session as having cost records that failed to write.
func (s *Store) SetUntrackedCosts(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET has_untracked_costs = true, updated_at = now() WHERE id = $1`, id)
	return execExpectOne(tag, err, "set session %s untracked costs", id)
}

// SetSessionTotalCost updates the running cost aggregate on the session row.
func (s *Store) SetSessionTotalCost(ctx context.Context, id string, totalUSD float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET total_cost_usd = $2, updated_at = now() WHERE id = $1`, id, totalUSD)
	return execExpectOne(tag, err, "set session %s total cost", id)
}

// RequestTermination persists a durable termination request for the driver to observe.
func (s *Store) RequestTermination(ctx context.Context, id string, ttype session.TerminationType, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET requested_termination_type = $2,
		     requested_termination_reason = $3, updated_at = now()
		 WHERE id = $1`,
		id, string(ttype), nullIfEmpty(reason))
	return execExpectOne(tag, err, "request termination for session %s", id)
}

// FinalizeTermination CASes the session into terminated or killed and
// records the billing outcome.
func (s *Store) FinalizeTermination(ctx context.Context, id string, to session.Status, ttype session.TerminationType, reason string, billable float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $2, terminated_at = now(),
		     termination_type = $3, termination_reason = $4, billable_portion = $5,
		     requested_termination_type = NULL, requested_termination_reason = NULL,
		     completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('running', 'paused')`,
		id, string(to), string(ttype), nullIfEmpty(reason), billable)
	if err != nil {
		return fmt.Errorf("finalize termination for session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("finalize termination for session %s: %w", id, domain.ErrConflict)
	}
	return nil
}

// FailSession CASes running -> failed with a human-readable reason.
func (s *Store) FailSession(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = 'failed', failure_reason = $2,
		     completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id, reason)
	if err != nil {
		return fmt.Errorf("fail session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("fail session %s: %w", id, domain.ErrConflict)
	}
	return nil
}

// CompleteSession CASes running -> completed.
func (s *Store) CompleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = 'completed', completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("complete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("complete session %s: %w", id, domain.ErrConflict)
	}
	return nil
}

// SoftDeleteSession CASes a terminal session into deleted.
func (s *Store) SoftDeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = 'deleted', deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('completed', 'failed', 'killed', 'terminated')`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("delete session %s: %w", id, domain.ErrConflict)
	}
	return nil
}

// ListSubProblems returns the ordered sub-problems for a session.
func (s *Store) ListSubProblems(ctx context.Context, sessionID string) ([]session.SubProblem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, sp_index, title, focus_area, goal, created_at
		 FROM sub_problems WHERE session_id = $1 ORDER BY sp_index ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list sub-problems for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var subs []session.SubProblem
	for rows.Next() {
		var sp session.SubProblem
		if err := rows.Scan(&sp.SessionID, &sp.Index, &sp.Title, &sp.FocusArea, &sp.Goal, &sp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sub-problem: %w", err)
		}
		subs = append(subs, sp)
	}
	return subs, rows.Err()
}

// ListRecommendations returns the synthesis outputs for a session, ordered by sub-problem.
func (s *Store) ListRecommendations(ctx context.Context, sessionID string) ([]session.Recommendation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, sp_index, content, created_at
		 FROM recommendations WHERE session_id = $1 ORDER BY sp_index ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list recommendations for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var recs []session.Recommendation
	for rows.Next() {
		var rec session.Recommendation
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.SPIndex, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountRecommendations returns the number of sub-problems that reached synthesis.
func (s *Store) CountRecommendations(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM recommendations WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recommendations for session %s: %w", sessionID, err)
	}
	return n, nil
}

// contributionColumns is the SELECT column list for contributions queries.
const contributionColumns = `id, session_id, persona_code, sp_index, round_number, status, content, embedding, tokens_in, tokens_out, created_at, updated_at`

func scanContribution(row scannable, c *contribution.Contribution) error {
	return row.Scan(
		&c.ID, &c.SessionID, &c.PersonaCode, &c.SPIndex, &c.RoundNumber,
		&c.Status, &c.Content, &c.Embedding, &c.TokensIn, &c.TokensOut,
		&c.CreatedAt, &c.UpdatedAt,
	)
}

// CreateContribution inserts an in_flight contribution. A replayed insert
// for the same (session, persona, sp, round) hits the unique constraint and
// returns the surviving row unchanged.
func (s *Store) CreateContribution(ctx context.Context, c *contribution.Contribution) (*contribution.Contribution, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO contributions (session_id, persona_code, sp_index, round_number, status, content, embedding, tokens_in, tokens_out)
		 VALUES ($1, $2, $3, $4, 'in_flight', $5, $6, $7, $8)
		 ON CONFLICT (session_id, persona_code, sp_index, round_number) DO NOTHING
		 RETURNING %s`, contributionColumns),
		c.SessionID, c.PersonaCode, c.SPIndex, c.RoundNumber, c.Content, c.Embedding, c.TokensIn, c.TokensOut)

	var out contribution.Contribution
	err := scanContribution(row, &out)
	if err == nil {
		return &out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("create contribution for %s: %w", c.PersonaCode, err)
	}

	// Conflict: the row already exists from a previous attempt. Return it.
	row = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM contributions
		 WHERE session_id = $1 AND persona_code = $2 AND sp_index = $3 AND round_number = $4`,
			contributionColumns),
		c.SessionID, c.PersonaCode, c.SPIndex, c.RoundNumber)
	if scanErr := scanContribution(row, &out); scanErr != nil {
		return nil, fmt.Errorf("fetch existing contribution for %s: %w", c.PersonaCode, scanErr)
	}
	return &out, nil
}

// ListContributions returns all contributions for one sub-problem, ordered by round then persona.
func (s *Store) ListContributions(ctx context.Context, sessionID string, spIndex int) ([]contribution.Contribution, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM contributions
		 WHERE session_id = $1 AND sp_index = $2
		 ORDER BY round_number ASC, persona_code ASC`, contributionColumns),
		sessionID, spIndex)
	if err != nil {
		return nil, fmt.Errorf("list contributions for session %s sp %d: %w", sessionID, spIndex, err)
	}
	defer rows.Close()
	return collectContributions(rows)
}

// RoundContributions returns the contributions for one (sub-problem, round).
func (s *Store) RoundContributions(ctx context.Context, sessionID string, spIndex, round int) ([]contribution.Contribution, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM contributions
		 WHERE session_id = $1 AND sp_index = $2 AND round_number = $3
		 ORDER BY persona_code ASC`, contributionColumns),
		sessionID, spIndex, round)
	if err != nil {
		return nil, fmt.Errorf("round contributions for session %s sp %d round %d: %w", sessionID, spIndex, round, err)
	}
	defer rows.Close()
	return collectContributions(rows)
}

func collectContributions(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]contribution.Contribution, error) {
	var contribs []contribution.Contribution
	for rows.Next() {
		var c contribution.Contribution
		if err := scanContribution(rows, &c); err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		contribs = append(contribs, c)
	}
	return contribs, rows.Err()
}

// RollBackStaleContributions flips in_flight rows at or before the
// checkpoint to rolled_back. The checkpoint record is the single source of
// truth for "sub-problem done", so anything still in_flight behind it was
// superseded or abandoned.
func (s *Store) RollBackStaleContributions(ctx context.Context, sessionID string, uptoSPIndex int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE contributions SET status = 'rolled_back', updated_at = now()
		 WHERE session_id = $1 AND sp_index <= $2 AND status = 'in_flight'`,
		sessionID, uptoSPIndex)
	if err != nil {
		return 0, fmt.Errorf("roll back stale contributions for session %s: %w", sessionID, err)
	}
	return tag.RowsAffected(), nil
}

// AdvanceCheckpoint atomically commits a completed sub-problem: every
// in_flight contribution flips to committed, the recommendation is
// upserted, and the session's checkpoint fields and counters advance — all
// in one transaction so a crash can never observe a half-applied checkpoint.
func (s *Store) AdvanceCheckpoint(ctx context.Context, sessionID string, spIndex int, recommendation string) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE contributions SET status = 'committed', updated_at = now()
		 WHERE session_id = $1 AND sp_index = $2 AND status = 'in_flight'`,
		sessionID, spIndex); err != nil {
		return "", fmt.Errorf("commit contributions for sp %d: %w", spIndex, err)
	}

	var recID string
	if err := tx.QueryRow(ctx,
		`INSERT INTO recommendations (session_id, sp_index, content)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, sp_index) DO UPDATE SET content = EXCLUDED.content
		 RETURNING id`,
		sessionID, spIndex, recommendation).Scan(&recID); err != nil {
		return "", fmt.Errorf("upsert recommendation for sp %d: %w", spIndex, err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET last_completed_sp_index = $2, sp_checkpoint_at = now(),
		     round_number = 0,
		     contribution_count = (SELECT count(*) FROM contributions WHERE session_id = $1 AND status = 'committed'),
		     total_cost_usd = (SELECT COALESCE(sum(amount_usd), 0) FROM cost_records WHERE session_id = $1),
		     updated_at = now()
		 WHERE id = $1`,
		sessionID, spIndex)
	if err := execExpectOne(tag, err, "advance checkpoint for session %s", sessionID); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit checkpoint tx: %w", err)
	}
	return recID, nil
}

// ListRecoverySessions returns running sessions flagged for recovery,
// holding an unfinalized termination request, or whose checkpoint lags
// behind committed contributions (inconsistency signal).
func (s *Store) ListRecoverySessions(ctx context.Context) ([]session.Session, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM sessions s
		 WHERE s.status = 'running'
		   AND (s.recovery_needed
		        OR s.requested_termination_type IS NOT NULL
		        OR COALESCE(s.last_completed_sp_index, -1) <
		           (SELECT COALESCE(MAX(c.sp_index), -1) FROM contributions c
		            WHERE c.session_id = s.id AND c.status = 'committed'))
		 ORDER BY s.updated_at ASC`, sessionColumns))
	if err != nil {
		return nil, fmt.Errorf("list recovery sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListRunningSessions returns all sessions in status running. Used by the
// startup scan, which must claim every running session because no driver
// can exist yet in a freshly started process.
func (s *Store) ListRunningSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM sessions WHERE status = 'running' ORDER BY updated_at ASC`, sessionColumns))
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]session.Session, error) {
	var sessions []session.Session
	for rows.Next() {
		var sess session.Session
		if err := scanSession(rows, &sess); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
