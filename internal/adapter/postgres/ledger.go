package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rtfm-si/boardroom/internal/domain/cost"
)

// Ledger persists per-feature cost records.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Record inserts a cost record and fills in its assigned ID and CreatedAt.
func (l *Ledger) Record(ctx context.Context, rec *cost.Record) error {
	err := l.pool.QueryRow(ctx,
		`INSERT INTO cost_records (session_id, contribution_id, recommendation_id, sp_index, feature, amount_usd)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		rec.SessionID, rec.ContributionID, rec.RecommendationID, rec.SPIndex,
		string(rec.Feature), rec.AmountUSD).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record %s cost for session %s: %w", rec.Feature, rec.SessionID, err)
	}
	return nil
}

// SessionTotal sums every recorded cost for a session.
func (l *Ledger) SessionTotal(ctx context.Context, sessionID string) (*cost.Summary, error) {
	sum := &cost.Summary{SessionID: sessionID}
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(sum(amount_usd), 0)::float8, count(*)
		 FROM cost_records WHERE session_id = $1`,
		sessionID).Scan(&sum.TotalCostUSD, &sum.RecordCount)
	if err != nil {
		return nil, fmt.Errorf("total cost for session %s: %w", sessionID, err)
	}
	return sum, nil
}
