// Package ledger defines the port interface for the cost attribution ledger.
package ledger

import (
	"context"

	"github.com/rtfm-si/boardroom/internal/domain/cost"
)

// Ledger is the port interface for recording and aggregating cost entries.
// Records are append-only and immutable.
type Ledger interface {
	// Record persists one cost entry, assigning its ID and CreatedAt.
	Record(ctx context.Context, rec *cost.Record) error

	// SessionTotal returns the aggregate cost for the session.
	SessionTotal(ctx context.Context, sessionID string) (*cost.Summary, error)
}
