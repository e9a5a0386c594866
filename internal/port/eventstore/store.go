// Package eventstore defines the port interface for the append-only,
// per-session ordered event log.
package eventstore

import (
	"context"

	"github.com/rtfm-si/boardroom/internal/domain/event"
)

// Store is the port interface for appending and replaying session events.
type Store interface {
	// Append durably persists the event and assigns its Sequence, ID and
	// CreatedAt in place. The sequence is computed inside the durable
	// insert so a failed write never consumes a number.
	Append(ctx context.Context, ev *event.SessionEvent) error

	// LoadFrom returns all events for the session with sequence > afterSeq,
	// ordered by sequence ascending. afterSeq 0 replays from the beginning.
	LoadFrom(ctx context.Context, sessionID string, afterSeq int64) ([]event.SessionEvent, error)

	// LatestSequence returns the highest assigned sequence for the session,
	// or 0 when no events exist.
	LatestSequence(ctx context.Context, sessionID string) (int64, error)
}
