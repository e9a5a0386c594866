package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rtfm-si/boardroom/internal/domain/event"
)

// EventStore persists the per-session ordered event stream.
//
// Sequence numbers are assigned inside the INSERT so the unique constraint
// on (session_id, sequence) is the arbiter: two concurrent appends for the
// same session race on the same next sequence, one wins, the other retries.
type EventStore struct {
	pool *pgxpool.Pool
}

func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// appendAttempts bounds the unique-violation retry loop. The sequencer
// serializes appends per session in-process, so contention only occurs
// across processes during recovery handoff.
const appendAttempts = 5

// Append durably inserts the event and fills in its assigned ID, Sequence
// and CreatedAt.
func (es *EventStore) Append(ctx context.Context, ev *event.SessionEvent) error {
	var lastErr error
	for i := 0; i < appendAttempts; i++ {
		err := es.pool.QueryRow(ctx,
			`INSERT INTO session_events (session_id, sequence, event_type, payload)
			 VALUES ($1,
			         (SELECT COALESCE(MAX(sequence), 0) + 1 FROM session_events WHERE session_id = $1),
			         $2, $3)
			 RETURNING id, sequence, created_at`,
			ev.SessionID, string(ev.Type), ev.Payload).
			Scan(&ev.ID, &ev.Sequence, &ev.CreatedAt)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("append event %s for session %s: %w", ev.Type, ev.SessionID, err)
		}
		lastErr = err
	}
	return fmt.Errorf("append event %s for session %s: contention exhausted: %w", ev.Type, ev.SessionID, lastErr)
}

// LoadFrom returns events with sequence greater than afterSeq, in order.
func (es *EventStore) LoadFrom(ctx context.Context, sessionID string, afterSeq int64) ([]event.SessionEvent, error) {
	rows, err := es.pool.Query(ctx,
		`SELECT id, session_id, sequence, event_type, payload, created_at
		 FROM session_events
		 WHERE session_id = $1 AND sequence > $2
		 ORDER BY sequence ASC`,
		sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("load events for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var events []event.SessionEvent
	for rows.Next() {
		var ev event.SessionEvent
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Sequence, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest assigned sequence for a session, or 0.
func (es *EventStore) LatestSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := es.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM session_events WHERE session_id = $1`,
		sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence for session %s: %w", sessionID, err)
	}
	return seq, nil
}
