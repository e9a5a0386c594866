package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rtfm-si/boardroom/internal/adapter/otel"
	"github.com/rtfm-si/boardroom/internal/domain"
	"github.com/rtfm-si/boardroom/internal/domain/event"
	"github.com/rtfm-si/boardroom/internal/domain/session"
	"github.com/rtfm-si/boardroom/internal/port/database"
	"github.com/rtfm-si/boardroom/internal/port/messagequeue"
)

// Canceller aborts an in-process session driver and reports whether one
// is live. Implemented by the DeliberationService.
type Canceller interface {
	Cancel(sessionID string)
	Driving(sessionID string) bool
}

// auditRecord is published to the audit subject for every finalized
// termination or kill.
type auditRecord struct {
	SessionID       string    `json:"session_id"`
	Type            string    `json:"type"`
	Reason          string    `json:"reason,omitempty"`
	Actor           string    `json:"actor"`
	FinalStatus     string    `json:"final_status"`
	BillablePortion float64   `json:"billable_portion"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// TerminationService handles early session termination: user cancellation,
// blocker escalation, best-effort wrap-up and administrative or budget
// kills. Graceful types let the in-flight round finish; abandoning types
// cut the driver immediately.
type TerminationService struct {
	store     database.Store
	seq       *SequencerService
	queue     messagequeue.Queue
	canceller Canceller
	metrics   *otel.Metrics
}

// NewTerminationService creates a TerminationService. queue and metrics may be nil.
func NewTerminationService(store database.Store, seq *SequencerService, queue messagequeue.Queue, canceller Canceller, metrics *otel.Metrics) *TerminationService {
	return &TerminationService{store: store, seq: seq, queue: queue, canceller: canceller, metrics: metrics}
}

// Request records a termination request for a session. Graceful types are
// finalized by a live driver at its next suspension point; abandoning
// types, paused sessions and sessions with no driver in this process
// finalize immediately.
func (s *TerminationService) Request(ctx context.Context, id string, ttype session.TerminationType, reason, actor string) (*session.Session, error) {
	if !ttype.Valid() {
		return nil, fmt.Errorf("unknown termination type %q: %w", ttype, domain.ErrValidation)
	}

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusRunning && sess.Status != session.StatusPaused {
		return nil, fmt.Errorf("terminate session in status %s: %w", sess.Status, domain.ErrInvalidTransition)
	}

	if err := s.store.RequestTermination(ctx, id, ttype, reason); err != nil {
		return nil, err
	}

	// Paused sessions have no driver to observe the request; abandoning
	// types do not wait for one. A running session without a live driver
	// (a driver that exited on a store error) would otherwise hold the
	// request forever.
	driving := s.canceller != nil && s.canceller.Driving(id)
	if sess.Status == session.StatusPaused || ttype.Abandons() || !driving {
		if s.canceller != nil {
			s.canceller.Cancel(id)
		}
		if err := s.Finalize(ctx, sess, ttype, reason, actor); err != nil {
			return nil, err
		}
	}

	return s.store.GetSession(ctx, id)
}

// Finalize computes the billing outcome, emits the terminal event, CASes
// the session into terminated or killed and publishes the audit record.
func (s *TerminationService) Finalize(ctx context.Context, sess *session.Session, ttype session.TerminationType, reason, actor string) error {
	completed := sess.CompletedSPCount()
	if ttype == session.TerminationContinueBestEffort {
		// Best-effort wrap-up bills everything that produced a durable
		// recommendation, which may exceed the checkpoint if synthesis
		// landed without its checkpoint advancing.
		if n, err := s.store.CountRecommendations(ctx, sess.ID); err == nil && n > completed {
			completed = n
		}
	}
	billable := session.Billable(completed, sess.TotalSubProblems)

	to := session.StatusTerminated
	evType := event.TypeSessionTerminated
	if ttype.Kills() {
		to = session.StatusKilled
		evType = event.TypeSessionKilled
	}

	// Event first: a crash between the event and the CAS leaves a running
	// session with a terminal event, which the recovery scan re-finalizes
	// from the still-pending request fields. The reverse order would lose
	// the event forever.
	if _, err := s.seq.Emit(ctx, sess.ID, evType, event.TerminationPayload{
		Type:            string(ttype),
		Reason:          reason,
		Actor:           actor,
		BillablePortion: billable,
	}); err != nil {
		return fmt.Errorf("emit terminal event: %w", err)
	}

	if err := s.store.FinalizeTermination(ctx, sess.ID, to, ttype, reason, billable); err != nil {
		return err
	}
	s.seq.Release(sess.ID)

	s.audit(ctx, auditRecord{
		SessionID:       sess.ID,
		Type:            string(ttype),
		Reason:          reason,
		Actor:           actor,
		FinalStatus:     string(to),
		BillablePortion: billable,
		OccurredAt:      time.Now().UTC(),
	})

	if s.metrics != nil {
		if to == session.StatusKilled {
			s.metrics.SessionsKilled.Add(ctx, 1)
		} else {
			s.metrics.SessionsTerminated.Add(ctx, 1)
		}
	}

	slog.Info("session finalized",
		"session_id", sess.ID, "status", to, "type", ttype, "actor", actor, "billable_portion", billable)
	return nil
}

func (s *TerminationService) audit(ctx context.Context, rec auditRecord) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err == nil {
		err = s.queue.Publish(ctx, messagequeue.SubjectSessionAudit+"."+rec.SessionID, data)
	}
	if err != nil {
		slog.Warn("audit publish failed", "session_id", rec.SessionID, "error", err)
	}
}
