package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rtfm-si/boardroom/internal/adapter/otel"
	"github.com/rtfm-si/boardroom/internal/config"
	"github.com/rtfm-si/boardroom/internal/domain/event"
	"github.com/rtfm-si/boardroom/internal/domain/session"
	"github.com/rtfm-si/boardroom/internal/port/database"
)

// RecoveryService repairs sessions left running by a crashed process and
// resumes them from the last checkpoint. Repairs are idempotent: rolling
// back already-rolled-back rows and re-driving a checkpointed session are
// both no-ops.
type RecoveryService struct {
	store   database.Store
	seq     *SequencerService
	driver  *DeliberationService
	term    *TerminationService
	cfg     *config.Recovery
	metrics *otel.Metrics
}

// NewRecoveryService creates a RecoveryService. metrics may be nil.
func NewRecoveryService(store database.Store, seq *SequencerService, driver *DeliberationService, term *TerminationService, cfg *config.Recovery, metrics *otel.Metrics) *RecoveryService {
	return &RecoveryService{store: store, seq: seq, driver: driver, term: term, cfg: cfg, metrics: metrics}
}

// StartupScan claims every running session. A freshly started process can
// have no drivers yet, so every running row is an orphan from a previous
// process and gets repaired and re-driven.
func (s *RecoveryService) StartupScan(ctx context.Context) error {
	sessions, err := s.store.ListRunningSessions(ctx)
	if err != nil {
		return fmt.Errorf("startup scan: %w", err)
	}

	slog.Info("startup recovery scan", "running_sessions", len(sessions))
	for i := range sessions {
		s.recover(ctx, &sessions[i])
	}
	return nil
}

// Run periodically scans for sessions flagged for recovery until the
// context is cancelled. Sessions this process already drives are skipped;
// their driver owns them.
func (s *RecoveryService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, err := s.store.ListRecoverySessions(ctx)
			if err != nil {
				slog.Error("recovery scan failed", "error", err)
				continue
			}
			for i := range sessions {
				if s.driver.Driving(sessions[i].ID) {
					continue
				}
				s.recover(ctx, &sessions[i])
			}
		}
	}
}

// recover repairs one session and resumes its driver. A session whose
// crash interrupted a termination is re-finalized instead of re-driven.
func (s *RecoveryService) recover(ctx context.Context, sess *session.Session) {
	log := slog.With("session_id", sess.ID)

	if sess.RequestedTerminationType != nil {
		ttype := session.TerminationType(*sess.RequestedTerminationType)
		reason := ""
		if sess.RequestedTerminationReason != nil {
			reason = *sess.RequestedTerminationReason
		}
		log.Info("re-finalizing interrupted termination", "type", ttype)
		if err := s.term.Finalize(ctx, sess, ttype, reason, "recovery"); err != nil {
			log.Error("re-finalize failed", "error", err)
		}
		return
	}

	repaired, err := s.repair(ctx, sess, log)
	if err != nil {
		log.Error("repair failed", "error", err)
		return
	}

	if repaired || sess.RecoveryNeeded {
		attempts, err := s.store.IncrementRecoveryAttempts(ctx, sess.ID)
		if err != nil {
			log.Error("count recovery attempt failed", "error", err)
			return
		}
		if attempts > s.cfg.MaxAttempts {
			reason := fmt.Sprintf("recovery attempts exhausted after %d tries", attempts)
			log.Error("abandoning session", "reason", reason)
			if err := s.store.FailSession(ctx, sess.ID, reason); err != nil {
				log.Error("persist failure failed", "error", err)
				return
			}
			if _, err := s.seq.Emit(ctx, sess.ID, event.TypeSessionFailed, event.FailurePayload{Reason: reason}); err != nil {
				log.Error("emit failure event failed", "error", err)
			}
			s.seq.Release(sess.ID)
			if s.metrics != nil {
				s.metrics.SessionsFailed.Add(ctx, 1)
			}
			return
		}

		if err := s.store.SetRecoveryNeeded(ctx, sess.ID, false); err != nil {
			log.Error("clear recovery flag failed", "error", err)
			return
		}
		if s.metrics != nil {
			s.metrics.RecoveryRepairs.Add(ctx, 1)
		}
	}

	log.Info("resuming session", "checkpoint", sess.LastCompletedSPIndex, "round", sess.RoundNumber)
	s.driver.Drive(sess.ID)
}

// repair restores the two-phase contribution invariant: everything at or
// behind the checkpoint is either committed (the checkpoint transaction
// did it) or stale in_flight work that now rolls back. In-flight rows for
// the current sub-problem are kept; the replayed round credits them
// through the idempotent insert.
func (s *RecoveryService) repair(ctx context.Context, sess *session.Session, log *slog.Logger) (bool, error) {
	if sess.LastCompletedSPIndex == nil {
		return false, nil
	}

	rolled, err := s.store.RollBackStaleContributions(ctx, sess.ID, *sess.LastCompletedSPIndex)
	if err != nil {
		return false, err
	}
	if rolled > 0 {
		log.Info("rolled back stale contributions", "count", rolled, "upto_sp", *sess.LastCompletedSPIndex)
	}
	return rolled > 0, nil
}
