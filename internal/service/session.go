package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rtfm-si/boardroom/internal/domain"
	"github.com/rtfm-si/boardroom/internal/domain/contribution"
	"github.com/rtfm-si/boardroom/internal/domain/event"
	"github.com/rtfm-si/boardroom/internal/domain/session"
	"github.com/rtfm-si/boardroom/internal/port/database"
	"github.com/rtfm-si/boardroom/internal/port/eventstore"
)

// SessionService handles the session lifecycle operations exposed over the
// API: create, start, pause, resume, delete and the read surface. Driving
// the actual deliberation is delegated to the DeliberationService.
type SessionService struct {
	store  database.Store
	events eventstore.Store
	seq    *SequencerService
	driver *DeliberationService
}

// NewSessionService creates a SessionService.
func NewSessionService(store database.Store, events eventstore.Store, seq *SequencerService, driver *DeliberationService) *SessionService {
	return &SessionService{store: store, events: events, seq: seq, driver: driver}
}

// Create validates and persists a new session in status created.
func (s *SessionService) Create(ctx context.Context, req session.CreateRequest) (*session.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sess, err := s.store.CreateSession(ctx, req)
	if err != nil {
		return nil, err
	}

	if _, err := s.seq.Emit(ctx, sess.ID, event.TypeSessionCreated, nil); err != nil {
		return nil, fmt.Errorf("emit session created: %w", err)
	}
	return sess, nil
}

// Get returns one session.
func (s *SessionService) Get(ctx context.Context, id string) (*session.Session, error) {
	return s.store.GetSession(ctx, id)
}

// List returns all sessions, newest first.
func (s *SessionService) List(ctx context.Context) ([]session.Session, error) {
	return s.store.ListSessions(ctx)
}

// Start CASes created -> running and spawns the session driver. The CAS is
// the mutual exclusion: only one caller transitions the session, and a
// start that loses to an already running or completed session is a no-op
// rather than an error.
func (s *SessionService) Start(ctx context.Context, id string) (*session.Session, error) {
	if err := s.store.CasSessionStatus(ctx, id, []session.Status{session.StatusCreated}, session.StatusRunning); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		sess, getErr := s.store.GetSession(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if sess.Status == session.StatusRunning || sess.Status == session.StatusCompleted {
			return sess, nil
		}
		return nil, err
	}

	if _, err := s.seq.Emit(ctx, id, event.TypeSessionStarted, nil); err != nil {
		return nil, fmt.Errorf("emit session started: %w", err)
	}

	s.driver.Drive(id)
	return s.store.GetSession(ctx, id)
}

// Pause CASes running -> paused. The driver observes the status at its
// next suspension point, finishes the in-flight round cleanly and exits.
func (s *SessionService) Pause(ctx context.Context, id string) (*session.Session, error) {
	if err := s.store.CasSessionStatus(ctx, id, []session.Status{session.StatusRunning}, session.StatusPaused); err != nil {
		return nil, err
	}

	if _, err := s.seq.Emit(ctx, id, event.TypeSessionPaused, nil); err != nil {
		return nil, fmt.Errorf("emit session paused: %w", err)
	}
	return s.store.GetSession(ctx, id)
}

// Resume CASes paused -> running and re-spawns the driver, which picks up
// from the last checkpoint.
func (s *SessionService) Resume(ctx context.Context, id string) (*session.Session, error) {
	if err := s.store.CasSessionStatus(ctx, id, []session.Status{session.StatusPaused}, session.StatusRunning); err != nil {
		return nil, err
	}

	if _, err := s.seq.Emit(ctx, id, event.TypeSessionResumed, nil); err != nil {
		return nil, fmt.Errorf("emit session resumed: %w", err)
	}

	s.driver.Drive(id)
	return s.store.GetSession(ctx, id)
}

// Delete soft-deletes a session. Only terminal sessions (and never-started
// ones) can be deleted; a running session must be terminated first.
func (s *SessionService) Delete(ctx context.Context, id string) error {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusCreated {
		if err := s.store.CasSessionStatus(ctx, id, []session.Status{session.StatusCreated}, session.StatusDeleted); err != nil {
			return err
		}
	} else {
		if !session.CanTransition(sess.Status, session.StatusDeleted) {
			return fmt.Errorf("delete session in status %s: %w", sess.Status, domain.ErrInvalidTransition)
		}
		if err := s.store.SoftDeleteSession(ctx, id); err != nil {
			return err
		}
	}

	if _, err := s.seq.Emit(ctx, id, event.TypeSessionDeleted, nil); err != nil {
		return fmt.Errorf("emit session deleted: %w", err)
	}
	s.seq.Release(id)
	return nil
}

// SubProblems returns the decomposition of a session.
func (s *SessionService) SubProblems(ctx context.Context, id string) ([]session.SubProblem, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListSubProblems(ctx, id)
}

// Recommendations returns the synthesis outputs of a session.
func (s *SessionService) Recommendations(ctx context.Context, id string) ([]session.Recommendation, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListRecommendations(ctx, id)
}

// Contributions returns every contribution for one sub-problem.
func (s *SessionService) Contributions(ctx context.Context, id string, spIndex int) ([]contribution.Contribution, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListContributions(ctx, id, spIndex)
}

// Events replays the session's ordered event stream after the given sequence.
func (s *SessionService) Events(ctx context.Context, id string, afterSeq int64) ([]event.SessionEvent, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.events.LoadFrom(ctx, id, afterSeq)
}
