package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/rtfm-si/boardroom/internal/config"
	"github.com/rtfm-si/boardroom/internal/domain/session"
	"github.com/rtfm-si/boardroom/internal/port/advisory"
	"github.com/rtfm-si/boardroom/internal/service"
)

// harness wires the full service graph over in-memory mocks.
type harness struct {
	store    *mockStore
	events   *mockEvents
	queue    *mockQueue
	hub      *mockHub
	ledger   *mockLedger
	seq      *service.SequencerService
	costs    *service.CostService
	driver   *service.DeliberationService
	term     *service.TerminationService
	sessions *service.SessionService
	recovery *service.RecoveryService
}

func fastDeliberation() *config.Deliberation {
	return &config.Deliberation{
		MaxRounds:         3,
		Quorum:            0,
		PersonaTimeout:    2 * time.Second,
		RoundTimeout:      5 * time.Second,
		TaskRetries:       1,
		RetryBase:         time.Millisecond,
		CheckpointRetries: 2,
	}
}

func newHarness(advisor advisory.Advisor, cfg *config.Deliberation) *harness {
	if cfg == nil {
		cfg = fastDeliberation()
	}
	h := &harness{
		store:  newMockStore(),
		events: newMockEvents(),
		queue:  newMockQueue(),
		hub:    newMockHub(),
		ledger: &mockLedger{},
	}
	h.seq = service.NewSequencerService(h.events, h.hub, h.queue)
	h.costs = service.NewCostService(h.ledger, h.store, nil, h.queue, time.Second)
	h.driver = service.NewDeliberationService(h.store, h.seq, h.costs, advisor, cfg, nil)
	h.term = service.NewTerminationService(h.store, h.seq, h.queue, h.driver, nil)
	h.driver.SetTerminator(h.term)
	h.sessions = service.NewSessionService(h.store, h.events, h.seq, h.driver)
	h.recovery = service.NewRecoveryService(h.store, h.seq, h.driver, h.term,
		&config.Recovery{ScanInterval: 10 * time.Millisecond, MaxAttempts: 2}, nil)
	return h
}

// createRunning creates and starts a session.
func (h *harness) createRunning(t *testing.T, variant int) *session.Session {
	t.Helper()
	sess, err := h.sessions.Create(context.Background(), session.CreateRequest{
		ProblemStatement: "should we expand into the nordic market",
		PanelVariant:     variant,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := h.sessions.Start(context.Background(), sess.ID); err != nil {
		t.Fatalf("start session: %v", err)
	}
	return sess
}

// waitStatus polls until the session reaches the wanted status.
func (h *harness) waitStatus(t *testing.T, id string, want session.Status) *session.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := h.store.GetSession(context.Background(), id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.Status == want {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess, _ := h.store.GetSession(context.Background(), id)
	t.Fatalf("session %s never reached %s (stuck at %s)", id, want, sess.Status)
	return nil
}

// waitIdle polls until no driver exists for the session.
func (h *harness) waitIdle(t *testing.T, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !h.driver.Driving(id) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("driver for %s never exited", id)
}
