package session_test

import (
	"testing"

	"github.com/rtfm-si/boardroom/internal/domain/session"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to session.Status
		want     bool
	}{
		{session.StatusCreated, session.StatusRunning, true},
		{session.StatusRunning, session.StatusPaused, true},
		{session.StatusPaused, session.StatusRunning, true},
		{session.StatusRunning, session.StatusCompleted, true},
		{session.StatusRunning, session.StatusFailed, true},
		{session.StatusRunning, session.StatusKilled, true},
		{session.StatusRunning, session.StatusTerminated, true},
		{session.StatusPaused, session.StatusTerminated, true},
		{session.StatusCompleted, session.StatusDeleted, true},
		{session.StatusFailed, session.StatusDeleted, true},
		{session.StatusKilled, session.StatusDeleted, true},
		{session.StatusTerminated, session.StatusDeleted, true},

		{session.StatusCompleted, session.StatusRunning, false},
		{session.StatusFailed, session.StatusRunning, false},
		{session.StatusKilled, session.StatusRunning, false},
		{session.StatusTerminated, session.StatusRunning, false},
		{session.StatusDeleted, session.StatusRunning, false},
		{session.StatusCreated, session.StatusCompleted, false},
		{session.StatusCreated, session.StatusPaused, false},
		{session.StatusPaused, session.StatusCompleted, false},
	}

	for _, tt := range tests {
		if got := session.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []session.Status{
		session.StatusCompleted, session.StatusFailed, session.StatusKilled,
		session.StatusTerminated, session.StatusDeleted,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	active := []session.Status{session.StatusCreated, session.StatusRunning, session.StatusPaused}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestTerminationType(t *testing.T) {
	tests := []struct {
		t        session.TerminationType
		valid    bool
		kills    bool
		abandons bool
	}{
		{session.TerminationBlockerIdentified, true, false, false},
		{session.TerminationUserCancelled, true, false, false},
		{session.TerminationContinueBestEffort, true, false, false},
		{session.TerminationAdminTerminated, true, true, true},
		{session.TerminationCostExceeded, true, true, true},
		{session.TerminationDurationExceeded, true, true, true},
		{session.TerminationType("bogus"), false, false, false},
	}

	for _, tt := range tests {
		if got := tt.t.Valid(); got != tt.valid {
			t.Errorf("%s.Valid() = %v, want %v", tt.t, got, tt.valid)
		}
		if got := tt.t.Kills(); got != tt.kills {
			t.Errorf("%s.Kills() = %v, want %v", tt.t, got, tt.kills)
		}
		if got := tt.t.Abandons(); got != tt.abandons {
			t.Errorf("%s.Abandons() = %v, want %v", tt.t, got, tt.abandons)
		}
	}
}

func TestBillableBounds(t *testing.T) {
	tests := []struct {
		completed, total int
		want             float64
	}{
		{0, 4, 0},
		{1, 4, 0.25},
		{2, 4, 0.5},
		{4, 4, 1},
		{5, 4, 1},  // clamped
		{-1, 4, 0}, // clamped
		{1, 0, 0},  // no planned work
	}

	for _, tt := range tests {
		got := session.Billable(tt.completed, tt.total)
		if got != tt.want {
			t.Errorf("Billable(%d, %d) = %v, want %v", tt.completed, tt.total, got, tt.want)
		}
		if got < 0 || got > 1 {
			t.Errorf("Billable(%d, %d) = %v out of [0,1]", tt.completed, tt.total, got)
		}
	}
}

func TestCreateRequestValidate(t *testing.T) {
	valid := session.CreateRequest{ProblemStatement: "expand into APAC", PanelVariant: 3}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	missing := session.CreateRequest{PanelVariant: 5}
	if err := missing.Validate(); err == nil {
		t.Fatal("expected error for missing problem statement")
	}

	badVariant := session.CreateRequest{ProblemStatement: "x", PanelVariant: 4}
	if err := badVariant.Validate(); err == nil {
		t.Fatal("expected error for panel_variant 4")
	}
}

func TestNextSPIndex(t *testing.T) {
	s := &session.Session{}
	if got := s.NextSPIndex(); got != 0 {
		t.Fatalf("expected 0 before any checkpoint, got %d", got)
	}
	if got := s.CompletedSPCount(); got != 0 {
		t.Fatalf("expected 0 completed, got %d", got)
	}

	idx := 1
	s.LastCompletedSPIndex = &idx
	if got := s.NextSPIndex(); got != 2 {
		t.Fatalf("expected 2 after checkpoint at 1, got %d", got)
	}
	if got := s.CompletedSPCount(); got != 2 {
		t.Fatalf("expected 2 completed, got %d", got)
	}
}
