// Package session defines the Session aggregate and its lifecycle state machine.
package session

import (
	"fmt"
	"time"

	"github.com/rtfm-si/boardroom/internal/domain"
)

// Status is the lifecycle phase of a deliberation session.
type Status string

const (
	StatusCreated    Status = "created"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusKilled     Status = "killed"
	StatusTerminated Status = "terminated"
	StatusDeleted    Status = "deleted"
)

// transitions is the legal lifecycle edge set. A status absent from the
// map has no outgoing edges.
var transitions = map[Status][]Status{
	StatusCreated:    {StatusRunning, StatusDeleted},
	StatusRunning:    {StatusPaused, StatusCompleted, StatusFailed, StatusKilled, StatusTerminated},
	StatusPaused:     {StatusRunning, StatusKilled, StatusTerminated},
	StatusCompleted:  {StatusDeleted},
	StatusFailed:     {StatusDeleted},
	StatusKilled:     {StatusDeleted},
	StatusTerminated: {StatusDeleted},
}

// CanTransition reports whether the lifecycle state machine permits
// moving from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further deliberation can happen in this status.
// Terminated sessions retain their data for review but accept no new rounds.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled, StatusTerminated, StatusDeleted:
		return true
	}
	return false
}

// TerminationType classifies why a session was cut short.
type TerminationType string

const (
	TerminationBlockerIdentified  TerminationType = "blocker_identified"
	TerminationUserCancelled      TerminationType = "user_cancelled"
	TerminationContinueBestEffort TerminationType = "continue_best_effort"
	TerminationAdminTerminated    TerminationType = "admin_terminated"
	TerminationCostExceeded       TerminationType = "cost_exceeded"
	TerminationDurationExceeded   TerminationType = "duration_exceeded"
)

// Valid reports whether t is a known termination type.
func (t TerminationType) Valid() bool {
	switch t {
	case TerminationBlockerIdentified, TerminationUserCancelled, TerminationContinueBestEffort,
		TerminationAdminTerminated, TerminationCostExceeded, TerminationDurationExceeded:
		return true
	}
	return false
}

// Abandons reports whether an in-flight round is dropped immediately
// instead of being allowed to finish for a clean record.
func (t TerminationType) Abandons() bool {
	switch t {
	case TerminationCostExceeded, TerminationDurationExceeded, TerminationAdminTerminated:
		return true
	}
	return false
}

// Kills reports whether the terminal status is killed (admin/budget cases)
// rather than terminated (user/blocker cases).
func (t TerminationType) Kills() bool {
	switch t {
	case TerminationAdminTerminated, TerminationCostExceeded, TerminationDurationExceeded:
		return true
	}
	return false
}

// Session is one end-to-end deliberation instance.
type Session struct {
	ID               string `json:"id"`
	ProblemStatement string `json:"problem_statement"`
	PanelVariant     int    `json:"panel_variant"` // 3 or 5, fixed at creation
	Status           Status `json:"status"`

	RoundNumber      int `json:"round_number"`
	TotalSubProblems int `json:"total_sub_problems"`

	// Checkpoint is the durable recovery anchor. It advances only after
	// every contribution for a sub-problem is committed and the
	// sub-problem's recommendation is persisted.
	LastCompletedSPIndex *int       `json:"last_completed_sp_index,omitempty"`
	SPCheckpointAt       *time.Time `json:"sp_checkpoint_at,omitempty"`

	RecoveryNeeded    bool `json:"recovery_needed"`
	RecoveryAttempts  int  `json:"recovery_attempts"`
	HasUntrackedCosts bool `json:"has_untracked_costs"`

	RequestedTerminationType   *string `json:"requested_termination_type,omitempty"`
	RequestedTerminationReason *string `json:"requested_termination_reason,omitempty"`

	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	TerminationType   *string    `json:"termination_type,omitempty"`
	TerminationReason *string    `json:"termination_reason,omitempty"`
	BillablePortion   *float64   `json:"billable_portion,omitempty"`
	FailureReason     *string    `json:"failure_reason,omitempty"`

	ExpertCount       int     `json:"expert_count"`
	ContributionCount int     `json:"contribution_count"`
	FocusAreaCount    int     `json:"focus_area_count"`
	TaskCount         int     `json:"task_count"`
	TotalCostUSD      float64 `json:"total_cost_usd"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NextSPIndex returns the index of the first sub-problem not yet checkpointed.
func (s *Session) NextSPIndex() int {
	if s.LastCompletedSPIndex == nil {
		return 0
	}
	return *s.LastCompletedSPIndex + 1
}

// CompletedSPCount returns the number of sub-problems past the checkpoint.
func (s *Session) CompletedSPCount() int {
	if s.LastCompletedSPIndex == nil {
		return 0
	}
	return *s.LastCompletedSPIndex + 1
}

// CreateRequest carries the inputs for a new session.
type CreateRequest struct {
	ProblemStatement string `json:"problem_statement"`
	PanelVariant     int    `json:"panel_variant"`
}

// Validate checks the create request against domain rules.
func (r *CreateRequest) Validate() error {
	if r.ProblemStatement == "" {
		return fmt.Errorf("%w: problem_statement is required", domain.ErrValidation)
	}
	if r.PanelVariant != 3 && r.PanelVariant != 5 {
		return fmt.Errorf("%w: panel_variant must be 3 or 5", domain.ErrValidation)
	}
	return nil
}

// Billable computes the billable fraction of planned work, clamped to [0,1].
func Billable(completed, total int) float64 {
	if total <= 0 || completed <= 0 {
		return 0
	}
	p := float64(completed) / float64(total)
	if p > 1 {
		return 1
	}
	return p
}
