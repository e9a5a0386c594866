package service_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rtfm-si/boardroom/internal/domain"
	"github.com/rtfm-si/boardroom/internal/domain/contribution"
	"github.com/rtfm-si/boardroom/internal/domain/cost"
	"github.com/rtfm-si/boardroom/internal/domain/event"
	"github.com/rtfm-si/boardroom/internal/domain/session"
	"github.com/rtfm-si/boardroom/internal/port/advisory"
	"github.com/rtfm-si/boardroom/internal/port/messagequeue"
)

// mockStore is an in-memory database.Store honoring the same CAS and
// idempotency semantics as the Postgres adapter.
type mockStore struct {
	mu            sync.Mutex
	sessions      map[string]*session.Session
	subProblems   map[string][]session.SubProblem
	contributions []*contribution.Contribution
	recs          map[string]map[int]*session.Recommendation
	nextID        int
}

func newMockStore() *mockStore {
	return &mockStore{
		sessions:    make(map[string]*session.Session),
		subProblems: make(map[string][]session.SubProblem),
		recs:        make(map[string]map[int]*session.Recommendation),
	}
}

func (m *mockStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *mockStore) CreateSession(_ context.Context, req session.CreateRequest) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	sess := &session.Session{
		ID:               m.id("sess"),
		ProblemStatement: req.ProblemStatement,
		PanelVariant:     req.PanelVariant,
		Status:           session.StatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.sessions[sess.ID] = sess
	copied := *sess
	return &copied, nil
}

func (m *mockStore) GetSession(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", id, domain.ErrNotFound)
	}
	copied := *sess
	return &copied, nil
}

func (m *mockStore) ListSessions(_ context.Context) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Session
	for _, sess := range m.sessions {
		out = append(out, *sess)
	}
	return out, nil
}

func (m *mockStore) CasSessionStatus(_ context.Context, id string, from []session.Status, to session.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("cas session %s: %w", id, domain.ErrNotFound)
	}
	for _, f := range from {
		if sess.Status == f {
			sess.Status = to
			return nil
		}
	}
	return fmt.Errorf("cas session %s to %s: %w", id, to, domain.ErrConflict)
}

func (m *mockStore) SetSessionDecomposed(_ context.Context, id string, subs []session.SubProblem, expertCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.subProblems[id] = subs
	sess.TotalSubProblems = len(subs)
	sess.ExpertCount = expertCount
	sess.TaskCount = len(subs)
	areas := make(map[string]bool)
	for _, sp := range subs {
		if sp.FocusArea != "" {
			areas[sp.FocusArea] = true
		}
	}
	sess.FocusAreaCount = len(areas)
	if sess.StartedAt == nil {
		now := time.Now()
		sess.StartedAt = &now
	}
	return nil
}

func (m *mockStore) SetSessionRound(_ context.Context, id string, round int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	sess.RoundNumber = round
	return nil
}

func (m *mockStore) SetRecoveryNeeded(_ context.Context, id string, needed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	sess.RecoveryNeeded = needed
	return nil
}

func (m *mockStore) IncrementRecoveryAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	sess.RecoveryAttempts++
	return sess.RecoveryAttempts, nil
}

func (m *mockStore) SetUntrackedCosts(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	sess.HasUntrackedCosts = true
	return nil
}

func (m *mockStore) SetSessionTotalCost(_ context.Context, id string, totalUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	sess.TotalCostUSD = totalUSD
	return nil
}

func (m *mockStore) RequestTermination(_ context.Context, id string, ttype session.TerminationType, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	t := string(ttype)
	sess.RequestedTerminationType = &t
	if reason != "" {
		sess.RequestedTerminationReason = &reason
	}
	return nil
}

func (m *mockStore) FinalizeTermination(_ context.Context, id string, to session.Status, ttype session.TerminationType, reason string, billable float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if sess.Status != session.StatusRunning && sess.Status != session.StatusPaused {
		return fmt.Errorf("finalize termination: %w", domain.ErrConflict)
	}
	now := time.Now()
	t := string(ttype)
	sess.Status = to
	sess.TerminatedAt = &now
	sess.TerminationType = &t
	if reason != "" {
		sess.TerminationReason = &reason
	}
	sess.BillablePortion = &billable
	sess.RequestedTerminationType = nil
	sess.RequestedTerminationReason = nil
	sess.CompletedAt = &now
	return nil
}

func (m *mockStore) FailSession(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if sess.Status != session.StatusRunning {
		return fmt.Errorf("fail session: %w", domain.ErrConflict)
	}
	now := time.Now()
	sess.Status = session.StatusFailed
	sess.FailureReason = &reason
	sess.CompletedAt = &now
	return nil
}

func (m *mockStore) CompleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if sess.Status != session.StatusRunning {
		return fmt.Errorf("complete session: %w", domain.ErrConflict)
	}
	now := time.Now()
	sess.Status = session.StatusCompleted
	sess.CompletedAt = &now
	return nil
}

func (m *mockStore) SoftDeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !sess.Status.Terminal() || sess.Status == session.StatusDeleted {
		return fmt.Errorf("delete session: %w", domain.ErrConflict)
	}
	now := time.Now()
	sess.Status = session.StatusDeleted
	sess.DeletedAt = &now
	return nil
}

func (m *mockStore) ListSubProblems(_ context.Context, sessionID string) ([]session.SubProblem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.SubProblem(nil), m.subProblems[sessionID]...), nil
}

func (m *mockStore) ListRecommendations(_ context.Context, sessionID string) ([]session.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Recommendation
	for _, rec := range m.recs[sessionID] {
		out = append(out, *rec)
	}
	return out, nil
}

func (m *mockStore) CountRecommendations(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs[sessionID]), nil
}

func (m *mockStore) CreateContribution(_ context.Context, c *contribution.Contribution) (*contribution.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.contributions {
		if existing.SessionID == c.SessionID && existing.PersonaCode == c.PersonaCode &&
			existing.SPIndex == c.SPIndex && existing.RoundNumber == c.RoundNumber {
			copied := *existing
			return &copied, nil
		}
	}
	stored := *c
	stored.ID = m.id("contrib")
	stored.Status = contribution.StatusInFlight
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	m.contributions = append(m.contributions, &stored)
	copied := stored
	return &copied, nil
}

func (m *mockStore) ListContributions(_ context.Context, sessionID string, spIndex int) ([]contribution.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contribution.Contribution
	for _, c := range m.contributions {
		if c.SessionID == sessionID && c.SPIndex == spIndex {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *mockStore) RoundContributions(_ context.Context, sessionID string, spIndex, round int) ([]contribution.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contribution.Contribution
	for _, c := range m.contributions {
		if c.SessionID == sessionID && c.SPIndex == spIndex && c.RoundNumber == round {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *mockStore) RollBackStaleContributions(_ context.Context, sessionID string, uptoSPIndex int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.contributions {
		if c.SessionID == sessionID && c.SPIndex <= uptoSPIndex && c.Status == contribution.StatusInFlight {
			c.Status = contribution.StatusRolledBack
			n++
		}
	}
	return n, nil
}

func (m *mockStore) AdvanceCheckpoint(_ context.Context, sessionID string, spIndex int, recommendation string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return "", domain.ErrNotFound
	}
	for _, c := range m.contributions {
		if c.SessionID == sessionID && c.SPIndex == spIndex && c.Status == contribution.StatusInFlight {
			c.Status = contribution.StatusCommitted
		}
	}
	if m.recs[sessionID] == nil {
		m.recs[sessionID] = make(map[int]*session.Recommendation)
	}
	rec, ok := m.recs[sessionID][spIndex]
	if !ok {
		rec = &session.Recommendation{
			ID:        m.id("rec"),
			SessionID: sessionID,
			SPIndex:   spIndex,
			CreatedAt: time.Now(),
		}
		m.recs[sessionID][spIndex] = rec
	}
	rec.Content = recommendation

	idx := spIndex
	now := time.Now()
	sess.LastCompletedSPIndex = &idx
	sess.SPCheckpointAt = &now
	sess.RoundNumber = 0
	count := 0
	for _, c := range m.contributions {
		if c.SessionID == sessionID && c.Status == contribution.StatusCommitted {
			count++
		}
	}
	sess.ContributionCount = count
	return rec.ID, nil
}

func (m *mockStore) ListRecoverySessions(_ context.Context) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Session
	for _, sess := range m.sessions {
		if sess.Status == session.StatusRunning &&
			(sess.RecoveryNeeded || sess.RequestedTerminationType != nil) {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (m *mockStore) ListRunningSessions(_ context.Context) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Session
	for _, sess := range m.sessions {
		if sess.Status == session.StatusRunning {
			out = append(out, *sess)
		}
	}
	return out, nil
}

// mockEvents is an in-memory eventstore.Store assigning sequences per session.
type mockEvents struct {
	mu      sync.Mutex
	events  map[string][]event.SessionEvent
	failing bool
}

func newMockEvents() *mockEvents {
	return &mockEvents{events: make(map[string][]event.SessionEvent)}
}

func (m *mockEvents) Append(_ context.Context, ev *event.SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return fmt.Errorf("append event: store down")
	}
	ev.Sequence = int64(len(m.events[ev.SessionID]) + 1)
	ev.ID = fmt.Sprintf("ev-%s-%d", ev.SessionID, ev.Sequence)
	ev.CreatedAt = time.Now()
	m.events[ev.SessionID] = append(m.events[ev.SessionID], *ev)
	return nil
}

func (m *mockEvents) LoadFrom(_ context.Context, sessionID string, afterSeq int64) ([]event.SessionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.SessionEvent
	for _, ev := range m.events[sessionID] {
		if ev.Sequence > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockEvents) LatestSequence(_ context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events[sessionID])), nil
}

func (m *mockEvents) types(sessionID string) []event.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Type
	for _, ev := range m.events[sessionID] {
		out = append(out, ev.Type)
	}
	return out
}

// mockLedger is an in-memory cost ledger that can be told to fail.
type mockLedger struct {
	mu      sync.Mutex
	records []cost.Record
	failing bool
}

func (m *mockLedger) Record(_ context.Context, rec *cost.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return fmt.Errorf("ledger down")
	}
	rec.ID = fmt.Sprintf("cost-%d", len(m.records)+1)
	rec.CreatedAt = time.Now()
	m.records = append(m.records, *rec)
	return nil
}

func (m *mockLedger) SessionTotal(_ context.Context, sessionID string) (*cost.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := &cost.Summary{SessionID: sessionID}
	for _, rec := range m.records {
		if rec.SessionID == sessionID {
			sum.TotalCostUSD += rec.AmountUSD
			sum.RecordCount++
		}
	}
	return sum, nil
}

// mockQueue records published messages per subject.
type mockQueue struct {
	mu        sync.Mutex
	published map[string]int
}

func newMockQueue() *mockQueue {
	return &mockQueue{published: make(map[string]int)}
}

func (m *mockQueue) Publish(_ context.Context, subject string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[subject]++
	return nil
}

func (m *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (m *mockQueue) Close() error { return nil }

func (m *mockQueue) count(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for subject, c := range m.published {
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			n += c
		}
	}
	return n
}

// mockHub records broadcast events per session.
type mockHub struct {
	mu     sync.Mutex
	events map[string][]event.SessionEvent
}

func newMockHub() *mockHub {
	return &mockHub{events: make(map[string][]event.SessionEvent)}
}

func (m *mockHub) Publish(_ context.Context, ev event.SessionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.SessionID] = append(m.events[ev.SessionID], ev)
}

// fakeAdvisor implements advisory.Advisor with overridable behavior.
type fakeAdvisor struct {
	mu          sync.Mutex
	invocations int

	decompose  func(problem string) (*advisory.Decomposition, error)
	invoke     func(req advisory.InvokeRequest) (*advisory.ContributionPayload, error)
	converge   func(req advisory.ConvergenceRequest) (*advisory.ConvergenceDecision, error)
	synthesize func(req advisory.SynthesisRequest) (*advisory.RecommendationPayload, error)
}

// newFakeAdvisor returns an advisor that decomposes into n sub-problems,
// answers every persona, converges after the first round and synthesizes.
func newFakeAdvisor(n int) *fakeAdvisor {
	return &fakeAdvisor{
		decompose: func(string) (*advisory.Decomposition, error) {
			specs := make([]advisory.SubProblemSpec, n)
			for i := range specs {
				specs[i] = advisory.SubProblemSpec{Title: fmt.Sprintf("part %d", i), FocusArea: "finance"}
			}
			return &advisory.Decomposition{SubProblems: specs, CostUSD: 0.01}, nil
		},
		invoke: func(req advisory.InvokeRequest) (*advisory.ContributionPayload, error) {
			return &advisory.ContributionPayload{
				Content: req.PersonaCode + " says proceed", CostUSD: 0.005, TokensIn: 10, TokensOut: 20,
			}, nil
		},
		converge: func(advisory.ConvergenceRequest) (*advisory.ConvergenceDecision, error) {
			return &advisory.ConvergenceDecision{Continue: false, CostUSD: 0.001}, nil
		},
		synthesize: func(req advisory.SynthesisRequest) (*advisory.RecommendationPayload, error) {
			return &advisory.RecommendationPayload{
				Content: fmt.Sprintf("recommendation for part %d", req.SPIndex), CostUSD: 0.002,
			}, nil
		},
	}
}

func (f *fakeAdvisor) Decompose(_ context.Context, problem string) (*advisory.Decomposition, error) {
	return f.decompose(problem)
}

func (f *fakeAdvisor) InvokePersona(_ context.Context, req advisory.InvokeRequest) (*advisory.ContributionPayload, error) {
	f.mu.Lock()
	f.invocations++
	f.mu.Unlock()
	return f.invoke(req)
}

func (f *fakeAdvisor) ShouldContinue(_ context.Context, req advisory.ConvergenceRequest) (*advisory.ConvergenceDecision, error) {
	return f.converge(req)
}

func (f *fakeAdvisor) Synthesize(_ context.Context, req advisory.SynthesisRequest) (*advisory.RecommendationPayload, error) {
	return f.synthesize(req)
}
