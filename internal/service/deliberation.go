package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rtfm-si/boardroom/internal/adapter/otel"
	"github.com/rtfm-si/boardroom/internal/config"
	"github.com/rtfm-si/boardroom/internal/domain/contribution"
	"github.com/rtfm-si/boardroom/internal/domain/cost"
	"github.com/rtfm-si/boardroom/internal/domain/event"
	"github.com/rtfm-si/boardroom/internal/domain/persona"
	"github.com/rtfm-si/boardroom/internal/domain/session"
	"github.com/rtfm-si/boardroom/internal/port/advisory"
	"github.com/rtfm-si/boardroom/internal/port/database"
)

// maxSubProblems caps the decomposition. An advisor returning more keeps
// only the first five, in order.
const maxSubProblems = 5

// DeliberationService drives sessions through decomposition, rounds,
// synthesis and checkpointing. At most one driver goroutine exists per
// session in this process; the status CAS excludes drivers in other
// processes.
type DeliberationService struct {
	store   database.Store
	seq     *SequencerService
	costs   *CostService
	advisor advisory.Advisor
	cfg     *config.Deliberation
	metrics *otel.Metrics
	term    *TerminationService

	mu      sync.Mutex
	drivers map[string]context.CancelFunc
}

// NewDeliberationService creates a DeliberationService. metrics may be nil.
func NewDeliberationService(
	store database.Store,
	seq *SequencerService,
	costs *CostService,
	advisor advisory.Advisor,
	cfg *config.Deliberation,
	metrics *otel.Metrics,
) *DeliberationService {
	return &DeliberationService{
		store:   store,
		seq:     seq,
		costs:   costs,
		advisor: advisor,
		cfg:     cfg,
		metrics: metrics,
		drivers: make(map[string]context.CancelFunc),
	}
}

// SetTerminator wires the termination service (set after construction to
// break the dependency cycle between the two).
func (s *DeliberationService) SetTerminator(t *TerminationService) {
	s.term = t
}

// Drive spawns the driver goroutine for a session. A no-op when this
// process already drives it.
func (s *DeliberationService) Drive(sessionID string) {
	s.mu.Lock()
	if _, ok := s.drivers[sessionID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.drivers[sessionID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.drivers, sessionID)
			s.mu.Unlock()
			cancel()
		}()
		s.drive(ctx, sessionID)
	}()
}

// Cancel aborts a session's driver immediately. Used by abandoning kills;
// in-flight round work is dropped and repaired by recovery rollback.
func (s *DeliberationService) Cancel(sessionID string) {
	s.mu.Lock()
	cancel, ok := s.drivers[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Driving reports whether this process currently drives the session.
func (s *DeliberationService) Driving(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.drivers[sessionID]
	return ok
}

// markRecovery flags the session for the recovery scan when the driver
// exits on a transient store error, so the session does not sit running
// with no driver and no repair path. Runs on a fresh context because the
// driver context may already be cancelled.
func (s *DeliberationService) markRecovery(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.SetRecoveryNeeded(ctx, sessionID, true); err != nil {
		slog.Error("flag recovery failed", "session_id", sessionID, "error", err)
	}
}

func (s *DeliberationService) drive(ctx context.Context, sessionID string) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("driver load session failed", "session_id", sessionID, "error", err)
		s.markRecovery(sessionID)
		return
	}
	if sess.Status != session.StatusRunning {
		return
	}

	ctx, span := otel.StartSessionSpan(ctx, sessionID, sess.PanelVariant)
	defer span.End()

	log := slog.With("session_id", sessionID)
	log.Info("driver started", "panel_variant", sess.PanelVariant, "checkpoint", sess.LastCompletedSPIndex)

	if s.metrics != nil {
		s.metrics.SessionsStarted.Add(ctx, 1)
	}

	if sess.TotalSubProblems == 0 {
		if !s.decompose(ctx, sess, log) {
			return
		}
		sess, err = s.store.GetSession(ctx, sessionID)
		if err != nil {
			log.Error("reload after decomposition failed", "error", err)
			s.markRecovery(sessionID)
			return
		}
	}

	subs, err := s.store.ListSubProblems(ctx, sessionID)
	if err != nil {
		log.Error("load sub-problems failed", "error", err)
		s.markRecovery(sessionID)
		return
	}

	for spIdx := sess.NextSPIndex(); spIdx < sess.TotalSubProblems; spIdx++ {
		if s.suspended(ctx, sessionID, log) {
			return
		}

		sp := subs[spIdx]
		if !s.deliberate(ctx, sess, sp, log) {
			return
		}

		// Re-read so NextSPIndex and RoundNumber reflect the checkpoint.
		sess, err = s.store.GetSession(ctx, sessionID)
		if err != nil {
			log.Error("reload after checkpoint failed", "error", err)
			s.markRecovery(sessionID)
			return
		}
	}

	if s.suspended(ctx, sessionID, log) {
		return
	}

	if err := s.store.CompleteSession(ctx, sessionID); err != nil {
		log.Error("complete session failed", "error", err)
		s.markRecovery(sessionID)
		return
	}
	if _, err := s.seq.Emit(ctx, sessionID, event.TypeSessionCompleted, nil); err != nil {
		log.Error("emit session completed failed", "error", err)
	}
	s.seq.Release(sessionID)

	if s.metrics != nil {
		s.metrics.SessionsCompleted.Add(ctx, 1)
		if sess.StartedAt != nil {
			s.metrics.SessionDuration.Record(ctx, time.Since(*sess.StartedAt).Seconds())
		}
		if sum, err := s.costs.SessionTotal(ctx, sessionID); err == nil {
			s.metrics.SessionCost.Record(ctx, sum.TotalCostUSD)
		}
	}
	log.Info("session completed")
}

// decompose calls the advisor to split the problem, persists the
// sub-problems and emits session.decomposed. Returns false when the driver
// must exit.
func (s *DeliberationService) decompose(ctx context.Context, sess *session.Session, log *slog.Logger) bool {
	var dec *advisory.Decomposition
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.PersonaTimeout)
		defer cancel()
		d, err := s.advisor.Decompose(callCtx, sess.ProblemStatement)
		if err != nil {
			if advisory.Permanent(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		dec = d
		return nil
	})
	if err != nil {
		s.fail(ctx, sess.ID, fmt.Sprintf("decomposition failed: %v", err), log)
		return false
	}

	if len(dec.SubProblems) == 0 {
		s.fail(ctx, sess.ID, "decomposition produced no sub-problems", log)
		return false
	}
	specs := dec.SubProblems
	if len(specs) > maxSubProblems {
		log.Warn("decomposition truncated", "returned", len(specs), "kept", maxSubProblems)
		specs = specs[:maxSubProblems]
	}

	subs := make([]session.SubProblem, len(specs))
	expertSet := make(map[string]bool)
	for i, spec := range specs {
		subs[i] = session.SubProblem{
			SessionID: sess.ID,
			Index:     i,
			Title:     spec.Title,
			FocusArea: spec.FocusArea,
			Goal:      spec.Goal,
		}
		for _, p := range persona.SelectPanel(sess.ID, i, sess.PanelVariant) {
			expertSet[p.Code] = true
		}
	}

	if err := s.store.SetSessionDecomposed(ctx, sess.ID, subs, len(expertSet)); err != nil {
		log.Error("persist decomposition failed", "error", err)
		if err := s.store.SetRecoveryNeeded(ctx, sess.ID, true); err != nil {
			log.Error("flag recovery failed", "error", err)
		}
		return false
	}

	s.costs.Record(ctx, &cost.Record{
		SessionID: sess.ID,
		Feature:   cost.FeatureDecomposition,
		AmountUSD: dec.CostUSD,
	})

	if _, err := s.seq.Emit(ctx, sess.ID, event.TypeSessionDecomposed, map[string]int{"sub_problems": len(subs)}); err != nil {
		log.Error("emit decomposed failed", "error", err)
	}
	return true
}

// deliberate runs one sub-problem through rounds, synthesis and the
// checkpoint. Returns false when the driver must exit.
func (s *DeliberationService) deliberate(ctx context.Context, sess *session.Session, sp session.SubProblem, log *slog.Logger) bool {
	ctx, span := otel.StartSubProblemSpan(ctx, sess.ID, sp.Index)
	defer span.End()

	log = log.With("sp_index", sp.Index)
	panel := persona.SelectPanel(sess.ID, sp.Index, sess.PanelVariant)
	quorum := persona.Quorum(len(panel), s.cfg.Quorum)

	// RoundNumber > 0 means we resumed mid-sub-problem: re-run that round
	// (idempotent inserts credit work that already landed) instead of
	// re-announcing the sub-problem.
	startRound := 1
	if sess.RoundNumber > 0 {
		startRound = sess.RoundNumber
		log.Info("resuming mid sub-problem", "round", startRound)
	} else {
		if _, err := s.seq.Emit(ctx, sess.ID, event.TypeSubProblemStarted, event.SubProblemPayload{
			SPIndex: sp.Index, Title: sp.Title,
		}); err != nil {
			log.Error("emit subproblem started failed", "error", err)
		}
	}

	for round := startRound; ; round++ {
		if s.suspended(ctx, sess.ID, log) {
			return false
		}
		if err := s.store.SetSessionRound(ctx, sess.ID, round); err != nil {
			log.Error("set round failed", "error", err)
			s.markRecovery(sess.ID)
			return false
		}

		succeeded, err := s.runRound(ctx, sess, sp, round, panel, log)
		if err != nil {
			s.fail(ctx, sess.ID, fmt.Sprintf("round %d failed: %v", round, err), log)
			return false
		}
		if succeeded < quorum {
			s.fail(ctx, sess.ID, fmt.Sprintf("round %d quorum not met: %d of %d required", round, succeeded, quorum), log)
			return false
		}

		another := round < s.cfg.MaxRounds && s.shouldContinue(ctx, sess, sp, round, log)

		if _, err := s.seq.Emit(ctx, sess.ID, event.TypeRoundResolved, event.RoundResolvedPayload{
			SPIndex: sp.Index, RoundNumber: round, Succeeded: succeeded, Quorum: quorum, Continue: another,
		}); err != nil {
			log.Error("emit round resolved failed", "error", err)
		}
		if s.metrics != nil {
			s.metrics.RoundsResolved.Add(ctx, 1)
		}

		if !another {
			break
		}
	}

	return s.synthesize(ctx, sess, sp, log)
}

// runRound fans the panel out, waits for every task to finish or time out,
// and returns how many contributions survived for the round. Counting from
// the database rather than the in-memory results means work persisted by a
// previous crashed run of the same round still counts.
func (s *DeliberationService) runRound(ctx context.Context, sess *session.Session, sp session.SubProblem, round int, panel []persona.Persona, log *slog.Logger) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RoundTimeout)
	defer cancel()
	rctx, span := otel.StartRoundSpan(rctx, sess.ID, sp.Index, round)
	defer span.End()

	prior, err := s.priorContext(ctx, sess.ID, sp.Index, round)
	if err != nil {
		return 0, err
	}

	// A replayed round only invokes panel members without a surviving row:
	// work persisted by a previous run of this round is credited, not
	// bought twice from the advisory API.
	existing, err := s.store.RoundContributions(ctx, sess.ID, sp.Index, round)
	if err != nil {
		return 0, fmt.Errorf("load surviving round contributions: %w", err)
	}
	surviving := make(map[string]bool, len(existing))
	for _, c := range existing {
		if c.Status != contribution.StatusRolledBack {
			surviving[c.PersonaCode] = true
		}
	}

	var wg sync.WaitGroup
	for _, p := range panel {
		if surviving[p.Code] {
			log.Info("crediting surviving contribution", "persona", p.Code, "round", round)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Advisory calls run under the round deadline; persistence and
			// events run under the driver context so a round timeout cannot
			// corrupt a write in progress.
			s.runPersonaTask(rctx, ctx, sess, sp, round, p, prior, log)
		}()
	}
	wg.Wait()

	rows, err := s.store.RoundContributions(ctx, sess.ID, sp.Index, round)
	if err != nil {
		return 0, fmt.Errorf("count round contributions: %w", err)
	}
	succeeded := 0
	for _, c := range rows {
		if c.Status != contribution.StatusRolledBack {
			succeeded++
		}
	}
	return succeeded, nil
}

func (s *DeliberationService) runPersonaTask(rctx, dbctx context.Context, sess *session.Session, sp session.SubProblem, round int, p persona.Persona, prior []string, log *slog.Logger) {
	started := time.Now()
	if _, err := s.seq.Emit(dbctx, sess.ID, event.TypeContributionStarted, event.ContributionPayload{
		PersonaCode: p.Code, SPIndex: sp.Index, RoundNumber: round,
	}); err != nil {
		log.Error("emit contribution started failed", "persona", p.Code, "error", err)
	}

	var payload *advisory.ContributionPayload
	err := retry.Do(rctx, s.backoff(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.PersonaTimeout)
		defer cancel()
		callCtx, span := otel.StartAdvisorySpan(callCtx, "contribution", p.Code)
		defer span.End()

		out, err := s.advisor.InvokePersona(callCtx, advisory.InvokeRequest{
			SessionID:        sess.ID,
			SPIndex:          sp.Index,
			RoundNumber:      round,
			PersonaCode:      p.Code,
			ProblemStatement: sess.ProblemStatement,
			Goal:             sp.Goal,
			PriorContext:     prior,
		})
		if err != nil {
			if advisory.Permanent(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		payload = out
		return nil
	})
	if err != nil {
		// A failed persona task just does not count toward quorum.
		log.Warn("persona task failed", "persona", p.Code, "round", round, "error", err)
		return
	}

	c, err := s.store.CreateContribution(dbctx, &contribution.Contribution{
		SessionID:   sess.ID,
		PersonaCode: p.Code,
		SPIndex:     sp.Index,
		RoundNumber: round,
		Content:     payload.Content,
		Embedding:   payload.Embedding,
		TokensIn:    payload.TokensIn,
		TokensOut:   payload.TokensOut,
	})
	if err != nil {
		log.Error("persist contribution failed", "persona", p.Code, "round", round, "error", err)
		return
	}

	s.costs.Record(dbctx, &cost.Record{
		SessionID:      sess.ID,
		ContributionID: &c.ID,
		SPIndex:        &sp.Index,
		Feature:        cost.FeaturePersonaContribution,
		AmountUSD:      payload.CostUSD,
	})

	if _, err := s.seq.Emit(dbctx, sess.ID, event.TypeContributionComplete, event.ContributionPayload{
		PersonaCode: p.Code, SPIndex: sp.Index, RoundNumber: round, ContributionID: c.ID,
	}); err != nil {
		log.Error("emit contribution complete failed", "persona", p.Code, "error", err)
	}
	if s.metrics != nil {
		s.metrics.PersonaLatency.Record(dbctx, time.Since(started).Seconds())
	}
}

// priorContext assembles the surviving contribution contents from earlier
// rounds of this sub-problem, oldest first.
func (s *DeliberationService) priorContext(ctx context.Context, sessionID string, spIndex, round int) ([]string, error) {
	if round <= 1 {
		return nil, nil
	}
	rows, err := s.store.ListContributions(ctx, sessionID, spIndex)
	if err != nil {
		return nil, fmt.Errorf("load prior contributions: %w", err)
	}
	var prior []string
	for _, c := range rows {
		if c.RoundNumber < round && c.Status != contribution.StatusRolledBack {
			prior = append(prior, c.Content)
		}
	}
	return prior, nil
}

// shouldContinue consults the convergence judge. A judge failure degrades
// to synthesizing with what we have rather than failing the session.
func (s *DeliberationService) shouldContinue(ctx context.Context, sess *session.Session, sp session.SubProblem, round int, log *slog.Logger) bool {
	rows, err := s.store.RoundContributions(ctx, sess.ID, sp.Index, round)
	if err != nil {
		log.Error("load round for convergence failed", "error", err)
		return false
	}
	contents := make([]string, 0, len(rows))
	for _, c := range rows {
		if c.Status != contribution.StatusRolledBack {
			contents = append(contents, c.Content)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.PersonaTimeout)
	defer cancel()
	callCtx, span := otel.StartAdvisorySpan(callCtx, "convergence", "")
	defer span.End()

	decision, err := s.advisor.ShouldContinue(callCtx, advisory.ConvergenceRequest{
		SessionID:     sess.ID,
		SPIndex:       sp.Index,
		RoundNumber:   round,
		Contributions: contents,
	})
	if err != nil {
		log.Warn("convergence judge failed, synthesizing now", "round", round, "error", err)
		return false
	}

	s.costs.Record(ctx, &cost.Record{
		SessionID: sess.ID,
		SPIndex:   &sp.Index,
		Feature:   cost.FeatureConvergence,
		AmountUSD: decision.CostUSD,
	})
	return decision.Continue
}

// synthesize produces the recommendation and advances the checkpoint.
// Returns false when the driver must exit.
func (s *DeliberationService) synthesize(ctx context.Context, sess *session.Session, sp session.SubProblem, log *slog.Logger) bool {
	rows, err := s.store.ListContributions(ctx, sess.ID, sp.Index)
	if err != nil {
		log.Error("load contributions for synthesis failed", "error", err)
		s.markRecovery(sess.ID)
		return false
	}
	contents := make([]string, 0, len(rows))
	for _, c := range rows {
		if c.Status != contribution.StatusRolledBack {
			contents = append(contents, c.Content)
		}
	}

	var rec *advisory.RecommendationPayload
	err = retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.PersonaTimeout)
		defer cancel()
		callCtx, span := otel.StartAdvisorySpan(callCtx, "synthesis", "")
		defer span.End()

		out, err := s.advisor.Synthesize(callCtx, advisory.SynthesisRequest{
			SessionID:     sess.ID,
			SPIndex:       sp.Index,
			Goal:          sp.Goal,
			Contributions: contents,
		})
		if err != nil {
			if advisory.Permanent(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		rec = out
		return nil
	})
	if err != nil {
		s.fail(ctx, sess.ID, fmt.Sprintf("synthesis failed for sub-problem %d: %v", sp.Index, err), log)
		return false
	}

	var recID string
	err = retry.Do(ctx, retry.WithMaxRetries(uint64(s.cfg.CheckpointRetries), retry.NewExponential(s.cfg.RetryBase)), func(ctx context.Context) error {
		id, err := s.store.AdvanceCheckpoint(ctx, sess.ID, sp.Index, rec.Content)
		if err != nil {
			return retry.RetryableError(err)
		}
		recID = id
		return nil
	})
	if err != nil {
		// The recommendation exists only in memory. Flag the session so
		// recovery re-runs synthesis from the committed contributions.
		log.Error("checkpoint advance exhausted retries", "error", err)
		if err := s.store.SetRecoveryNeeded(ctx, sess.ID, true); err != nil {
			log.Error("flag recovery failed", "error", err)
		}
		return false
	}

	s.costs.Record(ctx, &cost.Record{
		SessionID:        sess.ID,
		RecommendationID: &recID,
		SPIndex:          &sp.Index,
		Feature:          cost.FeatureSynthesis,
		AmountUSD:        rec.CostUSD,
	})

	if _, err := s.seq.Emit(ctx, sess.ID, event.TypeSubProblemCompleted, event.SubProblemPayload{
		SPIndex: sp.Index, RecommendationID: recID,
	}); err != nil {
		log.Error("emit subproblem completed failed", "error", err)
	}
	log.Info("sub-problem checkpointed", "recommendation_id", recID)
	return true
}

// suspended checks every durable stop condition at a safe boundary:
// driver cancellation, pause, a requested termination, the cost budget and
// the duration budget. Returns true when the driver must exit.
func (s *DeliberationService) suspended(ctx context.Context, sessionID string, log *slog.Logger) bool {
	if ctx.Err() != nil {
		log.Info("driver cancelled")
		return true
	}

	// Reload on a fresh context: the stop checks themselves must work even
	// while the driver context is being cancelled.
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := s.store.GetSession(sctx, sessionID)
	if err != nil {
		log.Error("suspension check load failed", "error", err)
		return true
	}

	switch {
	case sess.Status == session.StatusPaused:
		log.Info("driver parked: session paused")
		return true
	case sess.Status != session.StatusRunning:
		return true
	}

	if sess.RequestedTerminationType != nil {
		ttype := session.TerminationType(*sess.RequestedTerminationType)
		reason := ""
		if sess.RequestedTerminationReason != nil {
			reason = *sess.RequestedTerminationReason
		}
		if err := s.term.Finalize(sctx, sess, ttype, reason, "requester"); err != nil {
			log.Error("finalize termination failed", "type", ttype, "error", err)
		}
		return true
	}

	if s.cfg.MaxSessionCostUSD > 0 {
		if sum, err := s.costs.SessionTotal(sctx, sessionID); err == nil && sum.TotalCostUSD >= s.cfg.MaxSessionCostUSD {
			if err := s.term.Finalize(sctx, sess, session.TerminationCostExceeded,
				fmt.Sprintf("cost %.4f exceeded budget %.4f", sum.TotalCostUSD, s.cfg.MaxSessionCostUSD), "system"); err != nil {
				log.Error("budget kill failed", "error", err)
			}
			return true
		}
	}

	if s.cfg.MaxSessionDuration > 0 && sess.StartedAt != nil &&
		time.Since(*sess.StartedAt) >= s.cfg.MaxSessionDuration {
		if err := s.term.Finalize(sctx, sess, session.TerminationDurationExceeded,
			fmt.Sprintf("session exceeded %s", s.cfg.MaxSessionDuration), "system"); err != nil {
			log.Error("duration kill failed", "error", err)
		}
		return true
	}

	return false
}

func (s *DeliberationService) fail(ctx context.Context, sessionID, reason string, log *slog.Logger) {
	if ctx.Err() != nil {
		// A cancelled driver aborts work; killing or terminating the
		// session is someone else's decision, already made.
		log.Info("driver aborted", "reason", reason)
		return
	}
	log.Error("session failed", "reason", reason)
	if err := s.store.FailSession(ctx, sessionID, reason); err != nil {
		log.Error("persist failure failed", "error", err)
		s.markRecovery(sessionID)
		return
	}
	if _, err := s.seq.Emit(ctx, sessionID, event.TypeSessionFailed, event.FailurePayload{Reason: reason}); err != nil {
		log.Error("emit session failed event failed", "error", err)
	}
	s.seq.Release(sessionID)
	if s.metrics != nil {
		s.metrics.SessionsFailed.Add(ctx, 1)
	}
}

func (s *DeliberationService) backoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(s.cfg.TaskRetries), retry.NewExponential(s.cfg.RetryBase))
}
