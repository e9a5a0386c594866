// Package advisory defines the ports for the external persona/LLM
// collaborator calls. The engine treats every call as opaque: it never
// interprets payload content, only records it, costs it and sequences it.
package advisory

import (
	"context"
	"errors"
)

// ErrPermanent marks an advisory failure that retrying cannot fix
// (malformed request, unknown persona). Adapters wrap non-retryable
// responses with it; callers check errors.Is.
var ErrPermanent = errors.New("permanent advisory failure")

// Permanent reports whether err is a non-retryable advisory failure.
func Permanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// SubProblemSpec is one decomposed unit returned by the Decomposer.
type SubProblemSpec struct {
	Title     string `json:"title"`
	FocusArea string `json:"focus_area"`
	Goal      string `json:"goal"`
}

// Decomposition is the full decomposition result.
type Decomposition struct {
	SubProblems []SubProblemSpec `json:"sub_problems"`
	CostUSD     float64          `json:"cost_usd"`
}

// InvokeRequest carries the inputs for one persona invocation.
type InvokeRequest struct {
	SessionID        string   `json:"session_id"`
	SPIndex          int      `json:"sp_index"`
	RoundNumber      int      `json:"round_number"`
	PersonaCode      string   `json:"persona_code"`
	ProblemStatement string   `json:"problem_statement"`
	Goal             string   `json:"goal"`
	PriorContext     []string `json:"prior_context,omitempty"`
}

// ContributionPayload is the opaque output of one persona invocation.
type ContributionPayload struct {
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
	CostUSD   float64   `json:"cost_usd"`
	TokensIn  int64     `json:"tokens_in"`
	TokensOut int64     `json:"tokens_out"`
}

// ConvergenceRequest asks whether another round is worthwhile.
type ConvergenceRequest struct {
	SessionID     string   `json:"session_id"`
	SPIndex       int      `json:"sp_index"`
	RoundNumber   int      `json:"round_number"`
	Contributions []string `json:"contributions"`
}

// ConvergenceDecision is the judge's answer.
type ConvergenceDecision struct {
	Continue bool    `json:"continue"`
	CostUSD  float64 `json:"cost_usd"`
}

// SynthesisRequest asks for a recommendation over committed contributions.
type SynthesisRequest struct {
	SessionID     string   `json:"session_id"`
	SPIndex       int      `json:"sp_index"`
	Goal          string   `json:"goal"`
	Contributions []string `json:"contributions"`
}

// RecommendationPayload is the opaque synthesis output.
type RecommendationPayload struct {
	Content   string  `json:"content"`
	CostUSD   float64 `json:"cost_usd"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
}

// Decomposer splits a problem statement into 1-5 ordered sub-problems.
type Decomposer interface {
	Decompose(ctx context.Context, problemStatement string) (*Decomposition, error)
}

// Invoker performs one opaque persona-contribution call.
type Invoker interface {
	InvokePersona(ctx context.Context, req InvokeRequest) (*ContributionPayload, error)
}

// ConvergenceJudge decides whether a sub-problem needs another round.
type ConvergenceJudge interface {
	ShouldContinue(ctx context.Context, req ConvergenceRequest) (*ConvergenceDecision, error)
}

// Synthesizer produces the per-sub-problem recommendation.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (*RecommendationPayload, error)
}

// Advisor bundles all four collaborator calls; the HTTP adapter implements it.
type Advisor interface {
	Decomposer
	Invoker
	ConvergenceJudge
	Synthesizer
}
