package http

import (
	"net/http"

	"github.com/rtfm-si/boardroom/internal/domain/contribution"
	"github.com/rtfm-si/boardroom/internal/domain/event"
	"github.com/rtfm-si/boardroom/internal/domain/session"
	"github.com/rtfm-si/boardroom/internal/port/database"
	"github.com/rtfm-si/boardroom/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Sessions *service.SessionService
	Term     *service.TerminationService
	Costs    *service.CostService
	Store    database.Store
	Hub      WSHandler
}

// WSHandler serves the live event stream endpoint.
type WSHandler interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

// --- Sessions ---

// ListSessions handles GET /api/v1/sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Sessions.List(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// CreateSession handles POST /api/v1/sessions
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[session.CreateRequest](w, r)
	if !ok {
		return
	}

	sess, err := h.Sessions.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "session creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GetSession handles GET /api/v1/sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	sess, err := h.Sessions.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// StartSession handles POST /api/v1/sessions/{id}/start
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	sess, err := h.Sessions.Start(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// PauseSession handles POST /api/v1/sessions/{id}/pause
func (h *Handlers) PauseSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	sess, err := h.Sessions.Pause(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ResumeSession handles POST /api/v1/sessions/{id}/resume
func (h *Handlers) ResumeSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	sess, err := h.Sessions.Resume(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /api/v1/sessions/{id}
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Sessions.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Termination ---

// TerminateSession handles POST /api/v1/sessions/{id}/terminate
func (h *Handlers) TerminateSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	req, ok := readJSON[struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}](w, r)
	if !ok {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	ttype := session.TerminationType(req.Type)
	if ttype == session.TerminationAdminTerminated {
		writeError(w, http.StatusForbidden, "admin_terminated requires the admin kill endpoint")
		return
	}

	sess, err := h.Term.Request(r.Context(), id, ttype, req.Reason, "user")
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// KillSession handles POST /api/v1/admin/sessions/{id}/kill
func (h *Handlers) KillSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	req, ok := readJSON[struct {
		Reason string `json:"reason"`
	}](w, r)
	if !ok {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	sess, err := h.Term.Request(r.Context(), id, session.TerminationAdminTerminated, req.Reason, "admin")
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// --- Read surface ---

// ListSubProblems handles GET /api/v1/sessions/{id}/sub-problems
func (h *Handlers) ListSubProblems(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	subs, err := h.Sessions.SubProblems(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if subs == nil {
		subs = []session.SubProblem{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// ListRecommendations handles GET /api/v1/sessions/{id}/recommendations
func (h *Handlers) ListRecommendations(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	recs, err := h.Sessions.Recommendations(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if recs == nil {
		recs = []session.Recommendation{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// ListContributions handles GET /api/v1/sessions/{id}/contributions?sp_index=N
func (h *Handlers) ListContributions(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	spIndex := queryInt(r, "sp_index", -1)
	if spIndex < 0 {
		writeError(w, http.StatusBadRequest, "sp_index query parameter is required")
		return
	}

	rows, err := h.Sessions.Contributions(r.Context(), id, spIndex)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if rows == nil {
		rows = []contribution.Contribution{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// ListSessionEvents handles GET /api/v1/sessions/{id}/events?from_sequence=N
func (h *Handlers) ListSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	from := queryInt(r, "from_sequence", 0)
	if from < 0 {
		writeError(w, http.StatusBadRequest, "from_sequence must not be negative")
		return
	}

	events, err := h.Sessions.Events(r.Context(), id, int64(from))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if events == nil {
		events = []event.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

type costResponse struct {
	SessionID         string  `json:"session_id"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	RecordCount       int     `json:"record_count"`
	HasUntrackedCosts bool    `json:"has_untracked_costs"`
}

// SessionCost handles GET /api/v1/sessions/{id}/cost
func (h *Handlers) SessionCost(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	sess, err := h.Sessions.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	sum, err := h.Costs.SessionTotal(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, costResponse{
		SessionID:         sum.SessionID,
		TotalCostUSD:      sum.TotalCostUSD,
		RecordCount:       sum.RecordCount,
		HasUntrackedCosts: sess.HasUntrackedCosts,
	})
}

// --- Recovery ---

// ListRecoverySessions handles GET /api/v1/admin/recovery
func (h *Handlers) ListRecoverySessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Store.ListRecoverySessions(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// --- Live stream ---

// StreamEvents handles GET /ws?session_id=...&from_sequence=N
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	h.Hub.HandleWS(w, r)
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
