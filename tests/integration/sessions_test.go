//go:build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

type sessionBody struct {
	ID                   string   `json:"id"`
	Status               string   `json:"status"`
	PanelVariant         int      `json:"panel_variant"`
	TotalSubProblems     int      `json:"total_sub_problems"`
	LastCompletedSPIndex *int     `json:"last_completed_sp_index"`
	BillablePortion      *float64 `json:"billable_portion"`
}

func postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(testServer.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getSession(t *testing.T, id string) sessionBody {
	t.Helper()
	resp, err := http.Get(testServer.URL + "/api/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET session: expected 200, got %d", resp.StatusCode)
	}
	var s sessionBody
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return s
}

func createSession(t *testing.T) string {
	t.Helper()
	resp := postJSON(t, "/api/v1/sessions", map[string]any{
		"problem_statement": "should we enter the widget market",
		"panel_variant":     3,
	})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d", resp.StatusCode)
	}
	var s sessionBody
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if s.Status != "created" {
		t.Fatalf("expected status created, got %s", s.Status)
	}
	return s.ID
}

func runToCompletion(t *testing.T) string {
	t.Helper()
	id := createSession(t)

	resp := postJSON(t, "/api/v1/sessions/"+id+"/start", nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if s := getSession(t, id); s.Status == "completed" {
			return id
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("session %s never completed", id)
	return ""
}

func TestCreateSessionValidation(t *testing.T) {
	resp := postJSON(t, "/api/v1/sessions", map[string]any{
		"problem_statement": "bad panel",
		"panel_variant":     4,
	})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDeliberationRunsToCompletion(t *testing.T) {
	id := runToCompletion(t)

	s := getSession(t, id)
	if s.TotalSubProblems != 2 {
		t.Fatalf("expected 2 sub-problems, got %d", s.TotalSubProblems)
	}
	if s.LastCompletedSPIndex == nil || *s.LastCompletedSPIndex != 1 {
		t.Fatalf("expected checkpoint 1, got %v", s.LastCompletedSPIndex)
	}

	// One recommendation per sub-problem.
	resp, err := http.Get(testServer.URL + "/api/v1/sessions/" + id + "/recommendations")
	if err != nil {
		t.Fatalf("GET recommendations: %v", err)
	}
	var recs []struct {
		SPIndex int    `json:"sp_index"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatalf("decode recommendations: %v", err)
	}
	_ = resp.Body.Close()
	if len(recs) != 2 {
		t.Fatalf("expected 2 recommendations, got %d", len(recs))
	}

	// Full committed panel for the first sub-problem.
	resp, err = http.Get(testServer.URL + "/api/v1/sessions/" + id + "/contributions?sp_index=0")
	if err != nil {
		t.Fatalf("GET contributions: %v", err)
	}
	var contribs []struct {
		Status      string `json:"status"`
		PersonaCode string `json:"persona_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&contribs); err != nil {
		t.Fatalf("decode contributions: %v", err)
	}
	_ = resp.Body.Close()
	if len(contribs) != 3 {
		t.Fatalf("expected 3 contributions, got %d", len(contribs))
	}
	for _, c := range contribs {
		if c.Status != "committed" {
			t.Fatalf("contribution %s in status %s", c.PersonaCode, c.Status)
		}
	}

	// Cost accrued across decompose, contributions, convergence and synthesis.
	resp, err = http.Get(testServer.URL + "/api/v1/sessions/" + id + "/cost")
	if err != nil {
		t.Fatalf("GET cost: %v", err)
	}
	var sum struct {
		TotalCostUSD float64 `json:"total_cost_usd"`
		RecordCount  int     `json:"record_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatalf("decode cost: %v", err)
	}
	_ = resp.Body.Close()
	if sum.TotalCostUSD <= 0 || sum.RecordCount == 0 {
		t.Fatalf("expected nonzero cost, got %+v", sum)
	}
}

func TestEventStreamGapFree(t *testing.T) {
	id := runToCompletion(t)

	resp, err := http.Get(testServer.URL + "/api/v1/sessions/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var events []struct {
		Sequence int64  `json:"sequence"`
		Type     string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected events")
	}

	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("gap at position %d: sequence %d", i, ev.Sequence)
		}
	}
	if events[0].Type != "session.created" {
		t.Fatalf("first event %s", events[0].Type)
	}
	if last := events[len(events)-1]; last.Type != "session.completed" {
		t.Fatalf("last event %s", last.Type)
	}
}

func TestTerminateCompletedSessionConflicts(t *testing.T) {
	id := runToCompletion(t)

	resp := postJSON(t, "/api/v1/sessions/"+id+"/terminate", map[string]string{
		"type":   "user_cancelled",
		"reason": "too late",
	})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestDeleteCompletedSession(t *testing.T) {
	id := runToCompletion(t)

	req, err := http.NewRequest(http.MethodDelete, testServer.URL+"/api/v1/sessions/"+id, nil)
	if err != nil {
		t.Fatalf("build delete: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE session: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	if s := getSession(t, id); s.Status != "deleted" {
		t.Fatalf("expected deleted, got %s", s.Status)
	}
}

func TestAdminKillRunningSession(t *testing.T) {
	id := createSession(t)
	resp := postJSON(t, "/api/v1/sessions/"+id+"/start", nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", resp.StatusCode)
	}

	resp = postJSON(t, "/api/v1/admin/sessions/"+id+"/kill", map[string]string{
		"reason": "integration kill",
	})
	_ = resp.Body.Close()
	// The stub advisor may already have finished the session; both the
	// accepted kill and the too-late conflict are valid outcomes here.
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 202 or 409, got %d", resp.StatusCode)
	}

	if resp.StatusCode != http.StatusAccepted {
		return
	}
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		s := getSession(t, id)
		if s.Status == "killed" {
			if s.BillablePortion == nil {
				t.Fatal("killed session missing billable portion")
			}
			return
		}
		if s.Status == "completed" {
			// Raced the driver to the finish line.
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("session %s never reached killed", id)
}
