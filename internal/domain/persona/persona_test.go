package persona_test

import (
	"testing"

	"github.com/rtfm-si/boardroom/internal/domain/persona"
)

func TestSelectPanelDeterministic(t *testing.T) {
	a := persona.SelectPanel("sess-1", 0, 5)
	b := persona.SelectPanel("sess-1", 0, 5)

	if len(a) != 5 || len(b) != 5 {
		t.Fatalf("expected 5-persona panels, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Code != b[i].Code {
			t.Fatalf("panel not deterministic at %d: %s vs %s", i, a[i].Code, b[i].Code)
		}
	}
}

func TestSelectPanelNoDuplicates(t *testing.T) {
	panel := persona.SelectPanel("sess-2", 3, 5)
	seen := make(map[string]bool)
	for _, p := range panel {
		if seen[p.Code] {
			t.Fatalf("duplicate persona %s in panel", p.Code)
		}
		seen[p.Code] = true
	}
}

func TestSelectPanelVariantSizes(t *testing.T) {
	if got := len(persona.SelectPanel("s", 0, 3)); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := len(persona.SelectPanel("s", 0, 5)); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	// Unknown variants fall back to 3.
	if got := len(persona.SelectPanel("s", 0, 7)); got != 3 {
		t.Fatalf("expected fallback to 3, got %d", got)
	}
}

func TestSelectPanelVariesBySubProblem(t *testing.T) {
	// Different sub-problems of the same session may draw different panels.
	// Not guaranteed for every pair, but across 5 sub-problems at least one
	// ordering difference is expected from an 8-persona catalog.
	first := persona.SelectPanel("sess-3", 0, 3)
	varied := false
	for sp := 1; sp < 5; sp++ {
		p := persona.SelectPanel("sess-3", sp, 3)
		for i := range p {
			if p[i].Code != first[i].Code {
				varied = true
			}
		}
	}
	if !varied {
		t.Fatal("expected panel assignment to vary across sub-problems")
	}
}

func TestQuorum(t *testing.T) {
	tests := []struct {
		panel, configured, want int
	}{
		{3, 0, 2}, // all but one may fail
		{5, 0, 3}, // at least 3 of 5
		{5, 4, 4},
		{3, 9, 3}, // clamped to panel size
		{5, 1, 1},
	}
	for _, tt := range tests {
		if got := persona.Quorum(tt.panel, tt.configured); got != tt.want {
			t.Errorf("Quorum(%d, %d) = %d, want %d", tt.panel, tt.configured, got, tt.want)
		}
	}
}
