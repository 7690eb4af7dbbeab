package interactive

import (
	"testing"
)

func TestModelUpdatesPhaseStatus(t *testing.T) {
	m := NewModel()
	updated, _ := m.Update(PhaseUpdateMsg{Phase: PhaseBootChain, Status: "active", Detail: "iBEC"})
	mm := updated.(Model)
	ps := mm.phases[PhaseBootChain]
	if ps.Status != "active" || ps.Detail != "iBEC" {
		t.Fatalf("phase state = %+v", ps)
	}
}

func TestModelViewRendersAllPhases(t *testing.T) {
	m := NewModel()
	view := m.View()
	for _, p := range phaseOrder {
		if !contains(view, string(p)) {
			t.Fatalf("View() missing phase %q:\n%s", p, view)
		}
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
