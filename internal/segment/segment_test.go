package segment

import "testing"

func TestParseType(t *testing.T) {
	if got, ok := ParseType(" Dialogue "); !ok || got != TypeDialogue {
		t.Fatalf("expected dialogue, got %q ok=%v", got, ok)
	}
	if _, ok := ParseType("monologue"); ok {
		t.Fatal("expected unknown type to be rejected")
	}
}

func TestNeedsEscalation(t *testing.T) {
	seg := Segment{Type: TypeDialogue, Confidence: 0.9}
	if seg.NeedsEscalation(0.6) {
		t.Fatal("high-confidence segment should not escalate")
	}
	seg.Confidence = 0.4
	if !seg.NeedsEscalation(0.6) {
		t.Fatal("low-confidence segment should escalate")
	}
	seg = Segment{Type: TypeUnresolved, Confidence: 0.95}
	if !seg.NeedsEscalation(0.6) {
		t.Fatal("unresolved segments always escalate")
	}
}

func TestUserOverrideNeverEscalates(t *testing.T) {
	seg := Segment{Type: TypeDialogue, Confidence: 0.1, Provenance: ProvenanceUserOverride}
	if seg.NeedsEscalation(0.6) {
		t.Fatal("overridden segment must not be re-analyzed")
	}
	if !seg.Locked() {
		t.Fatal("override should lock the segment")
	}
}

func TestProvenanceRankOrdering(t *testing.T) {
	if ProvenanceRank(ProvenanceExternal) <= ProvenanceRank(ProvenanceLocalFallback) {
		t.Fatal("external analysis must outrank local fallback")
	}
	if ProvenanceRank(ProvenanceLocalFallback) <= ProvenanceRank(ProvenanceRule) {
		t.Fatal("local fallback must outrank rule output")
	}
}
