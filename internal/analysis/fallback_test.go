package analysis_test

import (
	"testing"

	"fable/internal/analysis"
	"fable/internal/escalate"
	"fable/internal/segment"
)

func TestFallbackClassifiesEveryTarget(t *testing.T) {
	window := escalate.Window{
		ProjectID: "proj-1",
		TargetIDs: []int64{1, 2, 3},
		Segments: []segment.Segment{
			{ID: 1, Text: `"Hold the line," said Bram.`, Type: segment.TypeUnresolved},
			{ID: 2, Text: `"For how long?"`, Type: segment.TypeUnresolved},
			{ID: 3, Text: "The gate shuddered.", Type: segment.TypeUnresolved},
		},
	}

	result := analysis.Fallback{}.Analyze(window)
	if result.Provenance != segment.ProvenanceLocalFallback {
		t.Fatalf("expected local fallback provenance, got %q", result.Provenance)
	}
	if len(result.Segments) != 3 {
		t.Fatalf("every target must be classified, got %d", len(result.Segments))
	}

	byID := make(map[int64]analysis.SegmentResult)
	for _, sr := range result.Segments {
		byID[sr.SegmentID] = sr
	}

	if byID[1].Type != string(segment.TypeDialogue) || byID[1].Speaker != "Bram" {
		t.Fatalf("tagged dialogue misclassified: %#v", byID[1])
	}
	if byID[2].Type != string(segment.TypeDialogue) {
		t.Fatalf("untagged quote should be dialogue: %#v", byID[2])
	}
	if byID[2].Speaker != "Bram" {
		t.Fatalf("untagged quote should borrow the nearest tag speaker, got %#v", byID[2])
	}
	if byID[3].Type != string(segment.TypeNarration) {
		t.Fatalf("plain prose should be narration: %#v", byID[3])
	}
}

func TestFallbackIgnoresContextSegments(t *testing.T) {
	window := escalate.Window{
		ProjectID: "proj-1",
		TargetIDs: []int64{2},
		Segments: []segment.Segment{
			{ID: 1, Text: "Context only.", Type: segment.TypeNarration, Confidence: 0.9},
			{ID: 2, Text: `"Target."`, Type: segment.TypeUnresolved},
		},
	}

	result := analysis.Fallback{}.Analyze(window)
	if len(result.Segments) != 1 || result.Segments[0].SegmentID != 2 {
		t.Fatalf("only targets may be classified, got %#v", result.Segments)
	}
}
