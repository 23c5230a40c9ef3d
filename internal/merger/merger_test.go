package merger_test

import (
	"context"
	"testing"

	"fable/internal/analysis"
	"fable/internal/escalate"
	"fable/internal/merger"
	"fable/internal/registry"
	"fable/internal/segment"
	"fable/internal/store"
	"fable/internal/testsupport"
)

type fixture struct {
	store    *store.Store
	registry *registry.Registry
	merger   *merger.Merger
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.NewProject(t, st, "proj-1", "Book")
	reg := registry.New(st, nil)
	return fixture{store: st, registry: reg, merger: merger.New(st, reg, 0.15, nil)}
}

func (f fixture) seed(t *testing.T, segments ...segment.Segment) {
	t.Helper()
	if err := f.store.ReplaceSegments(context.Background(), "proj-1", segments); err != nil {
		t.Fatalf("ReplaceSegments failed: %v", err)
	}
}

func window(ids ...int64) escalate.Window {
	return escalate.Window{ProjectID: "proj-1", TargetIDs: ids}
}

func TestAnalysisWinsByMargin(t *testing.T) {
	f := newFixture(t)
	f.seed(t, segment.Segment{ID: 1, ProjectID: "proj-1", Text: `"Go."`, Type: segment.TypeDialogue, Confidence: 0.5, Provenance: segment.ProvenanceRule})

	result := analysis.Result{
		Provenance: segment.ProvenanceExternal,
		Segments: []analysis.SegmentResult{
			{SegmentID: 1, Type: "dialogue", Speaker: "Mira", Confidence: 0.9},
		},
	}
	changed, err := f.merger.Apply(context.Background(), window(1), result)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected 1 change, got %d", changed)
	}

	seg, err := f.store.GetSegment(context.Background(), "proj-1", 1)
	if err != nil {
		t.Fatalf("GetSegment failed: %v", err)
	}
	if seg.Provenance != segment.ProvenanceExternal || seg.Confidence != 0.9 {
		t.Fatalf("analysis should win: %#v", seg)
	}
	if !seg.HasSpeaker() || seg.SpeakerID == segment.NarratorID {
		t.Fatalf("speaker should resolve to a character, got %d", seg.SpeakerID)
	}

	// The speaker went through the registry.
	if _, ok := f.registry.Lookup(context.Background(), "proj-1", "Mira"); !ok {
		t.Fatal("speaker must be registered as a canonical character")
	}
}

func TestRuleKeptWhenAnalysisWeaker(t *testing.T) {
	f := newFixture(t)
	f.seed(t, segment.Segment{ID: 1, ProjectID: "proj-1", Text: "t", Type: segment.TypeDialogue, Confidence: 0.7, Provenance: segment.ProvenanceRule})

	result := analysis.Result{
		Provenance: segment.ProvenanceLocalFallback,
		Segments: []analysis.SegmentResult{
			{SegmentID: 1, Type: "narration", Confidence: 0.6},
		},
	}
	changed, err := f.merger.Apply(context.Background(), window(1), result)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if changed != 0 {
		t.Fatalf("weaker analysis must not apply, changed=%d", changed)
	}

	seg, _ := f.store.GetSegment(context.Background(), "proj-1", 1)
	if seg.Provenance != segment.ProvenanceRule || seg.Type != segment.TypeDialogue {
		t.Fatalf("rule state should survive: %#v", seg)
	}
}

func TestExactTiePrefersExternal(t *testing.T) {
	f := newFixture(t)
	f.seed(t, segment.Segment{ID: 1, ProjectID: "proj-1", Text: "t", Type: segment.TypeDialogue, Confidence: 0.7, Provenance: segment.ProvenanceRule})

	result := analysis.Result{
		Provenance: segment.ProvenanceExternal,
		Segments: []analysis.SegmentResult{
			{SegmentID: 1, Type: "dialogue", Speaker: "Mira", Confidence: 0.7},
		},
	}
	changed, err := f.merger.Apply(context.Background(), window(1), result)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if changed != 1 {
		t.Fatal("external analysis wins exact ties against rule output")
	}
}

func TestUnresolvedAlwaysTakesAnalysis(t *testing.T) {
	f := newFixture(t)
	f.seed(t, segment.Segment{ID: 1, ProjectID: "proj-1", Text: "t", Type: segment.TypeUnresolved, Confidence: 0.9, Provenance: segment.ProvenanceRule})

	result := analysis.Result{
		Provenance: segment.ProvenanceLocalFallback,
		Segments: []analysis.SegmentResult{
			{SegmentID: 1, Type: "narration", Confidence: 0.6},
		},
	}
	if _, err := f.merger.Apply(context.Background(), window(1), result); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	seg, _ := f.store.GetSegment(context.Background(), "proj-1", 1)
	if seg.Type != segment.TypeNarration {
		t.Fatalf("unresolved segment must end concrete, got %q", seg.Type)
	}
	if seg.SpeakerID != segment.NarratorID {
		t.Fatalf("narration resolves to the narrator, got %d", seg.SpeakerID)
	}
	if seg.Provenance != segment.ProvenanceLocalFallback {
		t.Fatalf("expected local fallback provenance, got %q", seg.Provenance)
	}
}

func TestUserOverrideNeverModified(t *testing.T) {
	f := newFixture(t)
	f.seed(t, segment.Segment{ID: 1, ProjectID: "proj-1", Text: "t", Type: segment.TypeDialogue, SpeakerID: 42, Confidence: 1.0, Provenance: segment.ProvenanceUserOverride})

	result := analysis.Result{
		Provenance: segment.ProvenanceExternal,
		Segments: []analysis.SegmentResult{
			{SegmentID: 1, Type: "narration", Confidence: 1.0},
		},
	}
	changed, err := f.merger.Apply(context.Background(), window(1), result)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if changed != 0 {
		t.Fatal("overridden segments are immutable to automated passes")
	}

	seg, _ := f.store.GetSegment(context.Background(), "proj-1", 1)
	if seg.SpeakerID != 42 || seg.Provenance != segment.ProvenanceUserOverride {
		t.Fatalf("override mutated: %#v", seg)
	}
}

func TestUnusableSpeakerNameSkipsAttributionOnly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, segment.Segment{ID: 1, ProjectID: "proj-1", Text: "t", Type: segment.TypeDialogue, Confidence: 0.5, Provenance: segment.ProvenanceRule})

	result := analysis.Result{
		Provenance: segment.ProvenanceExternal,
		Segments: []analysis.SegmentResult{
			{SegmentID: 1, Type: "dialogue", Speaker: "???", Confidence: 0.9},
		},
	}
	changed, err := f.merger.Apply(context.Background(), window(1), result)
	if err != nil {
		t.Fatalf("an unusable speaker name must not fail the window: %v", err)
	}
	if changed != 1 {
		t.Fatalf("classification should still land, changed=%d", changed)
	}

	seg, _ := f.store.GetSegment(context.Background(), "proj-1", 1)
	if seg.Provenance != segment.ProvenanceExternal || seg.Confidence != 0.9 {
		t.Fatalf("classification lost: %#v", seg)
	}
	if seg.HasSpeaker() {
		t.Fatalf("no character should be fabricated, got speaker %d", seg.SpeakerID)
	}
}

func TestResultsOutsideWindowIgnored(t *testing.T) {
	f := newFixture(t)
	f.seed(t, segment.Segment{ID: 1, ProjectID: "proj-1", Text: "t", Type: segment.TypeDialogue, Confidence: 0.5, Provenance: segment.ProvenanceRule})

	result := analysis.Result{
		Provenance: segment.ProvenanceExternal,
		Segments: []analysis.SegmentResult{
			{SegmentID: 1, Type: "dialogue", Confidence: 0.9},
		},
	}
	// Window targets a different segment.
	changed, err := f.merger.Apply(context.Background(), window(2), result)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if changed != 0 {
		t.Fatal("results for non-target segments must be ignored")
	}
}
