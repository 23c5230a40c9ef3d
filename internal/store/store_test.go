package store_test

import (
	"context"
	"testing"

	"fable/internal/segment"
	"fable/internal/store"
	"fable/internal/testsupport"
)

func TestOpenAppliesMigrations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	project, err := st.CreateProject(ctx, "proj-1", "A Study in Shadows", "/tmp/book.txt")
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	if project.State != store.ProjectCreated {
		t.Fatalf("expected created state, got %q", project.State)
	}

	fetched, err := st.GetProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if fetched == nil || fetched.Title != "A Study in Shadows" {
		t.Fatalf("unexpected fetched project: %#v", fetched)
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.NewProject(t, st, "proj-1", "Book")

	ctx := context.Background()
	segments := []segment.Segment{
		{ID: 1, ProjectID: "proj-1", Text: "The rain fell.", Type: segment.TypeNarration, SpeakerID: segment.NarratorID, Confidence: 0.9, Provenance: segment.ProvenanceRule},
		{ID: 2, ProjectID: "proj-1", Text: "\"Run,\" she said.", Type: segment.TypeDialogue, Confidence: 0.5, Provenance: segment.ProvenanceRule},
	}
	if err := st.ReplaceSegments(ctx, "proj-1", segments); err != nil {
		t.Fatalf("ReplaceSegments failed: %v", err)
	}

	listed, err := st.ListSegments(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(listed))
	}
	if listed[0].SpeakerID != segment.NarratorID {
		t.Fatalf("expected narrator speaker, got %d", listed[0].SpeakerID)
	}

	updated := listed[1]
	updated.Type = segment.TypeDialogue
	updated.Confidence = 0.85
	updated.Provenance = segment.ProvenanceExternal
	if err := st.UpdateSegment(ctx, updated); err != nil {
		t.Fatalf("UpdateSegment failed: %v", err)
	}

	got, err := st.GetSegment(ctx, "proj-1", 2)
	if err != nil {
		t.Fatalf("GetSegment failed: %v", err)
	}
	if got == nil || got.Provenance != segment.ProvenanceExternal || got.Confidence != 0.85 {
		t.Fatalf("unexpected segment after update: %#v", got)
	}
}

func TestReplaceSegmentsPreservesOverrides(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.NewProject(t, st, "proj-1", "Book")

	ctx := context.Background()
	narration := segment.Segment{ID: 1, ProjectID: "proj-1", Text: "The rain fell.", Type: segment.TypeNarration, SpeakerID: segment.NarratorID, Confidence: 0.9, Provenance: segment.ProvenanceRule}
	if err := st.ReplaceSegments(ctx, "proj-1", []segment.Segment{
		narration,
		{ID: 2, ProjectID: "proj-1", Text: "\"Run.\"", Type: segment.TypeDialogue, Confidence: 0.5, Provenance: segment.ProvenanceRule},
	}); err != nil {
		t.Fatalf("ReplaceSegments failed: %v", err)
	}

	pinned := segment.Segment{ID: 2, ProjectID: "proj-1", Type: segment.TypeDialogue, SpeakerID: 42, Confidence: 1.0, Provenance: segment.ProvenanceUserOverride}
	if err := st.UpdateSegment(ctx, pinned); err != nil {
		t.Fatalf("UpdateSegment failed: %v", err)
	}

	if err := st.ReplaceSegments(ctx, "proj-1", []segment.Segment{
		narration,
		{ID: 2, ProjectID: "proj-1", Text: "\"Run again.\"", Type: segment.TypeDialogue, Confidence: 0.5, Provenance: segment.ProvenanceRule},
	}); err != nil {
		t.Fatalf("second ReplaceSegments failed: %v", err)
	}

	got, err := st.GetSegment(ctx, "proj-1", 2)
	if err != nil {
		t.Fatalf("GetSegment failed: %v", err)
	}
	if got.Provenance != segment.ProvenanceUserOverride || got.SpeakerID != 42 || got.Confidence != 1.0 {
		t.Fatalf("override classification lost across replace: %#v", got)
	}
	if got.Text != "\"Run again.\"" {
		t.Fatalf("text should follow the new pass, got %q", got.Text)
	}

	// A shorter replacement drops overrides past the new end.
	if err := st.ReplaceSegments(ctx, "proj-1", []segment.Segment{narration}); err != nil {
		t.Fatalf("third ReplaceSegments failed: %v", err)
	}
	if gone, err := st.GetSegment(ctx, "proj-1", 2); err != nil || gone != nil {
		t.Fatalf("override past the new segment count should not linger: %#v err=%v", gone, err)
	}
}

func TestUpdateSegmentMissingRow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.NewProject(t, st, "proj-1", "Book")

	err := st.UpdateSegment(context.Background(), segment.Segment{ID: 99, ProjectID: "proj-1", Type: segment.TypeNarration, Provenance: segment.ProvenanceRule})
	if err == nil {
		t.Fatal("expected error updating a missing segment")
	}
}

func TestMergeCharactersReassignsSegments(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.NewProject(t, st, "proj-1", "Book")

	ctx := context.Background()
	bob, err := st.InsertCharacter(ctx, &store.Character{ProjectID: "proj-1", CanonicalName: "Bob", Frequency: 3, LastSeenSegment: 10})
	if err != nil {
		t.Fatalf("InsertCharacter failed: %v", err)
	}
	bobby, err := st.InsertCharacter(ctx, &store.Character{ProjectID: "proj-1", CanonicalName: "Bobby", Frequency: 1, LastSeenSegment: 20})
	if err != nil {
		t.Fatalf("InsertCharacter failed: %v", err)
	}

	segments := []segment.Segment{
		{ID: 1, ProjectID: "proj-1", Text: "a", Type: segment.TypeDialogue, SpeakerID: bob.ID, Confidence: 0.9, Provenance: segment.ProvenanceRule},
		{ID: 2, ProjectID: "proj-1", Text: "b", Type: segment.TypeDialogue, SpeakerID: bobby.ID, Confidence: 0.9, Provenance: segment.ProvenanceRule},
	}
	if err := st.ReplaceSegments(ctx, "proj-1", segments); err != nil {
		t.Fatalf("ReplaceSegments failed: %v", err)
	}
	if err := st.InsertAlias(ctx, store.Alias{ProjectID: "proj-1", Alias: "bobby", Display: "Bobby", CharacterID: bobby.ID}); err != nil {
		t.Fatalf("InsertAlias failed: %v", err)
	}

	if err := st.MergeCharacters(ctx, "proj-1", bob.ID, bobby.ID); err != nil {
		t.Fatalf("MergeCharacters failed: %v", err)
	}

	if gone, err := st.GetCharacter(ctx, bobby.ID); err != nil || gone != nil {
		t.Fatalf("expected merged character removed, got %#v err=%v", gone, err)
	}

	winner, err := st.GetCharacter(ctx, bob.ID)
	if err != nil {
		t.Fatalf("GetCharacter failed: %v", err)
	}
	if winner.Frequency != 4 {
		t.Fatalf("expected summed frequency 4, got %d", winner.Frequency)
	}
	if winner.LastSeenSegment != 20 {
		t.Fatalf("expected recency carried over, got %d", winner.LastSeenSegment)
	}

	listed, err := st.ListSegments(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	for _, seg := range listed {
		if seg.SpeakerID != bob.ID {
			t.Fatalf("segment %d still references merged character: %d", seg.ID, seg.SpeakerID)
		}
	}

	aliases, err := st.ListAliases(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListAliases failed: %v", err)
	}
	if len(aliases) != 1 || aliases[0].CharacterID != bob.ID {
		t.Fatalf("expected alias transferred to winner, got %#v", aliases)
	}
}

func TestAssignmentUpsert(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.NewProject(t, st, "proj-1", "Book")

	ctx := context.Background()
	va := store.VoiceAssignment{
		ProjectID: "proj-1",
		SpeakerID: segment.NarratorID,
		State:     store.AssignmentAssigned,
		VoiceID:   "en_male_warm",
		Pitch:     1.0,
		Rate:      1.0,
		Emphasis:  1.0,
	}
	if err := st.UpsertAssignment(ctx, va); err != nil {
		t.Fatalf("UpsertAssignment failed: %v", err)
	}

	va.VoiceID = "en_female_bright"
	va.State = store.AssignmentVerified
	if err := st.UpsertAssignment(ctx, va); err != nil {
		t.Fatalf("second UpsertAssignment failed: %v", err)
	}

	got, err := st.GetAssignment(ctx, "proj-1", segment.NarratorID)
	if err != nil {
		t.Fatalf("GetAssignment failed: %v", err)
	}
	if got == nil || got.VoiceID != "en_female_bright" || got.State != store.AssignmentVerified {
		t.Fatalf("unexpected assignment: %#v", got)
	}
}

func TestJobLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.NewProject(t, st, "proj-1", "Book")

	ctx := context.Background()
	job := &store.SynthesisJob{
		ID:           "job-1",
		ProjectID:    "proj-1",
		SpeakerID:    segment.NarratorID,
		VoiceID:      "en_male_warm",
		StartSegment: 1,
		EndSegment:   4,
		State:        store.JobPending,
	}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}

	claimed, err := st.NextPendingJob(ctx, "proj-1")
	if err != nil {
		t.Fatalf("NextPendingJob failed: %v", err)
	}
	if claimed == nil || claimed.ID != "job-1" || claimed.State != store.JobRunning {
		t.Fatalf("unexpected claimed job: %#v", claimed)
	}

	again, err := st.NextPendingJob(ctx, "proj-1")
	if err != nil {
		t.Fatalf("second NextPendingJob failed: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no second claim, got %#v", again)
	}

	claimed.State = store.JobFailed
	claimed.Attempts = 1
	claimed.ErrorMessage = "engine timeout"
	if err := st.UpdateJob(ctx, claimed); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	stats, err := st.JobStats(ctx, "proj-1")
	if err != nil {
		t.Fatalf("JobStats failed: %v", err)
	}
	if stats[store.JobFailed] != 1 {
		t.Fatalf("expected one failed job, got %#v", stats)
	}
}

func TestResetRunningJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.NewProject(t, st, "proj-1", "Book")

	ctx := context.Background()
	job := &store.SynthesisJob{
		ID:           "job-1",
		ProjectID:    "proj-1",
		SpeakerID:    1,
		VoiceID:      "v",
		StartSegment: 1,
		EndSegment:   2,
		State:        store.JobRunning,
	}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}

	count, err := st.ResetRunningJobs(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ResetRunningJobs failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 reset job, got %d", count)
	}

	got, err := st.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.State != store.JobPending {
		t.Fatalf("expected pending after reset, got %q", got.State)
	}
}
