package registry_test

import (
	"context"
	"testing"

	"fable/internal/registry"
	"fable/internal/segment"
	"fable/internal/store"
	"fable/internal/testsupport"
)

func newRegistry(t *testing.T) (*registry.Registry, *store.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.NewProject(t, st, "proj-1", "Book")
	return registry.New(st, nil), st
}

func TestProposeCreatesThenMatches(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	mira, err := reg.Propose(ctx, "proj-1", "Mira", 1)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if mira.Frequency != 1 {
		t.Fatalf("new character should have frequency 1, got %d", mira.Frequency)
	}

	again, err := reg.Propose(ctx, "proj-1", "MIRA", 5)
	if err != nil {
		t.Fatalf("second Propose failed: %v", err)
	}
	if again.ID != mira.ID {
		t.Fatalf("case variants must resolve to one character: %d vs %d", again.ID, mira.ID)
	}
	if again.Frequency != 2 {
		t.Fatalf("expected frequency 2, got %d", again.Frequency)
	}
	if again.LastSeenSegment != 5 {
		t.Fatalf("expected recency updated to 5, got %d", again.LastSeenSegment)
	}
}

func TestProposeNormalizesDiacriticsAndPunctuation(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	jose, err := reg.Propose(ctx, "proj-1", "José", 1)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	plain, err := reg.Propose(ctx, "proj-1", "Jose.", 2)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if plain.ID != jose.ID {
		t.Fatal("diacritic and punctuation variants must match")
	}
}

func TestProposeNicknameResolvesToExisting(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	bob, err := reg.Propose(ctx, "proj-1", "Bob", 1)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	bobby, err := reg.Propose(ctx, "proj-1", "Bobby", 2)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if bobby.ID != bob.ID {
		t.Fatalf("nickname variants share a canonical form, expected one character, got %d and %d", bob.ID, bobby.ID)
	}
	if bobby.Frequency != 2 {
		t.Fatalf("expected frequency 2 after nickname match, got %d", bobby.Frequency)
	}
}

func TestMergeReassignsAndResolvesOldAliases(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	bob, err := reg.Propose(ctx, "proj-1", "Bob", 1)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	// "Duchess" shares no nickname key with Bob, so it becomes distinct.
	duchess, err := reg.Propose(ctx, "proj-1", "Duchess", 2)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	segments := []segment.Segment{
		{ID: 1, ProjectID: "proj-1", Text: "a", Type: segment.TypeDialogue, SpeakerID: bob.ID, Confidence: 0.9, Provenance: segment.ProvenanceRule},
		{ID: 2, ProjectID: "proj-1", Text: "b", Type: segment.TypeDialogue, SpeakerID: duchess.ID, Confidence: 0.9, Provenance: segment.ProvenanceRule},
	}
	if err := st.ReplaceSegments(ctx, "proj-1", segments); err != nil {
		t.Fatalf("ReplaceSegments failed: %v", err)
	}

	if err := reg.Merge(ctx, "proj-1", bob.ID, duchess.ID); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	// The old alias now resolves to the winner, not a new character.
	resolved, err := reg.Propose(ctx, "proj-1", "Duchess", 3)
	if err != nil {
		t.Fatalf("Propose after merge failed: %v", err)
	}
	if resolved.ID != bob.ID {
		t.Fatalf("merged alias must resolve to winner %d, got %d", bob.ID, resolved.ID)
	}

	listed, err := st.ListSegments(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	for _, seg := range listed {
		if seg.SpeakerID != bob.ID {
			t.Fatalf("segment %d still references merged character %d", seg.ID, seg.SpeakerID)
		}
	}

	characters, err := reg.Characters(ctx, "proj-1")
	if err != nil {
		t.Fatalf("Characters failed: %v", err)
	}
	if len(characters) != 1 {
		t.Fatalf("expected one character after merge, got %d", len(characters))
	}
	if characters[0].Frequency != 3 {
		t.Fatalf("expected summed frequency 3, got %d", characters[0].Frequency)
	}
}

func TestResolveConflictPrefersFrequencyThenRecency(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := reg.Propose(ctx, "proj-1", "Mira", int64(i+1)); err != nil {
			t.Fatalf("Propose failed: %v", err)
		}
	}
	if _, err := reg.Propose(ctx, "proj-1", "Bram", 10); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	chosen, err := reg.ResolveConflict(ctx, "proj-1", []string{"Bram", "Mira"})
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if chosen != "Mira" {
		t.Fatalf("higher frequency must win, got %q", chosen)
	}

	// Equal frequency: the more recently active name wins.
	for i := 0; i < 2; i++ {
		if _, err := reg.Propose(ctx, "proj-1", "Bram", int64(20+i)); err != nil {
			t.Fatalf("Propose failed: %v", err)
		}
	}
	chosen, err = reg.ResolveConflict(ctx, "proj-1", []string{"Bram", "Mira"})
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if chosen != "Bram" {
		t.Fatalf("recency tie-break must pick Bram, got %q", chosen)
	}
}

func TestViewLookup(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	mira, err := reg.Propose(ctx, "proj-1", "Mira", 1)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	view := reg.View("proj-1")
	id, ok := view.Lookup("mira")
	if !ok || id != mira.ID {
		t.Fatalf("expected view lookup to resolve, got id=%d ok=%v", id, ok)
	}
	if _, ok := view.Lookup("Stranger"); ok {
		t.Fatal("unknown names must not resolve")
	}
}

func TestLoadRebuildsFromStore(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	mira, err := reg.Propose(ctx, "proj-1", "Mira", 1)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	fresh := registry.New(st, nil)
	if err := fresh.Load(ctx, "proj-1"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	id, ok := fresh.Lookup(ctx, "proj-1", "Mira")
	if !ok || id != mira.ID {
		t.Fatalf("expected persisted character to resolve after reload, got id=%d ok=%v", id, ok)
	}
}
