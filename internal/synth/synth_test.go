package synth_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"fable/internal/segment"
	"fable/internal/store"
	"fable/internal/synth"
	"fable/internal/testsupport"
	"fable/internal/voices"
)

// fakeEngine records requests and fails for voices listed in failVoices.
type fakeEngine struct {
	mu         sync.Mutex
	requests   []synth.Request
	failVoices map[string]bool
}

func (e *fakeEngine) Synthesize(_ context.Context, req synth.Request) (synth.Audio, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	if e.failVoices[req.VoiceID] {
		return synth.Audio{}, errors.New("engine exploded")
	}
	return synth.Audio{Data: []byte("audio"), DurationSeconds: 2.5}, nil
}

func (e *fakeEngine) Voices(context.Context) ([]voices.Voice, error) {
	return []voices.Voice{{ID: "fake_voice"}}, nil
}

func (e *fakeEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

type fixture struct {
	store   *store.Store
	voices  *voices.Manager
	engine  *fakeEngine
	manager *synth.Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.NewProject(t, st, "proj-1", "Book")
	vm := voices.NewManager(st, nil)
	engine := &fakeEngine{failVoices: map[string]bool{}}
	return fixture{
		store:   st,
		voices:  vm,
		engine:  engine,
		manager: synth.NewManager(st, vm, engine, cfg, nil),
	}
}

func (f fixture) seed(t *testing.T, segments ...segment.Segment) {
	t.Helper()
	if err := f.store.ReplaceSegments(context.Background(), "proj-1", segments); err != nil {
		t.Fatalf("ReplaceSegments failed: %v", err)
	}
}

func (f fixture) assign(t *testing.T, speakerID int64, voiceID string) {
	t.Helper()
	if _, err := f.voices.Assign(context.Background(), "proj-1", speakerID, voiceID, 1.0, 1.0, 1.0); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
}

func seg(id int64, text string, segType segment.Type, speaker int64) segment.Segment {
	return segment.Segment{
		ID:         id,
		ProjectID:  "proj-1",
		Text:       text,
		Type:       segType,
		SpeakerID:  speaker,
		Confidence: 0.9,
		Provenance: segment.ProvenanceRule,
	}
}

func TestPlanGroupsContiguousSpeakerRuns(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		seg(1, "The rain fell.", segment.TypeNarration, segment.NarratorID),
		seg(2, "The street emptied.", segment.TypeNarration, segment.NarratorID),
		seg(3, `"We should go."`, segment.TypeDialogue, 1),
		seg(4, "Mira nodded.", segment.TypeNarration, segment.NarratorID),
		seg(5, `"Now."`, segment.TypeDialogue, 1),
	)

	jobs, err := f.manager.Plan(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(jobs) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(jobs))
	}

	wantRanges := [][3]int64{
		{segment.NarratorID, 1, 2},
		{1, 3, 3},
		{segment.NarratorID, 4, 4},
		{1, 5, 5},
	}
	for i, want := range wantRanges {
		job := jobs[i]
		if job.SpeakerID != want[0] || job.StartSegment != want[1] || job.EndSegment != want[2] {
			t.Fatalf("job %d: got speaker=%d range=[%d,%d], want speaker=%d range=[%d,%d]",
				i, job.SpeakerID, job.StartSegment, job.EndSegment, want[0], want[1], want[2])
		}
		if job.ID == "" || job.State != store.JobPending {
			t.Fatalf("job %d not pending with an id: %#v", i, job)
		}
		if job.DurationSeconds <= 0 {
			t.Fatalf("job %d missing duration estimate", i)
		}
	}
}

func TestPlanSkipsUnresolvedAndSpeakerlessSegments(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		seg(1, "Dust settled.", segment.TypeNarration, segment.NarratorID),
		seg(2, `"Maybe.`, segment.TypeUnresolved, 0),
		seg(3, `"Who knows."`, segment.TypeDialogue, 0),
	)

	jobs, err := f.manager.Plan(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].SpeakerID != segment.NarratorID {
		t.Fatalf("only the narration segment should plan, got %#v", jobs)
	}
}

func TestRunSynthesizesEligibleJobs(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		seg(1, "Night came quickly.", segment.TypeNarration, segment.NarratorID),
		seg(2, `"Close the gate."`, segment.TypeDialogue, 1),
	)
	f.assign(t, segment.NarratorID, "narrator_voice")
	f.assign(t, 1, "mira_voice")

	if _, err := f.manager.Plan(context.Background(), "proj-1"); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if err := f.manager.Run(context.Background(), "proj-1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	jobs, err := f.store.ListJobs(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	for _, job := range jobs {
		if job.State != store.JobCompleted {
			t.Fatalf("job %s not completed: %q (%s)", job.ID, job.State, job.ErrorMessage)
		}
		if job.DurationSeconds != 2.5 {
			t.Fatalf("engine duration should replace the estimate, got %v", job.DurationSeconds)
		}
		if _, err := os.Stat(job.OutputPath); err != nil {
			t.Fatalf("output file missing for %s: %v", job.ID, err)
		}
	}
	if f.engine.calls() != 2 {
		t.Fatalf("expected 2 engine calls, got %d", f.engine.calls())
	}
}

func TestUnassignedSpeakerStaysPendingUntilAssigned(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		seg(1, "Bob arrived at noon.", segment.TypeNarration, segment.NarratorID),
		seg(2, `"I got here as fast as I could."`, segment.TypeDialogue, 2),
	)
	f.assign(t, segment.NarratorID, "narrator_voice")

	if _, err := f.manager.Plan(context.Background(), "proj-1"); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if err := f.manager.Run(context.Background(), "proj-1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	pending, err := f.store.ListJobs(context.Background(), "proj-1", store.JobPending)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(pending) != 1 || pending[0].SpeakerID != 2 {
		t.Fatalf("the unassigned speaker's job must stay pending, got %#v", pending)
	}
	pendingID := pending[0].ID

	// Assigning the voice makes the existing job runnable; it is not
	// re-created.
	f.assign(t, 2, "bob_voice")
	if err := f.manager.Run(context.Background(), "proj-1"); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	job, err := f.store.GetJob(context.Background(), pendingID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.State != store.JobCompleted {
		t.Fatalf("job should complete after assignment, got %q", job.State)
	}
	if job.VoiceID != "bob_voice" {
		t.Fatalf("voice should late-bind from the assignment, got %q", job.VoiceID)
	}
}

func TestFailingJobRetriesThenAbandonsWithoutBlockingOthers(t *testing.T) {
	f := newFixture(t)
	f.engine.failVoices["bad_voice"] = true
	f.seed(t,
		seg(1, "All was calm.", segment.TypeNarration, segment.NarratorID),
		seg(2, `"Was it though."`, segment.TypeDialogue, 1),
	)
	f.assign(t, segment.NarratorID, "narrator_voice")
	f.assign(t, 1, "bad_voice")

	if _, err := f.manager.Plan(context.Background(), "proj-1"); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if err := f.manager.Run(context.Background(), "proj-1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	jobs, err := f.store.ListJobs(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	for _, job := range jobs {
		switch job.SpeakerID {
		case segment.NarratorID:
			if job.State != store.JobCompleted {
				t.Fatalf("healthy job must complete despite sibling failures, got %q", job.State)
			}
		case 1:
			if job.State != store.JobAbandoned {
				t.Fatalf("exhausted job must be abandoned, got %q", job.State)
			}
			if job.Attempts != 3 {
				t.Fatalf("expected 3 attempts before abandoning, got %d", job.Attempts)
			}
			if job.ErrorMessage == "" {
				t.Fatal("abandoned job must record its error")
			}
		}
	}
}

func TestPreviewVerifiesAssignment(t *testing.T) {
	f := newFixture(t)
	f.assign(t, 1, "mira_voice")

	audio, err := f.manager.Preview(context.Background(), "proj-1", 1, "A short sample sentence.")
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if len(audio.Data) == 0 {
		t.Fatal("preview should return audio")
	}

	va, err := f.voices.Get(context.Background(), "proj-1", 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if va.State != store.AssignmentVerified {
		t.Fatalf("successful preview must verify the assignment, got %q", va.State)
	}
}

func TestEstimateDuration(t *testing.T) {
	// 150 words at 150 wpm is one minute at rate 1.0.
	words := make([]byte, 0)
	for i := 0; i < 150; i++ {
		words = append(words, []byte("word ")...)
	}
	got := synth.EstimateDuration(string(words), 1.0)
	if got != 60.0 {
		t.Fatalf("expected 60s, got %v", got)
	}
	if fast := synth.EstimateDuration(string(words), 2.0); fast != 30.0 {
		t.Fatalf("doubling the rate halves the duration, got %v", fast)
	}
}

func TestNullEngineProducesPlayableSilence(t *testing.T) {
	engine := synth.NewEngine(testsupport.NewConfig(t).Synthesis, nil)
	audio, err := engine.Synthesize(context.Background(), synth.Request{
		Text: "One two three.", Rate: 1.0, SampleRate: 24000,
	})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len(audio.Data) < 44 || string(audio.Data[:4]) != "RIFF" {
		t.Fatal("expected a WAV container")
	}
	if audio.DurationSeconds <= 0 {
		t.Fatal("expected a positive duration estimate")
	}
	catalog, err := engine.Voices(context.Background())
	if err != nil || len(catalog) == 0 {
		t.Fatalf("placeholder engine must ship a catalog: %v", err)
	}
}
