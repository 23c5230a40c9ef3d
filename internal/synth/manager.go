package synth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"fable/internal/config"
	"fable/internal/logging"
	"fable/internal/segment"
	"fable/internal/services"
	"fable/internal/store"
	"fable/internal/voices"
)

// Manager plans and executes synthesis jobs for a project.
type Manager struct {
	store    *store.Store
	voices   *voices.Manager
	engine   Engine
	synthCfg config.Synthesis
	audioDir string
	logger   *slog.Logger
}

// NewManager wires the job manager to its store, assignment manager, and
// engine backend.
func NewManager(st *store.Store, vm *voices.Manager, engine Engine, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		store:    st,
		voices:   vm,
		engine:   engine,
		synthCfg: cfg.Synthesis,
		audioDir: cfg.Paths.AudioDir,
		logger:   logging.NewComponentLogger(logger, "synth"),
	}
}

// Plan rebuilds a project's job set from its current segments. Jobs cover
// maximal contiguous runs of segments sharing one speaker, in narrative
// order. Unresolved segments and dialogue without a speaker are skipped; a
// later attribution pass re-plans them in.
func (m *Manager) Plan(ctx context.Context, projectID string) ([]*store.SynthesisJob, error) {
	segments, err := m.store.ListSegments(ctx, projectID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "synth", "plan", "load segments", err)
	}

	if _, err := m.store.ClearJobs(ctx, projectID); err != nil {
		return nil, services.Wrap(services.ErrTransient, "synth", "plan", "clear jobs", err)
	}

	var jobs []*store.SynthesisJob
	for _, run := range speakerRuns(segments) {
		va, err := m.voices.Get(ctx, projectID, run.speakerID)
		if err != nil {
			return nil, err
		}
		voiceID := ""
		rate := 1.0
		if va != nil {
			voiceID = va.VoiceID
			rate = va.Rate
		}

		id := uuid.NewString()
		job := &store.SynthesisJob{
			ID:              id,
			ProjectID:       projectID,
			SpeakerID:       run.speakerID,
			VoiceID:         voiceID,
			StartSegment:    run.start,
			EndSegment:      run.end,
			State:           store.JobPending,
			DurationSeconds: EstimateDuration(run.text, rate),
			OutputPath:      filepath.Join(m.audioDir, projectID, id+"."+m.synthCfg.Format),
		}
		if err := m.store.InsertJob(ctx, job); err != nil {
			return nil, services.Wrap(services.ErrTransient, "synth", "plan", "insert job", err)
		}
		jobs = append(jobs, job)
	}

	m.logger.Info("synthesis plan built",
		logging.String(logging.FieldProjectID, projectID),
		logging.Int("jobs", len(jobs)),
		logging.Int("segments", len(segments)))
	return jobs, nil
}

type run struct {
	speakerID int64
	start     int64
	end       int64
	text      string
}

func speakerRuns(segments []segment.Segment) []run {
	var runs []run
	for _, seg := range segments {
		if !seg.Resolved() || !seg.HasSpeaker() {
			continue
		}
		if n := len(runs); n > 0 && runs[n-1].speakerID == seg.SpeakerID && runs[n-1].end == seg.ID-1 {
			runs[n-1].end = seg.ID
			runs[n-1].text += "\n" + seg.Text
			continue
		}
		runs = append(runs, run{speakerID: seg.SpeakerID, start: seg.ID, end: seg.ID, text: seg.Text})
	}
	return runs
}

// Run drains the project's job queue on a pool of workers. Jobs whose speaker
// has no voice assignment yet are left pending; they become runnable on the
// next Run after an assignment lands, without being re-created. Run returns
// once no claimable work remains.
func (m *Manager) Run(ctx context.Context, projectID string) error {
	if reset, err := m.store.ResetRunningJobs(ctx, projectID); err != nil {
		return services.Wrap(services.ErrTransient, "synth", "run", "reset stale jobs", err)
	} else if reset > 0 {
		m.logger.Warn("requeued jobs left running by a previous pass",
			logging.String(logging.FieldProjectID, projectID),
			logging.Int64("count", reset))
	}

	workers := m.synthCfg.WorkerCount
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.workLoop(ctx, projectID)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (m *Manager) workLoop(ctx context.Context, projectID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := m.claimNext(ctx, projectID)
		if err != nil {
			m.logger.Error("claiming next job failed",
				logging.String(logging.FieldProjectID, projectID),
				logging.Error(err))
			return
		}
		if job == nil {
			requeued, err := m.store.RequeueFailed(ctx, projectID, m.synthCfg.MaxRetries)
			if err != nil || requeued == 0 {
				return
			}
			continue
		}
		m.execute(ctx, job)
	}
}

// claimNext finds the earliest pending job whose speaker is eligible and
// claims it. Pending jobs for unassigned speakers are passed over.
func (m *Manager) claimNext(ctx context.Context, projectID string) (*store.SynthesisJob, error) {
	pending, err := m.store.ListJobs(ctx, projectID, store.JobPending)
	if err != nil {
		return nil, err
	}
	for _, job := range pending {
		eligible, err := m.voices.Eligible(ctx, projectID, job.SpeakerID)
		if err != nil {
			return nil, err
		}
		if !eligible {
			continue
		}
		claimed, err := m.store.ClaimJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if claimed {
			job.State = store.JobRunning
			return job, nil
		}
	}
	return nil, nil
}

// execute renders one job. A failure marks the job failed (or abandoned past
// the retry limit) and never aborts the pass; other jobs keep running.
func (m *Manager) execute(ctx context.Context, job *store.SynthesisJob) {
	va, err := m.voices.Get(ctx, job.ProjectID, job.SpeakerID)
	if err == nil && (va == nil || va.VoiceID == "") {
		err = services.Wrap(services.ErrConfiguration, "synth", "execute",
			fmt.Sprintf("speaker %d lost its voice assignment", job.SpeakerID), nil)
	}
	if err != nil {
		m.fail(ctx, job, err)
		return
	}
	// Late-bind the voice for jobs planned before the assignment existed.
	job.VoiceID = va.VoiceID

	segments, err := m.store.ListSegmentRange(ctx, job.ProjectID, job.StartSegment, job.EndSegment)
	if err != nil {
		m.fail(ctx, job, err)
		return
	}
	texts := make([]string, 0, len(segments))
	for _, seg := range segments {
		texts = append(texts, seg.Text)
	}

	audio, err := m.engine.Synthesize(ctx, Request{
		Text:       strings.Join(texts, "\n"),
		VoiceID:    va.VoiceID,
		Pitch:      va.Pitch,
		Rate:       va.Rate,
		Emphasis:   va.Emphasis,
		Format:     m.synthCfg.Format,
		SampleRate: m.synthCfg.SampleRate,
	})
	if err != nil {
		m.fail(ctx, job, err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		m.fail(ctx, job, err)
		return
	}
	if err := os.WriteFile(job.OutputPath, audio.Data, 0o644); err != nil {
		m.fail(ctx, job, err)
		return
	}

	job.State = store.JobCompleted
	job.ErrorMessage = ""
	if audio.DurationSeconds > 0 {
		job.DurationSeconds = audio.DurationSeconds
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.logger.Error("persisting completed job failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
		return
	}
	m.logger.Info("job completed",
		logging.String(logging.FieldProjectID, job.ProjectID),
		logging.String(logging.FieldJobID, job.ID),
		logging.Int64("speaker_id", job.SpeakerID),
		logging.Float64("duration_seconds", job.DurationSeconds))
}

func (m *Manager) fail(ctx context.Context, job *store.SynthesisJob, cause error) {
	job.Attempts++
	job.ErrorMessage = cause.Error()
	if job.Attempts >= m.synthCfg.MaxRetries {
		job.State = store.JobAbandoned
	} else {
		job.State = store.JobFailed
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.logger.Error("persisting failed job failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
		return
	}
	m.logger.Warn("job failed",
		logging.String(logging.FieldProjectID, job.ProjectID),
		logging.String(logging.FieldJobID, job.ID),
		logging.Int("attempts", job.Attempts),
		logging.String("state", string(job.State)),
		logging.Error(cause))
}

// Retry flips specific failed jobs (or all of them when no ids are given)
// back to pending at the user's request.
func (m *Manager) Retry(ctx context.Context, projectID string, ids ...string) (int64, error) {
	n, err := m.store.RetryJobs(ctx, projectID, ids...)
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "synth", "retry", "requeue jobs", err)
	}
	return n, nil
}

// Preview renders a short sample with a speaker's assigned voice and, on
// success, marks the assignment verified.
func (m *Manager) Preview(ctx context.Context, projectID string, speakerID int64, sample string) (Audio, error) {
	va, err := m.voices.Get(ctx, projectID, speakerID)
	if err != nil {
		return Audio{}, err
	}
	if va == nil || va.VoiceID == "" {
		return Audio{}, services.Wrap(services.ErrConfiguration, "synth", "preview",
			fmt.Sprintf("speaker %d has no voice assigned", speakerID), nil)
	}

	audio, err := m.engine.Synthesize(ctx, Request{
		Text:       sample,
		VoiceID:    va.VoiceID,
		Pitch:      va.Pitch,
		Rate:       va.Rate,
		Emphasis:   va.Emphasis,
		Format:     m.synthCfg.Format,
		SampleRate: m.synthCfg.SampleRate,
	})
	if err != nil {
		return Audio{}, err
	}
	if err := m.voices.Verify(ctx, projectID, speakerID); err != nil {
		return Audio{}, err
	}
	return audio, nil
}

// Catalog returns the engine's voice catalog.
func (m *Manager) Catalog(ctx context.Context) ([]voices.Voice, error) {
	return m.engine.Voices(ctx)
}

// Stats summarizes a project's job states.
func (m *Manager) Stats(ctx context.Context, projectID string) (map[store.JobState]int, error) {
	stats, err := m.store.JobStats(ctx, projectID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "synth", "stats", "load job stats", err)
	}
	return stats, nil
}
