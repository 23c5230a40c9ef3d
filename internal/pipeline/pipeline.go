// Package pipeline orchestrates a project's passage from raw text to
// synthesized audio: rule segmentation, escalated analysis with local
// fallback, attribution merging, and synthesis planning.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"fable/internal/analysis"
	"fable/internal/config"
	"fable/internal/escalate"
	"fable/internal/logging"
	"fable/internal/merger"
	"fable/internal/registry"
	"fable/internal/segment"
	"fable/internal/segmenter"
	"fable/internal/services"
	"fable/internal/store"
	"fable/internal/synth"
	"fable/internal/voices"
)

// Analyzer is the escalation backend contract. The production implementation
// is the external analysis client; tests substitute their own.
type Analyzer interface {
	Analyze(ctx context.Context, window escalate.Window) (analysis.Result, *analysis.Failure)
}

// Event reports pipeline progress to an optional observer.
type Event struct {
	ProjectID string
	Stage     string
	Message   string
	Done      int
	Total     int
}

// Pipeline coordinates the attribution and synthesis subsystems for all
// projects.
type Pipeline struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Registry
	selector *escalate.Selector
	analyzer Analyzer
	fallback analysis.Fallback
	merger   *merger.Merger
	voices   *voices.Manager
	synth    *synth.Manager
	logger   *slog.Logger
	progress func(Event)

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option customizes pipeline construction.
type Option func(*Pipeline)

// WithProgress registers an observer for progress events. The callback runs
// on pipeline goroutines and must not block.
func WithProgress(fn func(Event)) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// New wires a pipeline from its subsystems.
func New(cfg *config.Config, st *store.Store, reg *registry.Registry, analyzer Analyzer, vm *voices.Manager, sm *synth.Manager, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Pipeline{
		cfg:      cfg,
		store:    st,
		registry: reg,
		selector: escalate.New(cfg.Segmenter, logger),
		analyzer: analyzer,
		merger:   merger.New(st, reg, cfg.Merger.AnalysisMargin, logger),
		voices:   vm,
		synth:    sm,
		logger:   logging.NewComponentLogger(logger, "pipeline"),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) emit(ev Event) {
	if p.progress != nil {
		p.progress(ev)
	}
}

// begin derives a cancelable context for a project pass and registers it so
// Cancel can reach it.
func (p *Pipeline) begin(ctx context.Context, projectID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if prev, ok := p.cancels[projectID]; ok {
		prev()
	}
	p.cancels[projectID] = cancel
	p.mu.Unlock()

	return ctx, func() {
		p.mu.Lock()
		delete(p.cancels, projectID)
		p.mu.Unlock()
		cancel()
	}
}

// Cancel aborts the running pass for a project, if any. Segments already
// merged keep their state; in-flight windows are discarded.
func (p *Pipeline) Cancel(projectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.cancels[projectID]
	if ok {
		cancel()
	}
	return ok
}

// CreateProject registers a new project.
func (p *Pipeline) CreateProject(ctx context.Context, title, sourcePath string) (*store.Project, error) {
	project, err := p.store.CreateProject(ctx, uuid.NewString(), title, sourcePath)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "pipeline", "create", "persist project", err)
	}
	p.logger.Info("project created",
		logging.String(logging.FieldProjectID, project.ID),
		logging.String("title", title))
	return project, nil
}

// Segment runs the rule pass over raw text: classify every unit, persist the
// segment set, and commit staged name candidates to the registry.
func (p *Pipeline) Segment(ctx context.Context, projectID, text string) (segmenter.Result, error) {
	if err := p.store.UpdateProjectState(ctx, projectID, store.ProjectSegmenting, ""); err != nil {
		return segmenter.Result{}, services.Wrap(services.ErrTransient, "pipeline", "segment", "update state", err)
	}

	// Overridden segments survive re-segmentation untouched; remember them so
	// the rule pass never writes over a user's decision.
	existing, err := p.store.ListSegments(ctx, projectID)
	if err != nil {
		return segmenter.Result{}, p.failProject(ctx, projectID, "segment", err)
	}
	locked := make(map[int64]bool)
	for _, seg := range existing {
		if seg.Locked() {
			locked[seg.ID] = true
		}
	}

	units := SplitUnits(text)
	rules := segmenter.New(p.registry.View(projectID), p.logger)
	result := rules.Run(projectID, units)

	if err := p.store.ReplaceSegments(ctx, projectID, result.Segments); err != nil {
		return segmenter.Result{}, p.failProject(ctx, projectID, "segment", err)
	}

	// Candidates become registry entries; when several names compete for one
	// segment the registry arbitrates.
	names := make(map[int64][]string)
	for _, cand := range result.Candidates {
		if _, err := p.registry.Propose(ctx, projectID, cand.Name, cand.SegmentID); err != nil {
			return segmenter.Result{}, p.failProject(ctx, projectID, "segment", err)
		}
		names[cand.SegmentID] = append(names[cand.SegmentID], cand.Name)
	}
	for _, cand := range result.Candidates {
		candidates, ok := names[cand.SegmentID]
		if !ok || locked[cand.SegmentID] {
			continue
		}
		delete(names, cand.SegmentID)

		chosen := candidates[0]
		if len(candidates) > 1 {
			if picked, err := p.registry.ResolveConflict(ctx, projectID, candidates); err == nil {
				chosen = picked
			}
		}
		id, ok := p.registry.Lookup(ctx, projectID, chosen)
		if !ok {
			continue
		}
		seg := &result.Segments[cand.SegmentID-1]
		if seg.ID == cand.SegmentID && !seg.HasSpeaker() {
			seg.SpeakerID = id
			if err := p.store.UpdateSegment(ctx, *seg); err != nil {
				return segmenter.Result{}, p.failProject(ctx, projectID, "segment", err)
			}
		}
	}

	p.emit(Event{ProjectID: projectID, Stage: "segment", Message: "rule pass complete", Done: len(result.Segments), Total: len(result.Segments)})
	p.logger.Info("segmentation complete",
		logging.String(logging.FieldProjectID, projectID),
		logging.Int("segments", len(result.Segments)),
		logging.Int("candidates", len(result.Candidates)))
	return result, nil
}

// Analyze escalates low-confidence segments to the analyzer and merges the
// verdicts. Analyzer failures engage the local fallback so the pass always
// finishes with every segment concrete; only cancellation leaves segments
// untouched.
func (p *Pipeline) Analyze(ctx context.Context, projectID string) error {
	ctx, done := p.begin(ctx, projectID)
	defer done()

	if err := p.store.UpdateProjectState(ctx, projectID, store.ProjectAnalyzing, ""); err != nil {
		return services.Wrap(services.ErrTransient, "pipeline", "analyze", "update state", err)
	}

	segments, err := p.store.ListSegments(ctx, projectID)
	if err != nil {
		return p.failProject(ctx, projectID, "analyze", err)
	}
	known, err := p.registry.CanonicalNames(ctx, projectID)
	if err != nil {
		return p.failProject(ctx, projectID, "analyze", err)
	}

	windows := p.selector.Select(projectID, segments, known)
	if len(windows) == 0 {
		return p.finishAnalysis(ctx, projectID, 0, 0)
	}

	inFlight := p.cfg.Analysis.MaxInFlight
	if inFlight < 1 {
		inFlight = 1
	}

	var (
		wg        sync.WaitGroup
		mergeMu   sync.Mutex
		changed   int
		fallbacks int
		firstErr  error
	)
	sem := make(chan struct{}, inFlight)

	for _, window := range windows {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(w escalate.Window) {
			defer wg.Done()
			defer func() { <-sem }()

			result, usedFallback, err := p.analyzeWindow(ctx, w)
			mergeMu.Lock()
			defer mergeMu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			n, err := p.merger.Apply(ctx, w, result)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			changed += n
			if usedFallback {
				fallbacks++
			}
			p.applyHints(ctx, projectID, result.Hints)
			p.emit(Event{ProjectID: projectID, Stage: "analyze", Message: "window merged", Done: changed, Total: len(windows)})
		}(window)
	}
	wg.Wait()

	if ctx.Err() != nil || isCanceledFailure(firstErr) {
		// Canceled passes leave already-merged segments in place and report
		// no project failure.
		p.logger.Info("analysis canceled",
			logging.String(logging.FieldProjectID, projectID),
			logging.Int("merged", changed))
		if firstErr != nil {
			return firstErr
		}
		return ctx.Err()
	}
	if firstErr != nil {
		return p.failProject(ctx, projectID, "analyze", firstErr)
	}
	return p.finishAnalysis(ctx, projectID, changed, fallbacks)
}

// analyzeWindow runs one window through the analyzer, falling back to the
// local heuristic on any retriable failure. Cancellation propagates as an
// error so no fabricated attribution lands.
func (p *Pipeline) analyzeWindow(ctx context.Context, window escalate.Window) (analysis.Result, bool, error) {
	result, failure := p.analyzer.Analyze(ctx, window)
	if failure == nil {
		return result, false, nil
	}
	if failure.Reason == analysis.FailureCanceled {
		return analysis.Result{}, false, failure
	}

	p.logger.Warn("analysis failed, engaging local fallback",
		logging.String(logging.FieldProjectID, window.ProjectID),
		logging.String("reason", string(failure.Reason)),
		logging.Error(failure))
	return p.fallback.Analyze(window), true, nil
}

// applyHints stores analyzer-provided character descriptors; the voice
// manager reads them for default suggestions. Hint problems are logged and
// never fail the pass.
func (p *Pipeline) applyHints(ctx context.Context, projectID string, hints []analysis.CharacterHint) {
	for _, hint := range hints {
		id, ok := p.registry.Lookup(ctx, projectID, hint.Name)
		if !ok {
			continue
		}
		attrs, err := json.Marshal(voices.Attributes{
			Narrator: hint.Narrator,
			Gender:   hint.Gender,
			Age:      hint.Age,
			Style:    hint.Style,
		})
		if err != nil {
			continue
		}
		if err := p.registry.SetAttributes(ctx, projectID, id, string(attrs)); err != nil {
			p.logger.Warn("storing character attributes failed",
				logging.String(logging.FieldProjectID, projectID),
				logging.String(logging.FieldCharacter, hint.Name),
				logging.Error(err))
		}
	}
}

func isCanceledFailure(err error) bool {
	var failure *analysis.Failure
	return errors.As(err, &failure) && failure.Reason == analysis.FailureCanceled
}

func (p *Pipeline) finishAnalysis(ctx context.Context, projectID string, changed, fallbacks int) error {
	if err := p.store.UpdateProjectState(ctx, projectID, store.ProjectCasting, ""); err != nil {
		return services.Wrap(services.ErrTransient, "pipeline", "analyze", "update state", err)
	}
	p.logger.Info("analysis complete",
		logging.String(logging.FieldProjectID, projectID),
		logging.Int("merged", changed),
		logging.Int("fallback_windows", fallbacks))
	return nil
}

// Override pins a segment to a user-provided classification. Overridden
// segments are immutable to every later automated pass.
func (p *Pipeline) Override(ctx context.Context, projectID string, segmentID int64, segType segment.Type, speakerName string) error {
	seg, err := p.store.GetSegment(ctx, projectID, segmentID)
	if err != nil {
		return services.Wrap(services.ErrTransient, "pipeline", "override", "load segment", err)
	}
	if seg == nil {
		return services.Wrap(services.ErrValidation, "pipeline", "override", fmt.Sprintf("segment %d not found", segmentID), nil)
	}

	seg.Type = segType
	seg.Confidence = 1.0
	seg.Provenance = segment.ProvenanceUserOverride
	switch {
	case segType == segment.TypeNarration:
		seg.SpeakerID = segment.NarratorID
	case speakerName != "":
		ch, err := p.registry.Propose(ctx, projectID, speakerName, segmentID)
		if err != nil {
			return err
		}
		seg.SpeakerID = ch.ID
	}

	if err := p.store.UpdateSegment(ctx, *seg); err != nil {
		return services.Wrap(services.ErrTransient, "pipeline", "override", "persist segment", err)
	}
	p.logger.Info("segment overridden",
		logging.String(logging.FieldProjectID, projectID),
		logging.Int64("segment_id", segmentID),
		logging.String("type", string(segType)))
	return nil
}

// AssignVoice binds a voice to a speaker and re-checks synthesis
// eligibility; pending jobs for the speaker become runnable on the next
// synthesis pass.
func (p *Pipeline) AssignVoice(ctx context.Context, projectID string, speakerID int64, voiceID string, pitch, rate, emphasis float64) error {
	if _, err := p.voices.Assign(ctx, projectID, speakerID, voiceID, pitch, rate, emphasis); err != nil {
		return err
	}
	return nil
}

// Synthesize plans jobs when none exist and drains the queue. The project
// completes only when every job does; speakers still awaiting voices leave
// the project in the synthesizing state.
func (p *Pipeline) Synthesize(ctx context.Context, projectID string) error {
	ctx, done := p.begin(ctx, projectID)
	defer done()

	if err := p.store.UpdateProjectState(ctx, projectID, store.ProjectSynthesizing, ""); err != nil {
		return services.Wrap(services.ErrTransient, "pipeline", "synthesize", "update state", err)
	}

	jobs, err := p.store.ListJobs(ctx, projectID)
	if err != nil {
		return p.failProject(ctx, projectID, "synthesize", err)
	}
	if len(jobs) == 0 {
		if _, err := p.synth.Plan(ctx, projectID); err != nil {
			return p.failProject(ctx, projectID, "synthesize", err)
		}
	}

	if err := p.synth.Run(ctx, projectID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.failProject(ctx, projectID, "synthesize", err)
	}

	stats, err := p.synth.Stats(ctx, projectID)
	if err != nil {
		return p.failProject(ctx, projectID, "synthesize", err)
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	if total > 0 && stats[store.JobCompleted] == total {
		if err := p.store.UpdateProjectState(ctx, projectID, store.ProjectCompleted, ""); err != nil {
			return services.Wrap(services.ErrTransient, "pipeline", "synthesize", "update state", err)
		}
	}
	p.emit(Event{ProjectID: projectID, Stage: "synthesize", Message: "queue drained", Done: stats[store.JobCompleted], Total: total})
	return nil
}

// Process runs the whole pipeline for fresh text: segment, analyze, then
// synthesize whatever is castable.
func (p *Pipeline) Process(ctx context.Context, projectID, text string) error {
	if _, err := p.Segment(ctx, projectID, text); err != nil {
		return err
	}
	if err := p.Analyze(ctx, projectID); err != nil {
		return err
	}
	return p.Synthesize(ctx, projectID)
}

// Advance moves a project forward from its persisted state: fresh projects
// are segmented and analyzed from their source file, cast and synthesizing
// projects have their job queues drained. It reports whether a stage ran;
// completed and failed projects are left alone. The daemon calls this on
// every poll.
func (p *Pipeline) Advance(ctx context.Context, projectID string) (bool, error) {
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return false, services.Wrap(services.ErrTransient, "pipeline", "advance", "load project", err)
	}
	if project == nil {
		return false, services.Wrap(services.ErrNotFound, "pipeline", "advance", fmt.Sprintf("project %s not found", projectID), nil)
	}

	switch project.State {
	case store.ProjectCreated, store.ProjectSegmenting:
		text, err := os.ReadFile(project.SourcePath)
		if err != nil {
			return false, p.failProject(ctx, projectID, "advance", err)
		}
		if _, err := p.Segment(ctx, projectID, string(text)); err != nil {
			return true, err
		}
		return true, p.Analyze(ctx, projectID)
	case store.ProjectAnalyzing:
		// An interrupted pass; re-run it over the persisted segments.
		return true, p.Analyze(ctx, projectID)
	case store.ProjectCasting, store.ProjectSynthesizing:
		return true, p.Synthesize(ctx, projectID)
	default:
		return false, nil
	}
}

func (p *Pipeline) failProject(ctx context.Context, projectID, op string, cause error) error {
	if err := p.store.UpdateProjectState(ctx, projectID, store.ProjectFailed, cause.Error()); err != nil {
		p.logger.Error("recording project failure failed",
			logging.String(logging.FieldProjectID, projectID),
			logging.Error(err))
	}
	return services.Wrap(services.ErrTransient, "pipeline", op, "pass failed", cause)
}
