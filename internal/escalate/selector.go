// Package escalate decides which segments are too uncertain for rule-based
// output and groups them into bounded context windows for deeper analysis.
package escalate

import (
	"log/slog"
	"sort"
	"strings"

	"fable/internal/config"
	"fable/internal/logging"
	"fable/internal/segment"
)

// Window is a transient grouping of uncertain segments plus surrounding
// context. It exists only for the duration of one analysis call.
type Window struct {
	ProjectID string
	// TargetIDs are the uncertain segments the analysis must resolve.
	TargetIDs []int64
	// Segments holds targets plus context neighbors in narrative order.
	Segments []segment.Segment
	// Characters is a snapshot of canonical names known when the window
	// was built, for consistency prompting.
	Characters []string
}

// Text concatenates the window's segments for submission to an analyzer.
func (w Window) Text() string {
	parts := make([]string, 0, len(w.Segments))
	for _, seg := range w.Segments {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, "\n")
}

// Contains reports whether the segment id is one of the window's targets.
func (w Window) Contains(id int64) bool {
	for _, target := range w.TargetIDs {
		if target == id {
			return true
		}
	}
	return false
}

// Selector builds context windows from a classified segment sequence.
type Selector struct {
	threshold float64
	before    int
	after     int
	maxChars  int
	mergeGap  int
	logger    *slog.Logger
}

// New returns a selector configured from the segmenter section.
func New(cfg config.Segmenter, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Selector{
		threshold: cfg.ConfidenceThreshold,
		before:    cfg.ContextBefore,
		after:     cfg.ContextAfter,
		maxChars:  cfg.MaxWindowChars,
		mergeGap:  cfg.MergeGap,
		logger:    logging.NewComponentLogger(logger, "escalate"),
	}
}

// Select groups uncertain segments into ordered context windows. Runs of
// uncertain segments separated by no more than the configured gap of
// confident segments share a window to preserve narrative continuity.
func (s *Selector) Select(projectID string, segments []segment.Segment, known []string) []Window {
	runs := s.groupRuns(segments)
	if len(runs) == 0 {
		return nil
	}

	snapshot := make([]string, len(known))
	copy(snapshot, known)
	sort.Strings(snapshot)

	windows := make([]Window, 0, len(runs))
	for _, run := range runs {
		for _, bounded := range s.bound(segments, run) {
			windows = append(windows, s.build(projectID, segments, bounded, snapshot))
		}
	}

	s.logger.Debug("escalation selected",
		logging.String(logging.FieldProjectID, projectID),
		logging.Int("windows", len(windows)))
	return windows
}

type indexRun struct {
	start int // inclusive index into segments
	end   int // inclusive
}

func (s *Selector) groupRuns(segments []segment.Segment) []indexRun {
	var runs []indexRun
	for i, seg := range segments {
		if !seg.NeedsEscalation(s.threshold) {
			continue
		}
		if len(runs) > 0 {
			last := &runs[len(runs)-1]
			if i-last.end-1 <= s.mergeGap {
				last.end = i
				continue
			}
		}
		runs = append(runs, indexRun{start: i, end: i})
	}
	return runs
}

// bound splits a run whose target text alone exceeds the window budget.
func (s *Selector) bound(segments []segment.Segment, run indexRun) []indexRun {
	var (
		out   []indexRun
		start = run.start
		chars = 0
	)
	for i := run.start; i <= run.end; i++ {
		length := len(segments[i].Text) + 1
		if chars+length > s.maxChars && i > start {
			out = append(out, indexRun{start: start, end: i - 1})
			start = i
			chars = 0
		}
		chars += length
	}
	out = append(out, indexRun{start: start, end: run.end})
	return out
}

func (s *Selector) build(projectID string, segments []segment.Segment, run indexRun, snapshot []string) Window {
	before := s.before
	after := s.after

	window := Window{ProjectID: projectID, Characters: snapshot}
	for i := run.start; i <= run.end; i++ {
		if segments[i].NeedsEscalation(s.threshold) {
			window.TargetIDs = append(window.TargetIDs, segments[i].ID)
		}
	}

	start := run.start - before
	if start < 0 {
		start = 0
	}
	end := run.end + after
	if end > len(segments)-1 {
		end = len(segments) - 1
	}

	// Trim context from the edges when the budget is exceeded; targets are
	// never trimmed here, bound() already split oversized runs.
	for spanChars(segments, start, end) > s.maxChars {
		if end > run.end {
			end--
			continue
		}
		if start < run.start {
			start++
			continue
		}
		break
	}

	window.Segments = append(window.Segments, segments[start:end+1]...)
	return window
}

func spanChars(segments []segment.Segment, start, end int) int {
	total := 0
	for i := start; i <= end; i++ {
		total += len(segments[i].Text) + 1
	}
	return total
}
