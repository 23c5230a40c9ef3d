// Package merger combines rule-pass state with analysis results into final
// per-segment attributions: margin-based precedence, provenance tie-breaks,
// and speaker resolution through the character registry.
package merger

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"fable/internal/analysis"
	"fable/internal/escalate"
	"fable/internal/logging"
	"fable/internal/registry"
	"fable/internal/segment"
	"fable/internal/services"
	"fable/internal/store"
)

// Merger applies analysis results to persisted segments. Results are keyed
// by segment id, so completion order of concurrent analyses never affects
// the persisted narrative order.
type Merger struct {
	store    *store.Store
	registry *registry.Registry
	margin   float64
	logger   *slog.Logger
}

// New returns a merger with the configured analysis margin.
func New(st *store.Store, reg *registry.Registry, margin float64, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Merger{
		store:    st,
		registry: reg,
		margin:   margin,
		logger:   logging.NewComponentLogger(logger, "merger"),
	}
}

// Apply merges one window's analysis result. Returns the number of segments
// whose classification changed.
func (m *Merger) Apply(ctx context.Context, window escalate.Window, result analysis.Result) (int, error) {
	changed := 0
	for _, sr := range result.Segments {
		if !window.Contains(sr.SegmentID) {
			continue
		}
		seg, err := m.store.GetSegment(ctx, window.ProjectID, sr.SegmentID)
		if err != nil {
			return changed, services.Wrap(services.ErrTransient, "merger", "apply", "load segment", err)
		}
		if seg == nil {
			continue
		}
		if seg.Locked() {
			// User overrides are final until an explicit re-analysis.
			continue
		}

		if !m.analysisWins(*seg, sr, result.Provenance) {
			continue
		}

		updated, err := m.resolve(ctx, *seg, sr, result.Provenance)
		if err != nil {
			return changed, err
		}
		if err := m.store.UpdateSegment(ctx, updated); err != nil {
			return changed, services.Wrap(services.ErrTransient, "merger", "apply", "persist segment", err)
		}
		changed++
	}

	m.logger.Debug("window merged",
		logging.String(logging.FieldProjectID, window.ProjectID),
		logging.String(logging.FieldProvenance, string(result.Provenance)),
		logging.Int("changed", changed),
		logging.Int("results", len(result.Segments)))
	return changed, nil
}

// analysisWins decides precedence: an unresolved segment always takes the
// analysis, a clear margin win takes the analysis, otherwise the higher
// confidence wins and exact ties fall back to provenance rank.
func (m *Merger) analysisWins(seg segment.Segment, sr analysis.SegmentResult, provenance segment.Provenance) bool {
	if seg.Type == segment.TypeUnresolved {
		return true
	}
	if sr.Confidence > seg.Confidence+m.margin {
		return true
	}
	if sr.Confidence > seg.Confidence {
		return true
	}
	if sr.Confidence == seg.Confidence {
		return segment.ProvenanceRank(provenance) > segment.ProvenanceRank(seg.Provenance)
	}
	return false
}

func (m *Merger) resolve(ctx context.Context, seg segment.Segment, sr analysis.SegmentResult, provenance segment.Provenance) (segment.Segment, error) {
	segType, _ := segment.ParseType(sr.Type)
	seg.Type = segType
	seg.Confidence = sr.Confidence
	seg.Provenance = provenance

	switch {
	case segType == segment.TypeNarration:
		seg.SpeakerID = segment.NarratorID
	case strings.TrimSpace(sr.Speaker) != "":
		ch, err := m.registry.Propose(ctx, seg.ProjectID, sr.Speaker, seg.ID)
		switch {
		case errors.Is(err, services.ErrValidation):
			// An unusable speaker name loses only the attribution; the
			// classification still lands and the previous guess stands.
			m.logger.Warn("skipping unusable speaker name",
				logging.String(logging.FieldProjectID, seg.ProjectID),
				logging.String(logging.FieldCharacter, sr.Speaker),
				logging.Int64("segment_id", seg.ID))
		case err != nil:
			return seg, err
		default:
			seg.SpeakerID = ch.ID
		}
	}
	// Dialogue without a named speaker keeps any previous guess.
	return seg, nil
}
