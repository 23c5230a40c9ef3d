package analysis

import (
	"regexp"

	"fable/internal/escalate"
	"fable/internal/segment"
	"fable/internal/segmenter"
)

// Fallback confidence sits above the escalation threshold so segments do not
// loop back into escalation, but below rule canonical confidence so a later
// external result can still win the merge.
const (
	fallbackDialogueConfidence  = 0.65
	fallbackNarrationConfidence = 0.7
	fallbackGuessConfidence     = 0.62
)

var fallbackQuoteRe = regexp.MustCompile(`["\x{201C}\x{201D}]`)

// Fallback is the local heuristic analyzer: the same structured output as
// the external capability, computed from the window alone. It is a pure
// function and never fails.
type Fallback struct{}

// Analyze classifies every target of the window. Unlike the rule pass it can
// use the surrounding context: an untagged quote borrows its speaker from
// the nearest attributed dialogue or tag mention in the window.
func (Fallback) Analyze(window escalate.Window) Result {
	result := Result{Provenance: segment.ProvenanceLocalFallback}

	for _, seg := range window.Segments {
		if !window.Contains(seg.ID) {
			continue
		}

		quotes := fallbackQuoteRe.FindAllString(seg.Text, -1)
		if len(quotes) == 0 {
			result.Segments = append(result.Segments, SegmentResult{
				SegmentID:  seg.ID,
				Type:       string(segment.TypeNarration),
				Confidence: fallbackNarrationConfidence,
			})
			continue
		}

		sr := SegmentResult{
			SegmentID:  seg.ID,
			Type:       string(segment.TypeDialogue),
			Confidence: fallbackDialogueConfidence,
		}
		if name := segmenter.SpeakerTag(seg.Text); name != "" {
			sr.Speaker = name
		} else if name := nearestSpeaker(window, seg.ID); name != "" {
			sr.Speaker = name
			sr.Confidence = fallbackGuessConfidence
		}
		result.Segments = append(result.Segments, sr)
	}
	return result
}

// nearestSpeaker scans outward from the segment for a tag name in the
// window, preferring earlier narrative position on ties.
func nearestSpeaker(window escalate.Window, id int64) string {
	pos := -1
	for i, seg := range window.Segments {
		if seg.ID == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return ""
	}

	for dist := 1; dist < len(window.Segments); dist++ {
		if i := pos - dist; i >= 0 {
			if name := segmentSpeakerHint(window.Segments[i]); name != "" {
				return name
			}
		}
		if i := pos + dist; i < len(window.Segments) {
			if name := segmentSpeakerHint(window.Segments[i]); name != "" {
				return name
			}
		}
	}
	return ""
}

func segmentSpeakerHint(seg segment.Segment) string {
	return segmenter.SpeakerTag(seg.Text)
}
