package analysis

import (
	"fmt"
	"strings"

	"fable/internal/escalate"
	"fable/internal/segment"
)

// SegmentResult is the analyzer's verdict for one window target.
type SegmentResult struct {
	SegmentID  int64   `json:"segment_id"`
	Type       string  `json:"type"`
	Speaker    string  `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence"`
}

// CharacterHint is an optional descriptor the analyzer attaches to a named
// character: attributes the voice manager uses for default suggestions.
type CharacterHint struct {
	Name     string `json:"name"`
	Gender   string `json:"gender,omitempty"`
	Age      string `json:"age,omitempty"`
	Style    string `json:"style,omitempty"`
	Narrator bool   `json:"narrator,omitempty"`
}

// Result is a validated analysis of one context window.
type Result struct {
	Segments   []SegmentResult
	Hints      []CharacterHint
	Provenance segment.Provenance
	Cached     bool
}

// FailureReason classifies why an analysis attempt produced no result.
type FailureReason string

const (
	FailureCredentials FailureReason = "credentials"
	FailureTimeout     FailureReason = "timeout"
	FailureQuota       FailureReason = "quota"
	FailureSchema      FailureReason = "schema"
	FailureUnavailable FailureReason = "unavailable"
	FailureCanceled    FailureReason = "canceled"
)

// Failure is the typed non-result of an analysis call. The client never
// raises transport or schema problems to the caller; it returns a Failure so
// the pipeline can decide to engage the local fallback.
type Failure struct {
	Reason FailureReason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("analysis failure: %s", f.Reason)
	}
	return fmt.Sprintf("analysis failure: %s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retriable reports whether a later re-analysis request could succeed.
// Schema violations and quota exhaustion may clear up; cancellation is the
// caller's choice, not an analyzer defect.
func (f *Failure) Retriable() bool {
	return f.Reason != FailureCanceled
}

// wireResponse is the structured schema expected from the external service.
// Character descriptors are advisory and never fail validation.
type wireResponse struct {
	Segments   []SegmentResult `json:"segments"`
	Characters []CharacterHint `json:"characters,omitempty"`
}

// hints returns the usable character descriptors: named ones only.
func (r wireResponse) hints() []CharacterHint {
	var out []CharacterHint
	for _, h := range r.Characters {
		if strings.TrimSpace(h.Name) != "" {
			out = append(out, h)
		}
	}
	return out
}

// validate enforces the response schema against the window that produced it:
// every reported id must be a window target, types must be concrete, and
// confidences must be in [0,1]. Violations make the whole response unusable.
func (r wireResponse) validate(window escalate.Window) error {
	if len(r.Segments) == 0 {
		return fmt.Errorf("response contains no segments")
	}
	for _, sr := range r.Segments {
		if !window.Contains(sr.SegmentID) {
			return fmt.Errorf("segment %d is not a target of this window", sr.SegmentID)
		}
		segType, ok := segment.ParseType(sr.Type)
		if !ok || segType == segment.TypeUnresolved {
			return fmt.Errorf("segment %d: unusable type %q", sr.SegmentID, sr.Type)
		}
		if sr.Confidence < 0 || sr.Confidence > 1 {
			return fmt.Errorf("segment %d: confidence %v out of range", sr.SegmentID, sr.Confidence)
		}
		if segType == segment.TypeNarration && strings.TrimSpace(sr.Speaker) != "" {
			return fmt.Errorf("segment %d: narration cannot carry a speaker", sr.SegmentID)
		}
	}
	return nil
}
