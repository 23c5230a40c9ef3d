package segment

import "strings"

// Type classifies a segment as narration or dialogue. Unresolved is a
// transient state that must not survive a completed pipeline pass.
type Type string

const (
	TypeNarration  Type = "narration"
	TypeDialogue   Type = "dialogue"
	TypeUnresolved Type = "unresolved"
)

// Provenance records which mechanism produced a segment's current
// classification.
type Provenance string

const (
	ProvenanceRule          Provenance = "rule"
	ProvenanceExternal      Provenance = "external_analysis"
	ProvenanceLocalFallback Provenance = "local_fallback"
	ProvenanceUserOverride  Provenance = "user_override"
)

// NarratorID is the sentinel speaker for narration segments. Character ids
// assigned by the registry are always positive.
const NarratorID int64 = -1

// Segment is an ordered unit of book text with mutable classification state.
// ID is a monotonic sequence number within a project; persisted order is
// always narrative order.
type Segment struct {
	ID         int64
	ProjectID  string
	Text       string
	Type       Type
	SpeakerID  int64 // NarratorID, a character id, or 0 when unset
	Confidence float64
	Provenance Provenance
}

var typeSet = map[Type]struct{}{
	TypeNarration:  {},
	TypeDialogue:   {},
	TypeUnresolved: {},
}

var provenanceSet = map[Provenance]struct{}{
	ProvenanceRule:          {},
	ProvenanceExternal:      {},
	ProvenanceLocalFallback: {},
	ProvenanceUserOverride:  {},
}

// ParseType converts a string into a known Type.
func ParseType(value string) (Type, bool) {
	normalized := Type(strings.ToLower(strings.TrimSpace(value)))
	_, ok := typeSet[normalized]
	return normalized, ok
}

// ParseProvenance converts a string into a known Provenance.
func ParseProvenance(value string) (Provenance, bool) {
	normalized := Provenance(strings.ToLower(strings.TrimSpace(value)))
	_, ok := provenanceSet[normalized]
	return normalized, ok
}

// Resolved reports whether the segment has a concrete type.
func (s Segment) Resolved() bool {
	return s.Type == TypeNarration || s.Type == TypeDialogue
}

// Locked reports whether automated passes may modify the segment. A user
// override is final until an explicit re-analysis request clears it.
func (s Segment) Locked() bool {
	return s.Provenance == ProvenanceUserOverride
}

// NeedsEscalation reports whether the segment is uncertain enough to include
// in a context window for deeper analysis.
func (s Segment) NeedsEscalation(threshold float64) bool {
	if s.Locked() {
		return false
	}
	return s.Type == TypeUnresolved || s.Confidence < threshold
}

// HasSpeaker reports whether a speaker (including the narrator) is set.
func (s Segment) HasSpeaker() bool {
	return s.SpeakerID != 0
}

// ProvenanceRank orders provenance for exact-tie resolution: external
// analysis beats the local fallback, which beats rule output.
func ProvenanceRank(p Provenance) int {
	switch p {
	case ProvenanceUserOverride:
		return 3
	case ProvenanceExternal:
		return 2
	case ProvenanceLocalFallback:
		return 1
	case ProvenanceRule:
		return 0
	default:
		return -1
	}
}
