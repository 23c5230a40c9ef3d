// Package voices manages the mapping from characters (and the narrator) to
// voice configurations: an Unassigned/Assigned/Verified state machine, a
// default-suggestion rule driven by character attributes, and consistency
// checks.
package voices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"fable/internal/logging"
	"fable/internal/services"
	"fable/internal/store"
)

// Voice is a catalog entry offered by a synthesis engine.
type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Gender      string `json:"gender"`
	Age         string `json:"age"`
	Description string `json:"description,omitempty"`
}

// Attributes are the descriptor hints the registry accumulates for a
// character, used by the suggestion rule.
type Attributes struct {
	Narrator bool   `json:"narrator,omitempty"`
	Gender   string `json:"gender,omitempty"`
	Age      string `json:"age,omitempty"`
	Style    string `json:"style,omitempty"`
}

// ParseAttributes decodes a character's stored attribute blob. An empty or
// malformed blob yields zero attributes, never an error.
func ParseAttributes(raw string) Attributes {
	var attrs Attributes
	if strings.TrimSpace(raw) == "" {
		return attrs
	}
	_ = json.Unmarshal([]byte(raw), &attrs)
	return attrs
}

// Warning flags a soft consistency problem, such as two characters sharing
// one voice configuration.
type Warning struct {
	SpeakerIDs []int64
	VoiceID    string
	Message    string
}

// Manager owns voice assignments for all projects.
type Manager struct {
	store  *store.Store
	logger *slog.Logger
	mu     sync.Mutex
}

// NewManager returns a voice assignment manager backed by the store.
func NewManager(st *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		store:  st,
		logger: logging.NewComponentLogger(logger, "voices"),
	}
}

// Assign binds a voice configuration to a speaker and moves the assignment
// to Assigned. Reassigning a Verified speaker drops back to Assigned, never
// to Unassigned.
func (m *Manager) Assign(ctx context.Context, projectID string, speakerID int64, voiceID string, pitch, rate, emphasis float64) (*store.VoiceAssignment, error) {
	voiceID = strings.TrimSpace(voiceID)
	if voiceID == "" {
		return nil, services.Wrap(services.ErrValidation, "voices", "assign", "voice id required", nil)
	}
	for name, value := range map[string]float64{"pitch": pitch, "rate": rate, "emphasis": emphasis} {
		if value < 0.25 || value > 4.0 {
			return nil, services.Wrap(services.ErrValidation, "voices", "assign", fmt.Sprintf("%s %v out of range", name, value), nil)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	va := store.VoiceAssignment{
		ProjectID: projectID,
		SpeakerID: speakerID,
		State:     store.AssignmentAssigned,
		VoiceID:   voiceID,
		Pitch:     pitch,
		Rate:      rate,
		Emphasis:  emphasis,
	}
	if err := m.store.UpsertAssignment(ctx, va); err != nil {
		return nil, services.Wrap(services.ErrTransient, "voices", "assign", "persist assignment", err)
	}

	m.logger.Info("voice assigned",
		logging.String(logging.FieldProjectID, projectID),
		logging.Int64("speaker_id", speakerID),
		logging.String("voice_id", voiceID))
	return &va, nil
}

// Verify marks an assignment Verified after a successful preview synthesis.
func (m *Manager) Verify(ctx context.Context, projectID string, speakerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	va, err := m.store.GetAssignment(ctx, projectID, speakerID)
	if err != nil {
		return services.Wrap(services.ErrTransient, "voices", "verify", "load assignment", err)
	}
	if va == nil || va.State == store.AssignmentUnassigned {
		return services.Wrap(services.ErrConfiguration, "voices", "verify", fmt.Sprintf("speaker %d has no voice assigned", speakerID), nil)
	}
	va.State = store.AssignmentVerified
	if err := m.store.UpsertAssignment(ctx, *va); err != nil {
		return services.Wrap(services.ErrTransient, "voices", "verify", "persist assignment", err)
	}
	return nil
}

// Get returns the assignment for a speaker, or nil when none exists.
func (m *Manager) Get(ctx context.Context, projectID string, speakerID int64) (*store.VoiceAssignment, error) {
	va, err := m.store.GetAssignment(ctx, projectID, speakerID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "voices", "get", "load assignment", err)
	}
	return va, nil
}

// List returns every assignment for a project.
func (m *Manager) List(ctx context.Context, projectID string) ([]store.VoiceAssignment, error) {
	assignments, err := m.store.ListAssignments(ctx, projectID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "voices", "list", "load assignments", err)
	}
	return assignments, nil
}

// Eligible reports whether a speaker may enter synthesis: the assignment
// must be Assigned or Verified.
func (m *Manager) Eligible(ctx context.Context, projectID string, speakerID int64) (bool, error) {
	va, err := m.Get(ctx, projectID, speakerID)
	if err != nil {
		return false, err
	}
	return va != nil && va.State != store.AssignmentUnassigned && va.VoiceID != "", nil
}

// Suggest derives a default voice configuration for a character from its
// attributes and the engine's catalog. It never persists; callers Assign the
// suggestion if they accept it.
func (m *Manager) Suggest(ch store.Character, catalog []Voice) (string, bool) {
	if len(catalog) == 0 {
		return "", false
	}
	attrs := ParseAttributes(ch.AttributesJSON)

	match := func(v Voice) int {
		score := 0
		if attrs.Gender != "" && strings.EqualFold(v.Gender, attrs.Gender) {
			score += 2
		}
		if attrs.Age != "" && strings.EqualFold(v.Age, attrs.Age) {
			score++
		}
		return score
	}

	best := catalog[0]
	bestScore := match(best)
	for _, v := range catalog[1:] {
		if score := match(v); score > bestScore {
			best = v
			bestScore = score
		}
	}
	return best.ID, true
}

// DuplicateWarnings flags distinct speakers sharing an identical voice
// configuration. Sharing is legal; the warning is advisory.
func (m *Manager) DuplicateWarnings(ctx context.Context, projectID string) ([]Warning, error) {
	assignments, err := m.List(ctx, projectID)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]int64)
	for _, va := range assignments {
		if va.VoiceID == "" {
			continue
		}
		key := fmt.Sprintf("%s|%.3f|%.3f|%.3f", va.VoiceID, va.Pitch, va.Rate, va.Emphasis)
		groups[key] = append(groups[key], va.SpeakerID)
	}

	var warnings []Warning
	for key, speakers := range groups {
		if len(speakers) < 2 {
			continue
		}
		voiceID := strings.SplitN(key, "|", 2)[0]
		warnings = append(warnings, Warning{
			SpeakerIDs: speakers,
			VoiceID:    voiceID,
			Message:    fmt.Sprintf("%d speakers share voice %s with identical parameters", len(speakers), voiceID),
		})
	}
	return warnings, nil
}
