package store

import (
	"strings"
	"time"
)

// ProjectState tracks the coarse lifecycle of an audiobook project.
type ProjectState string

const (
	ProjectCreated      ProjectState = "created"
	ProjectSegmenting   ProjectState = "segmenting"
	ProjectAnalyzing    ProjectState = "analyzing"
	ProjectCasting      ProjectState = "casting"
	ProjectSynthesizing ProjectState = "synthesizing"
	ProjectCompleted    ProjectState = "completed"
	ProjectFailed       ProjectState = "failed"
)

// Project is a book being turned into an audiobook.
type Project struct {
	ID           string
	Title        string
	SourcePath   string
	State        ProjectState
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Character is a registry entry with a canonical name and accumulated
// attribution statistics.
type Character struct {
	ID              int64
	ProjectID       string
	CanonicalName   string
	Frequency       int64
	LastSeenSegment int64
	AttributesJSON  string
	CreatedAt       time.Time
}

// Alias maps a normalized surface form back to a character.
type Alias struct {
	ProjectID   string
	Alias       string
	Display     string
	CharacterID int64
}

// AssignmentState tracks voice assignment progress for a speaker.
type AssignmentState string

const (
	AssignmentUnassigned AssignmentState = "unassigned"
	AssignmentAssigned   AssignmentState = "assigned"
	AssignmentVerified   AssignmentState = "verified"
)

// VoiceAssignment binds a speaker (a character id, or the narrator sentinel)
// to a synthesis voice with prosody settings.
type VoiceAssignment struct {
	ProjectID string
	SpeakerID int64
	State     AssignmentState
	VoiceID   string
	Pitch     float64
	Rate      float64
	Emphasis  float64
	UpdatedAt time.Time
}

// JobState tracks the lifecycle of a synthesis job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobAbandoned JobState = "abandoned"
)

// SynthesisJob is a contiguous run of same-speaker segments queued for the
// speech engine.
type SynthesisJob struct {
	ID              string
	ProjectID       string
	SpeakerID       int64
	VoiceID         string
	StartSegment    int64
	EndSegment      int64
	State           JobState
	Attempts        int
	OutputPath      string
	ErrorMessage    string
	DurationSeconds float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

var jobStateSet = map[JobState]struct{}{
	JobPending:   {},
	JobRunning:   {},
	JobCompleted: {},
	JobFailed:    {},
	JobAbandoned: {},
}

// ParseJobState converts a string into a known JobState.
func ParseJobState(value string) (JobState, bool) {
	normalized := JobState(strings.ToLower(strings.TrimSpace(value)))
	_, ok := jobStateSet[normalized]
	return normalized, ok
}

// Terminal reports whether the job will never run again.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobAbandoned
}
