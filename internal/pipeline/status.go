package pipeline

import (
	"context"

	"fable/internal/segment"
	"fable/internal/services"
	"fable/internal/store"
)

// Status is a point-in-time snapshot of a project's progress through the
// pipeline.
type Status struct {
	Project       *store.Project
	SegmentCounts map[segment.Type]int
	JobCounts     map[store.JobState]int
	Characters    int
	Assignments   int
	Unresolved    int
}

// Status assembles the snapshot for one project.
func (p *Pipeline) Status(ctx context.Context, projectID string) (*Status, error) {
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "pipeline", "status", "load project", err)
	}
	if project == nil {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "status", "project not found", nil)
	}

	segmentCounts, err := p.store.SegmentStats(ctx, projectID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "pipeline", "status", "segment stats", err)
	}
	jobCounts, err := p.store.JobStats(ctx, projectID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "pipeline", "status", "job stats", err)
	}
	characters, err := p.registry.Characters(ctx, projectID)
	if err != nil {
		return nil, err
	}
	assignments, err := p.voices.List(ctx, projectID)
	if err != nil {
		return nil, err
	}

	return &Status{
		Project:       project,
		SegmentCounts: segmentCounts,
		JobCounts:     jobCounts,
		Characters:    len(characters),
		Assignments:   len(assignments),
		Unresolved:    segmentCounts[segment.TypeUnresolved],
	}, nil
}
