package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"fable/internal/segment"
)

func newCreateCommand(ctx *commandContext) *cobra.Command {
	var title string

	cmd := &cobra.Command{
		Use:   "create <text-file>",
		Short: "Create a project from a narrative text file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourcePath := args[0]
			if _, err := os.Stat(sourcePath); err != nil {
				return fmt.Errorf("source file: %w", err)
			}
			if title == "" {
				title = sourcePath
			}
			return ctx.withApp(func(a *app) error {
				project, err := a.pipeline.CreateProject(cmd.Context(), title, sourcePath)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created project %s (%s)\n", project.ID, project.Title)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "Project title (defaults to the file path)")
	return cmd
}

func newProjectsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				projects, err := a.store.ListProjects(cmd.Context())
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(projects))
				for _, p := range projects {
					rows = append(rows, []string{p.ID, p.Title, string(p.State), p.ErrorMessage})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Title", "State", "Error"}, rows, nil))
				return nil
			})
		},
	}
}

func newProcessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "process <project-id>",
		Short: "Run segmentation, analysis, and synthesis end to end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				text, err := loadProjectSource(cmd, a, args[0])
				if err != nil {
					return err
				}
				if err := a.pipeline.Process(cmd.Context(), args[0], text); err != nil {
					return err
				}
				return printStatus(cmd, a, args[0])
			})
		},
	}
}

func newSegmentCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "segment <project-id>",
		Short: "Run the rule segmentation pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				text, err := loadProjectSource(cmd, a, args[0])
				if err != nil {
					return err
				}
				result, err := a.pipeline.Segment(cmd.Context(), args[0], text)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Classified %d segments, staged %d name candidates\n",
					len(result.Segments), len(result.Candidates))
				return nil
			})
		},
	}
}

func newAnalyzeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <project-id>",
		Short: "Escalate low-confidence segments to the analysis service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				if err := a.pipeline.Analyze(cmd.Context(), args[0]); err != nil {
					return err
				}
				return printStatus(cmd, a, args[0])
			})
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show a project's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				return printStatus(cmd, a, args[0])
			})
		},
	}
}

func newSegmentsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "segments <project-id>",
		Short: "List a project's segments with attribution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				segments, err := a.store.ListSegments(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				speakerNames := characterNames(cmd, a, args[0])

				rows := make([][]string, 0, len(segments))
				for _, seg := range segments {
					if limit > 0 && len(rows) >= limit {
						break
					}
					rows = append(rows, []string{
						strconv.FormatInt(seg.ID, 10),
						string(seg.Type),
						speakerLabel(seg, speakerNames),
						fmt.Sprintf("%.2f", seg.Confidence),
						string(seg.Provenance),
						truncate(seg.Text, 60),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Type", "Speaker", "Conf", "Provenance", "Text"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft}))
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum segments to list (0 for all)")
	return cmd
}

func newCharactersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "characters <project-id>",
		Short: "List discovered characters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				characters, err := a.registry.Characters(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(characters))
				for _, ch := range characters {
					rows = append(rows, []string{
						strconv.FormatInt(ch.ID, 10),
						ch.CanonicalName,
						strconv.FormatInt(ch.Frequency, 10),
						strconv.FormatInt(ch.LastSeenSegment, 10),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Name", "Mentions", "Last Seen"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignRight, alignRight}))
				return nil
			})
		},
	}
}

func newOverrideCommand(ctx *commandContext) *cobra.Command {
	var speakerName string

	cmd := &cobra.Command{
		Use:   "override <project-id> <segment-id> <type>",
		Short: "Pin a segment's classification; overrides survive re-analysis",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			segmentID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("segment id: %w", err)
			}
			segType, ok := segment.ParseType(args[2])
			if !ok {
				return fmt.Errorf("unknown segment type %q", args[2])
			}
			return ctx.withApp(func(a *app) error {
				if err := a.pipeline.Override(cmd.Context(), args[0], segmentID, segType, speakerName); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Segment %d pinned as %s\n", segmentID, segType)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&speakerName, "speaker", "s", "", "Speaker name for dialogue overrides")
	return cmd
}

func loadProjectSource(cmd *cobra.Command, a *app, projectID string) (string, error) {
	project, err := a.store.GetProject(cmd.Context(), projectID)
	if err != nil {
		return "", err
	}
	if project == nil {
		return "", fmt.Errorf("project %s not found", projectID)
	}
	data, err := os.ReadFile(project.SourcePath)
	if err != nil {
		return "", fmt.Errorf("read source text: %w", err)
	}
	return string(data), nil
}

func printStatus(cmd *cobra.Command, a *app, projectID string) error {
	status, err := a.pipeline.Status(cmd.Context(), projectID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Project %s (%s): %s\n", status.Project.ID, status.Project.Title, status.Project.State)
	if status.Project.ErrorMessage != "" {
		fmt.Fprintf(out, "Error: %s\n", status.Project.ErrorMessage)
	}

	rows := [][]string{
		{"Segments", strconv.Itoa(sumSegmentCounts(status.SegmentCounts))},
		{"  narration", strconv.Itoa(status.SegmentCounts[segment.TypeNarration])},
		{"  dialogue", strconv.Itoa(status.SegmentCounts[segment.TypeDialogue])},
		{"  unresolved", strconv.Itoa(status.Unresolved)},
		{"Characters", strconv.Itoa(status.Characters)},
		{"Voice assignments", strconv.Itoa(status.Assignments)},
	}
	for state, n := range status.JobCounts {
		rows = append(rows, []string{"Jobs " + string(state), strconv.Itoa(n)})
	}
	fmt.Fprintln(out, renderTable([]string{"Metric", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
	return nil
}

func sumSegmentCounts(counts map[segment.Type]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

func characterNames(cmd *cobra.Command, a *app, projectID string) map[int64]string {
	names := map[int64]string{segment.NarratorID: "narrator"}
	characters, err := a.registry.Characters(cmd.Context(), projectID)
	if err != nil {
		return names
	}
	for _, ch := range characters {
		names[ch.ID] = ch.CanonicalName
	}
	return names
}

func speakerLabel(seg segment.Segment, names map[int64]string) string {
	if !seg.HasSpeaker() {
		return "-"
	}
	if name, ok := names[seg.SpeakerID]; ok {
		return name
	}
	return strconv.FormatInt(seg.SpeakerID, 10)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
