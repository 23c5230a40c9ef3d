package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newVoicesCommand(ctx *commandContext) *cobra.Command {
	voicesCmd := &cobra.Command{
		Use:   "voices",
		Short: "Voice catalog and assignments",
	}

	voicesCmd.AddCommand(newVoicesCatalogCommand(ctx))
	voicesCmd.AddCommand(newVoicesListCommand(ctx))
	voicesCmd.AddCommand(newVoicesAssignCommand(ctx))
	voicesCmd.AddCommand(newVoicesSuggestCommand(ctx))
	voicesCmd.AddCommand(newVoicesPreviewCommand(ctx))

	return voicesCmd
}

func newVoicesCatalogCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the engine's available voices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				catalog, err := a.synth.Catalog(cmd.Context())
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(catalog))
				for _, v := range catalog {
					rows = append(rows, []string{v.ID, v.Name, v.Gender, v.Age, v.Description})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Name", "Gender", "Age", "Description"}, rows, nil))
				return nil
			})
		},
	}
}

func newVoicesListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "List a project's voice assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				assignments, err := a.voices.List(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				names := characterNames(cmd, a, args[0])

				rows := make([][]string, 0, len(assignments))
				for _, va := range assignments {
					speaker := strconv.FormatInt(va.SpeakerID, 10)
					if name, ok := names[va.SpeakerID]; ok {
						speaker = name
					}
					rows = append(rows, []string{
						speaker,
						va.VoiceID,
						string(va.State),
						fmt.Sprintf("%.2f", va.Pitch),
						fmt.Sprintf("%.2f", va.Rate),
						fmt.Sprintf("%.2f", va.Emphasis),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Speaker", "Voice", "State", "Pitch", "Rate", "Emphasis"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight}))

				warnings, err := a.voices.DuplicateWarnings(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, w := range warnings {
					fmt.Fprintf(cmd.OutOrStdout(), "Warning: %s\n", w.Message)
				}
				return nil
			})
		},
	}
}

func newVoicesAssignCommand(ctx *commandContext) *cobra.Command {
	var pitch, rate, emphasis float64

	cmd := &cobra.Command{
		Use:   "assign <project-id> <speaker-id> <voice-id>",
		Short: "Assign a voice to a speaker (-1 for the narrator)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			speakerID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("speaker id: %w", err)
			}
			return ctx.withApp(func(a *app) error {
				if err := a.pipeline.AssignVoice(cmd.Context(), args[0], speakerID, args[2], pitch, rate, emphasis); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Assigned voice %s to speaker %d\n", args[2], speakerID)
				return nil
			})
		},
	}

	cmd.Flags().Float64Var(&pitch, "pitch", 1.0, "Pitch multiplier")
	cmd.Flags().Float64Var(&rate, "rate", 1.0, "Rate multiplier")
	cmd.Flags().Float64Var(&emphasis, "emphasis", 1.0, "Emphasis multiplier")
	return cmd
}

func newVoicesSuggestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "suggest <project-id>",
		Short: "Suggest default voices for characters without assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				catalog, err := a.synth.Catalog(cmd.Context())
				if err != nil {
					return err
				}
				characters, err := a.registry.Characters(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				var rows [][]string
				for _, ch := range characters {
					va, err := a.voices.Get(cmd.Context(), args[0], ch.ID)
					if err != nil {
						return err
					}
					if va != nil && va.VoiceID != "" {
						continue
					}
					voiceID, ok := a.voices.Suggest(ch, catalog)
					if !ok {
						continue
					}
					rows = append(rows, []string{strconv.FormatInt(ch.ID, 10), ch.CanonicalName, voiceID})
				}
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Every character already has a voice")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Speaker", "Name", "Suggested Voice"}, rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft}))
				fmt.Fprintln(cmd.OutOrStdout(), "Accept a suggestion with `fable voices assign`.")
				return nil
			})
		},
		Args: cobra.ExactArgs(1),
	}
}

func newVoicesPreviewCommand(ctx *commandContext) *cobra.Command {
	var sample string

	cmd := &cobra.Command{
		Use:   "preview <project-id> <speaker-id>",
		Short: "Synthesize a sample and verify the speaker's assignment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			speakerID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("speaker id: %w", err)
			}
			return ctx.withApp(func(a *app) error {
				audio, err := a.synth.Preview(cmd.Context(), args[0], speakerID, sample)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Preview rendered (%.1fs); assignment verified\n", audio.DurationSeconds)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sample, "text", "The quick brown fox jumps over the lazy dog.", "Sample text to synthesize")
	return cmd
}
