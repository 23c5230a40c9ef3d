package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newSynthCommand(ctx *commandContext) *cobra.Command {
	synthCmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesis job management",
	}

	synthCmd.AddCommand(newSynthRunCommand(ctx))
	synthCmd.AddCommand(newSynthJobsCommand(ctx))
	synthCmd.AddCommand(newSynthRetryCommand(ctx))

	return synthCmd
}

func newSynthRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run <project-id>",
		Short: "Plan jobs if needed and drain the synthesis queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				if err := a.pipeline.Synthesize(cmd.Context(), args[0]); err != nil {
					return err
				}
				return printStatus(cmd, a, args[0])
			})
		},
	}
}

func newSynthJobsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs <project-id>",
		Short: "List synthesis jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				jobs, err := a.store.ListJobs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				names := characterNames(cmd, a, args[0])

				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					speaker := strconv.FormatInt(job.SpeakerID, 10)
					if name, ok := names[job.SpeakerID]; ok {
						speaker = name
					}
					rows = append(rows, []string{
						job.ID,
						speaker,
						fmt.Sprintf("%d-%d", job.StartSegment, job.EndSegment),
						string(job.State),
						strconv.Itoa(job.Attempts),
						fmt.Sprintf("%.1fs", job.DurationSeconds),
						job.ErrorMessage,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Job", "Speaker", "Segments", "State", "Attempts", "Duration", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft}))
				return nil
			})
		},
	}
}

func newSynthRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <project-id> [job-id...]",
		Short: "Requeue failed jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				n, err := a.synth.Retry(cmd.Context(), args[0], args[1:]...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d job(s)\n", n)
				return nil
			})
		},
	}
}
