package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the processing daemon",
		Long: "Polls the project store and advances every non-terminal project through\n" +
			"segmentation, analysis, and synthesis until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				poll := time.Duration(a.cfg.Workflow.QueuePollInterval) * time.Second
				retry := time.Duration(a.cfg.Workflow.ErrorRetryInterval) * time.Second

				fmt.Fprintln(cmd.OutOrStdout(), "fable daemon started, press Ctrl-C to stop")
				for {
					wait := poll
					if err := advanceAll(runCtx, a); err != nil && runCtx.Err() == nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "pass failed: %v\n", err)
						wait = retry
					}
					select {
					case <-runCtx.Done():
						fmt.Fprintln(cmd.OutOrStdout(), "fable daemon stopped")
						return nil
					case <-time.After(wait):
					}
				}
			})
		},
	}
}

// advanceAll runs one poll pass. A single project's failure never blocks the
// others; the first error is reported after the pass.
func advanceAll(ctx context.Context, a *app) error {
	projects, err := a.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, project := range projects {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := a.pipeline.Advance(ctx, project.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
