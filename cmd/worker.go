package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecapture/internal/config"
	"github.com/JakeFAU/sitecapture/internal/server"
	"github.com/JakeFAU/sitecapture/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run one single-use capture worker",
		Long: `Runs one worker lifecycle: check the interception proxy, claim at most one
job, capture, package, upload, acknowledge and exit. Configuration comes only
from the environment:

  ` + config.EnvLogDestination + `  extra log file (optional)
  ` + config.EnvQueueEndpoint + `   postgres DSN of the job queue
  ` + config.EnvStorageBucket + `   GCS bucket or file://<dir>
  ` + config.EnvRegion + `          region name used in artifact keys`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWorker()
			if err != nil {
				return fmt.Errorf("load worker environment: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			wp, err := server.BuildWorker(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer wp.Close()

			rep := wp.Lifecycle.Run(ctx)
			return exitError(rep)
		},
	}
}

// exitError maps a run to the process exit status. Idle and completed runs exit 0.
func exitError(rep worker.Report) error {
	switch rep.Outcome {
	case worker.OutcomeCompleted, worker.OutcomeIdle:
		return nil
	default:
		if rep.Err != nil {
			return fmt.Errorf("worker %s: %w", rep.Outcome, rep.Err)
		}
		return fmt.Errorf("worker %s", rep.Outcome)
	}
}
