package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

// NewWorkerCommand creates the worker command.
func NewWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run pipeline workers until interrupted",
		Long: `Start the worker pool and process queued jobs until the command is
interrupted. Several worker processes can share one state database; leases
keep each phase on a single worker.`,
		Example: `  # Run four workers against the default state
  leapgraph worker

  # Run more workers against a shared state file
  leapgraph worker --workers 16 --state /srv/leapgraph/state.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd)
		},
	}

	cmd.Flags().Int("workers", 0, "Number of concurrent workers (default: orchestrator.workers)")
	cmd.Flags().Duration("lease-duration", 0, "Job lease duration (default: orchestrator.lease_duration)")
	return cmd
}

func runWorker(cmd *cobra.Command) error {
	cctx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	o := cctx.Cfg.Orchestrator
	cctx.Logger.Info("workers started", "workers", o.Workers, "lease", o.LeaseDuration)
	err = cctx.Engine.Run(cmd.Context())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
