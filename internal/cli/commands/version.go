package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapgraph/internal/state"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(version string) *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display the leapgraph version, the state schema version this binary
migrates databases to, and the phases of the processing pipeline.`,
		Example: `  leapgraph version
  leapgraph version --short`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			if short {
				_, err := fmt.Fprintln(w, version)
				return err
			}
			schema, err := state.SchemaVersion()
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}
			_, _ = fmt.Fprintf(w, "leapgraph v%s\n", version)
			_, _ = fmt.Fprintf(w, "state schema: v%d (SQLite)\n", schema)
			_, _ = fmt.Fprintf(w, "pipeline: %s\n", strings.Join(phaseNames(), " -> "))
			return nil
		},
	}

	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")
	return cmd
}
