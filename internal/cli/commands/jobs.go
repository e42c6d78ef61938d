package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapgraph/internal/cli/output"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// JobsOutput is the JSON form of a repository's pipeline status.
type JobsOutput struct {
	Repository string             `json:"repository"`
	Phases     []core.PhaseStatus `json:"phases"`
}

// NewJobsCommand creates the jobs command with its status and reset subcommands.
func NewJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and reset the processing pipeline",
		Long: `Inspect the per-phase jobs of a repository's processing pipeline or
requeue phases after a failure.`,
		Example: `  leapgraph jobs status --repo shop
  leapgraph jobs reset lineage --repo shop`,
	}
	cmd.AddCommand(newJobsStatusCommand(), newJobsResetCommand())
	return cmd
}

func newJobsStatusCommand() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of every pipeline phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cctx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			r, err := resolveRepository(cmd.Context(), cctx.Engine, repo)
			if err != nil {
				return err
			}
			status, err := cctx.Engine.Jobs().Status(cmd.Context(), r.ID)
			if err != nil {
				return err
			}
			return renderJobs(cctx.Renderer, r.Name, status)
		},
	}
	repositoryFlag(cmd, &repo)
	return cmd
}

func renderJobs(r *output.Renderer, repo string, status []core.PhaseStatus) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(JobsOutput{Repository: repo, Phases: status})
	}
	r.Header(1, "Pipeline of "+repo)
	if len(status) == 0 {
		r.Println(r.Muted("no jobs, run leapgraph ingest"))
		return nil
	}
	rows := make([][]any, 0, len(status))
	for _, s := range status {
		rows = append(rows, []any{
			r.Title(string(s.Phase)),
			statusCell(r, s.Status),
			fmt.Sprintf("%.0f%%", s.Progress*100),
			fmt.Sprintf("%d/%d", s.CompletedFiles, s.TotalFiles),
			s.FailedFiles,
			firstLine(s.ErrorDetail),
		})
	}
	r.Table([]string{"Phase", "Status", "Progress", "Files", "Failed", "Error"}, rows)
	return nil
}

func statusCell(r *output.Renderer, s core.JobStatus) string {
	st := r.Styles()
	switch s {
	case core.JobCompleted:
		return st.StatusSuccess.String() + " " + string(s)
	case core.JobFailed:
		return st.StatusFailed.String() + " " + string(s)
	case core.JobProcessing:
		return st.StatusRunning.String() + " " + string(s)
	default:
		return st.StatusPending.String() + " " + string(s)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func newJobsResetCommand() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "reset <phase>",
		Short: "Requeue a phase and every later phase",
		Long: `Requeue a phase of the pipeline and every phase after it. Run
leapgraph worker or leapgraph ingest to process them again.

Phases: ` + strings.Join(phaseNames(), ", "),
		Args: cobra.ExactArgs(1),
		ValidArgsFunction: func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
			return phaseNames(), cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := core.ParsePhase(args[0])
			if err != nil {
				return err
			}
			cctx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			r, err := resolveRepository(cmd.Context(), cctx.Engine, repo)
			if err != nil {
				return err
			}
			jobs, err := cctx.Engine.Jobs().ResetPipeline(cmd.Context(), r.ID, phase)
			if err != nil {
				return err
			}
			cctx.Renderer.Success(fmt.Sprintf("requeued %d phase(s) of %s from %s", len(jobs), r.Name, phase))
			return nil
		},
	}
	repositoryFlag(cmd, &repo)
	return cmd
}

func phaseNames() []string {
	names := make([]string, len(core.Phases))
	for i, p := range core.Phases {
		names[i] = string(p)
	}
	return names
}
