package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapgraph/internal/cli/output"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// ImpactedAsset is one downstream asset of a blast-radius report.
type ImpactedAsset struct {
	Asset     string `json:"asset"`
	Depth     int    `json:"depth"`
	Uncertain bool   `json:"uncertain"`
	Critical  bool   `json:"critical"`
}

// ImpactOutput is the JSON form of a blast-radius report.
type ImpactOutput struct {
	Asset             string          `json:"asset"`
	RiskScore         int             `json:"risk_score"`
	Downstream        []ImpactedAsset `json:"downstream"`
	CriticalAssets    []string        `json:"critical_assets"`
	UncertainEdges    []string        `json:"uncertain_edges"`
	ContributingEdges int             `json:"contributing_edges"`
}

// NewImpactCommand creates the impact command.
func NewImpactCommand() *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:   "impact <asset>",
		Short: "Show the blast radius of changing an asset",
		Long: `Compute what breaks if an asset changes: every downstream asset with its
distance, the critical assets among them (see impact.critical_tags) and the
edges whose confidence is below impact.uncertainty_threshold.

The risk score grows with the number of downstream and critical assets.`,
		Example: `  leapgraph impact raw.orders
  leapgraph impact raw.orders --critical-tags pii,revenue -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImpact(cmd, repo, args[0])
		},
	}

	repositoryFlag(cmd, &repo)
	cmd.Flags().StringSlice("critical-tags", nil, "Tags that mark an asset as critical (default: impact.critical_tags)")
	return cmd
}

func runImpact(cmd *cobra.Command, repoName, ref string) error {
	cctx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	ctx := cmd.Context()
	eng := cctx.Engine

	repo, err := resolveRepository(ctx, eng, repoName)
	if err != nil {
		return err
	}
	asset, err := resolveAsset(ctx, eng, repo, ref)
	if err != nil {
		return err
	}
	report, err := eng.GetBlastRadius(ctx, asset.ID)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(report.Downstream)+2*len(report.UncertainImpact))
	for _, d := range report.Downstream {
		ids = append(ids, d.AssetID)
	}
	for _, e := range report.UncertainImpact {
		ids = append(ids, e.SourceAssetID, e.TargetAssetID)
	}
	names, err := eng.QualifiedNames(ctx, append(ids, report.CriticalAssets...))
	if err != nil {
		return err
	}

	out := ImpactOutput{
		Asset:             asset.QualifiedName(),
		RiskScore:         report.RiskScore,
		Downstream:        make([]ImpactedAsset, len(report.Downstream)),
		CriticalAssets:    make([]string, len(report.CriticalAssets)),
		UncertainEdges:    make([]string, len(report.UncertainImpact)),
		ContributingEdges: len(report.Edges),
	}
	for i, d := range report.Downstream {
		out.Downstream[i] = ImpactedAsset{Asset: names[d.AssetID], Depth: d.Depth, Uncertain: d.Uncertain, Critical: d.Critical}
	}
	for i, id := range report.CriticalAssets {
		out.CriticalAssets[i] = names[id]
	}
	for i, e := range report.UncertainImpact {
		out.UncertainEdges[i] = edgeLabel(names, e)
	}

	r := cctx.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(out)
	}
	renderImpact(r, out)
	return nil
}

func edgeLabel(names map[string]string, e core.GraphEdge) string {
	return fmt.Sprintf("%s -> %s (%.2f)", names[e.SourceAssetID], names[e.TargetAssetID], e.Confidence)
}

func renderImpact(r *output.Renderer, out ImpactOutput) {
	st := r.Styles()
	r.Header(1, "Blast radius of "+out.Asset)
	r.Printf("Risk score: %s\n", st.Bold.Render(fmt.Sprintf("%d", out.RiskScore)))
	r.Printf("Downstream assets: %d, critical: %d\n\n", len(out.Downstream), len(out.CriticalAssets))

	if len(out.Downstream) == 0 {
		r.Println(r.Muted("nothing depends on this asset"))
		return
	}
	rows := make([][]any, len(out.Downstream))
	for i, d := range out.Downstream {
		var flags []string
		if d.Critical {
			flags = append(flags, st.Error.Render("critical"))
		}
		if d.Uncertain {
			flags = append(flags, st.Warning.Render("uncertain"))
		}
		rows[i] = []any{st.Asset.Render(d.Asset), d.Depth, strings.Join(flags, ", ")}
	}
	r.Table([]string{"Asset", "Depth", "Flags"}, rows)

	if len(out.UncertainEdges) > 0 {
		r.Header(2, "Uncertain edges")
		for _, e := range out.UncertainEdges {
			r.Println("  " + e)
		}
		r.Println()
	}
}
