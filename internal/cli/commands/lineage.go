package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapgraph/internal/cli/output"
	"github.com/leapstack-labs/leapgraph/internal/engine"
	"github.com/leapstack-labs/leapgraph/internal/impact"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// LineageNode is an asset reached by a lineage traversal.
type LineageNode struct {
	Asset string `json:"asset"`
	Depth int    `json:"depth"`
}

// LineageOutput is the JSON form of an asset's lineage.
type LineageOutput struct {
	Asset      string              `json:"asset"`
	Upstream   []LineageNode       `json:"upstream,omitempty"`
	Downstream []LineageNode       `json:"downstream,omitempty"`
	Columns    []engine.ColumnEdge `json:"columns,omitempty"`
}

// LineageOptions holds options for the lineage command.
type LineageOptions struct {
	Repo       string
	Upstream   bool
	Downstream bool
	Depth      int
	Columns    bool
}

// NewLineageCommand creates the lineage command.
func NewLineageCommand() *cobra.Command {
	opts := &LineageOptions{}

	cmd := &cobra.Command{
		Use:   "lineage <asset>",
		Short: "Show the upstream and downstream assets of an asset",
		Long: `Show the assets an asset reads from and the assets that read from it,
with the number of hops to each. Assets are named "schema.name" or by a
name that is unique within the repository's connection.

With --columns the column lineage flowing into the asset is shown as well.`,
		Example: `  # Everything around an asset
  leapgraph lineage mart.revenue

  # Direct parents only
  leapgraph lineage mart.revenue --upstream --depth 1

  # Column lineage as JSON
  leapgraph lineage mart.revenue --columns -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLineage(cmd, args[0], opts)
		},
	}

	repositoryFlag(cmd, &opts.Repo)
	cmd.Flags().BoolVarP(&opts.Upstream, "upstream", "u", false, "Show upstream assets only")
	cmd.Flags().BoolVarP(&opts.Downstream, "downstream", "d", false, "Show downstream assets only")
	cmd.Flags().IntVar(&opts.Depth, "depth", 0, "Maximum number of hops (0 for unlimited)")
	cmd.Flags().BoolVar(&opts.Columns, "columns", false, "Include column lineage")
	cmd.MarkFlagsMutuallyExclusive("upstream", "downstream")

	return cmd
}

func runLineage(cmd *cobra.Command, ref string, opts *LineageOptions) error {
	if opts.Depth < 0 {
		return core.ErrValidation("--depth must be zero or positive")
	}
	cctx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	ctx := cmd.Context()
	eng := cctx.Engine

	repo, err := resolveRepository(ctx, eng, opts.Repo)
	if err != nil {
		return err
	}
	asset, err := resolveAsset(ctx, eng, repo, ref)
	if err != nil {
		return err
	}

	out := LineageOutput{Asset: asset.QualifiedName()}
	if !opts.Downstream {
		up, err := eng.GetUpstream(ctx, asset.ID, opts.Depth)
		if err != nil {
			return err
		}
		if out.Upstream, err = lineageNodes(ctx, eng, up); err != nil {
			return err
		}
	}
	if !opts.Upstream {
		down, err := eng.GetDownstream(ctx, asset.ID, opts.Depth)
		if err != nil {
			return err
		}
		if out.Downstream, err = lineageNodes(ctx, eng, down); err != nil {
			return err
		}
	}
	if opts.Columns {
		if out.Columns, err = eng.GetColumnLineage(ctx, asset.ID); err != nil {
			return err
		}
	}

	r := cctx.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(out)
	}
	renderLineage(r, out, opts)
	return nil
}

func lineageNodes(ctx context.Context, eng *engine.Engine, reached []impact.Reached) ([]LineageNode, error) {
	ids := make([]string, len(reached))
	for i, n := range reached {
		ids[i] = n.AssetID
	}
	names, err := eng.QualifiedNames(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]LineageNode, len(reached))
	for i, n := range reached {
		out[i] = LineageNode{Asset: names[n.AssetID], Depth: n.Depth}
	}
	return out, nil
}

func renderLineage(r *output.Renderer, out LineageOutput, opts *LineageOptions) {
	st := r.Styles()
	r.Header(1, "Lineage of "+out.Asset)

	section := func(title string, nodes []LineageNode) {
		r.Header(2, title)
		if len(nodes) == 0 {
			r.Println(r.Muted("none"))
			r.Println()
			return
		}
		rows := make([][]any, len(nodes))
		for i, n := range nodes {
			rows[i] = []any{st.Asset.Render(n.Asset), n.Depth}
		}
		r.Table([]string{"Asset", "Depth"}, rows)
	}
	if !opts.Downstream {
		section("Upstream", out.Upstream)
	}
	if !opts.Upstream {
		section("Downstream", out.Downstream)
	}

	if !opts.Columns {
		return
	}
	r.Header(2, "Columns")
	if len(out.Columns) == 0 {
		r.Println(r.Muted("no column lineage"))
		return
	}
	rows := make([][]any, len(out.Columns))
	for i, c := range out.Columns {
		confidence := fmt.Sprintf("%.2f", c.Confidence)
		if c.LowConfidence {
			confidence = st.Warning.Render(confidence)
		}
		rows[i] = []any{
			c.TargetColumn,
			c.SourceAsset + "." + c.SourceColumn,
			c.Transformation,
			c.Tier,
			confidence,
		}
	}
	r.Table([]string{"Column", "Source", "Transformation", "Tier", "Confidence"}, rows)
}
