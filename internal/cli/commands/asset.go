package commands

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapgraph/internal/cli/output"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// ColumnOutput is one column of an asset.
type ColumnOutput struct {
	Name        string     `json:"name"`
	DataType    string     `json:"data_type,omitempty"`
	Invalidated *time.Time `json:"invalidated_at,omitempty"`
}

// AssetOutput is the JSON form of an asset.
type AssetOutput struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Schema       string             `json:"schema"`
	Type         core.AssetType     `json:"type"`
	ConnectionID string             `json:"connection_id"`
	Stale        bool               `json:"stale"`
	LastSeenPass int64              `json:"last_seen_pass"`
	Metadata     core.AssetMetadata `json:"metadata"`
	Columns      []ColumnOutput     `json:"columns"`
}

// NewAssetCommand creates the asset command.
func NewAssetCommand() *cobra.Command {
	var (
		repo        string
		invalidated bool
	)

	cmd := &cobra.Command{
		Use:   "asset <asset>",
		Short: "Show an asset and its columns",
		Long: `Show the registry entry of an asset: its type, tags, description,
staleness and columns. Columns no longer declared by any extraction are
hidden unless --invalidated is set.`,
		Example: `  leapgraph asset mart.revenue
  leapgraph asset revenue --invalidated -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cctx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := cmd.Context()
			eng := cctx.Engine

			r, err := resolveRepository(ctx, eng, repo)
			if err != nil {
				return err
			}
			a, err := resolveAsset(ctx, eng, r, args[0])
			if err != nil {
				return err
			}
			cols, err := eng.GetColumnsForAsset(ctx, a.ID, invalidated)
			if err != nil {
				return err
			}
			return renderAsset(cctx.Renderer, assetOutput(a, cols))
		},
	}

	repositoryFlag(cmd, &repo)
	cmd.Flags().BoolVar(&invalidated, "invalidated", false, "Include invalidated columns")
	return cmd
}

func assetOutput(a *core.Asset, cols []*core.Column) AssetOutput {
	out := AssetOutput{
		ID:           a.ID,
		Name:         a.Name,
		Schema:       a.Schema,
		Type:         a.Type,
		ConnectionID: a.ConnectionID,
		Stale:        a.Stale,
		LastSeenPass: a.LastSeenPass,
		Metadata:     a.Metadata,
		Columns:      make([]ColumnOutput, len(cols)),
	}
	for i, c := range cols {
		out.Columns[i] = ColumnOutput{Name: c.Name, Invalidated: c.InvalidatedAt}
		if c.DataType != nil {
			out.Columns[i].DataType = *c.DataType
		}
	}
	return out
}

func renderAsset(r *output.Renderer, a AssetOutput) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(a)
	}
	st := r.Styles()
	r.Header(1, a.Schema+"."+a.Name)

	stale := "no"
	if a.Stale {
		stale = st.Warning.Render("yes")
	}
	r.Table([]string{"Property", "Value"}, [][]any{
		{"Type", r.Title(string(a.Type))},
		{"Connection", a.ConnectionID},
		{"Tags", strings.Join(a.Metadata.Tags, ", ")},
		{"Description", a.Metadata.Description},
		{"Stale", stale},
		{"Last seen pass", a.LastSeenPass},
	})

	r.Header(2, "Columns")
	if len(a.Columns) == 0 {
		r.Println(r.Muted("no columns"))
		return nil
	}
	rows := make([][]any, len(a.Columns))
	for i, c := range a.Columns {
		name := c.Name
		if c.Invalidated != nil {
			name = r.Muted(name + " (invalidated)")
		}
		rows[i] = []any{name, c.DataType}
	}
	r.Table([]string{"Column", "Type"}, rows)
	return nil
}
