package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapgraph/internal/cli/output"
)

// OrderOutput is the JSON form of an execution order.
type OrderOutput struct {
	Repository string     `json:"repository"`
	Order      []string   `json:"order,omitempty"`
	Levels     [][]string `json:"levels,omitempty"`
}

// CyclesOutput is the JSON form of the circular dependencies of a repository.
type CyclesOutput struct {
	Repository string     `json:"repository"`
	Cycles     [][]string `json:"cycles"`
}

// NewOrderCommand creates the order command.
func NewOrderCommand() *cobra.Command {
	var (
		repo   string
		levels bool
	)

	cmd := &cobra.Command{
		Use:   "order",
		Short: "Show the execution order of a repository's assets",
		Long: `List the repository's assets with every dependency before its dependents.
Edges on a cycle are left out of the ordering; see leapgraph cycles.

With --levels the assets are grouped into levels whose members can be
built in parallel.`,
		Example: `  leapgraph order
  leapgraph order --levels -o markdown`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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
			out := OrderOutput{Repository: r.Name}
			if levels {
				lv, err := eng.GetExecutionLevels(ctx, r.ID)
				if err != nil {
					return err
				}
				for _, level := range lv {
					names, err := eng.QualifiedNames(ctx, level)
					if err != nil {
						return err
					}
					out.Levels = append(out.Levels, qualify(level, names))
				}
			} else {
				order, err := eng.GetExecutionOrder(ctx, r.ID)
				if err != nil {
					return err
				}
				names, err := eng.QualifiedNames(ctx, order)
				if err != nil {
					return err
				}
				out.Order = qualify(order, names)
			}
			return renderOrder(cctx.Renderer, out, levels)
		},
	}

	repositoryFlag(cmd, &repo)
	cmd.Flags().BoolVar(&levels, "levels", false, "Group assets into parallel execution levels")
	return cmd
}

func qualify(ids []string, names map[string]string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = names[id]
	}
	return out
}

func renderOrder(r *output.Renderer, out OrderOutput, levels bool) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(out)
	}
	st := r.Styles()
	r.Header(1, "Execution order of "+out.Repository)

	if !levels {
		if len(out.Order) == 0 {
			r.Println(r.Muted("no assets"))
			return nil
		}
		for i, a := range out.Order {
			r.Printf("%3d. %s\n", i+1, st.Asset.Render(a))
		}
		return nil
	}

	total := 0
	for i, level := range out.Levels {
		r.Header(2, fmt.Sprintf("Level %d", i))
		for _, a := range level {
			r.Printf("- %s\n", st.Asset.Render(a))
		}
		r.Println()
		total += len(level)
	}
	r.Println(r.Muted(fmt.Sprintf("Total: %d assets in %d levels", total, len(out.Levels))))
	return nil
}

// NewCyclesCommand creates the cycles command.
func NewCyclesCommand() *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "List circular dependencies",
		Long: `List the circular dependencies found by the last graph build of a
repository. Each cycle is printed from its first asset back to itself.`,
		Example: `  leapgraph cycles --repo shop`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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
			cycles, err := eng.GetCircularDependencies(ctx, r.ID)
			if err != nil {
				return err
			}
			out := CyclesOutput{Repository: r.Name, Cycles: make([][]string, len(cycles))}
			for i, c := range cycles {
				names, err := eng.QualifiedNames(ctx, c.Path)
				if err != nil {
					return err
				}
				out.Cycles[i] = qualify(c.Path, names)
			}

			rr := cctx.Renderer
			if rr.EffectiveMode() == output.ModeJSON {
				return rr.JSON(out)
			}
			if len(out.Cycles) == 0 {
				rr.Success("no circular dependencies")
				return nil
			}
			rr.Header(1, fmt.Sprintf("%d circular dependencies in %s", len(out.Cycles), r.Name))
			for _, c := range out.Cycles {
				rr.Printf("- %s\n", strings.Join(c, " -> "))
			}
			return nil
		},
	}

	repositoryFlag(cmd, &repo)
	return cmd
}
