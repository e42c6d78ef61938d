// Package main provides tests for the leapgraph CLI.
package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapgraph/internal/cli"
	"github.com/leapstack-labs/leapgraph/internal/cli/commands"
	"github.com/leapstack-labs/leapgraph/internal/cli/testutil"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// run executes the root command and returns its stdout and stderr.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := cli.NewRootCmd()
	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func runJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, errOut, err := run(t, append(args, "--output", "json")...)
	require.NoError(t, err, errOut)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestVersionCommand(t *testing.T) {
	chdir(t, t.TempDir())
	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "leapgraph")
}

func TestHelpCommand(t *testing.T) {
	out, _, err := run(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"ingest", "worker", "jobs", "lineage", "impact", "order", "cycles", "asset"} {
		assert.Contains(t, out, name)
	}
}

func TestQueryWithoutIngest(t *testing.T) {
	chdir(t, t.TempDir())
	_, _, err := run(t, "order", "--state", filepath.Join(t.TempDir(), "state.db"))
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
	assert.Contains(t, err.Error(), "leapgraph ingest")
}

func TestIngestAndQuery(t *testing.T) {
	chdir(t, t.TempDir())
	project := testutil.SetupTestProject(t)
	state := filepath.Join(t.TempDir(), "state.db")
	flags := []string{"--state", state, "--repo", "shop"}

	out, errOut, err := run(t, append([]string{"ingest", project, "--connection", "warehouse", "--schema", "mart"}, flags...)...)
	require.NoError(t, err, errOut)
	assert.Contains(t, out, "shop: 4 files, 4 changed, 0 removed")
	assert.Contains(t, out, "assets")

	t.Run("jobs status", func(t *testing.T) {
		var jobs commands.JobsOutput
		runJSON(t, &jobs, append([]string{"jobs", "status"}, flags...)...)
		assert.Equal(t, "shop", jobs.Repository)
		require.Len(t, jobs.Phases, len(core.Phases))
		for _, p := range jobs.Phases {
			assert.Equal(t, core.JobCompleted, p.Status, p.Phase)
		}
	})

	t.Run("lineage", func(t *testing.T) {
		var lin commands.LineageOutput
		runJSON(t, &lin, append([]string{"lineage", "mart.revenue"}, flags...)...)
		assert.Equal(t, "mart.revenue", lin.Asset)
		assert.Contains(t, lin.Upstream, commands.LineageNode{Asset: "mart.stg_orders", Depth: 1})
		assert.Contains(t, lin.Upstream, commands.LineageNode{Asset: "mart.stg_customers", Depth: 1})
		assert.Contains(t, lin.Upstream, commands.LineageNode{Asset: "raw.orders", Depth: 2})
		assert.Empty(t, lin.Downstream)
	})

	t.Run("impact", func(t *testing.T) {
		var imp commands.ImpactOutput
		runJSON(t, &imp, append([]string{"impact", "raw.orders"}, flags...)...)
		assert.Equal(t, []string{"mart.stg_orders"}, imp.CriticalAssets)
		assert.Len(t, imp.Downstream, 2)
		assert.Positive(t, imp.RiskScore)
	})

	t.Run("order", func(t *testing.T) {
		var ord commands.OrderOutput
		runJSON(t, &ord, append([]string{"order"}, flags...)...)
		raw := slices.Index(ord.Order, "raw.orders")
		stg := slices.Index(ord.Order, "mart.stg_orders")
		rev := slices.Index(ord.Order, "mart.revenue")
		require.True(t, raw >= 0 && stg >= 0 && rev >= 0, ord.Order)
		assert.Less(t, raw, stg)
		assert.Less(t, stg, rev)
	})

	t.Run("cycles", func(t *testing.T) {
		var cyc commands.CyclesOutput
		runJSON(t, &cyc, append([]string{"cycles"}, flags...)...)
		assert.Empty(t, cyc.Cycles)
	})

	t.Run("asset", func(t *testing.T) {
		var a commands.AssetOutput
		runJSON(t, &a, append([]string{"asset", "stg_orders"}, flags...)...)
		assert.Equal(t, "mart", a.Schema)
		assert.True(t, a.Metadata.HasTag("critical"))
		assert.Len(t, a.Columns, 3)
	})

	t.Run("markdown output", func(t *testing.T) {
		out, _, err := run(t, append([]string{"lineage", "revenue", "--upstream", "--output", "markdown"}, flags...)...)
		require.NoError(t, err)
		assert.Contains(t, out, "# Lineage of mart.revenue")
		assert.Contains(t, out, "| Asset | Depth |")
		testutil.AssertNoANSI(t, out)
	})

	t.Run("reingest without changes", func(t *testing.T) {
		out, _, err := run(t, append([]string{"ingest", project, "--connection", "warehouse", "--schema", "mart"}, flags...)...)
		require.NoError(t, err)
		assert.Contains(t, out, "no changes")
	})

	t.Run("reset", func(t *testing.T) {
		out, _, err := run(t, append([]string{"jobs", "reset", "lineage"}, flags...)...)
		require.NoError(t, err)
		assert.Contains(t, out, "requeued 3 phase(s) of shop from lineage")

		_, _, err = run(t, append([]string{"jobs", "reset", "compile"}, flags...)...)
		assert.ErrorContains(t, err, "unknown phase")
	})
}
