package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMode(t *testing.T) {
	tests := map[string]OutputMode{
		"":         ModeAuto,
		"auto":     ModeAuto,
		"TEXT":     ModeText,
		"markdown": ModeMarkdown,
		"md":       ModeMarkdown,
		" json ":   ModeJSON,
		"xml":      ModeAuto,
	}
	for in, want := range tests {
		assert.Equal(t, want, Mode(in), in)
	}
}

func TestRenderer_EffectiveMode(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, ModeText, NewRendererWithTTY(&out, &errOut, true, ModeAuto).EffectiveMode())
	assert.Equal(t, ModeMarkdown, NewRendererWithTTY(&out, &errOut, false, ModeAuto).EffectiveMode())
	assert.Equal(t, ModeJSON, NewRendererWithTTY(&out, &errOut, true, ModeJSON).EffectiveMode())

	r := NewRenderer(&out, &errOut, ModeAuto)
	assert.False(t, r.IsTTY(), "a buffer is not a terminal")
}

func TestRenderer_Table(t *testing.T) {
	var out, errOut bytes.Buffer

	r := NewRendererWithTTY(&out, &errOut, false, ModeMarkdown)
	r.Table([]string{"Asset", "Depth"}, [][]any{{"mart.orders", 1}})
	assert.Contains(t, out.String(), "| Asset | Depth |")
	assert.Contains(t, out.String(), "| mart.orders | 1 |")

	out.Reset()
	r = NewRendererWithTTY(&out, &errOut, false, ModeText)
	r.Table([]string{"Asset"}, [][]any{{"mart.orders"}})
	assert.Contains(t, out.String(), "mart.orders")
	assert.Contains(t, out.String(), "┌")
}

func TestRenderer_Messages(t *testing.T) {
	var out, errOut bytes.Buffer
	r := NewRendererWithTTY(&out, &errOut, false, ModeText)

	r.Header(1, "Lineage")
	r.Success("done")
	r.Warning("careful")
	r.Error("broken")

	assert.Equal(t, "Lineage\nok done\n", out.String())
	assert.Equal(t, "warning: careful\nerror: broken\n", errOut.String())
	assert.Equal(t, "Dependencies", r.Title("dependencies"))
}

func TestRenderer_MarkdownHeader(t *testing.T) {
	var out, errOut bytes.Buffer
	r := NewRendererWithTTY(&out, &errOut, false, ModeMarkdown)
	r.Header(2, "Upstream")
	assert.Equal(t, "## Upstream\n\n", out.String())
}

func TestRenderer_JSON(t *testing.T) {
	var out, errOut bytes.Buffer
	r := NewRendererWithTTY(&out, &errOut, false, ModeJSON)
	require.NoError(t, r.JSON(map[string]int{"edges": 2}))
	assert.Equal(t, "{\n  \"edges\": 2\n}\n", out.String())
}
