package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Format
		wantErr bool
	}{
		{name: "table", input: "table", want: FormatTable},
		{name: "empty defaults to table", input: "", want: FormatTable},
		{name: "json", input: "json", want: FormatJSON},
		{name: "JSON uppercase", input: "JSON", want: FormatJSON},
		{name: "yaml", input: "yaml", want: FormatYAML},
		{name: "yml alias", input: "yml", want: FormatYAML},
		{name: "whitespace trimmed", input: "  table  ", want: FormatTable},
		{name: "invalid format", input: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeTable struct{}

func (fakeTable) Headers() []string { return []string{"A", "B"} }
func (fakeTable) Rows() [][]string  { return [][]string{{"1", "2"}} }

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, fakeTable{}))
	assert.Contains(t, buf.String(), "A")
	assert.Contains(t, buf.String(), "1")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintJSON(&buf, map[string]int{"x": 1}))
	assert.Contains(t, buf.String(), `"x": 1`)
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintYAML(&buf, map[string]int{"x": 1}))
	assert.Contains(t, buf.String(), "x: 1")
}

func TestPrintFallsBackToJSONWhenNotATableRenderer(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatTable, map[string]int{"x": 1}))
	assert.Contains(t, buf.String(), `"x"`)
}

func TestPrintUsesTableRendererForTableFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatTable, fakeTable{}))
	assert.Contains(t, buf.String(), "A")
}
