package inspect

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/objectproxy/pkg/record"
)

func TestFormatSummary(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[string]any
		expected string
	}{
		{"no fields", nil, "-"},
		{"only name", map[string]any{"name": "Index"}, "-"},
		{"sorted scalars", map[string]any{"zoom": 12.5, "visible": true, "name": "x"}, "visible=true zoom=12.5"},
		{"null value", map[string]any{"owner": nil}, "owner=null"},
		{"multi-line string keeps first line", map[string]any{"html": "<p>\nbody\n</p>"}, "html=<p>"},
		{"nested values as JSON", map[string]any{"tags": []any{"a", "b"}}, `tags=["a","b"]`},
		{"long summary truncated", map[string]any{"html": strings.Repeat("x", 60)}, "html=" + strings.Repeat("x", 32) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatSummary(tt.fields))
		})
	}
}

func TestFormatNameAndID(t *testing.T) {
	assert.Equal(t, "-", formatName(""))
	assert.Equal(t, "Index", formatName("Index"))
	assert.Equal(t, strings.Repeat("n", 17)+"...", formatName(strings.Repeat("n", 25)))
	assert.Equal(t, "3f2a9c1e", formatID("3f2a9c1e-0000-4000-8000-000000000000"))
	assert.Equal(t, "short", formatID("short"))
}

func TestFormatTable(t *testing.T) {
	t.Run("empty list", func(t *testing.T) {
		buf := &bytes.Buffer{}
		n := FormatTable(buf, &record.List{Schema: "wikipage", Complete: true}, "prod")
		assert.Zero(t, n)
		assert.Equal(t, "No wikipage records found for instance 'prod'\n", buf.String())
	})

	t.Run("rows and count", func(t *testing.T) {
		buf := &bytes.Buffer{}
		list := &record.List{
			Schema: "wikipage",
			Items: []*record.Record{
				record.New("wikipage", "3f2a9c1e-0000-4000-8000-000000000000", map[string]any{"name": "Index", "html": "<p/>"}),
				record.New("wikipage", "77aa0000-0000-4000-8000-000000000000", nil),
			},
			Complete: false,
		}

		n := FormatTable(buf, list, "prod")
		assert.Equal(t, 2, n)

		output := buf.String()
		assert.Contains(t, output, "wikipage records for instance 'prod'")
		assert.Contains(t, output, "3f2a9c1e")
		assert.Contains(t, output, "Index")
		assert.Contains(t, output, "html=<p/>")
		assert.Contains(t, output, "2 records found (more available)")
	})

	t.Run("singular count", func(t *testing.T) {
		buf := &bytes.Buffer{}
		FormatTable(buf, &record.List{Schema: "layer", Items: []*record.Record{record.New("layer", "l1", nil)}, Complete: true}, "prod")
		assert.Contains(t, buf.String(), "\n1 record found\n")
	})
}

func TestFormatJSONL(t *testing.T) {
	buf := &bytes.Buffer{}
	records := []*record.Record{
		record.New("layer", "l1", map[string]any{"name": "Roads"}),
		record.New("layer", "l2", map[string]any{"name": "Rivers"}),
	}

	require.NoError(t, FormatJSONL(buf, records))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var decoded record.Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	assert.Equal(t, *records[1], decoded)
}

func TestFormatJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, FormatJSON(buf, record.New("layer", "l1", map[string]any{"name": "Roads"})))

	assert.True(t, strings.HasSuffix(buf.String(), "}\n"))
	assert.Contains(t, buf.String(), "\n  \"uuid\": \"l1\"")
}

func TestWriteList(t *testing.T) {
	list := &record.List{Schema: "layer", Items: []*record.Record{record.New("layer", "l1", nil)}, Complete: true}

	for _, format := range []OutputFormat{OutputFormatDefault, OutputFormatJSONL, OutputFormatJSON} {
		buf := &bytes.Buffer{}
		require.NoError(t, WriteList(buf, list, "prod", format), "format %s", format)
		assert.NotEmpty(t, buf.String())
	}

	assert.Error(t, WriteList(&bytes.Buffer{}, list, "prod", "yaml"))
}

func TestParseOutputFormat(t *testing.T) {
	f, err := ParseOutputFormat("jsonl")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatJSONL, f)

	_, err = ParseOutputFormat("csv")
	assert.Error(t, err)
}
