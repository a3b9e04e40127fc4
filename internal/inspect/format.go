package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dyluth/objectproxy/pkg/record"
)

// OutputFormat specifies how records are written.
type OutputFormat string

const (
	// OutputFormatDefault uses a table format with truncated field summaries
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"

	// OutputFormatJSON outputs pretty-printed JSON
	OutputFormatJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case OutputFormatDefault, OutputFormatJSONL, OutputFormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format: %s", s)
	}
}

// WriteList writes a list in the requested format.
func WriteList(w io.Writer, list *record.List, instanceName string, format OutputFormat) error {
	switch format {
	case OutputFormatDefault:
		FormatTable(w, list, instanceName)
		return nil
	case OutputFormatJSONL:
		return FormatJSONL(w, list.Items)
	case OutputFormatJSON:
		return FormatJSON(w, list)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// FormatTable writes records as a formatted table to the provided writer.
// The table includes columns: UUID, NAME, FIELDS and SUMMARY (truncated).
// Returns the number of records formatted.
func FormatTable(w io.Writer, list *record.List, instanceName string) int {
	if list.Len() == 0 {
		fmt.Fprintf(w, "No %s records found for instance '%s'\n", list.Schema, instanceName)
		return 0
	}

	fmt.Fprintf(w, "%s records for instance '%s':\n\n", list.Schema, instanceName)

	fmt.Fprintf(w, "%-10s %-20s %-6s %s\n", "UUID", "NAME", "FIELDS", "SUMMARY")
	fmt.Fprintf(w, "%-10s %-20s %-6s %s\n",
		"----------", "--------------------", "------", "----------------------------------------")

	for _, r := range list.Items {
		fmt.Fprintf(w, "%-10s %-20s %-6d %s\n",
			formatID(r.UUID),
			formatName(r.String("name")),
			len(r.Fields),
			formatSummary(r.Fields),
		)
	}

	countMsg := "record"
	if list.Len() != 1 {
		countMsg = "records"
	}
	more := ""
	if !list.Complete {
		more = " (more available)"
	}
	fmt.Fprintf(w, "\n%d %s found%s\n", list.Len(), countMsg, more)

	return list.Len()
}

// FormatJSONL writes records as line-delimited JSON (JSONL) to the provided writer.
// Each record is written as a single JSON object on its own line.
func FormatJSONL(w io.Writer, records []*record.Record) error {
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record to JSON: %w", err)
		}

		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}

	return nil
}

// FormatJSON writes v (a record or a list) as pretty-printed JSON.
func FormatJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}

	fmt.Fprintln(w)
	return nil
}

// formatID truncates a UUID to its first 8 characters for compact display.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatName truncates the name field. Empty names return "-".
func formatName(name string) string {
	if name == "" {
		return "-"
	}
	if len(name) > 20 {
		return name[:17] + "..."
	}
	return name
}

// formatSummary renders the fields other than name as sorted key=value
// pairs, truncated to 40 characters. Records with no such fields return "-".
func formatSummary(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "name" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "-"
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(fields[k]))
	}

	summary := strings.Join(parts, " ")
	if len(summary) > 40 {
		return summary[:37] + "..."
	}
	return summary
}

// formatValue shows scalars as-is and nested values as compact JSON, keeping
// only the first line of multi-line strings.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		line, _, _ := strings.Cut(strings.TrimSpace(val), "\n")
		return line
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return "?"
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}
