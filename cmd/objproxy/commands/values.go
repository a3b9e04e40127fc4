package commands

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseAssignments parses key=value arguments. Values that parse as JSON
// keep their JSON type; anything else is a string.
func parseAssignments(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q (expected key=value)", pair)
		}
		out[key] = parseValue(raw)
	}
	return out, nil
}

// parseValue decodes raw as JSON, falling back to the literal string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
