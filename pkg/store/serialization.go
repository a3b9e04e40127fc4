package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dyluth/objectproxy/pkg/record"
)

// Serialization helpers for converting between records and Redis hashes
//
// Identity and bookkeeping live in plain hash fields. Each record field is
// stored under "f:<name>" as JSON, so values keep their type across a round
// trip and individual fields can be patched with HSET/HDEL.

const fieldPrefix = "f:"

// FieldKey returns the hash field that stores a record field.
func FieldKey(name string) string {
	return fieldPrefix + name
}

// RecordToHash converts a record to Redis hash format.
func RecordToHash(r *record.Record, createdAtMs int64) (map[string]interface{}, error) {
	hash := map[string]interface{}{
		"uuid":          r.UUID,
		"schema":        r.Schema,
		"created_at_ms": createdAtMs,
	}

	for name, value := range r.Fields {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal field %q: %w", name, err)
		}
		hash[FieldKey(name)] = string(encoded)
	}

	return hash, nil
}

// HashToRecord converts a Redis hash to a record and its creation time.
func HashToRecord(hash map[string]string) (*record.Record, int64, error) {
	if hash["uuid"] == "" || hash["schema"] == "" {
		return nil, 0, fmt.Errorf("record hash is missing uuid or schema")
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)

	fields := make(map[string]any)
	for key, raw := range hash {
		name, ok := strings.CutPrefix(key, fieldPrefix)
		if !ok {
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal field %q: %w", name, err)
		}
		fields[name] = value
	}

	return &record.Record{
		Schema: hash["schema"],
		UUID:   hash["uuid"],
		Fields: fields,
	}, createdAtMs, nil
}

// SchemaToHash converts a schema definition to Redis hash format.
func SchemaToHash(s *Schema) (map[string]interface{}, error) {
	hidden := s.Hidden
	if hidden == nil {
		hidden = []string{}
	}
	hiddenJSON, err := json.Marshal(hidden)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hidden fields: %w", err)
	}
	return map[string]interface{}{
		"name":   s.Name,
		"hidden": string(hiddenJSON),
	}, nil
}

// HashToSchema converts a Redis hash to a schema definition.
func HashToSchema(hash map[string]string) (*Schema, error) {
	var hidden []string
	if raw := hash["hidden"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &hidden); err != nil {
			return nil, fmt.Errorf("failed to unmarshal hidden fields: %w", err)
		}
	}
	if len(hidden) == 0 {
		hidden = nil
	}
	return &Schema{Name: hash["name"], Hidden: hidden}, nil
}
