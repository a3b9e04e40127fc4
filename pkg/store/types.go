package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dyluth/objectproxy/pkg/record"
)

// ErrUnknownSchema is returned when a write names a schema that was never
// registered.
var ErrUnknownSchema = errors.New("unknown schema")

// DefaultWarnListSize is the match count above which ListRecords logs a
// warning.
const DefaultWarnListSize = 500

// Schema describes a record namespace.
type Schema struct {
	Name   string   `json:"name" yaml:"name"`
	Hidden []string `json:"hidden,omitempty" yaml:"hidden,omitempty"` // fields never returned by reads
}

// Validate checks the schema definition.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema name cannot be empty")
	}
	if strings.ContainsAny(s.Name, ": ") {
		return fmt.Errorf("schema name %q cannot contain ':' or spaces", s.Name)
	}
	for _, f := range s.Hidden {
		if f == "" {
			return fmt.Errorf("hidden field names cannot be empty")
		}
		if f == "uuid" || f == "name" {
			return fmt.Errorf("field %q cannot be hidden", f)
		}
	}
	return nil
}

func (s *Schema) isHidden(field string) bool {
	for _, f := range s.Hidden {
		if f == field {
			return true
		}
	}
	return false
}

// EventKind identifies a record event.
type EventKind string

const (
	EventUpdate    EventKind = "update"
	EventDelete    EventKind = "delete"
	EventLifecycle EventKind = "lifecycle"
)

// Event is the envelope published on the record events channel. Updates
// carry Record, deletes carry Schema and UUID, lifecycle events carry Name
// and optional Data.
type Event struct {
	Kind   EventKind      `json:"kind"`
	Record *record.Record `json:"record,omitempty"`
	Schema string         `json:"schema,omitempty"`
	UUID   string         `json:"uuid,omitempty"`
	Name   string         `json:"name,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Validate checks that the event carries what its kind requires.
func (e *Event) Validate() error {
	switch e.Kind {
	case EventUpdate:
		if err := e.Record.Validate(); err != nil {
			return fmt.Errorf("update event: %w", err)
		}
	case EventDelete:
		if e.Schema == "" || e.UUID == "" {
			return fmt.Errorf("delete event requires schema and uuid")
		}
	case EventLifecycle:
		if e.Name == "" {
			return fmt.Errorf("lifecycle event requires a name")
		}
	default:
		return fmt.Errorf("unknown event kind: %q", e.Kind)
	}
	return nil
}

// ListQuery narrows ListRecords.
type ListQuery struct {
	Filter record.Filter
	// Fields is a projection. Empty or containing "*" returns all fields;
	// otherwise "name" is always included.
	Fields []string
	Offset int
	Limit  int // 0 means no limit
}

// Validate checks the paging bounds.
func (q *ListQuery) Validate() error {
	if q.Offset < 0 {
		return fmt.Errorf("offset cannot be negative")
	}
	if q.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	return nil
}

func (q *ListQuery) projection() map[string]bool {
	if len(q.Fields) == 0 {
		return nil
	}
	keep := map[string]bool{"name": true}
	for _, f := range q.Fields {
		if f == "*" {
			return nil
		}
		keep[f] = true
	}
	return keep
}
