package watch

import (
	"path/filepath"

	"github.com/dyluth/objectproxy/pkg/proxy"
)

// Criteria defines filtering criteria for watched events.
// All filters are ANDed together - an event must match ALL criteria to pass.
type Criteria struct {
	SchemaGlob string   // Glob pattern for the event schema, empty = no filter
	Events     []string // Event names such as "OP.Get" or "User.Login", empty = no filter
}

// Matches returns true if the event matches all filter criteria.
// Lifecycle events carry no schema and are never excluded by SchemaGlob.
func (c *Criteria) Matches(e proxy.Event) bool {
	if len(c.Events) > 0 {
		found := false
		for _, name := range c.Events {
			if name == e.Name() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if c.SchemaGlob != "" {
		schema, ok := schemaOf(e)
		if !ok {
			return true
		}
		matched, err := filepath.Match(c.SchemaGlob, schema)
		if err != nil || !matched {
			return false
		}
	}

	return true
}

func schemaOf(e proxy.Event) (string, bool) {
	switch ev := e.(type) {
	case proxy.GetEvent:
		return ev.Schema, true
	case proxy.ListEvent:
		return ev.Schema, true
	case proxy.InvalidateEvent:
		return ev.Schema, true
	default:
		return "", false
	}
}
