// Package record defines the value types shared by the object proxy and its
// transports: a schema-typed Record, the Filter used for non-identity lookups,
// and the ordered List returned by list requests.
//
// Records are immutable by convention. Anything handed out by the proxy is a
// deep copy, so callers may modify what they receive without affecting the
// cache or other consumers.
package record

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Record is one backend entity, identified by (Schema, UUID).
type Record struct {
	Schema string         `json:"schema"`
	UUID   string         `json:"uuid"`
	Fields map[string]any `json:"fields"`
}

// New creates a record with a copy of fields.
func New(schema, uuid string, fields map[string]any) *Record {
	return &Record{
		Schema: schema,
		UUID:   uuid,
		Fields: cloneMap(fields),
	}
}

// Validate checks that the record carries a usable identity.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if r.Schema == "" {
		return fmt.Errorf("record schema cannot be empty")
	}
	if r.UUID == "" {
		return fmt.Errorf("record uuid cannot be empty")
	}
	return nil
}

// Field returns the named field and whether it is present.
func (r *Record) Field(name string) (any, bool) {
	if r == nil || r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[name]
	return v, ok
}

// String returns the named field if it holds a string, "" otherwise.
func (r *Record) String(name string) string {
	v, _ := r.Field(name)
	s, _ := v.(string)
	return s
}

// Clone returns a deep copy of the record. Nested maps and slices are copied;
// other values are copied by assignment.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Schema: r.Schema,
		UUID:   r.UUID,
		Fields: cloneMap(r.Fields),
	}
}

// Filter is a query predicate used to look up a single record, or to narrow a
// list, by field values instead of by UUID.
type Filter map[string]any

// Key returns a stable identifier for the filter. Equal filters produce the
// same key regardless of map iteration order.
func (f Filter) Key() string {
	if len(f) == 0 {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(f.canonical()))
}

// canonical encodes the filter as JSON. encoding/json sorts map keys at every
// nesting level, which makes the encoding independent of iteration order.
func (f Filter) canonical() []byte {
	data, err := json.Marshal(map[string]any(f))
	if err != nil {
		keys := make([]string, 0, len(f))
		for k := range f {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return []byte(fmt.Sprintf("%v", keys))
	}
	return data
}

// Matches reports whether every filter entry equals the record's field of the
// same name. Values are compared after a JSON round trip so that numbers
// decoded from different sources compare equal.
func (f Filter) Matches(r *Record) bool {
	if r == nil {
		return false
	}
	for k, want := range f {
		var got any
		switch k {
		case "uuid":
			got = r.UUID
		default:
			v, ok := r.Fields[k]
			if !ok {
				return false
			}
			got = v
		}
		if !sameValue(want, got) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the filter.
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}
	return Filter(cloneMap(f))
}

// List is an ordered population of records for one schema. Complete is false
// while more pages are still expected.
type List struct {
	Schema   string    `json:"schema"`
	Items    []*Record `json:"items"`
	Complete bool      `json:"complete"`
}

// Len returns the number of items, tolerating a nil list.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Items)
}

// UUIDs returns the item identities in list order.
func (l *List) UUIDs() []string {
	if l == nil {
		return nil
	}
	ids := make([]string, len(l.Items))
	for i, item := range l.Items {
		ids[i] = item.UUID
	}
	return ids
}

// Clone returns a deep copy of the list and its items.
func (l *List) Clone() *List {
	if l == nil {
		return nil
	}
	items := make([]*Record, len(l.Items))
	for i, item := range l.Items {
		items[i] = item.Clone()
	}
	return &List{
		Schema:   l.Schema,
		Items:    items,
		Complete: l.Complete,
	}
}

func sameValue(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
