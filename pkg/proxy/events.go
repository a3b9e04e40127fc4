package proxy

import "github.com/dyluth/objectproxy/pkg/record"

// EventKind is the closed set of notifications the broadcaster delivers.
type EventKind int

const (
	EventGet EventKind = iota
	EventList
	EventInvalidate
	EventLifecycle
)

// String returns the display name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventGet:
		return "OP.Get"
	case EventList:
		return "OP.List"
	case EventInvalidate:
		return "OP.Invalidate"
	case EventLifecycle:
		return "Lifecycle"
	default:
		return "unknown"
	}
}

// Well-known lifecycle event names.
const (
	LifecycleLogin  = "User.Login"
	LifecycleLogout = "User.Logout"
)

// Event is one of GetEvent, ListEvent, InvalidateEvent or LifecycleEvent.
// Consumers dispatch on the concrete type with a type switch.
type Event interface {
	Kind() EventKind
	// Name is the display name, e.g. "OP.Get" or "User.Login".
	Name() string
}

// GetEvent reports that a single record was stored or refreshed in the
// cache. Record is shared by all receivers of the event; treat it as
// read-only.
type GetEvent struct {
	Schema string
	UUID   string
	Record *record.Record
}

func (GetEvent) Kind() EventKind { return EventGet }
func (GetEvent) Name() string    { return EventGet.String() }

// ListEvent reports that the cached list for Schema was replaced or
// extended.
type ListEvent struct {
	Schema string
	List   *record.List
}

func (ListEvent) Kind() EventKind { return EventList }
func (ListEvent) Name() string    { return EventList.String() }

// InvalidateEvent reports that a record was deleted by the backend or by a
// Delete call and has been evicted from the cache.
type InvalidateEvent struct {
	Schema string
	UUID   string
}

func (InvalidateEvent) Kind() EventKind { return EventInvalidate }
func (InvalidateEvent) Name() string    { return EventInvalidate.String() }

// LifecycleEvent passes through externally originated events such as
// User.Login.
type LifecycleEvent struct {
	Event string
	Data  map[string]any
}

func (LifecycleEvent) Kind() EventKind { return EventLifecycle }
func (e LifecycleEvent) Name() string  { return e.Event }
