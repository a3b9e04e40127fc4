package proxy

import (
	"context"

	"github.com/dyluth/objectproxy/pkg/record"
)

// RequestKind identifies what a transport request asks the backend to do.
type RequestKind string

const (
	RequestGet    RequestKind = "get"
	RequestList   RequestKind = "list"
	RequestSearch RequestKind = "search"
	RequestMutate RequestKind = "mutate"
	RequestCreate RequestKind = "create"
	RequestDelete RequestKind = "delete"
)

// Request is what the proxy hands to a Transport.
//
// For RequestGet exactly one of UUID and Filter is set. RequestList and
// RequestSearch may carry a Filter, a field projection and paging bounds.
// RequestMutate carries UUID and Patch, RequestCreate carries Patch as the
// initial fields, RequestDelete carries UUID.
type Request struct {
	CorrelationID string
	Kind          RequestKind
	Schema        string
	UUID          string
	Filter        record.Filter
	Fields        []string
	Offset        int
	Limit         int
	Patch         map[string]any
}

// Response is a successful transport completion. Record is set for get,
// mutate and create; List for list and search. Delete responses carry
// neither.
type Response struct {
	CorrelationID string
	Record        *record.Record
	List          *record.List
}

// Transport moves requests to a backend and delivers server-initiated pushes.
//
// Send blocks until the backend answers or ctx is done; the proxy always
// calls it from its own goroutine. Implementations signal confirmed absence
// by returning an error wrapping ErrNotFound, and a rejected schema with
// ErrUnknownSchema. ctx is cancelled when the proxy stops waiting (timeout or
// all handles released).
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
	Subscribe(ctx context.Context) (PushSubscription, error)
}

// PushSubscription is a live stream of server pushes. Close must be safe to
// call more than once.
type PushSubscription interface {
	Events() <-chan Push
	Errors() <-chan error
	Close() error
}

// PushKind identifies a server-initiated notification.
type PushKind string

const (
	PushUpdate    PushKind = "update"
	PushDelete    PushKind = "delete"
	PushLifecycle PushKind = "lifecycle"
)

// Push is a server-initiated notification. Updates carry Record, deletes
// carry Schema and UUID, lifecycle pushes carry Name and optional Data.
type Push struct {
	Kind   PushKind       `json:"kind"`
	Record *record.Record `json:"record,omitempty"`
	Schema string         `json:"schema,omitempty"`
	UUID   string         `json:"uuid,omitempty"`
	Name   string         `json:"name,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}
