package proxy

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a proxy failure.
type Kind int

const (
	// KindTransport is a network or backend failure. The cache is untouched.
	KindTransport Kind = iota
	// KindTimeout is a request that received no completion within the
	// configured window. It is a transport failure.
	KindTimeout
	// KindCaller is an invalid request rejected before any transport call.
	KindCaller
	// KindNotFound is a confirmed absence reported by the backend.
	KindNotFound
)

// String returns the kind name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindCaller:
		return "caller"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks against *Error values.
var (
	ErrTransport = errors.New("transport failure")
	ErrTimeout   = errors.New("request timed out")
	ErrCaller    = errors.New("invalid request")
	ErrNotFound  = errors.New("not found")

	// ErrUnknownSchema may be returned by transports whose backend rejects
	// the schema. It is surfaced as a caller error.
	ErrUnknownSchema = errors.New("unknown schema")

	// ErrClosed fails requests still pending when the proxy is closed, and
	// requests made afterwards.
	ErrClosed = errors.New("proxy closed")

	// ErrReleased fails a request whose handles were all released before it
	// completed.
	ErrReleased = errors.New("request released")
)

// Error is the failure delivered to request handles.
type Error struct {
	Kind   Kind
	Op     string // get, list, search, mutate, create, delete
	Schema string
	Key    string // uuid, filter key, or "" for lists
	Err    error
}

func (e *Error) Error() string {
	target := e.Schema
	if e.Key != "" {
		target = e.Schema + "/" + e.Key
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, target, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, target, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels. A timeout also matches ErrTransport.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport || e.Kind == KindTimeout
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrCaller:
		return e.Kind == KindCaller
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// KindOf returns the kind of a proxy error, or KindTransport for anything
// else.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransport
}

// IsNotFound reports whether err is a confirmed absence.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCallerError reports whether err was a rejected request.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrCaller)
}

func callerError(op, schema, key, msg string) *Error {
	return &Error{Kind: KindCaller, Op: op, Schema: schema, Key: key, Err: errors.New(msg)}
}

// classify maps a transport error onto the proxy taxonomy.
func classify(op, schema, key string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	kind := KindTransport
	switch {
	case errors.Is(err, ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, ErrUnknownSchema):
		kind = KindCaller
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Schema: schema, Key: key, Err: err}
}
