package proxy

import (
	"context"
	"sync"
)

// Handle is a caller's view of one request. Several handles may share the
// same transport call; each owns one reference to it.
//
// A handle resolves exactly once. Release it when the result is no longer
// wanted: when every handle on a call has been released before completion,
// the transport request is cancelled.
type Handle[T any] struct {
	c       *call
	co      *Coordinator
	extract func(*Response) T
	cached  bool
	joined  bool
	once    sync.Once
}

func newHandle[T any](co *Coordinator, c *call, extract func(*Response) T) *Handle[T] {
	return &Handle[T]{c: c, co: co, extract: extract}
}

// ID returns the correlation ID of the underlying transport call, or "" when
// the handle was answered without one.
func (h *Handle[T]) ID() string {
	return h.c.id()
}

// Done is closed when the result is available.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.c.done
}

// FromCache reports whether the handle was answered from the cache.
func (h *Handle[T]) FromCache() bool {
	return h.cached
}

// Joined reports whether the handle shares a call started by an earlier
// request.
func (h *Handle[T]) Joined() bool {
	return h.joined
}

// Wait blocks until the handle resolves or ctx is done. A ctx expiry
// returns ctx.Err() and leaves the request running.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.c.done:
		return h.result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Release drops this handle's reference. It is safe to call more than once
// and after resolution.
func (h *Handle[T]) Release() {
	h.once.Do(func() {
		if h.co != nil && h.c.req != nil {
			h.co.release(h.c)
		}
	})
}

func (h *Handle[T]) result() (T, error) {
	var zero T
	if h.c.err != nil {
		return zero, h.c.err
	}
	if h.c.resp == nil || h.extract == nil {
		return zero, nil
	}
	return h.extract(h.c.resp), nil
}
