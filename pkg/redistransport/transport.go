// Package redistransport implements proxy.Transport over the Redis record
// store. Requests map onto store operations; record events published by any
// store client become proxy pushes.
package redistransport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dyluth/objectproxy/pkg/proxy"
	"github.com/dyluth/objectproxy/pkg/store"
)

// Transport adapts a store client to the proxy's transport contract.
type Transport struct {
	client *store.Client
	logger *slog.Logger
}

// New creates a transport over client. A nil logger discards output.
func New(client *store.Client, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transport{client: client, logger: logger.With("component", "redistransport")}
}

// Send executes req against the store. Missing records are reported with
// proxy.ErrNotFound and unregistered schemas with proxy.ErrUnknownSchema.
func (t *Transport) Send(ctx context.Context, req *proxy.Request) (*proxy.Response, error) {
	resp, err := t.send(ctx, req)
	if err != nil {
		return nil, mapError(req, err)
	}
	resp.CorrelationID = req.CorrelationID
	return resp, nil
}

func (t *Transport) send(ctx context.Context, req *proxy.Request) (*proxy.Response, error) {
	switch req.Kind {
	case proxy.RequestGet:
		if req.UUID != "" {
			r, err := t.client.GetRecord(ctx, req.Schema, req.UUID)
			if err != nil {
				return nil, err
			}
			return &proxy.Response{Record: r}, nil
		}
		r, err := t.client.FindRecord(ctx, req.Schema, req.Filter)
		if err != nil {
			return nil, err
		}
		return &proxy.Response{Record: r}, nil

	case proxy.RequestList, proxy.RequestSearch:
		l, err := t.client.ListRecords(ctx, req.Schema, store.ListQuery{
			Filter: req.Filter,
			Fields: req.Fields,
			Offset: req.Offset,
			Limit:  req.Limit,
		})
		if err != nil {
			return nil, err
		}
		return &proxy.Response{List: l}, nil

	case proxy.RequestMutate:
		r, err := t.client.PatchRecord(ctx, req.Schema, req.UUID, req.Patch)
		if err != nil {
			return nil, err
		}
		return &proxy.Response{Record: r}, nil

	case proxy.RequestCreate:
		r, err := t.client.CreateRecord(ctx, req.Schema, req.Patch)
		if err != nil {
			return nil, err
		}
		return &proxy.Response{Record: r}, nil

	case proxy.RequestDelete:
		if err := t.client.DeleteRecord(ctx, req.Schema, req.UUID); err != nil {
			return nil, err
		}
		return &proxy.Response{}, nil

	default:
		return nil, fmt.Errorf("unsupported request kind: %q", req.Kind)
	}
}

func mapError(req *proxy.Request, err error) error {
	switch {
	case store.IsNotFound(err):
		return fmt.Errorf("%s %s: %w", req.Kind, req.Schema, proxy.ErrNotFound)
	case store.IsUnknownSchema(err):
		return fmt.Errorf("%s: %w", req.Kind, proxy.ErrUnknownSchema)
	default:
		return fmt.Errorf("failed to %s %s: %w", req.Kind, req.Schema, err)
	}
}

// Subscribe streams store record events as proxy pushes.
func (t *Transport) Subscribe(ctx context.Context) (proxy.PushSubscription, error) {
	inner, err := t.client.SubscribeRecordEvents(ctx)
	if err != nil {
		return nil, err
	}

	s := &pushSubscription{
		inner:  inner,
		events: make(chan proxy.Push, 10),
		done:   make(chan struct{}),
	}
	go s.forward(t.logger)
	return s, nil
}

type pushSubscription struct {
	inner  *store.Subscription
	events chan proxy.Push
	done   chan struct{}
	once   sync.Once
}

func (s *pushSubscription) Events() <-chan proxy.Push { return s.events }
func (s *pushSubscription) Errors() <-chan error      { return s.inner.Errors() }

// Close stops the subscription. Safe to call multiple times.
func (s *pushSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.inner.Close()
	})
	return nil
}

func (s *pushSubscription) forward(logger *slog.Logger) {
	defer close(s.events)
	for e := range s.inner.Events() {
		push := toPush(e)
		logger.Debug("received record event", "kind", string(push.Kind), "schema", push.Schema, "uuid", push.UUID)
		select {
		case s.events <- push:
		case <-s.done:
			return
		}
	}
}

func toPush(e *store.Event) proxy.Push {
	push := proxy.Push{
		Record: e.Record,
		Schema: e.Schema,
		UUID:   e.UUID,
		Name:   e.Name,
		Data:   e.Data,
	}
	switch e.Kind {
	case store.EventUpdate:
		push.Kind = proxy.PushUpdate
		push.Schema = e.Record.Schema
		push.UUID = e.Record.UUID
	case store.EventDelete:
		push.Kind = proxy.PushDelete
	case store.EventLifecycle:
		push.Kind = proxy.PushLifecycle
	}
	return push
}
