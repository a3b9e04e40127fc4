package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dyluth/objectproxy/pkg/record"
)

// sentRequest is one Send call held by fakeTransport until the test answers
// it.
type sentRequest struct {
	ctx   context.Context
	req   *Request
	reply chan sendResult
}

type sendResult struct {
	resp *Response
	err  error
}

func (s *sentRequest) respond(resp *Response) {
	s.reply <- sendResult{resp: resp}
}

func (s *sentRequest) respondRecord(r *record.Record) {
	s.respond(&Response{Record: r})
}

func (s *sentRequest) respondList(items ...*record.Record) {
	s.respond(&Response{List: &record.List{Schema: s.req.Schema, Items: items, Complete: true}})
}

func (s *sentRequest) fail(err error) {
	s.reply <- sendResult{err: err}
}

// fakeTransport hands every Send to the test through the sends channel and
// blocks until the test replies or the request context ends.
type fakeTransport struct {
	sends  chan *sentRequest
	count  atomic.Int64
	pushes chan Push
	errs   chan error

	subscribeErr error
	subClosed    atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sends:  make(chan *sentRequest, 64),
		pushes: make(chan Push, 16),
		errs:   make(chan error, 4),
	}
}

func (f *fakeTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	f.count.Add(1)
	s := &sentRequest{ctx: ctx, req: req, reply: make(chan sendResult, 1)}
	f.sends <- s
	select {
	case r := <-s.reply:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Subscribe(ctx context.Context) (PushSubscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return &fakeSubscription{f: f}, nil
}

// next returns the next request the proxy sent.
func (f *fakeTransport) next(t *testing.T) *sentRequest {
	t.Helper()
	select {
	case s := <-f.sends:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transport request")
		return nil
	}
}

// expectNoSend fails if the proxy sends anything within a short window.
func (f *fakeTransport) expectNoSend(t *testing.T) {
	t.Helper()
	select {
	case s := <-f.sends:
		t.Fatalf("unexpected transport request: %s %s", s.req.Kind, s.req.Schema)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeSubscription struct {
	f *fakeTransport
}

func (s *fakeSubscription) Events() <-chan Push  { return s.f.pushes }
func (s *fakeSubscription) Errors() <-chan error { return s.f.errs }
func (s *fakeSubscription) Close() error {
	s.f.subClosed.Store(true)
	return nil
}

// recorder collects broadcast events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind() == kind {
			n++
		}
	}
	return n
}

// setupProxy creates a proxy over a fake transport with a recorder
// subscribed to every event.
func setupProxy(t *testing.T, opts ...Option) (*Proxy, *fakeTransport, *recorder) {
	t.Helper()
	ft := newFakeTransport()
	p, err := New(ft, opts...)
	if err != nil {
		t.Fatalf("failed to create proxy: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	events := &recorder{}
	sub := p.Events().SubscribeAll(events.handle)
	t.Cleanup(func() { sub.Close() })
	return p, ft, events
}

func wait[T any](t *testing.T, h *Handle[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := h.Wait(ctx)
	if err == context.DeadlineExceeded {
		t.Fatal("timed out waiting for handle")
	}
	return v, err
}

func newRec(schema, uuid, title string) *record.Record {
	return record.New(schema, uuid, map[string]any{"title": title})
}
