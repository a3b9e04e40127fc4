package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// callKey identifies a dedup slot: at most one call is pending per key.
type callKey struct {
	schema string
	kind   RequestKind
	key    string
}

// completion holds the hooks a call runs when it finishes. apply runs on
// success before the pending entry is cleared; fail runs on a transport
// failure (not on timeout or release) before handles are resolved.
type completion struct {
	apply func(*Response) error
	fail  func(*Error)
}

// call is one transport request shared by every handle that joined it.
type call struct {
	key    callKey
	errKey string
	req    *Request
	hooks  completion

	done chan struct{}
	resp *Response
	err  error

	// guarded by Coordinator.mu
	refs     int
	finished bool

	cancel context.CancelFunc
	timer  *time.Timer
}

func (c *call) id() string {
	if c.req == nil {
		return ""
	}
	return c.req.CorrelationID
}

// resolvedCall returns a finished call carrying resp. Used for cache hits.
func resolvedCall(resp *Response) *call {
	c := &call{done: make(chan struct{}), resp: resp, finished: true}
	close(c.done)
	return c
}

// failedCall returns a finished call carrying err. Used for rejected
// requests.
func failedCall(err *Error) *call {
	c := &call{done: make(chan struct{}), err: err, finished: true}
	close(c.done)
	return c
}

// Coordinator tracks in-flight transport requests. Requests with the same
// key share one transport call; each call has a correlation ID, a
// completion window and a reference count of the handles waiting on it.
type Coordinator struct {
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics

	mu      sync.Mutex
	pending map[callKey]*call
	closed  bool
}

func newCoordinator(t Transport, timeout time.Duration, logger *slog.Logger, m *metrics) *Coordinator {
	return &Coordinator{
		transport: t,
		timeout:   timeout,
		logger:    logger,
		metrics:   m,
		pending:   make(map[callKey]*call),
	}
}

// request joins the pending call for key, or starts a new one. With dedup
// false the call gets a unique key and never shares. The returned bool
// reports whether an existing call was joined.
func (co *Coordinator) request(key callKey, dedup bool, errKey string, req *Request, hooks completion) (*call, bool) {
	co.mu.Lock()

	if co.closed {
		co.mu.Unlock()
		return failedCall(&Error{Kind: KindTransport, Op: string(req.Kind), Schema: req.Schema, Key: errKey, Err: ErrClosed}), false
	}

	if dedup {
		if c, ok := co.pending[key]; ok {
			c.refs++
			co.mu.Unlock()
			co.metrics.join()
			co.logger.Debug("joined pending request",
				"correlation_id", c.id(),
				"schema", key.schema,
				"kind", string(key.kind))
			return c, true
		}
	}

	req.CorrelationID = uuid.NewString()
	if !dedup {
		key.key = req.CorrelationID
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &call{
		key:    key,
		errKey: errKey,
		req:    req,
		hooks:  hooks,
		done:   make(chan struct{}),
		refs:   1,
		cancel: cancel,
	}
	co.pending[key] = c
	if co.timeout > 0 {
		timeout := co.timeout
		c.timer = time.AfterFunc(timeout, func() {
			co.fail(c, &Error{
				Kind:   KindTimeout,
				Op:     string(req.Kind),
				Schema: req.Schema,
				Key:    errKey,
				Err:    fmt.Errorf("no completion within %s", timeout),
			}, false)
		})
	}
	co.mu.Unlock()

	co.metrics.call(req.Kind)
	co.metrics.pendingDelta(1)
	co.logger.Debug("sending request",
		"correlation_id", req.CorrelationID,
		"schema", req.Schema,
		"kind", string(req.Kind))

	go co.run(ctx, c)
	return c, false
}

func (co *Coordinator) run(ctx context.Context, c *call) {
	resp, err := co.transport.Send(ctx, c.req)
	if err != nil {
		co.fail(c, classify(string(c.req.Kind), c.req.Schema, c.errKey, err), true)
		return
	}
	if resp == nil {
		resp = &Response{}
	}
	resp.CorrelationID = c.req.CorrelationID

	if !co.claim(c) {
		co.logger.Debug("dropping late response",
			"correlation_id", c.req.CorrelationID,
			"schema", c.req.Schema)
		return
	}

	if c.hooks.apply != nil {
		if err := c.hooks.apply(resp); err != nil {
			perr := &Error{
				Kind:   KindTransport,
				Op:     string(c.req.Kind),
				Schema: c.req.Schema,
				Key:    c.errKey,
				Err:    fmt.Errorf("failed to apply response: %w", err),
			}
			co.metrics.failure(perr.Kind)
			co.logger.Warn("request failed", "correlation_id", c.req.CorrelationID, "error", perr)
			co.finish(c, nil, perr)
			return
		}
	}
	co.finish(c, resp, nil)
}

// fail completes c with err unless it already finished. The fail hook runs
// only for errors reported by the transport.
func (co *Coordinator) fail(c *call, err *Error, fromTransport bool) {
	if !co.claim(c) {
		return
	}
	if fromTransport && c.hooks.fail != nil {
		c.hooks.fail(err)
	}
	co.metrics.failure(err.Kind)

	level := slog.LevelWarn
	if err.Kind == KindNotFound {
		level = slog.LevelDebug
	}
	co.logger.Log(context.Background(), level, "request failed",
		"correlation_id", c.req.CorrelationID,
		"schema", c.req.Schema,
		"kind", string(c.req.Kind),
		"error", err)

	co.finish(c, nil, err)
}

// claim marks c finished. Only the first caller wins.
func (co *Coordinator) claim(c *call) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	if c.finished {
		return false
	}
	c.finished = true
	return true
}

// finish clears the pending entry, stops the timer, cancels the transport
// context and resolves every handle. The caller must have claimed c.
func (co *Coordinator) finish(c *call, resp *Response, err error) {
	co.mu.Lock()
	if co.pending[c.key] == c {
		delete(co.pending, c.key)
	}
	co.mu.Unlock()

	co.metrics.pendingDelta(-1)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.cancel()

	c.resp = resp
	c.err = err
	close(c.done)
}

// release drops one reference. Releasing the last reference of an
// unfinished call cancels it.
func (co *Coordinator) release(c *call) {
	co.mu.Lock()
	if c.finished {
		co.mu.Unlock()
		return
	}
	c.refs--
	if c.refs > 0 {
		co.mu.Unlock()
		return
	}
	c.finished = true
	co.mu.Unlock()

	co.logger.Debug("request released",
		"correlation_id", c.req.CorrelationID,
		"schema", c.req.Schema)
	co.finish(c, nil, &Error{
		Kind:   KindTransport,
		Op:     string(c.req.Kind),
		Schema: c.req.Schema,
		Key:    c.errKey,
		Err:    ErrReleased,
	})
}

// pendingCount returns the number of calls awaiting completion.
func (co *Coordinator) pendingCount() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.pending)
}

// isPending reports whether a call is in flight for key.
func (co *Coordinator) isPending(key callKey) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	_, ok := co.pending[key]
	return ok
}

// shutdown fails every pending call and rejects new ones.
func (co *Coordinator) shutdown() {
	co.mu.Lock()
	co.closed = true
	calls := make([]*call, 0, len(co.pending))
	for _, c := range co.pending {
		calls = append(calls, c)
	}
	co.mu.Unlock()

	for _, c := range calls {
		co.fail(c, &Error{
			Kind:   KindTransport,
			Op:     string(c.req.Kind),
			Schema: c.req.Schema,
			Key:    c.errKey,
			Err:    ErrClosed,
		}, false)
	}
}
