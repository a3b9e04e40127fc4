// Package proxy implements a client-side object proxy: it fetches
// schema-typed records and record lists through a Transport, deduplicates
// concurrent requests, caches results per schema, and broadcasts every cache
// update to subscribed consumers.
//
// All request operations return immediately with a Handle. Transport calls
// run on their own goroutines; a completion first updates the cache (which
// publishes the matching event) and then resolves every handle waiting on
// it.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dyluth/objectproxy/pkg/record"
)

// ListOptions narrows a list or search request.
type ListOptions struct {
	Filter record.Filter
	// Fields is a projection. Empty or containing "*" requests all fields.
	Fields []string
	Offset int
	Limit  int
	// Append merges the result into the cached list instead of replacing
	// it. Used when paging.
	Append bool
}

func (o ListOptions) key() string {
	fields := append([]string(nil), o.Fields...)
	sort.Strings(fields)
	return strings.Join([]string{
		o.Filter.Key(),
		strings.Join(fields, ","),
		strconv.Itoa(o.Offset),
		strconv.Itoa(o.Limit),
		strconv.FormatBool(o.Append),
	}, "|")
}

// tracked is a request remembered for rehydration on login.
type tracked struct {
	kind   RequestKind
	schema string
	uuid   string
	filter record.Filter
	list   ListOptions
}

// Proxy is the facade consumers use. Create one with New and share it; it
// holds no global state.
type Proxy struct {
	transport Transport
	opts      options
	logger    *slog.Logger
	metrics   *metrics

	events *Broadcaster
	cache  *Cache
	coord  *Coordinator

	lifecycle *Subscription

	mu        sync.Mutex
	known     map[string]struct{}
	requested map[callKey]tracked

	runMu   sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	sub     PushSubscription
	wg      sync.WaitGroup
}

// New creates a proxy over transport.
func New(transport Transport, opts ...Option) (*Proxy, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m := &metrics{}
	if o.registerer != nil {
		prom, err := newPromMetrics(o.registerer, o.instance)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		m.prom = prom
	}

	logger := o.logger.With("component", "objectproxy")
	events := NewBroadcaster(logger)
	events.onSend = m.broadcast

	p := &Proxy{
		transport: transport,
		opts:      o,
		logger:    logger,
		metrics:   m,
		events:    events,
		cache:     NewCache(events),
		coord:     newCoordinator(transport, o.timeout, logger, m),
		known:     make(map[string]struct{}),
		requested: make(map[callKey]tracked),
	}
	for _, name := range o.schemas {
		p.known[name] = struct{}{}
	}

	// Registered first, so the proxy reacts before consumers see the event.
	p.lifecycle = events.Subscribe(EventLifecycle, p.onLifecycle)

	return p, nil
}

// Events returns the broadcaster consumers subscribe to.
func (p *Proxy) Events() *Broadcaster {
	return p.events
}

// Stats returns a snapshot of the proxy's counters.
func (p *Proxy) Stats() Stats {
	return p.metrics.snapshot()
}

// Cached returns a copy of the cached record without issuing a request.
func (p *Proxy) Cached(schema, uuid string) (*record.Record, bool) {
	return p.cache.Get(schema, uuid)
}

// CachedList returns a copy of the cached list without issuing a request.
func (p *Proxy) CachedList(schema string) (*record.List, bool) {
	return p.cache.GetList(schema)
}

// CachedSchemas returns the schemas that currently have cached data.
func (p *Proxy) CachedSchemas() []string {
	return p.cache.Schemas()
}

// GetObject fetches one record, by uuid or by filter. Exactly one of the two
// must be set.
//
// With useCache, a cached record answers the request without a transport
// call; the OP.Get event is still published unless disabled with
// WithRebroadcastOnHit(false). Concurrent requests for the same key share one
// transport call.
func (p *Proxy) GetObject(schema, uuid string, useCache bool, filter record.Filter) *Handle[*record.Record] {
	if schema == "" {
		return failedHandle[*record.Record](callerError("get", schema, uuid, "schema cannot be empty"))
	}
	if (uuid == "") == (len(filter) == 0) {
		return failedHandle[*record.Record](callerError("get", schema, uuid, "exactly one of uuid and filter must be set"))
	}

	key := objectKey(schema, uuid, filter)
	p.track(key, tracked{kind: RequestGet, schema: schema, uuid: uuid, filter: filter.Clone()})

	if useCache {
		var (
			cached *record.Record
			hit    bool
		)
		if uuid != "" {
			cached, hit = p.cache.Replay(schema, uuid, p.opts.rebroadcastOnHit)
		} else {
			cached, hit = p.cache.ReplayBound(schema, filter.Key(), p.opts.rebroadcastOnHit)
		}
		if hit {
			p.metrics.hit()
			h := newHandle(nil, resolvedCall(&Response{Record: cached}), extractRecord)
			h.cached = true
			return h
		}
		p.metrics.miss()
	}

	return p.fetchObject(key, schema, uuid, filter)
}

func (p *Proxy) fetchObject(key callKey, schema, uuid string, filter record.Filter) *Handle[*record.Record] {
	filterKey := filter.Key()
	req := &Request{Kind: RequestGet, Schema: schema, UUID: uuid, Filter: filter.Clone()}

	hooks := completion{
		apply: func(resp *Response) error {
			rec, err := p.responseRecord(schema, resp)
			if err != nil {
				return err
			}
			if uuid == "" {
				return p.cache.PutBound(rec, filterKey)
			}
			return p.cache.Put(rec)
		},
		fail: func(err *Error) {
			if err.Kind != KindNotFound {
				return
			}
			p.untrack(key)
			if uuid != "" {
				p.cache.Remove(schema, uuid)
			} else {
				p.cache.Unbind(schema, filterKey)
			}
		},
	}

	errKey := uuid
	if errKey == "" {
		errKey = filterKey
	}
	return p.start(key, true, errKey, req, hooks, extractRecord)
}

// GetList fetches the list for schema. On completion the cached list is
// replaced (or extended, with Append) and OP.List is published.
func (p *Proxy) GetList(schema string, opts ListOptions) *Handle[*record.List] {
	if schema == "" {
		return failedHandle[*record.List](callerError("list", schema, "", "schema cannot be empty"))
	}
	if opts.Offset < 0 || opts.Limit < 0 {
		return failedHandle[*record.List](callerError("list", schema, "", "offset and limit cannot be negative"))
	}

	key := callKey{schema: schema, kind: RequestList, key: opts.key()}
	p.track(key, tracked{kind: RequestList, schema: schema, list: cloneListOptions(opts)})
	return p.fetchList(key, schema, opts)
}

func (p *Proxy) fetchList(key callKey, schema string, opts ListOptions) *Handle[*record.List] {
	mode := MergeReplace
	if opts.Append {
		mode = MergeAppend
	}

	hooks := completion{
		apply: func(resp *Response) error {
			list, err := p.responseList(schema, resp)
			if err != nil {
				return err
			}
			return p.cache.PutList(schema, list.Items, list.Complete, mode)
		},
		fail: func(err *Error) {
			if err.Kind == KindNotFound {
				p.untrack(key)
				p.cache.DropList(schema)
			}
		},
	}

	return startHandle(p.coord, key, true, "", listRequest(RequestList, schema, opts), hooks, extractList)
}

// Search runs a list-shaped query. Identical concurrent searches share one
// transport call, but results are neither cached nor broadcast.
func (p *Proxy) Search(schema string, opts ListOptions) *Handle[*record.List] {
	if schema == "" {
		return failedHandle[*record.List](callerError("search", schema, "", "schema cannot be empty"))
	}
	if opts.Offset < 0 || opts.Limit < 0 {
		return failedHandle[*record.List](callerError("search", schema, "", "offset and limit cannot be negative"))
	}

	key := callKey{schema: schema, kind: RequestSearch, key: opts.key()}
	hooks := completion{
		apply: func(resp *Response) error {
			_, err := p.responseList(schema, resp)
			return err
		},
	}
	return startHandle(p.coord, key, true, "", listRequest(RequestSearch, schema, opts), hooks, extractList)
}

// Mutate writes patch to the record (schema, uuid). On success the returned
// record is cached exactly as a fresh get would be. Failures, NotFound
// included, leave the cache untouched and are not retried.
func (p *Proxy) Mutate(schema, uuid string, patch map[string]any) *Handle[*record.Record] {
	if err := p.checkWrite("mutate", schema, uuid, true); err != nil {
		return failedHandle[*record.Record](err)
	}
	if len(patch) == 0 {
		return failedHandle[*record.Record](callerError("mutate", schema, uuid, "patch cannot be empty"))
	}

	req := &Request{Kind: RequestMutate, Schema: schema, UUID: uuid, Patch: record.Filter(patch).Clone()}
	hooks := completion{
		apply: func(resp *Response) error {
			rec, err := p.responseRecord(schema, resp)
			if err != nil {
				return err
			}
			return p.cache.Put(rec)
		},
	}
	return p.start(callKey{schema: schema, kind: RequestMutate}, false, uuid, req, hooks, extractRecord)
}

// Create asks the backend to create a record from fields. The backend
// assigns the UUID.
func (p *Proxy) Create(schema string, fields map[string]any) *Handle[*record.Record] {
	if err := p.checkWrite("create", schema, "", false); err != nil {
		return failedHandle[*record.Record](err)
	}

	req := &Request{Kind: RequestCreate, Schema: schema, Patch: record.Filter(fields).Clone()}
	hooks := completion{
		apply: func(resp *Response) error {
			rec, err := p.responseRecord(schema, resp)
			if err != nil {
				return err
			}
			return p.cache.Put(rec)
		},
	}
	return p.start(callKey{schema: schema, kind: RequestCreate}, false, "", req, hooks, extractRecord)
}

// Delete removes the record on the backend. On success it is evicted from
// the object and list caches and an InvalidateEvent is published.
func (p *Proxy) Delete(schema, uuid string) *Handle[*record.Record] {
	if err := p.checkWrite("delete", schema, uuid, true); err != nil {
		return failedHandle[*record.Record](err)
	}

	req := &Request{Kind: RequestDelete, Schema: schema, UUID: uuid}
	hooks := completion{
		apply: func(*Response) error {
			p.untrack(objectKey(schema, uuid, nil))
			p.cache.Evict(schema, uuid)
			return nil
		},
		fail: func(err *Error) {
			if err.Kind == KindNotFound {
				p.untrack(objectKey(schema, uuid, nil))
				p.cache.Remove(schema, uuid)
			}
		},
	}
	return p.start(callKey{schema: schema, kind: RequestDelete}, false, uuid, req, hooks, nil)
}

// Invalidate clears the cache for the given schemas, or for every schema when
// none are given. Nothing is published; later gets miss the cache.
func (p *Proxy) Invalidate(schemas ...string) {
	if len(schemas) == 0 {
		p.cache.ClearAll()
		p.logger.Info("cache invalidated")
		return
	}
	for _, schema := range schemas {
		p.cache.Clear(schema)
	}
	p.logger.Info("cache invalidated", "schemas", schemas)
}

// Raise publishes an externally originated lifecycle event, such as
// User.Login, to subscribers.
func (p *Proxy) Raise(e LifecycleEvent) error {
	if e.Event == "" {
		return callerError("raise", "", "", "lifecycle event name cannot be empty")
	}
	p.events.Publish(LifecycleEvent{Event: e.Event, Data: record.Filter(e.Data).Clone()})
	return nil
}

// Start subscribes to transport pushes and applies them until ctx is
// cancelled or Close is called.
func (p *Proxy) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.started {
		return fmt.Errorf("proxy already started")
	}

	sub, err := p.transport.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to pushes: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.sub = sub
	p.cancel = cancel
	p.started = true

	p.wg.Add(1)
	go p.pump(runCtx, sub)

	p.logger.Info("push subscription started")
	return nil
}

func (p *Proxy) pump(ctx context.Context, sub PushSubscription) {
	defer p.wg.Done()

	events := sub.Events()
	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case push, ok := <-events:
			if !ok {
				p.logger.Info("push subscription closed")
				return
			}
			p.applyPush(push)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.logger.Warn("push subscription error", "error", err)
		}
	}
}

// applyPush funnels a server push into the same cache and broadcast path as
// a request completion.
func (p *Proxy) applyPush(push Push) {
	switch push.Kind {
	case PushUpdate:
		if err := push.Record.Validate(); err != nil {
			p.logger.Warn("ignoring invalid update push", "error", err)
			return
		}
		p.observe(push.Record.Schema)
		if err := p.cache.Put(push.Record); err != nil {
			p.logger.Warn("failed to apply update push", "error", err)
		}
	case PushDelete:
		if push.Schema == "" || push.UUID == "" {
			p.logger.Warn("ignoring delete push without identity",
				"schema", push.Schema,
				"uuid", push.UUID)
			return
		}
		p.untrack(objectKey(push.Schema, push.UUID, nil))
		p.cache.Evict(push.Schema, push.UUID)
	case PushLifecycle:
		if err := p.Raise(LifecycleEvent{Event: push.Name, Data: push.Data}); err != nil {
			p.logger.Warn("ignoring lifecycle push", "error", err)
		}
	default:
		p.logger.Warn("ignoring unknown push", "kind", string(push.Kind))
	}
}

// Close stops the push subscription and fails every pending request. It is
// safe to call more than once.
func (p *Proxy) Close() error {
	p.runMu.Lock()
	if p.closed {
		p.runMu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	sub := p.sub
	p.runMu.Unlock()

	var err error
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if cerr := sub.Close(); cerr != nil {
			err = fmt.Errorf("failed to close push subscription: %w", cerr)
		}
	}
	p.wg.Wait()

	p.coord.shutdown()
	p.lifecycle.Close()
	return err
}

func (p *Proxy) onLifecycle(e Event) {
	le, ok := e.(LifecycleEvent)
	if !ok {
		return
	}
	switch le.Event {
	case LifecycleLogin:
		p.rehydrate()
	case LifecycleLogout:
		p.Invalidate()
	}
}

// rehydrate re-fetches, bypassing the cache, every object and list that has
// been requested. The handles are dropped without Release so the fetches run
// to completion and reach consumers through the usual events.
func (p *Proxy) rehydrate() {
	p.mu.Lock()
	keys := make([]callKey, 0, len(p.requested))
	for key := range p.requested {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].schema != keys[j].schema {
			return keys[i].schema < keys[j].schema
		}
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].key < keys[j].key
	})
	entries := make([]tracked, len(keys))
	for i, key := range keys {
		entries[i] = p.requested[key]
	}
	p.mu.Unlock()

	p.logger.Info("rehydrating after login", "requests", len(entries))
	for i, t := range entries {
		switch t.kind {
		case RequestGet:
			p.fetchObject(keys[i], t.schema, t.uuid, t.filter)
		case RequestList:
			p.fetchList(keys[i], t.schema, t.list)
		}
	}
}

func (p *Proxy) start(key callKey, dedup bool, errKey string, req *Request, hooks completion, extract func(*Response) *record.Record) *Handle[*record.Record] {
	return startHandle(p.coord, key, dedup, errKey, req, hooks, extract)
}

func startHandle[T any](co *Coordinator, key callKey, dedup bool, errKey string, req *Request, hooks completion, extract func(*Response) T) *Handle[T] {
	c, joined := co.request(key, dedup, errKey, req, hooks)
	h := newHandle(co, c, extract)
	h.joined = joined
	return h
}

func (p *Proxy) track(key callKey, t tracked) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requested[key] = t
}

// untrack forgets a request so login no longer re-fetches it.
func (p *Proxy) untrack(key callKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.requested, key)
}

func (p *Proxy) observe(schema string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.known[schema] = struct{}{}
}

func (p *Proxy) isKnown(schema string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.known[schema]
	return ok
}

func (p *Proxy) checkWrite(op, schema, uuid string, needUUID bool) *Error {
	if schema == "" {
		return callerError(op, schema, uuid, "schema cannot be empty")
	}
	if !p.isKnown(schema) {
		return &Error{Kind: KindCaller, Op: op, Schema: schema, Key: uuid, Err: ErrUnknownSchema}
	}
	if needUUID && uuid == "" {
		return callerError(op, schema, uuid, "uuid cannot be empty")
	}
	return nil
}

// responseRecord validates a single-record response and fills in a missing
// schema.
func (p *Proxy) responseRecord(schema string, resp *Response) (*record.Record, error) {
	if resp.Record == nil {
		return nil, fmt.Errorf("response carried no record")
	}
	rec := resp.Record
	if rec.Schema == "" {
		rec.Schema = schema
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	p.observe(rec.Schema)
	return rec, nil
}

func (p *Proxy) responseList(schema string, resp *Response) (*record.List, error) {
	if resp.List == nil {
		return nil, fmt.Errorf("response carried no list")
	}
	list := resp.List
	if list.Schema == "" {
		list.Schema = schema
	}
	for _, item := range list.Items {
		if item != nil && item.Schema == "" {
			item.Schema = schema
		}
	}
	p.observe(schema)
	return list, nil
}

func objectKey(schema, uuid string, filter record.Filter) callKey {
	if uuid != "" {
		return callKey{schema: schema, kind: RequestGet, key: "uuid:" + uuid}
	}
	return callKey{schema: schema, kind: RequestGet, key: "filter:" + filter.Key()}
}

func listRequest(kind RequestKind, schema string, opts ListOptions) *Request {
	return &Request{
		Kind:   kind,
		Schema: schema,
		Filter: opts.Filter.Clone(),
		Fields: append([]string(nil), opts.Fields...),
		Offset: opts.Offset,
		Limit:  opts.Limit,
	}
}

func cloneListOptions(o ListOptions) ListOptions {
	o.Filter = o.Filter.Clone()
	o.Fields = append([]string(nil), o.Fields...)
	return o
}

func failedHandle[T any](err *Error) *Handle[T] {
	return newHandle[T](nil, failedCall(err), nil)
}

func extractRecord(resp *Response) *record.Record {
	return resp.Record.Clone()
}

func extractList(resp *Response) *record.List {
	return resp.List.Clone()
}
