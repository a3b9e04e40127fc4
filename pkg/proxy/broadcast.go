package proxy

import (
	"log/slog"
	"sync"
)

// Handler receives broadcast events. It runs synchronously on the goroutine
// that published the event.
type Handler func(Event)

// Broadcaster delivers events to subscribers in subscription order.
//
// Publish iterates a snapshot of the subscriber list taken when it starts, so
// handlers may subscribe or unsubscribe (including themselves) without
// affecting the pass in progress. No lock is held while handlers run.
type Broadcaster struct {
	mu     sync.Mutex
	subs   []*Subscription
	nextID uint64
	logger *slog.Logger
	onSend func(Event)
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = discardLogger()
	}
	return &Broadcaster{logger: logger}
}

// Subscription is a consumer's registration. The consumer owns it and must
// Close it on teardown.
type Subscription struct {
	id      uint64
	all     bool
	kind    EventKind
	handler Handler
	b       *Broadcaster
	once    sync.Once
}

// ID returns the subscription identifier.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Close unsubscribes. Implements io.Closer. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.b.remove(s.id)
	})
	return nil
}

func (s *Subscription) wants(e Event) bool {
	return s.all || s.kind == e.Kind()
}

// Subscribe registers handler for one event kind.
func (b *Broadcaster) Subscribe(kind EventKind, handler Handler) *Subscription {
	return b.add(&Subscription{kind: kind, handler: handler})
}

// SubscribeAll registers handler for every event kind.
func (b *Broadcaster) SubscribeAll(handler Handler) *Subscription {
	return b.add(&Subscription{all: true, handler: handler})
}

// Unsubscribe removes the subscription with the given id. Unknown ids are
// ignored.
func (b *Broadcaster) Unsubscribe(id uint64) {
	b.remove(id)
}

// Len returns the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers e to every subscriber registered for its kind.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	snapshot := make([]*Subscription, len(b.subs))
	copy(snapshot, b.subs)
	onSend := b.onSend
	b.mu.Unlock()

	if onSend != nil {
		onSend(e)
	}

	for _, s := range snapshot {
		if !s.wants(e) {
			continue
		}
		b.dispatch(s, e)
	}
}

func (b *Broadcaster) dispatch(s *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", e.Name(),
				"subscription", s.id,
				"panic", r)
		}
	}()
	s.handler(e)
}

func (b *Broadcaster) add(s *Subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s.id = b.nextID
	s.b = b
	b.subs = append(b.subs, s)
	return s
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			// Copy rather than shift in place: snapshots taken by an ongoing
			// Publish share the old backing array.
			next := make([]*Subscription, 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			next = append(next, b.subs[i+1:]...)
			b.subs = next
			return
		}
	}
}

// Group collects the subscriptions of one consumer so they can be released
// together.
type Group struct {
	b    *Broadcaster
	mu   sync.Mutex
	subs []*Subscription
}

// NewGroup creates an empty subscription group on b.
func (b *Broadcaster) NewGroup() *Group {
	return &Group{b: b}
}

// Subscribe registers handler for kind as part of the group.
func (g *Group) Subscribe(kind EventKind, handler Handler) *Subscription {
	return g.track(g.b.Subscribe(kind, handler))
}

// SubscribeAll registers handler for every kind as part of the group.
func (g *Group) SubscribeAll(handler Handler) *Subscription {
	return g.track(g.b.SubscribeAll(handler))
}

// Close releases every subscription in the group. Implements io.Closer.
func (g *Group) Close() error {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

func (g *Group) track(s *Subscription) *Subscription {
	g.mu.Lock()
	g.subs = append(g.subs, s)
	g.mu.Unlock()
	return s
}
