package proxy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/objectproxy/pkg/record"
)

// MergeMode selects how PutList combines new items with a cached list.
type MergeMode int

const (
	// MergeReplace discards the cached list.
	MergeReplace MergeMode = iota
	// MergeAppend keeps existing order, replaces records with a known UUID in
	// place and appends the rest. Used for paging.
	MergeAppend
)

// Publisher is the broadcast side the cache notifies after every store.
type Publisher interface {
	Publish(Event)
}

// schemaStore is the per-schema partition of the cache.
type schemaStore struct {
	objects map[string]*record.Record // uuid -> record
	filters map[string]string         // filter key -> uuid
	list    *record.List
}

func newSchemaStore() *schemaStore {
	return &schemaStore{
		objects: make(map[string]*record.Record),
		filters: make(map[string]string),
	}
}

// Cache holds records and lists per schema.
//
// Every successful Put and PutList publishes exactly one event, also when the
// stored data is unchanged. Reads return deep copies. A store and its publish
// form one step: writes are serialised on applyMu until their event has been
// delivered, so subscribers see updates in the order they were applied. The
// read lock is not held during delivery, so handlers may read the cache.
// Handlers must not call Put or PutList themselves; they may call Replay.
type Cache struct {
	applyMu sync.Mutex
	mu      sync.RWMutex
	schemas map[string]*schemaStore
	pub     Publisher

	replayMu sync.Mutex
	replays  []replay
}

// replay is a queued re-announcement of a cached record.
type replay struct {
	schema string
	uuid   string
}

// NewCache creates an empty cache that notifies pub. pub may be nil.
func NewCache(pub Publisher) *Cache {
	return &Cache{
		schemas: make(map[string]*schemaStore),
		pub:     pub,
	}
}

// Get returns a copy of the record cached under (schema, uuid).
func (c *Cache) Get(schema, uuid string) (*record.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.schemas[schema]
	if !ok {
		return nil, false
	}
	r, ok := s.objects[uuid]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// GetByFilter returns a copy of the record a filter slot is bound to.
func (c *Cache) GetByFilter(schema, filterKey string) (*record.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.schemas[schema]
	if !ok {
		return nil, false
	}
	uuid, ok := s.filters[filterKey]
	if !ok {
		return nil, false
	}
	r, ok := s.objects[uuid]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Put inserts or replaces a record by (schema, uuid) and publishes a
// GetEvent. A cached list entry with the same UUID is refreshed in place.
func (c *Cache) Put(r *record.Record) error {
	return c.put(r, "")
}

// PutBound stores r like Put and binds the filter slot to its UUID in the
// same critical section.
func (c *Cache) PutBound(r *record.Record, filterKey string) error {
	return c.put(r, filterKey)
}

func (c *Cache) put(r *record.Record, filterKey string) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	stored := r.Clone()

	c.applyMu.Lock()
	defer c.unlockApply()

	c.mu.Lock()
	s := c.store(stored.Schema)
	s.objects[stored.UUID] = stored
	if filterKey != "" {
		s.filters[filterKey] = stored.UUID
	}
	if s.list != nil {
		for i, item := range s.list.Items {
			if item.UUID == stored.UUID {
				s.list.Items[i] = stored.Clone()
			}
		}
	}
	c.mu.Unlock()

	c.publish(GetEvent{Schema: stored.Schema, UUID: stored.UUID, Record: stored.Clone()})
	return nil
}

// Replay returns a copy of the record cached under (schema, uuid) and, with
// publish, announces it again with a GetEvent.
//
// The event is ordered with every store: it is delivered after any event
// already being delivered and carries the record as cached at delivery time.
// When another store holds the apply step, that caller delivers the replay
// before returning, so Replay may return before its event is published.
func (c *Cache) Replay(schema, uuid string, publish bool) (*record.Record, bool) {
	r, ok := c.Get(schema, uuid)
	if ok && publish {
		c.enqueueReplay(replay{schema: schema, uuid: r.UUID})
	}
	return r, ok
}

// ReplayBound is Replay for the record a filter slot is bound to.
func (c *Cache) ReplayBound(schema, filterKey string, publish bool) (*record.Record, bool) {
	r, ok := c.GetByFilter(schema, filterKey)
	if ok && publish {
		c.enqueueReplay(replay{schema: schema, uuid: r.UUID})
	}
	return r, ok
}

func (c *Cache) enqueueReplay(r replay) {
	c.replayMu.Lock()
	c.replays = append(c.replays, r)
	c.replayMu.Unlock()

	// A failed TryLock means a store is in progress, possibly in a handler
	// further up this stack; its unlockApply delivers the queue.
	if c.applyMu.TryLock() {
		c.unlockApply()
	}
}

// unlockApply delivers queued replays and releases applyMu. Caller holds
// applyMu.
func (c *Cache) unlockApply() {
	for {
		c.replayMu.Lock()
		pending := c.replays
		c.replays = nil
		c.replayMu.Unlock()

		if len(pending) == 0 {
			c.applyMu.Unlock()

			// A replay queued between the check and Unlock has no one left
			// to deliver it unless we take the lock back.
			c.replayMu.Lock()
			queued := len(c.replays) > 0
			c.replayMu.Unlock()
			if queued && c.applyMu.TryLock() {
				continue
			}
			return
		}

		for _, r := range pending {
			if current, ok := c.Get(r.schema, r.uuid); ok {
				c.publish(GetEvent{Schema: r.schema, UUID: r.uuid, Record: current})
			}
		}
	}
}

// GetList returns a copy of the cached list for schema.
func (c *Cache) GetList(schema string) (*record.List, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.schemas[schema]
	if !ok || s.list == nil {
		return nil, false
	}
	return s.list.Clone(), true
}

// PutList stores items as the list for schema and publishes a ListEvent.
func (c *Cache) PutList(schema string, items []*record.Record, complete bool, mode MergeMode) error {
	if schema == "" {
		return fmt.Errorf("list schema cannot be empty")
	}
	for i, item := range items {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("invalid list item at index %d: %w", i, err)
		}
	}

	c.applyMu.Lock()
	defer c.unlockApply()

	c.mu.Lock()
	s := c.store(schema)
	var merged []*record.Record
	if mode == MergeAppend && s.list != nil {
		merged = appendDedup(s.list.Items, items)
	} else {
		merged = appendDedup(nil, items)
	}
	s.list = &record.List{Schema: schema, Items: merged, Complete: complete}
	payload := s.list.Clone()
	c.mu.Unlock()

	c.publish(ListEvent{Schema: schema, List: payload})
	return nil
}

// appendDedup returns existing followed by incoming, with a later record
// replacing an earlier one with the same UUID at the earlier position.
func appendDedup(existing, incoming []*record.Record) []*record.Record {
	out := make([]*record.Record, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))
	for _, r := range existing {
		index[r.UUID] = len(out)
		out = append(out, r)
	}
	for _, r := range incoming {
		clone := r.Clone()
		if i, ok := index[r.UUID]; ok {
			out[i] = clone
			continue
		}
		index[r.UUID] = len(out)
		out = append(out, clone)
	}
	return out
}

// Bind points a filter slot at a UUID.
func (c *Cache) Bind(schema, filterKey, uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(schema).filters[filterKey] = uuid
}

// Unbind clears a filter slot. It reports whether the slot existed.
func (c *Cache) Unbind(schema, filterKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.schemas[schema]
	if !ok {
		return false
	}
	_, existed := s.filters[filterKey]
	delete(s.filters, filterKey)
	return existed
}

// Remove evicts a record, any filter slots bound to it, and its entry in the
// cached list. It reports whether anything was removed.
func (c *Cache) Remove(schema, uuid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.schemas[schema]
	if !ok {
		return false
	}

	_, removed := s.objects[uuid]
	delete(s.objects, uuid)

	for key, bound := range s.filters {
		if bound == uuid {
			delete(s.filters, key)
			removed = true
		}
	}

	if s.list != nil {
		kept := s.list.Items[:0:0]
		for _, item := range s.list.Items {
			if item.UUID == uuid {
				removed = true
				continue
			}
			kept = append(kept, item)
		}
		s.list = &record.List{Schema: schema, Items: kept, Complete: s.list.Complete}
	}

	return removed
}

// Evict removes a record like Remove and publishes an InvalidateEvent for
// it, whether or not it was cached.
func (c *Cache) Evict(schema, uuid string) {
	c.applyMu.Lock()
	defer c.unlockApply()

	c.Remove(schema, uuid)
	c.publish(InvalidateEvent{Schema: schema, UUID: uuid})
}

// DropList removes the cached list for schema.
func (c *Cache) DropList(schema string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.schemas[schema]
	if !ok || s.list == nil {
		return false
	}
	s.list = nil
	return true
}

// Clear removes everything cached for schema. No event is published.
func (c *Cache) Clear(schema string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.schemas, schema)
}

// ClearAll empties the cache. No event is published.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas = make(map[string]*schemaStore)
}

// Schemas returns the names of schemas with cached data, sorted.
func (c *Cache) Schemas() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.schemas))
	for name := range c.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size returns the number of cached records for schema.
func (c *Cache) Size(schema string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.schemas[schema]
	if !ok {
		return 0
	}
	return len(s.objects)
}

// store returns the partition for schema, creating it. Caller holds mu.
func (c *Cache) store(schema string) *schemaStore {
	s, ok := c.schemas[schema]
	if !ok {
		s = newSchemaStore()
		c.schemas[schema] = s
	}
	return s
}

func (c *Cache) publish(e Event) {
	if c.pub != nil {
		c.pub.Publish(e)
	}
}
