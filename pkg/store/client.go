package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dyluth/objectproxy/pkg/record"
)

// Client provides instance-scoped Redis operations for the record store.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
	logger       *slog.Logger
	warnListSize int
	now          func() time.Time

	// beforePatchWrite runs between PatchRecord's existence check and its
	// write. Tests use it to force a concurrent change.
	beforePatchWrite func()
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for store warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithWarnListSize sets the match count above which ListRecords warns.
func WithWarnListSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.warnListSize = n
		}
	}
}

// NewClient creates a new store client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string, opts ...Option) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	c := &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		warnListSize: DefaultWarnListSize,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// InstanceName returns the namespace this client operates in.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// RegisterSchema creates or replaces a schema definition.
func (c *Client) RegisterSchema(ctx context.Context, s *Schema) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	hash, err := SchemaToHash(s)
	if err != nil {
		return fmt.Errorf("failed to serialize schema: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, SchemaKey(c.instanceName, s.Name))
		pipe.HSet(ctx, SchemaKey(c.instanceName, s.Name), hash)
		pipe.SAdd(ctx, SchemasKey(c.instanceName), s.Name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write schema to Redis: %w", err)
	}
	return nil
}

// SchemaExists checks whether a schema is registered.
func (c *Client) SchemaExists(ctx context.Context, name string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, SchemasKey(c.instanceName), name).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check schema existence: %w", err)
	}
	return ok, nil
}

// GetSchema retrieves a schema definition.
// Returns (nil, redis.Nil) if the schema is not registered.
func (c *Client) GetSchema(ctx context.Context, name string) (*Schema, error) {
	hashData, err := c.rdb.HGetAll(ctx, SchemaKey(c.instanceName, name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read schema from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	s, err := HashToSchema(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize schema: %w", err)
	}
	return s, nil
}

// ListSchemas returns the registered schema names, sorted.
func (c *Client) ListSchemas(ctx context.Context) ([]string, error) {
	names, err := c.rdb.SMembers(ctx, SchemasKey(c.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read schemas from Redis: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Client) requireSchema(ctx context.Context, name string) (*Schema, error) {
	s, err := c.GetSchema(ctx, name)
	if IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// PutRecord writes a record, replacing all fields of an existing record with
// the same identity, and publishes an update event.
// The creation time of an existing record is preserved, so list order is
// stable across rewrites. Returns the record as readers will see it.
func (c *Client) PutRecord(ctx context.Context, r *record.Record) (*record.Record, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}

	schema, err := c.requireSchema(ctx, r.Schema)
	if err != nil {
		return nil, err
	}

	key := RecordKey(c.instanceName, r.Schema, r.UUID)
	createdAt := c.now().UnixMilli()
	existing, err := c.rdb.HGet(ctx, key, "created_at_ms").Int64()
	switch {
	case err == nil:
		createdAt = existing
	case !IsNotFound(err):
		return nil, fmt.Errorf("failed to read record from Redis: %w", err)
	}

	hash, err := RecordToHash(r, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, hash)
		pipe.ZAddNX(ctx, IndexKey(c.instanceName, r.Schema), redis.Z{
			Score:  float64(createdAt),
			Member: r.UUID,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write record to Redis: %w", err)
	}

	visible := strip(schema, r.Clone())
	if err := c.publish(ctx, &Event{Kind: EventUpdate, Record: visible}); err != nil {
		return nil, err
	}
	return visible.Clone(), nil
}

// CreateRecord stores a new record with a generated UUID.
func (c *Client) CreateRecord(ctx context.Context, schema string, fields map[string]any) (*record.Record, error) {
	return c.PutRecord(ctx, record.New(schema, uuid.NewString(), fields))
}

// GetRecord retrieves a record by identity.
// Returns (nil, redis.Nil) if the record doesn't exist.
// Use IsNotFound() to check for not-found errors.
func (c *Client) GetRecord(ctx context.Context, schema, id string) (*record.Record, error) {
	s, err := c.requireSchema(ctx, schema)
	if err != nil {
		return nil, err
	}
	return c.loadRecord(ctx, s, id)
}

// RecordExists checks if a record exists without fetching it.
func (c *Client) RecordExists(ctx context.Context, schema, id string) (bool, error) {
	exists, err := c.rdb.Exists(ctx, RecordKey(c.instanceName, schema, id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check record existence: %w", err)
	}
	return exists > 0, nil
}

// MatchUUIDs returns the UUIDs in a schema's index that start with prefix,
// in creation order.
func (c *Client) MatchUUIDs(ctx context.Context, schema, prefix string) ([]string, error) {
	if _, err := c.requireSchema(ctx, schema); err != nil {
		return nil, err
	}

	ids, err := c.rdb.ZRange(ctx, IndexKey(c.instanceName, schema), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read schema index: %w", err)
	}

	var matches []string
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	return matches, nil
}

// FindRecord returns the first record, in index order, whose fields equal
// every filter entry. A "uuid" entry matches the record identity.
// Returns (nil, redis.Nil) if nothing matches.
func (c *Client) FindRecord(ctx context.Context, schema string, filter record.Filter) (*record.Record, error) {
	if len(filter) == 0 {
		return nil, fmt.Errorf("filter cannot be empty")
	}

	s, err := c.requireSchema(ctx, schema)
	if err != nil {
		return nil, err
	}

	if id, ok := filter["uuid"].(string); ok {
		r, err := c.loadRecord(ctx, s, id)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(r) {
			return nil, redis.Nil
		}
		return r, nil
	}

	records, err := c.scan(ctx, s)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if filter.Matches(r) {
			return r, nil
		}
	}
	return nil, redis.Nil
}

// ListRecords returns the records of a schema in creation order, narrowed by
// the query. The returned list is Complete when no matching records remain
// past the requested page.
func (c *Client) ListRecords(ctx context.Context, schema string, q ListQuery) (*record.List, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid list query: %w", err)
	}

	s, err := c.requireSchema(ctx, schema)
	if err != nil {
		return nil, err
	}

	records, err := c.scan(ctx, s)
	if err != nil {
		return nil, err
	}

	matched := records[:0]
	for _, r := range records {
		if len(q.Filter) == 0 || q.Filter.Matches(r) {
			matched = append(matched, r)
		}
	}

	if len(matched) > c.warnListSize {
		c.logger.Warn("[Store] large list requested",
			"schema", schema,
			"matched", len(matched),
			"threshold", c.warnListSize)
	}

	start := q.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}

	keep := q.projection()
	items := make([]*record.Record, 0, end-start)
	for _, r := range matched[start:end] {
		items = append(items, project(r, keep))
	}

	return &record.List{
		Schema:   schema,
		Items:    items,
		Complete: end == len(matched),
	}, nil
}

// maxPatchRetries bounds how often PatchRecord retries after a concurrent
// change to the record aborted its transaction.
const maxPatchRetries = 3

// PatchRecord sets the given fields on an existing record and publishes an
// update event. A nil value removes the field.
// Returns (nil, redis.Nil) if the record doesn't exist.
func (c *Client) PatchRecord(ctx context.Context, schema, id string, patch map[string]any) (*record.Record, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("patch cannot be empty")
	}

	s, err := c.requireSchema(ctx, schema)
	if err != nil {
		return nil, err
	}

	set := make(map[string]interface{})
	var del []string
	for name, value := range patch {
		if name == "uuid" {
			return nil, fmt.Errorf("field %q cannot be patched", name)
		}
		if value == nil {
			del = append(del, FieldKey(name))
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal field %q: %w", name, err)
		}
		set[FieldKey(name)] = string(encoded)
	}

	// The existence check and the write share one WATCH on the record key, so
	// a concurrent delete aborts the write instead of leaving a partial hash.
	key := RecordKey(c.instanceName, schema, id)
	patchFn := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to check record existence: %w", err)
		}
		if n == 0 {
			return redis.Nil
		}
		if c.beforePatchWrite != nil {
			c.beforePatchWrite()
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(set) > 0 {
				pipe.HSet(ctx, key, set)
			}
			if len(del) > 0 {
				pipe.HDel(ctx, key, del...)
			}
			return nil
		})
		return err
	}

	for attempt := 0; ; attempt++ {
		err = c.rdb.Watch(ctx, patchFn, key)
		if errors.Is(err, redis.TxFailedErr) && attempt < maxPatchRetries {
			continue
		}
		break
	}
	if err == redis.Nil {
		return nil, redis.Nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to patch record in Redis: %w", err)
	}

	r, err := c.loadRecord(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if err := c.publish(ctx, &Event{Kind: EventUpdate, Record: r}); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// DeleteRecord removes a record and publishes a delete event.
// Returns redis.Nil if the record doesn't exist.
func (c *Client) DeleteRecord(ctx context.Context, schema, id string) error {
	if _, err := c.requireSchema(ctx, schema); err != nil {
		return err
	}

	var deleted *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, RecordKey(c.instanceName, schema, id))
		pipe.ZRem(ctx, IndexKey(c.instanceName, schema), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete record from Redis: %w", err)
	}
	if deleted.Val() == 0 {
		return redis.Nil
	}

	return c.publish(ctx, &Event{Kind: EventDelete, Schema: schema, UUID: id})
}

// PublishLifecycle announces an externally originated lifecycle event, such
// as User.Login, to every subscriber.
func (c *Client) PublishLifecycle(ctx context.Context, name string, data map[string]any) error {
	return c.publish(ctx, &Event{Kind: EventLifecycle, Name: name, Data: data})
}

func (c *Client) publish(ctx context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal record event: %w", err)
	}

	if err := c.rdb.Publish(ctx, RecordEventsChannel(c.instanceName), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish record event: %w", err)
	}
	return nil
}

func (c *Client) loadRecord(ctx context.Context, s *Schema, id string) (*record.Record, error) {
	hashData, err := c.rdb.HGetAll(ctx, RecordKey(c.instanceName, s.Name, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read record from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	r, _, err := HashToRecord(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize record: %w", err)
	}
	return strip(s, r), nil
}

// scan loads every record of a schema in index order. Index entries whose
// record hash is gone are skipped.
func (c *Client) scan(ctx context.Context, s *Schema) ([]*record.Record, error) {
	ids, err := c.rdb.ZRange(ctx, IndexKey(c.instanceName, s.Name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read schema index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, RecordKey(c.instanceName, s.Name, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read records from Redis: %w", err)
	}

	records := make([]*record.Record, 0, len(ids))
	for i, cmd := range cmds {
		hashData := cmd.Val()
		if len(hashData) == 0 {
			continue
		}
		r, _, err := HashToRecord(hashData)
		if err != nil {
			c.logger.Warn("[Store] skipping unreadable record",
				"schema", s.Name,
				"uuid", ids[i],
				"error", err)
			continue
		}
		records = append(records, strip(s, r))
	}
	return records, nil
}

func strip(s *Schema, r *record.Record) *record.Record {
	for name := range r.Fields {
		if s.isHidden(name) {
			delete(r.Fields, name)
		}
	}
	return r
}

func project(r *record.Record, keep map[string]bool) *record.Record {
	if keep == nil {
		return r
	}
	for name := range r.Fields {
		if !keep[name] {
			delete(r.Fields, name)
		}
	}
	return r
}

// Subscription represents an active Pub/Sub subscription to record events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of record events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *Event {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures and invalid envelopes.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeRecordEvents subscribes to record events for this instance.
// The subscription is confirmed by Redis before this method returns, so no
// event published afterwards is missed.
// Caller must call subscription.Close() when done.
// Context cancellation also stops the subscription.
//
// Events are delivered on a buffered channel (size 10). Redis Pub/Sub is
// at-most-once: a slow subscriber may miss events.
func (c *Client) SubscribeRecordEvents(ctx context.Context) (*Subscription, error) {
	channel := RecordEventsChannel(c.instanceName)
	pubsub := c.rdb.Subscribe(ctx, channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to record events: %w", err)
	}

	eventsChan := make(chan *Event, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event Event
				err := json.Unmarshal([]byte(msg.Payload), &event)
				if err == nil {
					err = event.Validate()
				}
				if err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to decode record event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// IsUnknownSchema returns true if the error reports an unregistered schema.
func IsUnknownSchema(err error) bool {
	return errors.Is(err, ErrUnknownSchema)
}
