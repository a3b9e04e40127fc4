package proxy

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/objectproxy/pkg/record"
)

func setupCache(t *testing.T) (*Cache, *recorder) {
	t.Helper()
	events := &recorder{}
	b := NewBroadcaster(nil)
	b.SubscribeAll(events.handle)
	return NewCache(b), events
}

func TestCachePut(t *testing.T) {
	t.Run("publishes once per put even when unchanged", func(t *testing.T) {
		c, events := setupCache(t)
		r := newRec("wikipage", "u1", "Index")

		require.NoError(t, c.Put(r))
		require.NoError(t, c.Put(r))

		assert.Equal(t, 2, events.count(EventGet))
		ge := events.all()[0].(GetEvent)
		assert.Equal(t, "wikipage", ge.Schema)
		assert.Equal(t, "u1", ge.UUID)
		assert.Equal(t, "Index", ge.Record.String("title"))
	})

	t.Run("rejects invalid records without publishing", func(t *testing.T) {
		c, events := setupCache(t)

		assert.Error(t, c.Put(nil))
		assert.Error(t, c.Put(record.New("", "u1", nil)))
		assert.Error(t, c.Put(record.New("wikipage", "", nil)))
		assert.Empty(t, events.all())
	})

	t.Run("stores a copy and returns copies", func(t *testing.T) {
		c, _ := setupCache(t)
		r := record.New("wikipage", "u1", map[string]any{"tags": []any{"a"}})
		require.NoError(t, c.Put(r))

		r.Fields["tags"].([]any)[0] = "mutated"
		got, ok := c.Get("wikipage", "u1")
		require.True(t, ok)
		assert.Equal(t, []any{"a"}, got.Fields["tags"])

		got.Fields["tags"] = nil
		again, _ := c.Get("wikipage", "u1")
		assert.Equal(t, []any{"a"}, again.Fields["tags"])
	})

	t.Run("refreshes a listed record in place", func(t *testing.T) {
		c, events := setupCache(t)
		require.NoError(t, c.PutList("layer", []*record.Record{newRec("layer", "a", "A"), newRec("layer", "b", "B")}, true, MergeReplace))
		require.NoError(t, c.Put(newRec("layer", "b", "B2")))

		l, ok := c.GetList("layer")
		require.True(t, ok)
		assert.Equal(t, "B2", l.Items[1].String("title"))
		assert.Equal(t, 1, events.count(EventList))
		assert.Equal(t, 1, events.count(EventGet))
	})
}

func TestCacheFilterBinding(t *testing.T) {
	c, _ := setupCache(t)
	key := record.Filter{"name": "Index"}.Key()

	_, ok := c.GetByFilter("wikipage", key)
	assert.False(t, ok)

	require.NoError(t, c.PutBound(newRec("wikipage", "u1", "Index"), key))
	r, ok := c.GetByFilter("wikipage", key)
	require.True(t, ok)
	assert.Equal(t, "u1", r.UUID)

	assert.True(t, c.Unbind("wikipage", key))
	assert.False(t, c.Unbind("wikipage", key))
	_, ok = c.GetByFilter("wikipage", key)
	assert.False(t, ok)

	c.Bind("wikipage", key, "u1")
	_, ok = c.GetByFilter("wikipage", key)
	assert.True(t, ok)

	// A binding to an evicted record is not a hit.
	c.Bind("wikipage", "other", "missing")
	_, ok = c.GetByFilter("wikipage", "other")
	assert.False(t, ok)
}

func TestCachePutList(t *testing.T) {
	tests := []struct {
		name     string
		first    []string
		second   []string
		mode     MergeMode
		expected []string
	}{
		{"replace discards old items", []string{"a", "b", "c"}, []string{"c", "d"}, MergeReplace, []string{"c", "d"}},
		{"append keeps order and adds new", []string{"a", "b"}, []string{"c"}, MergeAppend, []string{"a", "b", "c"}},
		{"append replaces duplicates in place", []string{"a", "b"}, []string{"b", "c", "a"}, MergeAppend, []string{"a", "b", "c"}},
		{"duplicates within one page collapse", nil, []string{"a", "a", "b"}, MergeReplace, []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, events := setupCache(t)
			if tt.first != nil {
				require.NoError(t, c.PutList("layer", items(tt.first...), true, MergeReplace))
			}
			require.NoError(t, c.PutList("layer", items(tt.second...), true, tt.mode))

			l, ok := c.GetList("layer")
			require.True(t, ok)
			assert.Equal(t, tt.expected, l.UUIDs())

			last := events.all()[len(events.all())-1].(ListEvent)
			assert.Equal(t, tt.expected, last.List.UUIDs())
		})
	}

	t.Run("last write wins for duplicates", func(t *testing.T) {
		c, _ := setupCache(t)
		require.NoError(t, c.PutList("layer", []*record.Record{newRec("layer", "a", "old")}, false, MergeReplace))
		require.NoError(t, c.PutList("layer", []*record.Record{newRec("layer", "a", "new")}, true, MergeAppend))

		l, _ := c.GetList("layer")
		assert.Equal(t, "new", l.Items[0].String("title"))
		assert.True(t, l.Complete)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		c, events := setupCache(t)
		assert.Error(t, c.PutList("", nil, true, MergeReplace))
		assert.Error(t, c.PutList("layer", []*record.Record{nil}, true, MergeReplace))
		assert.Empty(t, events.all())
	})

	t.Run("empty list is stored and published", func(t *testing.T) {
		c, events := setupCache(t)
		require.NoError(t, c.PutList("layer", nil, true, MergeReplace))
		l, ok := c.GetList("layer")
		require.True(t, ok)
		assert.Equal(t, 0, l.Len())
		assert.Equal(t, 1, events.count(EventList))
	})
}

func TestCacheRemoveAndEvict(t *testing.T) {
	c, events := setupCache(t)
	key := record.Filter{"name": "A"}.Key()
	require.NoError(t, c.PutList("layer", items("a", "b"), true, MergeReplace))
	require.NoError(t, c.PutBound(newRec("layer", "a", "A"), key))

	assert.True(t, c.Remove("layer", "a"))
	assert.False(t, c.Remove("layer", "a"))
	assert.False(t, c.Remove("unknown", "a"))

	_, ok := c.Get("layer", "a")
	assert.False(t, ok)
	_, ok = c.GetByFilter("layer", key)
	assert.False(t, ok)
	l, _ := c.GetList("layer")
	assert.Equal(t, []string{"b"}, l.UUIDs())
	assert.Equal(t, 0, events.count(EventInvalidate))

	c.Evict("layer", "b")
	l, _ = c.GetList("layer")
	assert.Empty(t, l.UUIDs())
	assert.Equal(t, 1, events.count(EventInvalidate))
}

func TestCacheClear(t *testing.T) {
	c, events := setupCache(t)
	require.NoError(t, c.Put(newRec("wikipage", "u1", "Index")))
	require.NoError(t, c.Put(newRec("layer", "l1", "Roads")))
	require.NoError(t, c.PutList("layer", items("l1"), true, MergeReplace))
	published := len(events.all())

	assert.Equal(t, []string{"layer", "wikipage"}, c.Schemas())
	assert.Equal(t, 1, c.Size("layer"))

	assert.True(t, c.DropList("layer"))
	assert.False(t, c.DropList("layer"))
	assert.Equal(t, 1, c.Size("layer"))

	c.Clear("layer")
	assert.Equal(t, []string{"wikipage"}, c.Schemas())
	assert.Equal(t, 0, c.Size("layer"))

	c.ClearAll()
	assert.Empty(t, c.Schemas())
	assert.Len(t, events.all(), published)
}

// gatedPublisher records events. Once armed, the next Publish blocks until
// release is closed.
type gatedPublisher struct {
	mu      sync.Mutex
	events  []Event
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedPublisher) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
}

func (g *gatedPublisher) Publish(e Event) {
	g.mu.Lock()
	g.events = append(g.events, e)
	block := g.armed
	g.armed = false
	g.mu.Unlock()

	if block {
		close(g.entered)
		<-g.release
	}
}

func (g *gatedPublisher) titles() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, e := range g.events {
		out = append(out, e.(GetEvent).Record.String("title"))
	}
	return out
}

func TestCacheReplay(t *testing.T) {
	t.Run("publishes a hit only when asked", func(t *testing.T) {
		c, events := setupCache(t)
		require.NoError(t, c.Put(newRec("wikipage", "u1", "Index")))

		r, ok := c.Replay("wikipage", "u1", false)
		require.True(t, ok)
		assert.Equal(t, "Index", r.String("title"))
		assert.Equal(t, 1, events.count(EventGet))

		_, ok = c.Replay("wikipage", "u1", true)
		require.True(t, ok)
		assert.Equal(t, 2, events.count(EventGet))

		_, ok = c.Replay("wikipage", "missing", true)
		assert.False(t, ok)
		assert.Equal(t, 2, events.count(EventGet))
	})

	t.Run("bound filter slot", func(t *testing.T) {
		c, events := setupCache(t)
		key := record.Filter{"name": "Index"}.Key()
		require.NoError(t, c.PutBound(newRec("wikipage", "u1", "Index"), key))

		r, ok := c.ReplayBound("wikipage", key, true)
		require.True(t, ok)
		assert.Equal(t, "u1", r.UUID)
		require.Equal(t, 2, events.count(EventGet))
		assert.Equal(t, "u1", events.all()[1].(GetEvent).UUID)
	})

	t.Run("store waits for a hit being delivered", func(t *testing.T) {
		pub := newGatedPublisher()
		c := NewCache(pub)
		require.NoError(t, c.Put(newRec("wikipage", "u1", "v1")))

		pub.arm()
		replayed := make(chan *record.Record, 1)
		go func() {
			r, _ := c.Replay("wikipage", "u1", true)
			replayed <- r
		}()
		<-pub.entered

		var putDone atomic.Bool
		go func() {
			_ = c.Put(newRec("wikipage", "u1", "v2"))
			putDone.Store(true)
		}()
		assert.Never(t, putDone.Load, 50*time.Millisecond, 5*time.Millisecond)

		close(pub.release)
		require.Eventually(t, putDone.Load, time.Second, 5*time.Millisecond)
		assert.Equal(t, "v1", (<-replayed).String("title"))
		assert.Equal(t, []string{"v1", "v1", "v2"}, pub.titles())
	})

	t.Run("hit from a handler is delivered after the current event", func(t *testing.T) {
		b := NewBroadcaster(nil)
		c := NewCache(b)

		var nested bool
		b.Subscribe(EventGet, func(e Event) {
			if nested {
				return
			}
			nested = true
			_, ok := c.Replay("wikipage", "u1", true)
			assert.True(t, ok)
		})
		events := &recorder{}
		b.SubscribeAll(events.handle)

		require.NoError(t, c.Put(newRec("wikipage", "u1", "Index")))
		assert.True(t, nested)
		require.Len(t, events.all(), 2)
		for _, e := range events.all() {
			assert.Equal(t, "Index", e.(GetEvent).Record.String("title"))
		}
	})
}

func items(uuids ...string) []*record.Record {
	out := make([]*record.Record, len(uuids))
	for i, id := range uuids {
		out[i] = newRec("layer", id, id)
	}
	return out
}
