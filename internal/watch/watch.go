package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/objectproxy/pkg/proxy"
)

// OutputFormat selects how events are written.
type OutputFormat string

const (
	// OutputFormatDefault is human-readable output with timestamps and emojis
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is line-delimited JSON for programmatic processing
	OutputFormatJSON OutputFormat = "json"
)

type formatter interface {
	Format(e proxy.Event) error
}

// Stream writes events from a broadcaster to a writer. It is subscribed as
// soon as NewStream returns, so events published afterwards are not missed.
type Stream struct {
	group  *proxy.Group
	failed chan struct{}

	mu  sync.Mutex
	err error
}

// NewStream subscribes to every event published on events that matches
// filter. A nil filter matches everything.
func NewStream(events *proxy.Broadcaster, format OutputFormat, filter *Criteria, w io.Writer) (*Stream, error) {
	var f formatter
	switch format {
	case OutputFormatDefault:
		f = &defaultFormatter{writer: w, now: time.Now}
	case OutputFormatJSON:
		f = &jsonFormatter{writer: w, now: time.Now}
	default:
		return nil, fmt.Errorf("unknown output format: %s", format)
	}

	s := &Stream{
		group:  events.NewGroup(),
		failed: make(chan struct{}),
	}
	s.group.SubscribeAll(func(e proxy.Event) {
		if filter != nil && !filter.Matches(e) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return
		}
		if err := f.Format(e); err != nil {
			s.err = fmt.Errorf("failed to write event: %w", err)
			close(s.failed)
		}
	})
	return s, nil
}

// Wait blocks until ctx is cancelled or a write fails, then unsubscribes.
// Returns nil on cancellation and the first write error otherwise.
func (s *Stream) Wait(ctx context.Context) error {
	defer s.group.Close()

	select {
	case <-ctx.Done():
		return nil
	case <-s.failed:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	}
}

// StreamEvents writes matching events until ctx is cancelled.
func StreamEvents(ctx context.Context, events *proxy.Broadcaster, format OutputFormat, filter *Criteria, w io.Writer) error {
	s, err := NewStream(events, format, filter, w)
	if err != nil {
		return err
	}
	return s.Wait(ctx)
}

type defaultFormatter struct {
	writer io.Writer
	now    func() time.Time
}

func (f *defaultFormatter) Format(e proxy.Event) error {
	var line string
	switch ev := e.(type) {
	case proxy.GetEvent:
		line = fmt.Sprintf("📄 Object cached: schema=%s, uuid=%s", ev.Schema, ev.UUID)
		if name := ev.Record.String("name"); name != "" {
			line += fmt.Sprintf(", name=%s", name)
		}
	case proxy.ListEvent:
		complete := "partial"
		if ev.List.Complete {
			complete = "complete"
		}
		line = fmt.Sprintf("📋 List cached: schema=%s, items=%d (%s)", ev.Schema, ev.List.Len(), complete)
	case proxy.InvalidateEvent:
		line = fmt.Sprintf("🗑️  Object evicted: schema=%s, uuid=%s", ev.Schema, ev.UUID)
	case proxy.LifecycleEvent:
		line = fmt.Sprintf("🔔 %s", ev.Event)
		if len(ev.Data) > 0 {
			line += ": " + formatData(ev.Data)
		}
	default:
		line = fmt.Sprintf("❓ %s", e.Name())
	}

	_, err := fmt.Fprintf(f.writer, "[%s] %s\n", f.now().Format("15:04:05"), line)
	return err
}

// formatData renders lifecycle data as sorted key=value pairs.
func formatData(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, ", ")
}

type jsonFormatter struct {
	writer io.Writer
	now    func() time.Time
}

// jsonEvent is the line format of OutputFormatJSON.
type jsonEvent struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Schema    string         `json:"schema,omitempty"`
	UUID      string         `json:"uuid,omitempty"`
	Record    any            `json:"record,omitempty"`
	Items     *int           `json:"items,omitempty"`
	Complete  *bool          `json:"complete,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func (f *jsonFormatter) Format(e proxy.Event) error {
	out := jsonEvent{
		Event:     e.Name(),
		Timestamp: f.now().UTC().Format(time.RFC3339),
	}

	switch ev := e.(type) {
	case proxy.GetEvent:
		out.Schema, out.UUID, out.Record = ev.Schema, ev.UUID, ev.Record
	case proxy.ListEvent:
		n, complete := ev.List.Len(), ev.List.Complete
		out.Schema, out.Items, out.Complete = ev.Schema, &n, &complete
	case proxy.InvalidateEvent:
		out.Schema, out.UUID = ev.Schema, ev.UUID
	case proxy.LifecycleEvent:
		out.Data = ev.Data
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}
	_, err = fmt.Fprintf(f.writer, "%s\n", data)
	return err
}
