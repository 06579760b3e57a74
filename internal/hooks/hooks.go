// Package hooks is the typed event bus on the request path. Subscribers are
// a best-effort side channel: their failures are logged and counted, never
// surfaced to the data plane.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ccproxy/ccproxy/internal/reqctx"
)

// Kind is a hook event kind.
type Kind string

const (
	HTTPRequest      Kind = "HTTP_REQUEST"
	HTTPResponse     Kind = "HTTP_RESPONSE"
	HTTPError        Kind = "HTTP_ERROR"
	RequestCompleted Kind = "REQUEST_COMPLETED"
	RequestFailed    Kind = "REQUEST_FAILED"
)

// SubscriberTimeout is the hard per-subscriber deadline per event.
const SubscriberTimeout = 500 * time.Millisecond

// Event is one published hook event.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Data      map[string]any
	Metadata  map[string]any
}

// NewEvent builds an event stamped now.
func NewEvent(kind Kind, data map[string]any, metadata map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Event{Kind: kind, Timestamp: time.Now(), Data: data, Metadata: metadata}
}

// Handler consumes one event. Errors are logged, counted, and dropped.
type Handler func(ctx context.Context, ev *Event) error

type subscriber struct {
	name     string
	priority int
	seq      int
	fn       Handler
}

// Bus fans events out to subscribers: sequential within a priority band,
// bands concurrent. The subscriber list is copy-on-write; an emit works on
// the snapshot taken when it starts.
type Bus struct {
	mu   sync.Mutex
	subs map[Kind][]subscriber
	seq  int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]subscriber)}
}

// Subscribe registers a handler for a kind at a priority. Lower priority
// runs in an earlier band; registration order breaks ties.
func (b *Bus) Subscribe(kind Kind, priority int, name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	next := make([]subscriber, len(b.subs[kind]), len(b.subs[kind])+1)
	copy(next, b.subs[kind])
	next = append(next, subscriber{name: name, priority: priority, seq: b.seq, fn: fn})
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].priority != next[j].priority {
			return next[i].priority < next[j].priority
		}
		return next[i].seq < next[j].seq
	})
	b.subs[kind] = next
}

func (b *Bus) snapshot(kind Kind) []subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[kind]
}

// Emit delivers the event to all subscribers of its kind and waits for them.
// Priority bands run concurrently with each other; within a band, handlers
// run in registration order.
func (b *Bus) Emit(ctx context.Context, ev *Event) {
	subs := b.snapshot(ev.Kind)
	if len(subs) == 0 {
		return
	}

	var bands [][]subscriber
	for _, s := range subs {
		if n := len(bands); n > 0 && bands[n-1][0].priority == s.priority {
			bands[n-1] = append(bands[n-1], s)
			continue
		}
		bands = append(bands, []subscriber{s})
	}

	var wg sync.WaitGroup
	for _, band := range bands {
		wg.Add(1)
		go func(band []subscriber) {
			defer wg.Done()
			for _, s := range band {
				b.dispatch(ctx, s, ev)
			}
		}(band)
	}
	wg.Wait()
}

// EmitAsync delivers in the background; the caller never waits.
func (b *Bus) EmitAsync(ctx context.Context, ev *Event) {
	go b.Emit(ctx, ev)
}

// dispatch runs one handler under the subscriber deadline, recovering
// panics and recording failures on the ambient request context.
func (b *Bus) dispatch(ctx context.Context, s subscriber, ev *Event) {
	ctx, cancel := context.WithTimeout(ctx, SubscriberTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- s.fn(ctx, ev)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("deadline exceeded after %s", SubscriberTimeout)
	}
	if err == nil {
		return
	}
	logrus.Warnf("hooks: subscriber %s failed on %s: %v", s.name, ev.Kind, err)
	if rc := reqctx.FromContext(ctx); rc != nil {
		rc.HookErrors.Add(1)
	}
}
