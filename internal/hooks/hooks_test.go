package hooks

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ccproxy/ccproxy/internal/reqctx"
)

func TestSequentialWithinBand(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var order []string

	record := func(name string) Handler {
		return func(ctx context.Context, ev *Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	bus.Subscribe(HTTPRequest, 100, "first", record("first"))
	bus.Subscribe(HTTPRequest, 100, "second", record("second"))
	bus.Subscribe(HTTPRequest, 100, "third", record("third"))

	bus.Emit(context.Background(), NewEvent(HTTPRequest, nil, nil))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBandsRunConcurrently(t *testing.T) {
	bus := NewBus()
	gate := make(chan struct{})
	var fastRan atomic.Bool

	bus.Subscribe(HTTPRequest, 100, "slow", func(ctx context.Context, ev *Event) error {
		<-gate
		return nil
	})
	bus.Subscribe(HTTPRequest, 200, "fast", func(ctx context.Context, ev *Event) error {
		fastRan.Store(true)
		close(gate)
		return nil
	})

	done := make(chan struct{})
	go func() {
		bus.Emit(context.Background(), NewEvent(HTTPRequest, nil, nil))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit deadlocked: bands did not run concurrently")
	}
	assert.True(t, fastRan.Load())
}

func TestSubscriberErrorSwallowedAndCounted(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(HTTPError, 100, "failing", func(ctx context.Context, ev *Event) error {
		return errors.New("sink exploded")
	})
	bus.Subscribe(HTTPError, 100, "after", func(ctx context.Context, ev *Event) error {
		return nil
	})

	rc := reqctx.New(httptest.NewRequest("POST", "/v1/messages", nil))
	ctx := reqctx.WithContext(context.Background(), rc)
	bus.Emit(ctx, NewEvent(HTTPError, nil, nil))

	assert.Equal(t, int64(1), rc.HookErrors.Load())
}

func TestSubscriberPanicRecovered(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(HTTPRequest, 100, "panicking", func(ctx context.Context, ev *Event) error {
		panic("boom")
	})

	rc := reqctx.New(httptest.NewRequest("POST", "/v1/messages", nil))
	ctx := reqctx.WithContext(context.Background(), rc)
	assert.NotPanics(t, func() {
		bus.Emit(ctx, NewEvent(HTTPRequest, nil, nil))
	})
	assert.Equal(t, int64(1), rc.HookErrors.Load())
}

func TestSubscriberDeadline(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(HTTPRequest, 100, "hanging", func(ctx context.Context, ev *Event) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	rc := reqctx.New(httptest.NewRequest("POST", "/v1/messages", nil))
	ctx := reqctx.WithContext(context.Background(), rc)

	start := time.Now()
	bus.Emit(ctx, NewEvent(HTTPRequest, nil, nil))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int64(1), rc.HookErrors.Load())
}

func TestCopyOnWriteSnapshot(t *testing.T) {
	bus := NewBus()
	var calls atomic.Int32

	bus.Subscribe(HTTPRequest, 100, "observer", func(ctx context.Context, ev *Event) error {
		calls.Add(1)
		// subscribing mid-emit must not affect the running fan-out
		bus.Subscribe(HTTPRequest, 100, "late", func(ctx context.Context, ev *Event) error {
			calls.Add(100)
			return nil
		})
		return nil
	})

	bus.Emit(context.Background(), NewEvent(HTTPRequest, nil, nil))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNoSubscribers(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() {
		bus.Emit(context.Background(), NewEvent(RequestCompleted, nil, nil))
	})
}
