package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ccproxy/ccproxy/internal/translate/stream"
)

// chunkBuffer is the bounded channel size between the read and write loops.
const chunkBuffer = 64

// MicroChunkDelay paces re-split text deltas.
const MicroChunkDelay = 10 * time.Millisecond

// ErrClientDisconnected is returned when the downstream write side fails
// mid-stream.
var ErrClientDisconnected = errors.New("proxy: client disconnected")

// PipeOptions tunes one streaming pipe.
type PipeOptions struct {
	// Converter translates upstream events to the client format. Nil pipes
	// events through untouched; an abnormal upstream end then writes a
	// generic error terminal.
	Converter stream.Converter

	// OnChunk receives every upstream event fire-and-forget; slow consumers
	// drop chunks rather than stall the data path.
	OnChunk func(ev stream.Event)

	// Delay is slept between written events, used for micro-chunk pacing.
	Delay time.Duration

	// Flush is called after each written event.
	Flush func()
}

// PipeSSE runs the three-goroutine pipe: upstream read loop, downstream
// write loop, and hook fan-out. It returns nil on clean termination,
// ErrClientDisconnected when the client went away, or the upstream error.
// In every case the client has seen exactly one terminal event.
func PipeSSE(ctx context.Context, upstream io.Reader, w io.Writer, opts PipeOptions) error {
	events := make(chan stream.Event, chunkBuffer)
	readErr := make(chan error, 1)

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	// upstream read loop
	go func() {
		defer close(events)
		reader := NewSSEReader(upstream)
		for {
			ev, err := reader.ReadEvent()
			if err != nil {
				if err == io.EOF {
					readErr <- nil
				} else {
					readErr <- err
				}
				return
			}
			select {
			case events <- ev:
			case <-readCtx.Done():
				readErr <- readCtx.Err()
				return
			}
		}
	}()

	// hook fan-out, fire-and-forget with a deep buffer
	var hookCh chan stream.Event
	hookDone := make(chan struct{})
	if opts.OnChunk != nil {
		hookCh = make(chan stream.Event, chunkBuffer*4)
		go func() {
			defer close(hookDone)
			for ev := range hookCh {
				opts.OnChunk(ev)
			}
		}()
	} else {
		close(hookDone)
	}
	offerHook := func(ev stream.Event) {
		if hookCh == nil {
			return
		}
		select {
		case hookCh <- ev:
		default:
			logrus.Debug("proxy: hook channel full, dropping chunk event")
		}
	}

	writeOut := func(out []stream.Event) error {
		for _, ev := range out {
			if err := WriteEvent(w, ev); err != nil {
				return fmt.Errorf("%w: %v", ErrClientDisconnected, err)
			}
			if opts.Flush != nil {
				opts.Flush()
			}
			if opts.Delay > 0 {
				time.Sleep(opts.Delay)
			}
		}
		return nil
	}

	finish := func(cause error) {
		if hookCh != nil {
			close(hookCh)
			<-hookDone
		}
		_ = cause
	}

	// downstream write loop
	for ev := range events {
		offerHook(ev)

		out := []stream.Event{ev}
		if opts.Converter != nil {
			translated, err := opts.Converter.Feed(ev)
			if err != nil {
				logrus.Warnf("proxy: dropping untranslatable event: %v", err)
				continue
			}
			out = translated
		}
		if err := writeOut(out); err != nil {
			stopReading()
			drain(events)
			<-readErr
			finish(err)
			return err
		}
	}

	upstreamErr := <-readErr
	if errors.Is(upstreamErr, context.Canceled) && ctx.Err() != nil {
		upstreamErr = ctx.Err()
	}

	// synthesize the terminal when the upstream ended abnormally or the
	// converter still owes one
	if opts.Converter != nil {
		tail := opts.Converter.Finish(upstreamErr)
		if err := writeOut(tail); err != nil {
			finish(err)
			return err
		}
	} else if upstreamErr != nil && !errors.Is(upstreamErr, context.Canceled) {
		if err := writeOut([]stream.Event{stream.ErrorEvent(upstreamErr.Error())}); err != nil {
			finish(err)
			return err
		}
	}
	finish(upstreamErr)
	return upstreamErr
}

func drain(events <-chan stream.Event) {
	for range events {
	}
}
