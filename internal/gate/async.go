package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

const (
	defaultAsyncBuffer  = 4096
	defaultAsyncTimeout = 250 * time.Millisecond
)

// ErrEventDropped is returned by AsyncSink.Emit when the buffer is full.
var ErrEventDropped = errors.New("telemetry buffer full, event dropped")

// AsyncSink hands events to a single worker through a bounded buffer so a
// slow or unreachable backend never holds up the request that produced the
// event. When the buffer is full the event is dropped and counted.
type AsyncSink struct {
	next    Sink
	timeout time.Duration
	onDrop  func()
	onError func(error)

	mu     sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}
}

type AsyncOption func(*asyncConfig)

type asyncConfig struct {
	buffer  int
	timeout time.Duration
	onDrop  func()
	onError func(error)
}

// WithBuffer sets how many events may wait for the worker.
func WithBuffer(n int) AsyncOption {
	return func(c *asyncConfig) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithWriteTimeout bounds each call into the wrapped sink.
func WithWriteTimeout(d time.Duration) AsyncOption {
	return func(c *asyncConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithOnDrop(fn func()) AsyncOption {
	return func(c *asyncConfig) { c.onDrop = fn }
}

// WithOnError receives failures of the wrapped sink, which the gate no
// longer sees once events are delivered asynchronously.
func WithOnError(fn func(error)) AsyncOption {
	return func(c *asyncConfig) { c.onError = fn }
}

// NewAsyncSink starts the worker. Close stops it.
func NewAsyncSink(next Sink, opts ...AsyncOption) *AsyncSink {
	c := asyncConfig{buffer: defaultAsyncBuffer, timeout: defaultAsyncTimeout}
	for _, o := range opts {
		o(&c)
	}
	a := &AsyncSink{
		next:    next,
		timeout: c.timeout,
		onDrop:  c.onDrop,
		onError: c.onError,
		events:  make(chan Event, c.buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Emit queues ev without blocking. The request context is not carried over,
// the worker writes under its own timeout.
func (a *AsyncSink) Emit(_ context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.events <- ev:
		return nil
	default:
		if a.onDrop != nil {
			a.onDrop()
		}
		return ErrEventDropped
	}
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for ev := range a.events {
		a.write(ev)
	}
}

func (a *AsyncSink) write(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil && a.onError != nil {
			a.onError(xerrors.Newf("panic in telemetry sink: %v", r))
		}
	}()
	if err := a.next.Emit(ctx, ev); err != nil && a.onError != nil {
		a.onError(err)
	}
}

// Close stops accepting events and waits until the queued ones are written
// or ctx ends. Safe to call more than once.
func (a *AsyncSink) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(ctx.Err(), "flush telemetry buffer")
	}
}
