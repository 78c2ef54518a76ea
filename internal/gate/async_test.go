package gate

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/linnemanlabs-admission/internal/identity"
	"github.com/keithlinneman/linnemanlabs-admission/internal/limiter"
	"github.com/keithlinneman/linnemanlabs-admission/internal/store"
)

// blockingSink holds every Emit until release is closed.
type blockingSink struct {
	release chan struct{}
	calls   atomic.Int64
}

func (b *blockingSink) Emit(ctx context.Context, _ Event) error {
	b.calls.Add(1)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// silentListener accepts connections and never answers, like a wedged redis.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestAsyncSink_Delivers(t *testing.T) {
	capture := &captureSink{}
	a := NewAsyncSink(capture)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Emit(context.Background(), Event{PolicyID: "p", Remaining: int64(i)}))
	}
	require.NoError(t, a.Close(context.Background()))

	events := capture.all()
	require.Len(t, events, 10)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Remaining, "events keep their order")
	}
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	b := &blockingSink{release: make(chan struct{})}
	var dropped atomic.Int64
	a := NewAsyncSink(b, WithBuffer(2), WithWriteTimeout(time.Minute), WithOnDrop(func() { dropped.Add(1) }))

	// first event parks the worker, then the buffer fills
	require.NoError(t, a.Emit(context.Background(), Event{}))
	require.Eventually(t, func() bool { return b.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, a.Emit(context.Background(), Event{}))
	require.NoError(t, a.Emit(context.Background(), Event{}))

	start := time.Now()
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, a.Emit(context.Background(), Event{}), ErrEventDropped)
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "a full buffer must not block")
	assert.Equal(t, int64(5), dropped.Load())

	close(b.release)
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, int64(3), b.calls.Load())
}

func TestAsyncSink_WriteTimeoutAndErrors(t *testing.T) {
	b := &blockingSink{release: make(chan struct{})}
	errs := make(chan error, 1)
	a := NewAsyncSink(b, WithWriteTimeout(10*time.Millisecond), WithOnError(func(err error) { errs <- err }))

	require.NoError(t, a.Emit(context.Background(), Event{}))
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("write was not bounded by the write timeout")
	}
	require.NoError(t, a.Close(context.Background()))
}

func TestAsyncSink_RequestContextNotCarried(t *testing.T) {
	capture := &captureSink{}
	a := NewAsyncSink(capture)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, a.Emit(ctx, Event{PolicyID: "p"}))
	require.NoError(t, a.Close(context.Background()))
	assert.Len(t, capture.all(), 1)
}

func TestAsyncSink_PanicReported(t *testing.T) {
	var got atomic.Value
	a := NewAsyncSink(SinkFunc(func(context.Context, Event) error { panic("boom") }),
		WithOnError(func(err error) { got.Store(err) }))

	require.NoError(t, a.Emit(context.Background(), Event{}))
	require.NoError(t, a.Close(context.Background()))
	err, _ := got.Load().(error)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestAsyncSink_Close(t *testing.T) {
	b := &blockingSink{release: make(chan struct{})}
	a := NewAsyncSink(b, WithWriteTimeout(time.Minute))
	require.NoError(t, a.Emit(context.Background(), Event{}))
	require.Eventually(t, func() bool { return b.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, a.Close(ctx), "worker still busy")

	assert.NoError(t, a.Emit(context.Background(), Event{}), "emit after close is a no-op")
	close(b.release)
	assert.NoError(t, a.Close(context.Background()))
}

func TestCheck_UnresponsiveStatsBackendDoesNotStallRequests(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:                  silentListener(t),
		ReadTimeout:           100 * time.Millisecond,
		WriteTimeout:          100 * time.Millisecond,
		ContextTimeoutEnabled: true,
	})
	t.Cleanup(func() { _ = client.Close() })

	var failures atomic.Int64
	stats := NewAsyncSink(NewRedisStatsSink(client),
		WithBuffer(8),
		WithWriteTimeout(50*time.Millisecond),
		WithOnError(func(error) { failures.Add(1) }),
	)
	t.Cleanup(func() { _ = stats.Close(context.Background()) })

	mem := store.NewMemory(t.Context())
	g, _ := newTestGate(t, mem, limiter.FailOpen, WithSink(MultiSink{&captureSink{}, stats}))

	for i := 0; i < 3; i++ {
		start := time.Now()
		d := g.Check(context.Background(), identity.RequestContext{SourceIP: "10.0.0.1"})
		elapsed := time.Since(start)
		assert.True(t, d.Allowed)
		assert.Less(t, elapsed, 40*time.Millisecond, "check %d took %s", i, elapsed)
	}
	require.Eventually(t, func() bool { return failures.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestAsyncSink_NextErrorNotReturnedToGate(t *testing.T) {
	a := NewAsyncSink(SinkFunc(func(context.Context, Event) error { return errors.New("down") }))
	assert.NoError(t, a.Emit(context.Background(), Event{}))
	require.NoError(t, a.Close(context.Background()))
}
