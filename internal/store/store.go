package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is matched (errors.Is) by every error a store returns.
var ErrUnavailable = errors.New("counter store unavailable")

// CounterStore is the minimal contract the limiter needs.
type CounterStore interface {
	// IncrementAndGet atomically increments key and returns the new value.
	// A key created by this call expires after ttl.
	IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the current value of key, 0 if it does not exist.
	Get(ctx context.Context, key string) (int64, error)
}

// WindowStore is implemented by stores that can increment the current window
// counter and read the previous one in a single round trip.
type WindowStore interface {
	CounterStore
	IncrementWindow(ctx context.Context, current, previous string, ttl time.Duration) (cur, prev int64, err error)
}

// Pinger is used by readiness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Error describes a failed store operation. It always matches ErrUnavailable.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return "store " + e.Op + ": " + e.Err.Error()
	}
	return "store " + e.Op + " " + e.Key + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrUnavailable }

func unavailable(op, key string, err error) error {
	return &Error{Op: op, Key: key, Err: err}
}

// IncrementWindow uses s.IncrementWindow when available, otherwise falls back
// to an increment followed by a read (two round trips).
func IncrementWindow(ctx context.Context, s CounterStore, current, previous string, ttl time.Duration) (cur, prev int64, err error) {
	if ws, ok := s.(WindowStore); ok {
		return ws.IncrementWindow(ctx, current, previous, ttl)
	}
	cur, err = s.IncrementAndGet(ctx, current, ttl)
	if err != nil {
		return 0, 0, err
	}
	prev, err = s.Get(ctx, previous)
	if err != nil {
		return 0, 0, err
	}
	return cur, prev, nil
}
