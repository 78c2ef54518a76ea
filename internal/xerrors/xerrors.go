// Package xerrors adds call-site information to errors: New and Newf capture
// a stack, Wrap and Wrapf record the single frame that added context. The log
// package reads both back out when rendering error chains.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// Wrapper is implemented by the types in this package so renderers can skip
// them when naming the underlying error type.
type Wrapper interface{ IsXerrorsWrapper() }

type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string     { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error     { return a.err }
func (a *annotated) PC() uintptr       { return a.pc }
func (a *annotated) IsXerrorsWrapper() {}

// skip counts frames above the exported function that called us.
func stackAt(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+3, pcs)
	return pcs[:n]
}

func pcAt(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip+3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func New(msg string) error { return &stacked{err: errors.New(msg), pcs: stackAt(0)} }

func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: stackAt(0)}
}

// WithStack attaches the caller's stack to err. Nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stackAt(0)}
}

// EnsureTrace is WithStack unless something in err's chain already carries a
// stack.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	if len(StackOf(err)) > 0 {
		return err
	}
	return &stacked{err: err, pcs: stackAt(0)}
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: pcAt(0)}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: pcAt(0)}
}

// StackOf returns the first captured stack in err's chain, or nil.
func StackOf(err error) []uintptr {
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && hs != nil {
		return hs.StackPCs()
	}
	return nil
}

// Root follows Unwrap to the innermost error.
func Root(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}
