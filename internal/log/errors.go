package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// errorRenderer turns an error into the err/error_type/cause_type/error_chain
// (and optionally error_links) attributes on Error records.
type errorRenderer struct {
	links    bool
	maxLinks int
}

func (e errorRenderer) attrs(err error) []any {
	if err == nil {
		return nil
	}
	kv := []any{
		"err", err,
		"error_type", surfaceType(err),
		"cause_type", fmt.Sprintf("%T", xerrors.Root(err)),
	}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if e.links {
		kv = append(kv, "error_links", errorLinks(err, e.maxLinks))
	}
	return kv
}

// surfaceType names the first error in the chain that is not an xerrors or
// fmt.Errorf wrapper.
func surfaceType(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if _, ok := e.(xerrors.Wrapper); ok {
			continue
		}
		t := reflect.TypeOf(e)
		u := t
		for u.Kind() == reflect.Pointer {
			u = u.Elem()
		}
		if u.PkgPath() == "fmt" && u.Name() == "wrapError" {
			continue
		}
		return t.String()
	}
	return fmt.Sprintf("%T", err)
}

// errorChain lists distinct messages down the Unwrap chain, then the members
// of a top-level errors.Join.
func errorChain(err error) []string {
	var out []string
	var prev string
	push := func(msg string) {
		if msg != prev {
			out = append(out, msg)
			prev = msg
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		push(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			push(e.Error())
		}
	}
	return out
}

// errorLinks records where each wrap happened. The outermost link is always
// present; inner links only when a position is known.
func errorLinks(err error, max int) []map[string]any {
	var links []map[string]any
	depth := 0
	for e := err; e != nil && (max <= 0 || depth < max); e = errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		fr, ok := linkFrame(e)
		if ok {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		if depth == 0 || ok {
			links = append(links, link)
		}
		depth++
	}
	return links
}

func linkFrame(e error) (runtime.Frame, bool) {
	if hp, ok := e.(interface{ PC() uintptr }); ok {
		if hp.PC() == 0 {
			return runtime.Frame{}, false
		}
		fr, _ := runtime.CallersFrames([]uintptr{hp.PC()}).Next()
		return fr, true
	}
	if hs, ok := e.(interface{ StackPCs() []uintptr }); ok {
		return firstCallerFrame(hs.StackPCs())
	}
	return runtime.Frame{}, false
}

// internalFrame reports frames that belong to logging or error plumbing
// rather than to the code that logged.
func internalFrame(fn string) bool {
	if strings.HasPrefix(fn, "log/slog.") || strings.Contains(fn, "/internal/xerrors.") {
		return true
	}
	_, rest, ok := strings.Cut(fn, "/internal/log.")
	if !ok {
		return false
	}
	for _, p := range plumbing {
		if strings.HasPrefix(rest, p) {
			return true
		}
	}
	return false
}

var plumbing = []string{
	"(*slogLogger).",
	"traceHandler.",
	"stackHandler.",
	"redactHandler.",
	"callers",
}

func firstCallerFrame(pcs []uintptr) (runtime.Frame, bool) {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if fr.Function != "" && !strings.HasPrefix(fr.Function, "runtime.") && !internalFrame(fr.Function) {
			return fr, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

func callers(skip int) []uintptr {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}

// renderStack prints one function/file:line pair per frame, starting at the
// first frame outside logging and stopping at the runtime.
func renderStack(pcs []uintptr) string {
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	started := false
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		if !started && !internalFrame(fr.Function) {
			started = true
		}
		if started && fr.Function != "" {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
