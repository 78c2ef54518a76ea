package httpmw

import (
	"context"
	"net/http"
	"sync"

	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
)

type entry struct {
	level string
	msg   string
	err   error
	kv    map[string]any
}

// recLogger records every call. Children share the parent's sink and carry
// their own With fields.
type recLogger struct {
	mu      *sync.Mutex
	entries *[]entry
	fields  []any
}

func newRecLogger() *recLogger {
	return &recLogger{mu: &sync.Mutex{}, entries: &[]entry{}}
}

func (l *recLogger) With(kv ...any) log.Logger {
	f := append(append([]any{}, l.fields...), kv...)
	return &recLogger{mu: l.mu, entries: l.entries, fields: f}
}

func (l *recLogger) add(level string, err error, msg string, kv []any) {
	m := map[string]any{}
	all := append(append([]any{}, l.fields...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		if k, ok := all[i].(string); ok {
			m[k] = all[i+1]
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, entry{level: level, msg: msg, err: err, kv: m})
}

func (l *recLogger) Debug(_ context.Context, msg string, kv ...any) { l.add("debug", nil, msg, kv) }
func (l *recLogger) Info(_ context.Context, msg string, kv ...any)  { l.add("info", nil, msg, kv) }
func (l *recLogger) Warn(_ context.Context, msg string, kv ...any)  { l.add("warn", nil, msg, kv) }
func (l *recLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.add("error", err, msg, kv)
}
func (l *recLogger) Sync() error { return nil }

func (l *recLogger) all() []entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]entry(nil), *l.entries...)
}

func (l *recLogger) last() (entry, bool) {
	es := l.all()
	if len(es) == 0 {
		return entry{}, false
	}
	return es[len(es)-1], true
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	})
}
