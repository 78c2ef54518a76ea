package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// Recover logs panics from downstream handlers and serves a 500.
// onPanic may be nil; it is typically a metrics counter.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// let net/http abort the connection as it would without us
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.Wrap(v, "panic")
				default:
					err = xerrors.Newf("panic: %v", v)
				}

				logger.With(
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				).Error(r.Context(), err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
