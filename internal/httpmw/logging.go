package httpmw

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
)

// Response headers set by the admission middleware, read back for the
// access log.
const (
	headerRatePolicy   = "X-RateLimit-Policy"
	headerRateDegraded = "X-RateLimit-Degraded"
)

// statusRecorder captures what the handler sent. It forwards Flush and
// Unwrap so the reverse proxy can stream through it.
type statusRecorder struct {
	http.ResponseWriter
	status    int
	bytes     int64
	start     time.Time
	firstByte time.Duration
	writeErr  error
}

func (rw *statusRecorder) mark() {
	if rw.firstByte == 0 {
		rw.firstByte = time.Since(rw.start)
	}
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.mark()
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.mark()
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	if err != nil && rw.writeErr == nil {
		rw.writeErr = err
	}
	return n, err
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		rw.mark()
		f.Flush()
	}
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *statusRecorder) code() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

// WithLogger stores a request-scoped logger in the context carrying the
// request id, resolved client address and the request line. Run it inside
// RequestID and ClientIP.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)
			client := ClientIPFromContext(ctx)
			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			// query strings stay out of the logs, they can carry credentials
			ctx = log.WithContext(ctx, base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessLog writes one record per request once the handler returns. Ops
// paths under /-/ are skipped. Admission outcomes are read from the
// X-RateLimit-* response headers, 5xx responses log at warn.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &statusRecorder{ResponseWriter: w, start: time.Now()}
			next.ServeHTTP(rw, r)

			if strings.HasPrefix(r.URL.Path, "/-/") {
				return
			}
			ctx := r.Context()
			status := rw.code()
			route := routePattern(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.Float64("http.server.ttfb_seconds", rw.firstByte.Seconds()))
			}

			fields := []any{
				"http.response.status_code", status,
				"http.server.request.duration", time.Since(rw.start).Seconds(),
				"http.response.body.size", rw.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", route,
			}
			if p := rw.Header().Get(headerRatePolicy); p != "" {
				fields = append(fields, "admission.policy", p)
			}
			if rw.Header().Get(headerRateDegraded) != "" {
				fields = append(fields, "admission.degraded", true)
			}
			if status == http.StatusTooManyRequests {
				fields = append(fields, "admission.denied", true)
			}
			if rw.writeErr != nil {
				fields = append(fields, "write_error", rw.writeErr.Error())
			}

			L := log.FromContext(ctx)
			if status >= http.StatusInternalServerError {
				L.Warn(ctx, "http request", fields...)
				return
			}
			L.Info(ctx, "http request", fields...)
		})
	}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// schemeFromRequest trusts X-Forwarded-Proto only because ClientIP strips
// it from untrusted peers.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); s == "http" || s == "https" {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the name of the handler
// serving it.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := log.Enrich(r.Context(), "handler", handler)
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
