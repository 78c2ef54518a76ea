package httpmw

import "net/http"

// MaxBody limits the request body forwarded upstream. Requests exceeding the
// limit receive 413 Request Entity Too Large when the body is read.
// A limit <= 0 disables the check.
func MaxBody(bytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if bytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, bytes)
			next.ServeHTTP(w, r)
		})
	}
}
