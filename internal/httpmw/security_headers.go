package httpmw

import "net/http"

// Responses come from JSON APIs behind the gateway, never documents, so the
// policy forbids everything a browser could load from them.
const apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"

// SecurityHeaders is middleware that adds common security headers to HTTP responses.
// Upstream responses may replace them.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()

		// Require HTTPS for one year, including subdomains
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		h.Set("Content-Security-Policy", apiContentSecurityPolicy)

		// Disable MIME type sniffing
		h.Set("X-Content-Type-Options", "nosniff")

		// Old Clickjacking protection - dont allow embedding in frames
		h.Set("X-Frame-Options", "DENY")

		// API callers have no use for a Referer
		h.Set("Referrer-Policy", "no-referrer")

		// Prevent Adobe Flash and Acrobat from loading content
		h.Set("X-Permitted-Cross-Domain-Policies", "none")

		// Cross-Origin-Resource-Policy to restrict resource.. "sharing"
		h.Set("Cross-Origin-Resource-Policy", "same-origin")

		next.ServeHTTP(w, r)
	})
}
