package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-admission/internal/cryptoutil"
)

// PolicyInfo reports the policy set currently enforced. *policy.Registry implements it.
type PolicyInfo interface {
	Version() string
	Digest() string
}

// PolicyHeaders adds X-Admission-Policy-Version and X-Admission-Policy-Digest
// to every response so a client or operator can tell which policy set decided.
func PolicyHeaders(info PolicyInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				v := info.Version()
				d := info.Digest()
				if v != "" {
					w.Header().Set("X-Admission-Policy-Version", v)
				}
				if d != "" {
					w.Header().Set("X-Admission-Policy-Digest", cryptoutil.ShortDigest(d))
				}
				if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
					if v != "" {
						span.SetAttributes(attribute.String("admission.policy_set.version", v))
					}
					if d != "" {
						span.SetAttributes(attribute.String("admission.policy_set.digest", d))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
