package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-admission/internal/health"
	"github.com/keithlinneman/linnemanlabs-admission/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe

	// AdmissionMW decides every request routed to Upstream. Health routes
	// and APIRoutes are never charged against a quota.
	AdmissionMW func(http.Handler) http.Handler

	// Upstream serves every path not matched by a local route, typically the
	// reverse proxy to the protected service. nil leaves chi's 404.
	Upstream http.Handler

	// MaxBodyBytes bounds request bodies forwarded to Upstream, 0 = unlimited.
	MaxBodyBytes int64

	// PolicyInfo adds the active policy set version to every response.
	PolicyInfo httpmw.PolicyInfo

	APIRoutes func(r chi.Router)
}
