package opshttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-admission/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	UseRecoverMW bool
	OnPanic      func() // called for every recovered panic, usually a counter

	// APIRoutes mounts the admission inspection endpoints under /-/.
	APIRoutes func(chi.Router)
}
