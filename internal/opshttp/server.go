package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/linnemanlabs-admission/internal/health"
	"github.com/keithlinneman/linnemanlabs-admission/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-admission/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

const DefaultPort = 9000

// NewHandler builds the ops router: health endpoints (both the kubelet
// /healthz names and the /-/ aliases), /metrics, optional pprof under
// /debug and whatever APIRoutes mounts. Every route is restricted to
// non-public peers.
func NewHandler(L log.Logger, opts Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	r := chi.NewRouter()
	if opts.UseRecoverMW {
		r.Use(httpmw.Recover(L, opts.OnPanic))
	}

	healthz := health.HealthzHandler(opts.Health)
	readyz := health.ReadyzHandler(opts.Readiness)
	for _, p := range []string{"/healthz", "/-/healthy"} {
		r.Method(http.MethodGet, p, healthz)
		r.Method(http.MethodHead, p, healthz)
	}
	for _, p := range []string{"/readyz", "/-/ready"} {
		r.Method(http.MethodGet, p, readyz)
		r.Method(http.MethodHead, p, readyz)
	}

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}

	return requireNonPublicNetwork(L, r)
}

// Start listens on opts.Port (DefaultPort when zero) and serves NewHandler.
// The returned stop func shuts the server down gracefully and is safe to call
// more than once.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	if opts == nil {
		opts = &Options{}
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)
	srv := httpserver.NewServer(addr, NewHandler(L, *opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on ops addr %s", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr, "pprof", opts.EnablePprof)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	return func(sctx context.Context) (err error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, httpserver.DefaultShutdownTimeout)
			defer cancel()
			err = srv.Shutdown(c)
		})
		return err
	}, nil
}
