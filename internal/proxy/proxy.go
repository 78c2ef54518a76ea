// Package proxy forwards admitted requests to the protected upstream service.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-admission/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// statusClientClosedRequest is logged when the caller went away before the upstream answered.
const statusClientClosedRequest = 499

// Errors are logged through the request logger placed by httpmw.WithLogger.
type Options struct {
	// Transport defaults to a clone of http.DefaultTransport wrapped by otelhttp
	// so the trace continues into the upstream.
	Transport http.RoundTripper

	// FlushInterval is passed to httputil.ReverseProxy, -1 flushes every write.
	FlushInterval time.Duration

	// OnError is called for every request the upstream failed, typically a metrics counter.
	OnError func(kind string)
}

type errorBody struct {
	Error string `json:"error"`
}

// New returns a reverse proxy to target. The path of target is prepended to
// request paths, query strings are merged.
func New(target string, opts Options) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse upstream url %q", target)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, xerrors.Newf("upstream url %q must be http(s)://host[:port]", target)
	}
	transport := opts.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone())
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
			// SetXForwarded uses the peer address, replace it with the
			// client address we admitted on
			if ip := httpmw.ClientIPFromContext(pr.In.Context()); ip != "" {
				pr.Out.Header.Set("X-Forwarded-For", ip)
			}
			if id := httpmw.RequestIDFromContext(pr.In.Context()); id != "" {
				pr.Out.Header.Set("X-Request-Id", id)
			}
		},
		Transport:     transport,
		FlushInterval: opts.FlushInterval,
		ErrorHandler:  errorHandler(opts),
	}, nil
}

func errorHandler(opts Options) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		ctx := r.Context()
		status, kind := classify(ctx, err)

		if kind == "client_canceled" {
			log.FromContext(ctx).Debug(ctx, "client went away before upstream answered")
		} else {
			log.FromContext(ctx).Error(ctx, err, "upstream request failed",
				"kind", kind,
				"status", status,
			)
		}
		if opts.OnError != nil {
			opts.OnError(kind)
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(errorBody{Error: http.StatusText(status)})
	}
}

func classify(ctx context.Context, err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, "body_too_large"
	case errors.Is(ctx.Err(), context.Canceled):
		return statusClientClosedRequest, "client_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusBadGateway, "unavailable"
	}
}
