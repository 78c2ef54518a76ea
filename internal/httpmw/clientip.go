package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction behavior.
type ClientIPOptions struct {
	// TrustedHops is the number of trusted reverse proxies between the client
	// and this server. 0 = no proxies (X-Forwarded-For ignored), 1 = single ALB
	// (rightmost XFF entry), 2 = CDN + ALB (second from end), etc.
	TrustedHops int
}

// ClientIP extracts the client IP address from the request and stores it in the context.
// Uses default options (TrustedHops=0: no trusted proxies, X-Forwarded-For is ignored).
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions returns middleware that extracts the client IP using the
// given options.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractRealClientAddr(r, opts.TrustedHops)
			ctx := WithClientIP(r.Context(), ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractRealClientAddr resolves the address the admission key is built from.
// X-Forwarded-For is only honored when the peer is a private address and
// trustedHops > 0, in which case the Nth-from-end entry is the client.
// Untrusted forwarded headers are removed so nothing downstream reads them.
func extractRealClientAddr(r *http.Request, trustedHops int) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// malformed remote addr, return it as is
		return r.RemoteAddr
	}

	peer, err := netip.ParseAddr(host)
	if err != nil {
		return "0.0.0.0"
	}
	peer = peer.Unmap()
	clientAddr := peer.WithZone("").String()

	if !peer.IsPrivate() || trustedHops <= 0 {
		stripForwarded(r)
		return clientAddr
	}

	// trustedHops=1 is a single load balancer (rightmost entry), 2 is
	// CDN -> LB -> gateway, and so on
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		idx := len(parts) - trustedHops
		if idx < 0 {
			// fewer entries than proxies, misconfiguration or spoofing
			stripForwarded(r)
			return clientAddr
		}
		if candidate, err := netip.ParseAddr(strings.TrimSpace(parts[idx])); err == nil {
			clientAddr = candidate.Unmap().WithZone("").String()
		}
	}

	return clientAddr
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
