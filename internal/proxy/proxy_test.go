package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keithlinneman/linnemanlabs-admission/internal/httpmw"
)

func TestNew_InvalidTarget(t *testing.T) {
	for _, target := range []string{"", "ftp://files", "http://", "::bad"} {
		if _, err := New(target, Options{}); err == nil {
			t.Errorf("New(%q): expected error", target)
		}
	}
}

func TestProxy_ForwardsRequest(t *testing.T) {
	var gotPath, gotQuery, gotXFF, gotReqID, gotPrincipal string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotReqID = r.Header.Get("X-Request-Id")
		gotPrincipal = r.Header.Get("X-Authenticated-Principal")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer upstream.Close()

	p, err := New(upstream.URL+"/base", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/orders?dry=1", strings.NewReader("{}"))
	req.Header.Set("X-Authenticated-Principal", "alice")
	ctx := httpmw.WithClientIP(req.Context(), "198.51.100.7")
	ctx = httpmw.WithRequestID(ctx, "req-123")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req.WithContext(ctx))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if rec.Body.String() != "created" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Fatal("upstream response header not copied")
	}
	if gotPath != "/base/v1/orders" {
		t.Fatalf("upstream path = %q", gotPath)
	}
	if gotQuery != "dry=1" {
		t.Fatalf("upstream query = %q", gotQuery)
	}
	if gotXFF != "198.51.100.7" {
		t.Fatalf("X-Forwarded-For = %q, want client ip", gotXFF)
	}
	if gotReqID != "req-123" {
		t.Fatalf("X-Request-Id = %q", gotReqID)
	}
	if gotPrincipal != "alice" {
		t.Fatalf("principal header = %q, want forwarded", gotPrincipal)
	}
}

func TestProxy_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := upstream.URL
	upstream.Close()

	var kinds []string
	p, err := New(target, Options{OnError: func(kind string) { kinds = append(kinds, kind) }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/things", http.NoBody))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "Bad Gateway" {
		t.Fatalf("error = %q", body.Error)
	}
	if len(kinds) != 1 || kinds[0] != "unavailable" {
		t.Fatalf("OnError kinds = %v", kinds)
	}
}

type errTransport struct{ err error }

func (e errTransport) RoundTrip(*http.Request) (*http.Response, error) { return nil, e.err }

func TestProxy_BodyTooLarge(t *testing.T) {
	p, err := New("http://upstream.invalid", Options{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			_, err := io.ReadAll(r.Body)
			return nil, err
		}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := httpmw.MaxBody(4)(p)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestClassify(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name       string
		ctx        context.Context
		err        error
		wantStatus int
		wantKind   string
	}{
		{"refused", context.Background(), errors.New("connection refused"), http.StatusBadGateway, "unavailable"},
		{"timeout", context.Background(), context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{"client gone", canceled, context.Canceled, statusClientClosedRequest, "client_canceled"},
		{"body too large", context.Background(), &http.MaxBytesError{Limit: 4}, http.StatusRequestEntityTooLarge, "body_too_large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, kind := classify(tt.ctx, tt.err)
			if status != tt.wantStatus || kind != tt.wantKind {
				t.Fatalf("classify = %d/%s, want %d/%s", status, kind, tt.wantStatus, tt.wantKind)
			}
		})
	}
}

func TestProxy_TransportError(t *testing.T) {
	p, err := New("http://upstream.invalid", Options{Transport: errTransport{err: errors.New("dial tcp: no route")}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("error responses should not be cached")
	}
}
