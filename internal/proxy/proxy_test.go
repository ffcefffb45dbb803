package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/vaderyang/voidrun/internal/apierr"
)

type fakeResolver struct {
	port int
	err  error
}

func (f fakeResolver) ResolvePort(id string) (int, error) {
	return f.port, f.err
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServeProxyForwardsPathAndBody(t *testing.T) {
	var gotPath string
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, "upstream response")
	}))
	defer upstream.Close()

	port := mustPort(t, upstream.URL)
	h := New(fakeResolver{port: port}, discardLog())

	req := httptest.NewRequest(http.MethodPost, "/proxy/sb-1/api/items", strings.NewReader("payload"))
	rec := httptest.NewRecorder()

	h.ServeProxy(rec, req, "sb-1", "/api/items")

	if gotPath != "/api/items" {
		t.Errorf("upstream saw path %q, want /api/items", gotPath)
	}
	if gotBody != "payload" {
		t.Errorf("upstream saw body %q, want payload", gotBody)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if rec.Body.String() != "upstream response" {
		t.Errorf("body = %q, want upstream response", rec.Body.String())
	}
}

func TestServeProxyStripsHopByHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") != "" {
			t.Error("hop-by-hop Connection header should not reach the upstream")
		}
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-App", "voidrun")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	port := mustPort(t, upstream.URL)
	h := New(fakeResolver{port: port}, discardLog())

	req := httptest.NewRequest(http.MethodGet, "/proxy/sb-1/", nil)
	req.Header.Set("Connection", "close")
	rec := httptest.NewRecorder()

	h.ServeProxy(rec, req, "sb-1", "/")

	if rec.Header().Get("Connection") != "" {
		t.Error("response should not carry the hop-by-hop Connection header back to the client")
	}
	if rec.Header().Get("X-App") != "voidrun" {
		t.Error("non-hop-by-hop headers should pass through")
	}
}

func TestServeProxyPreservesUpgradeHandshakeHeaders(t *testing.T) {
	var gotConnection, gotUpgrade, gotTE string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Connection")
		gotUpgrade = r.Header.Get("Upgrade")
		gotTE = r.Header.Get("TE")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	port := mustPort(t, upstream.URL)
	h := New(fakeResolver{port: port}, discardLog())

	req := httptest.NewRequest(http.MethodGet, "/proxy/sb-1/socket", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("TE", "trailers")
	rec := httptest.NewRecorder()

	h.ServeProxy(rec, req, "sb-1", "/socket")

	if gotConnection != "Upgrade" {
		t.Errorf("upstream saw Connection %q, want Upgrade", gotConnection)
	}
	if gotUpgrade != "websocket" {
		t.Errorf("upstream saw Upgrade %q, want websocket", gotUpgrade)
	}
	if gotTE != "" {
		t.Error("TE is hop-by-hop and unrelated to the handshake, should still be stripped")
	}
}

func TestIsUpgradeRequest(t *testing.T) {
	cases := []struct {
		name       string
		connection string
		upgrade    string
		want       bool
	}{
		{"no headers", "", "", false},
		{"upgrade only", "", "websocket", false},
		{"connection only", "keep-alive", "", false},
		{"matching pair", "Upgrade", "websocket", true},
		{"case insensitive and multi-token", "keep-alive, Upgrade", "websocket", true},
		{"connection close", "close", "websocket", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.connection != "" {
				req.Header.Set("Connection", tc.connection)
			}
			if tc.upgrade != "" {
				req.Header.Set("Upgrade", tc.upgrade)
			}
			if got := isUpgradeRequest(req); got != tc.want {
				t.Errorf("isUpgradeRequest() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestServeProxyReturnsNotFoundWhenResolverFails(t *testing.T) {
	h := New(fakeResolver{err: apierr.NotFoundf("sandbox %s not found", "missing")}, discardLog())

	req := httptest.NewRequest(http.MethodGet, "/proxy/missing/", nil)
	rec := httptest.NewRecorder()

	h.ServeProxy(rec, req, "missing", "/")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServeProxyReturnsBadGatewayWhenUpstreamUnreachable(t *testing.T) {
	h := New(fakeResolver{port: 1}, discardLog()) // port 1 refuses connections

	req := httptest.NewRequest(http.MethodGet, "/proxy/sb-1/", nil)
	rec := httptest.NewRecorder()

	h.ServeProxy(rec, req, "sb-1", "/")

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func mustPort(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("bad port in %q: %v", rawURL, err)
	}
	return port
}
