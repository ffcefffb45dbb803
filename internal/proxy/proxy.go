// Package proxy multiplexes external HTTP traffic to the correct sandbox
// instance as a net/http/httputil.ReverseProxy with a custom Transport that
// dials 127.0.0.1:{port}. ReverseProxy's built-in Upgrade detection provides
// transparent WebSocket piping without a separate WebSocket library.
package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/vaderyang/voidrun/internal/apierr"
)

// hopByHop lists the headers that must never be forwarded, per RFC 7230
// §6.1.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Resolver looks up the host port backing a sandbox or deployment id and
// stamps its last-activity, decoupling this package from the registry and
// faas packages so a proxy.Handler can forward for either.
type Resolver interface {
	ResolvePort(id string) (port int, err error)
}

// Handler forwards "/proxy/{id}/*" and "/faas/{id}/*" requests to the
// resolved backend port.
type Handler struct {
	resolve Resolver
	log     *slog.Logger
}

// New constructs a Handler backed by resolve.
func New(resolve Resolver, log *slog.Logger) *Handler {
	return &Handler{resolve: resolve, log: log}
}

// ServeProxy forwards r, stripping the "/proxy/{id}" or "/faas/{id}" prefix
// already consumed by the router, to the sandbox/deployment identified by
// id, rewriting the path to rest.
func (h *Handler) ServeProxy(w http.ResponseWriter, r *http.Request, id, rest string) {
	port, err := h.resolve.ResolvePort(id)
	if err != nil {
		status := http.StatusNotFound
		if ae, ok := err.(*apierr.Error); ok {
			status = ae.Kind.Status()
		}
		http.Error(w, err.Error(), status)
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = &http.Transport{
		DialContext: (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		if isConnRefused(err) || isTimeout(err) {
			status = http.StatusBadGateway
		} else {
			status = http.StatusInternalServerError
		}
		h.log.Warn("proxy upstream error", "id", id, "error", err)
		w.WriteHeader(status)
	}

	director := rp.Director
	rp.Director = func(req *http.Request) {
		upgrade := isUpgradeRequest(req)
		director(req)
		if !strings.HasPrefix(rest, "/") {
			rest = "/" + rest
		}
		req.URL.Path = rest
		req.URL.RawPath = ""
		req.Host = target.Host
		for _, hdr := range hopByHop {
			// Connection/Upgrade must survive an upgrade request: ReverseProxy's
			// own ServeHTTP reads them back off this same header set, after
			// Director returns, to decide whether to forward the handshake.
			if upgrade && (hdr == "Connection" || hdr == "Upgrade") {
				continue
			}
			req.Header.Del(hdr)
		}
	}

	rp.ModifyResponse = func(resp *http.Response) error {
		for _, hdr := range hopByHop {
			resp.Header.Del(hdr)
		}
		return nil
	}

	// ReverseProxy sets "Te: trailers" on the outbound request, after
	// Director has run, whenever the incoming request carries it, so TE is
	// removed from the incoming request as well.
	r.Header.Del("Te")

	rp.ServeHTTP(w, r)
}

// isUpgradeRequest reports whether req is asking to switch protocols (e.g. a
// WebSocket handshake): a non-empty Upgrade header named in the Connection
// header's token list.
func isUpgradeRequest(req *http.Request) bool {
	if req.Header.Get("Upgrade") == "" {
		return false
	}
	for _, token := range strings.Split(req.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "Upgrade") {
			return true
		}
	}
	return false
}

func isConnRefused(err error) bool {
	return err != nil && strings.Contains(err.Error(), "connection refused")
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}
