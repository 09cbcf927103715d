package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/wardengate/wardengate/internal/domain/fault"
)

// handleAdapterProxy forwards raw traffic for a converted stdio server
// to its adapter child on the loopback port the supervisor allocated.
// The /servers/{name} prefix is stripped, so /servers/foo/sse becomes
// 127.0.0.1:{port}/sse. WebSocket upgrades ride the same path, and a
// negative FlushInterval keeps SSE frames moving without buffering.
// GET|POST|PUT|DELETE /servers/{name}/{rest...}
func (s *Server) handleAdapterProxy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.supervisor == nil {
		s.respondFault(w, fault.New(fault.KindResourceNotFound, "adapter supervisor not configured"))
		return
	}
	status, ok := s.supervisor.Status(name)
	if !ok {
		s.respondFault(w, fault.Newf(fault.KindResourceNotFound, "no adapter running for %q", name))
		return
	}

	target := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(status.Port)}
	rest := "/" + r.PathValue("rest")

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = rest
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
			pr.Out.Host = target.Host
		},
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			LoggerFromContext(r.Context()).Warn("adapter proxy failed",
				"server", name, "port", status.Port, "error", err)
			s.respondFault(w, fault.Wrap(fault.KindBackendUnreachable,
				fmt.Sprintf("adapter for %q", name), err))
		},
	}
	proxy.ServeHTTP(w, r)
}

// handleListAdapters reports every running adapter.
// GET /mcp/adapters
func (s *Server) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	if s.supervisor == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"adapters": []any{}})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"adapters": s.supervisor.List()})
}
