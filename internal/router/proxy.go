package router

import (
	"net/http"

	slogctx "github.com/veqryn/slog-context"
)

// SourceHeader names the response header that reports where a proxied
// response came from.
const SourceHeader = "X-Offline-Source"

// ServeHTTP proxies req to the origin through the routing table.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	resp, source, err := r.Handle(ctx, req)
	if err != nil {
		slogctx.Debug(ctx, "request not served", "path", req.URL.Path, "error", err)
		http.Error(w, "resource unavailable offline", http.StatusBadGateway)
		return
	}

	w.Header().Set(SourceHeader, string(source))
	if err := resp.Write(w); err != nil {
		slogctx.Debug(ctx, "failed to write response", "path", req.URL.Path, "error", err)
	}
}
