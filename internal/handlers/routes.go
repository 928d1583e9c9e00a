package handlers

import (
	"net/http"

	"github.com/tphummel/node_heartbeat/internal/metrics"
	"github.com/tphummel/node_heartbeat/internal/middleware"
)

// Routes builds the service mux. token guards the read-only node API when
// non-empty; POST /heartbeat is never authenticated. metricsHandler is
// mounted at /metrics when non-nil.
func (h *Handler) Routes(token string, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	handle := func(pattern, path string, next http.Handler) {
		mux.Handle(pattern, metrics.Middleware(path, next))
	}

	// Health, metrics and docs: no auth
	mux.HandleFunc("GET /healthz", h.Health)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	mux.HandleFunc("GET /openapi.yaml", OpenAPISpec)
	mux.HandleFunc("GET /docs", Docs)

	handle("POST /heartbeat", "/heartbeat", http.HandlerFunc(h.Heartbeat))

	handle("GET /api/v1/nodes", "/api/v1/nodes",
		middleware.Auth(token, http.HandlerFunc(h.ListNodes)))
	handle("GET /api/v1/nodes/{name}", "/api/v1/nodes/{name}",
		middleware.Auth(token, http.HandlerFunc(h.GetNode)))

	return mux
}
