// Package health serves the load balancer health endpoint on its own
// port, away from the websocket listener.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router answers GET / and GET /health with a healthy status and 404s
// everything else. metricsHandler, when non-nil, is mounted at /metrics.
func Router(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	healthy := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}
	r.Get("/", healthy)
	r.Get("/health", healthy)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	return r
}
