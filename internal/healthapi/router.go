// Package healthapi exposes the minimal operational HTTP surface: liveness
// and readiness probes, plus a snapshot of the continuous parameter
// logger's recent cycle metrics. This is not the excluded operator-facing
// recipe/process web surface — just the ambient ops endpoints a deployed
// service needs.
package healthapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aldctl/control-core/internal/paramlog"
	"github.com/aldctl/control-core/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the health/readiness chi router, trimmed of the CORS and
// auth middleware chain the teacher's router carries — this surface has no
// browser clients and no business routes.
func NewRouter(s store.Store, logger *paramlog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler)
	r.Get("/readyz", readyHandler(s))
	r.Get("/metrics/logger", loggerMetricsHandler(logger))

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readyHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func loggerMetricsHandler(logger *paramlog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, logger.RecentMetrics())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
