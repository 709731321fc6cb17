package api

import (
	"encoding/json"
	"net/http"

	"github.com/PeladoCollado/machinegun/machinegun/logger"
	"github.com/PeladoCollado/machinegun/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHandler serves the engine's own metrics and the live run summary.
func NewHandler(gatherer prometheus.Gatherer, source metrics.SummarySource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/summary", summaryHandler(source))
	r.Get("/healthz", healthHandler)
	return r
}

func summaryHandler(source metrics.SummarySource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(source.Snapshot()); err != nil {
			logger.Logger.Warn("Unable to write summary response: ", err)
		}
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
