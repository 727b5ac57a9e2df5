package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/maneesh/chunkstore/internal/logger"
)

// NewRouter wires the upload, download, health and metrics endpoints.
func NewRouter(svc Service, gatherer prometheus.Gatherer, log *logger.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(RequestID, AccessLog(log))

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// File operations with tracing
	writeHandler := NewWriteHandler(svc, log)
	readHandler := NewReadHandler(svc, log)
	router.Handle("/upload", otelhttp.NewHandler(writeHandler, "/upload")).Methods(http.MethodPut, http.MethodPost)
	router.Handle("/download/{file_id}", otelhttp.NewHandler(readHandler, "GET /download/{file_id}")).Methods(http.MethodGet)

	return router
}
