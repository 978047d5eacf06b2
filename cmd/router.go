package main

import (
	"net/http"

	"github.com/bluey22/simple-http-proxy/internal/metrics"
)

func setupRouter(metricsCollector *metrics.Collector, strategy string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/metrics", metricsCollector.Handler(strategy))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}
