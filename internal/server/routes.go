// Package server wires HTTP handlers into a ServeMux for the presence
// application via routing helpers.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes: the roster page, the WebSocket session endpoint, the observer
// event stream, health, and metrics.
func SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", RosterPageHandler)
	mux.HandleFunc("/ws", WebSocketHandler)
	mux.HandleFunc("/events", EventsHandler)
	mux.HandleFunc("/healthz", HealthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
