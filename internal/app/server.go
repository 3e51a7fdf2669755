package app

import (
	"fmt"
	"net/http"
)

// healthHandler answers liveness probes.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// startServer runs the HTTP server exposing /health and /metrics.
func (a *App) startServer(port int) {
	a.logger.Debug("Configuring health and metrics server.")
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.healthHandler)
	mux.Handle("/metrics", a.collector.Handler())

	addr := fmt.Sprintf(":%d", port)

	go func() {
		a.logger.Info("🩺 Health and metrics server starting", "address", fmt.Sprintf("http://localhost%s", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			a.logger.Error("Health and metrics server failed", "error", err)
		}
	}()
}
