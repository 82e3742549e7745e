package server

import (
	"net/http"
)

// NewHandler creates the full HTTP handler with routes and middleware.
func NewHandler(svc Services) http.Handler {
	return newMux(svc)
}

func newMux(svc Services) http.Handler {
	h := &handler{svc: svc}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/v1/import", h.registerImports)
	mux.HandleFunc("POST /api/v1/download/{id}", h.registerDownload)
	mux.HandleFunc("POST /api/v1/export/{id}", h.export)
	mux.HandleFunc("GET /api/v1/jobs", h.listJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.getJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/{action}", h.control)

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
