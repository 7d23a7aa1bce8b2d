// Package server assembles the HTTP router and middleware chain.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darkermemo/huntql/common/middleware"
	"github.com/darkermemo/huntql/internal/handlers"
)

// NewRouter registers the huntql API routes. Everything under /api/v1 is
// tenant-authenticated; health and metrics are open.
func NewRouter(h *handlers.Handler, auth *middleware.TenantAuth, cors middleware.CORSConfig) http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("POST /api/v1/compile", h.Compile)
	api.HandleFunc("POST /api/v1/execute", h.Execute)
	api.HandleFunc("POST /api/v1/facets", h.Facets)
	api.HandleFunc("POST /api/v1/timeline", h.Timeline)
	api.HandleFunc("GET /api/v1/tail", h.Tail)

	api.HandleFunc("GET /api/v1/schema/fields", h.SchemaFields)
	api.HandleFunc("GET /api/v1/schema/enums", h.SchemaEnums)

	api.HandleFunc("POST /api/v1/detections", h.CreateDetection)
	api.HandleFunc("GET /api/v1/detections", h.ListDetections)
	api.HandleFunc("POST /api/v1/detections/test", h.TestDetection)
	api.HandleFunc("GET /api/v1/detections/{id}", h.GetDetection)
	api.HandleFunc("PUT /api/v1/detections/{id}", h.UpdateDetection)
	api.HandleFunc("DELETE /api/v1/detections/{id}", h.DeleteDetection)
	api.HandleFunc("POST /api/v1/detections/{id}/enable", h.EnableDetection)
	api.HandleFunc("POST /api/v1/detections/{id}/disable", h.DisableDetection)
	api.HandleFunc("GET /api/v1/detections/{id}/runs", h.DetectionRuns)
	api.HandleFunc("POST /api/v1/detections/{id}/run", h.RunDetection)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", auth.RequireAuth(api))
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(middleware.CORS(cors)(mux))
}
