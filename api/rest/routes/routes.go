package routes

import (
	"gpu-render-orchestrator/api/rest/handlers"
	"gpu-render-orchestrator/core/catalog"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the services the API exposes
type Deps struct {
	Dispatcher handlers.Dispatcher
	Jobs       handlers.JobFinder
	Events     handlers.EventSource // Optional
	Archive    handlers.JobArchive  // Optional
	Catalog    *catalog.Catalog
	Quota      handlers.AvailabilityChecker
	Costs      handlers.CostSource
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, deps Deps) {
	renderHandler := handlers.NewRenderHandler(deps.Dispatcher, deps.Jobs, deps.Events, deps.Archive)
	dashboardHandler := handlers.NewDashboardHandler(deps.Catalog, deps.Quota, deps.Costs)

	r.HandleFunc("/health", renderHandler.Health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Render endpoints
	api.HandleFunc("/renders", renderHandler.SubmitRender).Methods("POST")
	api.HandleFunc("/renders", renderHandler.ListRenders).Methods("GET")
	api.HandleFunc("/renders/{id}", renderHandler.GetRender).Methods("GET")
	api.HandleFunc("/renders/{id}/cancel", renderHandler.CancelRender).Methods("POST")
	api.HandleFunc("/renders/{id}/cost", dashboardHandler.GetRenderCost).Methods("GET")

	// Job attempt endpoints
	api.HandleFunc("/jobs/{id}", renderHandler.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/events", renderHandler.GetJobEvents).Methods("GET")

	// Placement endpoints
	api.HandleFunc("/catalog", dashboardHandler.GetCatalog).Methods("GET")
	api.HandleFunc("/quota", dashboardHandler.GetQuota).Methods("GET")
}
