// Package apiserver provides HTTP API endpoints and server functionality for testrig
package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/testrig/testrig/internal/apiserver/handlers"
	customMiddleware "github.com/testrig/testrig/internal/apiserver/middleware"
	"github.com/testrig/testrig/internal/config"
	"github.com/testrig/testrig/internal/deployment"
	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// APIServer provides HTTP API endpoints for deployment management
type APIServer struct {
	router  chi.Router
	server  *http.Server
	service *deployment.Service
	config  *config.ServerConfig
	logger  *logging.Logger
}

// NewAPIServer creates a new API server around the deployment service
func NewAPIServer(cfg *config.ServerConfig, service *deployment.Service) (*APIServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	if service == nil {
		return nil, fmt.Errorf("deployment service is required")
	}

	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestID) // Generate unique request ID for tracing
	router.Use(middleware.RealIP)    // Get real client IP for logging
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.StripSlashes) // Remove trailing slashes for consistent routing
	router.Use(middleware.Timeout(60 * time.Second))

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	apiServer := &APIServer{
		router:  router,
		server:  server,
		service: service,
		config:  cfg,
		logger:  logging.NewLogger("apiserver"),
	}

	if err := apiServer.setupRoutes(); err != nil {
		return nil, err
	}

	// Global 404 handler that returns JSON instead of HTML. Set after routes
	// to ensure it's the fallback.
	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, "not_found", "The requested endpoint was not found")
	})

	return apiServer, nil
}

// setupRoutes registers the deployment, queue and system endpoints
func (s *APIServer) setupRoutes() error {
	deploymentHandler, err := handlers.NewDeploymentHandler(s.service)
	if err != nil {
		return fmt.Errorf("failed to create deployment handler: %w", err)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			WriteError(w, http.StatusNotFound, "not_found", "The requested endpoint was not found")
		})

		// Apply content type validation to all endpoints
		r.Use(customMiddleware.ContentTypeValidator())

		r.Route("/deployments", func(r chi.Router) {
			r.With(customMiddleware.PlanValidator()).
				Post("/", deploymentHandler.CreateDeployment)

			r.Get("/", deploymentHandler.ListDeployments)

			r.Route("/{id}", func(r chi.Router) {
				// Apply ID validation to all endpoints with {id} parameter
				r.Use(customMiddleware.IDValidator("id"))

				r.Get("/", deploymentHandler.GetDeployment)
				r.Get("/result", deploymentHandler.GetResult)
				r.Get("/logs", deploymentHandler.GetLogs)
				r.Post("/cancel", deploymentHandler.CancelDeployment)
				r.Post("/retry", deploymentHandler.RetryDeployment)
			})
		})

		// Queue and system endpoints (no special validation needed)
		r.Get("/queue/metrics", s.getQueueMetrics)
		r.Get("/system/metrics", s.getSystemMetrics)
		r.Get("/system/health", s.getSystemHealth)
	})

	// Swagger UI endpoint
	s.router.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL(fmt.Sprintf("http://localhost:%d/swagger/doc.json", s.config.Port)),
	))

	return nil
}

// getQueueMetrics returns queue metrics
//
//	@Summary	Get queue metrics
//	@Tags		system
//	@Produce	json
//	@Success	200	{object}	map[string]interface{}	"Queue metrics"
//	@Router		/api/v1/queue/metrics [get]
func (s *APIServer) getQueueMetrics(w http.ResponseWriter, _ *http.Request) {
	metrics := s.service.QueueMetrics()

	response := map[string]interface{}{
		"total_enqueued":    metrics.TotalEnqueued,
		"total_dequeued":    metrics.TotalDequeued,
		"current_depth":     metrics.CurrentDepth,
		"average_wait_time": metrics.AverageWaitTime.String(),
		"oldest_deployment": metrics.OldestDeployment.Format(time.RFC3339),
	}

	WriteJSON(w, http.StatusOK, response)
}

// getSystemMetrics returns aggregate deployment counters
//
//	@Summary	Get system metrics
//	@Tags		system
//	@Produce	json
//	@Success	200	{object}	interfaces.SystemMetrics
//	@Router		/api/v1/system/metrics [get]
func (s *APIServer) getSystemMetrics(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.service.SystemMetrics())
}

// componentHealth represents the health status of a system component
type componentHealth struct {
	Status  string
	Details map[string]interface{}
	Healthy bool
}

// getSystemHealth returns system health status
//
//	@Summary	Health check
//	@Tags		system
//	@Produce	json
//	@Success	200	{object}	map[string]interface{}	"Service is healthy"
//	@Failure	503	{object}	map[string]interface{}	"Service degraded"
//	@Router		/api/v1/system/health [get]
func (s *APIServer) getSystemHealth(w http.ResponseWriter, _ *http.Request) {
	queueHealth := s.checkQueueHealth()
	trackerHealth := s.checkTrackerHealth()

	overallHealthy := queueHealth.Healthy && trackerHealth.Healthy

	componentDetails := map[string]interface{}{
		"queue":   queueHealth.Details,
		"tracker": trackerHealth.Details,
	}

	s.sendHealthResponse(w, overallHealthy, componentDetails, s.runtimeMetrics())
}

// checkQueueHealth checks the health of the queue component
func (s *APIServer) checkQueueHealth() componentHealth {
	metrics := s.service.QueueMetrics()
	details := map[string]interface{}{
		"status":   "healthy",
		"depth":    metrics.CurrentDepth,
		"enqueued": metrics.TotalEnqueued,
		"dequeued": metrics.TotalDequeued,
	}

	healthy := true
	if metrics.CurrentDepth > 1000 {
		details["status"] = "warning"
		details["message"] = "Queue depth is high"
		healthy = false
	}

	return componentHealth{
		Status:  details["status"].(string),
		Details: details,
		Healthy: healthy,
	}
}

// checkTrackerHealth verifies the tracker answers queries
func (s *APIServer) checkTrackerHealth() componentHealth {
	deployments, err := s.service.List(interfaces.DeploymentFilter{
		CreatedAfter: time.Now().Add(-1 * time.Minute),
	})
	if err != nil {
		return componentHealth{
			Status: "unhealthy",
			Details: map[string]interface{}{
				"status":  "unhealthy",
				"message": fmt.Sprintf("Failed to query tracker: %v", err),
			},
			Healthy: false,
		}
	}

	return componentHealth{
		Status: "healthy",
		Details: map[string]interface{}{
			"status":             "healthy",
			"recent_deployments": len(deployments),
		},
		Healthy: true,
	}
}

// runtimeMetrics returns current process metrics
func (s *APIServer) runtimeMetrics() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc_mb": m.Alloc / 1024 / 1024,
			"sys_mb":   m.Sys / 1024 / 1024,
			"gc_count": m.NumGC,
		},
	}
}

// sendHealthResponse sends the health check response
func (s *APIServer) sendHealthResponse(w http.ResponseWriter, healthy bool, components, system map[string]interface{}) {
	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	response := map[string]interface{}{
		"status":     status,
		"time":       time.Now().Format(time.RFC3339),
		"components": components,
		"system":     system,
		"version": map[string]interface{}{
			"api": "v1",
		},
	}

	statusCode := http.StatusOK
	if !healthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Errorf("Failed to encode response: %v", err)
	}
}

// Start starts the API server
func (s *APIServer) Start() error {
	s.logger.Infof("Starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Router returns the HTTP router for testing
func (s *APIServer) Router() http.Handler {
	return s.router
}

// Shutdown gracefully shuts down the API server
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.logger.Infof("Shutting down API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
