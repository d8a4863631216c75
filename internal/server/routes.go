package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket status stream
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs (extraction queue)
	mux.HandleFunc("/api/jobs", s.handleJobsCollection)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // /{id}, /{id}/retry, /{id}/cancel

	// API routes - Batches
	mux.HandleFunc("/api/batches", s.handleBatchesCollection)
	mux.HandleFunc("/api/batches/", s.handleBatchRoutes) // /{id}, /{id}/cancel, /{id}/report

	// API routes - Papers
	mux.HandleFunc("/api/papers", s.handlePapersCollection)
	mux.HandleFunc("/api/papers/", s.handlePaperRoutes) // /{id}

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler) // Graceful shutdown endpoint (dev mode)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsCollection routes /api/jobs (list and create)
func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.JobHandler.ListJobsHandler, s.app.JobHandler.CreateJobHandler)
}

// handleJobRoutes routes /api/jobs/{id} and its subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" {
		// POST /api/jobs/{id}/retry
		if strings.HasSuffix(path, "/retry") {
			s.app.JobHandler.RetryJobHandler(w, r)
			return
		}
		// POST /api/jobs/{id}/cancel
		if strings.HasSuffix(path, "/cancel") {
			s.app.JobHandler.CancelJobHandler(w, r)
			return
		}
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	// GET /api/jobs/{id}
	if r.Method == "GET" {
		s.app.JobHandler.GetJobHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleBatchesCollection routes /api/batches (list and create)
func (s *Server) handleBatchesCollection(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.BatchHandler.ListBatchesHandler, s.app.BatchHandler.CreateBatchHandler)
}

// handleBatchRoutes routes /api/batches/{id} and its subpaths
func (s *Server) handleBatchRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" {
		// POST /api/batches/{id}/cancel
		if strings.HasSuffix(path, "/cancel") {
			s.app.BatchHandler.CancelBatchHandler(w, r)
			return
		}
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if r.Method == "GET" {
		// GET /api/batches/{id}/report
		if strings.HasSuffix(path, "/report") {
			s.app.BatchHandler.BatchReportHandler(w, r)
			return
		}
		// GET /api/batches/{id}
		s.app.BatchHandler.GetBatchHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handlePapersCollection routes /api/papers (list and create)
func (s *Server) handlePapersCollection(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.PaperHandler.ListPapersHandler, s.app.PaperHandler.CreatePaperHandler)
}

// handlePaperRoutes routes /api/papers/{id}
func (s *Server) handlePaperRoutes(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"GET": s.app.PaperHandler.GetPaperHandler,
	})
}
