package handlers

import (
	"context"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/models"
	"github.com/ternarybob/excerpo/internal/services/maintenance"
)

// QueueStatser reports job counts per state.
type QueueStatser interface {
	QueueStats(ctx context.Context) (map[models.JobState]int, error)
}

// TaskStatuser reports scheduled maintenance task state.
type TaskStatuser interface {
	Statuses() []maintenance.TaskStatus
}

type APIHandler struct {
	queue  QueueStatser
	tasks  TaskStatuser
	logger arbor.ILogger
}

func NewAPIHandler(queue QueueStatser, tasks TaskStatuser, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		queue:  queue,
		tasks:  tasks,
		logger: logger,
	}
}

// VersionHandler returns version information
// GET /api/version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GetGitCommit(),
	})
}

// HealthHandler reports queue depth per state and maintenance task status.
// A storage failure degrades the report to 503.
// GET /api/health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	counts, err := h.queue.QueueStats(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("Health check failed to read queue stats")
		WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}

	response := map[string]interface{}{
		"status": "healthy",
		"queue":  counts,
	}
	if h.tasks != nil {
		response["tasks"] = h.tasks.Statuses()
	}
	WriteJSON(w, http.StatusOK, response)
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
