// -----------------------------------------------------------------------
// Job handler - HTTP surface for enqueueing extraction jobs and driving
// their lifecycle (get, list, retry, cancel).
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/models"
	"github.com/ternarybob/excerpo/internal/scheduler"
)

// JobQueue is the slice of the scheduler the job endpoints need.
type JobQueue interface {
	Enqueue(ctx context.Context, req scheduler.EnqueueRequest) (*models.Job, bool, error)
	Job(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts models.ListJobsOptions) ([]*models.Job, error)
	Retry(ctx context.Context, jobID string) (*models.Job, error)
	Cancel(ctx context.Context, jobID string) (*models.Job, error)
}

// JobHandler handles job-related API requests
type JobHandler struct {
	queue  JobQueue
	logger arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(queue JobQueue, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		queue:  queue,
		logger: logger,
	}
}

type createJobRequest struct {
	PaperID string `json:"paper_id"`
	BatchID string `json:"batch_id,omitempty"`
	Model   string `json:"model,omitempty"`
	Schema  string `json:"schema,omitempty"`
}

// CreateJobHandler enqueues an extraction job for a paper. Returns 201 with
// the new job, or 200 with the existing one when an active job for the same
// paper and schema already exists.
// POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.PaperID == "" {
		WriteError(w, http.StatusBadRequest, "paper_id is required")
		return
	}

	job, created, err := h.queue.Enqueue(r.Context(), scheduler.EnqueueRequest{
		PaperID:   req.PaperID,
		BatchID:   req.BatchID,
		ModelRef:  req.Model,
		SchemaRef: req.Schema,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("paper_id", req.PaperID).Msg("Failed to enqueue job")
		WriteError(w, statusForError(err), err.Error())
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	WriteJSON(w, status, map[string]interface{}{
		"job":     job,
		"created": created,
	})
}

// GetJobHandler returns a single job by ID
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID := pathID(r, 2)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.queue.Job(r.Context(), jobID)
	if err != nil {
		WriteError(w, statusForError(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

// ListJobsHandler returns a filtered, paginated list of jobs
// GET /api/jobs?state=queued&paper_id=...&batch_id=...&limit=50&offset=0
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit, offset := limitOffset(r, 50, 500)
	opts := models.ListJobsOptions{
		PaperID: r.URL.Query().Get("paper_id"),
		BatchID: r.URL.Query().Get("batch_id"),
		Limit:   limit,
		Offset:  offset,
	}

	if raw := r.URL.Query().Get("state"); raw != "" {
		state, ok := parseJobState(raw)
		if !ok {
			WriteError(w, http.StatusBadRequest, "Unknown state: "+raw)
			return
		}
		opts.State = state
	}

	jobs, err := h.queue.ListJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"count":  len(jobs),
		"limit":  limit,
		"offset": offset,
	})
}

// RetryJobHandler clones a failed or cancelled job into a fresh queued run.
// The clone starts with attempt 1 so the retry budget resets.
// POST /api/jobs/{id}/retry
func (h *JobHandler) RetryJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := pathID(r, 2)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.queue.Retry(r.Context(), jobID)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to retry job")
		WriteError(w, statusForError(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"job": job})
}

// CancelJobHandler requests cancellation. Queued jobs cancel immediately;
// running jobs get the cancel flag and finish at the next checkpoint. The
// returned job shows where the request landed.
// POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := pathID(r, 2)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.queue.Cancel(r.Context(), jobID)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to cancel job")
		WriteError(w, statusForError(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

// pathID extracts the path segment at index from a trimmed URL path.
// For /api/jobs/{id}/retry, index 2 yields the job ID.
func pathID(r *http.Request, index int) string {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) <= index {
		return ""
	}
	return pathParts[index]
}

func parseJobState(raw string) (models.JobState, bool) {
	state := models.JobState(raw)
	switch state {
	case models.JobStateQueued, models.JobStateFetching, models.JobStateProvider,
		models.JobStateValidating, models.JobStateStored, models.JobStateFailed,
		models.JobStateCancelled:
		return state, true
	}
	return "", false
}
