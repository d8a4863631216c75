package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
	"github.com/ternarybob/excerpo/internal/scheduler"
)

// mockJobQueue implements JobQueue for testing
type mockJobQueue struct {
	enqueueFunc func(ctx context.Context, req scheduler.EnqueueRequest) (*models.Job, bool, error)
	jobFunc     func(ctx context.Context, jobID string) (*models.Job, error)
	listFunc    func(ctx context.Context, opts models.ListJobsOptions) ([]*models.Job, error)
	retryFunc   func(ctx context.Context, jobID string) (*models.Job, error)
	cancelFunc  func(ctx context.Context, jobID string) (*models.Job, error)
}

func (m *mockJobQueue) Enqueue(ctx context.Context, req scheduler.EnqueueRequest) (*models.Job, bool, error) {
	if m.enqueueFunc != nil {
		return m.enqueueFunc(ctx, req)
	}
	return models.NewJob(req.PaperID, req.BatchID, req.ModelRef, req.SchemaRef, 3), true, nil
}

func (m *mockJobQueue) Job(ctx context.Context, jobID string) (*models.Job, error) {
	if m.jobFunc != nil {
		return m.jobFunc(ctx, jobID)
	}
	return nil, interfaces.ErrNotFound
}

func (m *mockJobQueue) ListJobs(ctx context.Context, opts models.ListJobsOptions) ([]*models.Job, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, opts)
	}
	return nil, nil
}

func (m *mockJobQueue) Retry(ctx context.Context, jobID string) (*models.Job, error) {
	if m.retryFunc != nil {
		return m.retryFunc(ctx, jobID)
	}
	return nil, interfaces.ErrNotFound
}

func (m *mockJobQueue) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	if m.cancelFunc != nil {
		return m.cancelFunc(ctx, jobID)
	}
	return nil, interfaces.ErrNotFound
}

func postJSON(t *testing.T, handler http.HandlerFunc, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", url, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	return response
}

func TestCreateJobHandler_Created(t *testing.T) {
	var captured scheduler.EnqueueRequest
	queue := &mockJobQueue{
		enqueueFunc: func(ctx context.Context, req scheduler.EnqueueRequest) (*models.Job, bool, error) {
			captured = req
			return models.NewJob(req.PaperID, req.BatchID, req.ModelRef, req.SchemaRef, 3), true, nil
		},
	}
	handler := NewJobHandler(queue, arbor.NewLogger())

	rec := postJSON(t, handler.CreateJobHandler, "/api/jobs", map[string]string{
		"paper_id": "paper_1",
		"model":    "gemini-2.0-flash",
		"schema":   "paper_core",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "paper_1", captured.PaperID)
	assert.Equal(t, "gemini-2.0-flash", captured.ModelRef)
	assert.Equal(t, "paper_core", captured.SchemaRef)

	response := decodeBody(t, rec)
	assert.Equal(t, true, response["created"])
	job := response["job"].(map[string]interface{})
	assert.Equal(t, "queued", job["state"])
}

func TestCreateJobHandler_Deduped(t *testing.T) {
	existing := models.NewJob("paper_1", "", "", "", 3)
	queue := &mockJobQueue{
		enqueueFunc: func(ctx context.Context, req scheduler.EnqueueRequest) (*models.Job, bool, error) {
			return existing, false, nil
		},
	}
	handler := NewJobHandler(queue, arbor.NewLogger())

	rec := postJSON(t, handler.CreateJobHandler, "/api/jobs", map[string]string{"paper_id": "paper_1"})

	require.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody(t, rec)
	assert.Equal(t, false, response["created"])
	job := response["job"].(map[string]interface{})
	assert.Equal(t, existing.ID, job["id"])
}

func TestCreateJobHandler_MissingPaperID(t *testing.T) {
	handler := NewJobHandler(&mockJobQueue{}, arbor.NewLogger())

	rec := postJSON(t, handler.CreateJobHandler, "/api/jobs", map[string]string{"model": "x"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	response := decodeBody(t, rec)
	assert.Equal(t, "error", response["status"])
}

func TestCreateJobHandler_InvalidJSON(t *testing.T) {
	handler := NewJobHandler(&mockJobQueue{}, arbor.NewLogger())

	req := httptest.NewRequest("POST", "/api/jobs", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	handler.CreateJobHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobHandler(t *testing.T) {
	job := models.NewJob("paper_1", "batch_1", "", "", 3)
	queue := &mockJobQueue{
		jobFunc: func(ctx context.Context, jobID string) (*models.Job, error) {
			require.Equal(t, job.ID, jobID)
			return job, nil
		},
	}
	handler := NewJobHandler(queue, arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	handler.GetJobHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody(t, rec)
	got := response["job"].(map[string]interface{})
	assert.Equal(t, job.ID, got["id"])
	assert.Equal(t, "paper_1", got["paper_id"])
}

func TestGetJobHandler_NotFound(t *testing.T) {
	queue := &mockJobQueue{
		jobFunc: func(ctx context.Context, jobID string) (*models.Job, error) {
			return nil, fmt.Errorf("failed to get job: %w", interfaces.ErrNotFound)
		},
	}
	handler := NewJobHandler(queue, arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/jobs/job_missing", nil)
	rec := httptest.NewRecorder()
	handler.GetJobHandler(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsHandler_Filters(t *testing.T) {
	var captured models.ListJobsOptions
	queue := &mockJobQueue{
		listFunc: func(ctx context.Context, opts models.ListJobsOptions) ([]*models.Job, error) {
			captured = opts
			return []*models.Job{models.NewJob("paper_1", "batch_1", "", "", 3)}, nil
		},
	}
	handler := NewJobHandler(queue, arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/jobs?state=queued&batch_id=batch_1&limit=10&offset=5", nil)
	rec := httptest.NewRecorder()
	handler.ListJobsHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.JobStateQueued, captured.State)
	assert.Equal(t, "batch_1", captured.BatchID)
	assert.Equal(t, 10, captured.Limit)
	assert.Equal(t, 5, captured.Offset)

	response := decodeBody(t, rec)
	assert.Equal(t, float64(1), response["count"])
}

func TestListJobsHandler_UnknownState(t *testing.T) {
	handler := NewJobHandler(&mockJobQueue{}, arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/jobs?state=sideways", nil)
	rec := httptest.NewRecorder()
	handler.ListJobsHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsHandler_LimitCap(t *testing.T) {
	var captured models.ListJobsOptions
	queue := &mockJobQueue{
		listFunc: func(ctx context.Context, opts models.ListJobsOptions) ([]*models.Job, error) {
			captured = opts
			return nil, nil
		},
	}
	handler := NewJobHandler(queue, arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/jobs?limit=9999", nil)
	rec := httptest.NewRecorder()
	handler.ListJobsHandler(rec, req)

	assert.Equal(t, 500, captured.Limit)
}

func TestRetryJobHandler(t *testing.T) {
	parent := models.NewJob("paper_1", "", "", "", 3)
	child := models.NewRetryJob(parent, 1, time.Time{})
	queue := &mockJobQueue{
		retryFunc: func(ctx context.Context, jobID string) (*models.Job, error) {
			require.Equal(t, parent.ID, jobID)
			return child, nil
		},
	}
	handler := NewJobHandler(queue, arbor.NewLogger())

	req := httptest.NewRequest("POST", "/api/jobs/"+parent.ID+"/retry", nil)
	rec := httptest.NewRecorder()
	handler.RetryJobHandler(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	response := decodeBody(t, rec)
	got := response["job"].(map[string]interface{})
	assert.Equal(t, child.ID, got["id"])
	assert.Equal(t, parent.ID, got["parent_job_id"])
}

func TestRetryJobHandler_WrongState(t *testing.T) {
	queue := &mockJobQueue{
		retryFunc: func(ctx context.Context, jobID string) (*models.Job, error) {
			return nil, fmt.Errorf("job is not retryable: %w", interfaces.ErrInvalidState)
		},
	}
	handler := NewJobHandler(queue, arbor.NewLogger())

	req := httptest.NewRequest("POST", "/api/jobs/job_1/retry", nil)
	rec := httptest.NewRecorder()
	handler.RetryJobHandler(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelJobHandler(t *testing.T) {
	job := models.NewJob("paper_1", "", "", "", 3)
	job.State = models.JobStateCancelled
	queue := &mockJobQueue{
		cancelFunc: func(ctx context.Context, jobID string) (*models.Job, error) {
			return job, nil
		},
	}
	handler := NewJobHandler(queue, arbor.NewLogger())

	req := httptest.NewRequest("POST", "/api/jobs/"+job.ID+"/cancel", nil)
	rec := httptest.NewRecorder()
	handler.CancelJobHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody(t, rec)
	got := response["job"].(map[string]interface{})
	assert.Equal(t, "cancelled", got["state"])
}
