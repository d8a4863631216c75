package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/models"
	"github.com/ternarybob/excerpo/internal/services/maintenance"
)

type mockQueueStats struct {
	counts map[models.JobState]int
	err    error
}

func (m *mockQueueStats) QueueStats(ctx context.Context) (map[models.JobState]int, error) {
	return m.counts, m.err
}

type mockTaskStatuses struct {
	statuses []maintenance.TaskStatus
}

func (m *mockTaskStatuses) Statuses() []maintenance.TaskStatus {
	return m.statuses
}

func TestHealthHandler(t *testing.T) {
	queue := &mockQueueStats{counts: map[models.JobState]int{
		models.JobStateQueued: 2,
		models.JobStateStored: 5,
	}}
	tasks := &mockTaskStatuses{statuses: []maintenance.TaskStatus{
		{Name: "value-log-gc", Schedule: "*/10 * * * *"},
	}}
	handler := NewAPIHandler(queue, tasks, arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.HealthHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody(t, rec)
	assert.Equal(t, "healthy", response["status"])

	counts := response["queue"].(map[string]interface{})
	assert.Equal(t, float64(2), counts["queued"])
	assert.Equal(t, float64(5), counts["stored"])

	statuses := response["tasks"].([]interface{})
	require.Len(t, statuses, 1)
	task := statuses[0].(map[string]interface{})
	assert.Equal(t, "value-log-gc", task["name"])
}

func TestHealthHandler_Degraded(t *testing.T) {
	queue := &mockQueueStats{err: fmt.Errorf("badger: closed")}
	handler := NewAPIHandler(queue, nil, arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.HealthHandler(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	response := decodeBody(t, rec)
	assert.Equal(t, "degraded", response["status"])
}

func TestVersionHandler(t *testing.T) {
	handler := NewAPIHandler(&mockQueueStats{}, nil, arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/version", nil)
	rec := httptest.NewRecorder()
	handler.VersionHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody(t, rec)
	assert.NotEmpty(t, response["version"])
}

func TestNotFoundHandler(t *testing.T) {
	handler := NewAPIHandler(&mockQueueStats{}, nil, arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/nonexistent", nil)
	rec := httptest.NewRecorder()
	handler.NotFoundHandler(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	response := decodeBody(t, rec)
	assert.Equal(t, "/api/nonexistent", response["path"])
}
