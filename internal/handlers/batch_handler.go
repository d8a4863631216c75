// -----------------------------------------------------------------------
// Batch handler - HTTP surface for batch submission, lazily-refreshed
// batch metrics, cancellation, and the PDF summary report.
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/models"
	"github.com/ternarybob/excerpo/internal/scheduler"
)

// BatchQueue is the slice of the scheduler the batch endpoints need.
type BatchQueue interface {
	EnqueueBatch(ctx context.Context, req scheduler.BatchRequest) (*models.Batch, []*models.Job, error)
	BatchMetrics(ctx context.Context, batchID string) (*models.Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]*models.Batch, error)
	CancelBatch(ctx context.Context, batchID string) (int, error)
}

// ReportSource renders a batch summary as PDF bytes.
type ReportSource interface {
	BatchSummaryPDF(ctx context.Context, batchID string) ([]byte, error)
}

// BatchHandler handles batch-related API requests
type BatchHandler struct {
	queue   BatchQueue
	reports ReportSource
	logger  arbor.ILogger
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(queue BatchQueue, reports ReportSource, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{
		queue:   queue,
		reports: reports,
		logger:  logger,
	}
}

type createBatchRequest struct {
	Label    string   `json:"label"`
	Dataset  string   `json:"dataset,omitempty"`
	Model    string   `json:"model,omitempty"`
	Schema   string   `json:"schema,omitempty"`
	PaperIDs []string `json:"paper_ids"`
}

// CreateBatchHandler submits a batch of papers as one extraction run.
// POST /api/batches
func (h *BatchHandler) CreateBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.PaperIDs) == 0 {
		WriteError(w, http.StatusBadRequest, "paper_ids is required")
		return
	}

	batch, jobs, err := h.queue.EnqueueBatch(r.Context(), scheduler.BatchRequest{
		Label:      req.Label,
		DatasetRef: req.Dataset,
		ModelRef:   req.Model,
		SchemaRef:  req.Schema,
		PaperIDs:   req.PaperIDs,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("label", req.Label).Msg("Failed to enqueue batch")
		WriteError(w, statusForError(err), err.Error())
		return
	}

	h.logger.Info().
		Str("batch_id", batch.ID).
		Int("jobs", len(jobs)).
		Msg("Batch submitted")

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"batch": batch,
		"jobs":  jobs,
	})
}

// GetBatchHandler returns a batch with its aggregate metrics. Metrics are
// recomputed on read when any member job finished since the last read.
// GET /api/batches/{id}
func (h *BatchHandler) GetBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	batchID := pathID(r, 2)
	if batchID == "" {
		WriteError(w, http.StatusBadRequest, "Batch ID is required")
		return
	}

	batch, err := h.queue.BatchMetrics(r.Context(), batchID)
	if err != nil {
		WriteError(w, statusForError(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"batch": batch})
}

// ListBatchesHandler returns a paginated list of batches
// GET /api/batches?limit=50&offset=0
func (h *BatchHandler) ListBatchesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit, offset := limitOffset(r, 50, 500)
	batches, err := h.queue.ListBatches(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list batches")
		WriteError(w, http.StatusInternalServerError, "Failed to list batches")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
		"limit":   limit,
		"offset":  offset,
	})
}

// CancelBatchHandler requests cancellation of every non-terminal job in the
// batch and reports how many were still cancellable.
// POST /api/batches/{id}/cancel
func (h *BatchHandler) CancelBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	batchID := pathID(r, 2)
	if batchID == "" {
		WriteError(w, http.StatusBadRequest, "Batch ID is required")
		return
	}

	cancelled, err := h.queue.CancelBatch(r.Context(), batchID)
	if err != nil {
		h.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to cancel batch")
		WriteError(w, statusForError(err), err.Error())
		return
	}

	h.logger.Info().
		Str("batch_id", batchID).
		Int("cancelled", cancelled).
		Msg("Batch cancellation requested")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id":  batchID,
		"cancelled": cancelled,
	})
}

// BatchReportHandler renders the batch summary report as a PDF download.
// GET /api/batches/{id}/report
func (h *BatchHandler) BatchReportHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	batchID := pathID(r, 2)
	if batchID == "" {
		WriteError(w, http.StatusBadRequest, "Batch ID is required")
		return
	}

	pdf, err := h.reports.BatchSummaryPDF(r.Context(), batchID)
	if err != nil {
		h.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to render batch report")
		WriteError(w, statusForError(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"batch_%s.pdf\"", batchID))
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}
