// -----------------------------------------------------------------------
// Paper handler - HTTP surface for registering papers and reading them
// back. Registration dedupes on DOI and arXiv ID and can enqueue an
// extraction job in the same call.
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
	"github.com/ternarybob/excerpo/internal/scheduler"
)

// PaperQueue enqueues extraction jobs for registered papers.
type PaperQueue interface {
	Enqueue(ctx context.Context, req scheduler.EnqueueRequest) (*models.Job, bool, error)
}

// PaperHandler handles paper-related API requests
type PaperHandler struct {
	papers interfaces.PaperStorage
	queue  PaperQueue
	logger arbor.ILogger
}

// NewPaperHandler creates a new paper handler
func NewPaperHandler(papers interfaces.PaperStorage, queue PaperQueue, logger arbor.ILogger) *PaperHandler {
	return &PaperHandler{
		papers: papers,
		queue:  queue,
		logger: logger,
	}
}

type createPaperRequest struct {
	Title     string `json:"title,omitempty"`
	DOI       string `json:"doi,omitempty"`
	ArxivID   string `json:"arxiv_id,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	PDFURL    string `json:"pdf_url,omitempty"`

	// Enqueue submits an extraction job for the paper in the same call.
	Enqueue bool   `json:"enqueue,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
	Model   string `json:"model,omitempty"`
	Schema  string `json:"schema,omitempty"`
}

// CreatePaperHandler registers a paper. An existing paper with the same DOI
// or arXiv ID is reused (200) instead of duplicated (201).
// POST /api/papers
func (h *PaperHandler) CreatePaperHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req createPaperRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	paper := models.NewPaper(req.Title, req.DOI, req.ArxivID, req.SourceURL, models.PaperSourceAPI)
	paper.PDFURL = req.PDFURL
	if !paper.HasResolvableSource() {
		WriteError(w, http.StatusBadRequest, "At least one of doi, arxiv_id, source_url, pdf_url is required")
		return
	}

	existing, err := h.findExisting(r.Context(), req.DOI, req.ArxivID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Paper lookup failed")
		WriteError(w, http.StatusInternalServerError, "Paper lookup failed")
		return
	}

	status := http.StatusCreated
	created := existing == nil
	if created {
		if err := h.papers.SavePaper(r.Context(), paper); err != nil {
			h.logger.Error().Err(err).Msg("Failed to save paper")
			WriteError(w, http.StatusInternalServerError, "Failed to save paper")
			return
		}
		h.logger.Info().Str("paper_id", paper.ID).Msg("Paper registered")
	} else {
		paper = existing
		status = http.StatusOK
	}

	response := map[string]interface{}{
		"paper":   paper,
		"created": created,
	}

	if req.Enqueue {
		job, _, err := h.queue.Enqueue(r.Context(), scheduler.EnqueueRequest{
			PaperID:   paper.ID,
			BatchID:   req.BatchID,
			ModelRef:  req.Model,
			SchemaRef: req.Schema,
		})
		if err != nil {
			h.logger.Warn().Err(err).Str("paper_id", paper.ID).Msg("Failed to enqueue job for paper")
			WriteError(w, statusForError(err), err.Error())
			return
		}
		response["job"] = job
	}

	WriteJSON(w, status, response)
}

// GetPaperHandler returns a single paper by ID
// GET /api/papers/{id}
func (h *PaperHandler) GetPaperHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	paperID := pathID(r, 2)
	if paperID == "" {
		WriteError(w, http.StatusBadRequest, "Paper ID is required")
		return
	}

	paper, err := h.papers.GetPaper(r.Context(), paperID)
	if err != nil {
		WriteError(w, statusForError(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"paper": paper})
}

// ListPapersHandler returns a paginated list of papers
// GET /api/papers?limit=50&offset=0
func (h *PaperHandler) ListPapersHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit, offset := limitOffset(r, 50, 500)
	papers, err := h.papers.ListPapers(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list papers")
		WriteError(w, http.StatusInternalServerError, "Failed to list papers")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"papers": papers,
		"count":  len(papers),
		"limit":  limit,
		"offset": offset,
	})
}

// findExisting checks DOI first, then arXiv ID. A miss on both means the
// paper is new.
func (h *PaperHandler) findExisting(ctx context.Context, doi, arxivID string) (*models.Paper, error) {
	if doi != "" {
		paper, err := h.papers.FindPaperByDOI(ctx, doi)
		if err == nil {
			return paper, nil
		}
		if !errors.Is(err, interfaces.ErrNotFound) {
			return nil, err
		}
	}
	if arxivID != "" {
		paper, err := h.papers.FindPaperByArxivID(ctx, arxivID)
		if err == nil {
			return paper, nil
		}
		if !errors.Is(err, interfaces.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}
