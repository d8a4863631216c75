package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
	"github.com/ternarybob/excerpo/internal/scheduler"
)

// handleSubmitPaper implements the submit_paper tool
func handleSubmitPaper(papers interfaces.PaperStorage, queue *scheduler.Scheduler, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title := request.GetString("title", "")
		doi := request.GetString("doi", "")
		arxivID := request.GetString("arxiv_id", "")
		sourceURL := request.GetString("source_url", "")
		pdfURL := request.GetString("pdf_url", "")

		paper := models.NewPaper(title, doi, arxivID, sourceURL, models.PaperSourceAPI)
		paper.PDFURL = pdfURL
		if !paper.HasResolvableSource() {
			return textResult("Error: at least one of doi, arxiv_id, source_url, pdf_url is required"), nil
		}

		// Reuse an existing record when the identifiers already match one
		existing, err := findExisting(ctx, papers, doi, arxivID)
		if err != nil {
			logger.Error().Err(err).Msg("Paper lookup failed")
			return textResult(fmt.Sprintf("Lookup error: %v", err)), nil
		}
		reused := existing != nil
		if reused {
			paper = existing
		} else if err := papers.SavePaper(ctx, paper); err != nil {
			logger.Error().Err(err).Msg("Paper save failed")
			return textResult(fmt.Sprintf("Save error: %v", err)), nil
		}

		job, created, err := queue.Enqueue(ctx, scheduler.EnqueueRequest{
			PaperID:   paper.ID,
			ModelRef:  request.GetString("model", ""),
			SchemaRef: request.GetString("schema", ""),
		})
		if err != nil {
			logger.Error().Err(err).Str("paper_id", paper.ID).Msg("Enqueue failed")
			return textResult(fmt.Sprintf("Enqueue error: %v", err)), nil
		}

		return textResult(formatSubmission(paper, job, reused, created)), nil
	}
}

// handleGetJobStatus implements the get_job_status tool
func handleGetJobStatus(queue *scheduler.Scheduler, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return textResult("Error: job_id parameter is required"), nil
		}

		job, err := queue.Job(ctx, jobID)
		if err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("Job lookup failed")
			return textResult(fmt.Sprintf("Job not found: %v", err)), nil
		}

		return textResult(formatJob(job)), nil
	}
}

// handleListJobs implements the list_jobs tool
func handleListJobs(queue *scheduler.Scheduler, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := request.GetInt("limit", 20)
		if limit > 200 {
			limit = 200
		}

		opts := models.ListJobsOptions{
			BatchID: request.GetString("batch_id", ""),
			PaperID: request.GetString("paper_id", ""),
			Limit:   limit,
		}
		if raw := request.GetString("state", ""); raw != "" {
			state, ok := parseState(raw)
			if !ok {
				return textResult(fmt.Sprintf("Error: unknown state %q", raw)), nil
			}
			opts.State = state
		}

		jobs, err := queue.ListJobs(ctx, opts)
		if err != nil {
			logger.Error().Err(err).Msg("Job list failed")
			return textResult(fmt.Sprintf("List error: %v", err)), nil
		}

		return textResult(formatJobList(jobs, opts)), nil
	}
}

// handleGetBatchMetrics implements the get_batch_metrics tool
func handleGetBatchMetrics(queue *scheduler.Scheduler, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		batchID, err := request.RequireString("batch_id")
		if err != nil || batchID == "" {
			return textResult("Error: batch_id parameter is required"), nil
		}

		batch, err := queue.BatchMetrics(ctx, batchID)
		if err != nil {
			logger.Error().Err(err).Str("batch_id", batchID).Msg("Batch lookup failed")
			return textResult(fmt.Sprintf("Batch not found: %v", err)), nil
		}

		return textResult(formatBatch(batch)), nil
	}
}

// handleRetryJob implements the retry_job tool
func handleRetryJob(queue *scheduler.Scheduler, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return textResult("Error: job_id parameter is required"), nil
		}

		child, err := queue.Retry(ctx, jobID)
		if err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("Retry failed")
			if errors.Is(err, interfaces.ErrInvalidState) {
				return textResult(fmt.Sprintf("Retry rejected: %v (only failed or cancelled jobs can be retried)", err)), nil
			}
			return textResult(fmt.Sprintf("Retry error: %v", err)), nil
		}

		return textResult("Retry queued.\n\n" + formatJob(child)), nil
	}
}

// handleCancelJob implements the cancel_job tool
func handleCancelJob(queue *scheduler.Scheduler, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return textResult("Error: job_id parameter is required"), nil
		}

		job, err := queue.Cancel(ctx, jobID)
		if err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("Cancel failed")
			return textResult(fmt.Sprintf("Cancel error: %v", err)), nil
		}

		return textResult(formatJob(job)), nil
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

// findExisting checks the DOI index then the arXiv index, treating
// not-found as a miss rather than an error.
func findExisting(ctx context.Context, papers interfaces.PaperStorage, doi, arxivID string) (*models.Paper, error) {
	if doi != "" {
		paper, err := papers.FindPaperByDOI(ctx, doi)
		if err == nil {
			return paper, nil
		}
		if !errors.Is(err, interfaces.ErrNotFound) {
			return nil, err
		}
	}
	if arxivID != "" {
		paper, err := papers.FindPaperByArxivID(ctx, arxivID)
		if err == nil {
			return paper, nil
		}
		if !errors.Is(err, interfaces.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func parseState(raw string) (models.JobState, bool) {
	switch models.JobState(raw) {
	case models.JobStateQueued, models.JobStateFetching, models.JobStateProvider,
		models.JobStateValidating, models.JobStateStored, models.JobStateFailed,
		models.JobStateCancelled:
		return models.JobState(raw), true
	default:
		return "", false
	}
}
