package main

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// createSubmitPaperTool returns the submit_paper tool definition
func createSubmitPaperTool() mcp.Tool {
	return mcp.NewTool("submit_paper",
		mcp.WithDescription("Register a paper and queue an extraction job for it. Papers are deduplicated by DOI and arXiv ID."),
		mcp.WithString("title",
			mcp.Description("Paper title (optional, improves report readability)"),
		),
		mcp.WithString("doi",
			mcp.Description("DOI, e.g. 10.1000/xyz123"),
		),
		mcp.WithString("arxiv_id",
			mcp.Description("arXiv identifier, e.g. 2401.12345"),
		),
		mcp.WithString("source_url",
			mcp.Description("Landing page URL to resolve the paper from"),
		),
		mcp.WithString("pdf_url",
			mcp.Description("Direct PDF URL, skips source resolution"),
		),
		mcp.WithString("model",
			mcp.Description("Model reference (default: configured provider default)"),
		),
		mcp.WithString("schema",
			mcp.Description("Extraction schema name (default: configured default)"),
		),
	)
}

// createGetJobStatusTool returns the get_job_status tool definition
func createGetJobStatusTool() mcp.Tool {
	return mcp.NewTool("get_job_status",
		mcp.WithDescription("Retrieve a single extraction job with its state, attempt count, and failure reason"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID (format: job_{uuid})"),
		),
	)
}

// createListJobsTool returns the list_jobs tool definition
func createListJobsTool() mcp.Tool {
	return mcp.NewTool("list_jobs",
		mcp.WithDescription("List extraction jobs, newest first, optionally filtered by state, batch, or paper"),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results to return (default: 20, max: 200)"),
		),
		mcp.WithString("state",
			mcp.Description("Filter: queued, fetching, provider, validating, stored, failed, cancelled"),
		),
		mcp.WithString("batch_id",
			mcp.Description("Filter by batch ID"),
		),
		mcp.WithString("paper_id",
			mcp.Description("Filter by paper ID"),
		),
	)
}

// createGetBatchMetricsTool returns the get_batch_metrics tool definition
func createGetBatchMetricsTool() mcp.Tool {
	return mcp.NewTool("get_batch_metrics",
		mcp.WithDescription("Retrieve a batch with its aggregate metrics (job counts, match rate, token cost)"),
		mcp.WithString("batch_id",
			mcp.Required(),
			mcp.Description("Batch ID (format: batch_{uuid})"),
		),
	)
}

// createRetryJobTool returns the retry_job tool definition
func createRetryJobTool() mcp.Tool {
	return mcp.NewTool("retry_job",
		mcp.WithDescription("Queue a fresh attempt for a failed or cancelled job. The new job supersedes the old one."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("ID of the terminal job to retry"),
		),
	)
}

// createCancelJobTool returns the cancel_job tool definition
func createCancelJobTool() mcp.Tool {
	return mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a job. Queued jobs cancel immediately; running jobs stop at the next pipeline stage boundary."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("ID of the job to cancel"),
		),
	)
}
