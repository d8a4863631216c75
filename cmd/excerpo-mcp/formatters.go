package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/excerpo/internal/models"
)

// formatSubmission formats the submit_paper outcome as markdown
func formatSubmission(paper *models.Paper, job *models.Job, reusedPaper, createdJob bool) string {
	var sb strings.Builder
	sb.WriteString("## Paper Submitted\n\n")

	sb.WriteString(fmt.Sprintf("**Paper ID:** %s", paper.ID))
	if reusedPaper {
		sb.WriteString(" (existing record reused)")
	}
	sb.WriteString("\n")
	if paper.Title != "" {
		sb.WriteString(fmt.Sprintf("**Title:** %s\n", paper.Title))
	}
	if paper.DOI != "" {
		sb.WriteString(fmt.Sprintf("**DOI:** %s\n", paper.DOI))
	}
	if paper.ArxivID != "" {
		sb.WriteString(fmt.Sprintf("**arXiv:** %s\n", paper.ArxivID))
	}

	sb.WriteString(fmt.Sprintf("\n**Job ID:** %s", job.ID))
	if !createdJob {
		sb.WriteString(" (already queued, no new job created)")
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("**State:** %s\n", job.State))
	sb.WriteString(fmt.Sprintf("**Model:** %s\n", job.ModelRef))
	sb.WriteString(fmt.Sprintf("**Schema:** %s\n", job.SchemaRef))

	return sb.String()
}

// formatJob formats a single job as markdown
func formatJob(job *models.Job) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Job %s\n\n", job.ID))
	sb.WriteString(fmt.Sprintf("**State:** %s\n", job.State))
	sb.WriteString(fmt.Sprintf("**Paper:** %s\n", job.PaperID))
	if job.BatchID != "" {
		sb.WriteString(fmt.Sprintf("**Batch:** %s\n", job.BatchID))
	}
	sb.WriteString(fmt.Sprintf("**Attempt:** %d of %d\n", job.Attempt, job.MaxAttempts))
	if job.ParentJobID != "" {
		sb.WriteString(fmt.Sprintf("**Supersedes:** %s\n", job.ParentJobID))
	}
	if job.FailureReason != "" {
		sb.WriteString(fmt.Sprintf("**Failure:** %s\n", job.FailureReason))
	}
	if job.CancelRequested && !job.State.IsTerminal() {
		sb.WriteString("**Cancellation requested**, stops at the next stage boundary\n")
	}
	if !job.NotBefore.IsZero() && job.State == models.JobStateQueued {
		sb.WriteString(fmt.Sprintf("**Claimable after:** %s\n", job.NotBefore.Format(time.RFC3339)))
	}
	sb.WriteString(fmt.Sprintf("**Model:** %s\n", job.ModelRef))
	sb.WriteString(fmt.Sprintf("**Schema:** %s\n", job.SchemaRef))
	if job.TokensIn > 0 || job.TokensOut > 0 {
		sb.WriteString(fmt.Sprintf("**Tokens:** %d in / %d out\n", job.TokensIn, job.TokensOut))
	}
	sb.WriteString(fmt.Sprintf("**Created:** %s\n", job.CreatedAt.Format(time.RFC3339)))
	if job.TerminalAt != nil {
		sb.WriteString(fmt.Sprintf("**Finished:** %s\n", job.TerminalAt.Format(time.RFC3339)))
	}

	return sb.String()
}

// formatJobList formats a job listing as markdown
func formatJobList(jobs []*models.Job, opts models.ListJobsOptions) string {
	var sb strings.Builder

	var filters []string
	if opts.State != "" {
		filters = append(filters, fmt.Sprintf("state=%s", opts.State))
	}
	if opts.BatchID != "" {
		filters = append(filters, fmt.Sprintf("batch=%s", opts.BatchID))
	}
	if opts.PaperID != "" {
		filters = append(filters, fmt.Sprintf("paper=%s", opts.PaperID))
	}
	if len(filters) > 0 {
		sb.WriteString(fmt.Sprintf("## Jobs (%d results, %s)\n\n", len(jobs), strings.Join(filters, ", ")))
	} else {
		sb.WriteString(fmt.Sprintf("## Jobs (%d results)\n\n", len(jobs)))
	}

	if len(jobs) == 0 {
		sb.WriteString("No jobs found.\n")
		return sb.String()
	}

	for i, job := range jobs {
		sb.WriteString(fmt.Sprintf("%d. **%s** %s\n", i+1, job.ID, job.State))
		sb.WriteString(fmt.Sprintf("   Paper: %s, attempt %d of %d\n", job.PaperID, job.Attempt, job.MaxAttempts))
		if job.FailureReason != "" {
			sb.WriteString(fmt.Sprintf("   Failure: %s\n", job.FailureReason))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// formatBatch formats a batch and its metrics as markdown
func formatBatch(batch *models.Batch) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Batch %s\n\n", batch.ID))
	if batch.Label != "" {
		sb.WriteString(fmt.Sprintf("**Label:** %s\n", batch.Label))
	}
	if batch.DatasetRef != "" {
		sb.WriteString(fmt.Sprintf("**Dataset:** %s\n", batch.DatasetRef))
	}
	sb.WriteString(fmt.Sprintf("**Model:** %s\n", batch.ModelRef))
	sb.WriteString(fmt.Sprintf("**Started:** %s\n", batch.StartedAt.Format(time.RFC3339)))
	if batch.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("**Completed:** %s\n", batch.CompletedAt.Format(time.RFC3339)))
	}

	m := batch.Metrics
	if m == nil {
		sb.WriteString("\nNo metrics computed yet.\n")
		return sb.String()
	}

	sb.WriteString(fmt.Sprintf("\n### Metrics\n\n**Jobs:** %d\n", m.TotalJobs))

	states := make([]string, 0, len(m.Counts))
	for state := range m.Counts {
		states = append(states, string(state))
	}
	sort.Strings(states)
	for _, state := range states {
		sb.WriteString(fmt.Sprintf("- %s: %d\n", state, m.Counts[models.JobState(state)]))
	}

	if m.MatchRate != nil {
		sb.WriteString(fmt.Sprintf("**Match rate:** %.1f%% (%d of %d fields)\n", *m.MatchRate*100, m.MatchedFields, m.ComparedFields))
	} else {
		sb.WriteString("**Match rate:** n/a (no ground truth dataset)\n")
	}
	if m.Cost != nil {
		sb.WriteString(fmt.Sprintf("**Cost:** $%.4f (%d tokens in / %d out)\n", *m.Cost, m.TokensIn, m.TokensOut))
	} else {
		sb.WriteString(fmt.Sprintf("**Cost:** n/a (%d tokens in / %d out)\n", m.TokensIn, m.TokensOut))
	}
	sb.WriteString(fmt.Sprintf("**Elapsed:** %s\n", m.Elapsed.Round(time.Second)))

	return sb.String()
}
