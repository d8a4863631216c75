// -----------------------------------------------------------------------
// Batch reports - a run summary assembled as markdown, exportable as PDF
// -----------------------------------------------------------------------

package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/excerpo/internal/models"
)

// MetricsSource yields a batch carrying a fresh metrics snapshot.
type MetricsSource interface {
	BatchMetrics(ctx context.Context, batchID string) (*models.Batch, error)
}

// JobSource yields every attempt row a batch owns, superseded links included.
type JobSource interface {
	JobsByBatch(ctx context.Context, batchID string) ([]*models.Job, error)
}

// PaperSource resolves paper records for report rows.
type PaperSource interface {
	GetPaper(ctx context.Context, id string) (*models.Paper, error)
}

// Service assembles batch run summaries.
type Service struct {
	metrics MetricsSource
	jobs    JobSource
	papers  PaperSource
	logger  arbor.ILogger
}

// NewService creates a report service over the scheduler's metrics view and
// the job and paper stores.
func NewService(metrics MetricsSource, jobs JobSource, papers PaperSource, logger arbor.ILogger) *Service {
	return &Service{
		metrics: metrics,
		jobs:    jobs,
		papers:  papers,
		logger:  logger,
	}
}

// BatchSummaryMarkdown assembles the markdown run summary for a batch.
func (s *Service) BatchSummaryMarkdown(ctx context.Context, batchID string) (string, error) {
	batch, rows, err := s.load(ctx, batchID)
	if err != nil {
		return "", err
	}
	return s.renderMarkdown(ctx, batch, rows), nil
}

// BatchSummaryPDF renders the run summary as a PDF document.
func (s *Service) BatchSummaryPDF(ctx context.Context, batchID string) ([]byte, error) {
	batch, rows, err := s.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	markdown := s.renderMarkdown(ctx, batch, rows)
	return s.ConvertMarkdownToPDF(markdown, "Batch Report - "+reportLabel(batch))
}

func (s *Service) load(ctx context.Context, batchID string) (*models.Batch, []*models.Job, error) {
	batch, err := s.metrics.BatchMetrics(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.jobs.JobsByBatch(ctx, batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	return batch, rows, nil
}

// Metrics rows follow lifecycle order, terminal states first.
var stateOrder = []models.JobState{
	models.JobStateStored,
	models.JobStateFailed,
	models.JobStateCancelled,
	models.JobStateQueued,
	models.JobStateFetching,
	models.JobStateProvider,
	models.JobStateValidating,
}

func (s *Service) renderMarkdown(ctx context.Context, batch *models.Batch, rows []*models.Job) string {
	metrics := batch.Metrics
	if metrics == nil {
		metrics = &models.BatchMetrics{Counts: map[models.JobState]int{}}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Batch Report: %s\n\n", reportLabel(batch)))
	sb.WriteString(fmt.Sprintf("**Batch**: `%s`\n", batch.ID))
	if batch.DatasetRef != "" {
		sb.WriteString(fmt.Sprintf("**Dataset**: %s\n", batch.DatasetRef))
	}
	if batch.ModelRef != "" {
		sb.WriteString(fmt.Sprintf("**Model**: %s\n", batch.ModelRef))
	}
	sb.WriteString(fmt.Sprintf("**Started**: %s\n", batch.StartedAt.UTC().Format(time.RFC3339)))
	if batch.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("**Completed**: %s\n", batch.CompletedAt.UTC().Format(time.RFC3339)))
	} else {
		sb.WriteString("**Completed**: in progress\n")
	}

	sb.WriteString("\n## Metrics\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|------:|\n")
	sb.WriteString(fmt.Sprintf("| Total jobs | %d |\n", metrics.TotalJobs))
	for _, state := range stateOrder {
		if n := metrics.Counts[state]; n > 0 {
			sb.WriteString(fmt.Sprintf("| %s | %d |\n", titleCase(string(state)), n))
		}
	}
	if metrics.MatchRate != nil {
		sb.WriteString(fmt.Sprintf("| Match rate | %.1f%% (%d/%d fields) |\n",
			*metrics.MatchRate*100, metrics.MatchedFields, metrics.ComparedFields))
	} else {
		sb.WriteString("| Match rate | n/a |\n")
	}
	if metrics.Cost != nil {
		sb.WriteString(fmt.Sprintf("| Cost | $%.4f |\n", *metrics.Cost))
	} else {
		sb.WriteString("| Cost | n/a |\n")
	}
	sb.WriteString(fmt.Sprintf("| Tokens in / out | %d / %d |\n", metrics.TokensIn, metrics.TokensOut))
	sb.WriteString(fmt.Sprintf("| Elapsed | %s |\n", metrics.Elapsed.Round(time.Second)))

	current, retried := currentRows(rows)
	if len(current) == 0 {
		sb.WriteString("\nNo jobs enqueued.\n")
		return sb.String()
	}

	sb.WriteString("\n## Jobs\n\n")
	sb.WriteString("| Paper | State | Attempt | Detail |\n")
	sb.WriteString("|-------|-------|:-------:|--------|\n")
	for _, row := range current {
		sb.WriteString(fmt.Sprintf("| %s | %s | %d/%d | %s |\n",
			tableCell(s.paperLabel(ctx, row.PaperID)),
			row.State,
			row.Attempt, row.MaxAttempts,
			tableCell(row.FailureReason)))
	}

	if retried > 0 {
		noun := "attempts"
		if retried == 1 {
			noun = "attempt"
		}
		sb.WriteString(fmt.Sprintf("\nRetries superseded %d earlier %s; token totals include them.\n", retried, noun))
	}
	return sb.String()
}

// currentRows drops attempt rows superseded by a retry and orders the
// survivors by creation time. The second return is the superseded count.
func currentRows(rows []*models.Job) ([]*models.Job, int) {
	superseded := make(map[string]bool)
	for _, row := range rows {
		if row.ParentJobID != "" {
			superseded[row.ParentJobID] = true
		}
	}
	var current []*models.Job
	for _, row := range rows {
		if !superseded[row.ID] {
			current = append(current, row)
		}
	}
	sort.Slice(current, func(i, j int) bool {
		if !current[i].CreatedAt.Equal(current[j].CreatedAt) {
			return current[i].CreatedAt.Before(current[j].CreatedAt)
		}
		return current[i].ID < current[j].ID
	})
	return current, len(rows) - len(current)
}

// paperLabel picks the most readable identifier a paper record offers,
// falling back to the raw paper ID when the record is gone.
func (s *Service) paperLabel(ctx context.Context, paperID string) string {
	paper, err := s.papers.GetPaper(ctx, paperID)
	if err != nil {
		s.logger.Debug().Err(err).Str("paper_id", paperID).Msg("Paper lookup failed for report row")
		return paperID
	}
	switch {
	case paper.Title != "":
		return paper.Title
	case paper.DOI != "":
		return paper.DOI
	case paper.ArxivID != "":
		return "arXiv:" + paper.ArxivID
	case paper.SourceURL != "":
		return paper.SourceURL
	}
	return paperID
}

// tableCell makes a value safe for a markdown table cell: single line,
// pipes escaped, long values truncated.
func tableCell(value string) string {
	value = strings.Join(strings.Fields(value), " ")
	value = strings.ReplaceAll(value, "|", "\\|")
	runes := []rune(value)
	if len(runes) > 60 {
		value = string(runes[:57]) + "..."
	}
	return value
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func reportLabel(batch *models.Batch) string {
	if batch.Label != "" {
		return batch.Label
	}
	return batch.ID
}
