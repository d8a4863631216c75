// -----------------------------------------------------------------------
// Batch aggregator - lazily recomputed metric snapshots over a batch's
// current (non-superseded) jobs.
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// BatchAggregator serves batch metrics from the cached snapshot while it is
// current and recomputes it when a job-state write has marked the batch
// stale. Recomputes are idempotent; a racing write at worst costs one extra
// recompute.
type BatchAggregator struct {
	batches     interfaces.BatchStorage
	jobs        interfaces.JobStorage
	extractions interfaces.ExtractionStorage
	truth       interfaces.GroundTruthProvider
	prices      interfaces.PriceTable
	events      interfaces.EventService
	logger      arbor.ILogger
}

// NewBatchAggregator wires the aggregator. truth and prices may be nil, in
// which case match rate and cost stay unknown ("n/a" on the wire).
func NewBatchAggregator(batches interfaces.BatchStorage, jobs interfaces.JobStorage, extractions interfaces.ExtractionStorage, truth interfaces.GroundTruthProvider, prices interfaces.PriceTable, events interfaces.EventService, logger arbor.ILogger) *BatchAggregator {
	return &BatchAggregator{
		batches:     batches,
		jobs:        jobs,
		extractions: extractions,
		truth:       truth,
		prices:      prices,
		events:      events,
		logger:      logger,
	}
}

// Metrics returns the batch with a current metrics snapshot.
func (a *BatchAggregator) Metrics(ctx context.Context, batchID string) (*models.Batch, error) {
	batch, err := a.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.Stale && batch.Metrics != nil {
		return batch, nil
	}
	return a.recompute(ctx, batch)
}

func (a *BatchAggregator) recompute(ctx context.Context, batch *models.Batch) (*models.Batch, error) {
	rows, err := a.jobs.JobsByBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	// Rows superseded by a retry don't count toward totals; the newest link
	// in each attempt chain represents its paper. Token sums and the last
	// terminal timestamp still cover every attempt.
	superseded := make(map[string]bool)
	for _, row := range rows {
		if row.ParentJobID != "" {
			superseded[row.ParentJobID] = true
		}
	}

	metrics := &models.BatchMetrics{Counts: make(map[models.JobState]int)}
	var current []*models.Job
	allTerminal := true
	var lastTerminal time.Time
	for _, row := range rows {
		metrics.TokensIn += row.TokensIn
		metrics.TokensOut += row.TokensOut
		if row.TerminalAt != nil && row.TerminalAt.After(lastTerminal) {
			lastTerminal = *row.TerminalAt
		}
		if superseded[row.ID] {
			continue
		}
		current = append(current, row)
		metrics.Counts[row.State]++
		if !row.State.IsTerminal() {
			allTerminal = false
		}
	}
	metrics.TotalJobs = len(current)

	a.compareAgainstTruth(ctx, batch, current, metrics)

	// Cost is only stated when the model's pricing is known.
	if a.prices != nil {
		if inPer, outPer, ok := a.prices.Price(batch.ModelRef); ok {
			cost := float64(metrics.TokensIn)/1e6*inPer + float64(metrics.TokensOut)/1e6*outPer
			metrics.Cost = &cost
		}
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	if len(current) > 0 && allTerminal {
		completed := lastTerminal
		if completed.IsZero() {
			completed = now
		}
		completedAt = &completed
		metrics.Elapsed = completed.Sub(batch.StartedAt)
	} else {
		metrics.Elapsed = now.Sub(batch.StartedAt)
	}

	wasComplete := batch.CompletedAt != nil
	updated, err := a.batches.SaveBatchMetrics(ctx, batch.ID, metrics, completedAt)
	if err != nil {
		return nil, err
	}

	if !wasComplete && updated.CompletedAt != nil {
		publishBatchStatus(a.events, updated.ID, "completed")
		a.logger.Info().
			Str("batch_id", updated.ID).
			Int("total_jobs", metrics.TotalJobs).
			Msg("Batch completed")
	}
	return updated, nil
}

// compareAgainstTruth accumulates matched/compared field counts for stored
// jobs against the batch's ground-truth dataset. Match rate stays unknown
// when there is nothing comparable: no stored jobs, no dataset, or no
// provider.
func (a *BatchAggregator) compareAgainstTruth(ctx context.Context, batch *models.Batch, current []*models.Job, metrics *models.BatchMetrics) {
	if a.truth == nil || batch.DatasetRef == "" {
		return
	}

	for _, row := range current {
		if row.State != models.JobStateStored {
			continue
		}
		extraction, err := a.extractions.GetExtractionByJobID(ctx, row.ID)
		if err != nil {
			a.logger.Warn().
				Err(err).
				Str("job_id", row.ID).
				Msg("Stored job has no extraction to compare")
			continue
		}
		matched, compared, ok, err := a.truth.Compare(ctx, batch.DatasetRef, row.PaperID, extraction.Fields)
		if err != nil {
			a.logger.Warn().
				Err(err).
				Str("job_id", row.ID).
				Str("dataset", batch.DatasetRef).
				Msg("Ground truth comparison failed")
			continue
		}
		if !ok {
			continue
		}
		metrics.MatchedFields += matched
		metrics.ComparedFields += compared
	}

	if metrics.ComparedFields > 0 {
		rate := float64(metrics.MatchedFields) / float64(metrics.ComparedFields)
		metrics.MatchRate = &rate
	}
}
