// -----------------------------------------------------------------------
// Batch - a named group of jobs enqueued together for aggregate metrics
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Batch groups jobs enqueued together against one dataset and model.
// Metrics are cached lazily: any member-job state write flips Stale, and the
// next metrics read recomputes the snapshot and clears it.
type Batch struct {
	ID                string        `json:"id" badgerhold:"key"`
	Label             string        `json:"label"`
	DatasetRef        string        `json:"dataset_ref,omitempty"`
	ModelRef          string        `json:"model_ref,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	StartedAt         time.Time     `json:"started_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	Stale             bool          `json:"stale"`
	Metrics           *BatchMetrics `json:"metrics,omitempty"`
	MetricsComputedAt *time.Time    `json:"metrics_computed_at,omitempty"`
}

// NewBatch creates a batch; StartedAt anchors elapsed-time measurement and is
// set at enqueue time since member jobs become claimable immediately.
func NewBatch(label, datasetRef, modelRef string) *Batch {
	now := time.Now().UTC()
	return &Batch{
		ID:         "batch_" + uuid.New().String(),
		Label:      label,
		DatasetRef: datasetRef,
		ModelRef:   modelRef,
		CreatedAt:  now,
		StartedAt:  now,
		Stale:      true,
	}
}

// BatchMetrics is the aggregated snapshot over a batch's current
// (non-superseded) jobs. MatchRate and Cost are nil when they cannot be
// stated honestly: a batch with zero stored jobs has no match denominator,
// and a model without a known price has no cost. Both serialize as the
// explicit marker "n/a" rather than a misleading zero.
type BatchMetrics struct {
	TotalJobs      int              `json:"total_jobs"`
	Counts         map[JobState]int `json:"counts"`
	MatchRate      *float64         `json:"match_rate"`
	MatchedFields  int              `json:"matched_fields"`
	ComparedFields int              `json:"compared_fields"`
	Cost           *float64         `json:"cost"`
	TokensIn       int64            `json:"tokens_in"`
	TokensOut      int64            `json:"tokens_out"`
	Elapsed        time.Duration    `json:"elapsed"`
}

// batchMetricsJSON is the wire form with n/a markers.
type batchMetricsJSON struct {
	TotalJobs      int              `json:"total_jobs"`
	Counts         map[JobState]int `json:"counts"`
	MatchRate      interface{}      `json:"match_rate"`
	MatchedFields  int              `json:"matched_fields"`
	ComparedFields int              `json:"compared_fields"`
	Cost           interface{}      `json:"cost"`
	TokensIn       int64            `json:"tokens_in"`
	TokensOut      int64            `json:"tokens_out"`
	ElapsedSeconds float64          `json:"elapsed_seconds"`
}

// MarshalJSON emits "n/a" for unknowable match rate and cost.
func (m BatchMetrics) MarshalJSON() ([]byte, error) {
	out := batchMetricsJSON{
		TotalJobs:      m.TotalJobs,
		Counts:         m.Counts,
		MatchRate:      "n/a",
		MatchedFields:  m.MatchedFields,
		ComparedFields: m.ComparedFields,
		Cost:           "n/a",
		TokensIn:       m.TokensIn,
		TokensOut:      m.TokensOut,
		ElapsedSeconds: m.Elapsed.Seconds(),
	}
	if m.MatchRate != nil {
		out.MatchRate = *m.MatchRate
	}
	if m.Cost != nil {
		out.Cost = *m.Cost
	}
	return json.Marshal(out)
}
