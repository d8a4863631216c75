package badger

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/models"
)

func TestSaveBatchMetricsSnapshot(t *testing.T) {
	batches := NewBatchStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	batch := models.NewBatch("ml-papers", "neurips-2024", "gemini-2.5-flash")
	if err := batches.SaveBatch(ctx, batch); err != nil {
		t.Fatalf("Save batch failed: %v", err)
	}
	if !batch.Stale {
		t.Fatal("New batches start stale")
	}

	rate := 0.85
	metrics := &models.BatchMetrics{
		TotalJobs: 4,
		Counts:    map[models.JobState]int{models.JobStateStored: 4},
		MatchRate: &rate,
		TokensIn:  4000,
		TokensOut: 900,
		Elapsed:   90 * time.Second,
	}

	updated, err := batches.SaveBatchMetrics(ctx, batch.ID, metrics, nil)
	if err != nil {
		t.Fatalf("Save metrics failed: %v", err)
	}
	if updated.Stale {
		t.Error("Snapshot should clear the stale flag")
	}
	if updated.MetricsComputedAt == nil {
		t.Error("Snapshot should stamp metrics_computed_at")
	}
	if updated.CompletedAt != nil {
		t.Error("Batch is not complete yet")
	}
	if updated.Metrics == nil || updated.Metrics.TotalJobs != 4 {
		t.Errorf("Metrics not persisted: %+v", updated.Metrics)
	}

	// Completion is recorded once and never moves
	first := time.Now().UTC()
	updated, err = batches.SaveBatchMetrics(ctx, batch.ID, metrics, &first)
	if err != nil {
		t.Fatalf("Save metrics failed: %v", err)
	}
	if updated.CompletedAt == nil || !updated.CompletedAt.Equal(first) {
		t.Errorf("Expected completion at %v, got %v", first, updated.CompletedAt)
	}

	later := first.Add(time.Hour)
	updated, err = batches.SaveBatchMetrics(ctx, batch.ID, metrics, &later)
	if err != nil {
		t.Fatalf("Save metrics failed: %v", err)
	}
	if !updated.CompletedAt.Equal(first) {
		t.Errorf("Completion must not move: %v", updated.CompletedAt)
	}
}

func TestListBatchesNewestFirst(t *testing.T) {
	batches := NewBatchStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	var last string
	for i := 0; i < 3; i++ {
		b := models.NewBatch("run", "", "gemini-2.5-flash")
		b.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := batches.SaveBatch(ctx, b); err != nil {
			t.Fatalf("Save batch failed: %v", err)
		}
		last = b.ID
	}

	listed, err := batches.ListBatches(ctx, 2, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("Expected 2 batches, got %d", len(listed))
	}
	if listed[0].ID != last {
		t.Errorf("Expected newest batch first, got %s", listed[0].ID)
	}
}
