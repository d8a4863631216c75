package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{store: store, logger: arbor.NewLogger()}
}

func newTestJobStorage(t *testing.T) interfaces.JobStorage {
	t.Helper()
	return NewJobStorage(newTestDB(t), arbor.NewLogger())
}

func enqueueTestJob(t *testing.T, storage interfaces.JobStorage, paperID, batchID string) *models.Job {
	t.Helper()
	job, created, err := storage.EnqueueJob(context.Background(), models.NewJob(paperID, batchID, "gemini-2.5-flash", "paper_core", 3))
	if err != nil {
		t.Fatalf("Failed to enqueue job: %v", err)
	}
	if !created {
		t.Fatalf("Expected a new job for paper %s, got deduplicated %s", paperID, job.ID)
	}
	return job
}

func TestEnqueueDeduplicatesNonTerminal(t *testing.T) {
	storage := newTestJobStorage(t)
	ctx := context.Background()

	// 1. First enqueue creates the job
	first := enqueueTestJob(t, storage, "paper_a", "batch_1")

	// 2. Same paper/batch while non-terminal returns the existing job
	dupe, created, err := storage.EnqueueJob(ctx, models.NewJob("paper_a", "batch_1", "gemini-2.5-flash", "paper_core", 3))
	if err != nil {
		t.Fatalf("Dedupe enqueue failed: %v", err)
	}
	if created {
		t.Error("Expected dedupe, got a new job")
	}
	if dupe.ID != first.ID {
		t.Errorf("Expected existing job %s, got %s", first.ID, dupe.ID)
	}

	// 3. Different batch is a different pair, new job allowed
	enqueueTestJob(t, storage, "paper_a", "batch_2")

	// 4. Once terminal, the pair can be enqueued again
	claimed, err := storage.ClaimNextJob(ctx, "w0:tok", time.Minute, 10)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("Expected to claim %s, got %+v", first.ID, claimed)
	}
	if _, _, err := storage.ReleaseJob(ctx, claimed.ID, "w0:tok", models.JobRelease{State: models.JobStateFailed, FailureReason: "permanent failure"}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	again, created, err := storage.EnqueueJob(ctx, models.NewJob("paper_a", "batch_1", "gemini-2.5-flash", "paper_core", 3))
	if err != nil {
		t.Fatalf("Re-enqueue failed: %v", err)
	}
	if !created {
		t.Errorf("Expected a fresh job after terminal state, got dedupe to %s", again.ID)
	}
}

func TestClaimOldestFirst(t *testing.T) {
	storage := newTestJobStorage(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	var ids []string
	for i := 0; i < 3; i++ {
		job := models.NewJob(fmt.Sprintf("paper_%d", i), "", "gemini-2.5-flash", "paper_core", 3)
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if _, _, err := storage.EnqueueJob(ctx, job); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, job.ID)
	}

	for i, want := range ids {
		claimed, err := storage.ClaimNextJob(ctx, fmt.Sprintf("w%d:tok", i), time.Minute, 10)
		if err != nil {
			t.Fatalf("Claim %d failed: %v", i, err)
		}
		if claimed == nil {
			t.Fatalf("Claim %d returned nothing", i)
		}
		if claimed.ID != want {
			t.Errorf("Claim %d: expected oldest job %s, got %s", i, want, claimed.ID)
		}
		if claimed.State != models.JobStateFetching {
			t.Errorf("Claimed job should be fetching, got %s", claimed.State)
		}
		if claimed.OwnerToken == "" || claimed.LeaseExpiresAt.IsZero() {
			t.Error("Claimed job is missing lease fields")
		}
	}

	// Queue drained
	extra, err := storage.ClaimNextJob(ctx, "w9:tok", time.Minute, 10)
	if err != nil {
		t.Fatalf("Claim on empty queue failed: %v", err)
	}
	if extra != nil {
		t.Errorf("Expected no claim on empty queue, got %s", extra.ID)
	}
}

func TestClaimRespectsConcurrencyCeiling(t *testing.T) {
	storage := newTestJobStorage(t)
	ctx := context.Background()

	enqueueTestJob(t, storage, "paper_a", "")
	enqueueTestJob(t, storage, "paper_b", "")

	first, err := storage.ClaimNextJob(ctx, "w0:tok", time.Minute, 1)
	if err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	if first == nil {
		t.Fatal("First claim returned nothing")
	}

	second, err := storage.ClaimNextJob(ctx, "w1:tok", time.Minute, 1)
	if err != nil {
		t.Fatalf("Second claim failed: %v", err)
	}
	if second != nil {
		t.Errorf("Expected no claim at the ceiling, got %s", second.ID)
	}

	// Releasing the lease frees a slot
	if _, _, err := storage.ReleaseJob(ctx, first.ID, "w0:tok", models.JobRelease{State: models.JobStateStored}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	third, err := storage.ClaimNextJob(ctx, "w1:tok", time.Minute, 1)
	if err != nil {
		t.Fatalf("Third claim failed: %v", err)
	}
	if third == nil {
		t.Error("Expected a claim after the slot freed up")
	}

	// Zero ceiling never claims
	none, err := storage.ClaimNextJob(ctx, "w2:tok", time.Minute, 0)
	if err != nil {
		t.Fatalf("Zero-ceiling claim failed: %v", err)
	}
	if none != nil {
		t.Errorf("Expected no claim with zero ceiling, got %s", none.ID)
	}
}

func TestClaimSkipsDelayedJobs(t *testing.T) {
	storage := newTestJobStorage(t)
	ctx := context.Background()

	delayed := models.NewJob("paper_a", "", "gemini-2.5-flash", "paper_core", 3)
	delayed.NotBefore = time.Now().UTC().Add(time.Hour)
	if _, _, err := storage.EnqueueJob(ctx, delayed); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	claimed, err := storage.ClaimNextJob(ctx, "w0:tok", time.Minute, 10)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed != nil {
		t.Errorf("Expected delayed job to be skipped, claimed %s", claimed.ID)
	}

	ready := enqueueTestJob(t, storage, "paper_b", "")
	claimed, err = storage.ClaimNextJob(ctx, "w0:tok", time.Minute, 10)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed == nil || claimed.ID != ready.ID {
		t.Errorf("Expected ready job %s, got %+v", ready.ID, claimed)
	}
}

func TestClaimSingleWinnerUnderContention(t *testing.T) {
	storage := newTestJobStorage(t)
	ctx := context.Background()

	enqueueTestJob(t, storage, "paper_a", "")

	const claimers = 8
	results := make(chan *models.Job, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job, err := storage.ClaimNextJob(ctx, fmt.Sprintf("w%d:tok", n), time.Minute, claimers)
			if err != nil {
				t.Errorf("Claim %d failed: %v", n, err)
				return
			}
			results <- job
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for job := range results {
		if job != nil {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly one claim winner, got %d", winners)
	}
}

func TestRenewLease(t *testing.T) {
	storage := newTestJobStorage(t)
	ctx := context.Background()

	enqueueTestJob(t, storage, "paper_a", "")
	claimed, err := storage.ClaimNextJob(ctx, "w0:tok", time.Minute, 10)
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v %+v", err, claimed)
	}

	cancelRequested, err := storage.RenewLease(ctx, claimed.ID, "w0:tok", 2*time.Minute)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if cancelRequested {
		t.Error("No cancellation was requested yet")
	}

	renewed, err := storage.GetJob(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !renewed.LeaseExpiresAt.After(claimed.LeaseExpiresAt) {
		t.Error("Renewal did not extend the lease")
	}

	// Stale owner cannot renew
	if _, err := storage.RenewLease(ctx, claimed.ID, "w1:other", time.Minute); !errors.Is(err, interfaces.ErrLeaseConflict) {
		t.Errorf("Expected lease conflict for stale owner, got %v", err)
	}

	// Cancellation surfaces on the next heartbeat
	if _, _, err := storage.RequestCancel(ctx, claimed.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	cancelRequested, err = storage.RenewLease(ctx, claimed.ID, "w0:tok", time.Minute)
	if err != nil {
		t.Fatalf("Renew after cancel failed: %v", err)
	}
	if !cancelRequested {
		t.Error("Heartbeat should report the pending cancellation")
	}
}

func TestAdvanceJobState(t *testing.T) {
	storage := newTestJobStorage(t)
	ctx := context.Background()

	enqueueTestJob(t, storage, "paper_a", "")
	claimed, err := storage.ClaimNextJob(ctx, "w0:tok", time.Minute, 10)
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v %+v", err, claimed)
	}

	// Skipping a stage is rejected
	if _, err := storage.AdvanceJobState(ctx, claimed.ID, "w0:tok", models.JobStateValidating); !errors.Is(err, interfaces.ErrInvalidState) {
		t.Errorf("Expected invalid state skipping to validating, got %v", err)
	}

	job, err := storage.AdvanceJobState(ctx, claimed.ID, "w0:tok", models.JobStateProvider)
	if err != nil {
		t.Fatalf("Advance to provider failed: %v", err)
	}
	if job.State != models.JobStateProvider {
		t.Errorf("Expected provider, got %s", job.State)
	}

	// Stale owner cannot advance
	if _, err := storage.AdvanceJobState(ctx, claimed.ID, "w1:other", models.JobStateValidating); !errors.Is(err, interfaces.ErrLeaseConflict) {
		t.Errorf("Expected lease conflict for stale owner, got %v", err)
	}

	if _, err := storage.AdvanceJobState(ctx, claimed.ID, "w0:tok", models.JobStateValidating); err != nil {
		t.Fatalf("Advance to validating failed: %v", err)
	}
}

func TestReleaseStoredWritesExtraction(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	extractions := NewExtractionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	enqueueTestJob(t, storage, "paper_a", "")
	claimed, err := storage.ClaimNextJob(ctx, "w0:tok", time.Minute, 10)
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v %+v", err, claimed)
	}

	extraction := models.NewExtraction(claimed, map[string]interface{}{"title": "Attention Is All You Need"}, 1200, 340)
	released, child, err := storage.ReleaseJob(ctx, claimed.ID, "w0:tok", models.JobRelease{
		State:      models.JobStateStored,
		TokensIn:   1200,
		TokensOut:  340,
		Extraction: extraction,
	})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if child != nil {
		t.Error("Stored release should not create a retry job")
	}
	if released.State != models.JobStateStored {
		t.Errorf("Expected stored, got %s", released.State)
	}
	if released.OwnerToken != "" {
		t.Error("Release should clear the owner token")
	}
	if released.TerminalAt == nil {
		t.Error("Release should stamp terminal_at")
	}
	if released.TokensIn != 1200 || released.TokensOut != 340 {
		t.Errorf("Token usage not recorded: in=%d out=%d", released.TokensIn, released.TokensOut)
	}

	stored, err := extractions.GetExtractionByJobID(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Extraction lookup failed: %v", err)
	}
	if stored.Fields["title"] != "Attention Is All You Need" {
		t.Errorf("Extraction fields did not round-trip: %+v", stored.Fields)
	}

	// Second release carries a token that is now stale: conflict, no-op
	_, _, err = storage.ReleaseJob(ctx, claimed.ID, "w0:tok", models.JobRelease{State: models.JobStateFailed, FailureReason: "late"})
	if !errors.Is(err, interfaces.ErrLeaseConflict) {
		t.Errorf("Expected lease conflict on double release, got %v", err)
	}
	final, err := storage.GetJob(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.State != models.JobStateStored || final.FailureReason != "" {
		t.Errorf("Double release must not overwrite the outcome: %+v", final)
	}
}

func TestReleaseFailedSchedulesRetry(t *testing.T) {
	storage := newTestJobStorage(t)
	ctx := context.Background()

	enqueueTestJob(t, storage, "paper_a", "")
	claimed, err := storage.ClaimNextJob(ctx, "w0:tok", time.Minute, 10)
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v %+v", err, claimed)
	}

	retryAt := time.Now().UTC().Add(30 * time.Second)
	released, child, err := storage.ReleaseJob(ctx, claimed.ID, "w0:tok", models.JobRelease{
		State:         models.JobStateFailed,
		FailureReason: "transient network error",
		RetryAt:       &retryAt,
	})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.State != models.JobStateFailed || released.FailureReason != "transient network error" {
		t.Errorf("Unexpected released job: %+v", released)
	}
	if child == nil {
		t.Fatal("Expected a retry job")
	}
	if child.State != models.JobStateQueued {
		t.Errorf("Retry job should be queued, got %s", child.State)
	}
	if child.Attempt != claimed.Attempt+1 {
		t.Errorf("Retry attempt should be %d, got %d", claimed.Attempt+1, child.Attempt)
	}
	if child.ParentJobID != claimed.ID {
		t.Errorf("Retry job should link to parent %s, got %s", claimed.ID, child.ParentJobID)
	}
	if !child.NotBefore.Equal(retryAt) {
		t.Errorf("Retry job should be delayed until %v, got %v", retryAt, child.NotBefore)
	}
	if child.MaxAttempts != claimed.MaxAttempts {
		t.Errorf("Retry job should inherit the attempt budget %d, got %d", claimed.MaxAttempts, child.MaxAttempts)
	}

	// The child is durable, not just returned
	persisted, err := storage.GetJob(ctx, child.ID)
	if err != nil {
		t.Fatalf("Retry job was not persisted: %v", err)
	}
	if persisted.Attempt != child.Attempt {
		t.Errorf("Persisted retry job mismatch: %+v", persisted)
	}
}

func TestCancelOverridesRelease(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	extractions := NewExtractionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	enqueueTestJob(t, storage, "paper_a", "")
	claimed, err := storage.ClaimNextJob(ctx, "w0:tok", time.Minute, 10)
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v %+v", err, claimed)
	}

	// Cancellation lands while the worker is mid-pipeline
	if _, transitioned, err := storage.RequestCancel(ctx, claimed.ID); err != nil || transitioned {
		t.Fatalf("Cancel of leased job: err=%v transitioned=%v", err, transitioned)
	}

	// Worker finishes anyway and tries to store its result
	extraction := models.NewExtraction(claimed, map[string]interface{}{"title": "ignored"}, 10, 10)
	released, child, err := storage.ReleaseJob(ctx, claimed.ID, "w0:tok", models.JobRelease{
		State:      models.JobStateStored,
		Extraction: extraction,
	})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.State != models.JobStateCancelled {
		t.Errorf("Pending cancel should win, got %s", released.State)
	}
	if child != nil {
		t.Error("Cancelled release must not schedule a retry")
	}
	if _, err := extractions.GetExtractionByJobID(ctx, claimed.ID); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Cancelled release must discard the extraction, got %v", err)
	}
}

func TestRequestCancelQueuedAndTerminal(t *testing.T) {
	storage := newTestJobStorage(t)
	ctx := context.Background()

	job := enqueueTestJob(t, storage, "paper_a", "")

	cancelled, transitioned, err := storage.RequestCancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !transitioned {
		t.Error("Queued job should transition immediately")
	}
	if cancelled.State != models.JobStateCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.State)
	}
	if cancelled.TerminalAt == nil {
		t.Error("Cancelled job should stamp terminal_at")
	}

	// Cancel is idempotent on terminal jobs
	again, transitioned, err := storage.RequestCancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Second cancel failed: %v", err)
	}
	if transitioned {
		t.Error("Terminal job must not transition again")
	}
	if again.State != models.JobStateCancelled {
		t.Errorf("Expected cancelled, got %s", again.State)
	}

	// Cancelled jobs are not claimable
	claimed, err := storage.ClaimNextJob(ctx, "w0:tok", time.Minute, 10)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed != nil {
		t.Errorf("Cancelled job must not be claimable, got %s", claimed.ID)
	}
}

func TestRetryJobResetsAttemptBudget(t *testing.T) {
	storage := newTestJobStorage(t)
	ctx := context.Background()

	enqueueTestJob(t, storage, "paper_a", "")
	claimed, err := storage.ClaimNextJob(ctx, "w0:tok", time.Minute, 10)
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v %+v", err, claimed)
	}

	// Retrying a non-failed job is rejected
	if _, _, err := storage.RetryJob(ctx, claimed.ID); !errors.Is(err, interfaces.ErrInvalidState) {
		t.Errorf("Expected invalid state retrying a leased job, got %v", err)
	}

	if _, _, err := storage.ReleaseJob(ctx, claimed.ID, "w0:tok", models.JobRelease{State: models.JobStateFailed, FailureReason: "attempts exhausted"}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	child, created, err := storage.RetryJob(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !created {
		t.Error("Expected a fresh retry job")
	}
	if child.Attempt != 1 {
		t.Errorf("User retry should reset attempt to 1, got %d", child.Attempt)
	}
	if child.ParentJobID != claimed.ID {
		t.Errorf("Retry should link to parent %s, got %s", claimed.ID, child.ParentJobID)
	}

	// A second retry while the child is still pending returns the child
	dupe, created, err := storage.RetryJob(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Second retry failed: %v", err)
	}
	if created {
		t.Error("Second retry should deduplicate, not create")
	}
	if dupe.ID != child.ID {
		t.Errorf("Expected dedupe to %s, got %s", child.ID, dupe.ID)
	}
}

func TestReclaimExpiredLease(t *testing.T) {
	storage := newTestJobStorage(t)
	ctx := context.Background()

	enqueueTestJob(t, storage, "paper_a", "")
	claimed, err := storage.ClaimNextJob(ctx, "w0:tok", 10*time.Millisecond, 10)
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v %+v", err, claimed)
	}

	time.Sleep(30 * time.Millisecond)

	expired, err := storage.ExpiredLeaseJobs(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("Expired lease listing failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != claimed.ID {
		t.Fatalf("Expected the expired lease, got %+v", expired)
	}

	retryAt := time.Now().UTC()
	released, child, err := storage.ReclaimExpiredJob(ctx, claimed.ID, models.JobRelease{
		State:         models.JobStateFailed,
		FailureReason: "lease expired",
		RetryAt:       &retryAt,
	})
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if released.State != models.JobStateFailed || released.OwnerToken != "" {
		t.Errorf("Reclaimed job not released: %+v", released)
	}
	if child == nil || child.Attempt != 2 {
		t.Fatalf("Expected a reissued attempt, got %+v", child)
	}

	// The dead worker's release now hits a stale token
	if _, _, err := storage.ReleaseJob(ctx, claimed.ID, "w0:tok", models.JobRelease{State: models.JobStateStored}); !errors.Is(err, interfaces.ErrLeaseConflict) {
		t.Errorf("Expected lease conflict for the dead worker, got %v", err)
	}
}

func TestReclaimSkipsRenewedLease(t *testing.T) {
	storage := newTestJobStorage(t)
	ctx := context.Background()

	enqueueTestJob(t, storage, "paper_a", "")
	claimed, err := storage.ClaimNextJob(ctx, "w0:tok", time.Minute, 10)
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v %+v", err, claimed)
	}

	_, _, err = storage.ReclaimExpiredJob(ctx, claimed.ID, models.JobRelease{
		State:         models.JobStateFailed,
		FailureReason: "lease expired",
	})
	if !errors.Is(err, interfaces.ErrLeaseConflict) {
		t.Errorf("Expected conflict reclaiming a live lease, got %v", err)
	}

	job, err := storage.GetJob(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.State != models.JobStateFetching || job.OwnerToken != "w0:tok" {
		t.Errorf("Live lease must be untouched: %+v", job)
	}
}

func TestJobStateWritesMarkBatchStale(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	batches := NewBatchStorage(db, arbor.NewLogger())
	ctx := context.Background()

	batch := models.NewBatch("ml-papers", "", "gemini-2.5-flash")
	if err := batches.SaveBatch(ctx, batch); err != nil {
		t.Fatalf("Save batch failed: %v", err)
	}

	job, created, err := storage.EnqueueJob(ctx, models.NewJob("paper_a", batch.ID, "gemini-2.5-flash", "paper_core", 3))
	if err != nil || !created {
		t.Fatalf("Enqueue failed: %v created=%v", err, created)
	}

	// Clear the flag with a metrics snapshot, then watch a claim re-set it
	if _, err := batches.SaveBatchMetrics(ctx, batch.ID, &models.BatchMetrics{TotalJobs: 1}, nil); err != nil {
		t.Fatalf("Save metrics failed: %v", err)
	}
	fresh, err := batches.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("Get batch failed: %v", err)
	}
	if fresh.Stale {
		t.Fatal("Metrics snapshot should clear the stale flag")
	}

	if _, err := storage.ClaimNextJob(ctx, "w0:tok", time.Minute, 10); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	afterClaim, err := batches.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("Get batch failed: %v", err)
	}
	if !afterClaim.Stale {
		t.Error("Claim should mark the batch stale")
	}

	// And again for the release
	if _, err := batches.SaveBatchMetrics(ctx, batch.ID, &models.BatchMetrics{TotalJobs: 1}, nil); err != nil {
		t.Fatalf("Save metrics failed: %v", err)
	}
	if _, _, err := storage.ReleaseJob(ctx, job.ID, "w0:tok", models.JobRelease{State: models.JobStateStored}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	afterRelease, err := batches.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("Get batch failed: %v", err)
	}
	if !afterRelease.Stale {
		t.Error("Release should mark the batch stale")
	}
}

func TestListJobsFilters(t *testing.T) {
	storage := newTestJobStorage(t)
	ctx := context.Background()

	enqueueTestJob(t, storage, "paper_a", "batch_1")
	enqueueTestJob(t, storage, "paper_b", "batch_1")
	enqueueTestJob(t, storage, "paper_c", "batch_2")

	byBatch, err := storage.ListJobs(ctx, models.ListJobsOptions{BatchID: "batch_1"})
	if err != nil {
		t.Fatalf("List by batch failed: %v", err)
	}
	if len(byBatch) != 2 {
		t.Errorf("Expected 2 jobs in batch_1, got %d", len(byBatch))
	}

	byPaper, err := storage.ListJobs(ctx, models.ListJobsOptions{PaperID: "paper_c"})
	if err != nil {
		t.Fatalf("List by paper failed: %v", err)
	}
	if len(byPaper) != 1 {
		t.Errorf("Expected 1 job for paper_c, got %d", len(byPaper))
	}

	counts, err := storage.CountJobsByState(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if counts[models.JobStateQueued] != 3 {
		t.Errorf("Expected 3 queued jobs, got %d", counts[models.JobStateQueued])
	}
}
