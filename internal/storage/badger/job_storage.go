// -----------------------------------------------------------------------
// Job storage - durable queue rows plus the lease protocol over them.
// Every mutation is one badger transaction; ownership checks happen inside
// the transaction so concurrent claimers, workers, and the recovery sweep
// never interleave partial writes.
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// JobStorage implements the JobStorage interface for Badger.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance.
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// stateValues converts job states to the interface slice badgerhold's In
// criterion expects.
func stateValues(states []models.JobState) []interface{} {
	values := make([]interface{}, len(states))
	for i, s := range states {
		values[i] = s
	}
	return values
}

// txGetJob loads a job inside a transaction, mapping missing rows to
// interfaces.ErrNotFound.
func (s *JobStorage) txGetJob(tx *badgerdb.Txn, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().TxGet(tx, jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job %s: %w", jobID, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return &job, nil
}

// txMarkBatchStale flips the owning batch's stale flag inside the same
// transaction as the job write, so cached metrics can never survive a state
// change. Jobs without a batch and batches that no longer exist are skipped.
func (s *JobStorage) txMarkBatchStale(tx *badgerdb.Txn, batchID string) error {
	if batchID == "" {
		return nil
	}
	var batch models.Batch
	if err := s.db.Store().TxGet(tx, batchID, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}
	if batch.Stale {
		return nil
	}
	batch.Stale = true
	if err := s.db.Store().TxUpdate(tx, batch.ID, &batch); err != nil {
		return fmt.Errorf("failed to mark batch %s stale: %w", batchID, err)
	}
	return nil
}

// txApplyRelease writes the terminal outcome for job and, when the release
// schedules a retry, inserts the child attempt row in the same transaction.
// A pending cancellation wins over the computed outcome: the job lands in
// cancelled, no child is created, and any extraction payload is discarded.
func (s *JobStorage) txApplyRelease(tx *badgerdb.Txn, job *models.Job, rel models.JobRelease) (*models.Job, *models.Job, error) {
	now := time.Now().UTC()
	job.OwnerToken = ""
	job.TokensIn = rel.TokensIn
	job.TokensOut = rel.TokensOut
	job.TerminalAt = &now

	var child *models.Job
	if job.CancelRequested {
		job.State = models.JobStateCancelled
		job.FailureReason = ""
	} else {
		job.State = rel.State
		job.FailureReason = rel.FailureReason
		if rel.State == models.JobStateFailed && rel.RetryAt != nil {
			child = models.NewRetryJob(job, job.Attempt+1, *rel.RetryAt)
			if err := s.db.Store().TxInsert(tx, child.ID, child); err != nil {
				return nil, nil, fmt.Errorf("failed to insert retry job: %w", err)
			}
		}
		if rel.State == models.JobStateStored && rel.Extraction != nil {
			if err := s.db.Store().TxInsert(tx, rel.Extraction.ID, rel.Extraction); err != nil {
				return nil, nil, fmt.Errorf("failed to insert extraction: %w", err)
			}
		}
	}

	if err := s.db.Store().TxUpdate(tx, job.ID, job); err != nil {
		return nil, nil, fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if err := s.txMarkBatchStale(tx, job.BatchID); err != nil {
		return nil, nil, err
	}
	return job, child, nil
}

func (s *JobStorage) EnqueueJob(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	if job == nil || job.ID == "" {
		return nil, false, fmt.Errorf("job ID is required")
	}
	if job.State != models.JobStateQueued {
		return nil, false, fmt.Errorf("enqueue requires a queued job, got %s: %w", job.State, interfaces.ErrInvalidState)
	}

	var existing *models.Job
	err := s.db.UpdateWithRetry(func(tx *badgerdb.Txn) error {
		existing = nil

		var dupes []*models.Job
		query := badgerhold.Where("PaperID").Eq(job.PaperID).
			And("BatchID").Eq(job.BatchID).
			And("State").In(stateValues(models.NonTerminalJobStates())...)
		if err := s.db.Store().TxFind(tx, &dupes, query); err != nil {
			return fmt.Errorf("failed to check for duplicate jobs: %w", err)
		}
		if len(dupes) > 0 {
			existing = dupes[0]
			return nil
		}

		if err := s.db.Store().TxInsert(tx, job.ID, job); err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		return s.txMarkBatchStale(tx, job.BatchID)
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		s.logger.Debug().
			Str("job_id", existing.ID).
			Str("paper_id", job.PaperID).
			Msg("Enqueue deduplicated against existing non-terminal job")
		return existing, false, nil
	}
	return job, true, nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job %s: %w", jobID, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts models.ListJobsOptions) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")
	if opts.PaperID != "" {
		query = query.And("PaperID").Eq(opts.PaperID)
	}
	if opts.BatchID != "" {
		query = query.And("BatchID").Eq(opts.BatchID)
	}
	if opts.State != "" {
		query = query.And("State").Eq(opts.State)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		query = query.Skip(opts.Offset)
	}

	var jobs []*models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStorage) JobsByBatch(ctx context.Context, batchID string) ([]*models.Job, error) {
	var jobs []*models.Job
	query := badgerhold.Where("BatchID").Eq(batchID).SortBy("CreatedAt")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs for batch %s: %w", batchID, err)
	}
	return jobs, nil
}

func (s *JobStorage) CountJobsByState(ctx context.Context) (map[models.JobState]int, error) {
	var jobs []*models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("ID").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	counts := make(map[models.JobState]int)
	for _, job := range jobs {
		counts[job.State]++
	}
	return counts, nil
}

func (s *JobStorage) ClaimNextJob(ctx context.Context, ownerToken string, leaseFor time.Duration, maxActive int) (*models.Job, error) {
	if ownerToken == "" {
		return nil, fmt.Errorf("owner token is required")
	}
	if maxActive <= 0 {
		return nil, nil
	}

	var claimed *models.Job
	err := s.db.UpdateWithRetry(func(tx *badgerdb.Txn) error {
		claimed = nil
		now := time.Now().UTC()

		var leased []*models.Job
		leasedQuery := badgerhold.Where("State").In(stateValues(models.LeasedJobStates())...)
		if err := s.db.Store().TxFind(tx, &leased, leasedQuery); err != nil {
			return fmt.Errorf("failed to count active leases: %w", err)
		}
		if len(leased) >= maxActive {
			return nil
		}

		var queued []*models.Job
		query := badgerhold.Where("State").Eq(models.JobStateQueued).
			And("NotBefore").Le(now).
			SortBy("CreatedAt").
			Limit(1)
		if err := s.db.Store().TxFind(tx, &queued, query); err != nil {
			return fmt.Errorf("failed to find claimable job: %w", err)
		}
		if len(queued) == 0 {
			return nil
		}

		job := queued[0]
		job.State = models.JobStateFetching
		job.OwnerToken = ownerToken
		job.LeaseExpiresAt = now.Add(leaseFor)
		if err := s.db.Store().TxUpdate(tx, job.ID, job); err != nil {
			return fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}
		if err := s.txMarkBatchStale(tx, job.BatchID); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.logger.Debug().
			Str("job_id", claimed.ID).
			Str("owner", ownerToken).
			Int("attempt", claimed.Attempt).
			Msg("Job claimed")
	}
	return claimed, nil
}

func (s *JobStorage) RenewLease(ctx context.Context, jobID, ownerToken string, leaseFor time.Duration) (bool, error) {
	var cancelRequested bool
	err := s.db.UpdateWithRetry(func(tx *badgerdb.Txn) error {
		cancelRequested = false

		job, err := s.txGetJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.State.IsTerminal() || job.OwnerToken != ownerToken {
			return fmt.Errorf("job %s no longer owned by %s: %w", jobID, ownerToken, interfaces.ErrLeaseConflict)
		}

		job.LeaseExpiresAt = time.Now().UTC().Add(leaseFor)
		cancelRequested = job.CancelRequested
		if err := s.db.Store().TxUpdate(tx, jobID, job); err != nil {
			return fmt.Errorf("failed to renew lease on job %s: %w", jobID, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return cancelRequested, nil
}

// advanceTransitions maps each leased stage to the stage it must come from.
var advanceTransitions = map[models.JobState]models.JobState{
	models.JobStateProvider:   models.JobStateFetching,
	models.JobStateValidating: models.JobStateProvider,
}

func (s *JobStorage) AdvanceJobState(ctx context.Context, jobID, ownerToken string, state models.JobState) (*models.Job, error) {
	from, ok := advanceTransitions[state]
	if !ok {
		return nil, fmt.Errorf("cannot advance to %s: %w", state, interfaces.ErrInvalidState)
	}

	var updated *models.Job
	err := s.db.UpdateWithRetry(func(tx *badgerdb.Txn) error {
		updated = nil

		job, err := s.txGetJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.OwnerToken != ownerToken {
			return fmt.Errorf("job %s no longer owned by %s: %w", jobID, ownerToken, interfaces.ErrLeaseConflict)
		}
		if job.State != from {
			return fmt.Errorf("cannot advance job %s from %s to %s: %w", jobID, job.State, state, interfaces.ErrInvalidState)
		}

		job.State = state
		if err := s.db.Store().TxUpdate(tx, jobID, job); err != nil {
			return fmt.Errorf("failed to advance job %s: %w", jobID, err)
		}
		if err := s.txMarkBatchStale(tx, job.BatchID); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *JobStorage) ReleaseJob(ctx context.Context, jobID, ownerToken string, rel models.JobRelease) (*models.Job, *models.Job, error) {
	if !rel.State.IsTerminal() {
		return nil, nil, fmt.Errorf("release requires a terminal state, got %s: %w", rel.State, interfaces.ErrInvalidState)
	}

	var released, child *models.Job
	err := s.db.UpdateWithRetry(func(tx *badgerdb.Txn) error {
		released, child = nil, nil

		job, err := s.txGetJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.State.IsTerminal() || job.OwnerToken != ownerToken {
			return fmt.Errorf("job %s no longer owned by %s: %w", jobID, ownerToken, interfaces.ErrLeaseConflict)
		}

		released, child, err = s.txApplyRelease(tx, job, rel)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Debug().
		Str("job_id", released.ID).
		Str("state", string(released.State)).
		Str("failure_reason", released.FailureReason).
		Msg("Job released")
	return released, child, nil
}

func (s *JobStorage) RetryJob(ctx context.Context, jobID string) (*models.Job, bool, error) {
	var (
		child   *models.Job
		created bool
	)
	err := s.db.UpdateWithRetry(func(tx *badgerdb.Txn) error {
		child, created = nil, false

		job, err := s.txGetJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.State != models.JobStateFailed {
			return fmt.Errorf("cannot retry job %s in state %s: %w", jobID, job.State, interfaces.ErrInvalidState)
		}

		// An existing non-terminal attempt for the same paper/batch wins,
		// same dedupe rule as enqueue.
		var dupes []*models.Job
		query := badgerhold.Where("PaperID").Eq(job.PaperID).
			And("BatchID").Eq(job.BatchID).
			And("State").In(stateValues(models.NonTerminalJobStates())...)
		if err := s.db.Store().TxFind(tx, &dupes, query); err != nil {
			return fmt.Errorf("failed to check for duplicate jobs: %w", err)
		}
		if len(dupes) > 0 {
			child = dupes[0]
			return nil
		}

		// A user retry starts a fresh attempt budget.
		child = models.NewRetryJob(job, 1, time.Time{})
		if err := s.db.Store().TxInsert(tx, child.ID, child); err != nil {
			return fmt.Errorf("failed to insert retry job: %w", err)
		}
		created = true
		return s.txMarkBatchStale(tx, job.BatchID)
	})
	if err != nil {
		return nil, false, err
	}
	return child, created, nil
}

func (s *JobStorage) RequestCancel(ctx context.Context, jobID string) (*models.Job, bool, error) {
	var (
		result       *models.Job
		transitioned bool
	)
	err := s.db.UpdateWithRetry(func(tx *badgerdb.Txn) error {
		result, transitioned = nil, false

		job, err := s.txGetJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.State.IsTerminal() {
			result = job
			return nil
		}

		job.CancelRequested = true
		if job.State == models.JobStateQueued {
			now := time.Now().UTC()
			job.State = models.JobStateCancelled
			job.TerminalAt = &now
			transitioned = true
		}
		if err := s.db.Store().TxUpdate(tx, jobID, job); err != nil {
			return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
		}
		if transitioned {
			if err := s.txMarkBatchStale(tx, job.BatchID); err != nil {
				return err
			}
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, transitioned, nil
}

func (s *JobStorage) ExpiredLeaseJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	query := badgerhold.Where("State").In(stateValues(models.LeasedJobStates())...).
		And("LeaseExpiresAt").Lt(now).
		SortBy("LeaseExpiresAt")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var jobs []*models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list expired leases: %w", err)
	}
	return jobs, nil
}

func (s *JobStorage) ReclaimExpiredJob(ctx context.Context, jobID string, rel models.JobRelease) (*models.Job, *models.Job, error) {
	if !rel.State.IsTerminal() {
		return nil, nil, fmt.Errorf("reclaim requires a terminal state, got %s: %w", rel.State, interfaces.ErrInvalidState)
	}

	var released, child *models.Job
	err := s.db.UpdateWithRetry(func(tx *badgerdb.Txn) error {
		released, child = nil, nil

		job, err := s.txGetJob(tx, jobID)
		if err != nil {
			return err
		}
		// Re-verify expiry inside the transaction. A worker that renewed
		// between the sweep's read and this write keeps its lease.
		if !job.LeaseExpired(time.Now().UTC()) {
			return fmt.Errorf("lease on job %s is no longer expired: %w", jobID, interfaces.ErrLeaseConflict)
		}

		// Keep whatever token usage the row already carries; the reclaim
		// has none of its own to add.
		relCopy := rel
		relCopy.TokensIn = job.TokensIn
		relCopy.TokensOut = job.TokensOut
		released, child, err = s.txApplyRelease(tx, job, relCopy)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Warn().
		Str("job_id", released.ID).
		Str("state", string(released.State)).
		Int("attempt", released.Attempt).
		Msg("Expired lease reclaimed")
	return released, child, nil
}
