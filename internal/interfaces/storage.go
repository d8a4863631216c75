package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/excerpo/internal/models"
)

// Storage contract errors. Callers branch with errors.Is; storage
// implementations wrap these with context.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLeaseConflict indicates a lease-guarded write presented a stale
	// owner token. The caller no longer owns the job and must discard its
	// work; the write was a no-op.
	ErrLeaseConflict = errors.New("lease conflict")

	// ErrInvalidState indicates an operation that the job's current state
	// does not admit (e.g. retrying a job that is not failed).
	ErrInvalidState = errors.New("invalid job state")
)

// JobStorage is the durable job store plus the lease protocol over it.
// Claim, renew, advance, release, and reclaim are each a single atomic
// conditional update; concurrent callers race safely and losers get
// ErrLeaseConflict (or a nil claim). Every state write also flips the
// owning batch's stale flag in the same transaction.
type JobStorage interface {
	// EnqueueJob inserts a queued job unless an equivalent non-terminal job
	// already exists for the same (paper, batch), in which case the existing
	// job is returned and created is false.
	EnqueueJob(ctx context.Context, job *models.Job) (stored *models.Job, created bool, err error)

	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, opts models.ListJobsOptions) ([]*models.Job, error)
	JobsByBatch(ctx context.Context, batchID string) ([]*models.Job, error)
	CountJobsByState(ctx context.Context) (map[models.JobState]int, error)

	// ClaimNextJob leases the oldest claimable queued job: sets the owner
	// token, lease expiry, and state=fetching in one conditional update.
	// Returns nil when nothing is claimable or maxActive leases are already
	// held.
	ClaimNextJob(ctx context.Context, ownerToken string, leaseFor time.Duration, maxActive int) (*models.Job, error)

	// RenewLease extends the lease when ownerToken still owns the job and
	// reports whether cancellation has been requested, making the heartbeat
	// double as the cooperative-cancel checkpoint. ErrLeaseConflict means
	// the lease was reassigned and the worker must abort.
	RenewLease(ctx context.Context, jobID, ownerToken string, leaseFor time.Duration) (cancelRequested bool, err error)

	// AdvanceJobState moves a leased job forward one stage
	// (fetching -> provider -> validating), owner-guarded.
	AdvanceJobState(ctx context.Context, jobID, ownerToken string, state models.JobState) (*models.Job, error)

	// ReleaseJob applies a terminal outcome, owner-guarded and idempotent: a
	// stale token is reported as ErrLeaseConflict and never overwrites a
	// fresher owner's write. A release with RetryAt set also inserts the
	// child attempt row in the same transaction; the child is returned when
	// created.
	ReleaseJob(ctx context.Context, jobID, ownerToken string, rel models.JobRelease) (released, child *models.Job, err error)

	// RetryJob creates a fresh attempt chain link (attempt=1) for a failed
	// job. User-triggered retries reset the attempt budget. When a
	// non-terminal attempt already exists for the pair it is returned with
	// created=false, same dedupe rule as enqueue.
	RetryJob(ctx context.Context, jobID string) (child *models.Job, created bool, err error)

	// RequestCancel marks cancellation: queued jobs transition to cancelled
	// immediately (transitioned=true); leased jobs get the flag set for the
	// worker's next checkpoint; terminal jobs are a no-op.
	RequestCancel(ctx context.Context, jobID string) (job *models.Job, transitioned bool, err error)

	// ExpiredLeaseJobs lists jobs whose lease lapsed before now without a
	// terminal outcome, oldest expiry first.
	ExpiredLeaseJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)

	// ReclaimExpiredJob force-releases an expired lease (sweeper path). The
	// expiry is re-verified inside the transaction so a worker that renewed
	// in the meantime wins; ErrLeaseConflict is returned in that case.
	ReclaimExpiredJob(ctx context.Context, jobID string, rel models.JobRelease) (released, child *models.Job, err error)
}

// BatchStorage persists batches and their cached metric snapshots.
type BatchStorage interface {
	SaveBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]*models.Batch, error)
	MarkBatchStale(ctx context.Context, id string) error

	// SaveBatchMetrics caches a recomputed snapshot, clears the stale flag,
	// stamps metrics_computed_at, and records completion when completedAt is
	// non-nil. Returns the updated batch.
	SaveBatchMetrics(ctx context.Context, id string, metrics *models.BatchMetrics, completedAt *time.Time) (*models.Batch, error)
}

// PaperStorage persists paper records.
type PaperStorage interface {
	SavePaper(ctx context.Context, paper *models.Paper) error
	GetPaper(ctx context.Context, id string) (*models.Paper, error)
	FindPaperByDOI(ctx context.Context, doi string) (*models.Paper, error)
	FindPaperByArxivID(ctx context.Context, arxivID string) (*models.Paper, error)
	ListPapers(ctx context.Context, limit, offset int) ([]*models.Paper, error)
}

// ExtractionStorage reads stored extraction payloads (writes happen inside
// the job release transaction).
type ExtractionStorage interface {
	GetExtractionByJobID(ctx context.Context, jobID string) (*models.Extraction, error)
	ListExtractionsByBatch(ctx context.Context, batchID string) ([]*models.Extraction, error)
	ListExtractionsByPaper(ctx context.Context, paperID string) ([]*models.Extraction, error)
}

// StorageManager aggregates the typed stores over one database handle.
type StorageManager interface {
	JobStorage() JobStorage
	BatchStorage() BatchStorage
	PaperStorage() PaperStorage
	ExtractionStorage() ExtractionStorage

	// RunValueLogGC triggers one round of badger value-log garbage
	// collection (maintenance schedule).
	RunValueLogGC() error

	Close() error
}
