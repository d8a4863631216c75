// -----------------------------------------------------------------------
// Scheduler - the extraction queue's public face: enqueue, retry, cancel,
// batch metrics, and the lifecycle of the worker pool and recovery sweep.
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// statsInterval is how often queue depth counts are published on the bus.
const statsInterval = 30 * time.Second

// Deps carries the scheduler's collaborators. Truth and Prices are
// optional; without them batch match rate and cost stay unknown.
type Deps struct {
	Storage  interfaces.StorageManager
	Events   interfaces.EventService
	Pipeline interfaces.Pipeline
	Truth    interfaces.GroundTruthProvider
	Prices   interfaces.PriceTable
	Logger   arbor.ILogger
}

// Scheduler owns the extraction queue. Configuration is read once at
// construction; changing queue settings requires a restart.
type Scheduler struct {
	queueCfg      common.QueueConfig
	defaultModel  string
	defaultSchema string
	storage       interfaces.StorageManager
	events        interfaces.EventService
	pool          *workerPool
	sweeper       *recoverySweeper
	aggregator    *BatchAggregator
	logger        arbor.ILogger
	statsCancel   context.CancelFunc
	statsDone     chan struct{}
	running       bool
	mu            sync.Mutex
}

// New builds a scheduler from the queue configuration and its
// collaborators.
func New(cfg *common.Config, deps Deps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = common.GetLogger()
	}

	jobs := deps.Storage.JobStorage()
	s := &Scheduler{
		queueCfg:      cfg.Queue,
		defaultModel:  defaultModelRef(cfg),
		defaultSchema: cfg.Schemas.Default,
		storage:       deps.Storage,
		events:        deps.Events,
		logger:        logger,
	}
	s.pool = newWorkerPool(jobs, deps.Pipeline, deps.Events,
		cfg.Queue.Concurrency, cfg.Queue.ClaimTimeoutDuration(), cfg.Queue.ClaimHeartbeatDuration(), logger)
	s.sweeper = newRecoverySweeper(jobs, deps.Events, cfg.Queue.RecoveryIntervalDuration(), logger)
	s.aggregator = NewBatchAggregator(deps.Storage.BatchStorage(), jobs, deps.Storage.ExtractionStorage(),
		deps.Truth, deps.Prices, deps.Events, logger)
	return s
}

func defaultModelRef(cfg *common.Config) string {
	if cfg.LLM.DefaultProvider == "claude" {
		return cfg.Claude.Model
	}
	return cfg.Gemini.Model
}

// Start launches the worker pool, the recovery sweeper, and the stats
// publisher.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true

	s.logger.Info().
		Int("concurrency", s.queueCfg.Concurrency).
		Str("claim_timeout", s.queueCfg.ClaimTimeout).
		Str("claim_heartbeat", s.queueCfg.ClaimHeartbeat).
		Str("recovery_interval", s.queueCfg.RecoveryInterval).
		Int("max_attempts", s.queueCfg.MaxAttempts).
		Msg("Starting scheduler")

	s.pool.Start()
	s.sweeper.Start()

	statsCtx, cancel := context.WithCancel(context.Background())
	s.statsCancel = cancel
	s.statsDone = make(chan struct{})
	common.SafeGo(s.logger, "queue-stats", func() {
		defer close(s.statsDone)
		s.statsLoop(statsCtx)
	})

	return nil
}

// Stop drains in-flight jobs and halts the background loops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping scheduler...")
	s.statsCancel()
	<-s.statsDone
	s.pool.Stop()
	s.sweeper.Stop()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := s.storage.JobStorage().CountJobsByState(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("Queue stats collection failed")
				continue
			}
			_ = s.events.Publish(ctx, interfaces.Event{
				Type:    interfaces.EventQueueStats,
				Payload: counts,
			})
		}
	}
}

// EnqueueRequest describes one extraction to queue. ModelRef and SchemaRef
// fall back to the configured defaults when empty.
type EnqueueRequest struct {
	PaperID   string
	BatchID   string
	ModelRef  string
	SchemaRef string
}

// Enqueue queues an extraction job for a paper. When a non-terminal job for
// the same (paper, batch) pair already exists it is returned unchanged with
// created=false.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Job, bool, error) {
	if req.PaperID == "" {
		return nil, false, fmt.Errorf("paper ID is required")
	}
	if _, err := s.storage.PaperStorage().GetPaper(ctx, req.PaperID); err != nil {
		return nil, false, err
	}
	if req.BatchID != "" {
		if _, err := s.storage.BatchStorage().GetBatch(ctx, req.BatchID); err != nil {
			return nil, false, err
		}
	}

	job := models.NewJob(req.PaperID, req.BatchID, s.modelOr(req.ModelRef), s.schemaOr(req.SchemaRef), s.queueCfg.MaxAttempts)
	stored, created, err := s.storage.JobStorage().EnqueueJob(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info().
			Str("job_id", stored.ID).
			Str("paper_id", stored.PaperID).
			Str("batch_id", stored.BatchID).
			Msg("Job enqueued")
		publishRunStatus(s.events, stored)
	}
	return stored, created, nil
}

// BatchRequest describes a batch enqueue: one job per paper, all sharing
// the batch's model and dataset.
type BatchRequest struct {
	Label      string
	DatasetRef string
	ModelRef   string
	SchemaRef  string
	PaperIDs   []string
}

// EnqueueBatch creates a batch and queues one job per paper. Papers must
// exist before enqueueing; a missing one fails the whole request before
// anything is written.
func (s *Scheduler) EnqueueBatch(ctx context.Context, req BatchRequest) (*models.Batch, []*models.Job, error) {
	if len(req.PaperIDs) == 0 {
		return nil, nil, fmt.Errorf("at least one paper is required")
	}
	for _, paperID := range req.PaperIDs {
		if _, err := s.storage.PaperStorage().GetPaper(ctx, paperID); err != nil {
			return nil, nil, fmt.Errorf("paper %s: %w", paperID, err)
		}
	}

	model := s.modelOr(req.ModelRef)
	batch := models.NewBatch(req.Label, req.DatasetRef, model)
	if err := s.storage.BatchStorage().SaveBatch(ctx, batch); err != nil {
		return nil, nil, err
	}

	jobs := make([]*models.Job, 0, len(req.PaperIDs))
	for _, paperID := range req.PaperIDs {
		job := models.NewJob(paperID, batch.ID, model, s.schemaOr(req.SchemaRef), s.queueCfg.MaxAttempts)
		stored, created, err := s.storage.JobStorage().EnqueueJob(ctx, job)
		if err != nil {
			return nil, nil, err
		}
		if created {
			publishRunStatus(s.events, stored)
		}
		jobs = append(jobs, stored)
	}

	s.logger.Info().
		Str("batch_id", batch.ID).
		Str("label", batch.Label).
		Int("jobs", len(jobs)).
		Msg("Batch enqueued")
	publishBatchStatus(s.events, batch.ID, "created")
	return batch, jobs, nil
}

// Retry creates a fresh attempt chain link for a failed job with the
// attempt budget reset.
func (s *Scheduler) Retry(ctx context.Context, jobID string) (*models.Job, error) {
	child, created, err := s.storage.JobStorage().RetryJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info().
			Str("job_id", child.ID).
			Str("parent_job_id", jobID).
			Msg("Job retried")
		publishRunStatus(s.events, child)
	}
	return child, nil
}

// Cancel requests cancellation of a job. Queued jobs cancel immediately;
// leased jobs stop at the worker's next checkpoint. Terminal jobs are a
// no-op.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, transitioned, err := s.storage.JobStorage().RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if transitioned {
		s.logger.Info().
			Str("job_id", job.ID).
			Msg("Job cancelled")
		publishRunStatus(s.events, job)
	}
	return job, nil
}

// CancelBatch requests cancellation of every non-terminal job in a batch
// and returns how many were still cancellable.
func (s *Scheduler) CancelBatch(ctx context.Context, batchID string) (int, error) {
	if _, err := s.storage.BatchStorage().GetBatch(ctx, batchID); err != nil {
		return 0, err
	}
	rows, err := s.storage.JobStorage().JobsByBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}

	requested := 0
	for _, row := range rows {
		if row.State.IsTerminal() {
			continue
		}
		job, transitioned, err := s.storage.JobStorage().RequestCancel(ctx, row.ID)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("job_id", row.ID).
				Msg("Cancel request failed")
			continue
		}
		if transitioned {
			publishRunStatus(s.events, job)
		}
		requested++
	}

	s.logger.Info().
		Str("batch_id", batchID).
		Int("requested", requested).
		Msg("Batch cancellation requested")
	return requested, nil
}

// Job returns one job row.
func (s *Scheduler) Job(ctx context.Context, jobID string) (*models.Job, error) {
	return s.storage.JobStorage().GetJob(ctx, jobID)
}

// ListJobs returns job rows filtered and paged by opts.
func (s *Scheduler) ListJobs(ctx context.Context, opts models.ListJobsOptions) ([]*models.Job, error) {
	return s.storage.JobStorage().ListJobs(ctx, opts)
}

// BatchMetrics returns the batch with a current metrics snapshot,
// recomputing it when stale.
func (s *Scheduler) BatchMetrics(ctx context.Context, batchID string) (*models.Batch, error) {
	return s.aggregator.Metrics(ctx, batchID)
}

// ListBatches pages through batches, newest first.
func (s *Scheduler) ListBatches(ctx context.Context, limit, offset int) ([]*models.Batch, error) {
	return s.storage.BatchStorage().ListBatches(ctx, limit, offset)
}

// QueueStats returns current job counts by state.
func (s *Scheduler) QueueStats(ctx context.Context) (map[models.JobState]int, error) {
	return s.storage.JobStorage().CountJobsByState(ctx)
}

func (s *Scheduler) modelOr(ref string) string {
	if ref != "" {
		return ref
	}
	return s.defaultModel
}

func (s *Scheduler) schemaOr(ref string) string {
	if ref != "" {
		return ref
	}
	return s.defaultSchema
}

func publishRunStatus(events interfaces.EventService, job *models.Job) {
	if events == nil || job == nil {
		return
	}
	_ = events.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventRunStatus,
		Payload: models.RunStatusFromJob(job),
	})
}

func publishBatchStatus(events interfaces.EventService, batchID, status string) {
	if events == nil {
		return
	}
	_ = events.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventBatchStatus,
		Payload: models.BatchStatusData{BatchID: batchID, Status: status},
	})
}
