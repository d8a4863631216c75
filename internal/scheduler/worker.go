// -----------------------------------------------------------------------
// Worker pool - N slots that claim queued jobs and run them through the
// extraction pipeline under a heartbeat-renewed lease.
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// Backoff configuration for idle polling
const (
	minBackoff = 100 * time.Millisecond // Initial backoff when queue is empty
	maxBackoff = 5 * time.Second        // Maximum backoff duration
)

// workerPool runs the claim/process/release loop on a fixed number of slots.
// Zero slots is valid: nothing claims, which is how tests drive the queue
// deterministically.
type workerPool struct {
	jobs         interfaces.JobStorage
	pipeline     interfaces.Pipeline
	events       interfaces.EventService
	concurrency  int
	claimTimeout time.Duration
	heartbeat    time.Duration
	logger       arbor.ILogger
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

func newWorkerPool(jobs interfaces.JobStorage, pipeline interfaces.Pipeline, events interfaces.EventService, concurrency int, claimTimeout, heartbeat time.Duration, logger arbor.ILogger) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{
		jobs:         jobs,
		pipeline:     pipeline,
		events:       events,
		concurrency:  concurrency,
		claimTimeout: claimTimeout,
		heartbeat:    heartbeat,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the worker slots.
func (wp *workerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		wp.logger.Warn().Msg("Worker pool already running")
		return
	}
	wp.running = true

	wp.logger.Info().
		Int("concurrency", wp.concurrency).
		Msg("Starting worker pool")

	for i := 0; i < wp.concurrency; i++ {
		wp.wg.Add(1)
		go wp.processJobs(i)
	}
}

// Stop stops claiming and waits for in-flight jobs to finish.
func (wp *workerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	wp.mu.Unlock()

	wp.logger.Info().Msg("Stopping worker pool...")
	wp.cancel()
	wp.wg.Wait()
	wp.logger.Info().Msg("Worker pool stopped")
}

// processJobs is the main loop for one worker slot.
func (wp *workerPool) processJobs(workerID int) {
	defer wp.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			wp.logger.Fatal().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", getStackTrace()).
				Int("worker_id", workerID).
				Msg("FATAL: Worker slot panicked - application will terminate")
		}
	}()

	wp.logger.Debug().
		Int("worker_id", workerID).
		Msg("Worker slot started")

	// Backoff tracking for idle polling - reduces CPU when queue is empty
	currentBackoff := minBackoff

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker slot stopping")
			return
		default:
			if wp.processNextJob(workerID) {
				currentBackoff = minBackoff
			} else {
				select {
				case <-wp.ctx.Done():
					return
				case <-time.After(currentBackoff):
				}
				currentBackoff *= 2
				if currentBackoff > maxBackoff {
					currentBackoff = maxBackoff
				}
			}
		}
	}
}

// getStackTrace returns a formatted stack trace for panic debugging
func getStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// processNextJob claims and runs one job. Returns true if a job was
// claimed, false if the queue was empty (triggers backoff).
func (wp *workerPool) processNextJob(workerID int) bool {
	owner := newOwnerToken(workerID)
	job, err := wp.jobs.ClaimNextJob(wp.ctx, owner, wp.claimTimeout, wp.concurrency)
	if err != nil {
		wp.logger.Error().
			Err(err).
			Int("worker_id", workerID).
			Msg("Claim failed")
		return false
	}
	if job == nil {
		return false
	}

	wp.logger.Info().
		Str("job_id", job.ID).
		Str("paper_id", job.PaperID).
		Int("attempt", job.Attempt).
		Int("worker_id", workerID).
		Msg("Job started")
	publishRunStatus(wp.events, job)

	wp.runClaimedJob(workerID, owner, job)
	return true
}

// runClaimedJob drives the pipeline for a claimed job and releases the
// outcome. The pipeline context is detached from the pool context so a
// shutdown drains in-flight jobs instead of interrupting them; only the
// lease keeper cancels it.
func (wp *workerPool) runClaimedJob(workerID int, owner string, job *models.Job) {
	started := time.Now()

	pipeCtx, abort := context.WithCancel(context.Background())
	defer abort()

	keeper := startLeaseKeeper(wp.jobs, job.ID, owner, wp.claimTimeout, wp.heartbeat, abort, wp.logger)

	var result *interfaces.PipelineResult
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				wp.logger.Error().
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", getStackTrace()).
					Str("job_id", job.ID).
					Int("worker_id", workerID).
					Msg("Recovered from panic in pipeline")
				runErr = interfaces.NewPipelineError(models.ClassPermanent, fmt.Sprintf("pipeline panicked: %v", r), nil)
			}
		}()
		result, runErr = wp.pipeline.Run(pipeCtx, interfaces.PipelineRequest{
			Job:    job,
			Report: wp.stageReporter(job.ID, owner),
		})
	}()

	keeper.Stop()

	if keeper.Lost() {
		// Someone else owns the job now; the result is discarded without
		// a release.
		wp.logger.Warn().
			Str("job_id", job.ID).
			Int("worker_id", workerID).
			Msg("Discarding result after lease loss")
		return
	}

	rel := wp.buildRelease(job, result, runErr, keeper.CancelObserved())
	released, child, err := wp.jobs.ReleaseJob(context.Background(), job.ID, owner, rel)
	if err != nil {
		if errors.Is(err, interfaces.ErrLeaseConflict) {
			wp.logger.Warn().
				Str("job_id", job.ID).
				Msg("Release lost to a newer owner, result discarded")
			return
		}
		wp.logger.Error().
			Err(err).
			Str("job_id", job.ID).
			Msg("Release failed")
		return
	}

	publishRunStatus(wp.events, released)
	if child != nil {
		publishRunStatus(wp.events, child)
	}

	wp.logger.Info().
		Str("job_id", job.ID).
		Str("state", string(released.State)).
		Dur("duration", time.Since(started)).
		Int("worker_id", workerID).
		Msg("Job finished")
}

// stageReporter advances the job's stage on each pipeline checkpoint. An
// error return tells the pipeline to stop: the lease is gone.
func (wp *workerPool) stageReporter(jobID, owner string) interfaces.StageFunc {
	return func(ctx context.Context, stage models.JobState) error {
		advanced, err := wp.jobs.AdvanceJobState(ctx, jobID, owner, stage)
		if err != nil {
			return err
		}
		publishRunStatus(wp.events, advanced)
		return nil
	}
}

// buildRelease turns the pipeline outcome into the storage release. An
// observed cancellation wins over everything; a nil result without an error
// is treated as an empty provider response.
func (wp *workerPool) buildRelease(job *models.Job, result *interfaces.PipelineResult, runErr error, cancelObserved bool) models.JobRelease {
	var tokensIn, tokensOut int64
	if result != nil {
		tokensIn = result.TokensIn
		tokensOut = result.TokensOut
	}

	if cancelObserved {
		return models.JobRelease{
			State:     models.JobStateCancelled,
			TokensIn:  tokensIn,
			TokensOut: tokensOut,
		}
	}

	if runErr == nil && result == nil {
		runErr = interfaces.NewPipelineError(models.ClassProviderEmpty, "pipeline returned no result", nil)
	}
	if runErr == nil {
		return models.JobRelease{
			State:      models.JobStateStored,
			TokensIn:   tokensIn,
			TokensOut:  tokensOut,
			Extraction: models.NewExtraction(job, result.Fields, tokensIn, tokensOut),
		}
	}

	class, reason := interfaces.ClassifyError(runErr)
	rel := FailureRelease(class, reason, job.Attempt, job.MaxAttempts, time.Now().UTC())
	rel.TokensIn = tokensIn
	rel.TokensOut = tokensOut
	return rel
}
