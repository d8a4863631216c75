// -----------------------------------------------------------------------
// Recovery sweeper - reclaims expired leases so a crashed or hung worker
// never strands a job.
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// sweepBatchSize caps how many expired leases one sweep reclaims. Anything
// beyond the cap is picked up by the next sweep.
const sweepBatchSize = 100

type recoverySweeper struct {
	jobs     interfaces.JobStorage
	events   interfaces.EventService
	interval time.Duration
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
	mu       sync.Mutex
}

func newRecoverySweeper(jobs interfaces.JobStorage, events interfaces.EventService, interval time.Duration, logger arbor.ILogger) *recoverySweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &recoverySweeper{
		jobs:     jobs,
		events:   events,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (rs *recoverySweeper) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.running {
		return
	}
	rs.running = true
	go rs.run()
	rs.logger.Info().
		Dur("interval", rs.interval).
		Msg("Recovery sweeper started")
}

func (rs *recoverySweeper) Stop() {
	rs.mu.Lock()
	if !rs.running {
		rs.mu.Unlock()
		return
	}
	rs.running = false
	rs.mu.Unlock()

	rs.cancel()
	<-rs.done
	rs.logger.Info().Msg("Recovery sweeper stopped")
}

func (rs *recoverySweeper) run() {
	defer close(rs.done)

	// Sweep once immediately so leases stranded by a crash are reclaimed
	// at startup, then on the interval.
	rs.sweep(rs.ctx)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rs.ctx.Done():
			return
		case <-ticker.C:
			rs.sweep(rs.ctx)
		}
	}
}

// sweep reclaims every currently expired lease. An expired lease means the
// worker died or lost its heartbeat, so the failure is treated as
// transient-network: reissue while attempts remain, otherwise fail for good.
func (rs *recoverySweeper) sweep(ctx context.Context) int {
	now := time.Now().UTC()
	expired, err := rs.jobs.ExpiredLeaseJobs(ctx, now, sweepBatchSize)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Expired lease listing failed")
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	reclaimed := 0
	for _, job := range expired {
		rel := models.JobRelease{
			State:         models.JobStateFailed,
			FailureReason: "lease expired",
		}
		decision := Decide(models.ClassTransientNetwork, job.Attempt, job.MaxAttempts)
		if decision.Directive == PermanentFailure {
			rel.FailureReason = "lease expired, attempts exhausted"
		} else {
			// Reissue immediately: the backoff schedule exists for provider
			// trouble, not for worker death.
			at := time.Time{}
			rel.RetryAt = &at
		}

		released, child, err := rs.jobs.ReclaimExpiredJob(ctx, job.ID, rel)
		if err != nil {
			if errors.Is(err, interfaces.ErrLeaseConflict) {
				// The worker renewed between our read and the reclaim.
				continue
			}
			rs.logger.Error().
				Err(err).
				Str("job_id", job.ID).
				Msg("Reclaim failed")
			continue
		}

		publishRunStatus(rs.events, released)
		if child != nil {
			publishRunStatus(rs.events, child)
		}
		reclaimed++
	}

	if reclaimed > 0 {
		rs.logger.Info().
			Int("reclaimed", reclaimed).
			Msg("Recovery sweep reclaimed expired leases")
	}
	return reclaimed
}
