package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
)

// newOwnerToken builds a lease owner token unique to one claim by one
// worker slot.
func newOwnerToken(workerID int) string {
	return fmt.Sprintf("w%d:%s", workerID, uuid.New().String())
}

// leaseKeeper renews one job's lease on the heartbeat interval while the
// worker runs the pipeline. The renewal doubles as the cooperative cancel
// checkpoint: when storage reports a pending cancellation the keeper cancels
// the pipeline context, and when the lease turns out to be reassigned it
// does the same and marks the lease lost so the worker discards its result.
type leaseKeeper struct {
	jobs      interfaces.JobStorage
	jobID     string
	owner     string
	leaseFor  time.Duration
	every     time.Duration
	abort     context.CancelFunc
	logger    arbor.ILogger
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	lost      atomic.Bool
	cancelled atomic.Bool
}

func startLeaseKeeper(jobs interfaces.JobStorage, jobID, owner string, leaseFor, every time.Duration, abort context.CancelFunc, logger arbor.ILogger) *leaseKeeper {
	k := &leaseKeeper{
		jobs:     jobs,
		jobID:    jobID,
		owner:    owner,
		leaseFor: leaseFor,
		every:    every,
		abort:    abort,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go k.run()
	return k
}

func (k *leaseKeeper) run() {
	defer close(k.done)

	ticker := time.NewTicker(k.every)
	defer ticker.Stop()

	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			cancelRequested, err := k.jobs.RenewLease(context.Background(), k.jobID, k.owner, k.leaseFor)
			if err != nil {
				if errors.Is(err, interfaces.ErrLeaseConflict) || errors.Is(err, interfaces.ErrNotFound) {
					k.logger.Warn().
						Str("job_id", k.jobID).
						Str("owner", k.owner).
						Msg("Lease reassigned, aborting pipeline")
					k.lost.Store(true)
					k.abort()
					return
				}
				// Transient storage trouble: keep the pipeline running and
				// try again next tick. If renewals keep failing the lease
				// expires and the recovery sweep takes over.
				k.logger.Error().
					Err(err).
					Str("job_id", k.jobID).
					Msg("Lease renewal failed")
				continue
			}
			if cancelRequested && !k.cancelled.Load() {
				k.logger.Info().
					Str("job_id", k.jobID).
					Msg("Cancellation requested, aborting pipeline")
				k.cancelled.Store(true)
				k.abort()
			}
		}
	}
}

// Stop halts renewals and waits for the keeper goroutine to exit.
func (k *leaseKeeper) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
	<-k.done
}

// Lost reports whether the lease was reassigned while the pipeline ran.
func (k *leaseKeeper) Lost() bool {
	return k.lost.Load()
}

// CancelObserved reports whether a heartbeat saw a pending cancellation.
func (k *leaseKeeper) CancelObserved() bool {
	return k.cancelled.Load()
}
