// -----------------------------------------------------------------------
// Extraction Job - one row per attempt-chain link, append-only history
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState represents the lifecycle state of an extraction job.
// Transitions: queued -> fetching -> provider -> validating -> stored|failed,
// with cancelled reachable from any non-terminal state.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateFetching   JobState = "fetching"
	JobStateProvider   JobState = "provider"
	JobStateValidating JobState = "validating"
	JobStateStored     JobState = "stored"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
)

// IsTerminal returns true for states a job can never leave.
func (s JobState) IsTerminal() bool {
	return s == JobStateStored || s == JobStateFailed || s == JobStateCancelled
}

// IsLeased returns true for states that require a live owner lease.
func (s JobState) IsLeased() bool {
	return s == JobStateFetching || s == JobStateProvider || s == JobStateValidating
}

// LeasedJobStates returns the states a lease-holding worker moves a job through.
func LeasedJobStates() []JobState {
	return []JobState{JobStateFetching, JobStateProvider, JobStateValidating}
}

// NonTerminalJobStates returns every state that still admits a transition.
func NonTerminalJobStates() []JobState {
	return []JobState{JobStateQueued, JobStateFetching, JobStateProvider, JobStateValidating}
}

// Classification buckets every pipeline failure for the retry policy.
type Classification string

const (
	ClassTransientNetwork Classification = "transient-network"
	ClassProviderEmpty    Classification = "provider-empty"
	ClassNoSourceResolved Classification = "no-source-resolved"
	ClassValidationError  Classification = "validation-error"
	ClassPermanent        Classification = "permanent"
)

// Job is the durable record of a single extraction attempt. A retry never
// mutates an existing row; it creates a new Job linked via ParentJobID with
// Attempt incremented, so the full attempt history stays queryable.
//
// Lease fields (OwnerToken, LeaseExpiresAt) are only meaningful while the
// job is in a leased state; OwnerToken is empty whenever the job is
// unclaimed. MaxAttempts is snapshotted from configuration at creation so a
// config change mid-run never alters in-flight retry budgets.
type Job struct {
	ID              string     `json:"id" badgerhold:"key"`
	PaperID         string     `json:"paper_id" badgerhold:"index"`
	BatchID         string     `json:"batch_id,omitempty" badgerhold:"index"`
	State           JobState   `json:"state" badgerhold:"index"`
	OwnerToken      string     `json:"owner_token,omitempty"`
	LeaseExpiresAt  time.Time  `json:"lease_expires_at"`
	Attempt         int        `json:"attempt"`
	MaxAttempts     int        `json:"max_attempts"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	NotBefore       time.Time  `json:"not_before"`
	ParentJobID     string     `json:"parent_job_id,omitempty"`
	ModelRef        string     `json:"model_ref,omitempty"`
	SchemaRef       string     `json:"schema_ref,omitempty"`
	TokensIn        int64      `json:"tokens_in,omitempty"`
	TokensOut       int64      `json:"tokens_out,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	TerminalAt      *time.Time `json:"terminal_at,omitempty"`
}

// NewJob creates a queued first-attempt job for a paper.
func NewJob(paperID, batchID, modelRef, schemaRef string, maxAttempts int) *Job {
	return &Job{
		ID:          "job_" + uuid.New().String(),
		PaperID:     paperID,
		BatchID:     batchID,
		State:       JobStateQueued,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		ModelRef:    modelRef,
		SchemaRef:   schemaRef,
		CreatedAt:   time.Now().UTC(),
	}
}

// NewRetryJob creates the next attempt-chain link for a job. The child
// inherits the paper/batch/model/schema snapshot and the attempt budget;
// notBefore delays claimability for retry-later directives (zero means
// immediately claimable).
func NewRetryJob(parent *Job, attempt int, notBefore time.Time) *Job {
	return &Job{
		ID:          "job_" + uuid.New().String(),
		PaperID:     parent.PaperID,
		BatchID:     parent.BatchID,
		State:       JobStateQueued,
		Attempt:     attempt,
		MaxAttempts: parent.MaxAttempts,
		ModelRef:    parent.ModelRef,
		SchemaRef:   parent.SchemaRef,
		NotBefore:   notBefore,
		ParentJobID: parent.ID,
		CreatedAt:   time.Now().UTC(),
	}
}

// IsTerminal reports whether the job has reached a final state.
func (j *Job) IsTerminal() bool {
	return j.State.IsTerminal()
}

// LeaseExpired reports whether the job holds a lease that lapsed before now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.OwnerToken != "" && !j.State.IsTerminal() && j.LeaseExpiresAt.Before(now)
}

// Claimable reports whether the job can be handed to a worker at now.
func (j *Job) Claimable(now time.Time) bool {
	return j.State == JobStateQueued && !j.NotBefore.After(now)
}

// JobRelease describes the outcome write applied when a worker (or the
// recovery sweep) finishes with a job. State must be terminal. RetryAt
// non-nil schedules a child attempt row queued with NotBefore=*RetryAt;
// the zero time means immediately claimable.
type JobRelease struct {
	State         JobState
	FailureReason string
	TokensIn      int64
	TokensOut     int64
	RetryAt       *time.Time
	Extraction    *Extraction
}

// ListJobsOptions filters and pages job queries.
type ListJobsOptions struct {
	PaperID string
	BatchID string
	State   JobState
	Limit   int
	Offset  int
}
