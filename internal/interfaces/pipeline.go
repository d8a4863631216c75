package interfaces

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/excerpo/internal/models"
)

// StageFunc reports a pipeline stage boundary back to the scheduler. The
// returned error is non-nil when the job's lease is gone or cancellation was
// requested; the pipeline must stop promptly and propagate it. Stage
// boundaries are therefore the pipeline's cooperative checkpoints.
type StageFunc func(ctx context.Context, stage models.JobState) error

// PipelineRequest carries one claimed job into the extraction pipeline.
type PipelineRequest struct {
	Job    *models.Job
	Report StageFunc
}

// PipelineResult is a successful extraction: the validated field payload
// plus the token usage that produced it.
type PipelineResult struct {
	Fields    map[string]interface{}
	TokensIn  int64
	TokensOut int64
}

// Pipeline executes the full extraction for a claimed job: resolve a source,
// fetch it, extract text, call the model, validate the payload. Failures are
// returned as *PipelineError so the scheduler can classify them for retry.
type Pipeline interface {
	Run(ctx context.Context, req PipelineRequest) (*PipelineResult, error)
}

// PipelineError wraps a pipeline failure with its retry classification.
type PipelineError struct {
	Class  models.Classification
	Reason string
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Reason)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError builds a classified pipeline failure.
func NewPipelineError(class models.Classification, reason string, err error) *PipelineError {
	return &PipelineError{Class: class, Reason: reason, Err: err}
}

// ClassifyError maps any pipeline error to a failure classification and a
// human-readable reason. Unclassified errors are permanent: they indicate a
// programming fault or unrecoverable input, and retrying would not help.
func ClassifyError(err error) (models.Classification, string) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Class, pe.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ClassTransientNetwork, "pipeline deadline exceeded"
	}
	return models.ClassPermanent, err.Error()
}
