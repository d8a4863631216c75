// -----------------------------------------------------------------------
// Retry policy - a pure function from (classification, attempt, budget) to
// a directive. No storage access, no clock reads; callers pass now.
// -----------------------------------------------------------------------

package scheduler

import (
	"time"

	"github.com/ternarybob/excerpo/internal/models"
)

// RetryDirective is the policy's verdict for a failed attempt.
type RetryDirective string

const (
	RetryImmediately RetryDirective = "retry-immediately"
	RetryLater       RetryDirective = "retry-later"
	PermanentFailure RetryDirective = "permanent-failure"
)

// Backoff schedule for retry-later classifications.
const (
	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = 5 * time.Minute
	noSourceDelay  = 5 * time.Minute
)

// RetryDecision pairs the directive with the delay to apply before the next
// attempt. Delay is zero unless the directive is RetryLater.
type RetryDecision struct {
	Directive RetryDirective
	Delay     time.Duration
}

// Decide maps a failure classification to a retry directive. Permanent
// failures never retry; everything else retries until the attempt budget is
// spent. attempt is the number of the attempt that just failed.
func Decide(class models.Classification, attempt, maxAttempts int) RetryDecision {
	if class == models.ClassPermanent {
		return RetryDecision{Directive: PermanentFailure}
	}
	if attempt >= maxAttempts {
		return RetryDecision{Directive: PermanentFailure}
	}

	switch class {
	case models.ClassValidationError:
		return RetryDecision{Directive: RetryImmediately}
	case models.ClassNoSourceResolved:
		return RetryDecision{Directive: RetryLater, Delay: noSourceDelay}
	default:
		// transient-network, provider-empty: exponential backoff from the
		// base delay, doubling per attempt already spent.
		delay := retryBaseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= retryMaxDelay {
				delay = retryMaxDelay
				break
			}
		}
		return RetryDecision{Directive: RetryLater, Delay: delay}
	}
}

// FailureRelease builds the storage release for a failed attempt according
// to the policy: a retrying failure schedules the child attempt row via
// RetryAt, a permanent one does not.
func FailureRelease(class models.Classification, reason string, attempt, maxAttempts int, now time.Time) models.JobRelease {
	rel := models.JobRelease{
		State:         models.JobStateFailed,
		FailureReason: reason,
	}
	decision := Decide(class, attempt, maxAttempts)
	switch decision.Directive {
	case RetryImmediately:
		at := time.Time{}
		rel.RetryAt = &at
	case RetryLater:
		at := now.Add(decision.Delay)
		rel.RetryAt = &at
	}
	return rel
}
