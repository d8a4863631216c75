package scheduler

import (
	"testing"
	"time"

	"github.com/ternarybob/excerpo/internal/models"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		class       models.Classification
		attempt     int
		maxAttempts int
		directive   RetryDirective
		delay       time.Duration
	}{
		{"permanent never retries", models.ClassPermanent, 1, 3, PermanentFailure, 0},
		{"permanent ignores remaining budget", models.ClassPermanent, 1, 100, PermanentFailure, 0},
		{"validation retries immediately", models.ClassValidationError, 1, 3, RetryImmediately, 0},
		{"validation exhausted", models.ClassValidationError, 3, 3, PermanentFailure, 0},
		{"transient first attempt", models.ClassTransientNetwork, 1, 3, RetryLater, 30 * time.Second},
		{"transient second attempt doubles", models.ClassTransientNetwork, 2, 3, RetryLater, 60 * time.Second},
		{"transient backoff caps at five minutes", models.ClassTransientNetwork, 6, 10, RetryLater, 5 * time.Minute},
		{"transient exhausted", models.ClassTransientNetwork, 3, 3, PermanentFailure, 0},
		{"provider empty backs off like transient", models.ClassProviderEmpty, 2, 3, RetryLater, 60 * time.Second},
		{"no source waits flat five minutes", models.ClassNoSourceResolved, 1, 3, RetryLater, 5 * time.Minute},
		{"no source exhausted", models.ClassNoSourceResolved, 3, 3, PermanentFailure, 0},
		{"over budget", models.ClassTransientNetwork, 4, 3, PermanentFailure, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.class, tt.attempt, tt.maxAttempts)
			if got.Directive != tt.directive {
				t.Errorf("Decide(%s, %d, %d) directive = %s, want %s", tt.class, tt.attempt, tt.maxAttempts, got.Directive, tt.directive)
			}
			if got.Delay != tt.delay {
				t.Errorf("Decide(%s, %d, %d) delay = %v, want %v", tt.class, tt.attempt, tt.maxAttempts, got.Delay, tt.delay)
			}
		})
	}
}

func TestFailureRelease(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rel := FailureRelease(models.ClassPermanent, "schema missing", 1, 3, now)
	if rel.State != models.JobStateFailed || rel.FailureReason != "schema missing" {
		t.Errorf("Unexpected release: %+v", rel)
	}
	if rel.RetryAt != nil {
		t.Error("Permanent failure must not schedule a retry")
	}

	rel = FailureRelease(models.ClassValidationError, "payload rejected", 1, 3, now)
	if rel.RetryAt == nil || !rel.RetryAt.IsZero() {
		t.Errorf("Immediate retry should use the zero time, got %v", rel.RetryAt)
	}

	rel = FailureRelease(models.ClassTransientNetwork, "connection reset", 2, 3, now)
	if rel.RetryAt == nil || !rel.RetryAt.Equal(now.Add(60*time.Second)) {
		t.Errorf("Expected retry at %v, got %v", now.Add(60*time.Second), rel.RetryAt)
	}

	rel = FailureRelease(models.ClassTransientNetwork, "connection reset", 3, 3, now)
	if rel.RetryAt != nil {
		t.Error("Exhausted budget must not schedule a retry")
	}
}
