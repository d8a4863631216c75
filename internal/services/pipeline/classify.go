package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
	"github.com/ternarybob/excerpo/internal/services/fetch"
	"github.com/ternarybob/excerpo/internal/services/llm"
)

// classifyResolve maps a source-resolution failure. The resolver only errors
// when an adapter lookup failed, never when nothing matched, so these are
// outages worth retrying.
func classifyResolve(err error) *interfaces.PipelineError {
	return interfaces.NewPipelineError(models.ClassTransientNetwork, "source lookup failed", err)
}

// classifyFetch maps a download failure. Rate limiting and server errors are
// transient; other status codes and an oversized body will fail identically
// on every attempt.
func classifyFetch(err error) *interfaces.PipelineError {
	var httpErr *fetch.HTTPError
	if errors.As(err, &httpErr) {
		reason := fmt.Sprintf("source returned status %d", httpErr.StatusCode)
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return interfaces.NewPipelineError(models.ClassTransientNetwork, reason, err)
		}
		return interfaces.NewPipelineError(models.ClassPermanent, reason, err)
	}
	if errors.Is(err, fetch.ErrBodyTooLarge) {
		return interfaces.NewPipelineError(models.ClassPermanent, "source body too large", err)
	}
	return interfaces.NewPipelineError(models.ClassTransientNetwork, "source fetch failed", err)
}

// classifyProvider maps a model-call failure. SDK error shapes vary across
// providers, so anything that is not clearly rate limiting or a timeout
// still classifies transient; the attempt ceiling bounds the damage when the
// real cause is a misconfigured key.
func classifyProvider(err error) *interfaces.PipelineError {
	if llm.IsRateLimitError(err) {
		return interfaces.NewPipelineError(models.ClassTransientNetwork, "provider rate limited", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return interfaces.NewPipelineError(models.ClassTransientNetwork, "provider call timed out", err)
	}
	return interfaces.NewPipelineError(models.ClassTransientNetwork, "provider call failed", err)
}
