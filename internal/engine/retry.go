// -----------------------------------------------------------------------
// Retry policy - failure classification and capped exponential backoff
// -----------------------------------------------------------------------

package engine

import (
	"time"

	"github.com/ternarybob/coremachine/internal/models"
)

// Decision is the outcome of classifying a task handler failure
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// ClassifyTaskError decides whether a handler failure is retried.
// Permanent errors fail immediately. Everything else retries with backoff
// until the retry budget is spent; unclassified errors default to retryable
// so flaky downstreams are not turned into terminal failures.
func ClassifyTaskError(err error, retryCount, maxRetries int, baseDelay, maxDelay time.Duration) Decision {
	d := Decision{Reason: err.Error()}

	if models.IsPermanent(err) {
		return d
	}
	if retryCount >= maxRetries {
		d.Reason = "retry budget exhausted: " + d.Reason
		return d
	}

	d.Retry = true
	d.Delay = Backoff(retryCount, baseDelay, maxDelay)
	return d
}

// Backoff returns base * 2^attempt, capped at max
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
