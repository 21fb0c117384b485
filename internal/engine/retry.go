package engine

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// IsRetryableError classifies whether a failed scheduler task should be retried.
// Retryable by default: store errors, network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: validation errors, unknown runs or types, conflicts, invariant violations.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable: the process is shutting down and the
	// lease will expire on its own.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sfErr *schema.StepflowError
	if errors.As(err, &sfErr) {
		return sfErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"database is locked",
		"sqlite_busy",
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable, the backoff cap bounds the cost.
	return true
}

// BackoffPolicy shapes the delay between task attempts.
type BackoffPolicy struct {
	Strategy string        // "exponential" (default), "linear" or "constant"
	Base     time.Duration // first delay
	Max      time.Duration // cap; 0 = uncapped
}

// DefaultBackoffPolicy is what the scheduler uses when none is configured.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Strategy: "exponential", Base: time.Second, Max: 5 * time.Minute}
}

// ComputeBackoff calculates the delay before the next attempt. attempt is the
// number of attempts already made, starting at 0.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	if policy.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch policy.Strategy {
	case "linear":
		delay = policy.Base * time.Duration(attempt+1)
	case "constant":
		delay = policy.Base
	default:
		delay = policy.Base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if (policy.Max > 0 && delay >= policy.Max) || delay > time.Duration(math.MaxInt64/2) {
				break
			}
		}
	}

	if policy.Max > 0 && delay > policy.Max {
		delay = policy.Max
	}
	return delay
}
