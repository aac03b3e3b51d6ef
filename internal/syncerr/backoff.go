package syncerr

import (
	"math/rand"
	"time"
)

const (
	// maxBackoff caps the delay before the next retry attempt.
	maxBackoff = 30 * time.Second
	// maxJitter is the upper bound of the random term added to each delay.
	maxJitter = time.Second
)

// baseDelay returns the first-retry delay for a kind. Non-retryable kinds get
// zero; they are never retried.
func baseDelay(kind Kind) time.Duration {
	switch kind {
	case KindNetwork, KindUnknown:
		return 2 * time.Second
	case KindTimeout:
		return time.Second
	case KindServer:
		return 3 * time.Second
	default:
		return 0
	}
}

// Backoff computes the delay before the next attempt: baseDelay(kind) doubled
// per prior retry, plus up to one second of jitter, capped at 30 seconds.
func Backoff(kind Kind, retryCount int) time.Duration {
	base := baseDelay(kind)
	if base == 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}

	delay += time.Duration(rand.Int63n(int64(maxJitter)))
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
