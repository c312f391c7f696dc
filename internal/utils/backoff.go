package utils

import (
	"math/rand"
	"time"
)

// BackoffDelay returns the wait before the given 1-based attempt:
// min(initial * 2^(attempt-1) * (0.5 + rand), max).
func BackoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * float64(int64(1)<<uint(attempt-1)) * (0.5 + rand.Float64())
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}
