package connmgr

import "time"

const (
	BackoffStep = time.Second
	MaxBackoff  = 30 * time.Second
)

// Backoff returns the wait before reconnect attempt n (1-based): n seconds,
// capped at MaxBackoff.
func Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt >= int(MaxBackoff/BackoffStep) {
		return MaxBackoff
	}
	return time.Duration(attempt) * BackoffStep
}
