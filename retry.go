package main

import (
	"time"
)

// retryPolicy bounds repeated attempts at an unreliable operation: critical
// broadcasts and external collaborator calls. The delay grows linearly with
// the attempt number, so attempts land at base, 2*base, 3*base, and so on.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

// do runs fn until it succeeds or attempts are exhausted, returning the last
// error. fn is always run at least once regardless of maxAttempts.
func (p retryPolicy) do(fn func() error) error {
	attempts := max(p.maxAttempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt < attempts {
			time.Sleep(time.Duration(attempt) * p.baseDelay)
		}
	}

	return err
}
