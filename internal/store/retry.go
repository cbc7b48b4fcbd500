package store

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds retries of transient storage failures.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetry is used by the router and the ingestion pipeline.
var DefaultRetry = RetryPolicy{Attempts: 4, BaseDelay: 25 * time.Millisecond, MaxDelay: time.Second}

// WithRetry runs fn until it succeeds, fails with a non-transient error, or
// attempts run out. The delay doubles per attempt up to MaxDelay.
func WithRetry(ctx context.Context, p RetryPolicy, fn func() error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	var err error
	for i := 0; i < p.Attempts; i++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if i == p.Attempts-1 {
			break
		}

		sleep := p.BaseDelay << i
		if p.MaxDelay > 0 && sleep > p.MaxDelay {
			sleep = p.MaxDelay
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", err)
		case <-timer.C:
		}
	}
	return fmt.Errorf("after %d attempts: %w", p.Attempts, err)
}
