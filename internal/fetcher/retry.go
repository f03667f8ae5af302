package fetcher

import (
	"context"
	"time"
)

// RetryPolicy is the single retry/backoff policy shared by the standalone
// fetch helpers (sitemap discovery, resource downloads). The crawl engine
// itself never retries a page within a job; a failed attempt is terminal
// there.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy retries twice with doubling delays.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         500 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

// Do invokes fn until it succeeds, the attempts are exhausted, or the
// context is cancelled. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= p.MaxRetries {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay = time.Duration(float64(delay) * multiplier)
	}
}
