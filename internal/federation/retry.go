package federation

import "time"

// RetryPolicy is the exponential backoff applied to failed pipeline
// tasks. The delay for attempt n (0-based count of failures so far) is
// Initial * Factor^n, capped at Cap; after MaxAttempts total attempts the
// task is handed to the permanent-failure handler.
type RetryPolicy struct {
	Initial     time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the standard policy: 1 minute doubling up to
// 3 days, 10 attempts total.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Initial:     time.Minute,
		Factor:      2,
		Cap:         72 * time.Hour,
		MaxAttempts: 10,
	}
}

// Delay returns the backoff before retrying after `failures` failed
// attempts.
func (p *RetryPolicy) Delay(failures int) time.Duration {
	d := float64(p.Initial)
	for i := 1; i < failures; i++ {
		d *= p.Factor
		if d >= float64(p.Cap) {
			return p.Cap
		}
	}
	if d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

// Exhausted reports whether a task that has failed `failures` times is
// out of attempts.
func (p *RetryPolicy) Exhausted(failures int) bool {
	return failures >= p.MaxAttempts
}
