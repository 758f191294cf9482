package engine

import (
	"time"

	"github.com/chalsync/chalsync/pkg/platform"
)

// Options are the tunables of a pipeline run. They are passed explicitly;
// the engine never reads the environment.
type Options struct {
	// Reads bounds concurrent remote reads.
	Reads int

	// Writes bounds concurrent mutating operations.
	Writes int

	// Retry governs retries of read calls.
	Retry RetryPolicy

	// RequestTimeout bounds every single platform call.
	RequestTimeout time.Duration

	// Verify re-reads remote state after apply and reports what is still
	// outstanding.
	Verify bool
}

// DefaultOptions returns the defaults used when a field is zero.
func DefaultOptions() Options {
	return Options{
		Reads:          5,
		Writes:         3,
		Retry:          DefaultRetryPolicy(),
		RequestTimeout: 10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Reads <= 0 {
		o.Reads = def.Reads
	}
	if o.Writes <= 0 {
		o.Writes = def.Writes
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

// RetryPolicy is a bounded exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps any single delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns 4 attempts starting at 500ms, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// Backoff returns the delay before retry number attempt (0-based) after err.
// Rate limiting backs off five times longer.
func (p RetryPolicy) Backoff(attempt int, err error) time.Duration {
	base := p.BaseDelay
	if platform.KindOf(err) == platform.KindRateLimited {
		base *= 5
	}

	delay := base
	for i := 0; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
