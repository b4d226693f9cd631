package batch

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetryInitial    = 5 * time.Second
	DefaultRetryMax        = 10 * time.Minute
	DefaultRetryMultiplier = 2.0
	DefaultMaxAttempts     = 10
)

// RetryPolicy is a bounded exponential backoff between delivery attempts.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// SetDefault fills zero values.
func (p *RetryPolicy) SetDefault() {
	if p.Initial <= 0 {
		p.Initial = DefaultRetryInitial
	}
	if p.Max <= 0 {
		p.Max = DefaultRetryMax
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultRetryMultiplier
	}
}

// Delay returns the wait before retrying a batch whose attempt-th delivery
// failed. Delays are deterministic so retry times survive restarts.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p.SetDefault()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.Initial
	policy.MaxInterval = p.Max
	policy.Multiplier = p.Multiplier
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	delay := policy.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}
