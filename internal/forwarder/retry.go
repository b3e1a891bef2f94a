package forwarder

import (
	"math/rand/v2"
	"time"

	"gridrelay/internal/config"
)

// RetryPolicy defines the exponential backoff parameters for forwarding
// retries. The delay is enforced by the broker's invisibility timer, so a
// waiting message costs no worker capacity.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy is the fallback when configuration does not override it.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:   5,
	BaseDelay:     2 * time.Second,
	MaxDelay:      5 * time.Minute,
	BackoffFactor: 2.0,
}

// PolicyFromConfig builds a RetryPolicy from the forwarder configuration.
func PolicyFromConfig(cfg config.ForwarderConfig) RetryPolicy {
	policy := RetryPolicy{
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if policy.BackoffFactor <= 1 {
		policy.BackoffFactor = DefaultRetryPolicy.BackoffFactor
	}
	return policy
}

// NextRetryDelay computes the invisibility delay before retry attempt+1 using
// exponential backoff with full jitter:
//
//	delay = rand(0, min(BaseDelay * BackoffFactor^attempt, MaxDelay)]
//
// Full jitter spreads redelivery storms from correlated failures (e.g., a
// downstream outage) across the whole backoff window.
func NextRetryDelay(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	ceiling := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		ceiling *= policy.BackoffFactor
		if ceiling >= float64(policy.MaxDelay) {
			ceiling = float64(policy.MaxDelay)
			break
		}
	}

	d := time.Duration(ceiling)
	if d > policy.MaxDelay || d < 0 {
		d = policy.MaxDelay
	}
	if d <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(d))) + 1
}
