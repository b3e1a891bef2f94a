package forwarder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gridrelay/internal/config"
)

func TestPolicyFromConfig_UsesConfiguredValues(t *testing.T) {
	policy := PolicyFromConfig(config.ForwarderConfig{
		MaxAttempts:   7,
		BaseDelay:     time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 3.0,
	})

	assert.Equal(t, 7, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.BaseDelay)
	assert.Equal(t, time.Minute, policy.MaxDelay)
	assert.Equal(t, 3.0, policy.BackoffFactor)
}

func TestPolicyFromConfig_FallsBackToDefaults(t *testing.T) {
	policy := PolicyFromConfig(config.ForwarderConfig{})

	assert.Equal(t, DefaultRetryPolicy, policy)
}

func TestPolicyFromConfig_RejectsShrinkingBackoff(t *testing.T) {
	policy := PolicyFromConfig(config.ForwarderConfig{BackoffFactor: 0.5})

	assert.Equal(t, DefaultRetryPolicy.BackoffFactor, policy.BackoffFactor)
}

func TestNextRetryDelay_StaysWithinCeiling(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:   5,
		BaseDelay:     2 * time.Second,
		MaxDelay:      5 * time.Minute,
		BackoffFactor: 2.0,
	}

	// Ceiling grows as 2s, 4s, 8s, 16s... with full jitter below it.
	for attempt := 0; attempt < 10; attempt++ {
		ceiling := float64(policy.BaseDelay)
		for i := 0; i < attempt; i++ {
			ceiling *= policy.BackoffFactor
		}
		if ceiling > float64(policy.MaxDelay) {
			ceiling = float64(policy.MaxDelay)
		}

		for i := 0; i < 100; i++ {
			d := NextRetryDelay(policy, attempt)
			assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
			assert.LessOrEqual(t, d, time.Duration(ceiling), "attempt %d", attempt)
		}
	}
}

func TestNextRetryDelay_CapsAtMaxDelay(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}

	// Large attempt counts must not overflow past MaxDelay.
	for i := 0; i < 100; i++ {
		d := NextRetryDelay(policy, 63)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, policy.MaxDelay)
	}
}

func TestNextRetryDelay_NegativeAttemptTreatedAsFirst(t *testing.T) {
	policy := DefaultRetryPolicy

	for i := 0; i < 100; i++ {
		d := NextRetryDelay(policy, -3)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, policy.BaseDelay)
	}
}
