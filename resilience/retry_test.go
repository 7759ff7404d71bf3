package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydeliver/engine/config"
	"github.com/relaydeliver/engine/core"
)

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		JitterFraction:  0,
	}
}

func TestPolicy_BackoffDelayFollowsExponentialFormula(t *testing.T) {
	p := NewPolicy(testRetryConfig(), config.ProfileTest)

	assert.Equal(t, time.Second, p.backoffDelay(1))
	assert.Equal(t, 2*time.Second, p.backoffDelay(2))
	assert.Equal(t, 4*time.Second, p.backoffDelay(3))
	assert.Equal(t, 8*time.Second, p.backoffDelay(4))
}

func TestPolicy_BackoffDelayCapsAtMaxInterval(t *testing.T) {
	p := NewPolicy(testRetryConfig(), config.ProfileTest)

	// 1s * 2^9 = 512s, well past the 5m (300s) cap.
	assert.Equal(t, 5*time.Minute, p.backoffDelay(10))
}

func TestPolicy_BackoffDelayAppliesJitterWithinFraction(t *testing.T) {
	cfg := testRetryConfig()
	cfg.JitterFraction = 0.10
	p := NewPolicy(cfg, config.ProfileTest)

	base := float64(time.Second)
	spread := base * 0.10
	for i := 0; i < 50; i++ {
		delay := float64(p.backoffDelay(1))
		assert.GreaterOrEqual(t, delay, base-spread)
		assert.LessOrEqual(t, delay, base+spread)
	}
}

func TestPolicy_ProductionForcesJitterEvenWithZeroConfigured(t *testing.T) {
	cfg := testRetryConfig()
	cfg.JitterFraction = 0
	p := NewPolicy(cfg, config.ProfileProduction)

	base := float64(time.Second)
	spread := base * 0.2
	sawDeviation := false
	for i := 0; i < 50; i++ {
		delay := float64(p.backoffDelay(1))
		require.GreaterOrEqual(t, delay, base-spread)
		require.LessOrEqual(t, delay, base+spread)
		if delay != base {
			sawDeviation = true
		}
	}
	assert.True(t, sawDeviation, "expected production profile to jitter even with jitterFraction=0")
}

func TestPolicy_ShouldRetry(t *testing.T) {
	p := NewPolicy(testRetryConfig(), config.ProfileTest)

	assert.True(t, p.ShouldRetry(core.ErrTransient, 1, 5))
	assert.False(t, p.ShouldRetry(core.ErrTransient, 5, 5))
	assert.False(t, p.ShouldRetry(core.ErrInvalidPayload, 1, 5))
}

func TestPolicy_NextAttemptAtUsesBackoffDelay(t *testing.T) {
	p := NewPolicy(testRetryConfig(), config.ProfileTest)
	now := time.Now()

	next := p.NextAttemptAt(now, 1)
	assert.Equal(t, now.Add(time.Second), next)
}
