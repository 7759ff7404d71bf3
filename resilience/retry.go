package resilience

import (
	"math"
	"math/rand"
	"time"

	"github.com/relaydeliver/engine/config"
	"github.com/relaydeliver/engine/core"
)

// Policy decides whether a failed queue entry should be retried and, if so,
// when. This engine never blocks a worker on a delay: a retry
// is a new ScheduledAt/NextRetryAt written back to the queue store and
// picked up on a later dequeue, so many destinations can be backing off
// concurrently without holding a worker each.
type Policy struct {
	cfg config.RetryConfig
	// productionJitter forces jitter on regardless of cfg, used to satisfy
	// the invariant that production profiles never schedule retries with
	// perfectly deterministic timing (thundering-herd risk against a
	// recovering destination).
	productionJitter bool
}

func NewPolicy(cfg config.RetryConfig, profile config.Profile) *Policy {
	return &Policy{cfg: cfg, productionJitter: profile == config.ProfileProduction}
}

// ShouldRetry reports whether err on attemptNumber (1-indexed, the attempt
// that just failed) should be retried given maxRetries for this entry. The
// fixed denylist always wins over attempt count: a denylisted kind is never
// retried even on attempt 1.
func (p *Policy) ShouldRetry(err error, attemptNumber, maxRetries int) bool {
	if core.IsDenylistedKind(err) {
		return false
	}
	if core.IsFatal(err) {
		return false
	}
	return attemptNumber < maxRetries
}

// NextAttemptAt computes the scheduled time of the next retry using
// exponential backoff from cfg.InitialInterval, capped at cfg.MaxInterval,
// with jitter applied per cfg.JitterFraction (or forced on in production).
func (p *Policy) NextAttemptAt(now time.Time, attemptNumber int) time.Time {
	delay := p.backoffDelay(attemptNumber)
	return now.Add(delay)
}

func (p *Policy) backoffDelay(attemptNumber int) time.Duration {
	multiplier := p.cfg.Multiplier
	if multiplier <= 1.0 {
		multiplier = 2.0
	}

	delay := float64(p.cfg.InitialInterval) * math.Pow(multiplier, float64(attemptNumber-1))
	if max := float64(p.cfg.MaxInterval); max > 0 && delay > max {
		delay = max
	}

	jitterFraction := p.cfg.JitterFraction
	if p.productionJitter && jitterFraction <= 0 {
		jitterFraction = 0.2
	}
	if jitterFraction > 0 {
		// Full jitter within +/- jitterFraction of the computed delay: avoids
		// near-synchronized retries across many entries that failed within the
		// same tick.
		spread := delay * jitterFraction
		delay += (rand.Float64()*2 - 1) * spread
		if delay < 0 {
			delay = 0
		}
	}

	return time.Duration(delay)
}

// ClassifyHTTPStatus maps an HTTP response status code onto a retryability
// decision independent of ShouldRetry's attempt-count check: 2xx/3xx return
// nil, 4xx (except 408/429) are caller errors and non-retryable,
// 429/408/5xx are transient.
func ClassifyHTTPStatus(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 400:
		return nil
	case statusCode == 408 || statusCode == 429:
		return core.ErrTransient
	case statusCode >= 400 && statusCode < 500:
		return core.ErrInvalidPayload
	case statusCode >= 500:
		return core.ErrTransient
	default:
		return core.ErrTransient
	}
}
