// Package retry drives stage-level retries with exponential backoff and
// jitter. Whether an error is retryable is decided by its class at the point
// of origin; the controller only consults that verdict.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// Default retry policy, overridable per controller
const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 3
)

// Policy tunes the retry behavior
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// withDefaults fills zero fields from the default policy
func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Controller re-drives failed stage attempts
type Controller struct {
	policy Policy
	logger *logging.Logger
}

// NewController creates a retry controller with the given policy
func NewController(policy Policy) *Controller {
	return &Controller{
		policy: policy.withDefaults(),
		logger: logging.Retry,
	}
}

// MaxAttempts returns the attempt ceiling for this controller
func (c *Controller) MaxAttempts() int { return c.policy.MaxAttempts }

// Do runs fn up to MaxAttempts times, sleeping with exponential backoff and
// jitter between attempts. Only retryable error classes are re-driven; fatal
// classes and context cancellation return immediately. The attempt count is
// returned for diagnostics regardless of outcome.
func (c *Controller) Do(ctx context.Context, deploymentID string, stage interfaces.Stage, fn func(ctx context.Context) error) (int, error) {
	policy := c.policy
	bo := c.newBackOff(policy)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if !interfaces.IsRetryable(lastErr) {
			return attempt, lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		logging.RetryScheduled(deploymentID, string(stage), attempt+1, delay.String())

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
	}
	return policy.MaxAttempts, lastErr
}

// DoWithMaxAttempts is Do with a per-call attempt ceiling, used when the
// deployment config overrides the controller default
func (c *Controller) DoWithMaxAttempts(ctx context.Context, deploymentID string, stage interfaces.Stage, maxAttempts int, fn func(ctx context.Context) error) (int, error) {
	if maxAttempts <= 0 {
		return c.Do(ctx, deploymentID, stage, fn)
	}
	override := c.policy
	override.MaxAttempts = maxAttempts
	sub := &Controller{policy: override, logger: c.logger}
	return sub.Do(ctx, deploymentID, stage, fn)
}

// newBackOff builds the delay schedule: base doubling per attempt plus
// non-negative additive jitter, capped at MaxDelay
func (c *Controller) newBackOff(policy Policy) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BaseDelay
	bo.MaxInterval = policy.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0 // jitter is layered on additively below
	bo.MaxElapsedTime = 0      // attempts are bounded, not elapsed time
	bo.Reset()
	return &jitteredBackOff{
		base:     bo,
		jitter:   policy.BaseDelay,
		maxDelay: policy.MaxDelay,
	}
}

// jitteredBackOff adds jitter in [0, jitter) on top of a deterministic
// exponential schedule. Delays are clamped to maxDelay and never shrink
// between consecutive attempts.
type jitteredBackOff struct {
	base     *backoff.ExponentialBackOff
	jitter   time.Duration
	maxDelay time.Duration
	prev     time.Duration
}

func (b *jitteredBackOff) NextBackOff() time.Duration {
	next := b.base.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if b.jitter > 0 {
		next += time.Duration(rand.Int63n(int64(b.jitter)))
	}
	if next > b.maxDelay {
		next = b.maxDelay
	}
	if next < b.prev {
		next = b.prev
	}
	b.prev = next
	return next
}

func (b *jitteredBackOff) Reset() {
	b.base.Reset()
	b.prev = 0
}
